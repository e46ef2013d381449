// Copyright 2022 KestrelDB
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logutil

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	once          sync.Once
	_globalLogger atomic.Value
)

// GetGlobalLogger returns the process-wide logger.  If no logger was set
// up before the first call, a console logger at info level is installed.
func GetGlobalLogger() *zap.Logger {
	once.Do(func() {
		if _globalLogger.Load() == nil {
			setGlobalLogger(newLogger(&LogConfig{Level: "info", Format: "console"}))
		}
	})
	return _globalLogger.Load().(*zap.Logger)
}

// SetupKestrelLogger builds the logger from conf and installs it as the
// global logger.  Configuration mistakes panic, a process cannot run
// without its logger.
func SetupKestrelLogger(conf *LogConfig) *zap.Logger {
	logger := newLogger(conf)
	setGlobalLogger(logger)
	return logger
}

// Adjust returns logger if it is not nil, otherwise the global logger
// with options applied.  Components taking an optional logger call this
// once at construction.
func Adjust(logger *zap.Logger, options ...zap.Option) *zap.Logger {
	if logger != nil {
		return logger
	}
	return GetGlobalLogger().WithOptions(options...)
}

func newLogger(cfg *LogConfig) *zap.Logger {
	level := cfg.getLevel()
	var cores []zapcore.Core
	for _, sink := range cfg.getSinks() {
		cores = append(cores, zapcore.NewCore(sink.enc, sink.out, level))
	}
	return zap.New(zapcore.NewTee(cores...), cfg.getOptions()...)
}

func setGlobalLogger(logger *zap.Logger) {
	_globalLogger.Store(logger)
	zap.ReplaceGlobals(logger)
}
