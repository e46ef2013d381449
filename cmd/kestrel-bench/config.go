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

package main

import (
	"github.com/BurntSushi/toml"

	"github.com/kestreldb/kestrel/pkg/logutil"
)

// Config of the bench process, decoded from the toml file the -cfg flag
// points at.  Missing sections fall back to the defaults.
type Config struct {
	// Log configures the global logger.
	Log logutil.LogConfig `toml:"log"`

	// Bench configures the workload.
	Bench BenchConfig `toml:"bench"`
}

type BenchConfig struct {
	// Databases is the number of databases the workload spreads over.
	Databases int `toml:"databases"`

	// CollectionsPerDatabase bounds the namespaces each worker picks
	// from.
	CollectionsPerDatabase int `toml:"collections-per-database"`

	// Workers is the size of the worker pool.
	Workers int `toml:"workers"`

	// Ops is the total number of transactions to run.
	Ops int `toml:"ops"`

	// ViewEvery makes every n-th transaction a view DDL instead of a
	// collection DDL.  Zero disables view traffic.
	ViewEvery int `toml:"view-every"`

	// ScanEvery makes every n-th transaction a lock free catalog scan.
	// Zero disables scan traffic.
	ScanEvery int `toml:"scan-every"`

	// ViewStorePath persists view definitions under this directory.
	// Empty keeps them in memory.
	ViewStorePath string `toml:"view-store-path"`
}

func defaultConfig() *Config {
	return &Config{
		Log: logutil.LogConfig{
			Level:  "info",
			Format: "console",
		},
		Bench: BenchConfig{
			Databases:              4,
			CollectionsPerDatabase: 64,
			Workers:                8,
			Ops:                    20000,
			ViewEvery:              10,
			ScanEvery:              7,
		},
	}
}

func parseConfigFromFile(file string) (*Config, error) {
	cfg := defaultConfig()
	if file != "" {
		if _, err := toml.DecodeFile(file, cfg); err != nil {
			return nil, err
		}
	}
	if cfg.Bench.Databases < 1 {
		cfg.Bench.Databases = 1
	}
	if cfg.Bench.CollectionsPerDatabase < 1 {
		cfg.Bench.CollectionsPerDatabase = 1
	}
	if cfg.Bench.Workers < 1 {
		cfg.Bench.Workers = 1
	}
	return cfg, nil
}
