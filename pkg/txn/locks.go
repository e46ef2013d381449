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

package txn

import "sync"

// LockMode is the strength of a declared lock.
type LockMode int

const (
	LockModeNone LockMode = iota
	LockModeIS
	LockModeIX
	LockModeS
	LockModeX
)

func (m LockMode) String() string {
	switch m {
	case LockModeIS:
		return "IS"
	case LockModeIX:
		return "IX"
	case LockModeS:
		return "S"
	case LockModeX:
		return "X"
	default:
		return "NONE"
	}
}

// covers reports whether holding m satisfies a requirement of other.
// X grants everything, S grants the shared modes, the intent modes
// grant themselves and IS.
func (m LockMode) covers(other LockMode) bool {
	switch m {
	case LockModeX:
		return true
	case LockModeS:
		return other == LockModeS || other == LockModeIS
	case LockModeIX:
		return other == LockModeIX || other == LockModeIS
	case LockModeIS:
		return other == LockModeIS
	}
	return false
}

// LockState tracks which locks a transaction has declared.  It does not
// arbitrate between transactions, it exists so catalog operations can
// assert their locking contract.  Declaring a lock twice keeps the
// strongest mode, lock conversion is not modeled.
type LockState struct {
	mu          sync.Mutex
	global      LockMode
	databases   map[string]LockMode
	collections map[string]LockMode
}

func NewLockState() *LockState {
	return &LockState{
		databases:   make(map[string]LockMode),
		collections: make(map[string]LockMode),
	}
}

func (l *LockState) LockGlobal(mode LockMode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if mode > l.global {
		l.global = mode
	}
}

func (l *LockState) LockDatabase(db string, mode LockMode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if mode > l.databases[db] {
		l.databases[db] = mode
	}
}

func (l *LockState) LockCollection(ns string, mode LockMode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if mode > l.collections[ns] {
		l.collections[ns] = mode
	}
}

// UnlockAll drops every declared lock.  Called when the transaction
// closes.
func (l *LockState) UnlockAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.global = LockModeNone
	l.databases = make(map[string]LockMode)
	l.collections = make(map[string]LockMode)
}

// IsW returns true when the global lock is held exclusively.
func (l *LockState) IsW() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.global == LockModeX
}

// IsR returns true when the global lock is held shared.
func (l *LockState) IsR() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.global == LockModeS
}

func (l *LockState) IsLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.global != LockModeNone || len(l.databases) > 0 || len(l.collections) > 0
}

func (l *LockState) IsDatabaseLockedForMode(db string, mode LockMode) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isDatabaseLockedForModeLocked(db, mode)
}

func (l *LockState) isDatabaseLockedForModeLocked(db string, mode LockMode) bool {
	if l.global == LockModeX {
		return true
	}
	if l.global == LockModeS && l.global.covers(mode) {
		return true
	}
	return l.databases[db].covers(mode)
}

// IsCollectionLockedForMode walks the lock hierarchy the same way the
// catalog acquires it: a strong enough global or database lock covers
// the collection, an intent database lock defers to the collection
// lock itself.
func (l *LockState) IsCollectionLockedForMode(db, ns string, mode LockMode) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.global == LockModeX {
		return true
	}
	if l.global == LockModeS && (mode == LockModeS || mode == LockModeIS) {
		return true
	}

	switch l.databases[db] {
	case LockModeNone:
		return false
	case LockModeX:
		return true
	case LockModeS:
		return mode == LockModeS || mode == LockModeIS
	case LockModeIX, LockModeIS:
		return l.collections[ns].covers(mode)
	}
	return false
}
