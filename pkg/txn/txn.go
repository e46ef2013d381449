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

// Package txn implements the transaction shell the catalog hangs its
// uncommitted state on.  A Txn does not store document data, it carries
// decorations, commit and rollback hooks and the lock state of one unit
// of work.
package txn

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kestreldb/kestrel/pkg/common/kerr"
)

// Timestamp orders commits process wide.  The zero value means that no
// timestamp was assigned.
type Timestamp uint64

// Clock hands out commit timestamps.  Timestamps drawn from one clock
// are strictly increasing.
type Clock struct {
	ts atomic.Uint64
}

func NewClock() *Clock {
	return &Clock{}
}

// Next draws the next commit timestamp.
func (c *Clock) Next() Timestamp {
	return Timestamp(c.ts.Add(1))
}

// Now returns the most recently drawn timestamp.
func (c *Clock) Now() Timestamp {
	return Timestamp(c.ts.Load())
}

// VisibilityChange publishes or discards the catalog side effects of a
// transaction.  At most one change can be registered per transaction,
// it is invoked exactly once, with a timestamp at commit or without one
// at rollback.
type VisibilityChange interface {
	Commit(ctx context.Context, ts Timestamp) error
	Rollback(ctx context.Context)
}

type status int

const (
	active status = iota
	committed
	aborted
)

var (
	nextTxnID    atomic.Uint64
	defaultClock = NewClock()
)

// Option configures a transaction.
type Option func(*Txn)

// WithClock uses clock for the commit timestamp instead of the process
// wide default clock.
func WithClock(clock *Clock) Option {
	return func(tx *Txn) {
		tx.clock = clock
	}
}

// Txn is a single unit of work.  It is owned by one goroutine, the
// internal mutex only protects against hooks touching the transaction
// from callbacks.
type Txn struct {
	id        uint64
	clock     *Clock
	lockState *LockState

	mu struct {
		sync.Mutex
		status         status
		preCommitHooks []func(ctx context.Context, tx *Txn) error
		visibility     VisibilityChange
		rollbackFns    []func(ctx context.Context)
		decorations    map[uint64]any
	}
}

func NewTxn(opts ...Option) *Txn {
	tx := &Txn{
		id:        nextTxnID.Add(1),
		clock:     defaultClock,
		lockState: NewLockState(),
	}
	for _, opt := range opts {
		opt(tx)
	}
	tx.mu.decorations = make(map[uint64]any)
	return tx
}

func (tx *Txn) ID() uint64 {
	return tx.id
}

func (tx *Txn) LockState() *LockState {
	return tx.lockState
}

// Active returns true until the transaction commits or rolls back.
func (tx *Txn) Active() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.mu.status == active
}

// RegisterPreCommitHook queues hook to run at the start of Commit, in
// registration order.  A hook failure aborts the transaction.
func (tx *Txn) RegisterPreCommitHook(hook func(ctx context.Context, tx *Txn) error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.mu.preCommitHooks = append(tx.mu.preCommitHooks, hook)
}

// OnRollback queues fn to run if the transaction rolls back.  Rollback
// functions run in reverse registration order, after the visibility
// change was rolled back.
func (tx *Txn) OnRollback(fn func(ctx context.Context)) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.mu.rollbackFns = append(tx.mu.rollbackFns, fn)
}

// RegisterChangeForCatalogVisibility installs the transaction's single
// visibility change.  Registering a second change is a programming
// error.
func (tx *Txn) RegisterChangeForCatalogVisibility(change VisibilityChange) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.mu.visibility != nil {
		panic("change for catalog visibility registered twice")
	}
	tx.mu.visibility = change
}

func (tx *Txn) HasRegisteredChangeForCatalogVisibility() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.mu.visibility != nil
}

// Commit runs the pre-commit hooks in order, draws a commit timestamp
// and publishes the visibility change.  A failing hook rolls the
// transaction back and returns the hook's error.
func (tx *Txn) Commit(ctx context.Context) (Timestamp, error) {
	tx.mu.Lock()
	if tx.mu.status != active {
		tx.mu.Unlock()
		return 0, kerr.NewTxnClosed(ctx, tx.id)
	}
	hooks := tx.mu.preCommitHooks
	tx.mu.preCommitHooks = nil
	tx.mu.Unlock()

	for _, hook := range hooks {
		if err := hook(ctx, tx); err != nil {
			tx.rollback(ctx)
			return 0, err
		}
	}

	ts := tx.clock.Next()

	tx.mu.Lock()
	change := tx.mu.visibility
	tx.mu.status = committed
	tx.mu.rollbackFns = nil
	tx.mu.Unlock()

	if change != nil {
		if err := change.Commit(ctx, ts); err != nil {
			return 0, err
		}
	}
	return ts, nil
}

// Rollback discards the transaction.  Rolling back a closed transaction
// returns ErrTxnClosed.
func (tx *Txn) Rollback(ctx context.Context) error {
	tx.mu.Lock()
	if tx.mu.status != active {
		tx.mu.Unlock()
		return kerr.NewTxnClosed(ctx, tx.id)
	}
	tx.mu.Unlock()
	tx.rollback(ctx)
	return nil
}

func (tx *Txn) rollback(ctx context.Context) {
	tx.mu.Lock()
	change := tx.mu.visibility
	fns := tx.mu.rollbackFns
	tx.mu.status = aborted
	tx.mu.rollbackFns = nil
	tx.mu.Unlock()

	// The visibility change rolls back first so that later handlers
	// observe a catalog without this transaction's uncommitted state.
	if change != nil {
		change.Rollback(ctx)
	}
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i](ctx)
	}
}
