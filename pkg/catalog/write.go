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

package catalog

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/kestreldb/kestrel/pkg/logutil"
	"github.com/kestreldb/kestrel/pkg/txn"
)

// writeJob is one queued catalog mutation.  completion is nil for the
// job of the goroutine that became the worker, it collects its error
// directly.
type writeJob struct {
	fn         func(snap *Snapshot) error
	completion *completionInfo
}

type completionInfo struct {
	mu        sync.Mutex
	cond      *sync.Cond
	completed bool
	err       error
}

func newCompletionInfo() *completionInfo {
	ci := &completionInfo{}
	ci.cond = sync.NewCond(&ci.mu)
	return ci
}

// Write runs fn against a copy of the current catalog and publishes the
// result.  Writers never block readers: reads keep resolving the old
// snapshot until the copy is swapped in.
//
// Concurrent writers coalesce.  The first one becomes the worker, takes
// one copy and runs every job that queues up behind it against that
// same copy, publishing once per drain.  A failed job reports its error
// only to its submitter, the jobs of other writers and the publish
// itself proceed.  Jobs must therefore validate before they mutate.
//
// When tx is the active batched writer the job runs directly against
// the batch copy and nothing is published until the batch ends.
func (c *Catalog) Write(ctx context.Context, tx *txn.Txn, fn func(snap *Snapshot) error) error {
	if tx != nil {
		if !tx.LockState().IsLocked() {
			panic("catalog write without a lock")
		}
		c.writeMu.Lock()
		if c.batchedTxn == tx {
			batch := c.batched
			c.writeMu.Unlock()
			if !tx.LockState().IsW() {
				panic("batched catalog write without the global exclusive lock")
			}
			return fn(batch)
		}
		c.writeMu.Unlock()
	}
	return c.writeThroughPipeline(ctx, fn)
}

func (c *Catalog) writeThroughPipeline(ctx context.Context, fn func(snap *Snapshot) error) error {
	job := &writeJob{fn: fn}

	c.writeMu.Lock()
	if c.workerExists {
		job.completion = newCompletionInfo()
		c.writeQueue = append(c.writeQueue, job)
		c.writeMu.Unlock()

		job.completion.mu.Lock()
		for !job.completion.completed {
			job.completion.cond.Wait()
		}
		err := job.completion.err
		job.completion.mu.Unlock()
		return err
	}
	c.writeQueue = append(c.writeQueue, job)
	c.workerExists = true
	pending := c.writeQueue
	c.writeQueue = nil
	c.writeMu.Unlock()

	base := c.catalog.Load()
	clone := base.clone()

	var myErr error
	var completed []*writeJob
	for {
		for _, j := range pending {
			if err := j.fn(clone); err != nil {
				if j.completion != nil {
					j.completion.err = err
				} else {
					myErr = err
				}
			}
		}
		completed = append(completed, pending...)
		pending = nil

		c.writeMu.Lock()
		if len(c.writeQueue) == 0 {
			// Publish before letting go of the worker role so the next
			// worker copies from the catalog these jobs produced.
			c.catalog.Store(clone)
			c.workerExists = false
			c.writeMu.Unlock()
			break
		}
		pending = c.writeQueue
		c.writeQueue = nil
		c.writeMu.Unlock()
	}

	for _, j := range completed {
		if j.completion == nil {
			continue
		}
		j.completion.mu.Lock()
		j.completion.completed = true
		j.completion.cond.Signal()
		j.completion.mu.Unlock()
	}

	logutil.Debug("finished writing to the collection catalog",
		zap.Int("jobs", len(completed)))
	return myErr
}
