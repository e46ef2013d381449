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
	"github.com/kestreldb/kestrel/pkg/txn"
)

// BatchedWriter lets one transaction holding the global exclusive lock
// apply many catalog writes against a single copy and publish once.
// While the batch is open the owning transaction reads its own copy,
// everyone else keeps reading the snapshot from before the batch.
type BatchedWriter struct {
	cat  *Catalog
	tx   *txn.Txn
	base *Snapshot
}

// BeginBatchedWrite opens a batch for tx.  tx must hold the global
// exclusive lock and no other batch may be active.
func (c *Catalog) BeginBatchedWrite(tx *txn.Txn) *BatchedWriter {
	if !tx.LockState().IsW() {
		panic("batched catalog write requires the global exclusive lock")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.batchedTxn != nil {
		panic("batched catalog writer already active")
	}
	if len(c.batchedCloned) != 0 {
		panic("cloned collections left over from a previous batch")
	}

	base := c.catalog.Load()
	c.batchedTxn = tx
	c.batched = base.clone()
	c.batchedCloned = make(map[*Collection]struct{})
	return &BatchedWriter{cat: c, tx: tx, base: base}
}

// End publishes the batch copy.  The published pointer must still be
// the batch's base, nothing else may write the catalog while the
// global exclusive lock is held.
func (b *BatchedWriter) End() {
	c := b.cat
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.batchedTxn != b.tx {
		panic("batched catalog writer already ended")
	}
	if !c.catalog.CompareAndSwap(b.base, c.batched) {
		panic("catalog changed underneath a batched write")
	}
	c.batchedTxn = nil
	c.batched = nil
	c.batchedCloned = nil
}

func (c *Catalog) batchedSnapshotFor(tx *txn.Txn) *Snapshot {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.batchedTxn == tx {
		return c.batched
	}
	return nil
}

// alreadyClonedForBatch reports whether coll is a clone made by the
// active batch, in which case it can be handed out for further
// metadata writes without cloning again.
func (c *Catalog) alreadyClonedForBatch(coll *Collection) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, ok := c.batchedCloned[coll]
	return ok
}

func (c *Catalog) markClonedForBatch(coll *Collection) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.batchedCloned[coll] = struct{}{}
}
