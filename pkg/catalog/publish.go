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
	"fmt"

	"github.com/kestreldb/kestrel/pkg/txn"
)

// publishCatalogUpdates drains a transaction's overlay at commit and
// applies every pending change to the shared catalog in a single write
// pipeline episode, so the whole transaction becomes visible at once.
type publishCatalogUpdates struct {
	cat *Catalog
	tx  *txn.Txn
}

func ensureRegisteredWithTxn(cat *Catalog, tx *txn.Txn) {
	if tx.HasRegisteredChangeForCatalogVisibility() {
		return
	}
	tx.RegisterChangeForCatalogVisibility(&publishCatalogUpdates{cat: cat, tx: tx})
}

func (p *publishCatalogUpdates) Commit(ctx context.Context, commitTime txn.Timestamp) error {
	u := uncommittedUpdatesFor(p.tx)
	entries := u.releaseEntries()

	jobs := make([]func(snap *Snapshot) error, 0, len(entries))
	for i := range entries {
		entry := &entries[i]
		switch entry.action {
		case actionWritableCollection:
			coll := entry.coll
			jobs = append(jobs, func(snap *Snapshot) error {
				snap.setCollection(coll)
				return nil
			})
		case actionRenamedCollection:
			// The principal entry reinstalls the collection under its
			// new name, this job retires the old one.
			from, to := entry.ns, entry.renameTo
			jobs = append(jobs, func(snap *Snapshot) error {
				snap.eraseCollectionName(from)
				snap.removeResource(NewCollectionResourceID(from), from.String())
				snap.addResource(NewCollectionResourceID(to), to.String())
				return nil
			})
		case actionDroppedCollection:
			if entry.createdInTxn {
				// Created and dropped by the same transaction.  The
				// pre-commit hook skipped registration, so there is no
				// registration to retire.
				break
			}
			uuid := entry.uuid
			jobs = append(jobs, func(snap *Snapshot) error {
				snap.deregisterCollection(ctx, uuid)
				return nil
			})
		case actionRecreatedCollection:
			coll := entry.coll
			jobs = append(jobs, func(snap *Snapshot) error {
				// The transaction held the namespace exclusively, a
				// conflict here means the lock discipline was broken.
				// Failing the job would publish the earlier jobs of
				// this transaction without this one.
				if err := snap.registerCollection(ctx, coll); err != nil {
					panic(fmt.Sprintf("recreated collection %s rejected at commit: %v", coll.NS(), err))
				}
				return nil
			})
			fallthrough
		case actionCreatedCollection:
			// Created collections are already registered by their pre
			// commit hook, only the visibility flips here.
			entry.coll.SetMinimumVisibleTimestamp(commitTime)
			entry.coll.SetCommitted(true)
		case actionReplacedViewsForDatabase:
			db, views := entry.ns.DB(), entry.views
			jobs = append(jobs, func(snap *Snapshot) error {
				snap.replaceViewsForDatabase(db, views)
				return nil
			})
		case actionAddViewResource:
			ns := entry.ns
			jobs = append(jobs, func(snap *Snapshot) error {
				snap.addResource(NewCollectionResourceID(ns), ns.String())
				snap.deregisterUncommittedView(ns)
				return nil
			})
		case actionRemoveViewResource:
			ns := entry.ns
			jobs = append(jobs, func(snap *Snapshot) error {
				snap.removeResource(NewCollectionResourceID(ns), ns.String())
				return nil
			})
		}
	}

	if len(jobs) == 0 {
		return nil
	}
	return p.cat.Write(ctx, p.tx, func(snap *Snapshot) error {
		for _, job := range jobs {
			if err := job(snap); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *publishCatalogUpdates) Rollback(ctx context.Context) {
	uncommittedUpdatesFor(p.tx).releaseEntries()
}
