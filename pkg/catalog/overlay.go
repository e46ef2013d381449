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

	"go.uber.org/zap"

	"github.com/kestreldb/kestrel/pkg/logutil"
	"github.com/kestreldb/kestrel/pkg/txn"
)

type entryAction int

const (
	// actionWritableCollection is a clone checked out for metadata
	// writes in this transaction.
	actionWritableCollection entryAction = iota
	// actionCreatedCollection is a collection created in this
	// transaction.
	actionCreatedCollection
	// actionRecreatedCollection is a collection created after a drop of
	// the same namespace in this transaction.
	actionRecreatedCollection
	// actionRenamedCollection marks the old name of a renamed
	// collection as gone.  The principal entry carries the new name.
	actionRenamedCollection
	// actionDroppedCollection marks a collection as dropped.
	actionDroppedCollection
	// actionReplacedViewsForDatabase carries this transaction's pending
	// view state for one database.
	actionReplacedViewsForDatabase
	// actionAddViewResource adds the lock resource of a new view at
	// commit.
	actionAddViewResource
	// actionRemoveViewResource removes the lock resource of a dropped
	// view at commit.
	actionRemoveViewResource
)

// overlayEntry is one pending catalog change.  Entries are ordered, a
// reverse scan finds the latest state of a name or UUID.
type overlayEntry struct {
	action entryAction

	coll *Collection

	// ns is the namespace the entry currently concerns.  A rename
	// rewrites it on the principal entry, the rename marker itself
	// keeps the old name here.
	ns NamespaceString

	// uuid identifies the collection even after coll was cleared, as
	// happens when a writable entry turns into a dropped one.  Zero for
	// rename markers and view entries.
	uuid UUID

	// createdInTxn is set on a dropped entry whose collection was
	// created by this same transaction.  Such a collection was never
	// registered, so the publisher has no registration to retire.
	createdInTxn bool

	renameTo NamespaceString

	views *ViewsForDatabase
}

func (e *overlayEntry) isCollectionEntry() bool {
	switch e.action {
	case actionWritableCollection, actionCreatedCollection, actionRecreatedCollection,
		actionRenamedCollection, actionDroppedCollection:
		return true
	}
	return false
}

type collectionLookupResult struct {
	// found is true when the overlay has an opinion about the name or
	// UUID, even if that opinion is "gone".
	found bool

	// coll is nil when the collection was dropped or renamed away.
	coll *Collection

	// newColl is true when the collection was created in this
	// transaction.
	newColl bool
}

// uncommittedUpdates is the per transaction overlay of catalog changes
// that are not yet published.  It lives on the transaction as a
// decoration and is drained by the commit publisher.
type uncommittedUpdates struct {
	entries []overlayEntry

	ignoreExternalViewChanges map[string]struct{}
}

var uncommittedUpdatesKey = txn.RegisterDecoration[uncommittedUpdates]()

func uncommittedUpdatesFor(tx *txn.Txn) *uncommittedUpdates {
	return txn.GetDecoration(tx, uncommittedUpdatesKey)
}

// lookupCollectionByUUID finds the most recent entry affecting uuid.
func (u *uncommittedUpdates) lookupCollectionByUUID(uuid UUID) collectionLookupResult {
	for i := len(u.entries) - 1; i >= 0; i-- {
		entry := &u.entries[i]
		// Rename markers carry no identity.
		if entry.action == actionRenamedCollection {
			continue
		}
		if entry.uuid == uuid {
			return collectionLookupResult{
				found:   true,
				coll:    entry.coll,
				newColl: entry.action == actionCreatedCollection,
			}
		}
	}
	return collectionLookupResult{}
}

// lookupCollectionByName finds the most recent entry affecting ns.
func (u *uncommittedUpdates) lookupCollectionByName(ns NamespaceString) collectionLookupResult {
	for i := len(u.entries) - 1; i >= 0; i-- {
		entry := &u.entries[i]
		if entry.ns == ns && entry.isCollectionEntry() {
			return collectionLookupResult{
				found:   true,
				coll:    entry.coll,
				newColl: entry.action == actionCreatedCollection,
			}
		}
	}
	return collectionLookupResult{}
}

// getViewsForDatabase returns this transaction's pending view state for
// db, or nil when the transaction has not touched db's views.
func (u *uncommittedUpdates) getViewsForDatabase(db string) *ViewsForDatabase {
	for i := len(u.entries) - 1; i >= 0; i-- {
		entry := &u.entries[i]
		if entry.views != nil && entry.ns.DB() == db {
			return entry.views
		}
	}
	return nil
}

func (u *uncommittedUpdates) createCollection(ctx context.Context, tx *txn.Txn, cat *Catalog, coll *Collection) {
	u.addCollectionEntry(ctx, tx, cat, coll, actionCreatedCollection)
}

func (u *uncommittedUpdates) recreateCollection(ctx context.Context, tx *txn.Txn, cat *Catalog, coll *Collection) {
	u.addCollectionEntry(ctx, tx, cat, coll, actionRecreatedCollection)
}

// addCollectionEntry records a freshly created collection.  A plain
// create registers the collection in the catalog just before commit so
// the namespace reservation conflicts with concurrent creates.  A
// create after a drop skips that, the publish jobs deregister the old
// collection and register the new one in the same pipeline episode.
func (u *uncommittedUpdates) addCollectionEntry(ctx context.Context, tx *txn.Txn, cat *Catalog, coll *Collection, action entryAction) {
	uuid := coll.UUID()
	u.entries = append(u.entries, overlayEntry{
		action: action,
		coll:   coll,
		ns:     coll.NS(),
		uuid:   uuid,
	})

	if action != actionCreatedCollection {
		return
	}

	tx.RegisterPreCommitHook(func(ctx context.Context, tx *txn.Txn) error {
		res := uncommittedUpdatesFor(tx).lookupCollectionByUUID(uuid)
		if res.coll == nil {
			// Dropped again before commit, nothing to register.
			return nil
		}
		created := res.coll

		// Fails with a write conflict when the namespace was taken by a
		// concurrent transaction in the meantime.
		err := cat.Write(ctx, tx, func(snap *Snapshot) error {
			return snap.registerCollection(ctx, created)
		})
		if err != nil {
			return err
		}

		tx.OnRollback(func(ctx context.Context) {
			werr := cat.Write(ctx, tx, func(snap *Snapshot) error {
				snap.deregisterCollection(ctx, uuid)
				return nil
			})
			if werr != nil {
				logutil.Error("failed to deregister collection during rollback",
					zap.Uint64("uuid", uint64(uuid)), zap.Error(werr))
			}
		})
		return nil
	})
}

func (u *uncommittedUpdates) writableCollection(coll *Collection) {
	u.entries = append(u.entries, overlayEntry{
		action: actionWritableCollection,
		coll:   coll,
		ns:     coll.NS(),
		uuid:   coll.UUID(),
	})
}

// renameCollection is called after coll was renamed in place.  It
// rewrites the principal entry to the new name and appends a marker
// that hides the old name for the rest of the transaction.
func (u *uncommittedUpdates) renameCollection(coll *Collection, from NamespaceString) {
	idx := -1
	for i := len(u.entries) - 1; i >= 0; i-- {
		if u.entries[i].coll == coll {
			idx = i
			break
		}
	}
	if idx < 0 {
		panic(fmt.Sprintf("renaming collection %s without a pending catalog entry", coll.NS()))
	}

	u.entries[idx].ns = coll.NS()
	u.entries = append(u.entries, overlayEntry{
		action:   actionRenamedCollection,
		ns:       from,
		renameTo: u.entries[idx].ns,
	})
}

// dropCollection records a drop.  Drops collapse against earlier
// entries of the same collection: a recreate is undone so the earlier
// drop stands again, any other entry carrying the instance turns into
// the drop itself.
func (u *uncommittedUpdates) dropCollection(coll *Collection) {
	uuid := coll.UUID()
	idx := -1
	for i := len(u.entries) - 1; i >= 0; i-- {
		entry := &u.entries[i]
		if entry.action == actionRenamedCollection {
			continue
		}
		if entry.uuid == uuid {
			idx = i
			break
		}
	}

	if idx < 0 {
		u.entries = append(u.entries, overlayEntry{
			action: actionDroppedCollection,
			ns:     coll.NS(),
			uuid:   uuid,
		})
		return
	}

	entry := &u.entries[idx]
	if entry.action == actionRecreatedCollection {
		// Drop, recreate, drop again.  Removing the recreate entry
		// lets lookups find the earlier drop.
		u.entries = append(u.entries[:idx], u.entries[idx+1:]...)
		return
	}

	if entry.coll == nil {
		// Already a drop marker.
		return
	}

	if entry.coll != coll {
		panic(fmt.Sprintf("dropping collection %s through a stale instance", coll.NS()))
	}
	// A collection created by this transaction was never registered in
	// the shared catalog, its pre-commit hook backs off once the entry
	// reads as a drop.
	entry.createdInTxn = entry.action == actionCreatedCollection
	entry.action = actionDroppedCollection
	entry.coll = nil
}

func (u *uncommittedUpdates) replaceViewsForDatabase(db string, vfd *ViewsForDatabase) {
	u.entries = append(u.entries, overlayEntry{
		action: actionReplacedViewsForDatabase,
		ns:     NamespaceString(db),
		views:  vfd,
	})
}

// addView reserves the view namespace just before commit and arranges
// for the reservation to be dropped again on rollback.  The reservation
// release on commit rides with the entry through the publisher.
func (u *uncommittedUpdates) addView(ctx context.Context, tx *txn.Txn, cat *Catalog, ns NamespaceString) {
	tx.RegisterPreCommitHook(func(ctx context.Context, tx *txn.Txn) error {
		return cat.Write(ctx, tx, func(snap *Snapshot) error {
			return snap.registerUncommittedView(ctx, ns)
		})
	})
	tx.OnRollback(func(ctx context.Context) {
		werr := cat.Write(ctx, tx, func(snap *Snapshot) error {
			snap.deregisterUncommittedView(ns)
			return nil
		})
		if werr != nil {
			logutil.Error("failed to release uncommitted view during rollback",
				zap.String("namespace", ns.String()), zap.Error(werr))
		}
	})
	u.entries = append(u.entries, overlayEntry{action: actionAddViewResource, ns: ns})
}

func (u *uncommittedUpdates) removeView(ns NamespaceString) {
	u.entries = append(u.entries, overlayEntry{action: actionRemoveViewResource, ns: ns})
}

// isCreatedCollection reports whether ns was created in this
// transaction and is still pending.
func (u *uncommittedUpdates) isCreatedCollection(ns NamespaceString) bool {
	res := u.lookupCollectionByName(ns)
	return res.found && res.newColl
}

func (u *uncommittedUpdates) isEmpty() bool {
	return len(u.entries) == 0
}

// releaseEntries hands the pending entries to the publisher and leaves
// the overlay empty.
func (u *uncommittedUpdates) releaseEntries() []overlayEntry {
	entries := u.entries
	u.entries = nil
	return entries
}

func (u *uncommittedUpdates) setIgnoreExternalViewChanges(db string, value bool) {
	if value {
		if u.ignoreExternalViewChanges == nil {
			u.ignoreExternalViewChanges = make(map[string]struct{})
		}
		u.ignoreExternalViewChanges[db] = struct{}{}
		return
	}
	delete(u.ignoreExternalViewChanges, db)
}

func (u *uncommittedUpdates) shouldIgnoreExternalViewChanges(db string) bool {
	_, ok := u.ignoreExternalViewChanges[db]
	return ok
}
