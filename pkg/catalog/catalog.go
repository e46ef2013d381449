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
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kestreldb/kestrel/pkg/common/kerr"
	"github.com/kestreldb/kestrel/pkg/logutil"
	"github.com/kestreldb/kestrel/pkg/txn"
)

// Catalog is the shared collection and view catalog.  The published
// snapshot hangs off an atomic pointer, reads never block and never
// take a lock.  All mutation funnels through Write.
type Catalog struct {
	catalog atomic.Pointer[Snapshot]

	writeMu      sync.Mutex
	writeQueue   []*writeJob
	workerExists bool

	// Batched writer state.  Set only while one transaction holding the
	// global exclusive lock collects many writes into a single publish.
	batchedTxn    *txn.Txn
	batched       *Snapshot
	batchedCloned map[*Collection]struct{}

	viewStore ViewStore
}

type Option func(c *Catalog)

// WithViewStore sets the durable store backing view definitions.  The
// default keeps definitions in memory only.
func WithViewStore(store ViewStore) Option {
	return func(c *Catalog) {
		c.viewStore = store
	}
}

func NewCatalog(opts ...Option) *Catalog {
	c := &Catalog{
		viewStore: NewMemViewStore(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.catalog.Store(newSnapshot())
	return c
}

// Latest returns the latest published snapshot.
func (c *Catalog) Latest() *Snapshot {
	return c.catalog.Load()
}

type stashedCatalog struct {
	snap *Snapshot
}

var stashKey = txn.RegisterDecoration[stashedCatalog]()

// Stash pins snap as the snapshot tx reads for the rest of its life,
// regardless of what gets published afterwards.  Passing nil unpins.
func (c *Catalog) Stash(tx *txn.Txn, snap *Snapshot) {
	txn.GetDecoration(tx, stashKey).snap = snap
}

// StashLatest pins the latest published snapshot and returns it.
func (c *Catalog) StashLatest(tx *txn.Txn) *Snapshot {
	snap := c.Latest()
	c.Stash(tx, snap)
	return snap
}

// Active returns the snapshot tx operates against: its stashed snapshot
// if one is pinned, the batch copy if tx owns the active batched
// writer, otherwise the latest published snapshot.
func (c *Catalog) Active(tx *txn.Txn) *Snapshot {
	if tx != nil {
		if st := txn.GetDecoration(tx, stashKey); st.snap != nil {
			return st.snap
		}
		if batch := c.batchedSnapshotFor(tx); batch != nil {
			return batch
		}
	}
	return c.catalog.Load()
}

// Epoch of the latest published snapshot.
func (c *Catalog) Epoch() uint64 {
	return c.Latest().Epoch()
}

// Stats of the latest published snapshot.
func (c *Catalog) Stats() Stats {
	return c.Latest().Stats()
}

func invariantHasExclusiveAccessToCollection(tx *txn.Txn, ns NamespaceString) {
	if tx.LockState().IsCollectionLockedForMode(ns.DB(), ns.String(), txn.LockModeX) {
		return
	}
	// A collection created by this transaction is invisible to every
	// other transaction, an intent lock is enough to mutate it.
	if uncommittedUpdatesFor(tx).isCreatedCollection(ns) &&
		tx.LockState().IsCollectionLockedForMode(ns.DB(), ns.String(), txn.LockModeIX) {
		return
	}
	panic(fmt.Sprintf("exclusive access to %s required", ns))
}

// OnCreateCollection records a freshly built collection in the
// transaction's overlay.  The collection becomes visible to other
// transactions at commit.  Creating a namespace this transaction
// already dropped turns into a recreate, published atomically with the
// drop.
func (c *Catalog) OnCreateCollection(ctx context.Context, tx *txn.Txn, coll *Collection) error {
	if coll == nil {
		panic("creating a nil collection")
	}
	ns := coll.NS()
	// The collection stays invisible until commit, an intent lock is
	// enough to record it.
	if !tx.LockState().IsCollectionLockedForMode(ns.DB(), ns.String(), txn.LockModeIX) {
		panic(fmt.Sprintf("intent lock on %s required", ns))
	}

	u := uncommittedUpdatesFor(tx)
	res := u.lookupCollectionByName(ns)
	if res.found && res.coll != nil {
		return kerr.NewNamespaceExists(ctx, ns.String())
	}
	if existing := c.Active(tx).lookupCollectionByName(ns); existing != nil && existing.Committed() {
		return kerr.NewNamespaceExists(ctx, ns.String())
	}
	if vfd := c.getViewsForDatabase(tx, ns.DB()); vfd != nil && vfd.lookup(ns) != nil {
		return kerr.NewNamespaceExists(ctx, ns.String())
	}

	if res.found {
		u.recreateCollection(ctx, tx, c, coll)
	} else {
		u.createCollection(ctx, tx, c, coll)
	}
	ensureRegisteredWithTxn(c, tx)
	return nil
}

// CreateCollection builds a collection for ns and records it through
// OnCreateCollection.
func (c *Catalog) CreateCollection(ctx context.Context, tx *txn.Txn, ns NamespaceString, options CollectionOptions) (*Collection, error) {
	coll := NewCollection(ns, NewUUID(), options)
	if err := c.OnCreateCollection(ctx, tx, coll); err != nil {
		return nil, err
	}
	return coll, nil
}

// LookupCollectionByName returns the collection registered under ns, or
// nil.  The transaction's own uncommitted creates, drops and renames
// take precedence over the snapshot, uncommitted collections of other
// transactions stay invisible.
func (c *Catalog) LookupCollectionByName(ctx context.Context, tx *txn.Txn, ns NamespaceString) *Collection {
	if tx != nil {
		res := uncommittedUpdatesFor(tx).lookupCollectionByName(ns)
		if res.coll != nil {
			return res.coll
		}
		if res.found {
			return nil
		}
	}
	coll := c.Active(tx).lookupCollectionByName(ns)
	if coll == nil || !coll.Committed() {
		return nil
	}
	return coll
}

// LookupCollectionByUUID is the UUID flavor of LookupCollectionByName.
func (c *Catalog) LookupCollectionByUUID(ctx context.Context, tx *txn.Txn, uuid UUID) *Collection {
	if tx != nil {
		res := uncommittedUpdatesFor(tx).lookupCollectionByUUID(uuid)
		if res.coll != nil {
			return res.coll
		}
		if res.found {
			return nil
		}
	}
	coll := c.Active(tx).lookupCollectionByUUID(uuid)
	if coll == nil || !coll.Committed() {
		return nil
	}
	return coll
}

// LookupCollectionByNameForMetadataWrite returns an instance of the
// collection this transaction may mutate.  The first call clones the
// published collection and parks the clone in the overlay, the clone
// replaces the published instance at commit.  Under an active batched
// writer the clone goes straight into the batch copy instead.
func (c *Catalog) LookupCollectionByNameForMetadataWrite(ctx context.Context, tx *txn.Txn, ns NamespaceString) *Collection {
	u := uncommittedUpdatesFor(tx)
	res := u.lookupCollectionByName(ns)
	if res.coll != nil {
		return res.coll
	}
	if res.found {
		return nil
	}

	snap := c.Active(tx)
	coll := snap.lookupCollectionByName(ns)
	if coll == nil || !coll.Committed() {
		return nil
	}
	invariantHasExclusiveAccessToCollection(tx, coll.NS())

	if batch := c.batchedSnapshotFor(tx); batch != nil {
		if c.alreadyClonedForBatch(coll) {
			return coll
		}
		clone := coll.Clone()
		c.markClonedForBatch(clone)
		batch.setCollection(clone)
		return clone
	}

	clone := coll.Clone()
	u.writableCollection(clone)
	ensureRegisteredWithTxn(c, tx)
	return clone
}

// LookupCollectionByUUIDForMetadataWrite is the UUID flavor of
// LookupCollectionByNameForMetadataWrite.
func (c *Catalog) LookupCollectionByUUIDForMetadataWrite(ctx context.Context, tx *txn.Txn, uuid UUID) *Collection {
	u := uncommittedUpdatesFor(tx)
	res := u.lookupCollectionByUUID(uuid)
	if res.coll != nil {
		return res.coll
	}
	if res.found {
		return nil
	}

	snap := c.Active(tx)
	coll := snap.lookupCollectionByUUID(uuid)
	if coll == nil || !coll.Committed() {
		return nil
	}
	invariantHasExclusiveAccessToCollection(tx, coll.NS())

	if batch := c.batchedSnapshotFor(tx); batch != nil {
		if c.alreadyClonedForBatch(coll) {
			return coll
		}
		clone := coll.Clone()
		c.markClonedForBatch(clone)
		batch.setCollection(clone)
		return clone
	}

	clone := coll.Clone()
	u.writableCollection(clone)
	ensureRegisteredWithTxn(c, tx)
	return clone
}

// OnCollectionRename records that coll, already carrying its new
// namespace, used to live under from.  coll must be the transaction's
// writable instance.
func (c *Catalog) OnCollectionRename(ctx context.Context, tx *txn.Txn, coll *Collection, from NamespaceString) {
	if coll == nil {
		panic("renaming a nil collection")
	}
	uncommittedUpdatesFor(tx).renameCollection(coll, from)
	ensureRegisteredWithTxn(c, tx)
}

// RenameCollection moves the collection at from to the free namespace
// to, within one database.  Both names change owner atomically at
// commit, no reader ever sees the collection under both names or
// neither name.
func (c *Catalog) RenameCollection(ctx context.Context, tx *txn.Txn, from, to NamespaceString) error {
	if from.DB() != to.DB() {
		return kerr.NewInvalidInput(ctx, "rename must stay within database %s", from.DB())
	}
	invariantHasExclusiveAccessToCollection(tx, from)
	invariantHasExclusiveAccessToCollection(tx, to)

	coll := c.LookupCollectionByNameForMetadataWrite(ctx, tx, from)
	if coll == nil {
		return kerr.NewCollectionNotFound(ctx, from.String())
	}

	if res := uncommittedUpdatesFor(tx).lookupCollectionByName(to); res.found && res.coll != nil {
		return kerr.NewNamespaceExists(ctx, to.String())
	}
	if existing := c.Active(tx).lookupCollectionByName(to); existing != nil {
		return kerr.NewNamespaceExists(ctx, to.String())
	}
	if vfd := c.getViewsForDatabase(tx, to.DB()); vfd != nil && vfd.lookup(to) != nil {
		return kerr.NewNamespaceExists(ctx, to.String())
	}

	coll.SetNS(to)
	c.OnCollectionRename(ctx, tx, coll, from)
	return nil
}

// OnDropCollection records the drop of coll.  The collection stays
// visible to other transactions until commit.
func (c *Catalog) OnDropCollection(ctx context.Context, tx *txn.Txn, coll *Collection) {
	if coll == nil {
		panic("dropping a nil collection")
	}
	invariantHasExclusiveAccessToCollection(tx, coll.NS())
	uncommittedUpdatesFor(tx).dropCollection(coll)
	ensureRegisteredWithTxn(c, tx)
}

// DropCollection drops the collection registered under ns.
func (c *Catalog) DropCollection(ctx context.Context, tx *txn.Txn, ns NamespaceString) error {
	coll := c.LookupCollectionByNameForMetadataWrite(ctx, tx, ns)
	if coll == nil {
		return kerr.NewCollectionNotFound(ctx, ns.String())
	}
	c.OnDropCollection(ctx, tx, coll)
	return nil
}

// RangeCollections visits the committed collections of db in UUID
// order.  Returning GetOkStopCurrRecur from fn stops the scan without
// error.
func (c *Catalog) RangeCollections(ctx context.Context, tx *txn.Txn, db string, fn func(coll *Collection) error) error {
	var ferr error
	c.Active(tx).rangeDatabase(db, func(coll *Collection) bool {
		if !coll.Committed() {
			return true
		}
		if err := fn(coll); err != nil {
			if !kerr.IsKerrCode(err, kerr.OkStopCurrRecur) {
				ferr = err
			}
			return false
		}
		return true
	})
	return ferr
}

// AllDatabaseNames returns the names of every database with at least
// one committed collection, sorted.
func (c *Catalog) AllDatabaseNames(ctx context.Context, tx *txn.Txn) []string {
	return c.Active(tx).AllDatabaseNames()
}

// ResolveNamespaceByUUID maps uuid to its committed namespace.  While
// the catalog is closed for maintenance the shadow of the catalog
// resolves UUIDs whose collections are gone from the live maps.
func (c *Catalog) ResolveNamespaceByUUID(ctx context.Context, tx *txn.Txn, uuid UUID) (NamespaceString, bool) {
	if tx != nil {
		res := uncommittedUpdatesFor(tx).lookupCollectionByUUID(uuid)
		if res.coll != nil {
			return res.coll.NS(), true
		}
		if res.found {
			return "", false
		}
	}
	return c.Active(tx).lookupNSByUUID(uuid)
}

// OnOpenDatabase loads the durable view definitions of db and installs
// them.  When the definitions cannot be loaded the database still opens
// but its view catalog stays invalid until a successful reload.
func (c *Catalog) OnOpenDatabase(ctx context.Context, tx *txn.Txn, db string) error {
	if !tx.LockState().IsDatabaseLockedForMode(db, txn.LockModeIS) {
		panic(fmt.Sprintf("opening database %s without a lock", db))
	}

	vfd := newViewsForDatabase()
	if err := vfd.reload(ctx, db, c.viewStore); err != nil {
		logutil.Warn("unable to load view definitions, view operations will fail until a reload succeeds",
			zap.String("db", db), zap.Error(err))
	}

	return c.Write(ctx, tx, func(snap *Snapshot) error {
		if snap.viewsForDatabase(db) != nil {
			return kerr.NewDatabaseAlreadyOpen(ctx, db)
		}
		snap.replaceViewsForDatabase(db, vfd)
		return nil
	})
}

// OnCloseDatabase forgets db's views and releases its lock resource.
func (c *Catalog) OnCloseDatabase(ctx context.Context, tx *txn.Txn, db string) error {
	if !tx.LockState().IsDatabaseLockedForMode(db, txn.LockModeX) {
		panic(fmt.Sprintf("closing database %s without an exclusive lock", db))
	}
	return c.Write(ctx, tx, func(snap *Snapshot) error {
		snap.removeResource(NewDatabaseResourceID(db), db)
		snap.removeViewsForDatabase(db)
		return nil
	})
}

// CloseCatalog takes the catalog into maintenance mode: the shadow map
// keeps resolving UUIDs to the namespaces they had at close time.
// Requires the global exclusive lock.  Idempotent.
func (c *Catalog) CloseCatalog(ctx context.Context, tx *txn.Txn) error {
	if !tx.LockState().IsW() {
		panic("closing the catalog without the global exclusive lock")
	}
	return c.Write(ctx, tx, func(snap *Snapshot) error {
		snap.closeCatalog()
		return nil
	})
}

// OpenCatalog leaves maintenance mode and moves into the next epoch.
// Requires the global exclusive lock and a previously closed catalog.
func (c *Catalog) OpenCatalog(ctx context.Context, tx *txn.Txn) error {
	if !tx.LockState().IsW() {
		panic("opening the catalog without the global exclusive lock")
	}
	return c.Write(ctx, tx, func(snap *Snapshot) error {
		snap.openCatalog()
		return nil
	})
}

// DeregisterAllCollectionsAndViews empties the catalog outside of any
// transaction, for use when the storage underneath was replaced
// wholesale.
func (c *Catalog) DeregisterAllCollectionsAndViews(ctx context.Context) error {
	return c.writeThroughPipeline(ctx, func(snap *Snapshot) error {
		snap.deregisterAllCollectionsAndViews(ctx)
		return nil
	})
}

func (c *Catalog) getViewsForDatabase(tx *txn.Txn, db string) *ViewsForDatabase {
	if tx != nil {
		if vfd := uncommittedUpdatesFor(tx).getViewsForDatabase(db); vfd != nil {
			return vfd
		}
	}
	return c.Active(tx).viewsForDatabase(db)
}

// LookupView returns the definition of ns, or nil when ns is not a
// view.  Fails when db's view catalog is invalid.
func (c *Catalog) LookupView(ctx context.Context, tx *txn.Txn, ns NamespaceString) (*ViewDefinition, error) {
	vfd := c.getViewsForDatabase(tx, ns.DB())
	if vfd == nil {
		return nil, nil
	}
	if !vfd.valid {
		if err := vfd.requireValidCatalog(ctx); err != nil {
			return nil, err
		}
	}
	return vfd.lookup(ns), nil
}

// LookupViewWithoutValidatingDurable returns the definition of ns even
// when the view catalog is invalid.
func (c *Catalog) LookupViewWithoutValidatingDurable(tx *txn.Txn, ns NamespaceString) *ViewDefinition {
	vfd := c.getViewsForDatabase(tx, ns.DB())
	if vfd == nil {
		return nil
	}
	return vfd.lookup(ns)
}

type viewUpsertMode int

const (
	viewUpsertCreate viewUpsertMode = iota
	viewUpsertUpdate
)

// CreateView defines a new view.  The definition is written durably
// right away and undone on rollback, the in-memory catalog switches at
// commit.
func (c *Catalog) CreateView(ctx context.Context, tx *txn.Txn, viewName, viewOn NamespaceString, pipeline []string) error {
	db := viewName.DB()
	ls := tx.LockState()
	if !ls.IsCollectionLockedForMode(db, viewName.String(), txn.LockModeIX) {
		panic(fmt.Sprintf("creating view %s without a lock", viewName))
	}
	if !ls.IsCollectionLockedForMode(db, viewName.SystemViewsNamespace().String(), txn.LockModeX) {
		panic(fmt.Sprintf("creating view %s without an exclusive lock on the views collection", viewName))
	}

	vfd := c.getViewsForDatabase(tx, db)
	if vfd == nil {
		panic(fmt.Sprintf("database %s is not open", db))
	}

	u := uncommittedUpdatesFor(tx)
	if u.shouldIgnoreExternalViewChanges(db) {
		return nil
	}

	if viewName.DB() != viewOn.DB() {
		return kerr.NewInvalidView(ctx, "view must be created on a view or collection in the same database")
	}
	if vfd.lookup(viewName) != nil || c.Active(tx).lookupCollectionByName(viewName) != nil {
		return kerr.NewNamespaceExists(ctx, viewName.String())
	}
	if viewOn.Coll() == "" {
		return kerr.NewInvalidInput(ctx, "invalid name for viewOn: %s", viewOn)
	}

	u.setIgnoreExternalViewChanges(db, true)
	defer u.setIgnoreExternalViewChanges(db, false)

	view := &ViewDefinition{Name: viewName, ViewOn: viewOn, Pipeline: pipeline}
	return c.createOrUpdateView(ctx, tx, view, vfd.clone(), viewUpsertCreate)
}

// ModifyView repoints an existing view.  The whole view catalog of the
// database reloads from the durable store so the change is observed the
// same way an external writer's change would be.
func (c *Catalog) ModifyView(ctx context.Context, tx *txn.Txn, viewName, viewOn NamespaceString, pipeline []string) error {
	db := viewName.DB()
	ls := tx.LockState()
	if !ls.IsCollectionLockedForMode(db, viewName.String(), txn.LockModeX) {
		panic(fmt.Sprintf("modifying view %s without an exclusive lock", viewName))
	}
	if !ls.IsCollectionLockedForMode(db, viewName.SystemViewsNamespace().String(), txn.LockModeX) {
		panic(fmt.Sprintf("modifying view %s without an exclusive lock on the views collection", viewName))
	}

	vfd := c.getViewsForDatabase(tx, db)
	if vfd == nil {
		panic(fmt.Sprintf("database %s is not open", db))
	}

	if viewName.DB() != viewOn.DB() {
		return kerr.NewInvalidView(ctx, "view must be created on a view or collection in the same database")
	}
	if vfd.lookup(viewName) == nil {
		return kerr.NewViewNotFound(ctx, viewName.String())
	}
	if viewOn.Coll() == "" {
		return kerr.NewInvalidInput(ctx, "invalid name for viewOn: %s", viewOn)
	}

	u := uncommittedUpdatesFor(tx)
	u.setIgnoreExternalViewChanges(db, true)
	defer u.setIgnoreExternalViewChanges(db, false)

	view := &ViewDefinition{Name: viewName, ViewOn: viewOn, Pipeline: pipeline}
	return c.createOrUpdateView(ctx, tx, view, vfd.clone(), viewUpsertUpdate)
}

func (c *Catalog) createOrUpdateView(ctx context.Context, tx *txn.Txn, view *ViewDefinition, vfd *ViewsForDatabase, mode viewUpsertMode) error {
	db := view.Name.DB()
	ls := tx.LockState()
	if !ls.IsCollectionLockedForMode(db, view.Name.String(), txn.LockModeIX) {
		panic(fmt.Sprintf("writing view %s without a lock", view.Name))
	}
	if !ls.IsCollectionLockedForMode(db, view.Name.SystemViewsNamespace().String(), txn.LockModeX) {
		panic(fmt.Sprintf("writing view %s without an exclusive lock on the views collection", view.Name))
	}

	if err := vfd.requireValidCatalog(ctx); err != nil {
		return err
	}

	prior := vfd.lookup(view.Name)
	if err := vfd.upsertIntoGraph(ctx, view, true); err != nil {
		return err
	}

	if err := c.viewStore.Upsert(ctx, view); err != nil {
		return err
	}
	c.restoreDurableViewOnRollback(tx, view.Name, prior)

	vfd.valid = false
	switch mode {
	case viewUpsertCreate:
		vfd.insert(view)
	case viewUpsertUpdate:
		if err := vfd.reload(ctx, db, c.viewStore); err != nil {
			return err
		}
	}

	u := uncommittedUpdatesFor(tx)
	u.addView(ctx, tx, c, view.Name)
	u.replaceViewsForDatabase(db, vfd)
	ensureRegisteredWithTxn(c, tx)
	return nil
}

// restoreDurableViewOnRollback compensates a durable view write when
// the transaction rolls back: the prior definition comes back, a
// freshly created one disappears.
func (c *Catalog) restoreDurableViewOnRollback(tx *txn.Txn, name NamespaceString, prior *ViewDefinition) {
	store := c.viewStore
	tx.OnRollback(func(ctx context.Context) {
		var err error
		if prior != nil {
			err = store.Upsert(ctx, prior)
		} else {
			err = store.Remove(ctx, name)
		}
		if err != nil {
			logutil.Error("failed to restore durable view state during rollback",
				zap.String("view", name.String()), zap.Error(err))
		}
	})
}

// DropView removes a view.  The durable definition goes right away and
// comes back on rollback, the in-memory catalog switches at commit.
func (c *Catalog) DropView(ctx context.Context, tx *txn.Txn, viewName NamespaceString) error {
	db := viewName.DB()
	ls := tx.LockState()
	if !ls.IsCollectionLockedForMode(db, viewName.String(), txn.LockModeIX) {
		panic(fmt.Sprintf("dropping view %s without a lock", viewName))
	}
	if !ls.IsCollectionLockedForMode(db, viewName.SystemViewsNamespace().String(), txn.LockModeX) {
		panic(fmt.Sprintf("dropping view %s without an exclusive lock on the views collection", viewName))
	}

	vfd := c.getViewsForDatabase(tx, db)
	if vfd == nil {
		panic(fmt.Sprintf("database %s is not open", db))
	}
	if err := vfd.requireValidCatalog(ctx); err != nil {
		return err
	}
	prior := vfd.lookup(viewName)
	if prior == nil {
		return kerr.NewViewNotFound(ctx, viewName.String())
	}

	u := uncommittedUpdatesFor(tx)
	u.setIgnoreExternalViewChanges(db, true)
	defer u.setIgnoreExternalViewChanges(db, false)

	if err := c.viewStore.Remove(ctx, viewName); err != nil {
		return err
	}
	c.restoreDurableViewOnRollback(tx, viewName, prior)

	writable := vfd.clone()
	writable.remove(viewName)
	if err := writable.reload(ctx, db, c.viewStore); err != nil {
		return err
	}

	u.removeView(viewName)
	u.replaceViewsForDatabase(db, writable)
	ensureRegisteredWithTxn(c, tx)
	return nil
}

// ReloadViews rebuilds db's view catalog from the durable store and
// publishes it immediately, outside the transaction's overlay.  A
// transaction in the middle of its own view changes skips the reload.
func (c *Catalog) ReloadViews(ctx context.Context, tx *txn.Txn, db string) error {
	if !tx.LockState().IsCollectionLockedForMode(db, MakeNamespaceString(db, SystemViewsCollection).String(), txn.LockModeIS) {
		panic(fmt.Sprintf("reloading views of %s without a lock", db))
	}

	if uncommittedUpdatesFor(tx).shouldIgnoreExternalViewChanges(db) {
		return nil
	}

	logutil.Debug("reloading view catalog for database", zap.String("db", db))

	base := c.Latest().viewsForDatabase(db)
	if base == nil {
		panic(fmt.Sprintf("database %s is not open", db))
	}

	vfd := base.clone()
	vfd.valid = false
	rerr := vfd.reload(ctx, db, c.viewStore)

	werr := c.Write(ctx, tx, func(snap *Snapshot) error {
		snap.replaceViewsForDatabase(db, vfd)
		return nil
	})
	if rerr != nil {
		return rerr
	}
	return werr
}

// RangeViews visits the views of db in name order.  Returning
// GetOkStopCurrRecur from fn stops the scan without error.
func (c *Catalog) RangeViews(ctx context.Context, tx *txn.Txn, db string, fn func(view *ViewDefinition) error) error {
	vfd := c.getViewsForDatabase(tx, db)
	if vfd == nil {
		return nil
	}
	var ferr error
	vfd.rangeViews(func(view *ViewDefinition) bool {
		if err := fn(view); err != nil {
			if !kerr.IsKerrCode(err, kerr.OkStopCurrRecur) {
				ferr = err
			}
			return false
		}
		return true
	})
	return ferr
}

// ViewStatsForDatabase returns db's view counters.  The second return
// is false when db is not open.
func (c *Catalog) ViewStatsForDatabase(tx *txn.Txn, db string) (ViewStats, bool) {
	vfd := c.getViewsForDatabase(tx, db)
	if vfd == nil {
		return ViewStats{}, false
	}
	return vfd.stats, true
}

// ResolvedView is the outcome of following a view chain down to its
// backing collection.
type ResolvedView struct {
	// Namespace is the backing collection at the bottom of the chain.
	Namespace NamespaceString

	// Pipeline concatenates the stages of every traversed view,
	// innermost first, in the order data flows through them.
	Pipeline []string

	// DependencyChain lists the traversed namespaces starting with the
	// requested one and ending with the backing collection.
	DependencyChain []NamespaceString
}

// ResolveView follows the view chain starting at ns until it reaches a
// namespace that is not a view.
func (c *Catalog) ResolveView(ctx context.Context, tx *txn.Txn, ns NamespaceString) (*ResolvedView, error) {
	chain := []NamespaceString{ns}
	var stages [][]string

	current := ns
	for depth := 0; ; depth++ {
		if depth > maxViewDepth {
			return nil, kerr.NewViewDepthLimit(ctx, maxViewDepth)
		}
		view, err := c.LookupView(ctx, tx, current)
		if err != nil {
			return nil, err
		}
		if view == nil {
			break
		}
		stages = append(stages, view.Pipeline)
		current = view.ViewOn
		chain = append(chain, current)
	}

	var pipeline []string
	for i := len(stages) - 1; i >= 0; i-- {
		pipeline = append(pipeline, stages[i]...)
	}
	return &ResolvedView{Namespace: current, Pipeline: pipeline, DependencyChain: chain}, nil
}

// DatabaseProfileSettings returns the profiling configuration tx
// observes for db.
func (c *Catalog) DatabaseProfileSettings(tx *txn.Txn, db string) ProfileSettings {
	return c.Active(tx).DatabaseProfileSettings(db)
}

// SetDatabaseProfileSettings publishes new profiling configuration for
// db immediately.
func (c *Catalog) SetDatabaseProfileSettings(ctx context.Context, tx *txn.Txn, db string, settings ProfileSettings) error {
	return c.Write(ctx, tx, func(snap *Snapshot) error {
		snap.setDatabaseProfileSettings(db, settings)
		return nil
	})
}

// ClearDatabaseProfileSettings drops db's profiling configuration, for
// example when the database is dropped.
func (c *Catalog) ClearDatabaseProfileSettings(ctx context.Context, tx *txn.Txn, db string) error {
	return c.Write(ctx, tx, func(snap *Snapshot) error {
		snap.clearDatabaseProfileSettings(db)
		return nil
	})
}

// LookupResourceName maps a lock resource back to the name it was built
// from, as long as exactly one registered name hashes to it.
func (c *Catalog) LookupResourceName(tx *txn.Txn, rid ResourceID) (string, bool) {
	return c.Active(tx).LookupResourceName(rid)
}
