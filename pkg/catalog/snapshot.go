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

	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/kestreldb/kestrel/pkg/common/kerr"
	"github.com/kestreldb/kestrel/pkg/logutil"
)

type nsCollPair struct {
	ns   NamespaceString
	coll *Collection
}

func compareNsCollPair(a, b nsCollPair) bool {
	return a.ns < b.ns
}

type uuidCollPair struct {
	uuid UUID
	coll *Collection
}

func compareUUIDCollPair(a, b uuidCollPair) bool {
	return a.uuid < b.uuid
}

// orderedPair keys collections by database then UUID, giving every
// database a contiguous, stably ordered run of entries.
type orderedPair struct {
	db   string
	uuid UUID
	coll *Collection
}

func compareOrderedPair(a, b orderedPair) bool {
	if a.db != b.db {
		return a.db < b.db
	}
	return a.uuid < b.uuid
}

type dbViewsPair struct {
	db    string
	views *ViewsForDatabase
}

func compareDbViewsPair(a, b dbViewsPair) bool {
	return a.db < b.db
}

func compareNamespaceString(a, b NamespaceString) bool {
	return a < b
}

type profilePair struct {
	db       string
	settings ProfileSettings
}

func compareProfilePair(a, b profilePair) bool {
	return a.db < b.db
}

type shadowPair struct {
	uuid UUID
	ns   NamespaceString
}

func compareShadowPair(a, b shadowPair) bool {
	return a.uuid < b.uuid
}

// Stats tracks the number of registered collections by family.
type Stats struct {
	// UserCollections is the number of user collections.
	UserCollections int
	// UserCapped is the number of capped user collections.
	UserCapped int
	// UserClustered is the number of clustered user collections.
	UserClustered int
	// Internal is the number of internal collections.
	Internal int
}

// Snapshot is one immutable picture of every collection and view known
// to the process.  Readers resolve a snapshot once and then use it
// without coordination, writers clone a snapshot, mutate the clone and
// publish it back through the catalog's write pipeline.  The maps are
// copy-on-write b-trees so cloning is cheap no matter how many
// collections are registered.
type Snapshot struct {
	collections *btree.BTreeG[nsCollPair]
	byUUID      *btree.BTreeG[uuidCollPair]
	ordered     *btree.BTreeG[orderedPair]

	views            *btree.BTreeG[dbViewsPair]
	uncommittedViews *btree.BTreeG[NamespaceString]

	resources *btree.BTreeG[resourcePair]

	profileSettings *btree.BTreeG[profilePair]

	// shadow is engaged while the catalog is closed.  It remembers the
	// namespace every UUID had at close time so readers can keep
	// resolving UUIDs during maintenance.
	shadow *btree.BTreeG[shadowPair]
	epoch  uint64

	stats Stats
}

func newSnapshot() *Snapshot {
	return &Snapshot{
		collections:      btree.NewBTreeG(compareNsCollPair),
		byUUID:           btree.NewBTreeG(compareUUIDCollPair),
		ordered:          btree.NewBTreeG(compareOrderedPair),
		views:            btree.NewBTreeG(compareDbViewsPair),
		uncommittedViews: btree.NewBTreeG(compareNamespaceString),
		resources:        btree.NewBTreeG(compareResourcePair),
		profileSettings:  btree.NewBTreeG(compareProfilePair),
	}
}

func (s *Snapshot) clone() *Snapshot {
	c := &Snapshot{
		collections:      s.collections.Copy(),
		byUUID:           s.byUUID.Copy(),
		ordered:          s.ordered.Copy(),
		views:            s.views.Copy(),
		uncommittedViews: s.uncommittedViews.Copy(),
		resources:        s.resources.Copy(),
		profileSettings:  s.profileSettings.Copy(),
		epoch:            s.epoch,
		stats:            s.stats,
	}
	if s.shadow != nil {
		c.shadow = s.shadow.Copy()
	}
	return c
}

// Epoch counts how many times the catalog has been closed and reopened.
// A cursor created under one epoch must not be resumed under another.
func (s *Snapshot) Epoch() uint64 {
	return s.epoch
}

// Closed reports whether the catalog was closed for maintenance when
// this snapshot was taken.
func (s *Snapshot) Closed() bool {
	return s.shadow != nil
}

// Stats returns the collection counters of this snapshot.
func (s *Snapshot) Stats() Stats {
	return s.stats
}

// CollectionCount returns the number of registered collections,
// committed or not.
func (s *Snapshot) CollectionCount() int {
	return s.collections.Len()
}

func (s *Snapshot) lookupCollectionByName(ns NamespaceString) *Collection {
	pair, found := s.collections.Get(nsCollPair{ns: ns})
	if !found {
		return nil
	}
	return pair.coll
}

func (s *Snapshot) lookupCollectionByUUID(uuid UUID) *Collection {
	pair, found := s.byUUID.Get(uuidCollPair{uuid: uuid})
	if !found {
		return nil
	}
	return pair.coll
}

// lookupNSByUUID resolves a UUID to its committed namespace.  While the
// catalog is closed, UUIDs that vanished from the live maps fall back
// to the shadow of the catalog taken at close time.
func (s *Snapshot) lookupNSByUUID(uuid UUID) (NamespaceString, bool) {
	if pair, found := s.byUUID.Get(uuidCollPair{uuid: uuid}); found {
		ns := pair.coll.NS()
		if ns.IsEmpty() {
			panic(fmt.Sprintf("collection %d has no namespace", uuid))
		}
		if pair.coll.Committed() {
			return ns, true
		}
		return "", false
	}
	if s.shadow != nil {
		if pair, found := s.shadow.Get(shadowPair{uuid: uuid}); found {
			return pair.ns, true
		}
	}
	return "", false
}

// rangeDatabase visits the collections of db in UUID order.  The
// callback returns false to stop.
func (s *Snapshot) rangeDatabase(db string, fn func(coll *Collection) bool) {
	s.ordered.Ascend(orderedPair{db: db}, func(item orderedPair) bool {
		if item.db != db {
			return false
		}
		return fn(item.coll)
	})
}

// AllDatabaseNames returns the sorted names of every database with at
// least one committed collection.  Databases are skipped over with a
// seek once a committed collection is seen.
func (s *Snapshot) AllDatabaseNames() []string {
	var names []string
	iter := s.ordered.Iter()
	defer iter.Release()

	ok := iter.First()
	for ok {
		item := iter.Item()
		if item.coll.Committed() {
			names = append(names, item.db)
			ok = iter.Seek(orderedPair{db: item.db, uuid: ^UUID(0)})
			if ok && iter.Item().db == item.db {
				ok = iter.Next()
			}
		} else {
			ok = iter.Next()
		}
	}
	return names
}

type namespaceType int

const (
	namespaceTypeAll namespaceType = iota
	namespaceTypeCollection
)

// ensureNamespaceDoesNotExist rejects a namespace that is taken by a
// registered collection, an uncommitted view or a durable view.  The
// first two raise a write conflict, a durable view is an ordinary
// namespace clash.
func (s *Snapshot) ensureNamespaceDoesNotExist(ctx context.Context, ns NamespaceString, typ namespaceType) error {
	if pair, found := s.collections.Get(nsCollPair{ns: ns}); found {
		logutil.Debug("conflicted registering namespace, already have a collection with the same namespace",
			zap.String("namespace", ns.String()),
			zap.Uint64("existingUUID", uint64(pair.coll.UUID())))
		return kerr.NewTxnWriteConflict(ctx, "registering namespace %s", ns)
	}

	if typ == namespaceTypeAll {
		if _, found := s.uncommittedViews.Get(ns); found {
			logutil.Debug("conflicted registering namespace, already have an uncommitted view with the same namespace",
				zap.String("namespace", ns.String()))
			return kerr.NewTxnWriteConflict(ctx, "registering namespace %s", ns)
		}

		if vfd := s.viewsForDatabase(ns.DB()); vfd != nil {
			if vfd.lookup(ns) != nil {
				logutil.Debug("conflicted registering namespace, already have a view with the same namespace",
					zap.String("namespace", ns.String()))
				return kerr.NewNamespaceExists(ctx, ns.String())
			}
		}
	}

	return nil
}

// setCollection installs coll in the three collection maps, replacing
// any previous entry with the same identity.
func (s *Snapshot) setCollection(coll *Collection) {
	s.collections.Set(nsCollPair{ns: coll.NS(), coll: coll})
	s.byUUID.Set(uuidCollPair{uuid: coll.UUID(), coll: coll})
	s.ordered.Set(orderedPair{db: coll.NS().DB(), uuid: coll.UUID(), coll: coll})
}

// eraseCollectionName drops only the by-name entry, used when a rename
// leaves the old name behind.
func (s *Snapshot) eraseCollectionName(ns NamespaceString) {
	s.collections.Delete(nsCollPair{ns: ns})
}

// registerCollection makes coll reachable by name, UUID and database
// order, counts it in the stats and registers its lock resources.  The
// namespace must be free.
func (s *Snapshot) registerCollection(ctx context.Context, coll *Collection) error {
	ns := coll.NS()
	uuid := coll.UUID()

	if err := s.ensureNamespaceDoesNotExist(ctx, ns, namespaceTypeAll); err != nil {
		return err
	}

	logutil.Debug("registering collection",
		zap.String("namespace", ns.String()),
		zap.Uint64("uuid", uint64(uuid)))

	if _, found := s.byUUID.Get(uuidCollPair{uuid: uuid}); found {
		panic(fmt.Sprintf("collection uuid %d registered twice", uuid))
	}
	if _, found := s.ordered.Get(orderedPair{db: ns.DB(), uuid: uuid}); found {
		panic(fmt.Sprintf("collection uuid %d already ordered under %s", uuid, ns.DB()))
	}
	s.setCollection(coll)

	if !ns.IsOnInternalDb() && !ns.IsSystem() {
		s.stats.UserCollections++
		if coll.Options().Capped {
			s.stats.UserCapped++
		}
		if coll.Options().Clustered {
			s.stats.UserClustered++
		}
	} else {
		s.stats.Internal++
	}
	s.checkStatsInvariant()

	s.addResource(NewDatabaseResourceID(ns.DB()), ns.DB())
	s.addResource(NewCollectionResourceID(ns), ns.String())
	return nil
}

// deregisterCollection removes the collection with the given UUID from
// all maps and returns it.  The UUID must be registered.  The database
// lock resource stays, it is owned by the database until it closes.
func (s *Snapshot) deregisterCollection(ctx context.Context, uuid UUID) *Collection {
	pair, found := s.byUUID.Get(uuidCollPair{uuid: uuid})
	if !found {
		panic(fmt.Sprintf("deregistering unknown collection uuid %d", uuid))
	}
	coll := pair.coll
	ns := coll.NS()

	logutil.Debug("deregistering collection",
		zap.String("namespace", ns.String()),
		zap.Uint64("uuid", uint64(uuid)))

	if _, deleted := s.collections.Delete(nsCollPair{ns: ns}); !deleted {
		panic(fmt.Sprintf("collection %s missing from the name map", ns))
	}
	s.byUUID.Delete(uuidCollPair{uuid: uuid})
	if _, deleted := s.ordered.Delete(orderedPair{db: ns.DB(), uuid: uuid}); !deleted {
		panic(fmt.Sprintf("collection %s missing from the ordered map", ns))
	}

	if !ns.IsOnInternalDb() && !ns.IsSystem() {
		s.stats.UserCollections--
		if coll.Options().Capped {
			s.stats.UserCapped--
		}
		if coll.Options().Clustered {
			s.stats.UserClustered--
		}
	} else {
		s.stats.Internal--
	}
	s.checkStatsInvariant()

	s.removeResource(NewCollectionResourceID(ns), ns.String())
	return coll
}

func (s *Snapshot) checkStatsInvariant() {
	if s.stats.Internal+s.stats.UserCollections != s.collections.Len() {
		panic(fmt.Sprintf("collection stats drifted: internal %d user %d registered %d",
			s.stats.Internal, s.stats.UserCollections, s.collections.Len()))
	}
}

// deregisterAllCollectionsAndViews empties the catalog.  Used when the
// storage underneath was swapped wholesale, for example by a restore.
func (s *Snapshot) deregisterAllCollectionsAndViews(ctx context.Context) {
	logutil.Info("deregistering all the collections")

	s.collections = btree.NewBTreeG(compareNsCollPair)
	s.byUUID = btree.NewBTreeG(compareUUIDCollPair)
	s.ordered = btree.NewBTreeG(compareOrderedPair)
	s.views = btree.NewBTreeG(compareDbViewsPair)
	s.uncommittedViews = btree.NewBTreeG(compareNamespaceString)
	s.resources = btree.NewBTreeG(compareResourcePair)
	s.stats = Stats{}
}

// registerUncommittedView reserves a view namespace before its create
// commits, so concurrent creates of the same name conflict instead of
// racing.
func (s *Snapshot) registerUncommittedView(ctx context.Context, ns NamespaceString) error {
	// Only collection names can clash here.  Durable view clashes were
	// already rejected when the view was added to its database.
	if err := s.ensureNamespaceDoesNotExist(ctx, ns, namespaceTypeCollection); err != nil {
		return err
	}
	s.uncommittedViews.Set(ns)
	return nil
}

// deregisterUncommittedView releases the reservation.  Idempotent.
func (s *Snapshot) deregisterUncommittedView(ns NamespaceString) {
	s.uncommittedViews.Delete(ns)
}

func (s *Snapshot) hasUncommittedView(ns NamespaceString) bool {
	_, found := s.uncommittedViews.Get(ns)
	return found
}

func (s *Snapshot) viewsForDatabase(db string) *ViewsForDatabase {
	pair, found := s.views.Get(dbViewsPair{db: db})
	if !found {
		return nil
	}
	return pair.views
}

func (s *Snapshot) replaceViewsForDatabase(db string, vfd *ViewsForDatabase) {
	s.views.Set(dbViewsPair{db: db, views: vfd})
}

func (s *Snapshot) removeViewsForDatabase(db string) {
	s.views.Delete(dbViewsPair{db: db})
}

// DatabaseProfileSettings returns the profiling configuration of db,
// falling back to the default level with no filter.
func (s *Snapshot) DatabaseProfileSettings(db string) ProfileSettings {
	if pair, found := s.profileSettings.Get(profilePair{db: db}); found {
		return pair.settings
	}
	return ProfileSettings{}
}

func (s *Snapshot) setDatabaseProfileSettings(db string, settings ProfileSettings) {
	s.profileSettings.Set(profilePair{db: db, settings: settings})
}

func (s *Snapshot) clearDatabaseProfileSettings(db string) {
	s.profileSettings.Delete(profilePair{db: db})
}

// closeCatalog engages the shadow map.  Closing an already closed
// catalog is a no-op so that the caller does not have to track whether
// a previous maintenance attempt got as far as closing.
func (s *Snapshot) closeCatalog() {
	if s.shadow != nil {
		return
	}
	s.shadow = btree.NewBTreeG(compareShadowPair)
	s.byUUID.Scan(func(pair uuidCollPair) bool {
		s.shadow.Set(shadowPair{uuid: pair.uuid, ns: pair.coll.NS()})
		return true
	})
}

// openCatalog drops the shadow map and moves the catalog into the next
// epoch.  The catalog must be closed.
func (s *Snapshot) openCatalog() {
	if s.shadow == nil {
		panic("opening a catalog that was not closed")
	}
	s.shadow = nil
	s.epoch++
}
