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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestreldb/kestrel/pkg/common/kerr"
)

func newCommittedCollection(ns NamespaceString, uuid UUID, options CollectionOptions) *Collection {
	coll := NewCollection(ns, uuid, options)
	coll.SetCommitted(true)
	return coll
}

func TestRegisterCollectionPopulatesAllMaps(t *testing.T) {
	snap := newSnapshot()
	ctx := context.Background()
	ns := MakeNamespaceString("app", "users")

	coll := newCommittedCollection(ns, 101, CollectionOptions{})
	require.NoError(t, snap.registerCollection(ctx, coll))

	require.Same(t, coll, snap.lookupCollectionByName(ns))
	require.Same(t, coll, snap.lookupCollectionByUUID(101))
	got, ok := snap.lookupNSByUUID(101)
	require.True(t, ok)
	require.Equal(t, ns, got)
	require.Equal(t, 1, snap.CollectionCount())

	name, ok := snap.LookupResourceName(NewCollectionResourceID(ns))
	require.True(t, ok)
	require.Equal(t, ns.String(), name)
	name, ok = snap.LookupResourceName(NewDatabaseResourceID("app"))
	require.True(t, ok)
	require.Equal(t, "app", name)
}

func TestRegisterCollectionNamespaceTaken(t *testing.T) {
	snap := newSnapshot()
	ctx := context.Background()
	ns := MakeNamespaceString("app", "users")

	require.NoError(t, snap.registerCollection(ctx, newCommittedCollection(ns, 1, CollectionOptions{})))

	err := snap.registerCollection(ctx, NewCollection(ns, 2, CollectionOptions{}))
	require.Error(t, err)
	require.True(t, kerr.IsKerrCode(err, kerr.ErrTxnWriteConflict))
	// The loser left no trace.
	require.Nil(t, snap.lookupCollectionByUUID(2))
	require.Equal(t, 1, snap.CollectionCount())
}

func TestRegisterCollectionUncommittedViewConflict(t *testing.T) {
	snap := newSnapshot()
	ctx := context.Background()
	ns := MakeNamespaceString("app", "pending")

	require.NoError(t, snap.registerUncommittedView(ctx, ns))
	require.True(t, snap.hasUncommittedView(ns))

	err := snap.registerCollection(ctx, NewCollection(ns, 1, CollectionOptions{}))
	require.True(t, kerr.IsKerrCode(err, kerr.ErrTxnWriteConflict))

	// Releasing the reservation clears the conflict.
	snap.deregisterUncommittedView(ns)
	require.NoError(t, snap.registerCollection(ctx, NewCollection(ns, 1, CollectionOptions{})))
}

func TestRegisterCollectionDurableViewConflict(t *testing.T) {
	snap := newSnapshot()
	ctx := context.Background()
	ns := MakeNamespaceString("app", "byName")

	vfd := newViewsForDatabase()
	vfd.insert(&ViewDefinition{Name: ns, ViewOn: MakeNamespaceString("app", "users")})
	snap.replaceViewsForDatabase("app", vfd)

	err := snap.registerCollection(ctx, NewCollection(ns, 1, CollectionOptions{}))
	require.True(t, kerr.IsKerrCode(err, kerr.ErrNamespaceExists))
}

func TestRegisterCollectionDuplicateUUIDPanics(t *testing.T) {
	snap := newSnapshot()
	ctx := context.Background()

	require.NoError(t, snap.registerCollection(ctx,
		NewCollection(MakeNamespaceString("app", "a"), 7, CollectionOptions{})))
	require.Panics(t, func() {
		_ = snap.registerCollection(ctx,
			NewCollection(MakeNamespaceString("app", "b"), 7, CollectionOptions{}))
	})
}

func TestDeregisterUnknownUUIDPanics(t *testing.T) {
	snap := newSnapshot()
	require.Panics(t, func() {
		snap.deregisterCollection(context.Background(), 404)
	})
}

func TestStatsBuckets(t *testing.T) {
	snap := newSnapshot()
	ctx := context.Background()

	cases := []struct {
		ns      NamespaceString
		options CollectionOptions
	}{
		{MakeNamespaceString("app", "plain"), CollectionOptions{}},
		{MakeNamespaceString("app", "events"), CollectionOptions{Capped: true}},
		{MakeNamespaceString("app", "ordered"), CollectionOptions{Clustered: true}},
		{MakeNamespaceString("app", "both"), CollectionOptions{Capped: true, Clustered: true}},
		{MakeNamespaceString("admin", "settings"), CollectionOptions{}},
		{MakeNamespaceString("app", "system.views"), CollectionOptions{}},
	}
	for i, c := range cases {
		require.NoError(t, snap.registerCollection(ctx, NewCollection(c.ns, UUID(i+1), c.options)))
	}

	require.Equal(t, Stats{
		UserCollections: 4,
		UserCapped:      2,
		UserClustered:   2,
		Internal:        2,
	}, snap.Stats())

	snap.deregisterCollection(ctx, 2)
	snap.deregisterCollection(ctx, 5)
	require.Equal(t, Stats{
		UserCollections: 3,
		UserCapped:      1,
		UserClustered:   2,
		Internal:        1,
	}, snap.Stats())
}

func TestStatsInvariantPanicsOnDrift(t *testing.T) {
	snap := newSnapshot()
	require.NoError(t, snap.registerCollection(context.Background(),
		NewCollection(MakeNamespaceString("app", "a"), 1, CollectionOptions{})))

	snap.stats.UserCollections++
	require.Panics(t, snap.checkStatsInvariant)
}

func TestRangeDatabaseInUUIDOrder(t *testing.T) {
	snap := newSnapshot()
	ctx := context.Background()

	// Registration order deliberately disagrees with UUID order.
	require.NoError(t, snap.registerCollection(ctx, NewCollection(MakeNamespaceString("app", "c"), 30, CollectionOptions{})))
	require.NoError(t, snap.registerCollection(ctx, NewCollection(MakeNamespaceString("app", "a"), 10, CollectionOptions{})))
	require.NoError(t, snap.registerCollection(ctx, NewCollection(MakeNamespaceString("app", "b"), 20, CollectionOptions{})))
	require.NoError(t, snap.registerCollection(ctx, NewCollection(MakeNamespaceString("zoo", "z"), 15, CollectionOptions{})))

	var uuids []UUID
	snap.rangeDatabase("app", func(coll *Collection) bool {
		uuids = append(uuids, coll.UUID())
		return true
	})
	require.Equal(t, []UUID{10, 20, 30}, uuids)

	// Early stop.
	uuids = uuids[:0]
	snap.rangeDatabase("app", func(coll *Collection) bool {
		uuids = append(uuids, coll.UUID())
		return len(uuids) < 2
	})
	require.Equal(t, []UUID{10, 20}, uuids)

	snap.rangeDatabase("missing", func(coll *Collection) bool {
		t.Fatalf("unexpected collection %s", coll.NS())
		return false
	})
}

func TestAllDatabaseNames(t *testing.T) {
	snap := newSnapshot()
	ctx := context.Background()

	require.NoError(t, snap.registerCollection(ctx, newCommittedCollection(MakeNamespaceString("b", "x"), 1, CollectionOptions{})))
	require.NoError(t, snap.registerCollection(ctx, newCommittedCollection(MakeNamespaceString("a", "x"), 2, CollectionOptions{})))
	require.NoError(t, snap.registerCollection(ctx, newCommittedCollection(MakeNamespaceString("a", "y"), 3, CollectionOptions{})))
	// A database whose only collection is uncommitted stays hidden.
	require.NoError(t, snap.registerCollection(ctx, NewCollection(MakeNamespaceString("c", "x"), 4, CollectionOptions{})))

	require.Equal(t, []string{"a", "b"}, snap.AllDatabaseNames())
}

func TestLookupNSByUUIDVisibility(t *testing.T) {
	snap := newSnapshot()
	ctx := context.Background()
	ns := MakeNamespaceString("app", "users")

	coll := NewCollection(ns, 9, CollectionOptions{})
	require.NoError(t, snap.registerCollection(ctx, coll))

	_, ok := snap.lookupNSByUUID(9)
	require.False(t, ok)

	coll.SetCommitted(true)
	got, ok := snap.lookupNSByUUID(9)
	require.True(t, ok)
	require.Equal(t, ns, got)
}

func TestCloneSharesUntilMutation(t *testing.T) {
	base := newSnapshot()
	ctx := context.Background()
	ns := MakeNamespaceString("app", "users")
	require.NoError(t, base.registerCollection(ctx, newCommittedCollection(ns, 1, CollectionOptions{})))

	clone := base.clone()
	require.NoError(t, clone.registerCollection(ctx, newCommittedCollection(MakeNamespaceString("app", "more"), 2, CollectionOptions{})))
	clone.deregisterCollection(ctx, 1)

	// The base snapshot did not move.
	require.NotNil(t, base.lookupCollectionByName(ns))
	require.Nil(t, base.lookupCollectionByUUID(2))
	require.Equal(t, 1, base.Stats().UserCollections)

	require.Nil(t, clone.lookupCollectionByName(ns))
	require.NotNil(t, clone.lookupCollectionByUUID(2))
	require.Equal(t, 1, clone.Stats().UserCollections)
}

func TestCloseCatalogShadowResolvesDroppedUUIDs(t *testing.T) {
	snap := newSnapshot()
	ctx := context.Background()
	ns := MakeNamespaceString("app", "users")
	require.NoError(t, snap.registerCollection(ctx, newCommittedCollection(ns, 1, CollectionOptions{})))

	require.False(t, snap.Closed())
	snap.closeCatalog()
	require.True(t, snap.Closed())
	// Closing twice keeps the first shadow.
	snap.closeCatalog()

	snap.deregisterCollection(ctx, 1)
	require.Nil(t, snap.lookupCollectionByUUID(1))

	got, ok := snap.lookupNSByUUID(1)
	require.True(t, ok)
	require.Equal(t, ns, got)

	epoch := snap.Epoch()
	snap.openCatalog()
	require.False(t, snap.Closed())
	require.Equal(t, epoch+1, snap.Epoch())

	_, ok = snap.lookupNSByUUID(1)
	require.False(t, ok)
}

func TestOpenCatalogWithoutClosePanics(t *testing.T) {
	snap := newSnapshot()
	require.Panics(t, snap.openCatalog)
}

func TestDeregisterAllCollectionsAndViews(t *testing.T) {
	snap := newSnapshot()
	ctx := context.Background()
	ns := MakeNamespaceString("app", "users")
	require.NoError(t, snap.registerCollection(ctx, newCommittedCollection(ns, 1, CollectionOptions{})))

	vfd := newViewsForDatabase()
	vfd.insert(&ViewDefinition{Name: MakeNamespaceString("app", "v"), ViewOn: ns})
	snap.replaceViewsForDatabase("app", vfd)
	require.NoError(t, snap.registerUncommittedView(ctx, MakeNamespaceString("app", "pending")))

	snap.deregisterAllCollectionsAndViews(ctx)

	require.Nil(t, snap.lookupCollectionByName(ns))
	require.Nil(t, snap.viewsForDatabase("app"))
	require.False(t, snap.hasUncommittedView(MakeNamespaceString("app", "pending")))
	require.Equal(t, Stats{}, snap.Stats())
	_, ok := snap.LookupResourceName(NewCollectionResourceID(ns))
	require.False(t, ok)
}

func TestResourceRegistryToleratesCollisions(t *testing.T) {
	snap := newSnapshot()
	rid := NewCollectionResourceID(MakeNamespaceString("app", "a"))

	snap.addResource(rid, "app.a")
	name, ok := snap.LookupResourceName(rid)
	require.True(t, ok)
	require.Equal(t, "app.a", name)

	// A second name landing on the same id makes the answer ambiguous.
	snap.addResource(rid, "app.b")
	_, ok = snap.LookupResourceName(rid)
	require.False(t, ok)

	// Adding a name twice does not change the set.
	snap.addResource(rid, "app.b")
	snap.removeResource(rid, "app.b")
	name, ok = snap.LookupResourceName(rid)
	require.True(t, ok)
	require.Equal(t, "app.a", name)

	snap.removeResource(rid, "app.a")
	_, ok = snap.LookupResourceName(rid)
	require.False(t, ok)

	// Unknown ids and names are tolerated.
	snap.removeResource(rid, "app.a")
}

func TestResourceSetsAreCopyOnWrite(t *testing.T) {
	base := newSnapshot()
	rid := NewCollectionResourceID(MakeNamespaceString("app", "a"))
	base.addResource(rid, "app.a")

	clone := base.clone()
	clone.addResource(rid, "app.b")

	name, ok := base.LookupResourceName(rid)
	require.True(t, ok)
	require.Equal(t, "app.a", name)
	_, ok = clone.LookupResourceName(rid)
	require.False(t, ok)
}

func TestProfileSettingsPerDatabase(t *testing.T) {
	snap := newSnapshot()

	require.Equal(t, ProfileSettings{}, snap.DatabaseProfileSettings("app"))

	settings := ProfileSettings{Level: 2}
	snap.setDatabaseProfileSettings("app", settings)
	require.Equal(t, settings, snap.DatabaseProfileSettings("app"))
	require.Equal(t, ProfileSettings{}, snap.DatabaseProfileSettings("other"))

	clone := snap.clone()
	clone.clearDatabaseProfileSettings("app")
	require.Equal(t, ProfileSettings{}, clone.DatabaseProfileSettings("app"))
	require.Equal(t, settings, snap.DatabaseProfileSettings("app"))
}
