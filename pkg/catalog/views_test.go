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
	"strings"
	"testing"

	"github.com/smartystreets/goconvey/convey"

	"github.com/kestreldb/kestrel/pkg/common/kerr"
)

func viewDef(name, viewOn string, pipeline ...string) *ViewDefinition {
	return &ViewDefinition{
		Name:     NamespaceString(name),
		ViewOn:   NamespaceString(viewOn),
		Pipeline: pipeline,
	}
}

func TestViewGraphCycles(t *testing.T) {
	ctx := context.Background()

	convey.Convey("TestViewGraphCycles", t, func() {
		convey.Convey("a chain over a collection validates", func() {
			g := newViewGraph()
			convey.So(g.insertAndValidate(ctx, viewDef("app.a", "app.b")), convey.ShouldBeNil)
			convey.So(g.insertAndValidate(ctx, viewDef("app.b", "app.users")), convey.ShouldBeNil)
		})

		convey.Convey("a view reading itself is a cycle", func() {
			g := newViewGraph()
			err := g.insertAndValidate(ctx, viewDef("app.a", "app.a"))
			convey.So(kerr.IsKerrCode(err, kerr.ErrViewGraphCycle), convey.ShouldBeTrue)
		})

		convey.Convey("closing a longer loop is a cycle", func() {
			g := newViewGraph()
			convey.So(g.insertAndValidate(ctx, viewDef("app.a", "app.b")), convey.ShouldBeNil)
			convey.So(g.insertAndValidate(ctx, viewDef("app.b", "app.c")), convey.ShouldBeNil)
			err := g.insertAndValidate(ctx, viewDef("app.c", "app.a"))
			convey.So(kerr.IsKerrCode(err, kerr.ErrViewGraphCycle), convey.ShouldBeTrue)
		})

		convey.Convey("redefining a view drops its old dependency edge", func() {
			g := newViewGraph()
			convey.So(g.insertAndValidate(ctx, viewDef("app.v", "app.a")), convey.ShouldBeNil)
			convey.So(g.insertAndValidate(ctx, viewDef("app.v", "app.b")), convey.ShouldBeNil)
			// app.a -> app.v would close a cycle only through the
			// replaced edge, so it must validate now.
			convey.So(g.insertAndValidate(ctx, viewDef("app.a", "app.v")), convey.ShouldBeNil)
		})
	})
}

func TestViewGraphDepth(t *testing.T) {
	ctx := context.Background()

	convey.Convey("TestViewGraphDepth", t, func() {
		g := newViewGraph()
		// v1 -> v2 -> ... -> v20 -> users, twenty views deep.
		for i := 1; i < 20; i++ {
			def := viewDef(fmt.Sprintf("app.v%d", i), fmt.Sprintf("app.v%d", i+1))
			convey.So(g.insertAndValidate(ctx, def), convey.ShouldBeNil)
		}
		convey.So(g.insertAndValidate(ctx, viewDef("app.v20", "app.users")), convey.ShouldBeNil)

		err := g.insertAndValidate(ctx, viewDef("app.v0", "app.v1"))
		convey.So(kerr.IsKerrCode(err, kerr.ErrViewDepthLimit), convey.ShouldBeTrue)
	})
}

func TestViewGraphPipelineSize(t *testing.T) {
	ctx := context.Background()
	bigStage := strings.Repeat("x", 600000)

	convey.Convey("TestViewGraphPipelineSize", t, func() {
		convey.Convey("one large pipeline is fine", func() {
			g := newViewGraph()
			convey.So(g.insertAndValidate(ctx, viewDef("app.a", "app.users", bigStage)), convey.ShouldBeNil)
		})

		convey.Convey("a chain crossing the combined limit fails", func() {
			g := newViewGraph()
			convey.So(g.insertAndValidate(ctx, viewDef("app.a", "app.users", bigStage)), convey.ShouldBeNil)
			err := g.insertAndValidate(ctx, viewDef("app.b", "app.a", bigStage))
			convey.So(kerr.IsKerrCode(err, kerr.ErrViewPipelineTooLarge), convey.ShouldBeTrue)
		})

		convey.Convey("large pipelines on separate chains do not add up", func() {
			g := newViewGraph()
			convey.So(g.insertAndValidate(ctx, viewDef("app.a", "app.users", bigStage)), convey.ShouldBeNil)
			convey.So(g.insertAndValidate(ctx, viewDef("app.b", "app.orders", bigStage)), convey.ShouldBeNil)
		})
	})
}

func TestViewsForDatabaseLifecycle(t *testing.T) {
	ctx := context.Background()

	convey.Convey("TestViewsForDatabaseLifecycle", t, func() {
		vfd := newViewsForDatabase()

		convey.Convey("a fresh instance is invalid until loaded", func() {
			err := vfd.requireValidCatalog(ctx)
			convey.So(kerr.IsKerrCode(err, kerr.ErrInvalidView), convey.ShouldBeTrue)
		})

		convey.Convey("insert makes the definition visible and the catalog valid", func() {
			def := viewDef("app.active", "app.users")
			vfd.insert(def)
			convey.So(vfd.lookup(def.Name), convey.ShouldEqual, def)
			convey.So(vfd.requireValidCatalog(ctx), convey.ShouldBeNil)
		})

		convey.Convey("remove erases and reports whether anything was there", func() {
			vfd.insert(viewDef("app.active", "app.users"))
			convey.So(vfd.remove(NamespaceString("app.active")), convey.ShouldBeTrue)
			convey.So(vfd.lookup(NamespaceString("app.active")), convey.ShouldBeNil)
			convey.So(vfd.remove(NamespaceString("app.active")), convey.ShouldBeFalse)
		})

		convey.Convey("names come back sorted and range stops early", func() {
			vfd.insert(viewDef("app.c", "app.users"))
			vfd.insert(viewDef("app.a", "app.users"))
			vfd.insert(viewDef("app.b", "app.users"))

			names := vfd.viewNames()
			convey.So(names, convey.ShouldResemble, []NamespaceString{"app.a", "app.b", "app.c"})

			var seen []NamespaceString
			vfd.rangeViews(func(view *ViewDefinition) bool {
				seen = append(seen, view.Name)
				return len(seen) < 2
			})
			convey.So(seen, convey.ShouldResemble, []NamespaceString{"app.a", "app.b"})
		})

		convey.Convey("stats split user views from internal ones", func() {
			vfd.insert(viewDef("app.active", "app.users"))
			vfd.insert(viewDef("admin.roles", "admin.users"))
			vfd.insert(viewDef("app.system.profile", "app.users"))
			convey.So(vfd.stats, convey.ShouldResemble, ViewStats{UserViews: 1, Internal: 2})

			vfd.remove(NamespaceString("admin.roles"))
			convey.So(vfd.stats, convey.ShouldResemble, ViewStats{UserViews: 1, Internal: 1})
		})
	})
}

func TestViewsForDatabaseClone(t *testing.T) {
	ctx := context.Background()

	convey.Convey("TestViewsForDatabaseClone", t, func() {
		vfd := newViewsForDatabase()
		def := viewDef("app.active", "app.users")
		vfd.insert(def)

		clone := vfd.clone()

		convey.Convey("definitions are shared, the map is not", func() {
			convey.So(clone.lookup(def.Name), convey.ShouldEqual, def)
			clone.insert(viewDef("app.extra", "app.users"))
			convey.So(vfd.lookup(NamespaceString("app.extra")), convey.ShouldBeNil)
		})

		convey.Convey("validity and stats carry over", func() {
			convey.So(clone.requireValidCatalog(ctx), convey.ShouldBeNil)
			convey.So(clone.stats, convey.ShouldResemble, vfd.stats)
		})

		convey.Convey("the clone rebuilds its graph from its own definitions", func() {
			// The original's edge app.active -> app.users must be in
			// the rebuilt graph, closing the loop has to fail.
			err := clone.upsertIntoGraph(ctx, viewDef("app.users", "app.active"), true)
			convey.So(kerr.IsKerrCode(err, kerr.ErrViewGraphCycle), convey.ShouldBeTrue)
		})

		convey.Convey("removed definitions stay out of the rebuilt graph", func() {
			clone.remove(def.Name)
			err := clone.upsertIntoGraph(ctx, viewDef("app.users", "app.active"), true)
			convey.So(err, convey.ShouldBeNil)
		})
	})
}

func TestViewsForDatabaseReload(t *testing.T) {
	ctx := context.Background()

	convey.Convey("TestViewsForDatabaseReload", t, func() {
		convey.Convey("reload replaces definitions and revalidates", func() {
			store := NewMemViewStore()
			convey.So(store.Upsert(ctx, viewDef("app.active", "app.users")), convey.ShouldBeNil)
			convey.So(store.Upsert(ctx, viewDef("other.v", "other.users")), convey.ShouldBeNil)

			vfd := newViewsForDatabase()
			vfd.insert(viewDef("app.stale", "app.users"))

			convey.So(vfd.reload(ctx, "app", store), convey.ShouldBeNil)
			convey.So(vfd.lookup(NamespaceString("app.stale")), convey.ShouldBeNil)
			convey.So(vfd.lookup(NamespaceString("app.active")), convey.ShouldNotBeNil)
			convey.So(vfd.lookup(NamespaceString("other.v")), convey.ShouldBeNil)
			convey.So(vfd.requireValidCatalog(ctx), convey.ShouldBeNil)
			convey.So(vfd.stats, convey.ShouldResemble, ViewStats{UserViews: 1})
		})

		convey.Convey("a definition filed under the wrong database is rejected", func() {
			store := NewMemViewStore()
			store.views[NamespaceString("app.v1")] = viewDef("other.v1", "other.users")

			vfd := newViewsForDatabase()
			err := vfd.reload(ctx, "app", store)
			convey.So(kerr.IsKerrCode(err, kerr.ErrInvalidView), convey.ShouldBeTrue)
		})
	})
}

func TestViewDefinitionClone(t *testing.T) {
	convey.Convey("TestViewDefinitionClone", t, func() {
		def := viewDef("app.active", "app.users", `{"$match":{}}`, `{"$sort":{}}`)
		c := def.Clone()

		convey.So(c, convey.ShouldResemble, def)
		c.Pipeline[0] = "changed"
		convey.So(def.Pipeline[0], convey.ShouldEqual, `{"$match":{}}`)

		convey.So(def.PipelineSizeBytes(), convey.ShouldEqual, len(`{"$match":{}}`)+len(`{"$sort":{}}`))
	})
}
