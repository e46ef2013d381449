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

	"golang.org/x/exp/slices"

	"github.com/kestreldb/kestrel/pkg/common/kerr"
)

// ViewDefinition describes one view: the namespace it is addressed by,
// the namespace it reads from and the transformation pipeline applied
// on top.  Definitions are immutable once inserted into a catalog,
// modifying a view means inserting a new definition.
type ViewDefinition struct {
	Name     NamespaceString `json:"name"`
	ViewOn   NamespaceString `json:"viewOn"`
	Pipeline []string        `json:"pipeline"`
}

// Clone returns a definition that shares nothing with the receiver.
func (v *ViewDefinition) Clone() *ViewDefinition {
	c := &ViewDefinition{
		Name:     v.Name,
		ViewOn:   v.ViewOn,
		Pipeline: make([]string, len(v.Pipeline)),
	}
	copy(c.Pipeline, v.Pipeline)
	return c
}

// PipelineSizeBytes is the serialized size of the pipeline, used to
// bound the combined size along a view dependency chain.
func (v *ViewDefinition) PipelineSizeBytes() int {
	size := 0
	for _, stage := range v.Pipeline {
		size += len(stage)
	}
	return size
}

// ViewStore persists view definitions beneath the in-memory catalog.
type ViewStore interface {
	// Load returns every definition stored for db.
	Load(ctx context.Context, db string) ([]*ViewDefinition, error)
	// Upsert writes one definition, replacing any previous one with the
	// same name.
	Upsert(ctx context.Context, view *ViewDefinition) error
	// Remove deletes the definition of ns.  Removing an absent view is
	// not an error.
	Remove(ctx context.Context, ns NamespaceString) error
}

// ViewStats counts the views of one database by family.
type ViewStats struct {
	UserViews int
	Internal  int
}

// ViewsForDatabase holds the views of a single database together with
// their dependency graph.  Instances reachable from a published
// snapshot are immutable, writers operate on clones.
type ViewsForDatabase struct {
	viewMap map[NamespaceString]*ViewDefinition

	// valid is cleared when the durable definitions could not be read
	// back.  Most view operations refuse to run on an invalid catalog.
	valid bool

	viewGraph             *viewGraph
	viewGraphNeedsRefresh bool

	stats ViewStats
}

func newViewsForDatabase() *ViewsForDatabase {
	return &ViewsForDatabase{
		viewMap:               make(map[NamespaceString]*ViewDefinition),
		viewGraph:             newViewGraph(),
		viewGraphNeedsRefresh: true,
	}
}

// clone copies the definitions and stats.  The dependency graph is
// rebuilt lazily in the clone instead of being copied.
func (v *ViewsForDatabase) clone() *ViewsForDatabase {
	c := &ViewsForDatabase{
		viewMap:               make(map[NamespaceString]*ViewDefinition, len(v.viewMap)),
		valid:                 v.valid,
		viewGraph:             newViewGraph(),
		viewGraphNeedsRefresh: true,
		stats:                 v.stats,
	}
	for ns, def := range v.viewMap {
		c.viewMap[ns] = def
	}
	return c
}

func (v *ViewsForDatabase) lookup(ns NamespaceString) *ViewDefinition {
	return v.viewMap[ns]
}

func (v *ViewsForDatabase) viewNames() []NamespaceString {
	names := make([]NamespaceString, 0, len(v.viewMap))
	for ns := range v.viewMap {
		names = append(names, ns)
	}
	slices.Sort(names)
	return names
}

func (v *ViewsForDatabase) rangeViews(fn func(view *ViewDefinition) bool) {
	for _, ns := range v.viewNames() {
		if !fn(v.viewMap[ns]) {
			return
		}
	}
}

func (v *ViewsForDatabase) requireValidCatalog(ctx context.Context) error {
	if !v.valid {
		return kerr.NewInvalidView(ctx,
			"invalid view definition detected in the view catalog, remove the invalid view to prevent disallowed operations")
	}
	return nil
}

// reload replaces the in-memory definitions with what the store holds
// and marks the catalog valid again.
func (v *ViewsForDatabase) reload(ctx context.Context, db string, store ViewStore) error {
	defs, err := store.Load(ctx, db)
	if err != nil {
		return err
	}

	viewMap := make(map[NamespaceString]*ViewDefinition, len(defs))
	for _, def := range defs {
		if def.Name.DB() != db {
			return kerr.NewInvalidView(ctx, "view %s stored under database %s", def.Name, db)
		}
		viewMap[def.Name] = def
	}

	v.viewMap = viewMap
	v.viewGraphNeedsRefresh = true
	v.valid = true
	v.recountStats()
	return nil
}

// insert installs a definition that already passed graph validation
// and marks the catalog valid.
func (v *ViewsForDatabase) insert(view *ViewDefinition) {
	v.viewMap[view.Name] = view
	v.recountStats()
	v.valid = true
}

// remove erases the definition of ns.  Returns false when there was
// nothing to erase.
func (v *ViewsForDatabase) remove(ns NamespaceString) bool {
	if _, ok := v.viewMap[ns]; !ok {
		return false
	}
	delete(v.viewMap, ns)
	v.viewGraphNeedsRefresh = true
	v.recountStats()
	return true
}

func (v *ViewsForDatabase) upsertIntoGraph(ctx context.Context, view *ViewDefinition, needsValidation bool) error {
	if v.viewGraphNeedsRefresh {
		v.viewGraph.clear()
		for _, def := range v.viewMap {
			v.viewGraph.insertWithoutValidating(def)
		}
		v.viewGraphNeedsRefresh = false
	}
	if needsValidation {
		return v.viewGraph.insertAndValidate(ctx, view)
	}
	v.viewGraph.insertWithoutValidating(view)
	return nil
}

func (v *ViewsForDatabase) recountStats() {
	stats := ViewStats{}
	for ns := range v.viewMap {
		if ns.IsOnInternalDb() || ns.IsSystem() {
			stats.Internal++
		} else {
			stats.UserViews++
		}
	}
	v.stats = stats
}
