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

	"github.com/kestreldb/kestrel/pkg/common/kerr"
)

const (
	// maxViewDepth bounds how many views a resolution chain may pass
	// through before reaching a collection.
	maxViewDepth = 20

	// maxViewPipelineSizeBytes bounds the combined pipeline size along
	// any single dependency chain.
	maxViewPipelineSizeBytes = 1000000
)

// viewGraph records which namespace each view reads from.  A node
// exists for every view and for every namespace some view depends on.
// Nodes for plain collections carry no pipeline and terminate chains.
type viewGraph struct {
	nodes map[NamespaceString]*viewNode
}

type viewNode struct {
	ns NamespaceString

	// isView distinguishes a defined view from a bare dependency
	// target.  Only views count against the depth limit.
	isView bool
	size   int

	children map[NamespaceString]struct{}
	parents  map[NamespaceString]struct{}
}

func newViewGraph() *viewGraph {
	return &viewGraph{nodes: make(map[NamespaceString]*viewNode)}
}

func (g *viewGraph) clear() {
	g.nodes = make(map[NamespaceString]*viewNode)
}

func (g *viewGraph) ensureNode(ns NamespaceString) *viewNode {
	node := g.nodes[ns]
	if node == nil {
		node = &viewNode{
			ns:       ns,
			children: make(map[NamespaceString]struct{}),
			parents:  make(map[NamespaceString]struct{}),
		}
		g.nodes[ns] = node
	}
	return node
}

// insertWithoutValidating records the definition's dependency edge.  A
// previous definition of the same view is replaced.
func (g *viewGraph) insertWithoutValidating(def *ViewDefinition) {
	node := g.ensureNode(def.Name)
	node.isView = true
	node.size = def.PipelineSizeBytes()

	for child := range node.children {
		delete(g.nodes[child].parents, def.Name)
	}
	node.children = make(map[NamespaceString]struct{})

	node.children[def.ViewOn] = struct{}{}
	g.ensureNode(def.ViewOn).parents[def.Name] = struct{}{}
}

// insertAndValidate records the definition and then checks the whole
// graph for cycles and for chains that grew past the depth or size
// limits.  On error the caller discards the owning ViewsForDatabase
// clone, so the graph is not repaired.
func (g *viewGraph) insertAndValidate(ctx context.Context, def *ViewDefinition) error {
	g.insertWithoutValidating(def)
	return g.validate(ctx)
}

const (
	colorWhite = iota
	colorGray
	colorBlack
)

// validate walks every dependency chain once.  depth counts the views
// on the deepest chain below a node, size adds the node's pipeline to
// the largest chain below it.
func (g *viewGraph) validate(ctx context.Context) error {
	color := make(map[NamespaceString]int, len(g.nodes))
	depth := make(map[NamespaceString]int, len(g.nodes))
	size := make(map[NamespaceString]int, len(g.nodes))

	var walk func(ns NamespaceString) error
	walk = func(ns NamespaceString) error {
		switch color[ns] {
		case colorGray:
			return kerr.NewViewGraphCycle(ctx, ns.String())
		case colorBlack:
			return nil
		}
		color[ns] = colorGray

		node := g.nodes[ns]
		maxChildDepth, maxChildSize := 0, 0
		for child := range node.children {
			if err := walk(child); err != nil {
				return err
			}
			if d := depth[child]; d > maxChildDepth {
				maxChildDepth = d
			}
			if sz := size[child]; sz > maxChildSize {
				maxChildSize = sz
			}
		}

		d := maxChildDepth
		if node.isView {
			d++
		}
		sz := maxChildSize + node.size
		if d > maxViewDepth {
			return kerr.NewViewDepthLimit(ctx, maxViewDepth)
		}
		if sz > maxViewPipelineSizeBytes {
			return kerr.NewViewPipelineTooLarge(ctx, ns.String())
		}

		depth[ns] = d
		size[ns] = sz
		color[ns] = colorBlack
		return nil
	}

	for ns := range g.nodes {
		if err := walk(ns); err != nil {
			return err
		}
	}
	return nil
}
