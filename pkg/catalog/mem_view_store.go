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

	"golang.org/x/exp/slices"
)

// MemViewStore keeps view definitions in process memory.  It backs
// catalogs that have no durable store attached and most tests.
type MemViewStore struct {
	sync.Mutex
	views map[NamespaceString]*ViewDefinition
}

var _ ViewStore = new(MemViewStore)

func NewMemViewStore() *MemViewStore {
	return &MemViewStore{
		views: make(map[NamespaceString]*ViewDefinition),
	}
}

func (m *MemViewStore) Load(ctx context.Context, db string) ([]*ViewDefinition, error) {
	m.Lock()
	defer m.Unlock()
	var views []*ViewDefinition
	for ns, view := range m.views {
		if ns.DB() == db {
			views = append(views, view.Clone())
		}
	}
	slices.SortFunc(views, func(a, b *ViewDefinition) bool {
		return a.Name < b.Name
	})
	return views, nil
}

func (m *MemViewStore) Upsert(ctx context.Context, view *ViewDefinition) error {
	m.Lock()
	defer m.Unlock()
	m.views[view.Name] = view.Clone()
	return nil
}

func (m *MemViewStore) Remove(ctx context.Context, ns NamespaceString) error {
	m.Lock()
	defer m.Unlock()
	delete(m.views, ns)
	return nil
}
