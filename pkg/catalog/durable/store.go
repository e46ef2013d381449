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

package durable

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/pebble"

	"github.com/kestreldb/kestrel/pkg/catalog"
	"github.com/kestreldb/kestrel/pkg/common/kerr"
)

// Store persists view definitions in a pebble database, one key per
// view under views/<db>/<name>.
type Store struct {
	db *pebble.DB
}

var _ catalog.ViewStore = new(Store)

func Open(name string) (*Store, error) {
	db, err := pebble.Open(name, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func viewKey(ns catalog.NamespaceString) []byte {
	return []byte("views/" + ns.DB() + "/" + ns.Coll())
}

func viewPrefix(db string) []byte {
	return []byte("views/" + db + "/")
}

func (s *Store) Load(ctx context.Context, db string) ([]*catalog.ViewDefinition, error) {
	prefix := viewPrefix(db)
	iter := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	defer iter.Close()

	var views []*catalog.ViewDefinition
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		view := new(catalog.ViewDefinition)
		if err := json.Unmarshal(iter.Value(), view); err != nil {
			return nil, kerr.NewInternalError(ctx, "corrupt view definition at %s: %v", string(iter.Key()), err)
		}
		views = append(views, view)
	}
	if err := iter.Error(); err != nil {
		return nil, kerr.ConvertGoError(ctx, err)
	}
	return views, nil
}

func (s *Store) Upsert(ctx context.Context, view *catalog.ViewDefinition) error {
	value, err := json.Marshal(view)
	if err != nil {
		return kerr.ConvertGoError(ctx, err)
	}
	if err := s.db.Set(viewKey(view.Name), value, nil); err != nil {
		return kerr.ConvertGoError(ctx, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, ns catalog.NamespaceString) error {
	if err := s.db.Delete(viewKey(ns), nil); err != nil {
		return kerr.ConvertGoError(ctx, err)
	}
	return nil
}

// upperBound is the smallest key greater than every key carrying k as
// prefix.
func upperBound(k []byte) []byte {
	u := make([]byte, len(k))
	copy(u, k)
	for i := len(u) - 1; i >= 0; i-- {
		u[i] = u[i] + 1
		if u[i] != 0 {
			return u[:i+1]
		}
	}
	return nil
}
