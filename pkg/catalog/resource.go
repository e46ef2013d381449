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
	"fmt"
	"hash/fnv"

	gbtree "github.com/google/btree"
)

// ResourceType partitions the lock resource space.
type ResourceType int

const (
	ResourceTypeDatabase ResourceType = iota + 1
	ResourceTypeCollection
)

func (t ResourceType) String() string {
	switch t {
	case ResourceTypeDatabase:
		return "Database"
	case ResourceTypeCollection:
		return "Collection"
	default:
		return "Unknown"
	}
}

// ResourceID is the hashed identity a lock manager would wait on.  Two
// different namespaces may hash to the same ResourceID, the registry
// keeps a set of names per id for that reason.
type ResourceID struct {
	typ  ResourceType
	hash uint64
}

func hashResourceName(name string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return h.Sum64()
}

// NewDatabaseResourceID returns the lock resource of a database.
func NewDatabaseResourceID(db string) ResourceID {
	return ResourceID{typ: ResourceTypeDatabase, hash: hashResourceName(db)}
}

// NewCollectionResourceID returns the lock resource of a collection or
// view namespace.
func NewCollectionResourceID(ns NamespaceString) ResourceID {
	return ResourceID{typ: ResourceTypeCollection, hash: hashResourceName(string(ns))}
}

func (r ResourceID) Type() ResourceType {
	return r.typ
}

func (r ResourceID) String() string {
	return fmt.Sprintf("{%s:%d}", r.typ, r.hash)
}

func (r ResourceID) less(other ResourceID) bool {
	if r.typ != other.typ {
		return r.typ < other.typ
	}
	return r.hash < other.hash
}

// resourceNameItem stores one namespace inside a resource's name set.
type resourceNameItem string

func (r resourceNameItem) Less(than gbtree.Item) bool {
	return r < than.(resourceNameItem)
}

// resourcePair maps a ResourceID to the set of names hashing to it.
// The name sets are copy-on-write, a snapshot clone shares them until
// one side mutates.
type resourcePair struct {
	rid   ResourceID
	names *gbtree.BTree
}

func compareResourcePair(a, b resourcePair) bool {
	return a.rid.less(b.rid)
}

// LookupResourceName returns the namespace a ResourceID stands for.
// When several names collide on the id the answer is ambiguous and ok
// is false.
func (s *Snapshot) LookupResourceName(rid ResourceID) (string, bool) {
	if rid.typ != ResourceTypeDatabase && rid.typ != ResourceTypeCollection {
		panic(fmt.Sprintf("invalid resource type %s", rid.typ))
	}
	pair, found := s.resources.Get(resourcePair{rid: rid})
	if !found {
		return "", false
	}
	if pair.names.Len() > 1 {
		return "", false
	}
	return string(pair.names.Min().(resourceNameItem)), true
}

// removeResource drops one name from the id's set.  Removing an unknown
// id or name is a no-op.
func (s *Snapshot) removeResource(rid ResourceID, entry string) {
	if rid.typ != ResourceTypeDatabase && rid.typ != ResourceTypeCollection {
		panic(fmt.Sprintf("invalid resource type %s", rid.typ))
	}
	pair, found := s.resources.Get(resourcePair{rid: rid})
	if !found {
		return
	}

	names := pair.names.Clone()
	names.Delete(resourceNameItem(entry))
	if names.Len() == 0 {
		s.resources.Delete(resourcePair{rid: rid})
	} else {
		s.resources.Set(resourcePair{rid: rid, names: names})
	}
}

// addResource registers one more name under the id.  Adding a name
// twice is a no-op.
func (s *Snapshot) addResource(rid ResourceID, entry string) {
	if rid.typ != ResourceTypeDatabase && rid.typ != ResourceTypeCollection {
		panic(fmt.Sprintf("invalid resource type %s", rid.typ))
	}
	pair, found := s.resources.Get(resourcePair{rid: rid})
	if !found {
		names := gbtree.New(2)
		names.ReplaceOrInsert(resourceNameItem(entry))
		s.resources.Set(resourcePair{rid: rid, names: names})
		return
	}

	if pair.names.Has(resourceNameItem(entry)) {
		return
	}

	names := pair.names.Clone()
	names.ReplaceOrInsert(resourceNameItem(entry))
	s.resources.Set(resourcePair{rid: rid, names: names})
}
