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
	"sync/atomic"

	"github.com/kestreldb/kestrel/pkg/txn"
)

// CollectionOptions are the creation time options of a collection.
type CollectionOptions struct {
	// Capped collections keep a bounded amount of documents.
	Capped bool
	// Clustered collections are organized by their key instead of a
	// hidden record id.
	Clustered bool
}

// Collection is one incarnation of a named collection.  Instances
// reachable from a published snapshot are immutable, metadata writers
// clone the instance and publish the clone.  The two visibility fields
// are atomics because the commit publisher flips them on an instance
// that is already reachable by readers.
type Collection struct {
	uuid    UUID
	ns      NamespaceString
	options CollectionOptions

	committed  atomic.Bool
	minVisible atomic.Uint64
}

// NewCollection builds an uncommitted collection.  It stays invisible
// to other transactions until the commit publisher marks it committed.
func NewCollection(ns NamespaceString, uuid UUID, options CollectionOptions) *Collection {
	return &Collection{
		uuid:    uuid,
		ns:      ns,
		options: options,
	}
}

func (c *Collection) UUID() UUID {
	return c.uuid
}

func (c *Collection) NS() NamespaceString {
	return c.ns
}

func (c *Collection) Options() CollectionOptions {
	return c.options
}

// Committed reports whether the collection's creating transaction has
// committed.  Uncommitted collections are filtered from lookups of
// other transactions.
func (c *Collection) Committed() bool {
	return c.committed.Load()
}

func (c *Collection) SetCommitted(committed bool) {
	c.committed.Store(committed)
}

// MinimumVisibleTimestamp is the earliest timestamp at which this
// incarnation may be observed.
func (c *Collection) MinimumVisibleTimestamp() txn.Timestamp {
	return txn.Timestamp(c.minVisible.Load())
}

func (c *Collection) SetMinimumVisibleTimestamp(ts txn.Timestamp) {
	c.minVisible.Store(uint64(ts))
}

// SetNS moves the collection to a new namespace.  Only legal on clones
// that are not yet visible to other transactions.
func (c *Collection) SetNS(ns NamespaceString) {
	c.ns = ns
}

// Clone returns a writable copy carrying the same identity and
// visibility state.
func (c *Collection) Clone() *Collection {
	clone := &Collection{
		uuid:    c.uuid,
		ns:      c.ns,
		options: c.options,
	}
	clone.committed.Store(c.committed.Load())
	clone.minVisible.Store(c.minVisible.Load())
	return clone
}
