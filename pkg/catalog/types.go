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

// Package catalog implements the in-memory collection and view catalog.
// The catalog is kept as an immutable snapshot behind an atomic pointer,
// readers never block and writers publish whole new snapshots through a
// single writer pipeline.  Transactions see their own uncommitted
// changes through an overlay carried on the transaction itself.
package catalog

import (
	"strings"
	"sync/atomic"
)

// SystemViewsCollection is the per database collection holding durable
// view definitions.
const SystemViewsCollection = "system.views"

// NamespaceString is the full name of a collection or view, for example
// "db1.foo".  The database part never contains a dot, the collection
// part may.
type NamespaceString string

// MakeNamespaceString builds a namespace from its database and
// collection parts.
func MakeNamespaceString(db, coll string) NamespaceString {
	return NamespaceString(db + "." + coll)
}

func (ns NamespaceString) String() string {
	return string(ns)
}

// DB returns the database part of the namespace.
func (ns NamespaceString) DB() string {
	if i := strings.IndexByte(string(ns), '.'); i >= 0 {
		return string(ns[:i])
	}
	return string(ns)
}

// Coll returns the collection part of the namespace.
func (ns NamespaceString) Coll() string {
	if i := strings.IndexByte(string(ns), '.'); i >= 0 {
		return string(ns[i+1:])
	}
	return ""
}

func (ns NamespaceString) IsEmpty() bool {
	return ns == ""
}

// IsSystem returns true for namespaces reserved for the database
// itself, for example "db1.system.views".
func (ns NamespaceString) IsSystem() bool {
	return strings.HasPrefix(ns.Coll(), "system.")
}

// IsOnInternalDb returns true when the namespace lives in one of the
// databases owned by the server.
func (ns NamespaceString) IsOnInternalDb() bool {
	switch ns.DB() {
	case "admin", "config", "local":
		return true
	default:
		return false
	}
}

// SystemViewsNamespace returns the system.views namespace of the
// namespace's database.
func (ns NamespaceString) SystemViewsNamespace() NamespaceString {
	return MakeNamespaceString(ns.DB(), SystemViewsCollection)
}

// UUID identifies one incarnation of a collection.  Dropping and
// recreating a namespace yields a fresh UUID.  UUIDs are unique within
// a process lifetime.
type UUID uint64

var nextUUID atomic.Uint64

// NewUUID returns a process-unique collection identifier.
func NewUUID() UUID {
	return UUID(nextUUID.Add(1))
}
