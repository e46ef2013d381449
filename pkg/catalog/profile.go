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

// ProfileFilter decides whether a finished operation is written to the
// profile collection.  Implementations are treated as opaque by the
// catalog and compared by identity.
type ProfileFilter interface {
	Matches(ns NamespaceString, durationMillis int64) bool
}

// ProfileSettings is the per database profiling configuration.
type ProfileSettings struct {
	Level  int
	Filter ProfileFilter
}

// Equal compares the level and the filter identity.  Two filters built
// from the same expression are still different settings.
func (p ProfileSettings) Equal(o ProfileSettings) bool {
	return p.Level == o.Level && p.Filter == o.Filter
}
