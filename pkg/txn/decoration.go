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

package txn

import "sync/atomic"

var nextDecorationID atomic.Uint64

// DecorationKey addresses one typed storage slot on every transaction.
// Keys are registered once, at package init time of the interested
// subsystem.
type DecorationKey[T any] struct {
	id uint64
}

// RegisterDecoration allocates a new decoration slot.
func RegisterDecoration[T any]() DecorationKey[T] {
	return DecorationKey[T]{id: nextDecorationID.Add(1)}
}

// GetDecoration returns the transaction's slot for key, creating a
// zero value on first access.
func GetDecoration[T any](tx *Txn, key DecorationKey[T]) *T {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if v, ok := tx.mu.decorations[key.id]; ok {
		return v.(*T)
	}
	v := new(T)
	tx.mu.decorations[key.id] = v
	return v
}
