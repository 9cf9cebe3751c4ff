// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package keyspace assigns short, stable, process-global keys to base
// tables. The identity rewriter embeds a table's key in the payload it
// asks triggers to emit; the trigger installer embeds the same key in
// the trigger and function names it creates. Both must agree on
// exactly one key per physical table regardless of how many watchers
// reference that table, or under how many aliases a single watcher's
// query references it (see msort.UniqueByTable) — otherwise the same
// table could end up wearing two different triggers, which would
// violate the engine's "at most one trigger per base table" property.
package keyspace

import (
	"strconv"
	"sync"

	"github.com/livequery/livequery/internal/util/ident"
)

// Registry hands out a stable base-36 key for every distinct base
// table it is asked about, the first time it is asked. The same
// Registry instance must be shared by every rewriter and the trigger
// installer for a given database target.
type Registry struct {
	mu   sync.Mutex
	keys map[ident.Table]string
	next int64
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{keys: make(map[ident.Table]string)}
}

// KeyFor returns the key for t, assigning a new one if t has not been
// seen before. Keys are short (base-36) so they fit comfortably inside
// the 63-byte identifier limit alongside a function/trigger name
// prefix and the table's own name.
func (r *Registry) KeyFor(t ident.Table) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if k, ok := r.keys[t]; ok {
		return k
	}
	k := strconv.FormatInt(r.next, 36)
	r.next++
	r.keys[t] = k
	return k
}

// Lookup returns the key previously assigned to t, if any, without
// assigning a new one.
func (r *Registry) Lookup(t ident.Table) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[t]
	return k, ok
}

// Len reports how many distinct tables have been assigned keys.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}
