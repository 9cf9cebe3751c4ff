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

package keyspace

import (
	"sync"
	"testing"

	"github.com/livequery/livequery/internal/util/ident"
	"github.com/stretchr/testify/assert"
)

func TestKeyForStable(t *testing.T) {
	r := NewRegistry()
	orders := ident.NewTable("public", "orders")

	k1 := r.KeyFor(orders)
	k2 := r.KeyFor(orders)
	assert.Equal(t, k1, k2)
}

func TestKeyForDistinctTables(t *testing.T) {
	r := NewRegistry()
	orders := ident.NewTable("public", "orders")
	customers := ident.NewTable("public", "customers")

	assert.NotEqual(t, r.KeyFor(orders), r.KeyFor(customers))
	assert.Equal(t, 2, r.Len())
}

func TestLookupUnassigned(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Lookup(ident.NewTable("public", "orders"))
	assert.False(t, ok)
}

func TestKeyForConcurrentSameTable(t *testing.T) {
	r := NewRegistry()
	orders := ident.NewTable("public", "orders")

	var wg sync.WaitGroup
	keys := make([]string, 50)
	for i := range keys {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			keys[i] = r.KeyFor(orders)
		}()
	}
	wg.Wait()

	for _, k := range keys {
		assert.Equal(t, keys[0], k)
	}
	assert.Equal(t, 1, r.Len())
}
