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

// Package msort contains utility functions for de-duplicating batches
// of discovered table references.
package msort

import "github.com/livequery/livequery/internal/util/sqlscan"

// UniqueByTable removes duplicate base-table references from a slice
// of sources discovered by sqlscan.FindSources. A self-join such as
// "SELECT * FROM orders o1 JOIN orders o2 ON ..." yields two TableRef
// values that name the same physical table under different aliases;
// only one of them should ever be assigned a table-key and have a
// trigger installed against it. If two references name the same
// table, the one appearing later in the input (the later alias in the
// original FROM/JOIN clause) is kept.
//
// The modified slice is returned.
//
// This function will panic if any TableRef has an empty Table field,
// which would indicate an upstream scanning bug rather than a valid
// query.
func UniqueByTable(x []sqlscan.TableRef) []sqlscan.TableRef {
	// For any given qualified table name, track the index in the slice
	// that holds the reference we are keeping.
	seenIdx := make(map[string]int, len(x))

	// Iterate backwards, moving elements to the rear the first time
	// their table name is seen; duplicates found afterward (earlier in
	// the original order) are simply dropped.
	dest := len(x)
	for src := len(x) - 1; src >= 0; src-- {
		if x[src].Table == "" {
			panic("empty table reference")
		}
		key := x[src].Schema + "." + x[src].Table

		if _, found := seenIdx[key]; found {
			// A later occurrence (by original order) already claimed
			// this table; drop this earlier duplicate.
			continue
		}

		dest--
		seenIdx[key] = dest
		x[dest] = x[src]
	}

	return x[dest:]
}
