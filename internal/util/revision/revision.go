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

// Package revision holds the Go-side representation of the per-row
// revision value that spec §3 defines as drawn from a single shared,
// database-owned sequence. Unlike a hybrid-logical-clock timestamp, a
// revision is a plain monotonically increasing integer: the database
// sequence is the source of truth, this type only gives callers a
// comparable, zero-valued Go representation of it.
package revision

import "fmt"

// Revision is a value handed out by the shared revision sequence, or
// the zero value for "no revision observed yet".
type Revision int64

// Zero is the revision below which every real sequence value compares
// greater. A newly registered watcher starts with Zero as its LastRev.
func Zero() Revision { return 0 }

// Compare returns -1, 0 or 1 as a is less than, equal to, or greater
// than b.
func Compare(a, b Revision) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Max returns the greater of a and b.
func Max(a, b Revision) Revision {
	if a > b {
		return a
	}
	return b
}

func (r Revision) String() string { return fmt.Sprintf("%d", int64(r)) }

// SequenceName returns the default name of the shared revision
// sequence for a given identity-context channel prefix, e.g.
// "__qw___seq".
func SequenceName(prefix string) string {
	return prefix + "_seq"
}
