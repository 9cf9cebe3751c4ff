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

// Package ident provides validated SQL identifiers. Every string that
// reaches a SQL template in this module must first pass through this
// package: values are never interpolated, only identifiers that have
// been quoted here. This is the dedicated identifier-quoter component
// called for by the source's re-architecture guidance.
package ident

import (
	"strings"

	"github.com/jackc/pgx/v5"
)

// Ident is a single, unquoted SQL identifier component.
type Ident string

// New normalizes a raw identifier. Leading/trailing whitespace is
// trimmed; the raw casing is preserved so that quoted mixed-case names
// round-trip correctly.
func New(raw string) Ident {
	return Ident(strings.TrimSpace(raw))
}

// Raw returns the unquoted name.
func (i Ident) Raw() string { return string(i) }

// Quoted returns the identifier, double-quote quoted for safe
// interpolation into a SQL template.
func (i Ident) Quoted() string {
	return pgx.Identifier{string(i)}.Sanitize()
}

// Table is a schema-qualified base table identifier.
type Table struct {
	Schema Ident
	Name   Ident
}

// NewTable builds a Table from raw schema and name components.
func NewTable(schema, name string) Table {
	return Table{Schema: New(schema), Name: New(name)}
}

// Raw returns "schema.name", unquoted; this is the canonical form used
// as a map key and for display/logging.
func (t Table) Raw() string {
	return string(t.Schema) + "." + string(t.Name)
}

// Quoted returns the table identifier, safely quoted for interpolation.
func (t Table) Quoted() string {
	return pgx.Identifier{string(t.Schema), string(t.Name)}.Sanitize()
}

func (t Table) String() string { return t.Raw() }

// TableMap is an insertion-ordered map keyed by Table. Iteration order
// (Range) follows insertion order.
type TableMap[V any] struct {
	order []Table
	data  map[Table]V
}

// NewTableMap constructs an empty TableMap.
func NewTableMap[V any]() *TableMap[V] {
	return &TableMap[V]{data: make(map[Table]V)}
}

// Put inserts or overwrites the value for t.
func (m *TableMap[V]) Put(t Table, v V) {
	if _, ok := m.data[t]; !ok {
		m.order = append(m.order, t)
	}
	m.data[t] = v
}

// Get returns the value for t, if present.
func (m *TableMap[V]) Get(t Table) (V, bool) {
	v, ok := m.data[t]
	return v, ok
}

// Len returns the number of entries.
func (m *TableMap[V]) Len() int { return len(m.data) }

// Range calls fn for every entry in insertion order. If fn returns a
// non-nil error, Range stops and returns it.
func (m *TableMap[V]) Range(fn func(t Table, v V) error) error {
	for _, t := range m.order {
		if err := fn(t, m.data[t]); err != nil {
			return err
		}
	}
	return nil
}
