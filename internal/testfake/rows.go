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

package testfake

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rows is a minimal, in-memory pgx.Rows implementation backed by a
// fixed set of columns and row values.
type rows struct {
	fields []pgconn.FieldDescription
	data   [][]any
	idx    int
	closed bool
}

func newRows(cols []string, data [][]any) *rows {
	fields := make([]pgconn.FieldDescription, len(cols))
	for i, name := range cols {
		fields[i] = pgconn.FieldDescription{Name: name}
	}
	return &rows{fields: fields, data: data, idx: -1}
}

var _ pgx.Rows = (*rows)(nil)

func (r *rows) Close() { r.closed = true }

func (r *rows) Err() error { return nil }

func (r *rows) CommandTag() pgconn.CommandTag {
	return pgconn.NewCommandTag(fmt.Sprintf("SELECT %d", len(r.data)))
}

func (r *rows) FieldDescriptions() []pgconn.FieldDescription { return r.fields }

func (r *rows) Next() bool {
	if r.closed || r.idx+1 >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *rows) Scan(dest ...any) error {
	if r.idx < 0 || r.idx >= len(r.data) {
		return fmt.Errorf("testfake: Scan called without a valid row")
	}
	row := r.data[r.idx]
	if len(dest) != len(row) {
		return fmt.Errorf("testfake: Scan expected %d destinations, got %d", len(row), len(dest))
	}
	for i, d := range dest {
		if err := assign(d, row[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *rows) Values() ([]any, error) {
	if r.idx < 0 || r.idx >= len(r.data) {
		return nil, fmt.Errorf("testfake: Values called without a valid row")
	}
	return r.data[r.idx], nil
}

func (r *rows) RawValues() [][]byte { return nil }

func (r *rows) Conn() *pgx.Conn { return nil }

// assign copies src into the pointer dest, supporting the handful of
// concrete types the engine's components scan into.
func assign(dest, src any) error {
	switch d := dest.(type) {
	case *any:
		*d = src
		return nil
	case *string:
		s, ok := src.(string)
		if !ok {
			return fmt.Errorf("testfake: cannot assign %T to *string", src)
		}
		*d = s
		return nil
	case *int64:
		switch v := src.(type) {
		case int64:
			*d = v
		case int:
			*d = int64(v)
		default:
			return fmt.Errorf("testfake: cannot assign %T to *int64", src)
		}
		return nil
	case *int16:
		switch v := src.(type) {
		case int16:
			*d = v
		case int:
			*d = int16(v)
		default:
			return fmt.Errorf("testfake: cannot assign %T to *int16", src)
		}
		return nil
	case *bool:
		b, ok := src.(bool)
		if !ok {
			return fmt.Errorf("testfake: cannot assign %T to *bool", src)
		}
		*d = b
		return nil
	case *[]byte:
		switch v := src.(type) {
		case []byte:
			*d = v
		case string:
			*d = []byte(v)
		default:
			return fmt.Errorf("testfake: cannot assign %T to *[]byte", src)
		}
		return nil
	default:
		return fmt.Errorf("testfake: unsupported scan destination %T", dest)
	}
}
