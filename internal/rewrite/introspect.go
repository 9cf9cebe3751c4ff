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

package rewrite

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/livequery/livequery/internal/types"
)

// Introspector implements spec component 4.2: it determines a
// rewritten query's user-visible output column names, in declared
// order, without fetching a single row.
type Introspector struct {
	idctx types.IdentityContext
}

// NewIntrospector constructs an Introspector using idctx to identify
// (and strip) the meta columns the rewriter added.
func NewIntrospector(idctx types.IdentityContext) *Introspector {
	return &Introspector{idctx: idctx}
}

// Columns runs sql wrapped in a contradictory filter so the database
// plans and describes the result shape but returns no rows, then
// strips the two meta columns, leaving the ordered user-visible
// column names.
func (in *Introspector) Columns(ctx context.Context, conn types.Conn, sql string) ([]string, error) {
	probe := fmt.Sprintf(`SELECT * FROM (%s) AS q WHERE 0 = 1`, sql)

	rows, err := conn.Query(ctx, probe)
	if err != nil {
		return nil, &types.Error{Kind: types.KindIntrospection, Cause: errors.WithStack(err)}
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]string, 0, len(fields))
	for _, f := range fields {
		name := string(f.Name)
		if name == in.idctx.UIDColumn || name == in.idctx.RevColumn {
			continue
		}
		cols = append(cols, name)
	}

	if err := rows.Err(); err != nil {
		return nil, &types.Error{Kind: types.KindIntrospection, Cause: errors.WithStack(err)}
	}
	return cols, nil
}
