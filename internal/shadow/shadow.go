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

// Package shadow implements the shadow table manager (spec component
// 4.3): it allocates the session-local two-column table each watcher
// uses to remember the identity/revision of every row it last
// reported.
package shadow

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/livequery/livequery/internal/types"
	"github.com/livequery/livequery/internal/util/ident"
)

// Manager allocates shadow tables named __qw__<n>, n a
// Manager-scoped monotonic counter, matching the spec's naming
// template exactly so the diff engine's prepared-statement name
// (derived from the shadow name) stays predictable.
type Manager struct {
	prefix  string
	counter atomic.Int64
}

// NewManager constructs a Manager. prefix is normally the engine's
// identity-context channel name (e.g. "__qw__"), keeping shadow table
// names visually grouped with the trigger/channel names that share
// the same engine instance.
func NewManager(prefix string) *Manager {
	return &Manager{prefix: prefix}
}

// Allocate creates a new, empty shadow table and returns its
// identifier. Safe for concurrent use; each call yields a distinct
// table name.
func (m *Manager) Allocate(ctx context.Context, conn types.Conn) (ident.Table, error) {
	n := m.counter.Add(1) - 1
	name := fmt.Sprintf("%s%d", m.prefix, n)
	table := ident.NewTable("pg_temp", name)

	stmt := fmt.Sprintf(
		`CREATE TEMPORARY TABLE %s (id TEXT PRIMARY KEY, rev BIGINT NOT NULL)`,
		ident.New(name).Quoted(),
	)
	if _, err := conn.Exec(ctx, stmt); err != nil {
		return ident.Table{}, errors.WithStack(err)
	}
	return table, nil
}
