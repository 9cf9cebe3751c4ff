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
	"context"
	"math/rand"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"github.com/livequery/livequery/internal/types"
)

// ErrChaos is the error WithChaos injects.
var ErrChaos = errors.New("chaos")

// WithChaos wraps conn so that every Exec and Query call fails with
// ErrChaos with independent probability prob, letting a test exercise
// the failure paths of components that take a types.Conn (rewriter,
// introspector, shadow manager, trigger installer, diff engine)
// without a Responder that must itself decide when to fail. The
// result is not a types.ListenerConn, so it cannot be handed to the
// scheduler. Returns conn unmodified if prob <= 0.
func WithChaos(conn types.Conn, prob float32) types.Conn {
	if prob <= 0 {
		return conn
	}
	return &chaosConn{delegate: conn, prob: prob}
}

type chaosConn struct {
	delegate types.Conn
	prob     float32
}

func (c *chaosConn) hit() bool { return rand.Float32() < c.prob }

func (c *chaosConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if c.hit() {
		return pgconn.CommandTag{}, errors.WithMessage(ErrChaos, "exec")
	}
	return c.delegate.Exec(ctx, sql, args...)
}

func (c *chaosConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if c.hit() {
		return nil, errors.WithMessage(ErrChaos, "query")
	}
	return c.delegate.Query(ctx, sql, args...)
}

func (c *chaosConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if c.hit() {
		return &fakeRow{err: errors.WithMessage(ErrChaos, "query_row")}
	}
	return c.delegate.QueryRow(ctx, sql, args...)
}
