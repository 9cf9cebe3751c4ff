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

// Package testfake provides a deterministic, in-memory substitute for
// types.ListenerConn, so that the rewriter, shadow manager, trigger
// installer, diff engine and scheduler can be exercised in tests
// without a real database. A test registers one Responder per SQL
// shape it expects to see; unmatched statements return an error
// rather than silently returning nothing.
package testfake

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Call records one Exec or Query invocation for assertions.
type Call struct {
	SQL  string
	Args []any
}

// Responder answers one Exec or Query call. Match is tried against
// every registered Responder in registration order; the first match
// wins. A Responder that sets neither ExecTag nor Rows responds
// with a zero-row, zero-affected success — useful for DDL statements
// a test does not otherwise care about.
type Responder struct {
	// Match reports whether this Responder answers sql. A nil Match
	// matches every statement (register it last as a catch-all).
	Match func(sql string) bool

	// ExecTag is returned from Exec when Match succeeds.
	ExecTag pgconn.CommandTag
	// ExecErr is returned from Exec when Match succeeds.
	ExecErr error

	// Rows is returned from Query when Match succeeds: each inner
	// slice is one row, columns in Cols order.
	Cols []string
	Rows [][]any
	// QueryErr is returned from Query when Match succeeds.
	QueryErr error

	// QueryFunc, if set, computes the response dynamically instead of
	// returning the static Cols/Rows/QueryErr above — useful when a
	// test wants successive calls to the same statement shape to
	// return different results (e.g. a scheduler test simulating
	// notifications arriving between evaluations).
	QueryFunc func(sql string, args []any) (cols []string, rows [][]any, err error)
}

// Conn is a fake types.ListenerConn. The zero value is not usable;
// construct with New.
type Conn struct {
	mu         sync.Mutex
	responders []Responder
	execLog    []Call
	queryLog   []Call
	notifyCh   chan *pgconn.Notification
}

// New constructs an empty Conn with room for buffered notifications.
func New() *Conn {
	return &Conn{notifyCh: make(chan *pgconn.Notification, 64)}
}

// Respond registers r. Responders are consulted in registration
// order by both Exec and Query.
func (c *Conn) Respond(r Responder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responders = append(c.responders, r)
}

// RespondToContains is shorthand for a Responder matching any
// statement containing substr.
func (c *Conn) RespondToContains(substr string, r Responder) {
	r.Match = func(sql string) bool { return strings.Contains(sql, substr) }
	c.Respond(r)
}

// ExecLog returns every statement passed to Exec, in order.
func (c *Conn) ExecLog() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.execLog...)
}

// QueryLog returns every statement passed to Query or QueryRow, in
// order.
func (c *Conn) QueryLog() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.queryLog...)
}

// Notify enqueues a notification for a future WaitForNotification
// call, as if the channel delivered it from the server.
func (c *Conn) Notify(channel, payload string) {
	c.notifyCh <- &pgconn.Notification{Channel: channel, Payload: payload}
}

// PendingNotifications reports how many enqueued notifications a
// WaitForNotification caller has not yet drained. Tests use this to
// wait out a burst before asserting on its effects, rather than racing
// a background listener goroutine.
func (c *Conn) PendingNotifications() int {
	return len(c.notifyCh)
}

func (c *Conn) find(sql string) (Responder, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.responders {
		if r.Match == nil || r.Match(sql) {
			return r, true
		}
	}
	return Responder{}, false
}

// Exec implements types.Conn.
func (c *Conn) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	c.mu.Lock()
	c.execLog = append(c.execLog, Call{SQL: sql, Args: args})
	c.mu.Unlock()

	r, ok := c.find(sql)
	if !ok {
		return pgconn.CommandTag{}, fmt.Errorf("testfake: no responder registered for exec: %s", sql)
	}
	return r.ExecTag, r.ExecErr
}

// Query implements types.Conn.
func (c *Conn) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	c.mu.Lock()
	c.queryLog = append(c.queryLog, Call{SQL: sql, Args: args})
	c.mu.Unlock()

	r, ok := c.find(sql)
	if !ok {
		return nil, fmt.Errorf("testfake: no responder registered for query: %s", sql)
	}
	if r.QueryFunc != nil {
		cols, rows, err := r.QueryFunc(sql, args)
		if err != nil {
			return nil, err
		}
		return newRows(cols, rows), nil
	}
	if r.QueryErr != nil {
		return nil, r.QueryErr
	}
	return newRows(r.Cols, r.Rows), nil
}

// QueryRow implements types.Conn.
func (c *Conn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	rows, err := c.Query(ctx, sql, args...)
	return &fakeRow{rows: rows, err: err}
}

// WaitForNotification implements types.ListenerConn: it blocks until
// Notify is called or ctx is cancelled. A notification already queued
// is always returned, even if ctx is already done, mirroring a real
// driver that buffers asynchronous server messages internally and
// only needs to block on the wire when that buffer is empty — which
// is what lets a caller pass an already-cancelled context to drain
// whatever is currently pending without blocking.
func (c *Conn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case n := <-c.notifyCh:
		return n, nil
	default:
	}
	select {
	case n := <-c.notifyCh:
		return n, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type fakeRow struct {
	rows pgx.Rows
	err  error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	defer r.rows.Close()
	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			return err
		}
		return pgx.ErrNoRows
	}
	return r.rows.Scan(dest...)
}
