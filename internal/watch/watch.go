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

// Package watch implements the watch session (spec component 4.7):
// the per-subscription state holder that drives setup (shadow
// allocation, rewrite, introspection, trigger installation) and
// exposes the resulting event stream to the caller.
package watch

import (
	"context"
	"sync"

	"github.com/livequery/livequery/internal/rewrite"
	"github.com/livequery/livequery/internal/scheduler"
	"github.com/livequery/livequery/internal/shadow"
	"github.com/livequery/livequery/internal/trigger"
	"github.com/livequery/livequery/internal/types"
)

// Event is one item delivered on a Subscription's channel. Only the
// fields grouped under an event's Kind below are meaningful; Ready
// carries none.
type Event struct {
	Kind EventKind

	// Insert/Update/Delete
	ID   string
	Data []any

	// Changes
	Batch []types.ChangeRecord
	Cols  []string

	// Error
	Err error
}

// EventKind enumerates the event names from spec 6.
type EventKind int

const (
	EventReady EventKind = iota
	EventInsert
	EventUpdate
	EventDelete
	EventChanges
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventInsert:
		return "insert"
	case EventUpdate:
		return "update"
	case EventDelete:
		return "delete"
	case EventChanges:
		return "changes"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Subscription is the handle watch() returns. Events is buffered
// (capacity 16) but the caller must still keep draining it promptly,
// since the scheduler delivers synchronously and a slow subscriber
// stalls every other watcher once the buffer fills (spec 5).
type Subscription struct {
	events chan Event

	mu        sync.Mutex
	scheduler *scheduler.Scheduler
	w         *scheduler.Watcher
	closed    bool
}

// Events returns the subscription's event channel. It is closed when
// the subscription is closed and no further evaluation is in flight.
func (s *Subscription) Events() <-chan Event { return s.events }

// Close removes the subscription from the scheduler. Best-effort: an
// evaluation already in flight for it completes normally but its
// results are discarded (spec 5).
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.w != nil {
		s.scheduler.Close(s.w)
	}
	close(s.events)
}

func (s *Subscription) emit(ev Event) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	s.events <- ev
}

// Event implements scheduler.Sink.
func (s *Subscription) Event(op types.Op, id string, data []any) {
	kind := EventInsert
	switch op {
	case types.OpUpdate:
		kind = EventUpdate
	case types.OpDelete:
		kind = EventDelete
	}
	s.emit(Event{Kind: kind, ID: id, Data: data})
}

// Changes implements scheduler.Sink.
func (s *Subscription) Changes(batch []types.ChangeRecord, cols []string) {
	s.emit(Event{Kind: EventChanges, Batch: batch, Cols: cols})
}

// Error implements scheduler.Sink.
func (s *Subscription) Error(err error) {
	s.emit(Event{Kind: EventError, Err: err})
}

// Session coordinates the setup phases of spec 4.7 for every watch()
// call against one database client.
type Session struct {
	conn       types.Conn
	rewriter   *rewrite.Rewriter
	introspect *rewrite.Introspector
	shadows    *shadow.Manager
	triggers   *trigger.Installer
	scheduler  *scheduler.Scheduler
}

// NewSession wires the phases watch() drives into a single entry
// point; all components must share the conn, idctx and keyspace
// registry used to build the engine.
func NewSession(
	conn types.Conn,
	rewriter *rewrite.Rewriter,
	introspect *rewrite.Introspector,
	shadows *shadow.Manager,
	triggers *trigger.Installer,
	sched *scheduler.Scheduler,
) *Session {
	return &Session{
		conn:       conn,
		rewriter:   rewriter,
		introspect: introspect,
		shadows:    shadows,
		triggers:   triggers,
		scheduler:  sched,
	}
}

// Watch implements spec 4.7: it returns a subscription synchronously
// and performs setup in the background; a ready event follows once
// setup completes, after which the watcher is registered with the
// scheduler and begins receiving evaluations.
func (s *Session) Watch(ctx context.Context, sql string) *Subscription {
	sub := &Subscription{events: make(chan Event, 16), scheduler: s.scheduler}

	go s.setup(ctx, sql, sub)

	return sub
}

func (s *Session) setup(ctx context.Context, sql string, sub *Subscription) {
	shadowTable, err := s.shadows.Allocate(ctx, s.conn)
	if err != nil {
		sub.Error(err)
		return
	}

	result, err := s.rewriter.Rewrite(ctx, s.conn, sql)
	if err != nil {
		sub.Error(err)
		return
	}

	cols, err := s.introspect.Columns(ctx, s.conn, result.SQL)
	if err != nil {
		sub.Error(err)
		return
	}

	if err := s.triggers.Ensure(ctx, s.conn, result.Deps); err != nil {
		sub.Error(err)
		return
	}

	keys := make([]string, len(result.Deps))
	for i, d := range result.Deps {
		keys[i] = d.Key
	}

	w := &scheduler.Watcher{
		Shadow: shadowTable,
		SQL:    result.SQL,
		Cols:   cols,
		Deps:   keys,
		Sink:   sub,
	}

	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.w = w
	sub.mu.Unlock()

	// Emit ready before registering w with the scheduler: once
	// registered, w can be evaluated concurrently with this goroutine,
	// and its Changes/Event sends must never reach the channel ahead
	// of ready.
	sub.emit(Event{Kind: EventReady})
	s.scheduler.Register(w)
}
