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

// Package scheduler implements the notify router and fairness
// scheduler (spec component 4.6): it tracks per-watcher staleness,
// and serially runs the diff engine against whichever registered
// watcher is currently stalest.
package scheduler

import (
	"container/heap"
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/livequery/livequery/internal/diff"
	"github.com/livequery/livequery/internal/types"
	"github.com/livequery/livequery/internal/util/ident"
	"github.com/livequery/livequery/internal/util/notify"
	"github.com/livequery/livequery/internal/util/revision"
)

// Sink receives a watcher's lifecycle and per-evaluation events. It
// is implemented by the watch package's Subscription without that
// package needing to be imported here, keeping this package free of
// any dependency on the subscriber-facing API.
type Sink interface {
	// Event fires once per changed row, before Changes for the same
	// evaluation, per spec 9's resolved firing order.
	Event(op types.Op, id string, data []any)
	// Changes fires once per evaluation, after every Event.
	Changes(batch []types.ChangeRecord, cols []string)
	// Error fires on a failed evaluation. The watcher remains
	// registered and is re-marked stale, so it is retried on the next
	// scheduling pass without waiting for a fresh notification.
	Error(err error)
}

// Watcher is the scheduler's view of one subscription: its rewritten
// SQL, shadow table, dependency set, and mutable staleness/revision
// state. The unexported scheduling fields are only ever touched while
// the owning Scheduler's mutex is held; LastRev is read and written
// only by the goroutine running Run. Sink's methods are called
// synchronously from that goroutine and must not block.
type Watcher struct {
	Shadow  ident.Table
	SQL     string
	Cols    []string
	Deps    []string // dependency table-keys, per rewrite.Dependency.Key
	LastRev revision.Revision
	Sink    Sink

	stale   int
	seq     int64
	index   int
	inHeap  bool
	closed  bool
}

// Stale reports the watcher's current notification-arrival count. It
// is exported read-only for tests and diagnostics; callers never
// mutate it directly.
func (w *Watcher) Stale() int { return w.stale }

// Scheduler owns the single long-lived connection's worker loop: at
// most one diff runs at a time, and the same goroutine that runs a
// diff is the only one that ever waits for the next notification, by
// construction of Run's single loop. This satisfies spec 8's "at most
// one diff statement in flight across the engine at any instant" and
// spec 5's "single-threaded from the database connection's
// perspective": nothing else may call a method on conn concurrently
// with Run.
type Scheduler struct {
	conn types.ListenerConn
	diff *diff.Engine

	mu      sync.Mutex
	byKey   map[string][]*Watcher
	pending watcherHeap
	nextSeq int64
	wake    *notify.Var[struct{}]
}

// New constructs a Scheduler bound to conn (the engine's single
// connection, also used to await notifications) and diffEngine.
func New(conn types.ListenerConn, diffEngine *diff.Engine) *Scheduler {
	return &Scheduler{
		conn:  conn,
		diff:  diffEngine,
		byKey: make(map[string][]*Watcher),
		wake:  notify.NewVar(struct{}{}),
	}
}

// Register adds w to the scheduler, marked stale so its initial
// evaluation runs on the next scheduling pass (spec 4.7 step 4).
func (s *Scheduler) Register(w *Watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w.seq = s.nextSeq
	s.nextSeq++
	w.stale = 1
	for _, k := range w.Deps {
		s.byKey[k] = append(s.byKey[k], w)
	}
	heap.Push(&s.pending, w)
	w.inHeap = true
	s.signal()
}

// Close removes w from future scheduling. An evaluation already in
// flight for w still completes, but its results are discarded (spec
// 5: "An in-flight diff for a cancelled watcher completes normally
// and its events are discarded").
func (s *Scheduler) Close(w *Watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w.closed = true
	if w.inHeap {
		heap.Remove(&s.pending, w.index)
		w.inHeap = false
	}
}

// NotifyTable increments the staleness of every registered watcher
// depending on key and wakes the scheduler loop, per spec 4.6 step 1.
func (s *Scheduler) NotifyTable(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.byKey[key] {
		if w.closed {
			continue
		}
		w.stale++
		if w.inHeap {
			heap.Fix(&s.pending, w.index)
		}
	}
	s.signal()
}

func (s *Scheduler) signal() {
	s.wake.Set(struct{}{})
}

// Run drives the scheduler loop until ctx is cancelled. It is the
// engine's single worker on its single connection (spec 5): each
// iteration either runs one watcher's diff to completion, or — when
// no watcher has outstanding staleness — suspends awaiting the next
// LISTEN/NOTIFY payload, the loop's other suspension point (spec 5's
// "(b) awaiting the next notification"). No other goroutine may call
// a method on conn while Run is active; awaiting the notification and
// running a diff are both done by this same loop, never in parallel.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		// Capture the wake channel before checking for stale work, not
		// after: a Set that lands between popStalest and Get would
		// close a channel nobody is listening on yet, and the select
		// below would then wait on a fresh channel that only fires on
		// the *next* notification, stranding the watcher that just
		// became stale until some unrelated table is touched.
		_, ch := s.wake.Get()

		w := s.popStalest()
		if w == nil {
			if err := s.awaitWork(ctx, ch); err != nil {
				return err
			}
			continue
		}

		s.evaluate(ctx, w)
	}
}

// awaitWork blocks until there is new work to check for: either a
// LISTEN/NOTIFY payload arrives on conn (which it then routes via
// NotifyTable), or wakeCh fires because Register or NotifyTable ran
// from outside this loop (a brand new watcher, or a notification
// recorded during a prior iteration). It never returns nil-error
// without one of those two having happened, and it never lets conn's
// WaitForNotification race any other use of conn: the only way this
// method stops waiting early is by cancelling its own derived
// context, not by a second goroutine touching conn.
func (s *Scheduler) awaitWork(ctx context.Context, wakeCh <-chan struct{}) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-wakeCh:
			cancel()
		case <-done:
		}
	}()

	n, err := s.conn.WaitForNotification(waitCtx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if waitCtx.Err() != nil {
			// Cancelled by wakeCh, not a real connection failure:
			// there's fresh work to check for.
			return nil
		}
		return &types.Error{Kind: types.KindConnectionLost, Cause: errors.WithStack(err)}
	}

	s.NotifyTable(n.Payload)
	s.drainBuffered(ctx)
	return nil
}

// drainBuffered opportunistically applies any further notifications
// already sitting on conn, without blocking. A burst that arrived
// while this worker was busy running a diff is never drained
// concurrently with that diff — nothing may touch conn but this one
// goroutine — but once the worker is free, every notification the
// burst left behind is already buffered and can be folded into the
// affected watchers' staleness in one quick pass, before popStalest
// runs again. That is what turns a 50-notification burst into one
// catch-up evaluation instead of 50.
func (s *Scheduler) drainBuffered(ctx context.Context) {
	already, cancel := context.WithCancel(ctx)
	cancel()
	for {
		n, err := s.conn.WaitForNotification(already)
		if err != nil {
			return
		}
		s.NotifyTable(n.Payload)
	}
}

// popStalest removes and returns the watcher with greatest staleness
// (ties broken by registration order, via the heap's Less), clearing
// its staleness before the diff runs, per spec 4.6. Returns nil if no
// registered watcher currently has any staleness.
func (s *Scheduler) popStalest() *Watcher {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending.Len() == 0 || s.pending[0].stale == 0 {
		return nil
	}
	w := heap.Pop(&s.pending).(*Watcher)
	w.inHeap = false
	w.stale = 0
	return w
}

// evaluate runs the diff engine for w and dispatches its outcome,
// then re-enters w into the scheduling queue unless it was closed
// meanwhile.
func (s *Scheduler) evaluate(ctx context.Context, w *Watcher) {
	recs, newLastRev, err := s.diff.Run(ctx, s.conn, w.Shadow, w.SQL, w.Cols, w.LastRev)

	s.mu.Lock()
	closed := w.closed
	s.mu.Unlock()
	if closed {
		return
	}

	if err != nil {
		w.Sink.Error(err)
		s.mu.Lock()
		if !w.closed {
			// Re-mark stale so a failed evaluation is retried even
			// absent a fresh notification (spec 9's open question,
			// resolved in favor of guaranteed eventual catch-up).
			w.stale = 1
			heap.Push(&s.pending, w)
			w.inHeap = true
		}
		s.mu.Unlock()
		return
	}

	w.LastRev = newLastRev
	for _, r := range recs {
		w.Sink.Event(r.Op, r.ID, r.Data)
	}
	w.Sink.Changes(recs, w.Cols)

	s.mu.Lock()
	if !w.closed {
		heap.Push(&s.pending, w)
		w.inHeap = true
	}
	s.mu.Unlock()
}

// watcherHeap implements container/heap.Interface as a max-heap on
// stale, ties broken by earliest registration (seq), per spec 4.6's
// "ties broken by first-come order in the queue."
type watcherHeap []*Watcher

func (h watcherHeap) Len() int { return len(h) }

func (h watcherHeap) Less(i, j int) bool {
	if h[i].stale != h[j].stale {
		return h[i].stale > h[j].stale
	}
	return h[i].seq < h[j].seq
}

func (h watcherHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *watcherHeap) Push(x any) {
	w := x.(*Watcher)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *watcherHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return w
}
