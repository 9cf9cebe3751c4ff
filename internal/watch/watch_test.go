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

package watch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livequery/livequery/internal/diff"
	"github.com/livequery/livequery/internal/rewrite"
	"github.com/livequery/livequery/internal/scheduler"
	"github.com/livequery/livequery/internal/shadow"
	"github.com/livequery/livequery/internal/testfake"
	"github.com/livequery/livequery/internal/trigger"
	"github.com/livequery/livequery/internal/types"
	"github.com/livequery/livequery/internal/util/keyspace"
)

func newTestSession(conn *testfake.Conn) (*Session, *scheduler.Scheduler) {
	idctx := types.DefaultIdentityContext()
	keys := keyspace.NewRegistry()

	sched := scheduler.New(conn, diff.NewEngine(idctx))
	sess := NewSession(
		conn,
		rewrite.NewRewriter(idctx, keys),
		rewrite.NewIntrospector(idctx),
		shadow.NewManager(idctx.Channel),
		trigger.NewInstaller(idctx),
		sched,
	)
	return sess, sched
}

func nextEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "channel closed unexpectedly")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestWatchEmitsReadyThenChanges(t *testing.T) {
	conn := testfake.New()
	conn.RespondToContains("WHERE 0 = 1", testfake.Responder{
		Cols: []string{"__id__", "__rev__", "a"},
	})
	conn.RespondToContains("WITH q AS", testfake.Responder{
		Cols: []string{"envelope"},
		Rows: [][]any{{`{"id":"h1","op":1,"rn":1,"data":[1,1]}`}},
	})
	conn.Respond(testfake.Responder{Match: func(string) bool { return true }})

	sess, sched := newTestSession(conn)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	sub := sess.Watch(ctx, `SELECT a FROM orders`)

	var sawReady, sawChanges bool
	// ready, one per-row insert event, then changes.
	for i := 0; i < 3; i++ {
		ev := nextEvent(t, sub)
		switch ev.Kind {
		case EventReady:
			sawReady = true
		case EventChanges:
			sawChanges = true
			require.Len(t, ev.Batch, 1)
			assert.Equal(t, types.OpInsert, ev.Batch[0].Op)
			assert.Equal(t, []string{"a"}, ev.Cols)
		}
	}
	assert.True(t, sawReady)
	assert.True(t, sawChanges)
}

func TestWatchSurfacesSetupError(t *testing.T) {
	conn := testfake.New()
	conn.RespondToContains("CREATE TEMPORARY TABLE", testfake.Responder{ExecErr: assert.AnError})
	conn.Respond(testfake.Responder{Match: func(string) bool { return true }})

	sess, sched := newTestSession(conn)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	sub := sess.Watch(ctx, `SELECT a FROM orders`)
	ev := nextEvent(t, sub)
	assert.Equal(t, EventError, ev.Kind)
	assert.Error(t, ev.Err)
}

func TestSubscriptionCloseStopsEvents(t *testing.T) {
	conn := testfake.New()
	conn.RespondToContains("WHERE 0 = 1", testfake.Responder{Cols: []string{"__id__", "__rev__", "a"}})
	conn.RespondToContains("WITH q AS", testfake.Responder{Cols: []string{"envelope"}})
	conn.Respond(testfake.Responder{Match: func(string) bool { return true }})

	sess, sched := newTestSession(conn)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	sub := sess.Watch(ctx, `SELECT a FROM orders`)
	nextEvent(t, sub) // ready
	nextEvent(t, sub) // changes (empty)

	sub.Close()
	_, ok := <-sub.Events()
	assert.False(t, ok)
}
