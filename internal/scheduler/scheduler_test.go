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

package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livequery/livequery/internal/diff"
	"github.com/livequery/livequery/internal/testfake"
	"github.com/livequery/livequery/internal/types"
	"github.com/livequery/livequery/internal/util/ident"
)

type recordingSink struct {
	mu      sync.Mutex
	batches [][]types.ChangeRecord
	errs    []error
	done    chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{done: make(chan struct{}, 16)}
}

func (s *recordingSink) Event(types.Op, string, []any) {}

func (s *recordingSink) Changes(batch []types.ChangeRecord, _ []string) {
	s.mu.Lock()
	s.batches = append(s.batches, batch)
	s.mu.Unlock()
	s.done <- struct{}{}
}

func (s *recordingSink) Error(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
	s.done <- struct{}{}
}

func (s *recordingSink) waitN(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for evaluation %d/%d", i+1, n)
		}
	}
}

func TestRegisterRunsInitialEvaluation(t *testing.T) {
	conn := testfake.New()
	var calls atomic.Int64
	conn.Respond(testfake.Responder{
		Match: func(string) bool { return true },
		QueryFunc: func(string, []any) ([]string, [][]any, error) {
			calls.Add(1)
			return []string{"envelope"}, [][]any{{`{"id":"a","op":1,"rn":1,"data":[1,1]}`}}, nil
		},
	})

	s := New(conn, diff.NewEngine(types.DefaultIdentityContext()))
	sink := newRecordingSink()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Register(&Watcher{
		Shadow: ident.NewTable("pg_temp", "__qw__0"),
		SQL:    "SELECT a FROM t",
		Cols:   []string{"a"},
		Deps:   []string{"0"},
		Sink:   sink,
	})

	sink.waitN(t, 1)
	assert.Equal(t, int64(1), calls.Load())
}

func TestNotifyTableTriggersReEvaluation(t *testing.T) {
	conn := testfake.New()
	var calls atomic.Int64
	conn.Respond(testfake.Responder{
		Match: func(string) bool { return true },
		QueryFunc: func(string, []any) ([]string, [][]any, error) {
			calls.Add(1)
			return []string{"envelope"}, nil, nil
		},
	})

	s := New(conn, diff.NewEngine(types.DefaultIdentityContext()))
	sink := newRecordingSink()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Register(&Watcher{
		Shadow: ident.NewTable("pg_temp", "__qw__0"),
		SQL:    "SELECT a FROM t",
		Cols:   []string{"a"},
		Deps:   []string{"0"},
		Sink:   sink,
	})
	sink.waitN(t, 1)

	s.NotifyTable("0")
	sink.waitN(t, 1)

	assert.Equal(t, int64(2), calls.Load())
}

func TestCoalescingRunsDiffOncePerBurst(t *testing.T) {
	conn := testfake.New()
	var calls atomic.Int64
	conn.Respond(testfake.Responder{
		Match: func(string) bool { return true },
		QueryFunc: func(string, []any) ([]string, [][]any, error) {
			calls.Add(1)
			return []string{"envelope"}, nil, nil
		},
	})

	s := New(conn, diff.NewEngine(types.DefaultIdentityContext()))
	sink := newRecordingSink()

	w := &Watcher{
		Shadow: ident.NewTable("pg_temp", "__qw__0"),
		SQL:    "SELECT a FROM t",
		Cols:   []string{"a"},
		Deps:   []string{"0"},
		Sink:   sink,
	}

	s.mu.Lock()
	w.seq = s.nextSeq
	s.nextSeq++
	w.stale = 0 // don't let Register's initial mark obscure the burst
	s.byKey["0"] = append(s.byKey["0"], w)
	heap.Push(&s.pending, w)
	w.inHeap = true
	s.mu.Unlock()

	for i := 0; i < 100; i++ {
		s.NotifyTable("0")
	}
	require.GreaterOrEqual(t, w.Stale(), 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	sink.waitN(t, 1)
	assert.Equal(t, int64(1), calls.Load())
}

func TestCloseDiscardsInFlightResult(t *testing.T) {
	conn := testfake.New()
	release := make(chan struct{})
	conn.Respond(testfake.Responder{
		Match: func(string) bool { return true },
		QueryFunc: func(string, []any) ([]string, [][]any, error) {
			<-release
			return []string{"envelope"}, nil, nil
		},
	})

	s := New(conn, diff.NewEngine(types.DefaultIdentityContext()))
	sink := newRecordingSink()
	w := &Watcher{
		Shadow: ident.NewTable("pg_temp", "__qw__0"),
		SQL:    "SELECT a FROM t",
		Cols:   []string{"a"},
		Deps:   []string{"0"},
		Sink:   sink,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Register(w)
	// Give the scheduler a moment to pop w and block inside QueryFunc.
	time.Sleep(50 * time.Millisecond)
	s.Close(w)
	close(release)

	select {
	case <-sink.done:
		t.Fatal("sink should not have observed a result for a closed watcher")
	case <-time.After(200 * time.Millisecond):
	}
}
