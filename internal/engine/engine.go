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

// Package engine assembles the rewriter, introspector, shadow
// manager, trigger installer, diff engine, scheduler and watch
// session into the single constructor surface spec 6 describes:
// new Engine(connection, uid_col?, rev_col?) plus watch(sql).
package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/thejerf/suture/v4"

	"github.com/livequery/livequery/internal/rewrite"
	"github.com/livequery/livequery/internal/scheduler"
	"github.com/livequery/livequery/internal/types"
	"github.com/livequery/livequery/internal/util/ident"
	"github.com/livequery/livequery/internal/watch"
)

// Engine is one live-query engine instance: exactly one database
// connection, shared by every watcher registered against it.
type Engine struct {
	id       uuid.UUID
	conn     types.ListenerConn
	idctx    types.IdentityContext
	rewriter *rewrite.Rewriter
	session  *watch.Session
	sched    *scheduler.Scheduler
}

// ID returns the engine instance's process-lifetime identifier, used
// to tag its log lines so multiple engines sharing one process (and
// potentially the same LISTEN channel name) are distinguishable.
func (e *Engine) ID() uuid.UUID { return e.id }

// New constructs an Engine bound to conn. idctx supplies the meta
// column, sequence and channel names; callers that don't need
// non-default names can pass types.DefaultIdentityContext().
func New(conn types.ListenerConn, idctx types.IdentityContext) (*Engine, error) {
	e, cleanup, err := InitializeEngine(conn, idctx)
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		return nil, err
	}
	return e, nil
}

// newEngine assembles an Engine from its already-constructed
// components; it is the terminal provider in Set.
func newEngine(
	conn types.ListenerConn,
	idctx types.IdentityContext,
	rewriter *rewrite.Rewriter,
	session *watch.Session,
	sched *scheduler.Scheduler,
) *Engine {
	return &Engine{
		id:       uuid.New(),
		conn:     conn,
		idctx:    idctx,
		rewriter: rewriter,
		session:  session,
		sched:    sched,
	}
}

// Start brings up the engine's background machinery — the shared
// revision sequence, the LISTEN registration, and the scheduler's
// worker loop — under a suture supervisor that restarts it on
// transient failure. The scheduler is the engine's single worker on
// its single connection (spec 5): it alone waits for notifications
// and runs diffs, in the same goroutine, so the two never touch conn
// concurrently. Start blocks until ctx is cancelled or the worker
// reports ConnectionLost, which this engine treats as fatal to the
// whole instance (spec 7).
func (e *Engine) Start(ctx context.Context) error {
	if err := e.rewriter.EnsureSequence(ctx, e.conn); err != nil {
		return err
	}

	listenStmt := "LISTEN " + ident.New(e.idctx.Channel).Quoted()
	if _, err := e.conn.Exec(ctx, listenStmt); err != nil {
		return &types.Error{Kind: types.KindConnectionLost, Cause: errors.WithStack(err)}
	}

	sup := suture.NewSimple("livequery")
	sup.Add(schedulerService{sched: e.sched})

	log.WithFields(log.Fields{"engine": e.id, "channel": e.idctx.Channel}).Info("engine started")
	return sup.Serve(ctx)
}

// Watch implements spec 6's watch(sql) -> subscription.
func (e *Engine) Watch(ctx context.Context, sql string) *watch.Subscription {
	return e.session.Watch(ctx, sql)
}

// schedulerService adapts Scheduler.Run to suture.Service.
type schedulerService struct{ sched *scheduler.Scheduler }

func (s schedulerService) Serve(ctx context.Context) error {
	err := s.sched.Run(ctx)
	if ctx.Err() != nil {
		return suture.ErrDoNotRestart
	}
	var typed *types.Error
	if errors.As(err, &typed) && typed.Kind == types.KindConnectionLost {
		// Fatal to the whole instance: stop the supervisor tree rather
		// than restarting the loop on a dead connection.
		return fmt.Errorf("%w: %w", suture.ErrTerminateSupervisorTree, err)
	}
	return err
}
