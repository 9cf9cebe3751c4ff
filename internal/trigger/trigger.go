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

// Package trigger implements the trigger installer (spec component
// 4.4): it wires each base table a watcher depends on to the shared
// notification channel, exactly once per table regardless of how many
// watchers or concurrent installation requests reference it.
package trigger

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/livequery/livequery/internal/rewrite"
	"github.com/livequery/livequery/internal/types"
	"github.com/livequery/livequery/internal/util/ident"
	"github.com/livequery/livequery/internal/util/metrics"
)

var (
	triggerInstalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trigger_installs_total",
		Help: "the number of times a notifying trigger was installed for a base table",
	}, metrics.TableLabels)
	triggerInstallErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trigger_install_errors_total",
		Help: "the number of times installing a notifying trigger failed",
	}, metrics.TableLabels)
)

// latch is a one-shot completion future: the goroutine that creates
// it runs the installation and calls done(err); every other caller
// that finds the same latch already present just waits on ch.
type latch struct {
	ch  chan struct{}
	err error
}

func newLatch() *latch { return &latch{ch: make(chan struct{})} }

func (l *latch) done(err error) {
	l.err = err
	close(l.ch)
}

func (l *latch) wait(ctx context.Context) error {
	select {
	case <-l.ch:
		return l.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Installer is the process-wide trigger cache described by spec 4.4
// and 5: one Installer must be shared by every watcher against a
// given database client.
type Installer struct {
	idctx types.IdentityContext

	mu      sync.Mutex
	pending map[string]*latch // table-key -> in-flight/completed installation
}

// NewInstaller constructs an Installer. idctx supplies the
// notification channel name every trigger function will pg_notify on.
func NewInstaller(idctx types.IdentityContext) *Installer {
	return &Installer{idctx: idctx, pending: make(map[string]*latch)}
}

// Ensure installs a trigger for every dependency not yet installed,
// sharing a single in-flight attempt across concurrent callers that
// reference the same table. Installation for independent tables
// proceeds concurrently; failure for one table does not affect
// installation of the others, matching spec 7's "fatal to all
// watchers currently awaiting that trigger; other watchers
// unaffected."
func (in *Installer) Ensure(ctx context.Context, conn types.Conn, deps []rewrite.Dependency) error {
	type pendingInstall struct {
		key   string
		table ident.Table
		l     *latch
		owner bool
	}

	var mine []pendingInstall
	in.mu.Lock()
	for _, d := range deps {
		if l, ok := in.pending[d.Key]; ok {
			mine = append(mine, pendingInstall{key: d.Key, l: l})
			continue
		}
		l := newLatch()
		in.pending[d.Key] = l
		mine = append(mine, pendingInstall{key: d.Key, table: d.Table, l: l, owner: true})
	}
	in.mu.Unlock()

	var firstErr error
	for _, p := range mine {
		if p.owner {
			err := in.install(ctx, conn, p.key, p.table)
			p.l.done(err)
			if err != nil && firstErr == nil {
				firstErr = &types.Error{Kind: types.KindTriggerInstall, Table: p.table.Raw(), Cause: err}
			}
			continue
		}
		if err := p.l.wait(ctx); err != nil && firstErr == nil {
			firstErr = &types.Error{Kind: types.KindTriggerInstall, Cause: errors.WithStack(err)}
		}
	}
	return firstErr
}

// install performs the three ordered steps of spec 4.4 against table,
// bound to key. Each step's failure aborts the whole installation for
// this table; earlier tables already installed are unaffected.
func (in *Installer) install(ctx context.Context, conn types.Conn, key string, table ident.Table) error {
	trigName := ident.New(fmt.Sprintf("__qw__%s", key)).Quoted()
	fnName := fmt.Sprintf("pg_temp.%s", ident.New(fmt.Sprintf("__qw_fn_%s", key)).Quoted())

	// (1) Drop any existing trigger, tolerating absence.
	dropStmt := fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s`, trigName, table.Quoted())
	if _, err := conn.Exec(ctx, dropStmt); err != nil {
		triggerInstallErrors.WithLabelValues(table.Raw()).Inc()
		return errors.WithStack(err)
	}

	// (2) Create the session-local notifying trigger function.
	fnStmt := fmt.Sprintf(`
CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $body$
BEGIN
	PERFORM pg_notify(%s, %s);
	RETURN NULL;
END;
$body$ LANGUAGE plpgsql`,
		fnName, quoteLiteral(in.idctx.Channel), quoteLiteral(key),
	)
	if _, err := conn.Exec(ctx, fnStmt); err != nil {
		triggerInstallErrors.WithLabelValues(table.Raw()).Inc()
		return errors.WithStack(err)
	}

	// (3) Bind a statement-level trigger covering every mutation kind.
	createStmt := fmt.Sprintf(
		`CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE OR TRUNCATE ON %s FOR EACH STATEMENT EXECUTE FUNCTION %s()`,
		trigName, table.Quoted(), fnName,
	)
	if _, err := conn.Exec(ctx, createStmt); err != nil {
		triggerInstallErrors.WithLabelValues(table.Raw()).Inc()
		return errors.WithStack(err)
	}

	triggerInstalls.WithLabelValues(table.Raw()).Inc()
	return nil
}

func quoteLiteral(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '\'')
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'', '\'')
			continue
		}
		out = append(out, s[i])
	}
	out = append(out, '\'')
	return string(out)
}
