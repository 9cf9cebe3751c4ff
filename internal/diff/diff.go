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

// Package diff implements the diff engine (spec component 4.5): the
// single composite statement that compares a watcher's shadow table
// to its rewritten query's current result and, in one transaction,
// reconciles the shadow while returning the insert/update/delete
// change set.
package diff

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/livequery/livequery/internal/types"
	"github.com/livequery/livequery/internal/util/ident"
	"github.com/livequery/livequery/internal/util/metrics"
	"github.com/livequery/livequery/internal/util/revision"
)

var (
	diffDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "diff_duration_seconds",
		Help:    "the length of time it took to run a watcher's diff statement",
		Buckets: metrics.LatencyBuckets,
	}, metrics.WatcherLabels)
	diffErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diff_errors_total",
		Help: "the number of times a watcher's diff statement failed",
	}, metrics.WatcherLabels)
)

// preparer is implemented by *pgx.Conn. When the supplied connection
// satisfies it, Engine prepares each watcher's diff statement once
// under a name derived from its shadow table, giving the server a
// cached plan for every subsequent re-evaluation (spec 6: "Prepared-
// statement name for the diff: derived from the shadow name").
type preparer interface {
	Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error)
}

// Engine runs the diff statement for a watcher.
type Engine struct {
	idctx types.IdentityContext

	mu       sync.Mutex
	prepared map[string]bool // shadow table raw name -> already prepared
}

// NewEngine constructs a diff Engine bound to idctx's meta column and
// sequence names.
func NewEngine(idctx types.IdentityContext) *Engine {
	return &Engine{idctx: idctx, prepared: make(map[string]bool)}
}

// envelope mirrors the JSON shape the composite statement's final
// UNION ALL branch projects for each changed row.
type envelope struct {
	ID   string `json:"id"`
	Op   int16  `json:"op"`
	RN   int64  `json:"rn"`
	Data []any  `json:"data"`
}

// Run executes the diff statement for one watcher: shadow is its
// shadow table, sqlRewritten is the identity-rewriter's output, cols
// are the user-visible output columns in order, and lastRev is the
// watcher's current last_rev (the INSERT gate, spec 9's "authoritative
// in-statement gate").
//
// Run returns the change set in whatever order the database produced
// it (spec 4.5: "the engine does not sort the returned change set")
// and the greatest revision observed across all three branches, which
// callers fold into the watcher's last_rev — including the DELETE
// branch's freshly allocated sequence value, since a delete still
// advances "revision observed" even though the row leaves the shadow.
func (e *Engine) Run(
	ctx context.Context,
	conn types.Conn,
	shadow ident.Table,
	sqlRewritten string,
	cols []string,
	lastRev revision.Revision,
) (_ []types.ChangeRecord, _ revision.Revision, err error) {
	label := shadow.Raw()
	start := time.Now()
	defer func() {
		diffDurations.WithLabelValues(label).Observe(time.Since(start).Seconds())
		if err != nil {
			diffErrors.WithLabelValues(label).Inc()
		}
	}()

	stmt := e.buildStatement(shadow, sqlRewritten, cols)

	sql := stmt
	if p, ok := conn.(preparer); ok {
		e.mu.Lock()
		already := e.prepared[shadow.Raw()]
		e.mu.Unlock()

		name := "diff_" + strings.ReplaceAll(shadow.Raw(), ".", "_")
		if !already {
			if _, err := p.Prepare(ctx, name, stmt); err != nil {
				return nil, lastRev, &types.Error{Kind: types.KindDiff, Table: shadow.Raw(), Cause: errors.WithStack(err)}
			}
			e.mu.Lock()
			e.prepared[shadow.Raw()] = true
			e.mu.Unlock()
		}
		sql = name
	}

	rows, err := conn.Query(ctx, sql, int64(lastRev))
	if err != nil {
		return nil, lastRev, &types.Error{Kind: types.KindDiff, Table: shadow.Raw(), Cause: errors.WithStack(err)}
	}
	defer rows.Close()

	var out []types.ChangeRecord
	newLastRev := lastRev
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, lastRev, &types.Error{Kind: types.KindDiff, Table: shadow.Raw(), Cause: errors.WithStack(err)}
		}
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, lastRev, &types.Error{Kind: types.KindDiff, Table: shadow.Raw(), Cause: errors.WithStack(err)}
		}

		rec := types.ChangeRecord{
			// env.ID is already the md5 hash the identity rewriter
			// computed for __id__; the shadow's id column, and
			// therefore this envelope's id field, store that hash
			// verbatim, so no further hashing happens here.
			ID: env.ID,
			Op: types.Op(env.Op),
		}
		if rec.Op == types.OpDelete {
			rec.RN = 0
			rec.Data = nil
		} else {
			rec.RN = env.RN
			if len(env.Data) > 0 {
				rec.Data = env.Data[1:] // strip the leading rev sentinel
			}
		}
		out = append(out, rec)

		if revision.Revision(rowRev(env)) > newLastRev {
			newLastRev = revision.Revision(rowRev(env))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, lastRev, &types.Error{Kind: types.KindDiff, Table: shadow.Raw(), Cause: errors.WithStack(err)}
	}

	return out, newLastRev, nil
}

// rowRev extracts the revision the statement tracked for this
// envelope; the statement carries it as the first element of the
// envelope's data array so last_rev tracking does not require a
// second round trip. Delete rows carry the freshly allocated sequence
// value in this slot.
func rowRev(env envelope) int64 {
	// The composite statement always puts rev at Data[0]; Run strips it
	// back out of the public ChangeRecord.Data. See buildStatement for
	// the exact column layout.
	if len(env.Data) == 0 {
		return 0
	}
	if f, ok := env.Data[0].(float64); ok {
		return int64(f)
	}
	return 0
}

// buildStatement renders the full CTE pipeline described by spec 4.5.
// shadow's (id, rev) pairs are diffed against q, the rewritten query
// augmented with a row number; u/d/i compute the three branches and
// mutate the shadow atomically; the final UNION ALL projects each
// branch into the JSON envelope Run parses. The envelope's leading
// Data element is always the row's rev, stripped back out by the
// caller via rowRev/Run before the public ChangeRecord.Data is
// populated with cols-order user values only.
func (e *Engine) buildStatement(shadow ident.Table, sqlRewritten string, cols []string) string {
	idCol := ident.New(e.idctx.UIDColumn).Quoted()
	revCol := ident.New(e.idctx.RevColumn).Quoted()
	seq := quoteLiteral(e.idctx.Sequence)
	shadowQ := shadow.Quoted()

	dataCols := make([]string, 0, len(cols)+1)
	dataCols = append(dataCols, "q."+revCol) // Data[0]: rev, consumed by rowRev
	for _, c := range cols {
		dataCols = append(dataCols, "q."+ident.New(c).Quoted())
	}
	dataExpr := "jsonb_build_array(" + strings.Join(dataCols, ", ") + ")"

	return fmt.Sprintf(`
WITH q AS (
	SELECT *, row_number() OVER () AS __rn__
	FROM (%[1]s) AS src
),
u AS (
	UPDATE %[2]s AS s
	SET rev = q.%[3]s
	FROM q
	WHERE s.id = q.%[4]s AND q.%[3]s > s.rev
	RETURNING s.id AS id, s.rev AS rev
),
d AS (
	DELETE FROM %[2]s AS s
	WHERE NOT EXISTS (SELECT 1 FROM q WHERE q.%[4]s = s.id)
	RETURNING s.id AS id, nextval(%[5]s) AS rev
),
i AS (
	INSERT INTO %[2]s (id, rev)
	SELECT q.%[4]s, q.%[3]s
	FROM q
	WHERE q.%[3]s > $1::bigint
		AND NOT EXISTS (SELECT 1 FROM u WHERE u.id = q.%[4]s)
		AND NOT EXISTS (SELECT 1 FROM %[2]s s WHERE s.id = q.%[4]s)
	RETURNING id, rev
)
SELECT jsonb_build_object('id', i.id, 'op', 1, 'rn', q.__rn__, 'data', %[6]s)::text AS envelope
FROM i JOIN q ON q.%[4]s = i.id
UNION ALL
SELECT jsonb_build_object('id', u.id, 'op', 2, 'rn', q.__rn__, 'data', %[6]s)::text
FROM u JOIN q ON q.%[4]s = u.id
UNION ALL
SELECT jsonb_build_object('id', d.id, 'op', 3, 'rn', 0, 'data', jsonb_build_array(d.rev))::text
FROM d
`,
		sqlRewritten, shadowQ, revCol, idCol, seq, dataExpr,
	)
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
