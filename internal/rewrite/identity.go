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

// Package rewrite implements the identity rewriter and column
// introspector: the two phases that turn a user-supplied SELECT into
// a statement that carries a stable row identity and monotonically
// increasing revision, and that report the query's user-visible
// output column names.
package rewrite

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/livequery/livequery/internal/types"
	"github.com/livequery/livequery/internal/util/ident"
	"github.com/livequery/livequery/internal/util/keyspace"
	"github.com/livequery/livequery/internal/util/msort"
	"github.com/livequery/livequery/internal/util/sqlscan"
)

// baseIDColumn and baseRevColumn are the persistent per-base-table
// columns the rewriter maintains so a row's identity and revision
// survive re-evaluation of any query that reads it. They are distinct
// from the per-result-set meta columns (types.IdentityContext), which
// are computed fresh by every rewritten query.
const (
	baseIDColumn  = "__bid__"
	baseRevColumn = "__brev__"
)

// defaultSchema is assumed for unqualified table references; the
// scanner does not resolve search_path, so an explicit schema
// qualifier is the only way to override this.
const defaultSchema = "public"

// Dependency is one base table a rewritten query depends on, paired
// with the short key the notification channel will carry for it.
type Dependency struct {
	Key   string
	Table ident.Table
}

// Result is the output of Rewrite: the rewritten SELECT plus its
// table dependencies, stored verbatim on the watcher.
type Result struct {
	SQL  string
	Deps []Dependency
}

// Rewriter implements spec component 4.1. A single Rewriter, sharing
// one keyspace.Registry, must be used for every watcher against a
// given database client so that table keys and installed base-table
// triggers stay globally consistent.
type Rewriter struct {
	idctx    types.IdentityContext
	keys     *keyspace.Registry
	prepared *ident.TableMap[struct{}]
}

// NewRewriter constructs a Rewriter. idctx supplies the meta column
// and sequence names; keys must be shared with the trigger installer
// that will act on the Dependency values this Rewriter produces.
func NewRewriter(idctx types.IdentityContext, keys *keyspace.Registry) *Rewriter {
	return &Rewriter{
		idctx:    idctx,
		keys:     keys,
		prepared: ident.NewTableMap[struct{}](),
	}
}

// EnsureSequence creates the shared revision sequence if it does not
// already exist. Called once per engine instance before any watcher
// is rewritten.
func (r *Rewriter) EnsureSequence(ctx context.Context, conn types.Conn) error {
	stmt := fmt.Sprintf(`CREATE SEQUENCE IF NOT EXISTS %s`, ident.New(r.idctx.Sequence).Quoted())
	if _, err := conn.Exec(ctx, stmt); err != nil {
		return &types.Error{Kind: types.KindUnsupportedSource, Cause: errors.WithStack(err)}
	}
	return nil
}

// Rewrite turns sql into a statement whose result rows additionally
// carry the identity and revision meta columns, and reports the base
// tables it depends on.
//
// The composition chosen here differs from a literal reading of "wrap
// S as an inner query and project meta columns in an outer SELECT":
// wrapping hides the inner query's own FROM-clause aliases from an
// outer SELECT, so instead the meta-column expressions are spliced
// directly into sql's own top-level SELECT list, built from the
// base-table aliases sqlscan discovers in sql's own FROM clause. Both
// shapes satisfy the stated invariants; this one does not require
// re-deriving alias visibility across a wrapping boundary.
func (r *Rewriter) Rewrite(ctx context.Context, conn types.Conn, sql string) (Result, error) {
	refs, err := sqlscan.FindSources(sql)
	if err != nil {
		return Result{}, &types.Error{Kind: types.KindUnsupportedSource, Cause: errors.WithStack(err)}
	}
	refs = msort.UniqueByTable(refs)

	deps := make([]Dependency, 0, len(refs))
	idExprs := make([]string, 0, len(refs))
	revExprs := make([]string, 0, len(refs))

	for _, ref := range refs {
		schema := ref.Schema
		if schema == "" {
			schema = defaultSchema
		}
		table := ident.NewTable(schema, ref.Table)

		if err := r.ensureBaseColumns(ctx, conn, table); err != nil {
			return Result{}, &types.Error{Kind: types.KindUnsupportedSource, Table: table.Raw(), Cause: err}
		}

		key := r.keys.KeyFor(table)
		deps = append(deps, Dependency{Key: key, Table: table})

		alias := ident.New(ref.Alias).Quoted()
		idExprs = append(idExprs, alias+"."+ident.New(baseIDColumn).Quoted()+"::text")
		revExprs = append(revExprs, alias+"."+ident.New(baseRevColumn).Quoted())
	}

	idExpr := fmt.Sprintf(
		"md5((SELECT string_agg(v, '|' ORDER BY v) FROM unnest(ARRAY[%s]) AS v)) AS %s",
		strings.Join(idExprs, ", "), ident.New(r.idctx.UIDColumn).Quoted(),
	)
	revExpr := fmt.Sprintf("GREATEST(%s) AS %s", strings.Join(revExprs, ", "), ident.New(r.idctx.RevColumn).Quoted())

	rewritten, err := sqlscan.SpliceSelectList(sql, []string{idExpr, revExpr})
	if err != nil {
		return Result{}, &types.Error{Kind: types.KindUnsupportedSource, Cause: errors.WithStack(err)}
	}

	return Result{SQL: rewritten, Deps: deps}, nil
}

// ensureBaseColumns makes table carry a persistent identity column
// (auto-populated with a random UUID on insert) and a persistent
// revision column (reassigned from the shared sequence on every
// insert or update), installing the columns and the maintaining
// trigger at most once per table per Rewriter lifetime.
//
// Failure here (most commonly: table is a non-updatable view, or the
// connection lacks DDL privilege) is reported as UnsupportedSource,
// naming the offending relation, per spec 4.1.
func (r *Rewriter) ensureBaseColumns(ctx context.Context, conn types.Conn, table ident.Table) error {
	if _, ok := r.prepared.Get(table); ok {
		return nil
	}

	ddl := []string{
		fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s uuid`,
			table.Quoted(), ident.New(baseIDColumn).Quoted()),
		fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s bigint NOT NULL DEFAULT 0`,
			table.Quoted(), ident.New(baseRevColumn).Quoted()),
	}
	for _, stmt := range ddl {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return errors.WithStack(err)
		}
	}

	key := r.keys.KeyFor(table)
	fnName := fmt.Sprintf("pg_temp.%s", ident.New(fmt.Sprintf("__qw_bid_%s", key)).Quoted())
	trigName := ident.New(fmt.Sprintf("__qw_bid_%s", key)).Quoted()

	fnStmt := fmt.Sprintf(`
CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $body$
BEGIN
	IF NEW.%s IS NULL THEN
		NEW.%s := gen_random_uuid();
	END IF;
	NEW.%s := nextval(%s);
	RETURN NEW;
END;
$body$ LANGUAGE plpgsql`,
		fnName,
		ident.New(baseIDColumn).Quoted(), ident.New(baseIDColumn).Quoted(),
		ident.New(baseRevColumn).Quoted(), quoteLiteral(r.idctx.Sequence),
	)
	if _, err := conn.Exec(ctx, fnStmt); err != nil {
		return errors.WithStack(err)
	}

	if _, err := conn.Exec(ctx, fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s`, trigName, table.Quoted())); err != nil {
		return errors.WithStack(err)
	}

	createStmt := fmt.Sprintf(
		`CREATE TRIGGER %s BEFORE INSERT OR UPDATE ON %s FOR EACH ROW EXECUTE FUNCTION %s()`,
		trigName, table.Quoted(), fnName,
	)
	if _, err := conn.Exec(ctx, createStmt); err != nil {
		return errors.WithStack(err)
	}

	r.prepared.Put(table, struct{}{})
	return nil
}

// quoteLiteral renders s as a single-quoted SQL string literal,
// doubling embedded quotes. Used only for the handful of
// engine-controlled names (the sequence name) that must appear as
// string literal arguments rather than identifiers.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
