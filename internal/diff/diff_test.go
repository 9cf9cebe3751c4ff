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

package diff

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livequery/livequery/internal/testfake"
	"github.com/livequery/livequery/internal/types"
	"github.com/livequery/livequery/internal/util/ident"
	"github.com/livequery/livequery/internal/util/revision"
)

func TestBuildStatementContainsCTEPipeline(t *testing.T) {
	e := NewEngine(types.DefaultIdentityContext())
	shadow := ident.NewTable("pg_temp", "__qw__0")
	stmt := e.buildStatement(shadow, `SELECT "__id__", "__rev__", a FROM t`, []string{"a"})

	for _, frag := range []string{"WITH q AS", "u AS (", "d AS (", "i AS (", "UNION ALL", "nextval("} {
		assert.True(t, strings.Contains(stmt, frag), "missing fragment %q", frag)
	}
}

func TestRunParsesEnvelopesAndTracksLastRev(t *testing.T) {
	conn := testfake.New()
	conn.Respond(testfake.Responder{
		Match: func(string) bool { return true },
		Cols:  []string{"envelope"},
		Rows: [][]any{
			{`{"id":"h1","op":1,"rn":1,"data":[5,1]}`},
			{`{"id":"h2","op":2,"rn":2,"data":[7,2]}`},
			{`{"id":"h3","op":3,"rn":0,"data":[9]}`},
		},
	})

	e := NewEngine(types.DefaultIdentityContext())
	shadow := ident.NewTable("pg_temp", "__qw__0")

	recs, lastRev, err := e.Run(context.Background(), conn, shadow, `SELECT a FROM t`, []string{"a"}, revision.Zero())
	require.NoError(t, err)
	require.Len(t, recs, 3)

	assert.Equal(t, types.OpInsert, recs[0].Op)
	assert.Equal(t, int64(1), recs[0].RN)
	assert.Equal(t, []any{float64(1)}, recs[0].Data)

	assert.Equal(t, types.OpUpdate, recs[1].Op)
	assert.Equal(t, []any{float64(2)}, recs[1].Data)

	assert.Equal(t, types.OpDelete, recs[2].Op)
	assert.Nil(t, recs[2].Data)
	assert.Equal(t, int64(0), recs[2].RN)

	assert.Equal(t, revision.Revision(9), lastRev)
}

func TestRunEmptyChangeSetLeavesLastRevUnchanged(t *testing.T) {
	conn := testfake.New()
	conn.Respond(testfake.Responder{Match: func(string) bool { return true }, Cols: []string{"envelope"}})

	e := NewEngine(types.DefaultIdentityContext())
	shadow := ident.NewTable("pg_temp", "__qw__0")

	recs, lastRev, err := e.Run(context.Background(), conn, shadow, `SELECT a FROM t`, []string{"a"}, revision.Revision(3))
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, revision.Revision(3), lastRev)
}

func TestRunSurfacesDiffError(t *testing.T) {
	conn := testfake.New()
	conn.Respond(testfake.Responder{Match: func(string) bool { return true }, QueryErr: assert.AnError})

	e := NewEngine(types.DefaultIdentityContext())
	shadow := ident.NewTable("pg_temp", "__qw__0")

	_, _, err := e.Run(context.Background(), conn, shadow, `SELECT a FROM t`, []string{"a"}, revision.Zero())
	require.Error(t, err)
	var typed *types.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, types.KindDiff, typed.Kind)
}
