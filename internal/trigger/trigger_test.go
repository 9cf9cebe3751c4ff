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

package trigger

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livequery/livequery/internal/rewrite"
	"github.com/livequery/livequery/internal/testfake"
	"github.com/livequery/livequery/internal/types"
	"github.com/livequery/livequery/internal/util/ident"
)

func TestEnsureInstallsOncePerTable(t *testing.T) {
	conn := testfake.New()
	conn.Respond(testfake.Responder{Match: func(string) bool { return true }})

	in := NewInstaller(types.DefaultIdentityContext())
	deps := []rewrite.Dependency{{Key: "0", Table: ident.NewTable("public", "orders")}}

	require.NoError(t, in.Ensure(context.Background(), conn, deps))
	require.NoError(t, in.Ensure(context.Background(), conn, deps))

	var creates int
	for _, c := range conn.ExecLog() {
		if strings.Contains(c.SQL, "CREATE TRIGGER") {
			creates++
		}
	}
	assert.Equal(t, 1, creates)
}

func TestEnsureConcurrentCallersShareInstallation(t *testing.T) {
	conn := testfake.New()
	conn.Respond(testfake.Responder{Match: func(string) bool { return true }})

	in := NewInstaller(types.DefaultIdentityContext())
	deps := []rewrite.Dependency{{Key: "0", Table: ident.NewTable("public", "orders")}}

	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := range errs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = in.Ensure(context.Background(), conn, deps)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}

	var creates int
	for _, c := range conn.ExecLog() {
		if strings.Contains(c.SQL, "CREATE TRIGGER") {
			creates++
		}
	}
	assert.Equal(t, 1, creates)
}

func TestEnsureFailureIsTypedError(t *testing.T) {
	conn := testfake.New()
	conn.Respond(testfake.Responder{Match: func(string) bool { return true }, ExecErr: assert.AnError})

	in := NewInstaller(types.DefaultIdentityContext())
	deps := []rewrite.Dependency{{Key: "0", Table: ident.NewTable("public", "orders")}}

	err := in.Ensure(context.Background(), conn, deps)
	require.Error(t, err)

	var typed *types.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, types.KindTriggerInstall, typed.Kind)
}
