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

package shadow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livequery/livequery/internal/testfake"
)

func TestAllocateNamesAreSequential(t *testing.T) {
	conn := testfake.New()
	conn.RespondToContains("CREATE TEMPORARY TABLE", testfake.Responder{})

	m := NewManager("__qw__")

	t1, err := m.Allocate(context.Background(), conn)
	require.NoError(t, err)
	t2, err := m.Allocate(context.Background(), conn)
	require.NoError(t, err)

	assert.Equal(t, "pg_temp.__qw__0", t1.Raw())
	assert.Equal(t, "pg_temp.__qw__1", t2.Raw())
}

func TestAllocatePropagatesExecError(t *testing.T) {
	conn := testfake.New()
	conn.RespondToContains("CREATE TEMPORARY TABLE", testfake.Responder{
		ExecErr: assert.AnError,
	})

	m := NewManager("__qw__")
	_, err := m.Allocate(context.Background(), conn)
	assert.Error(t, err)
}
