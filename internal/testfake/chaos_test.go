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

package testfake

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithChaosZeroProbabilityPassesThrough(t *testing.T) {
	conn := New()
	conn.Respond(Responder{Match: func(string) bool { return true }})
	wrapped := WithChaos(conn, 0)

	_, err := wrapped.Exec(context.Background(), "SELECT 1")
	require.NoError(t, err)
}

func TestWithChaosFullProbabilityAlwaysFails(t *testing.T) {
	conn := New()
	conn.Respond(Responder{Match: func(string) bool { return true }})
	wrapped := WithChaos(conn, 1)

	_, err := wrapped.Exec(context.Background(), "SELECT 1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChaos))

	_, err = wrapped.Query(context.Background(), "SELECT 1")
	require.Error(t, err)

	err = wrapped.QueryRow(context.Background(), "SELECT 1").Scan()
	require.Error(t, err)
}
