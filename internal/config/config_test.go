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

package config

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreflightRequiresConnString(t *testing.T) {
	c := &Config{UIDColumn: "__id__", RevColumn: "__rev__"}
	assert.Error(t, c.Preflight())
}

func TestPreflightRejectsCollidingColumns(t *testing.T) {
	c := &Config{ConnString: "postgres://x", UIDColumn: "dup", RevColumn: "dup"}
	assert.Error(t, c.Preflight())
}

func TestBindParsesFlags(t *testing.T) {
	c := &Config{}
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	c.Bind(flags)

	require.NoError(t, flags.Parse([]string{"--conn=postgres://x", "--uid-column=_id", "--rev-column=_rev"}))
	require.NoError(t, c.Preflight())

	assert.Equal(t, "postgres://x", c.ConnString)
	idctx := c.IdentityContext()
	assert.Equal(t, "_id", idctx.UIDColumn)
	assert.Equal(t, "_rev", idctx.RevColumn)
}
