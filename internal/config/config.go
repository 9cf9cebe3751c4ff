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

// Package config holds the engine's ambient, outer-surface
// configuration: everything the spec's core explicitly excludes
// (connection string, meta column overrides, logging level) but that
// any runnable binary around the engine still needs.
package config

import (
	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/livequery/livequery/internal/types"
)

// Config is bound from the command line by cmd/livequeryd and
// validated once at startup.
type Config struct {
	// ConnString is the libpq connection string the engine's single
	// connection is opened with.
	ConnString string

	// UIDColumn and RevColumn override the default meta column names
	// (spec 6's constructor parameters).
	UIDColumn string
	RevColumn string

	// LogLevel is parsed by logrus.ParseLevel; the flag defaults to
	// "info".
	LogLevel string
}

// Bind registers Config's fields on flags, following the teacher's
// convention of flag names mirroring field names in kebab-case
// (ConnString is shortened to --conn).
func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.StringVar(&c.ConnString, "conn", "", "Postgres connection string (required)")
	flags.StringVar(&c.UIDColumn, "uid-column", "__id__", "meta column name for row identity")
	flags.StringVar(&c.RevColumn, "rev-column", "__rev__", "meta column name for row revision")
	flags.StringVar(&c.LogLevel, "log-level", "info", "logrus level: trace, debug, info, warn, error")
}

// Preflight validates Config after flags are parsed, before the
// engine is constructed.
func (c *Config) Preflight() error {
	if c.ConnString == "" {
		return errors.New("conn: connection string is required")
	}
	if c.UIDColumn == "" || c.RevColumn == "" {
		return errors.New("uid-column and rev-column must both be non-empty")
	}
	if c.UIDColumn == c.RevColumn {
		return errors.Errorf("uid-column and rev-column must differ, got %q twice", c.UIDColumn)
	}
	return nil
}

// IdentityContext builds the types.IdentityContext the engine's
// rewriter and trigger installer share. Only the two column names are
// overridden; the sequence and channel names are always the defaults.
func (c *Config) IdentityContext() types.IdentityContext {
	idctx := types.DefaultIdentityContext()
	idctx.UIDColumn = c.UIDColumn
	idctx.RevColumn = c.RevColumn
	return idctx
}
