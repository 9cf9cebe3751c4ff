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

// Package types contains the data types and narrow interfaces shared by
// every component of the live-query engine. Keeping them in one leaf
// package lets the rewriter, introspector, shadow manager, trigger
// installer, diff engine and scheduler depend on each other's contracts
// without importing each other's implementations.
package types

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Conn is the minimal database surface the engine requires. It is
// satisfied by *pgx.Conn. The engine deliberately does not depend on a
// connection pool: it owns exactly one long-lived connection so that
// all statements (including the diff engine's CTE pipeline) serialize
// through it. Callers that only need to execute SQL need not
// construct a real *pgx.Conn; the testfake package provides a
// deterministic substitute.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ListenerConn additionally supports LISTEN/NOTIFY. *pgx.Conn implements
// this directly.
type ListenerConn interface {
	Conn
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
}

var (
	_ Conn         = (*pgx.Conn)(nil)
	_ ListenerConn = (*pgx.Conn)(nil)
)

// IdentityContext names the two meta columns that every rewritten query
// carries, plus the shared revision sequence all watchers draw from.
// One IdentityContext is shared process-wide per database client.
type IdentityContext struct {
	// UIDColumn is the outer row-identity column name. Defaults to
	// "__id__".
	UIDColumn string
	// RevColumn is the outer row-revision column name. Defaults to
	// "__rev__".
	RevColumn string
	// Sequence is the name of the shared, monotonically increasing
	// revision sequence that base-table triggers and the diff engine's
	// delete branch draw fresh values from.
	Sequence string
	// Channel is the LISTEN/NOTIFY channel name. Defaults to "__qw__".
	Channel string
}

// DefaultIdentityContext returns the spec's default meta column and
// channel names.
func DefaultIdentityContext() IdentityContext {
	return IdentityContext{
		UIDColumn: "__id__",
		RevColumn: "__rev__",
		Sequence:  "__qw___seq",
		Channel:   "__qw__",
	}
}

// Op enumerates the three kinds of row change a diff can produce. The
// numeric values match the spec's op ∈ {1,2,3} wire representation
// exactly.
type Op int16

const (
	// OpInsert marks a row newly present in the result.
	OpInsert Op = 1
	// OpUpdate marks a row whose revision advanced.
	OpUpdate Op = 2
	// OpDelete marks a row no longer present in the result.
	OpDelete Op = 3
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// ChangeRecord is one row of the diff engine's change set: the spec
// §4.5 {id, op, rn?, data?} envelope.
type ChangeRecord struct {
	ID   string
	Op   Op
	RN   int64 // 0 (and meaningless) for OpDelete
	Data []any // nil for OpDelete
}

// ErrorKind names one of the five error kinds from spec §7. It is not a
// Go error type itself; see Error.
type ErrorKind int

const (
	// KindUnsupportedSource is raised by the rewriter when a referenced
	// base table cannot accept identity/revision columns.
	KindUnsupportedSource ErrorKind = iota + 1
	// KindIntrospection is raised by the column introspector.
	KindIntrospection
	// KindTriggerInstall is raised by the trigger installer.
	KindTriggerInstall
	// KindDiff is raised by the diff engine.
	KindDiff
	// KindConnectionLost is raised by any phase when the underlying
	// connection is gone; fatal to the whole engine instance.
	KindConnectionLost
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnsupportedSource:
		return "UnsupportedSource"
	case KindIntrospection:
		return "Introspection"
	case KindTriggerInstall:
		return "TriggerInstall"
	case KindDiff:
		return "Diff"
	case KindConnectionLost:
		return "ConnectionLost"
	default:
		return "Unknown"
	}
}

// Error is the typed error surfaced on a subscription's error event. It
// wraps the pkg/errors-annotated cause so callers can still walk the
// underlying chain with errors.Unwrap/errors.As.
type Error struct {
	Kind  ErrorKind
	Table string // offending relation, if any; empty otherwise
	Cause error
}

func (e *Error) Error() string {
	if e.Table != "" {
		return e.Kind.String() + " (" + e.Table + "): " + e.Cause.Error()
	}
	return e.Kind.String() + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }
