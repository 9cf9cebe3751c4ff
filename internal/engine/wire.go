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

//go:build wireinject
// +build wireinject

package engine

import (
	"github.com/google/wire"

	"github.com/livequery/livequery/internal/diff"
	"github.com/livequery/livequery/internal/rewrite"
	"github.com/livequery/livequery/internal/scheduler"
	"github.com/livequery/livequery/internal/shadow"
	"github.com/livequery/livequery/internal/trigger"
	"github.com/livequery/livequery/internal/types"
	"github.com/livequery/livequery/internal/util/keyspace"
	"github.com/livequery/livequery/internal/watch"
)

// shadowPrefix extracts the shadow-table name prefix from idctx so
// shadow.NewManager doesn't need its own constructor parameter wired
// in from outside the graph.
func shadowPrefix(idctx types.IdentityContext) string { return idctx.Channel }

// Set is the provider set wire_gen.go is generated from. It mirrors
// the constructor dependency graph: one keyspace.Registry and
// rewrite.Rewriter shared by every watcher that setup(...) touches.
var Set = wire.NewSet(
	keyspace.NewRegistry,
	rewrite.NewRewriter,
	rewrite.NewIntrospector,
	shadowPrefix,
	shadow.NewManager,
	trigger.NewInstaller,
	diff.NewEngine,
	scheduler.New,
	watch.NewSession,
	newEngine,
)

// InitializeEngine is the wire injector. Run `go generate ./...` with
// the wire binary on PATH to regenerate wire_gen.go from Set.
func InitializeEngine(conn types.ListenerConn, idctx types.IdentityContext) (*Engine, func(), error) {
	wire.Build(Set, wire.Bind(new(types.Conn), new(types.ListenerConn)))
	return nil, nil, nil
}
