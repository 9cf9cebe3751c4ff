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

// Package metrics holds the shared prometheus bucket and label
// conventions used by every component that reports latency and
// error-count metrics, so that dashboards built against one
// component's metrics apply uniformly to the rest.
package metrics

// LatencyBuckets is the shared histogram bucket layout (in seconds)
// for latency metrics. The engine's only latency histogram is the diff
// execution one (diff_duration_seconds).
var LatencyBuckets = []float64{
	.001, .002, .005, .01, .02, .05, .1, .2, .5, 1, 2, 5, 10, 20,
}

// TableLabels is the shared label set attached to every per-table
// metric: which watched base table the observation concerns. Diff
// metrics use WatcherLabels instead.
var TableLabels = []string{"table"}

// WatcherLabels is the label set used by metrics scoped to a single
// watcher rather than a single base table.
var WatcherLabels = []string{"watcher"}
