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

// Package metrics holds the Prometheus metrics shared across the
// capture, audit, backfill, and engine packages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LatencyBuckets is the shared histogram bucket layout for all
// operation-latency metrics in this module.
var LatencyBuckets = []float64{
	.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60,
}

// TableLabels is applied to metrics that vary by source or target table.
var TableLabels = []string{"table"}

// TargetLabels is applied to metrics that vary by configured target name.
var TargetLabels = []string{"target"}

var (
	// CaptureUnclassifiedTotal counts statements that the interception
	// wrapper could not classify and therefore executed without audit
	// capture.
	CaptureUnclassifiedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_unclassified_total",
		Help: "the number of statements that could not be classified and were executed without audit capture",
	})

	// CaptureRowsTotal counts audit rows appended, by table and operation.
	CaptureRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_audit_rows_total",
		Help: "the number of audit rows appended",
	}, []string{"table", "operation"})

	// ReaderFetchDuration tracks how long each audit poll fetch takes.
	ReaderFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "audit_reader_fetch_duration_seconds",
		Help:    "the length of time it took to fetch a batch of audit records",
		Buckets: LatencyBuckets,
	})

	// ReaderLagSeconds reports the age of the oldest unconsumed audit row.
	ReaderLagSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "audit_reader_lag_seconds",
		Help: "the age in seconds of the oldest unconsumed audit row",
	})

	// WriterApplyDuration tracks target apply latency, per target.
	WriterApplyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "target_apply_duration_seconds",
		Help:    "the length of time it took to apply a batch to a target",
		Buckets: LatencyBuckets,
	}, TargetLabels)

	// WriterApplyErrors counts apply failures, per target.
	WriterApplyErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "target_apply_errors_total",
		Help: "the number of times an error was encountered while applying a batch",
	}, TargetLabels)

	// WriterRetries counts retry attempts, per target.
	WriterRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "target_apply_retries_total",
		Help: "the number of retry attempts made while applying a batch",
	}, TargetLabels)

	// CheckpointPositionGauge reports the last durably applied audit id,
	// per target.
	CheckpointPositionGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "checkpoint_last_audit_id",
		Help: "the last audit id durably applied to a target",
	}, TargetLabels)

	// BackfillRowsTotal counts rows copied during initial sync, per table.
	BackfillRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backfill_rows_total",
		Help: "the number of rows copied during initial sync",
	}, TableLabels)
)
