// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package warp

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/loom/services/loom/tapestry"
)

// =============================================================================
// Prometheus Metrics for Warp Operations
// =============================================================================

var (
	// operationsTotal counts warp operations.
	// Labels: op (seed, append, branch, batch, invoke, compress, compress_all,
	// prune, tag, untag), status (ok, conflict, not_found, invalid, retained,
	// not_compressible, weft_failed, error)
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "warp",
		Name:      "operations_total",
		Help:      "Warp operations by type and status",
	}, []string{"op", "status"})

	// operationDuration measures operation latency including retries.
	// Labels: op
	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "loom",
		Subsystem: "warp",
		Name:      "operation_duration_seconds",
		Help:      "Warp operation latency in seconds",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"op"})

	// commitRetries counts optimistic commit retries.
	// Labels: op
	commitRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "warp",
		Name:      "commit_retries_total",
		Help:      "Commits retried after a concurrent modification",
	}, []string{"op"})

	// weftInvocations counts calls across the weft boundary.
	// Labels: status (ok, error, timeout, cancelled, empty, rejected)
	weftInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "weft",
		Name:      "invocations_total",
		Help:      "Weft program invocations by status",
	}, []string{"status"})
)

// =============================================================================
// Metrics Recording Functions
// =============================================================================

// recordOperation records the outcome and latency of one operation.
func recordOperation(op string, start time.Time, err error) {
	operationsTotal.WithLabelValues(op, statusOf(err)).Inc()
	operationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// statusOf maps an operation error to a metric status label.
func statusOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrWeftInvocationFailed):
		return "weft_failed"
	case errors.Is(err, tapestry.ErrConcurrentModification):
		return "conflict"
	case errors.Is(err, tapestry.ErrNodeNotFound), errors.Is(err, tapestry.ErrTagNotFound):
		return "not_found"
	case errors.Is(err, tapestry.ErrInvalidOperation):
		return "invalid"
	case errors.Is(err, tapestry.ErrNodeRetained):
		return "retained"
	case errors.Is(err, tapestry.ErrNotCompressible):
		return "not_compressible"
	default:
		return "error"
	}
}
