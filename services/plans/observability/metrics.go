// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability holds the Prometheus collectors for the plan
// graph engine.
//
// Collectors register with the default registry through promauto and are
// served by telemetry.MetricsHandler.
package observability

import (
	"errors"
	"time"

	"github.com/AleutianAI/plangraph/services/plans/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "plangraph"

var (
	// resolutionsTotal counts dependency resolutions.
	// Labels: operation (resolve, context, io, data, preview, containment), status
	resolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "resolver",
		Name:      "operations_total",
		Help:      "Dependency resolver operations by operation and status",
	}, []string{"operation", "status"})

	resolutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "resolver",
		Name:      "duration_seconds",
		Help:      "Dependency resolver latency in seconds",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"operation"})

	// dependencyCount is the size of resolved dependency sets.
	dependencyCount = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "resolver",
		Name:      "dependencies",
		Help:      "Number of effective dependencies per resolution",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})

	// blastRadiusSize is the size of computed impact sets.
	// Labels: kind (execution, containment), set (upstream, downstream, affected)
	blastRadiusSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "blast_radius",
		Name:      "nodes",
		Help:      "Nodes per blast radius set",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"kind", "set"})

	// sessionTransitions counts replan session status changes.
	// Labels: from, to, result (ok, invalid, conflict, error)
	sessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "replan",
		Name:      "transitions_total",
		Help:      "Replan session transitions by source, target and result",
	}, []string{"from", "to", "result"})

	// movesTotal counts subtree moves.
	// Labels: result (ok, invalid, conflict, error)
	movesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tree",
		Name:      "moves_total",
		Help:      "Subtree move operations by result",
	}, []string{"result"})

	movedNodes = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "tree",
		Name:      "moved_nodes",
		Help:      "Nodes rewritten per successful move",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})
)

// Result classifies err into a low-cardinality label value.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrValidation), errors.Is(err, model.ErrInvalidTransition):
		return "invalid"
	case errors.Is(err, model.ErrConcurrencyConflict):
		return "conflict"
	default:
		return "error"
	}
}

// ObserveResolution records one resolver operation.
func ObserveResolution(operation string, start time.Time, deps int, err error) {
	resolutionsTotal.WithLabelValues(operation, Result(err)).Inc()
	resolutionDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err == nil && deps >= 0 {
		dependencyCount.Observe(float64(deps))
	}
}

// ObserveBlastRadius records the set sizes of br.
func ObserveBlastRadius(br model.BlastRadius) {
	kind := string(br.Kind)
	blastRadiusSize.WithLabelValues(kind, "upstream").Observe(float64(len(br.Upstream)))
	blastRadiusSize.WithLabelValues(kind, "downstream").Observe(float64(len(br.Downstream)))
	blastRadiusSize.WithLabelValues(kind, "affected").Observe(float64(len(br.Affected)))
}

// ObserveTransition records a session transition attempt.
func ObserveTransition(from, to model.SessionStatus, err error) {
	sessionTransitions.WithLabelValues(string(from), string(to), Result(err)).Inc()
}

// ObserveMove records a move attempt and, on success, its size.
func ObserveMove(nodes int, err error) {
	movesTotal.WithLabelValues(Result(err)).Inc()
	if err == nil {
		movedNodes.Observe(float64(nodes))
	}
}
