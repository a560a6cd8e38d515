// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianGate/services/gateway/detection"
)

// =============================================================================
// Prometheus Metrics for the Decision Pipeline
// =============================================================================

var (
	// requestsTotal counts processed requests by outcome.
	// Labels: endpoint (process, classify, detect_regex),
	// outcome (allowed, blocked, input_error, provider_error, audit_error)
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gdprgate",
		Subsystem: "pipeline",
		Name:      "requests_total",
		Help:      "Total requests by endpoint and outcome",
	}, []string{"endpoint", "outcome"})

	// stageDurationSeconds measures each pipeline stage.
	// Labels: stage (regex, entity, semantic, decision, masking, audit, total)
	stageDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gdprgate",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Latency of each pipeline stage",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"stage"})

	// detectionsTotal counts detections by layer and label.
	// Labels: kind (regex, entity, semantic), label
	detectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gdprgate",
		Subsystem: "pipeline",
		Name:      "detections_total",
		Help:      "Total detections by layer and label",
	}, []string{"kind", "label"})

	// providerFailuresTotal counts provider failures by provider and the
	// fail-closed mode applied.
	// Labels: provider (entity, embedding), mode (block, abort)
	providerFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gdprgate",
		Subsystem: "pipeline",
		Name:      "provider_failures_total",
		Help:      "Provider failures by provider and fail-closed mode",
	}, []string{"provider", "mode"})
)

// recordOutcome increments the request counter.
func recordOutcome(endpoint, outcome string) {
	requestsTotal.WithLabelValues(endpoint, outcome).Inc()
}

// recordTimings observes every stage duration.
func recordTimings(timings map[string]time.Duration) {
	for stage, d := range timings {
		stageDurationSeconds.WithLabelValues(stage).Observe(d.Seconds())
	}
}

// recordDetections counts detections per layer and label.
func recordDetections(dets []detection.Detection) {
	for _, d := range dets {
		detectionsTotal.WithLabelValues(d.Kind.String(), metricLabel(d)).Inc()
	}
}

// metricLabel bounds label cardinality: semantic violations are counted by
// regulation identifier, which is a closed set.
func metricLabel(d detection.Detection) string {
	if d.Kind == detection.KindSemantic && d.RegulationID != "" {
		return d.RegulationID
	}
	return d.Label
}

// recordProviderFailure counts a provider failure.
func recordProviderFailure(provider, mode string) {
	providerFailuresTotal.WithLabelValues(provider, mode).Inc()
}
