// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// writesTotal counts append attempts.
	// Labels: event (decision, error), status (ok, error)
	writesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gdprgate",
		Subsystem: "audit",
		Name:      "writes_total",
		Help:      "Audit record appends by event and status",
	}, []string{"event", "status"})

	// appendSeconds measures the sink append including fsync.
	appendSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gdprgate",
		Subsystem: "audit",
		Name:      "append_duration_seconds",
		Help:      "Duration of a durable audit append",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})
)
