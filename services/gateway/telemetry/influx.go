// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// DecisionEvent is the text-free summary of one pipeline decision.
type DecisionEvent struct {
	RequestID     string
	PolicyVersion string
	Blocked       bool
	Outcome       string // allowed, blocked, provider_error, audit_error
	Detections    map[string]int
	StageMillis   map[string]float64
	Time          time.Time
}

// DecisionRecorder receives decision events.
//
// Thread Safety: Implementations must be safe for concurrent use and must
// not block the caller on network I/O.
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, ev DecisionEvent)
	Close()
}

// NopRecorder discards decision events.
type NopRecorder struct{}

// RecordDecision implements DecisionRecorder.
func (NopRecorder) RecordDecision(context.Context, DecisionEvent) {}

// Close implements DecisionRecorder.
func (NopRecorder) Close() {}

// InfluxConfig configures the InfluxDB decision stream.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxRecorder streams decision events to InfluxDB as points in the
// measurement "gdprgate_decision".
//
// Description:
//
//	Uses the client's non-blocking WriteAPI: points are batched in the
//	background and write errors are logged, never returned to the request
//	path. Decision events are operational telemetry, not the audit trail.
//
// Thread Safety: Safe for concurrent use.
type InfluxRecorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   *slog.Logger

	closeOnce sync.Once
}

// NewInfluxRecorder connects the non-blocking write API.
//
// Inputs:
//   - cfg: Server URL, token, org and bucket.
//   - logger: Receives asynchronous write errors. Nil means slog.Default().
//
// Outputs:
//   - *InfluxRecorder: Ready recorder. Call Close on shutdown.
func NewInfluxRecorder(cfg InfluxConfig, logger *slog.Logger) *InfluxRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	r := &InfluxRecorder{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		logger:   logger,
	}

	go func() {
		for err := range r.writeAPI.Errors() {
			r.logger.Warn("influx decision write failed", slog.String("error", SafeError(err)))
		}
	}()

	return r
}

// RecordDecision implements DecisionRecorder.
func (r *InfluxRecorder) RecordDecision(_ context.Context, ev DecisionEvent) {
	r.writeAPI.WritePoint(DecisionPoint(ev))
}

// Close flushes pending points and closes the client.
func (r *InfluxRecorder) Close() {
	r.closeOnce.Do(func() {
		r.writeAPI.Flush()
		r.client.Close()
	})
}

// DecisionPoint converts an event to an InfluxDB point.
//
// Tags: outcome, policy_version. Fields: blocked, total detections,
// detections_<kind> and <stage>_ms for each recorded stage.
func DecisionPoint(ev DecisionEvent) *write.Point {
	fields := map[string]interface{}{
		"blocked": ev.Blocked,
	}
	total := 0
	for kind, n := range ev.Detections {
		fields["detections_"+kind] = n
		total += n
	}
	fields["detections"] = total
	for stage, ms := range ev.StageMillis {
		fields[stage+"_ms"] = ms
	}

	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return influxdb2.NewPoint("gdprgate_decision",
		map[string]string{
			"outcome":        ev.Outcome,
			"policy_version": ev.PolicyVersion,
		},
		fields,
		ts,
	)
}
