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
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitTracing_Stdout(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracing(context.Background(), TracingConfig{
		Exporter:    ExporterStdout,
		ServiceName: "gdprgate-test",
		Writer:      &buf,
	})
	require.NoError(t, err)

	_, span := otel.Tracer(TracerName).Start(context.Background(), "pipeline.process")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "pipeline.process")
	assert.Contains(t, buf.String(), "gdprgate-test")
}

func TestInitTracing_None(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{Exporter: ExporterNone})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitTracing_UnknownExporter(t *testing.T) {
	_, err := InitTracing(context.Background(), TracingConfig{Exporter: "zipkin"})
	assert.ErrorContains(t, err, "unknown trace exporter")
}

func TestInitMetrics_UnknownExporter(t *testing.T) {
	_, err := InitMetrics(MetricsConfig{Exporter: "graphite"})
	assert.ErrorContains(t, err, "unknown metric exporter")
}

func TestInitMetrics_Stdout(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitMetrics(MetricsConfig{Exporter: ExporterStdout, Writer: &buf, Interval: time.Hour})
	require.NoError(t, err)

	inst := NewProviderInstruments("embedding")
	inst.Record(context.Background(), time.Now().Add(-10*time.Millisecond), nil)
	inst.Record(context.Background(), time.Now(), errors.New("boom"))

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "gdprgate.provider.calls")
}

func TestProviderInstruments_NilSafe(t *testing.T) {
	var p *ProviderInstruments
	p.Record(context.Background(), time.Now(), nil)
}

func TestShutdown_JoinsErrors(t *testing.T) {
	errA := errors.New("a")
	errB := errors.New("b")
	err := Shutdown(context.Background(),
		func(context.Context) error { return errA },
		nil,
		func(context.Context) error { return errB },
	)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
}

func TestDecisionPoint(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p := DecisionPoint(DecisionEvent{
		RequestID:     "req-1",
		PolicyVersion: "1.2.0",
		Blocked:       true,
		Outcome:       "blocked",
		Detections:    map[string]int{"regex": 2, "semantic": 1},
		StageMillis:   map[string]float64{"regex": 0.5, "total": 12},
		Time:          ts,
	})

	assert.Equal(t, "gdprgate_decision", p.Name())
	assert.Equal(t, ts, p.Time())

	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, map[string]string{"outcome": "blocked", "policy_version": "1.2.0"}, tags)

	fields := map[string]interface{}{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Equal(t, true, fields["blocked"])
	assert.EqualValues(t, 3, fields["detections"])
	assert.EqualValues(t, 2, fields["detections_regex"])
	assert.InDelta(t, 12.0, fields["total_ms"], 1e-9)
	_, hasRequestID := fields["request_id"]
	assert.False(t, hasRequestID, "request ids are high-cardinality and stay out of influx")
}

func TestNopRecorder(t *testing.T) {
	var r DecisionRecorder = NopRecorder{}
	r.RecordDecision(context.Background(), DecisionEvent{})
	r.Close()
}
