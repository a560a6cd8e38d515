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
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig selects the OpenTelemetry metric reader.
type MetricsConfig struct {
	// Exporter is ExporterNone, ExporterPrometheus or ExporterStdout.
	// Prometheus registers on the default registry served at /metrics.
	Exporter string

	// Interval is the stdout export period. Zero means 30s.
	Interval time.Duration

	ServiceName string
	Writer      io.Writer
}

// InitMetrics installs the global MeterProvider.
//
// Outputs:
//   - ShutdownFunc: Flushes and stops the provider. Never nil.
//   - error: Non-nil if the reader could not be created.
func InitMetrics(cfg MetricsConfig) (ShutdownFunc, error) {
	var reader sdkmetric.Reader
	switch cfg.Exporter {
	case "", ExporterNone:
		return func(context.Context) error { return nil }, nil
	case ExporterPrometheus:
		exp, err := promexporter.New()
		if err != nil {
			return nil, fmt.Errorf("telemetry: create prometheus exporter: %w", err)
		}
		reader = exp
	case ExporterStdout:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("telemetry: create stdout metric exporter: %w", err)
		}
		interval := cfg.Interval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		reader = sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))
	default:
		return nil, fmt.Errorf("telemetry: unknown metric exporter %q", cfg.Exporter)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(serviceResource(cfg.ServiceName)),
	)
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}

// =============================================================================
// Provider Instruments
// =============================================================================

// ProviderInstruments records call counts and latency for one external
// model provider (entity recognizer, embedding service, vector index).
//
// Instruments are resolved from the global MeterProvider at construction,
// so InitMetrics must run first for the values to be exported.
//
// Thread Safety: Safe for concurrent use.
type ProviderInstruments struct {
	provider string
	calls    metric.Int64Counter
	latency  metric.Float64Histogram
}

// NewProviderInstruments creates instruments labelled with provider.
func NewProviderInstruments(provider string) *ProviderInstruments {
	meter := otel.Meter(TracerName)

	calls, err := meter.Int64Counter("gdprgate.provider.calls",
		metric.WithDescription("External model provider calls by outcome"))
	if err != nil {
		calls, _ = noop.Meter{}.Int64Counter("")
	}
	latency, err := meter.Float64Histogram("gdprgate.provider.latency",
		metric.WithDescription("External model provider call latency"),
		metric.WithUnit("s"))
	if err != nil {
		latency, _ = noop.Meter{}.Float64Histogram("")
	}

	return &ProviderInstruments{provider: provider, calls: calls, latency: latency}
}

// Record adds one call outcome.
//
// Inputs:
//   - ctx: Request context (carries the active span for exemplars).
//   - start: When the call began.
//   - err: The call error, nil on success.
func (p *ProviderInstruments) Record(ctx context.Context, start time.Time, err error) {
	if p == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", p.provider),
		attribute.String("status", status),
	)
	p.calls.Add(ctx, 1, attrs)
	p.latency.Record(ctx, time.Since(start).Seconds(), attrs)
}
