// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires OpenTelemetry tracing and metrics for the gateway
// and provides the optional InfluxDB decision-event stream.
//
// Nothing in this package ever receives request text: spans, metrics and
// decision events carry labels, counts, versions and durations only.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// TracerName is the instrumentation scope used by every gateway span.
const TracerName = "aleutian.gateway"

// Exporter names accepted by TracingConfig and MetricsConfig.
const (
	ExporterNone       = "none"
	ExporterStdout     = "stdout"
	ExporterOTLP       = "otlp"
	ExporterPrometheus = "prometheus"
)

// ShutdownFunc flushes and stops a provider.
type ShutdownFunc func(context.Context) error

// TracingConfig selects the span exporter.
type TracingConfig struct {
	// Exporter is one of ExporterNone, ExporterStdout or ExporterOTLP.
	Exporter string

	// OTLPEndpoint is the collector host:port for ExporterOTLP.
	OTLPEndpoint string

	// OTLPInsecure disables TLS towards the collector.
	OTLPInsecure bool

	// ServiceName is recorded as the service.name resource attribute.
	ServiceName string

	// Writer receives stdout spans. Nil means os.Stdout.
	Writer io.Writer
}

// InitTracing installs the global TracerProvider and W3C propagators.
//
// Description:
//
//	With ExporterNone only the propagators are installed and the global
//	no-op tracer stays in place, so spans cost nothing. The returned
//	ShutdownFunc must be called on exit to flush batched spans.
//
// Inputs:
//   - ctx: Context for exporter construction.
//   - cfg: Exporter selection.
//
// Outputs:
//   - ShutdownFunc: Flushes and stops the provider. Never nil.
//   - error: Non-nil if the exporter could not be created.
func InitTracing(ctx context.Context, cfg TracingConfig) (ShutdownFunc, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	var exp sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "", ExporterNone:
		return func(context.Context) error { return nil }, nil
	case ExporterStdout:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		exp, err = stdouttrace.New(stdouttrace.WithWriter(w))
	case ExporterOTLP:
		opts := []otlptracegrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err = otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("telemetry: unknown trace exporter %q", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(serviceResource(cfg.ServiceName)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func serviceResource(name string) *resource.Resource {
	if name == "" {
		name = "gdprgate"
	}
	return resource.NewSchemaless(attribute.String("service.name", name))
}

// Shutdown runs every ShutdownFunc and joins their errors.
func Shutdown(ctx context.Context, fns ...ShutdownFunc) error {
	var errs []error
	for _, fn := range fns {
		if fn == nil {
			continue
		}
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
