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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianGate/services/gateway/detection"
	"github.com/AleutianAI/AleutianGate/services/gateway/telemetry"
)

// Logger is the single ordered writer for audit records.
//
// Description:
//
//	Record serializes all callers behind one mutex: it assigns the next
//	sequence number, links the record to the previous hash, marshals it and
//	appends it to the sink. The chain state advances once the primary
//	sink holds the line, so a failed write leaves no gap and a failed
//	mirror leaves no fork. The caller must not return a verdict until
//	Record returns nil.
//
// Thread Safety: Safe for concurrent use.
type Logger struct {
	mu     sync.Mutex
	sink   Sink
	text   *TextPolicy
	seq    uint64
	prev   string
	now    func() time.Time
	logger *slog.Logger
}

// LoggerOption customises a Logger.
type LoggerOption func(*Logger)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) LoggerOption {
	return func(l *Logger) { l.now = now }
}

// NewLogger creates a Logger and, when the sink is a Tailer, resumes the
// chain from its last record.
//
// Inputs:
//   - sink: Durable sink. Owned by the Logger after this call.
//   - text: Original-text policy.
//   - logger: Structured logger for write diagnostics.
//
// Outputs:
//   - *Logger: Ready logger.
//   - error: The tail of an existing log could not be parsed.
func NewLogger(sink Sink, text *TextPolicy, logger *slog.Logger, opts ...LoggerOption) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{
		sink:   sink,
		text:   text,
		prev:   GenesisHash,
		now:    time.Now,
		logger: logger.With(slog.String("component", "audit")),
	}
	for _, opt := range opts {
		opt(l)
	}

	if t, ok := sink.(Tailer); ok {
		last, err := t.Last()
		if err != nil {
			return nil, err
		}
		if len(last) > 0 {
			var r Record
			if err := json.Unmarshal(last, &r); err != nil {
				return nil, fmt.Errorf("%w: parse last record: %v", ErrChain, err)
			}
			l.seq, l.prev = r.Seq, r.Hash
			l.logger.Info("resumed audit chain", slog.Uint64("seq", r.Seq))
		}
	}
	return l, nil
}

// Record appends one record.
//
// Inputs:
//   - ctx: Carries trace context for diagnostics and cancellation for
//     remote sinks.
//   - e: The request outcome.
//
// Outputs:
//   - Record: The record as written, including seq and hash.
//   - error: Wraps ErrWrite on any failure. Nothing was acknowledged.
func (l *Logger) Record(ctx context.Context, e Entry) (Record, error) {
	r := Record{
		Event:         e.Event,
		RequestID:     e.RequestID,
		PolicyVersion: e.PolicyVersion,
		Blocked:       e.Blocked,
		MaskedText:    e.MaskedText,
		Detections:    e.Detections,
		TimingsMs:     timingsMillis(e.Timings),
		ErrorKind:     e.ErrorKind,
	}
	if r.Event == "" {
		r.Event = EventDecision
	}
	if r.Detections == nil {
		r.Detections = []detection.Detection{}
	}
	if e.Err != nil {
		r.Error = e.Err.Error()
	}
	if err := l.text.Apply(&r, e.OriginalText); err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrWrite, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	r.Seq = l.seq + 1
	r.PrevHash = l.prev
	r.Timestamp = l.now().UTC()

	hash, err := computeHash(r)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrWrite, err)
	}
	r.Hash = hash

	line, err := json.Marshal(r)
	if err != nil {
		return Record{}, fmt.Errorf("%w: marshal: %w", ErrWrite, err)
	}
	start := time.Now()
	if err := l.sink.Append(ctx, r.Seq, line); err != nil {
		writesTotal.WithLabelValues(string(r.Event), "error").Inc()
		committed := errors.Is(err, ErrCommitted)
		if committed {
			// The primary holds this record; the next one must chain to it.
			l.seq, l.prev = r.Seq, r.Hash
		}
		l.loggerWithTrace(ctx).Error("audit append failed",
			slog.Uint64("seq", r.Seq),
			slog.String("request_id", r.RequestID),
			slog.Bool("committed", committed),
			slog.String("error", telemetry.SafeError(err)),
		)
		return Record{}, fmt.Errorf("%w: %w", ErrWrite, err)
	}

	appendSeconds.Observe(time.Since(start).Seconds())
	writesTotal.WithLabelValues(string(r.Event), "ok").Inc()

	l.seq, l.prev = r.Seq, r.Hash
	l.loggerWithTrace(ctx).Debug("audit record written",
		slog.Uint64("seq", r.Seq),
		slog.String("request_id", r.RequestID),
		slog.String("event", string(r.Event)),
		slog.Bool("blocked", r.Blocked),
	)
	return r, nil
}

// Head returns the last acknowledged sequence number and hash.
func (l *Logger) Head() (uint64, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq, l.prev
}

// Close closes the sink.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sink.Close()
}

// loggerWithTrace returns a logger enriched with trace context.
func (l *Logger) loggerWithTrace(ctx context.Context) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return l.logger
	}
	return l.logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}
