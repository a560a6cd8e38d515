// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package entity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianGate/services/gateway/detection"
	"github.com/AleutianAI/AleutianGate/services/gateway/telemetry"
)

// defaultRecognizeTimeout bounds a single sidecar call. A timeout is a
// provider failure, handled fail-closed by the pipeline.
const defaultRecognizeTimeout = 10 * time.Second

// recognizeRequest is the sidecar request body.
type recognizeRequest struct {
	Text string `json:"text"`
}

// recognizeResponse is the sidecar response body. Offsets are Unicode code
// point indices, as produced by spaCy.
type recognizeResponse struct {
	Spans []sidecarSpan `json:"spans"`
}

type sidecarSpan struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Label string `json:"label"`
	Text  string `json:"text"`
}

// HTTPConfig configures the sidecar client.
type HTTPConfig struct {
	// URL is the full classify endpoint, e.g. http://ner:8001/classify.
	URL string

	// Timeout per call. Zero means 10s.
	Timeout time.Duration

	// Labels is the accepted entity label set. Nil means the default set.
	Labels []string

	// BreakerFailures is the number of consecutive failures that opens the
	// circuit breaker. Zero means 5.
	BreakerFailures uint32

	// BreakerCooldown is how long the breaker stays open before probing.
	// Zero means 30s.
	BreakerCooldown time.Duration
}

// HTTPRecognizer calls a NER sidecar over HTTP.
//
// Description:
//
//	POSTs {"text": ...} and expects {"spans": [{start, end, label, text}]}.
//	Code point offsets are converted to byte offsets, spans are validated
//	against the input and passed through Clean. A circuit breaker stops
//	hammering a dead sidecar: while it is open, calls fail immediately with
//	ErrProvider, which the pipeline still treats fail-closed.
//
// Thread Safety: Safe for concurrent use.
type HTTPRecognizer struct {
	url     string
	labels  []string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[[]detection.Detection]
	logger  *slog.Logger
	metrics *telemetry.ProviderInstruments
}

// NewHTTPRecognizer creates a sidecar client.
//
// Inputs:
//   - cfg: Endpoint and resilience settings. cfg.URL must not be empty.
//   - logger: Logger for breaker state changes. Nil means slog.Default().
//
// Outputs:
//   - *HTTPRecognizer: Ready client.
//   - error: Non-nil if cfg.URL is empty.
func NewHTTPRecognizer(cfg HTTPConfig, logger *slog.Logger) (*HTTPRecognizer, error) {
	if cfg.URL == "" {
		return nil, errors.New("entity: sidecar URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRecognizeTimeout
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	r := &HTTPRecognizer{
		url:     cfg.URL,
		labels:  cfg.Labels,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
		metrics: telemetry.NewProviderInstruments("entity"),
	}
	r.breaker = gobreaker.NewCircuitBreaker[[]detection.Detection](gobreaker.Settings{
		Name:        "entity-sidecar",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("entity recognizer breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return r, nil
}

// Recognize implements Recognizer.
//
// Outputs:
//   - []detection.Detection: Cleaned KindEntity hits ordered by start.
//   - error: Wraps ErrProvider on transport, status, decode or span errors,
//     and when the breaker is open.
func (r *HTTPRecognizer) Recognize(ctx context.Context, text string) ([]detection.Detection, error) {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "entity.recognize")
	defer span.End()
	span.SetAttributes(attribute.Int("text.bytes", len(text)))

	start := time.Now()
	hits, err := r.breaker.Execute(func() ([]detection.Detection, error) {
		return r.call(ctx, text)
	})
	r.metrics.Record(ctx, start, err)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %v", ErrProvider, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "entity recognizer failed")
		return nil, err
	}

	span.SetAttributes(attribute.Int("entity.hits", len(hits)))
	return hits, nil
}

func (r *HTTPRecognizer) call(ctx context.Context, text string) ([]detection.Detection, error) {
	body, err := json.Marshal(recognizeRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal: %v", ErrProvider, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: request: %v", ErrProvider, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("%w: status %d: %s", ErrProvider, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var out recognizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrProvider, err)
	}

	hits, err := toDetections(text, out.Spans)
	if err != nil {
		return nil, err
	}
	return Clean(text, hits, r.labels), nil
}

// toDetections converts code point spans to validated byte spans.
func toDetections(text string, spans []sidecarSpan) ([]detection.Detection, error) {
	if len(spans) == 0 {
		return nil, nil
	}
	offsets := runeOffsets(text)
	nRunes := len(offsets) - 1

	hits := make([]detection.Detection, 0, len(spans))
	for _, s := range spans {
		if s.Start < 0 || s.Start >= s.End || s.End > nRunes {
			return nil, fmt.Errorf("%w: [%d,%d) with %d runes: %w", ErrProvider, s.Start, s.End, nRunes, ErrInvalidSpan)
		}
		bs := detection.Span{Start: offsets[s.Start], End: offsets[s.End]}
		hits = append(hits, detection.Detection{
			Kind:  detection.KindEntity,
			Label: s.Label,
			Span:  bs,
			Text:  text[bs.Start:bs.End],
		})
	}
	return hits, nil
}

// runeOffsets maps code point index i to its byte offset; the final
// element is len(text).
func runeOffsets(text string) []int {
	offsets := make([]int, 0, utf8.RuneCountInString(text)+1)
	for i := range text {
		offsets = append(offsets, i)
	}
	return append(offsets, len(text))
}
