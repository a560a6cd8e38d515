// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianGate/services/gateway/telemetry"
)

// =============================================================================
// Ollama Embedding Provider
// =============================================================================

// batchConcurrency is the number of parallel Ollama calls in EmbedBatch.
const batchConcurrency = 8

// DefaultOllamaURL and DefaultOllamaModel are used when the corresponding
// config values are empty.
const (
	DefaultOllamaURL   = "http://localhost:11434/api/embed"
	DefaultOllamaModel = "bge-small-en-v1.5"
)

// ollamaEmbedReq is the Ollama /api/embed request body.
type ollamaEmbedReq struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// ollamaEmbedResp is the Ollama /api/embed response body.
type ollamaEmbedResp struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// OllamaConfig configures OllamaProvider.
type OllamaConfig struct {
	URL     string
	Model   string
	Timeout time.Duration
}

// OllamaProvider calls an Ollama-compatible /api/embed endpoint.
//
// # Description
//
// Every vector is unit-normalized before it is returned. Any transport,
// status or decode failure is returned wrapped in ErrProvider; the caller
// decides how to fail closed.
//
// # Thread Safety
//
// Safe for concurrent use.
type OllamaProvider struct {
	url     string
	model   string
	client  *http.Client
	logger  *slog.Logger
	metrics *telemetry.ProviderInstruments
}

// NewOllamaProvider creates a provider.
//
// # Inputs
//
//   - cfg: Endpoint, model and timeout. Empty values take the defaults.
//   - logger: Logger for batch diagnostics. Nil means slog.Default().
//
// # Outputs
//
//   - *OllamaProvider: Ready provider. Never nil.
func NewOllamaProvider(cfg OllamaConfig, logger *slog.Logger) *OllamaProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.URL == "" {
		cfg.URL = DefaultOllamaURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOllamaModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &OllamaProvider{
		url:     cfg.URL,
		model:   cfg.Model,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
		metrics: telemetry.NewProviderInstruments("embedding"),
	}
}

// Model implements Provider.
func (p *OllamaProvider) Model() string { return p.model }

// Embed implements Provider.
func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "embedding.embed")
	defer span.End()
	span.SetAttributes(
		attribute.String("embedding.model", p.model),
		attribute.Int("text.bytes", len(text)),
	)

	start := time.Now()
	vec, err := p.embed(ctx, text)
	p.metrics.Record(ctx, start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("embedding.dims", len(vec)))
	return vec, nil
}

// EmbedBatch embeds texts in parallel, preserving input order.
//
// # Description
//
// Used by the offline corpus builder. Unlike the request path, a single
// failure fails the whole batch: a corpus with silently missing passages
// would make decisions irreproducible.
//
// # Inputs
//
//   - ctx: Cancellation aborts pending calls.
//   - texts: Documents to embed.
//
// # Outputs
//
//   - [][]float32: Unit vectors, out[i] for texts[i].
//   - error: First failure, wrapped in ErrProvider.
func (p *OllamaProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)

	for i, text := range texts {
		g.Go(func() error {
			vec, err := p.Embed(gctx, text)
			if err != nil {
				return fmt.Errorf("document %d: %w", i, err)
			}
			out[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	p.logger.Debug("embedding batch complete",
		slog.Int("documents", len(texts)),
		slog.String("model", p.model),
	)
	return out, nil
}

// embed calls the Ollama /api/embed endpoint and returns the unit vector.
func (p *OllamaProvider) embed(ctx context.Context, text string) ([]float32, error) {
	reqBody, err := json.Marshal(ollamaEmbedReq{
		Model: p.model,
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal embed request: %v", ErrProvider, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("%w: create embed request: %v", ErrProvider, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: embed HTTP call: %v", ErrProvider, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read embed response: %v", ErrProvider, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: embed service returned %d: %s", ErrProvider, resp.StatusCode, string(body))
	}

	var ollamaResp ollamaEmbedResp
	if err := json.Unmarshal(body, &ollamaResp); err != nil {
		return nil, fmt.Errorf("%w: parse embed response: %v", ErrProvider, err)
	}
	if len(ollamaResp.Embeddings) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrProvider, ErrEmptyVector)
	}

	unit, err := Normalize(ollamaResp.Embeddings[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProvider, err)
	}
	return unit, nil
}
