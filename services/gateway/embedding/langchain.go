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
	"context"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"

	"github.com/AleutianAI/AleutianGate/services/gateway/telemetry"
)

// LangchainProvider adapts any langchaingo embeddings.Embedder.
//
// Queries use EmbedQuery and batches use EmbedDocuments, which lets the
// underlying client pick the right instruction prefix for each.
//
// Thread Safety: Safe for concurrent use if the wrapped embedder is.
type LangchainProvider struct {
	embedder embeddings.Embedder
	model    string
	metrics  *telemetry.ProviderInstruments
}

// NewLangchainProvider wraps an embedder.
func NewLangchainProvider(e embeddings.Embedder, model string) *LangchainProvider {
	return &LangchainProvider{
		embedder: e,
		model:    model,
		metrics:  telemetry.NewProviderInstruments("embedding"),
	}
}

// NewLangchainOllama builds a LangchainProvider on langchaingo's Ollama client.
//
// Inputs:
//   - serverURL: Ollama base URL, e.g. http://localhost:11434.
//   - model: Embedding model name.
//
// Outputs:
//   - *LangchainProvider: Ready provider.
//   - error: Non-nil if the client or embedder cannot be constructed.
func NewLangchainOllama(serverURL, model string) (*LangchainProvider, error) {
	opts := []ollama.Option{ollama.WithModel(model)}
	if serverURL != "" {
		opts = append(opts, ollama.WithServerURL(serverURL))
	}
	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("embedding: create ollama client: %w", err)
	}
	e, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("embedding: create embedder: %w", err)
	}
	return NewLangchainProvider(e, model), nil
}

// Model implements Provider.
func (p *LangchainProvider) Model() string { return p.model }

// Embed implements Provider.
func (p *LangchainProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vec, err := p.embedder.EmbedQuery(ctx, text)
	if err == nil {
		vec, err = Normalize(vec)
	}
	p.metrics.Record(ctx, start, err)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProvider, err)
	}
	return vec, nil
}

// EmbedBatch embeds documents in one call, preserving order.
func (p *LangchainProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProvider, err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d documents", ErrProvider, len(vecs), len(texts))
	}
	out := make([][]float32, len(vecs))
	for i, v := range vecs {
		unit, err := Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("%w: document %d: %w", ErrProvider, i, err)
		}
		out[i] = unit
	}
	return out, nil
}

// BatchProvider is implemented by providers that can embed many documents
// at once. The corpus builder falls back to sequential Embed otherwise.
type BatchProvider interface {
	Provider
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

var (
	_ BatchProvider = (*OllamaProvider)(nil)
	_ BatchProvider = (*LangchainProvider)(nil)
)
