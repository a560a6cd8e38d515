// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package corpus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/AleutianGate/services/gateway/telemetry"
)

// DefaultWeaviateClass is the collection holding regulation passages.
const DefaultWeaviateClass = "GdprPassage"

// uploadBatchSize bounds one Weaviate batch request.
const uploadBatchSize = 100

// passageNamespace derives stable object UUIDs from passage IDs, so a
// re-upload overwrites instead of duplicating.
var passageNamespace = uuid.MustParse("6f1c2a52-8d7e-4b43-9a0e-2f5b7c1d9e30")

// WeaviateConfig configures WeaviateIndex.
type WeaviateConfig struct {
	Host   string // host:port
	Scheme string // http or https
	APIKey string
	Class  string

	// Info describes the corpus loaded into the class. Weaviate does not
	// store it, so the deployment supplies the version and model.
	Info Info
}

// WeaviateIndex queries a Weaviate class with nearVector search.
//
// Description:
//
//	The class is created with vectorizer "none" and cosine distance, so
//	similarity = 1 - distance. Results are re-sorted locally with
//	SortNeighbors to apply the passage-ID tie-break.
//
// Thread Safety: Safe for concurrent use (the client is).
type WeaviateIndex struct {
	client  *weaviate.Client
	class   string
	info    Info
	logger  *slog.Logger
	metrics *telemetry.ProviderInstruments
}

// NewWeaviateIndex creates a client for the configured class.
func NewWeaviateIndex(cfg WeaviateConfig, logger *slog.Logger) (*WeaviateIndex, error) {
	if cfg.Host == "" {
		return nil, errors.New("corpus: weaviate host is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	if cfg.Class == "" {
		cfg.Class = DefaultWeaviateClass
	}

	wcfg := weaviate.Config{Host: cfg.Host, Scheme: cfg.Scheme}
	if cfg.APIKey != "" {
		wcfg.Headers = map[string]string{"Authorization": "Bearer " + cfg.APIKey}
	}
	client, err := weaviate.NewClient(wcfg)
	if err != nil {
		return nil, fmt.Errorf("corpus: create weaviate client: %w", err)
	}

	return &WeaviateIndex{
		client:  client,
		class:   cfg.Class,
		info:    cfg.Info,
		logger:  logger,
		metrics: telemetry.NewProviderInstruments("weaviate"),
	}, nil
}

// Info implements Index.
func (w *WeaviateIndex) Info() Info { return w.info }

// Nearest implements Index.
func (w *WeaviateIndex) Nearest(ctx context.Context, vec []float32, k int) ([]Neighbor, error) {
	if k <= 0 {
		return nil, nil
	}
	start := time.Now()

	nearVector := w.client.GraphQL().NearVectorArgBuilder().WithVector(vec)
	fields := []graphql.Field{
		{Name: "passage_id"},
		{Name: "regulation_ids"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}}},
	}

	resp, err := w.client.GraphQL().Get().
		WithClassName(w.class).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(k).
		Do(ctx)
	if err == nil && len(resp.Errors) > 0 {
		err = fmt.Errorf("graphql: %s", resp.Errors[0].Message)
	}
	w.metrics.Record(ctx, start, err)
	if err != nil {
		return nil, fmt.Errorf("%w: weaviate nearVector: %v", ErrIndex, err)
	}

	neighbors, err := parseNearVector(resp.Data, w.class)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndex, err)
	}
	SortNeighbors(neighbors)
	if len(neighbors) > k {
		neighbors = neighbors[:k]
	}
	return neighbors, nil
}

// parseNearVector extracts neighbours from a GraphQL Get response.
func parseNearVector(data map[string]models.JSONObject, class string) ([]Neighbor, error) {
	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return nil, errors.New("response has no Get object")
	}
	items, ok := get[class].([]interface{})
	if !ok {
		if get[class] == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("unexpected %s payload %T", class, get[class])
	}

	out := make([]Neighbor, 0, len(items))
	for i, raw := range items {
		obj, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("result %d is %T", i, raw)
		}
		id, _ := obj["passage_id"].(string)
		if id == "" {
			return nil, fmt.Errorf("result %d has no passage_id", i)
		}
		var regIDs []string
		if list, ok := obj["regulation_ids"].([]interface{}); ok {
			for _, v := range list {
				if s, ok := v.(string); ok {
					regIDs = append(regIDs, s)
				}
			}
		}
		add, _ := obj["_additional"].(map[string]interface{})
		dist, ok := add["distance"].(float64)
		if !ok {
			return nil, fmt.Errorf("result %d has no distance", i)
		}
		out = append(out, Neighbor{
			PassageID:     id,
			RegulationIDs: regIDs,
			Similarity:    clamp(1 - dist),
		})
	}
	return out, nil
}

// Upload creates the class if needed and writes passages in batches.
//
// Inputs:
//   - ctx: Cancellation for the schema and batch calls.
//   - passages: Embedded passages. Object IDs are derived from passage IDs.
//
// Outputs:
//   - error: First schema, transport or per-object failure.
func (w *WeaviateIndex) Upload(ctx context.Context, passages []Passage) error {
	exists, err := w.client.Schema().ClassExistenceChecker().WithClassName(w.class).Do(ctx)
	if err != nil {
		return fmt.Errorf("corpus: check weaviate class: %w", err)
	}
	if !exists {
		if err := w.client.Schema().ClassCreator().WithClass(passageClass(w.class)).Do(ctx); err != nil {
			return fmt.Errorf("corpus: create weaviate class: %w", err)
		}
		w.logger.Info("weaviate class created", slog.String("class", w.class))
	}

	for from := 0; from < len(passages); from += uploadBatchSize {
		to := from + uploadBatchSize
		if to > len(passages) {
			to = len(passages)
		}
		objs := make([]*models.Object, 0, to-from)
		for _, p := range passages[from:to] {
			objs = append(objs, passageObject(w.class, p))
		}

		resp, err := w.client.Batch().ObjectsBatcher().WithObjects(objs...).Do(ctx)
		if err != nil {
			return fmt.Errorf("corpus: weaviate batch %d-%d: %w", from, to, err)
		}
		for _, r := range resp {
			if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
				return fmt.Errorf("corpus: weaviate object %s: %s", r.ID, r.Result.Errors.Error[0].Message)
			}
		}
	}

	w.logger.Info("weaviate upload complete",
		slog.String("class", w.class),
		slog.Int("passages", len(passages)),
	)
	return nil
}

func passageClass(name string) *models.Class {
	return &models.Class{
		Class:       name,
		Description: "Embedded GDPR articles and recitals",
		Vectorizer:  "none",
		VectorIndexConfig: map[string]interface{}{
			"distance": "cosine",
		},
		Properties: []*models.Property{
			{Name: "passage_id", DataType: []string{"text"}},
			{Name: "text", DataType: []string{"text"}},
			{Name: "regulation_ids", DataType: []string{"text[]"}},
		},
	}
}

func passageObject(class string, p Passage) *models.Object {
	return &models.Object{
		Class: class,
		ID:    strfmt.UUID(uuid.NewSHA1(passageNamespace, []byte(p.ID)).String()),
		Properties: map[string]interface{}{
			"passage_id":     p.ID,
			"text":           p.Text,
			"regulation_ids": p.RegulationIDs,
		},
		Vector: models.C11yVector(p.Vector),
	}
}
