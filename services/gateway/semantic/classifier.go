// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package semantic detects regulation violations that have no lexical or
// named-entity signature by comparing the meaning of the input against the
// violation corpus.
package semantic

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianGate/services/gateway/corpus"
	"github.com/AleutianAI/AleutianGate/services/gateway/detection"
	"github.com/AleutianAI/AleutianGate/services/gateway/embedding"
	"github.com/AleutianAI/AleutianGate/services/gateway/telemetry"
)

// ErrInvalidConfig is returned by NewClassifier for out-of-range tunables.
var ErrInvalidConfig = errors.New("semantic: invalid configuration")

// Config holds the only two tunables of the classifier. Both are part of
// the versioned policy so a decision can be reproduced.
type Config struct {
	// Threshold (tau) is the minimum cosine similarity, in (-1, 1).
	Threshold float64

	// Neighbors (k) is how many nearest passages are considered.
	Neighbors int
}

// Classifier turns an input text into SemanticViolation detections.
//
// Description:
//
//	Classify embeds the text, queries the index for the k nearest
//	passages, keeps every passage with similarity >= Threshold and maps
//	them to regulation identifiers, keeping the highest similarity per
//	identifier. Confidence is the margin above the threshold rescaled to
//	[0, 1]: (sim - tau) / (1 - tau).
//
// Thread Safety: Safe for concurrent use. Holds no mutable state.
type Classifier struct {
	cfg      Config
	provider embedding.Provider
	index    corpus.Index
}

// NewClassifier wires a classifier.
//
// Inputs:
//   - cfg: Threshold in (-1, 1) and Neighbors >= 1.
//   - provider: Embedding provider used for queries.
//   - index: Violation corpus index.
//
// Outputs:
//   - *Classifier: Ready classifier.
//   - error: Wraps ErrInvalidConfig on bad tunables or nil dependencies.
func NewClassifier(cfg Config, provider embedding.Provider, index corpus.Index) (*Classifier, error) {
	if cfg.Threshold <= -1 || cfg.Threshold >= 1 {
		return nil, fmt.Errorf("threshold %v outside (-1, 1): %w", cfg.Threshold, ErrInvalidConfig)
	}
	if cfg.Neighbors < 1 {
		return nil, fmt.Errorf("neighbors %d < 1: %w", cfg.Neighbors, ErrInvalidConfig)
	}
	if provider == nil || index == nil {
		return nil, fmt.Errorf("provider and index are required: %w", ErrInvalidConfig)
	}
	return &Classifier{cfg: cfg, provider: provider, index: index}, nil
}

// Config returns the classifier's tunables.
func (c *Classifier) Config() Config { return c.cfg }

// Classify returns the semantic violations for text.
//
// Outputs:
//   - []detection.Detection: KindSemantic detections ordered by similarity
//     descending, then identifier. Nil when nothing crosses the threshold.
//   - error: Provider failures wrap embedding.ErrProvider; index failures
//     wrap corpus.ErrIndex. No partial result is returned on error.
func (c *Classifier) Classify(ctx context.Context, text string) ([]detection.Detection, error) {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "semantic.classify")
	defer span.End()

	vec, err := c.provider.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("semantic: embed input: %w", err)
	}

	neighbors, err := c.index.Nearest(ctx, vec, c.cfg.Neighbors)
	if err != nil {
		return nil, fmt.Errorf("semantic: query index: %w", err)
	}

	out := Select(neighbors, c.cfg.Threshold)
	span.SetAttributes(
		attribute.Int("semantic.neighbors", len(neighbors)),
		attribute.Int("semantic.violations", len(out)),
		attribute.Float64("semantic.threshold", c.cfg.Threshold),
	)
	return out, nil
}

// Select applies the threshold and per-identifier deduplication to a
// neighbour list. It is the pure half of Classify.
func Select(neighbors []corpus.Neighbor, threshold float64) []detection.Detection {
	best := map[string]float64{}
	for _, n := range neighbors {
		if n.Similarity < threshold {
			continue
		}
		for _, id := range n.RegulationIDs {
			if prev, ok := best[id]; !ok || n.Similarity > prev {
				best[id] = n.Similarity
			}
		}
	}
	if len(best) == 0 {
		return nil
	}

	out := make([]detection.Detection, 0, len(best))
	for id, sim := range best {
		out = append(out, detection.Detection{
			Kind:         detection.KindSemantic,
			Label:        labelFor(id),
			RegulationID: id,
			Similarity:   sim,
			Confidence:   confidence(sim, threshold),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return CompareIDs(out[i].RegulationID, out[j].RegulationID) < 0
	})
	return out
}

func confidence(sim, threshold float64) float64 {
	c := (sim - threshold) / (1 - threshold)
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// Identifier kinds.
const (
	LabelArticle = "ARTICLE"
	LabelRecital = "RECITAL"
)

func labelFor(id string) string {
	kind, _, _ := ParseID(id)
	return kind
}

// ParseID splits "Article 9" into (LabelArticle, 9, true). Unknown shapes
// return ("", 0, false).
func ParseID(id string) (string, int, bool) {
	fields := strings.Fields(id)
	if len(fields) != 2 {
		return "", 0, false
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil {
		return "", 0, false
	}
	switch strings.ToLower(fields[0]) {
	case "article":
		return LabelArticle, n, true
	case "recital":
		return LabelRecital, n, true
	default:
		return "", 0, false
	}
}

// CompareIDs orders identifiers articles first, then recitals, then by
// number, then lexically for unparseable ids.
func CompareIDs(a, b string) int {
	ka, na, oka := ParseID(a)
	kb, nb, okb := ParseID(b)
	switch {
	case oka && okb:
		if ka != kb {
			if ka == LabelArticle {
				return -1
			}
			return 1
		}
		return na - nb
	case oka:
		return -1
	case okb:
		return 1
	default:
		return strings.Compare(a, b)
	}
}
