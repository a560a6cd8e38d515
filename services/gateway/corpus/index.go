// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package corpus holds the violation corpus: embedded regulatory passages
// (articles and recitals) and the nearest-neighbour indexes over them.
//
// The corpus is built offline (see Builder) and is immutable at serve time.
// Every index implementation orders neighbours by similarity descending and
// breaks ties by passage ID, so a query is a pure function of the vector
// and the corpus version.
package corpus

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/AleutianAI/AleutianGate/services/gateway/embedding"
)

var (
	// ErrEmptyCorpus is returned when an index has no passages.
	ErrEmptyCorpus = errors.New("corpus: no passages")

	// ErrIndex is wrapped by every query-time index failure.
	ErrIndex = errors.New("corpus: index failure")

	// ErrModelMismatch is returned when a snapshot was embedded with a
	// different model than the serving provider.
	ErrModelMismatch = errors.New("corpus: embedding model mismatch")
)

// Passage is one embedded chunk of regulatory text.
type Passage struct {
	ID            string    `json:"id"`
	Text          string    `json:"text"`
	RegulationIDs []string  `json:"regulation_ids"`
	Vector        []float32 `json:"vector,omitempty"`
}

// Neighbor is a query result.
type Neighbor struct {
	PassageID     string
	RegulationIDs []string
	Similarity    float64
}

// Info describes a built corpus.
type Info struct {
	Version  string    `json:"version"`
	Model    string    `json:"model"`
	Passages int       `json:"passages"`
	Dims     int       `json:"dims"`
	BuiltAt  time.Time `json:"built_at"`
	Source   string    `json:"source,omitempty"`
}

// Index answers k-nearest-neighbour queries by cosine similarity.
//
// Thread Safety: Implementations must be safe for concurrent reads.
type Index interface {
	// Nearest returns up to k neighbours of the unit vector vec, ordered by
	// similarity descending, then passage ID ascending.
	Nearest(ctx context.Context, vec []float32, k int) ([]Neighbor, error)

	// Info describes the corpus behind the index.
	Info() Info
}

// =============================================================================
// MemoryIndex
// =============================================================================

// MemoryIndex is an exact brute-force index held in memory.
//
// Description:
//
//	The GDPR corpus is a few hundred passages, so an exact scan is both
//	fast and free of approximate-search nondeterminism. Passages are
//	copied and vectors normalized at construction; the index is never
//	mutated afterwards.
//
// Thread Safety: Safe for concurrent use (immutable).
type MemoryIndex struct {
	info     Info
	passages []Passage
}

// NewMemoryIndex builds an index over passages.
//
// Inputs:
//   - info: Corpus metadata. Passages and Dims are filled in.
//   - passages: Passages with non-empty vectors of equal length.
//
// Outputs:
//   - *MemoryIndex: Ready index.
//   - error: ErrEmptyCorpus, or a vector error for zero or ragged vectors.
func NewMemoryIndex(info Info, passages []Passage) (*MemoryIndex, error) {
	if len(passages) == 0 {
		return nil, ErrEmptyCorpus
	}
	dims := len(passages[0].Vector)
	out := make([]Passage, len(passages))
	for i, p := range passages {
		if len(p.Vector) != dims {
			return nil, embedding.ErrDimensionMismatch
		}
		unit, err := embedding.Normalize(p.Vector)
		if err != nil {
			return nil, err
		}
		p.Vector = unit
		p.RegulationIDs = append([]string(nil), p.RegulationIDs...)
		out[i] = p
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	info.Passages = len(out)
	info.Dims = dims
	return &MemoryIndex{info: info, passages: out}, nil
}

// Info implements Index.
func (m *MemoryIndex) Info() Info { return m.info }

// Passages returns a copy of the indexed passages ordered by ID.
func (m *MemoryIndex) Passages() []Passage {
	return append([]Passage(nil), m.passages...)
}

// Nearest implements Index.
func (m *MemoryIndex) Nearest(ctx context.Context, vec []float32, k int) ([]Neighbor, error) {
	if k <= 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Join(ErrIndex, err)
	}
	query, err := embedding.Normalize(vec)
	if err != nil {
		return nil, errors.Join(ErrIndex, err)
	}

	all := make([]Neighbor, 0, len(m.passages))
	for _, p := range m.passages {
		sim, err := embedding.Dot(query, p.Vector)
		if err != nil {
			return nil, errors.Join(ErrIndex, err)
		}
		all = append(all, Neighbor{
			PassageID:     p.ID,
			RegulationIDs: p.RegulationIDs,
			Similarity:    clamp(sim),
		})
	}
	SortNeighbors(all)
	if len(all) > k {
		all = all[:k]
	}
	return all, nil
}

// SortNeighbors orders by similarity descending, then passage ID ascending.
func SortNeighbors(ns []Neighbor) {
	sort.SliceStable(ns, func(i, j int) bool {
		if ns[i].Similarity != ns[j].Similarity {
			return ns[i].Similarity > ns[j].Similarity
		}
		return ns[i].PassageID < ns[j].PassageID
	})
}

func clamp(s float64) float64 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}
