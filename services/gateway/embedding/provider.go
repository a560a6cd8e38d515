// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package embedding maps text to fixed-length vectors for the semantic
// violation classifier and the offline corpus builder.
//
// Providers return unit-normalized vectors so cosine similarity reduces to
// a dot product everywhere downstream.
package embedding

import (
	"context"
	"errors"
	"math"
)

var (
	// ErrProvider is wrapped by every embedding provider failure.
	ErrProvider = errors.New("embedding: provider failure")

	// ErrEmptyVector is returned when a provider yields no usable vector.
	ErrEmptyVector = errors.New("embedding: empty or zero vector")

	// ErrDimensionMismatch is returned when two vectors of different
	// lengths are compared.
	ErrDimensionMismatch = errors.New("embedding: dimension mismatch")
)

// Provider maps text to a unit-normalized embedding vector.
//
// Thread Safety: Implementations must be safe for concurrent use. A
// provider is loaded once at startup and shared read-only by all requests.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)

	// Model names the embedding model, recorded with the corpus snapshot so
	// a query is never compared against vectors from another model.
	Model() string
}

// L2Norm computes the Euclidean norm of v.
func L2Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Normalize returns a unit-length copy of v.
//
// Outputs:
//   - []float32: New slice with norm 1.
//   - error: ErrEmptyVector if v is empty or all zeros.
func Normalize(v []float32) ([]float32, error) {
	norm := L2Norm(v)
	if len(v) == 0 || norm == 0 {
		return nil, ErrEmptyVector
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out, nil
}

// Dot computes the dot product of two equal-length vectors, accumulated in
// float64 in index order so the result is reproducible.
func Dot(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, ErrDimensionMismatch
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum, nil
}

// Cosine computes cosine similarity in [-1, 1] for arbitrary vectors.
func Cosine(a, b []float32) (float64, error) {
	dot, err := Dot(a, b)
	if err != nil {
		return 0, err
	}
	na, nb := L2Norm(a), L2Norm(b)
	if na == 0 || nb == 0 {
		return 0, ErrEmptyVector
	}
	c := dot / (na * nb)
	if c > 1 {
		c = 1
	} else if c < -1 {
		c = -1
	}
	return c, nil
}
