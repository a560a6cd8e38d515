// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package entity adapts named-entity recognition providers to the gateway.
//
// The recognizer itself is an external model (a NER sidecar). This package
// owns the contract the decision core relies on: every returned hit has a
// byte span inside the input, a label from the configured set, and Text
// equal to the spanned substring. Provider failures are returned as errors
// wrapping ErrProvider; there is no fallback to "no entities".
package entity

import (
	"context"
	"errors"
	"strings"

	"github.com/AleutianAI/AleutianGate/services/gateway/detection"
)

var (
	// ErrProvider is wrapped by every recognizer failure.
	ErrProvider = errors.New("entity: provider failure")

	// ErrInvalidSpan is returned when the provider reports a span that does
	// not fit the input text.
	ErrInvalidSpan = errors.New("entity: provider returned invalid span")
)

// Recognizer finds named entities in text.
//
// Thread Safety: Implementations must be safe for concurrent use and must
// not mutate shared model state per request.
type Recognizer interface {
	// Recognize returns KindEntity detections ordered by span start.
	Recognize(ctx context.Context, text string) ([]detection.Detection, error)
}

// StaticRecognizer returns a fixed list of labelled phrases wherever they
// occur in the text. It backs the check command's offline mode and tests.
//
// Thread Safety: Safe for concurrent use (read-only after construction).
type StaticRecognizer struct {
	// Phrases maps an exact phrase to its entity label.
	Phrases map[string]string
	// Err, when set, is returned from every call wrapped in ErrProvider.
	Err error
}

// Recognize implements Recognizer.
func (s *StaticRecognizer) Recognize(_ context.Context, text string) ([]detection.Detection, error) {
	if s.Err != nil {
		return nil, errors.Join(ErrProvider, s.Err)
	}
	var hits []detection.Detection
	for phrase, label := range s.Phrases {
		if phrase == "" {
			continue
		}
		for off := 0; off < len(text); {
			i := strings.Index(text[off:], phrase)
			if i < 0 {
				break
			}
			i += off
			hits = append(hits, detection.Detection{
				Kind:  detection.KindEntity,
				Label: label,
				Span:  detection.Span{Start: i, End: i + len(phrase)},
				Text:  phrase,
			})
			off = i + len(phrase)
		}
	}
	detection.SortBySpan(hits)
	return hits, nil
}
