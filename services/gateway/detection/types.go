// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package detection defines the detections produced by the gateway's three
// detector layers and implements the pattern detector for structured PII.
//
// A Detection is a tagged variant: regex hits and entity hits are
// span-addressable, semantic violations are text-level and carry a
// regulation identifier instead of a span.
//
// Thread Safety:
//
//	All exported types are immutable values or safe for concurrent use
//	after construction.
package detection

import (
	"fmt"
	"sort"
)

// Kind identifies which detector layer produced a Detection.
type Kind int

const (
	// KindRegex is a structured-PII match from the pattern detector.
	KindRegex Kind = iota

	// KindEntity is a named-entity span from the entity recognizer.
	KindEntity

	// KindSemantic is a text-level regulation match from the semantic classifier.
	KindSemantic
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindRegex:
		return "regex"
	case KindEntity:
		return "entity"
	case KindSemantic:
		return "semantic"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// MarshalText implements encoding.TextMarshaler so kinds serialize by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "regex":
		*k = KindRegex
	case "entity":
		*k = KindEntity
	case "semantic":
		*k = KindSemantic
	default:
		return fmt.Errorf("detection: unknown kind %q", string(b))
	}
	return nil
}

// Regex labels.
const (
	LabelEmail      = "EMAIL"
	LabelPhone      = "PHONE"
	LabelIP         = "IP"
	LabelCard       = "CARD"
	LabelIBAN       = "IBAN"
	LabelDate       = "DATE"
	LabelCustomerID = "CUSTOMER_ID"
)

// Entity labels. DATE is shared with the regex label set.
const (
	LabelPerson = "PERSON"
	LabelOrg    = "ORG"
	LabelGPE    = "GPE"
	LabelLoc    = "LOC"
)

// LabelProviderFailure marks the synthetic detection added when a model
// provider fails and the policy is to block rather than abort.
const LabelProviderFailure = "PROVIDER_FAILURE"

// DefaultRegexLabels is the regex label set in priority order.
var DefaultRegexLabels = []string{
	LabelEmail, LabelIBAN, LabelCard, LabelIP, LabelDate, LabelPhone, LabelCustomerID,
}

// DefaultEntityLabels is the entity label set accepted from the recognizer.
var DefaultEntityLabels = []string{LabelPerson, LabelOrg, LabelGPE, LabelLoc, LabelDate}

// =============================================================================
// Span
// =============================================================================

// Span is a half-open [Start, End) byte range into the original text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of bytes covered by the span.
func (s Span) Len() int { return s.End - s.Start }

// ValidIn reports whether 0 <= Start < End <= n.
func (s Span) ValidIn(n int) bool {
	return s.Start >= 0 && s.Start < s.End && s.End <= n
}

// Overlaps reports whether the two half-open spans share at least one byte.
func (s Span) Overlaps(o Span) bool {
	return s.Start < o.End && o.Start < s.End
}

// Contains reports whether o lies entirely within s.
func (s Span) Contains(o Span) bool {
	return s.Start <= o.Start && o.End <= s.End
}

// =============================================================================
// Detection
// =============================================================================

// Detection is one finding from a detector layer.
//
// Description:
//
//	Regex and entity detections carry Span and Text, where Text equals
//	input[Span.Start:Span.End]. Semantic detections carry RegulationID,
//	Similarity and Confidence, and leave Span zero. Synthetic is set only on
//	the fail-closed marker produced for provider failures.
type Detection struct {
	Kind  Kind   `json:"kind"`
	Label string `json:"label"`
	Span  Span   `json:"span"`
	Text  string `json:"text,omitempty"`

	// Priority is the pattern priority (lower wins). Zero for non-regex kinds.
	Priority int `json:"priority,omitempty"`

	RegulationID string  `json:"regulation_id,omitempty"`
	Similarity   float64 `json:"similarity,omitempty"`
	Confidence   float64 `json:"confidence,omitempty"`

	Synthetic bool `json:"synthetic,omitempty"`
}

// SpanAddressable reports whether the detection covers a range of the input.
func (d Detection) SpanAddressable() bool {
	return (d.Kind == KindRegex || d.Kind == KindEntity) && !d.Synthetic
}

// NewProviderFailure builds the synthetic fail-closed detection for a
// provider that could not produce a result.
//
// Inputs:
//   - provider: The provider name (e.g., "entity", "embedding").
//   - kind: The layer whose result is missing.
//
// Outputs:
//   - Detection: A span-less detection labelled LabelProviderFailure.
func NewProviderFailure(provider string, kind Kind) Detection {
	return Detection{
		Kind:      kind,
		Label:     LabelProviderFailure,
		Text:      provider,
		Synthetic: true,
	}
}

// =============================================================================
// Overlap Resolution
// =============================================================================

// SortBySpan orders span-addressable detections by start, then regex before
// entity, then priority, then longer span first. The sort is stable so
// equal keys keep their input order.
func SortBySpan(dets []Detection) {
	sort.SliceStable(dets, func(i, j int) bool {
		a, b := dets[i], dets[j]
		if a.Span.Start != b.Span.Start {
			return a.Span.Start < b.Span.Start
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.Span.Len() > b.Span.Len()
	})
}

// ResolveOverlaps returns the non-overlapping subset of span-addressable
// detections that survive the overlap policy, ordered by start offset.
//
// Description:
//
//	Regex hits are resolved among themselves first: the earlier-starting
//	match wins, ties go to the lower priority value, then the longer match.
//	Entity hits are then admitted only if they overlap no surviving regex
//	hit, and are resolved among themselves by earlier start, then longer
//	span. Regex therefore beats entity on any overlap, not only on an exact
//	one. Semantic and synthetic detections are ignored.
//
// Inputs:
//   - dets: Detections of any kind. Not modified.
//
// Outputs:
//   - []Detection: Surviving regex and entity detections sorted by Span.Start.
func ResolveOverlaps(dets []Detection) []Detection {
	var regex, entity []Detection
	for _, d := range dets {
		if !d.SpanAddressable() {
			continue
		}
		if d.Kind == KindRegex {
			regex = append(regex, d)
		} else {
			entity = append(entity, d)
		}
	}

	kept := greedy(regex, nil)
	kept = greedy(entity, kept)

	SortBySpan(kept)
	return kept
}

// greedy admits candidates in SortBySpan order, skipping any that overlap
// an already admitted detection (including those in blockers).
func greedy(candidates, blockers []Detection) []Detection {
	SortBySpan(candidates)
	out := append([]Detection(nil), blockers...)
	for _, c := range candidates {
		clash := false
		for _, k := range out {
			if c.Span.Overlaps(k.Span) {
				clash = true
				break
			}
		}
		if !clash {
			out = append(out, c)
		}
	}
	return out
}
