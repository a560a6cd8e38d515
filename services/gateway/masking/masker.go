// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package masking rewrites an input so that detected spans are replaced by
// label tokens and text-level violations are announced in a single prefix.
//
// The masker never touches bytes outside a surviving detection span, and
// the tokens and prefix it emits are recognised on re-entry so that masking
// an already-masked text is a no-op for those regions.
package masking

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianGate/services/gateway/detection"
	"github.com/AleutianAI/AleutianGate/services/gateway/semantic"
)

// ErrInvalidToken is returned for an empty replacement token.
var ErrInvalidToken = errors.New("masking: invalid token")

// PrefixTag opens every violation prefix.
const PrefixTag = "GDPR_VIOLATION"

// prefixRe only accepts well-formed identifier lists so that free text
// dressed up as a prefix is never treated as already masked.
var prefixRe = regexp.MustCompile(`^\[` + PrefixTag + `(?: \| (?:Articles|Recitals): ` + idList + `)*\]`)

const idList = `(?:Article|Recital) \d+(?:, (?:Article|Recital) \d+)*`

// DefaultToken is the token used for a label with no table entry.
func DefaultToken(label string) string { return "[" + label + "]" }

// Masker applies a label-to-token table.
//
// Thread Safety: Immutable after construction; safe for concurrent use.
type Masker struct {
	tokens map[string]string
	values []string
}

// NewMasker builds a masker from a token table. Labels absent from the
// table fall back to DefaultToken.
//
// Inputs:
//   - tokens: label -> replacement. May be nil.
//
// Outputs:
//   - *Masker: Ready masker.
//   - error: Wraps ErrInvalidToken when a replacement is empty.
func NewMasker(tokens map[string]string) (*Masker, error) {
	m := &Masker{tokens: make(map[string]string, len(tokens))}
	labels := append(append([]string{}, detection.DefaultRegexLabels...), detection.DefaultEntityLabels...)
	for _, l := range labels {
		m.tokens[l] = DefaultToken(l)
	}
	for label, tok := range tokens {
		if strings.TrimSpace(tok) == "" {
			return nil, fmt.Errorf("%w: label %s", ErrInvalidToken, label)
		}
		m.tokens[label] = tok
	}

	seen := map[string]bool{}
	for _, tok := range m.tokens {
		if !seen[tok] {
			seen[tok] = true
			m.values = append(m.values, tok)
		}
	}
	// Longest first so a token that contains another is protected whole.
	sort.Slice(m.values, func(i, j int) bool {
		if len(m.values[i]) != len(m.values[j]) {
			return len(m.values[i]) > len(m.values[j])
		}
		return m.values[i] < m.values[j]
	})
	return m, nil
}

// Token returns the replacement for label.
func (m *Masker) Token(label string) string {
	if tok, ok := m.tokens[label]; ok {
		return tok
	}
	return DefaultToken(label)
}

// Mask returns text with every surviving detection span replaced by its
// token and, when semantic violations are present, the violation prefix
// prepended.
//
// Description:
//
//	Span-addressable detections are resolved with detection.ResolveOverlaps
//	and written left to right into a builder, so offsets into the original
//	never shift. Spans that do not fit the text are ignored. If text already
//	begins with a violation prefix, its identifiers are merged into the new
//	prefix rather than stacking a second one.
//
// Inputs:
//   - text: The original input.
//   - dets: Detections of any kind. Synthetic detections are ignored.
//
// Outputs:
//   - string: The masked text. Equal to text when nothing applies.
func (m *Masker) Mask(text string, dets []detection.Detection) string {
	var b strings.Builder
	b.Grow(len(text) + 64)

	cursor := 0
	for _, d := range detection.ResolveOverlaps(dets) {
		if !d.Span.ValidIn(len(text)) {
			continue
		}
		b.WriteString(text[cursor:d.Span.Start])
		b.WriteString(m.Token(d.Label))
		cursor = d.Span.End
	}
	b.WriteString(text[cursor:])
	body := b.String()

	ids := regulationIDs(dets)
	if len(ids) == 0 {
		return body
	}

	if loc := prefixRe.FindStringIndex(body); loc != nil {
		ids = mergeIDs(ids, parsePrefix(body[loc[0]:loc[1]]))
		prefix := Prefix(ids)
		rest := body[loc[1]:]
		return prefix + rest
	}
	return Prefix(ids) + " " + body
}

// Prefix renders the violation prefix for a set of regulation identifiers.
// Articles and recitals are listed in ascending numeric order; an empty
// section is left out.
func Prefix(ids []string) string {
	var articles, recitals []string
	for _, id := range ids {
		if kind, _, ok := semantic.ParseID(id); ok && kind == semantic.LabelRecital {
			recitals = append(recitals, id)
		} else {
			articles = append(articles, id)
		}
	}
	sortIDs(articles)
	sortIDs(recitals)

	var b strings.Builder
	b.WriteString("[" + PrefixTag)
	if len(articles) > 0 {
		b.WriteString(" | Articles: " + strings.Join(articles, ", "))
	}
	if len(recitals) > 0 {
		b.WriteString(" | Recitals: " + strings.Join(recitals, ", "))
	}
	b.WriteString("]")
	return b.String()
}

// Protected returns the spans of text that the masker itself produced:
// every token occurrence and a leading violation prefix. Detections that
// overlap these spans are dropped before masking.
func (m *Masker) Protected(text string) []detection.Span {
	var out []detection.Span
	if loc := prefixRe.FindStringIndex(text); loc != nil {
		out = append(out, detection.Span{Start: loc[0], End: loc[1]})
	}
	taken := make([]bool, len(text))
	for _, tok := range m.values {
		for from := 0; from < len(text); {
			i := strings.Index(text[from:], tok)
			if i < 0 {
				break
			}
			start := from + i
			end := start + len(tok)
			if !anyTaken(taken[start:end]) {
				out = append(out, detection.Span{Start: start, End: end})
				for j := start; j < end; j++ {
					taken[j] = true
				}
			}
			from = end
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// FilterProtected drops span-addressable detections that lie entirely
// inside a span returned by Protected. A detection that only touches a
// protected span is kept. Semantic and synthetic detections pass through.
func (m *Masker) FilterProtected(text string, dets []detection.Detection) []detection.Detection {
	protected := m.Protected(text)
	if len(protected) == 0 {
		return dets
	}
	out := dets[:0:0]
	for _, d := range dets {
		if d.SpanAddressable() && containedInAny(d.Span, protected) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// SpecialCategories returns the distinct regulation identifiers of the
// semantic detections, articles first, in ascending numeric order.
func SpecialCategories(dets []detection.Detection) []string {
	ids := regulationIDs(dets)
	sortIDs(ids)
	return ids
}

func regulationIDs(dets []detection.Detection) []string {
	seen := map[string]bool{}
	var ids []string
	for _, d := range dets {
		if d.Kind != detection.KindSemantic || d.Synthetic || d.RegulationID == "" {
			continue
		}
		if !seen[d.RegulationID] {
			seen[d.RegulationID] = true
			ids = append(ids, d.RegulationID)
		}
	}
	return ids
}

func parsePrefix(p string) []string {
	var ids []string
	inner := strings.TrimSuffix(strings.TrimPrefix(p, "["+PrefixTag), "]")
	for _, section := range strings.Split(inner, " | ") {
		_, list, ok := strings.Cut(section, ": ")
		if !ok {
			continue
		}
		for _, id := range strings.Split(list, ", ") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func mergeIDs(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, id := range append(append([]string{}, a...), b...) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func sortIDs(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool { return semantic.CompareIDs(ids[i], ids[j]) < 0 })
}

func containedInAny(s detection.Span, spans []detection.Span) bool {
	for _, p := range spans {
		if p.Contains(s) {
			return true
		}
	}
	return false
}

func anyTaken(b []bool) bool {
	for _, v := range b {
		if v {
			return true
		}
	}
	return false
}
