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
	"regexp"
	"strings"
	"unicode"

	"github.com/AleutianAI/AleutianGate/services/gateway/detection"
)

// skipWords are payment keywords NER models routinely mislabel as ORG.
var skipWords = map[string]bool{
	"iban":       true,
	"credit":     true,
	"card":       true,
	"visa":       true,
	"mastercard": true,
}

// phoneShapedDate matches DATE entities that are really digit groups.
var phoneShapedDate = regexp.MustCompile(`\d{2,} [\d\s]{2,}`)

// Clean applies the gateway's post-filters to raw recognizer output.
//
// Description:
//
//	Each hit is trimmed of surrounding whitespace and then dropped when:
//	its label is outside the allowed set, its text is a payment keyword,
//	or it is a DATE that is all digits, phone-shaped, or at most four
//	characters once spaces are removed. Surviving PERSON hits whose last
//	word is lowercase ("Mary-Anne van") are merged with the following
//	PERSON hit when only whitespace separates them.
//
// Inputs:
//   - text: The input the spans refer to.
//   - hits: Raw KindEntity detections with valid spans.
//   - allowed: Entity label set. Nil means detection.DefaultEntityLabels.
//
// Outputs:
//   - []detection.Detection: Cleaned hits ordered by span start.
func Clean(text string, hits []detection.Detection, allowed []string) []detection.Detection {
	if allowed == nil {
		allowed = detection.DefaultEntityLabels
	}
	labelOK := make(map[string]bool, len(allowed))
	for _, l := range allowed {
		labelOK[l] = true
	}

	out := make([]detection.Detection, 0, len(hits))
	for _, h := range hits {
		h = trim(text, h)
		if h.Span.Len() <= 0 {
			continue
		}
		if !labelOK[h.Label] {
			continue
		}
		if skipWords[strings.ToLower(h.Text)] {
			continue
		}
		if h.Label == detection.LabelDate && junkDate(h.Text) {
			continue
		}
		out = append(out, h)
	}

	detection.SortBySpan(out)
	return mergePersonNames(text, out)
}

func junkDate(v string) bool {
	if phoneShapedDate.MatchString(v) {
		return true
	}
	if allDigits(v) {
		return true
	}
	return len(strings.ReplaceAll(v, " ", "")) <= 4
}

func allDigits(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// trim shrinks the span to exclude leading and trailing whitespace.
func trim(text string, h detection.Detection) detection.Detection {
	s, e := h.Span.Start, h.Span.End
	for s < e && isSpace(text[s]) {
		s++
	}
	for e > s && isSpace(text[e-1]) {
		e--
	}
	h.Span = detection.Span{Start: s, End: e}
	h.Text = text[s:e]
	return h
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// mergePersonNames joins split surnames such as "Mary-Anne van" + "Merwe".
func mergePersonNames(text string, hits []detection.Detection) []detection.Detection {
	out := make([]detection.Detection, 0, len(hits))
	for _, h := range hits {
		if n := len(out); n > 0 && h.Label == detection.LabelPerson {
			prev := out[n-1]
			if prev.Label == detection.LabelPerson &&
				endsWithLowerWord(prev.Text) &&
				prev.Span.End <= h.Span.Start &&
				strings.TrimSpace(text[prev.Span.End:h.Span.Start]) == "" {
				prev.Span.End = h.Span.End
				prev.Text = text[prev.Span.Start:prev.Span.End]
				out[n-1] = prev
				continue
			}
		}
		out = append(out, h)
	}
	return out
}

func endsWithLowerWord(s string) bool {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return false
	}
	last := fields[len(fields)-1]
	hasLetter := false
	for _, r := range last {
		if unicode.IsLetter(r) {
			hasLetter = true
			if !unicode.IsLower(r) {
				return false
			}
		}
	}
	return hasLetter
}
