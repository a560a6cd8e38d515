// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package masking

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianGate/services/gateway/detection"
)

func hit(kind detection.Kind, label, text, sub string, priority int) detection.Detection {
	start := strings.Index(text, sub)
	return detection.Detection{
		Kind:     kind,
		Label:    label,
		Span:     detection.Span{Start: start, End: start + len(sub)},
		Text:     sub,
		Priority: priority,
	}
}

func violation(id string) detection.Detection {
	return detection.Detection{Kind: detection.KindSemantic, RegulationID: id, Similarity: 0.8}
}

func newMasker(t *testing.T) *Masker {
	t.Helper()
	m, err := NewMasker(nil)
	require.NoError(t, err)
	return m
}

func TestMask_Email(t *testing.T) {
	m := newMasker(t)
	text := "Contact me at john@email.com"
	got := m.Mask(text, []detection.Detection{hit(detection.KindRegex, detection.LabelEmail, text, "john@email.com", 0)})
	assert.Equal(t, "Contact me at [EMAIL]", got)
}

func TestMask_NoDetections(t *testing.T) {
	m := newMasker(t)
	text := "Summarize GDPR Article 6 in simple terms."
	assert.Equal(t, text, m.Mask(text, nil))
}

func TestMask_SemanticPrefix(t *testing.T) {
	m := newMasker(t)
	text := "We store employee medical histories and genetic markers to evaluate job performance."

	got := m.Mask(text, []detection.Detection{violation("Article 9")})
	assert.Equal(t, "[GDPR_VIOLATION | Articles: Article 9] "+text, got)

	got = m.Mask(text, []detection.Detection{
		violation("Recital 51"), violation("Article 10"), violation("Article 9"), violation("Article 9"),
	})
	assert.True(t, strings.HasPrefix(got, "[GDPR_VIOLATION | Articles: Article 9, Article 10 | Recitals: Recital 51] "), got)
}

func TestPrefix_RecitalsOnly(t *testing.T) {
	assert.Equal(t, "[GDPR_VIOLATION | Recitals: Recital 4, Recital 38]", Prefix([]string{"Recital 38", "Recital 4"}))
}

func TestMask_RegexBeatsEntityOnOverlap(t *testing.T) {
	m := newMasker(t)
	text := "Mail anna.smith@corp.eu today"
	dets := []detection.Detection{
		hit(detection.KindEntity, detection.LabelPerson, text, "anna.smith", 0),
		hit(detection.KindRegex, detection.LabelEmail, text, "anna.smith@corp.eu", 0),
	}
	assert.Equal(t, "Mail [EMAIL] today", m.Mask(text, dets))
}

func TestMask_Containment(t *testing.T) {
	m := newMasker(t)
	text := "Anna Berg lives in Paris, card 4111 1111 1111 1111, mail a@b.io."
	dets := []detection.Detection{
		hit(detection.KindEntity, detection.LabelPerson, text, "Anna Berg", 0),
		hit(detection.KindEntity, detection.LabelGPE, text, "Paris", 0),
		hit(detection.KindRegex, detection.LabelCard, text, "4111 1111 1111 1111", 2),
		hit(detection.KindRegex, detection.LabelEmail, text, "a@b.io", 0),
	}
	got := m.Mask(text, dets)
	assert.Equal(t, "[PERSON] lives in [GPE], card [CARD], mail [EMAIL].", got)

	// Every byte outside the detected spans survives in order.
	var outside strings.Builder
	cursor := 0
	for _, d := range detection.ResolveOverlaps(dets) {
		outside.WriteString(text[cursor:d.Span.Start])
		cursor = d.Span.End
	}
	outside.WriteString(text[cursor:])
	stripped := got
	for _, tok := range []string{"[PERSON]", "[GPE]", "[CARD]", "[EMAIL]"} {
		stripped = strings.ReplaceAll(stripped, tok, "")
	}
	assert.Equal(t, outside.String(), stripped)
}

func TestMask_IgnoresInvalidAndSynthetic(t *testing.T) {
	m := newMasker(t)
	text := "short"
	dets := []detection.Detection{
		{Kind: detection.KindRegex, Label: detection.LabelEmail, Span: detection.Span{Start: 2, End: 40}},
		detection.NewProviderFailure("entity", detection.KindEntity),
	}
	assert.Equal(t, text, m.Mask(text, dets))
}

func TestMask_CustomTokens(t *testing.T) {
	m, err := NewMasker(map[string]string{detection.LabelEmail: "<redacted-email>"})
	require.NoError(t, err)
	text := "x a@b.io"
	got := m.Mask(text, []detection.Detection{hit(detection.KindRegex, detection.LabelEmail, text, "a@b.io", 0)})
	assert.Equal(t, "x <redacted-email>", got)
	assert.Equal(t, "[PHONE]", m.Token(detection.LabelPhone))
	assert.Equal(t, "[ZIP]", m.Token("ZIP"))

	_, err = NewMasker(map[string]string{detection.LabelEmail: "  "})
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMask_IdempotentPrefix(t *testing.T) {
	m := newMasker(t)
	text := "genetic markers for hiring"
	once := m.Mask(text, []detection.Detection{violation("Article 9")})
	twice := m.Mask(once, []detection.Detection{violation("Article 9")})
	assert.Equal(t, once, twice)

	merged := m.Mask(once, []detection.Detection{violation("Recital 51")})
	assert.Equal(t, "[GDPR_VIOLATION | Articles: Article 9 | Recitals: Recital 51] "+text, merged)
}

func TestProtected(t *testing.T) {
	m := newMasker(t)
	text := "[GDPR_VIOLATION | Articles: Article 9] call [PHONE] or [EMAIL]"
	spans := m.Protected(text)
	require.Len(t, spans, 3)
	assert.Equal(t, 0, spans[0].Start)
	assert.Equal(t, "[PHONE]", text[spans[1].Start:spans[1].End])
	assert.Equal(t, "[EMAIL]", text[spans[2].Start:spans[2].End])
}

func TestFilterProtected(t *testing.T) {
	m := newMasker(t)
	text := "[GDPR_VIOLATION | Articles: Article 9] [PERSON] met Anna"
	dets := []detection.Detection{
		hit(detection.KindEntity, detection.LabelOrg, text, "GDPR_VIOLATION", 0),
		hit(detection.KindEntity, detection.LabelPerson, text, "PERSON", 0),
		hit(detection.KindEntity, detection.LabelPerson, text, "Anna", 0),
		violation("Article 9"),
	}
	got := m.FilterProtected(text, dets)
	require.Len(t, got, 2)
	assert.Equal(t, "Anna", got[0].Text)
	assert.Equal(t, detection.KindSemantic, got[1].Kind)

	// Re-masking the filtered result leaves the text unchanged.
	masked := m.Mask(text, got[1:])
	assert.Equal(t, text, masked)
}

func TestProtected_RejectsMalformedPrefix(t *testing.T) {
	m := newMasker(t)
	tests := []struct {
		name string
		text string
	}{
		{"free text in article list", "[GDPR_VIOLATION | Articles: john@email.com, Anna Berg] hi"},
		{"card number in recital list", "[GDPR_VIOLATION | Recitals: 4111 1111 1111 1111] hi"},
		{"unknown section", "[GDPR_VIOLATION | Notes: Article 9] hi"},
		{"trailing separator", "[GDPR_VIOLATION | Articles: Article 9, ] hi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Empty(t, m.Protected(tt.text))
		})
	}
}

func TestFilterProtected_KeepsPartialOverlap(t *testing.T) {
	m := newMasker(t)
	text := "mail [EMAIL]x@y.io now"
	straddle := detection.Detection{
		Kind:  detection.KindRegex,
		Label: detection.LabelEmail,
		Text:  "EMAIL]x@y.io",
		Span:  detection.Span{Start: 6, End: 18},
	}
	require.Equal(t, straddle.Text, text[straddle.Span.Start:straddle.Span.End])
	inside := hit(detection.KindEntity, detection.LabelOrg, text, "EMAIL", 0)

	got := m.FilterProtected(text, []detection.Detection{straddle, inside})
	require.Len(t, got, 1)
	assert.Equal(t, straddle.Span, got[0].Span)
}

func TestSpecialCategories(t *testing.T) {
	dets := []detection.Detection{
		violation("Recital 51"), violation("Article 9"), violation("Article 9"),
		detection.NewProviderFailure("embedding", detection.KindSemantic),
	}
	assert.Equal(t, []string{"Article 9", "Recital 51"}, SpecialCategories(dets))
}
