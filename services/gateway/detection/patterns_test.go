// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package detection

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

// testPatterns mirrors the shipped default policy's pattern set.
var testPatterns = []PatternSpec{
	{Label: LabelEmail, Expression: `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`},
	{Label: LabelIBAN, Expression: `\b[A-Z]{2}\d{2}[A-Z0-9]{10,30}\b`, Validator: ValidatorIBAN},
	{Label: LabelCard, Expression: `\b(?:\d[ -]*?){13,19}\b`, Validator: ValidatorLuhn},
	{Label: LabelIP, Expression: `\b(?:(?:25[0-5]|2[0-4]\d|1?\d{1,2})\.){3}(?:25[0-5]|2[0-4]\d|1?\d{1,2})\b|(?i:\b(?:[a-f0-9]{1,4}:){7}[a-f0-9]{1,4}\b)`},
	{Label: LabelDate, Expression: `(?i)\b(?:\d{1,2}[/-]\d{1,2}[/-]\d{2,4}|(?:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+\d{1,2},?\s+\d{4})\b`},
	{Label: LabelPhone, Expression: `\+?\d{1,3}[\s\-\.]?(?:\(\d{1,4}\)|\d{1,4})?(?:[\s\-\.]?\d{2,4}){2,4}`, Validator: ValidatorDigitBoundary},
	{Label: LabelCustomerID, Expression: `(?i)\b(?:ID|CUST|USER|ACC)[-_]?\d{3,10}\b`},
}

func newTestDetector(t *testing.T) *PatternDetector {
	t.Helper()
	d, err := NewPatternDetector("1.0.0", testPatterns, nil)
	if err != nil {
		t.Fatalf("NewPatternDetector: %v", err)
	}
	return d
}

func TestPatternDetector_Detect(t *testing.T) {
	d := newTestDetector(t)

	tests := []struct {
		name      string
		text      string
		wantLabel []string
		wantText  []string
	}{
		{
			name:      "email",
			text:      "Contact me at john@email.com",
			wantLabel: []string{LabelEmail},
			wantText:  []string{"john@email.com"},
		},
		{
			name:      "no pii",
			text:      "Summarize GDPR Article 6 in simple terms.",
			wantLabel: nil,
		},
		{
			name:      "valid iban",
			text:      "Pay to DE89370400440532013000 today",
			wantLabel: []string{LabelIBAN},
			wantText:  []string{"DE89370400440532013000"},
		},
		{
			name:      "card passes luhn",
			text:      "card 4111 1111 1111 1111 on file",
			wantLabel: []string{LabelCard},
			wantText:  []string{"4111 1111 1111 1111"},
		},
		{
			name:      "ipv4",
			text:      "login from 192.168.1.100 failed",
			wantLabel: []string{LabelIP},
			wantText:  []string{"192.168.1.100"},
		},
		{
			name:      "ipv6",
			text:      "peer 2001:0db8:85a3:0000:0000:8a2e:0370:7334 up",
			wantLabel: []string{LabelIP},
			wantText:  []string{"2001:0db8:85a3:0000:0000:8a2e:0370:7334"},
		},
		{
			name:      "numeric date",
			text:      "born 12/05/1990 in Berlin",
			wantLabel: []string{LabelDate},
			wantText:  []string{"12/05/1990"},
		},
		{
			name:      "month date",
			text:      "Meeting on March 3, 2024 confirmed",
			wantLabel: []string{LabelDate},
			wantText:  []string{"March 3, 2024"},
		},
		{
			name:      "phone",
			text:      "call +49 170 1234567 now",
			wantLabel: []string{LabelPhone},
			wantText:  []string{"+49 170 1234567"},
		},
		{
			name:      "customer id",
			text:      "ticket for CUST-123456 escalated",
			wantLabel: []string{LabelCustomerID},
			wantText:  []string{"CUST-123456"},
		},
		{
			name:      "several in order",
			text:      "mail a@b.io or ring 030 1234 5678",
			wantLabel: []string{LabelEmail, LabelPhone},
			wantText:  []string{"a@b.io", "030 1234 5678"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.Detect(tt.text)
			var labels, texts []string
			for _, h := range got {
				labels = append(labels, h.Label)
				texts = append(texts, h.Text)
				if h.Kind != KindRegex {
					t.Errorf("kind = %v, want regex", h.Kind)
				}
				if !h.Span.ValidIn(len(tt.text)) {
					t.Errorf("span %+v invalid for len %d", h.Span, len(tt.text))
				}
				if tt.text[h.Span.Start:h.Span.End] != h.Text {
					t.Errorf("text %q does not match span slice %q", h.Text, tt.text[h.Span.Start:h.Span.End])
				}
			}
			if !reflect.DeepEqual(labels, tt.wantLabel) {
				t.Errorf("labels = %v, want %v", labels, tt.wantLabel)
			}
			if tt.wantText != nil && !reflect.DeepEqual(texts, tt.wantText) {
				t.Errorf("texts = %v, want %v", texts, tt.wantText)
			}
		})
	}
}

func TestPatternDetector_RejectsInvalidChecksums(t *testing.T) {
	d := newTestDetector(t)

	for _, text := range []string{
		"iban DE00370400440532013000 wrong check",
		"card 4111 1111 1111 1112 typo",
	} {
		for _, h := range d.Detect(text) {
			if h.Label == LabelIBAN || h.Label == LabelCard {
				t.Errorf("Detect(%q) returned %s %q, want checksum rejection", text, h.Label, h.Text)
			}
		}
	}
}

func TestPatternDetector_Deterministic(t *testing.T) {
	d := newTestDetector(t)
	text := "john@email.com 192.168.0.1 CUST-4455 +44 20 7946 0958 DE89370400440532013000"

	first := d.Detect(text)
	for i := 0; i < 20; i++ {
		if got := d.Detect(text); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d differs: %+v vs %+v", i, got, first)
		}
	}
}

func TestPatternDetector_NoOverlaps(t *testing.T) {
	d := newTestDetector(t)
	text := "DE89370400440532013000 and 4111111111111111 and 10.0.0.1 and 01/02/2020"

	hits := d.Detect(text)
	for i := 1; i < len(hits); i++ {
		if hits[i-1].Span.Overlaps(hits[i].Span) {
			t.Errorf("hits %d and %d overlap: %+v %+v", i-1, i, hits[i-1], hits[i])
		}
		if hits[i-1].Span.Start > hits[i].Span.Start {
			t.Errorf("hits not ordered by start")
		}
	}
}

func TestPatternDetector_IgnoresMaskTokens(t *testing.T) {
	d := newTestDetector(t)
	masked := "Contact [PERSON] at [EMAIL] or [PHONE], card [CARD], id [CUSTOMER_ID]"
	if hits := d.Detect(masked); len(hits) != 0 {
		t.Errorf("Detect on masked tokens = %+v, want none", hits)
	}
}

func TestNewPatternDetector_Errors(t *testing.T) {
	tests := []struct {
		name  string
		specs []PatternSpec
		want  string
	}{
		{"empty", nil, "empty pattern set"},
		{"bad regex", []PatternSpec{{Label: LabelEmail, Expression: "("}}, "missing closing"},
		{"unknown validator", []PatternSpec{{Label: LabelEmail, Expression: "x", Validator: "crc"}}, "unknown validator"},
		{"label outside set", []PatternSpec{{Label: "URL", Expression: "http"}}, "not in regex label set"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPatternDetector("1.0.0", tt.specs, nil)
			if !errors.Is(err, ErrInvalidPattern) {
				t.Fatalf("err = %v, want ErrInvalidPattern", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %q, want substring %q", err.Error(), tt.want)
			}
		})
	}
}

func TestResolveOverlaps(t *testing.T) {
	regex := func(label string, s, e, prio int) Detection {
		return Detection{Kind: KindRegex, Label: label, Span: Span{s, e}, Priority: prio}
	}
	entity := func(label string, s, e int) Detection {
		return Detection{Kind: KindEntity, Label: label, Span: Span{s, e}}
	}

	tests := []struct {
		name string
		in   []Detection
		want []string
	}{
		{
			name: "earlier start wins",
			in:   []Detection{regex(LabelPhone, 5, 12, 5), regex(LabelCard, 3, 8, 2)},
			want: []string{LabelCard},
		},
		{
			name: "same start priority wins",
			in:   []Detection{regex(LabelCustomerID, 0, 8, 6), regex(LabelEmail, 0, 8, 0)},
			want: []string{LabelEmail},
		},
		{
			name: "regex beats entity on exact overlap",
			in:   []Detection{entity(LabelDate, 0, 10), regex(LabelDate, 0, 10, 4)},
			want: []string{LabelDate},
		},
		{
			name: "regex beats earlier entity on partial overlap",
			in:   []Detection{entity(LabelPerson, 0, 10), regex(LabelEmail, 5, 20, 0)},
			want: []string{LabelEmail},
		},
		{
			name: "disjoint kept in order",
			in:   []Detection{entity(LabelLoc, 20, 26), regex(LabelEmail, 0, 10, 0), entity(LabelPerson, 11, 19)},
			want: []string{LabelEmail, LabelPerson, LabelLoc},
		},
		{
			name: "semantic and synthetic ignored",
			in: []Detection{
				{Kind: KindSemantic, RegulationID: "Article 9"},
				NewProviderFailure("entity", KindEntity),
				regex(LabelIP, 0, 7, 3),
			},
			want: []string{LabelIP},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, d := range ResolveOverlaps(tt.in) {
				got = append(got, d.Label)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSpan(t *testing.T) {
	s := Span{Start: 2, End: 5}
	if s.Len() != 3 {
		t.Errorf("Len = %d", s.Len())
	}
	if !s.ValidIn(5) || s.ValidIn(4) {
		t.Errorf("ValidIn wrong")
	}
	if (Span{3, 3}).ValidIn(10) {
		t.Errorf("empty span must be invalid")
	}
	if !s.Overlaps(Span{4, 9}) || s.Overlaps(Span{5, 9}) {
		t.Errorf("Overlaps wrong for half-open spans")
	}
	if !s.Contains(Span{2, 4}) || s.Contains(Span{1, 4}) {
		t.Errorf("Contains wrong")
	}
}

func TestKind_TextRoundTrip(t *testing.T) {
	var k Kind
	if err := k.UnmarshalText([]byte("entity")); err != nil || k != KindEntity {
		t.Fatalf("UnmarshalText = %v, %v", k, err)
	}
	if err := k.UnmarshalText([]byte("bogus")); err == nil {
		t.Error("expected error for unknown kind")
	}
}
