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
	"fmt"
	"regexp"
)

// ErrInvalidPattern is returned when a pattern set cannot be compiled.
// It is a startup error, never a per-request one.
var ErrInvalidPattern = errors.New("detection: invalid pattern")

// Validator names accepted by PatternSpec.Validator.
const (
	ValidatorNone          = ""
	ValidatorLuhn          = "luhn"
	ValidatorIBAN          = "iban"
	ValidatorDigitBoundary = "digit_boundary"
)

// PatternSpec is the uncompiled form of one pattern.
//
// Description:
//
//	Patterns are listed in priority order; the position in the slice given
//	to NewPatternDetector becomes the priority (0 is highest). Expression
//	uses RE2 syntax. Validator optionally post-filters raw matches.
type PatternSpec struct {
	Label      string
	Expression string
	Validator  string
}

// compiledPattern is a PatternSpec ready for matching.
type compiledPattern struct {
	label    string
	re       *regexp.Regexp
	validate func(text string, start, end int) bool
	priority int
}

// PatternDetector finds structured PII with a fixed, versioned pattern set.
//
// Description:
//
//	Detect is a pure function of its input and the pattern set: no I/O,
//	no clocks, no randomness. Overlapping matches are resolved with
//	ResolveOverlaps so the output never contains two overlapping spans.
//
// Thread Safety: Safe for concurrent use. regexp.Regexp is concurrent-safe.
type PatternDetector struct {
	version  string
	patterns []compiledPattern
}

// NewPatternDetector compiles a pattern set.
//
// Inputs:
//   - version: Pattern set version recorded alongside every decision.
//   - specs: Patterns in priority order. Must not be empty.
//   - allowed: Regex label set. Patterns whose label is outside it are
//     rejected. Nil means DefaultRegexLabels.
//
// Outputs:
//   - *PatternDetector: Ready detector.
//   - error: Wraps ErrInvalidPattern on an empty set, a bad expression, an
//     unknown validator, or a label outside the allowed set.
func NewPatternDetector(version string, specs []PatternSpec, allowed []string) (*PatternDetector, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("empty pattern set: %w", ErrInvalidPattern)
	}
	if allowed == nil {
		allowed = DefaultRegexLabels
	}
	labelOK := make(map[string]bool, len(allowed))
	for _, l := range allowed {
		labelOK[l] = true
	}

	d := &PatternDetector{version: version, patterns: make([]compiledPattern, 0, len(specs))}
	for i, s := range specs {
		if !labelOK[s.Label] {
			return nil, fmt.Errorf("pattern %d: label %q not in regex label set: %w", i, s.Label, ErrInvalidPattern)
		}
		re, err := regexp.Compile(s.Expression)
		if err != nil {
			return nil, fmt.Errorf("pattern %d (%s): %v: %w", i, s.Label, err, ErrInvalidPattern)
		}
		validate, err := validatorFor(s.Validator)
		if err != nil {
			return nil, fmt.Errorf("pattern %d (%s): %v: %w", i, s.Label, err, ErrInvalidPattern)
		}
		d.patterns = append(d.patterns, compiledPattern{
			label:    s.Label,
			re:       re,
			validate: validate,
			priority: i,
		})
	}
	return d, nil
}

// Version returns the pattern set version.
func (d *PatternDetector) Version() string { return d.version }

// Labels returns the pattern labels in priority order.
func (d *PatternDetector) Labels() []string {
	out := make([]string, len(d.patterns))
	for i, p := range d.patterns {
		out[i] = p.label
	}
	return out
}

// Detect returns the regex hits in text ordered by start offset.
//
// Description:
//
//	Every pattern is run over the whole text. Raw matches that fail the
//	pattern's validator are discarded, then overlaps are resolved with the
//	earlier-start, then priority rule.
//
// Inputs:
//   - text: The input text.
//
// Outputs:
//   - []Detection: KindRegex detections. Nil when nothing matched.
func (d *PatternDetector) Detect(text string) []Detection {
	var raw []Detection
	for _, p := range d.patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			start, end := loc[0], loc[1]
			if start == end {
				continue
			}
			if p.validate != nil && !p.validate(text, start, end) {
				continue
			}
			raw = append(raw, Detection{
				Kind:     KindRegex,
				Label:    p.label,
				Span:     Span{Start: start, End: end},
				Text:     text[start:end],
				Priority: p.priority,
			})
		}
	}
	if len(raw) == 0 {
		return nil
	}
	return ResolveOverlaps(raw)
}

func validatorFor(name string) (func(text string, start, end int) bool, error) {
	switch name {
	case ValidatorNone:
		return nil, nil
	case ValidatorLuhn:
		return func(text string, start, end int) bool {
			return LuhnValid(text[start:end])
		}, nil
	case ValidatorIBAN:
		return func(text string, start, end int) bool {
			return IBANValid(text[start:end])
		}, nil
	case ValidatorDigitBoundary:
		return digitBoundary, nil
	default:
		return nil, fmt.Errorf("unknown validator %q", name)
	}
}
