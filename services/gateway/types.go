// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"github.com/AleutianAI/AleutianGate/services/gateway/detection"
	"github.com/AleutianAI/AleutianGate/services/gateway/masking"
)

// =============================================================================
// Request / Response Types
// =============================================================================

// TextRequest is the body of every detection endpoint.
type TextRequest struct {
	// Text is the prompt to evaluate. Must be non-empty after trimming.
	Text string `json:"text"`
}

// DetectionsView groups matched substrings by label.
type DetectionsView struct {
	// Regex maps a regex label to the matched substrings.
	Regex map[string][]string `json:"regex"`

	// NER maps an entity label to the matched substrings.
	NER map[string][]string `json:"ner"`

	// SpecialCategories lists the distinct regulation identifiers matched
	// by the semantic classifier (e.g., "Article 9").
	SpecialCategories []string `json:"special_categories"`

	// ProviderFailures lists providers whose failure was converted into a
	// blocking detection. Omitted when every provider answered.
	ProviderFailures []string `json:"provider_failures,omitempty"`
}

// ProcessResponse is returned by POST /v1/process_prompt.
type ProcessResponse struct {
	RequestID     string             `json:"request_id"`
	PolicyVersion string             `json:"policy_version"`
	Blocked       bool               `json:"blocked"`
	MaskedText    string             `json:"masked_text"`
	Detections    DetectionsView     `json:"detections"`
	Timings       map[string]float64 `json:"timings"`
}

// ClassifyResponse is returned by POST /v1/classify.
type ClassifyResponse struct {
	RequestID     string                `json:"request_id"`
	PolicyVersion string                `json:"policy_version"`
	Sensitive     bool                  `json:"sensitive"`
	Detections    DetectionsView        `json:"detections"`
	Spans         []detection.Detection `json:"spans"`
	Timings       map[string]float64    `json:"timings"`
}

// DetectRegexResponse is returned by POST /v1/detect_regex.
type DetectRegexResponse struct {
	PolicyVersion string                `json:"policy_version"`
	Regex         map[string][]string   `json:"regex"`
	Spans         []detection.Detection `json:"spans"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// HealthResponse is returned by the health and readiness endpoints.
type HealthResponse struct {
	Status        string `json:"status"`
	PolicyVersion string `json:"policy_version,omitempty"`
	CorpusVersion string `json:"corpus_version,omitempty"`
	CorpusModel   string `json:"corpus_model,omitempty"`
	Passages      int    `json:"passages,omitempty"`
}

// groupDetections builds the response view of a detection list.
func groupDetections(dets []detection.Detection) DetectionsView {
	v := DetectionsView{
		Regex:             map[string][]string{},
		NER:               map[string][]string{},
		SpecialCategories: masking.SpecialCategories(dets),
	}
	if v.SpecialCategories == nil {
		v.SpecialCategories = []string{}
	}
	for _, d := range dets {
		switch {
		case d.Synthetic:
			v.ProviderFailures = append(v.ProviderFailures, d.Text)
		case d.Kind == detection.KindRegex:
			v.Regex[d.Label] = append(v.Regex[d.Label], d.Text)
		case d.Kind == detection.KindEntity:
			v.NER[d.Label] = append(v.NER[d.Label], d.Text)
		}
	}
	return v
}
