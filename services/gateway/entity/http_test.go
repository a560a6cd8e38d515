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
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianGate/services/gateway/detection"
)

// =============================================================================
// Mock NER Sidecar
// =============================================================================

// mockSidecar serves fixed spans, or a status code when status != 200.
func mockSidecar(t *testing.T, status int, spans []sidecarSpan, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		var req recognizeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if status != http.StatusOK {
			http.Error(w, "model not loaded", status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(recognizeResponse{Spans: spans})
	}))
}

func TestHTTPRecognizer_Recognize(t *testing.T) {
	text := "Ask Jürgen Weber in München"
	// Code point offsets: "Jürgen Weber" = [4,16), "München" = [20,27).
	srv := mockSidecar(t, http.StatusOK, []sidecarSpan{
		{Start: 4, End: 16, Label: "PERSON"},
		{Start: 20, End: 27, Label: "GPE"},
	}, nil)
	defer srv.Close()

	r, err := NewHTTPRecognizer(HTTPConfig{URL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("NewHTTPRecognizer: %v", err)
	}

	hits, err := r.Recognize(context.Background(), text)
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2: %+v", len(hits), hits)
	}
	want := []struct{ label, text string }{{"PERSON", "Jürgen Weber"}, {"GPE", "München"}}
	for i, h := range hits {
		if h.Label != want[i].label || h.Text != want[i].text {
			t.Errorf("hit %d = %s %q, want %s %q", i, h.Label, h.Text, want[i].label, want[i].text)
		}
		if text[h.Span.Start:h.Span.End] != h.Text {
			t.Errorf("hit %d span %+v does not slice to text", i, h.Span)
		}
		if h.Kind != detection.KindEntity {
			t.Errorf("hit %d kind = %v", i, h.Kind)
		}
	}
}

func TestHTTPRecognizer_InvalidSpan(t *testing.T) {
	srv := mockSidecar(t, http.StatusOK, []sidecarSpan{{Start: 3, End: 99, Label: "PERSON"}}, nil)
	defer srv.Close()

	r, _ := NewHTTPRecognizer(HTTPConfig{URL: srv.URL}, nil)
	_, err := r.Recognize(context.Background(), "short")
	if !errors.Is(err, ErrInvalidSpan) || !errors.Is(err, ErrProvider) {
		t.Fatalf("err = %v, want ErrInvalidSpan wrapped in ErrProvider", err)
	}
}

func TestHTTPRecognizer_ServerError(t *testing.T) {
	srv := mockSidecar(t, http.StatusInternalServerError, nil, nil)
	defer srv.Close()

	r, _ := NewHTTPRecognizer(HTTPConfig{URL: srv.URL}, nil)
	_, err := r.Recognize(context.Background(), "hello")
	if !errors.Is(err, ErrProvider) {
		t.Fatalf("err = %v, want ErrProvider", err)
	}
}

func TestHTTPRecognizer_Unreachable(t *testing.T) {
	srv := mockSidecar(t, http.StatusOK, nil, nil)
	url := srv.URL
	srv.Close()

	r, _ := NewHTTPRecognizer(HTTPConfig{URL: url, Timeout: time.Second}, nil)
	hits, err := r.Recognize(context.Background(), "hello")
	if !errors.Is(err, ErrProvider) {
		t.Fatalf("err = %v, want ErrProvider", err)
	}
	if hits != nil {
		t.Errorf("hits = %v, want nil on failure", hits)
	}
}

func TestHTTPRecognizer_BreakerOpens(t *testing.T) {
	var hits atomic.Int64
	srv := mockSidecar(t, http.StatusServiceUnavailable, nil, &hits)
	defer srv.Close()

	r, _ := NewHTTPRecognizer(HTTPConfig{
		URL:             srv.URL,
		BreakerFailures: 2,
		BreakerCooldown: time.Minute,
	}, nil)

	for i := 0; i < 4; i++ {
		if _, err := r.Recognize(context.Background(), "hello"); !errors.Is(err, ErrProvider) {
			t.Fatalf("call %d: err = %v, want ErrProvider", i, err)
		}
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("sidecar hit %d times, want 2 (breaker should short-circuit the rest)", got)
	}
}

func TestNewHTTPRecognizer_RequiresURL(t *testing.T) {
	if _, err := NewHTTPRecognizer(HTTPConfig{}, nil); err == nil {
		t.Fatal("expected error for empty URL")
	}
}

func TestStaticRecognizer(t *testing.T) {
	s := &StaticRecognizer{Phrases: map[string]string{"Alice": "PERSON", "Paris": "GPE"}}
	hits, err := s.Recognize(context.Background(), "Alice met Alice in Paris")
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 3 {
		t.Fatalf("got %d hits, want 3", len(hits))
	}
	if hits[0].Span.Start != 0 || hits[1].Span.Start != 10 || hits[2].Label != "GPE" {
		t.Errorf("unexpected hits %+v", hits)
	}

	failing := &StaticRecognizer{Err: errors.New("down")}
	if _, err := failing.Recognize(context.Background(), "x"); !errors.Is(err, ErrProvider) {
		t.Errorf("err = %v, want ErrProvider", err)
	}
}
