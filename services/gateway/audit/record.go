// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit durably records one self-contained, hash-chained record per
// processed request.
//
// Records are newline-delimited JSON. Each record carries a sequence number,
// the hash of its predecessor and its own hash, so any edit, deletion or
// reordering of the log is detected by Verify. The package never rewrites
// or truncates a sink.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianGate/services/gateway/detection"
)

var (
	// ErrWrite is wrapped by every failure to durably accept a record.
	ErrWrite = errors.New("audit: write failed")

	// ErrChain is returned by Verify when the log has been altered.
	ErrChain = errors.New("audit: chain verification failed")

	// ErrLocked is returned when another process holds the audit file.
	ErrLocked = errors.New("audit: log is locked by another writer")

	// ErrCommitted is wrapped by a sink error when the line already reached
	// the primary log. The chain head must advance past it.
	ErrCommitted = errors.New("audit: record committed to primary sink")
)

// GenesisHash is the prev_hash of the first record in a log.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Event distinguishes decision records from request failures.
type Event string

const (
	EventDecision Event = "decision"
	EventError    Event = "error"
)

// Record is one line of the audit log.
//
// Exactly one of OriginalText, OriginalHMAC or OriginalOmitted describes the
// input, depending on the configured TextMode.
type Record struct {
	Seq           uint64    `json:"seq"`
	Timestamp     time.Time `json:"timestamp"`
	Event         Event     `json:"event"`
	RequestID     string    `json:"request_id"`
	PolicyVersion string    `json:"policy_version"`
	Blocked       bool      `json:"blocked"`

	OriginalText    string `json:"original_text,omitempty"`
	OriginalHMAC    string `json:"original_hmac,omitempty"`
	OriginalOmitted bool   `json:"original_omitted,omitempty"`

	MaskedText string                `json:"masked_text"`
	Detections []detection.Detection `json:"detections"`
	TimingsMs  map[string]float64    `json:"timings_ms"`

	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`

	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}

// Entry is what the pipeline hands to the Logger. The Logger derives the
// stored form of the original text and fills in the chain fields.
type Entry struct {
	Event         Event
	RequestID     string
	PolicyVersion string
	Blocked       bool
	OriginalText  string
	MaskedText    string
	Detections    []detection.Detection
	Timings       map[string]time.Duration
	ErrorKind     string
	Err           error
}

// computeHash returns the hex SHA-256 of the record's JSON with Hash empty.
func computeHash(r Record) (string, error) {
	r.Hash = ""
	body, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal record %d: %w", r.Seq, err)
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

// timingsMillis converts stage durations to fractional milliseconds.
func timingsMillis(in map[string]time.Duration) map[string]float64 {
	out := make(map[string]float64, len(in))
	for stage, d := range in {
		out[stage] = float64(d.Microseconds()) / 1000
	}
	return out
}
