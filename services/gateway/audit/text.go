// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/awnumar/memguard"

	"github.com/AleutianAI/AleutianGate/services/gateway/detection"
)

// ErrInvalidMode is returned for an unknown text mode or a bad key.
var ErrInvalidMode = errors.New("audit: invalid text mode")

// TextMode selects how the original request text and the matched text of
// each detection are stored.
type TextMode string

const (
	// TextRaw stores the input verbatim.
	TextRaw TextMode = "raw"

	// TextHash stores HMAC-SHA256(key, input) as hex.
	TextHash TextMode = "hash"

	// TextOmit stores nothing and sets original_omitted.
	TextOmit TextMode = "omit"
)

// ParseTextMode accepts raw, hash or omit (case-insensitive). Empty means
// TextHash.
func ParseTextMode(s string) (TextMode, error) {
	switch m := TextMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return TextHash, nil
	case TextRaw, TextHash, TextOmit:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// TextPolicy renders the original text according to a TextMode.
//
// Description:
//
//	In TextHash mode the HMAC key lives in a memguard enclave and is only
//	decrypted for the duration of a single MAC computation. The same input
//	under the same key always yields the same digest, so an operator holding
//	the key can confirm whether a given text was submitted without the log
//	ever containing it.
//
// Thread Safety: Safe for concurrent use.
type TextPolicy struct {
	mode TextMode
	key  *memguard.Enclave
}

// NewTextPolicy builds a policy.
//
// Inputs:
//   - mode: Storage mode.
//   - key: HMAC key for TextHash. Wiped after sealing. When empty in
//     TextHash mode a random 32-byte key is generated and digests will not
//     be comparable across restarts.
//
// Outputs:
//   - *TextPolicy: Ready policy.
//   - bool: True when a random key was generated.
//   - error: Wraps ErrInvalidMode.
func NewTextPolicy(mode TextMode, key []byte) (*TextPolicy, bool, error) {
	switch mode {
	case TextRaw, TextOmit:
		memguard.WipeBytes(key)
		return &TextPolicy{mode: mode}, false, nil
	case TextHash:
		if len(key) == 0 {
			return &TextPolicy{mode: mode, key: memguard.NewEnclaveRandom(32)}, true, nil
		}
		if len(key) < 16 {
			memguard.WipeBytes(key)
			return nil, false, fmt.Errorf("%w: hmac key shorter than 16 bytes", ErrInvalidMode)
		}
		return &TextPolicy{mode: mode, key: memguard.NewEnclave(key)}, false, nil
	default:
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
}

// DecodeKey accepts a hex key (64 hex chars) or a raw passphrase.
func DecodeKey(s string) []byte {
	if b, err := hex.DecodeString(s); err == nil && len(b) >= 16 {
		return b
	}
	return []byte(s)
}

// Mode returns the configured mode.
func (p *TextPolicy) Mode() TextMode { return p.mode }

// Apply fills the original-text fields of r and renders the matched text
// of its span-addressable detections under the same mode.
//
// Description:
//
//	r.Detections is replaced by a copy, so the caller's slice is never
//	modified. In TextHash mode each match text becomes its HMAC hex; in
//	TextOmit mode it is cleared. Spans, labels and synthetic detections
//	are kept as they are.
func (p *TextPolicy) Apply(r *Record, text string) error {
	switch p.mode {
	case TextRaw:
		r.OriginalText = text
		return nil
	case TextOmit:
		r.OriginalOmitted = true
	case TextHash:
		mac, err := p.Sum(text)
		if err != nil {
			return err
		}
		r.OriginalHMAC = mac
	}
	return p.applyDetections(r)
}

func (p *TextPolicy) applyDetections(r *Record) error {
	if len(r.Detections) == 0 {
		return nil
	}
	dets := make([]detection.Detection, len(r.Detections))
	copy(dets, r.Detections)
	for i := range dets {
		if !dets[i].SpanAddressable() || dets[i].Text == "" {
			continue
		}
		if p.mode == TextOmit {
			dets[i].Text = ""
			continue
		}
		mac, err := p.Sum(dets[i].Text)
		if err != nil {
			return err
		}
		dets[i].Text = mac
	}
	r.Detections = dets
	return nil
}

// Sum returns the hex HMAC-SHA256 of text under the policy key.
func (p *TextPolicy) Sum(text string) (string, error) {
	if p.key == nil {
		return "", fmt.Errorf("%w: no hmac key", ErrInvalidMode)
	}
	buf, err := p.key.Open()
	if err != nil {
		return "", fmt.Errorf("open hmac key: %w", err)
	}
	defer buf.Destroy()

	h := hmac.New(sha256.New, buf.Bytes())
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil)), nil
}
