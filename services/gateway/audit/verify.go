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
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Summary describes a verified log.
type Summary struct {
	Records   int
	Decisions int
	Errors    int
	Blocked   int
	LastSeq   uint64
	LastHash  string
}

// Verify reads a JSONL audit log and checks every record's hash, sequence
// continuity and link to its predecessor.
//
// Inputs:
//   - r: The log contents.
//
// Outputs:
//   - Summary: Counts for the verified prefix of the log.
//   - error: Wraps ErrChain with the offending line on the first failure.
func Verify(r io.Reader) (Summary, error) {
	var s Summary
	prev := GenesisHash
	var wantSeq uint64 = 1

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return s, fmt.Errorf("%w: line %d: %v", ErrChain, lineNo, err)
		}
		if rec.Seq != wantSeq {
			return s, fmt.Errorf("%w: line %d: seq %d, want %d", ErrChain, lineNo, rec.Seq, wantSeq)
		}
		if rec.PrevHash != prev {
			return s, fmt.Errorf("%w: line %d: prev_hash does not match record %d", ErrChain, lineNo, rec.Seq-1)
		}
		want, err := computeHash(rec)
		if err != nil {
			return s, fmt.Errorf("%w: line %d: %v", ErrChain, lineNo, err)
		}
		if rec.Hash != want {
			return s, fmt.Errorf("%w: line %d: hash mismatch", ErrChain, lineNo)
		}

		s.Records++
		switch rec.Event {
		case EventError:
			s.Errors++
		default:
			s.Decisions++
		}
		if rec.Blocked {
			s.Blocked++
		}
		s.LastSeq, s.LastHash = rec.Seq, rec.Hash
		prev = rec.Hash
		wantSeq++
	}
	if err := sc.Err(); err != nil {
		return s, fmt.Errorf("read audit log: %w", err)
	}
	return s, nil
}
