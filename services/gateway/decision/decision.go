// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package decision merges detector output into a block/allow verdict and
// tracks the linear lifecycle of a single request.
package decision

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianGate/services/gateway/detection"
)

// Verdict is the outcome of the decision engine for one request.
type Verdict struct {
	// Blocked is true iff any detection is present.
	Blocked bool

	// Detections in fixed layer order: regex, then entity, then semantic.
	Detections []detection.Detection

	// Degraded is true when at least one layer was replaced by a synthetic
	// provider-failure detection.
	Degraded bool
}

// Decide merges the three detection layers.
//
// Description:
//
//	There is no weighting, no soft pass and no partial allow: presence of
//	any detection is necessary and sufficient for blocking. Synthetic
//	provider-failure detections count as detections, so a failed provider
//	can never produce an allow.
//
// Inputs:
//   - regex, entity, semantic: Per-layer detections. Not modified.
//
// Outputs:
//   - Verdict: The merged verdict.
//
// Thread Safety: Pure function.
func Decide(regex, entity, semantic []detection.Detection) Verdict {
	all := make([]detection.Detection, 0, len(regex)+len(entity)+len(semantic))
	all = append(all, regex...)
	all = append(all, entity...)
	all = append(all, semantic...)

	v := Verdict{Blocked: len(all) > 0, Detections: all}
	for _, d := range all {
		if d.Synthetic {
			v.Degraded = true
			break
		}
	}
	return v
}

// =============================================================================
// Request Lifecycle
// =============================================================================

// ErrTransition is returned when a stage is entered out of order.
var ErrTransition = errors.New("decision: invalid stage transition")

// Stage is a step of the request lifecycle.
type Stage int

const (
	StageReceived Stage = iota
	StageDetecting
	StageDecided
	StageMasked
	StageLogged
	StageReturned
)

var stageNames = [...]string{"received", "detecting", "decided", "masked", "logged", "returned"}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// Lifecycle enforces Received -> Detecting -> Decided -> Masked -> Logged
// -> Returned with no skips, no branches and no re-entry.
//
// Thread Safety: Not safe for concurrent use. One per request.
type Lifecycle struct {
	current Stage
	failed  bool
}

// NewLifecycle starts a request in StageReceived.
func NewLifecycle() *Lifecycle { return &Lifecycle{current: StageReceived} }

// Current returns the stage the request is in.
func (l *Lifecycle) Current() Stage { return l.current }

// Failed reports whether the request was aborted.
func (l *Lifecycle) Failed() bool { return l.failed }

// Advance moves to next. Only the immediate successor is accepted and an
// aborted request accepts nothing.
func (l *Lifecycle) Advance(next Stage) error {
	if l.failed {
		return fmt.Errorf("%w: request aborted in %s", ErrTransition, l.current)
	}
	if next != l.current+1 {
		return fmt.Errorf("%w: %s -> %s", ErrTransition, l.current, next)
	}
	l.current = next
	return nil
}

// Abort marks the request as failed in its current stage. Completed stages
// are never retried.
func (l *Lifecycle) Abort() { l.failed = true }
