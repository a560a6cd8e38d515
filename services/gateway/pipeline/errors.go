// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"errors"
	"fmt"
)

// =============================================================================
// Sentinel Errors
// =============================================================================

var (
	// ErrInvalidInput is returned for empty or whitespace-only text. The
	// request never reaches detection or audit.
	ErrInvalidInput = errors.New("pipeline: invalid input")

	// ErrProvider is returned when the entity recognizer or embedding
	// provider fails and the policy selects abort.
	ErrProvider = errors.New("pipeline: provider failure")

	// ErrAuditWrite is returned when the audit record could not be durably
	// written. No verdict is returned with it.
	ErrAuditWrite = errors.New("pipeline: audit write failed")
)

// ErrorKind classifies a StageError for transport mapping.
type ErrorKind string

const (
	KindInput    ErrorKind = "input"
	KindProvider ErrorKind = "provider"
	KindAudit    ErrorKind = "audit"
)

// sentinel returns the package sentinel for a kind.
func (k ErrorKind) sentinel() error {
	switch k {
	case KindInput:
		return ErrInvalidInput
	case KindProvider:
		return ErrProvider
	default:
		return ErrAuditWrite
	}
}

// StageError reports which stage failed and why.
//
// Description:
//
//	errors.Is matches both the kind's sentinel (ErrInvalidInput,
//	ErrProvider, ErrAuditWrite) and the underlying cause, so callers can
//	branch on the kind and still inspect the provider-specific error.
type StageError struct {
	Stage string
	Kind  ErrorKind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %s: %v", e.Stage, e.Kind, e.Err)
}

// Unwrap exposes the kind sentinel and the cause.
func (e *StageError) Unwrap() []error {
	return []error{e.Kind.sentinel(), e.Err}
}

// KindOf returns the kind of the first StageError in err's tree, or "" if
// none is present. An audit failure takes precedence over any other kind.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuditWrite):
		return KindAudit
	case errors.Is(err, ErrProvider):
		return KindProvider
	case errors.Is(err, ErrInvalidInput):
		return KindInput
	default:
		return ""
	}
}
