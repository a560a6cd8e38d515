// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the versioned detection policy and the process
// configuration of the gateway.
//
// The policy (patterns, labels, tokens, tau and k) is YAML, embedded with a
// default and optionally overridden by a file that is watched for changes.
// Process settings (addresses, providers, sinks) come from the environment,
// with a best-effort .env file.
package config

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianGate/services/gateway/detection"
	"github.com/AleutianAI/AleutianGate/services/gateway/masking"
	"github.com/AleutianAI/AleutianGate/services/gateway/semantic"
	"github.com/AleutianAI/AleutianGate/services/gateway/telemetry"
)

// =============================================================================
// Embedded Default Policy
// =============================================================================

//go:embed default_policy.yaml
var defaultPolicyYAML []byte

// MaxPolicySize bounds a policy file.
const MaxPolicySize = 1 << 20

// ErrInvalidPolicy wraps every policy parse, validation or compile failure.
var ErrInvalidPolicy = errors.New("config: invalid policy")

// FailureMode selects the fail-closed behaviour for provider errors.
type FailureMode string

const (
	// FailureBlock returns blocked=true with a synthetic detection.
	FailureBlock FailureMode = "block"

	// FailureAbort fails the request without a verdict.
	FailureAbort FailureMode = "abort"
)

// =============================================================================
// Policy Types
// =============================================================================

// Policy is the versioned detection configuration.
//
// Thread Safety: Immutable after loading; safe for concurrent use.
type Policy struct {
	// Version is a semantic version recorded with every decision.
	Version string `yaml:"version" validate:"required"`

	Semantic SemanticPolicy `yaml:"semantic"`

	ProviderFailure FailureMode `yaml:"provider_failure" validate:"oneof=block abort"`

	Labels LabelPolicy `yaml:"labels"`

	// Patterns in priority order.
	Patterns []PatternPolicy `yaml:"patterns" validate:"required,min=1,dive"`

	// Tokens maps labels to replacement strings.
	Tokens map[string]string `yaml:"tokens" validate:"dive,keys,required,endkeys,required"`
}

// SemanticPolicy holds tau and k.
type SemanticPolicy struct {
	Threshold float64 `yaml:"threshold" validate:"gt=-1,lt=1"`
	Neighbors int     `yaml:"neighbors" validate:"min=1,max=100"`
}

// LabelPolicy lists the labels each recognizer may emit.
type LabelPolicy struct {
	Regex  []string `yaml:"regex" validate:"required,min=1,dive,required"`
	Entity []string `yaml:"entity" validate:"required,min=1,dive,required"`
}

// PatternPolicy is one regex pattern.
type PatternPolicy struct {
	Label      string `yaml:"label" validate:"required"`
	Expression string `yaml:"expression" validate:"required"`
	Validator  string `yaml:"validator" validate:"omitempty,oneof=luhn iban digit_boundary"`
}

// Compiled is a validated policy with its derived runtime objects.
type Compiled struct {
	Policy   *Policy
	Detector *detection.PatternDetector
	Masker   *masking.Masker
	Semantic semantic.Config
	// Source is "embedded" or the file path.
	Source string
}

// Version is shorthand for c.Policy.Version.
func (c *Compiled) Version() string { return c.Policy.Version }

var validate = validator.New(validator.WithRequiredStructEnabled())

// =============================================================================
// Loading
// =============================================================================

// DefaultPolicy compiles the embedded policy.
func DefaultPolicy(ctx context.Context) (*Compiled, error) {
	c, err := LoadPolicy(ctx, defaultPolicyYAML)
	if err != nil {
		return nil, err
	}
	c.Source = "embedded"
	return c, nil
}

// LoadPolicyFile compiles the policy at path. An empty path means the
// embedded default.
func LoadPolicyFile(ctx context.Context, path string) (*Compiled, error) {
	if path == "" {
		return DefaultPolicy(ctx)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	c, err := LoadPolicy(ctx, data)
	if err != nil {
		return nil, err
	}
	c.Source = path
	return c, nil
}

// LoadPolicy parses, validates and compiles a policy from YAML bytes.
//
// Description:
//
//	Unknown keys are rejected so that a typo cannot silently fall back to a
//	default. The version must be a semantic version (a leading "v" is
//	optional). Patterns are compiled into a PatternDetector against the
//	regex label set and the token table into a Masker.
//
// Inputs:
//
//	ctx - Context for tracing.
//	data - Raw YAML bytes.
//
// Outputs:
//
//	*Compiled - Ready-to-use policy.
//	error - Wraps ErrInvalidPolicy.
func LoadPolicy(ctx context.Context, data []byte) (*Compiled, error) {
	_, span := otel.Tracer(telemetry.TracerName).Start(ctx, "config.LoadPolicy")
	defer span.End()

	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty YAML data", ErrInvalidPolicy)
	}
	if len(data) > MaxPolicySize {
		return nil, fmt.Errorf("%w: YAML data exceeds maximum size (%d > %d)", ErrInvalidPolicy, len(data), MaxPolicySize)
	}

	var p Policy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: parsing YAML: %v", ErrInvalidPolicy, err)
	}
	if p.ProviderFailure == "" {
		p.ProviderFailure = FailureBlock
	}

	if err := validate.Struct(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if !semver.IsValid(canonicalVersion(p.Version)) {
		return nil, fmt.Errorf("%w: version %q is not a semantic version", ErrInvalidPolicy, p.Version)
	}

	specs := make([]detection.PatternSpec, len(p.Patterns))
	for i, pp := range p.Patterns {
		specs[i] = detection.PatternSpec{Label: pp.Label, Expression: pp.Expression, Validator: pp.Validator}
	}
	det, err := detection.NewPatternDetector(p.Version, specs, p.Labels.Regex)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}
	m, err := masking.NewMasker(p.Tokens)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}

	span.SetAttributes(
		attribute.String("policy.version", p.Version),
		attribute.Int("policy.patterns", len(p.Patterns)),
		attribute.Float64("policy.threshold", p.Semantic.Threshold),
		attribute.Int("policy.neighbors", p.Semantic.Neighbors),
	)
	slog.Debug("policy loaded",
		slog.String("version", p.Version),
		slog.Int("patterns", len(p.Patterns)),
		slog.String("provider_failure", string(p.ProviderFailure)),
	)

	return &Compiled{
		Policy:   &p,
		Detector: det,
		Masker:   m,
		Semantic: semantic.Config{Threshold: p.Semantic.Threshold, Neighbors: p.Semantic.Neighbors},
	}, nil
}

// CompareVersions orders two policy versions. Invalid versions sort first.
func CompareVersions(a, b string) int {
	return semver.Compare(canonicalVersion(a), canonicalVersion(b))
}

func canonicalVersion(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}
