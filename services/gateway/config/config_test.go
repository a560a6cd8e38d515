// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianGate/services/gateway/detection"
)

func TestDefaultPolicy(t *testing.T) {
	c, err := DefaultPolicy(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "1.0.0", c.Version())
	assert.Equal(t, "embedded", c.Source)
	assert.Equal(t, 0.70, c.Semantic.Threshold)
	assert.Equal(t, 5, c.Semantic.Neighbors)
	assert.Equal(t, FailureBlock, c.Policy.ProviderFailure)
	assert.Equal(t, detection.DefaultRegexLabels, c.Detector.Labels())
	assert.Equal(t, "[EMAIL]", c.Masker.Token(detection.LabelEmail))

	hits := c.Detector.Detect("Contact me at john@email.com")
	require.Len(t, hits, 1)
	assert.Equal(t, "john@email.com", hits[0].Text)
	assert.Empty(t, c.Detector.Detect("Summarize GDPR Article 6 in simple terms."))
}

func withDefault(mutate func(s string) string) []byte {
	return []byte(mutate(string(defaultPolicyYAML)))
}

func TestLoadPolicy_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"not yaml", []byte("::: [")},
		{"unknown key", withDefault(func(s string) string { return s + "\nextra_key: 1\n" })},
		{"bad version", withDefault(func(s string) string { return strings.Replace(s, `version: "1.0.0"`, `version: "latest"`, 1) })},
		{"threshold out of range", withDefault(func(s string) string { return strings.Replace(s, "threshold: 0.70", "threshold: 1.5", 1) })},
		{"zero neighbors", withDefault(func(s string) string { return strings.Replace(s, "neighbors: 5", "neighbors: 0", 1) })},
		{"bad failure mode", withDefault(func(s string) string {
			return strings.Replace(s, "provider_failure: block", "provider_failure: allow", 1)
		})},
		{"bad regex", withDefault(func(s string) string {
			return strings.Replace(s, `'(?i)\b(?:ID|CUST|USER|ACC)[-_]?\d{3,10}\b'`, `'(unclosed'`, 1)
		})},
		{"label outside set", withDefault(func(s string) string {
			return strings.Replace(s, "regex: [EMAIL, IBAN, CARD, IP, DATE, PHONE, CUSTOMER_ID]", "regex: [EMAIL, IBAN, CARD, IP, DATE, PHONE]", 1)
		})},
		{"unknown validator", withDefault(func(s string) string { return strings.Replace(s, "validator: luhn", "validator: crc", 1) })},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadPolicy(context.Background(), tt.data)
			assert.ErrorIs(t, err, ErrInvalidPolicy)
		})
	}
}

func TestLoadPolicy_DefaultsFailureMode(t *testing.T) {
	data := withDefault(func(s string) string { return strings.Replace(s, "provider_failure: block\n", "", 1) })
	c, err := LoadPolicy(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, FailureBlock, c.Policy.ProviderFailure)
}

func TestCompareVersions(t *testing.T) {
	assert.Equal(t, -1, CompareVersions("1.0.0", "1.1.0"))
	assert.Equal(t, 0, CompareVersions("v1.2.3", "1.2.3"))
	assert.Equal(t, 1, CompareVersions("2.0.0", "1.9.9"))
}

func writePolicy(t *testing.T, path, version string) {
	t.Helper()
	data := strings.Replace(string(defaultPolicyYAML), `version: "1.0.0"`, `version: "`+version+`"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
}

func TestPolicyStore_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	writePolicy(t, path, "1.1.0")

	initial, err := DefaultPolicy(context.Background())
	require.NoError(t, err)
	store := NewPolicyStore(initial, nil)

	require.NoError(t, store.Reload(context.Background(), path))
	assert.Equal(t, "1.1.0", store.Current().Version())
	assert.Equal(t, path, store.Current().Source)

	require.NoError(t, os.WriteFile(path, []byte("version: nope"), 0o600))
	assert.Error(t, store.Reload(context.Background(), path))
	assert.Equal(t, "1.1.0", store.Current().Version(), "invalid reload must keep the active policy")
}

func TestPolicyStore_Watch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	writePolicy(t, path, "1.0.0")

	initial, err := LoadPolicyFile(context.Background(), path)
	require.NoError(t, err)
	store := NewPolicyStore(initial, nil)

	stop, err := store.Watch(context.Background(), path)
	require.NoError(t, err)
	defer func() { assert.NoError(t, stop()) }()

	writePolicy(t, path, "1.2.0")
	require.Eventually(t, func() bool {
		return store.Current().Version() == "1.2.0"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestLoadService_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	s, err := LoadService()
	require.NoError(t, err)
	assert.Equal(t, ":8080", s.Addr)
	assert.Equal(t, "hash", s.Audit.TextMode)
	assert.Equal(t, CorpusMemory, s.Corpus.Backend)
	assert.Equal(t, EmbeddingOllama, s.Embedding.Backend)
	assert.Equal(t, 10*time.Second, s.ShutdownTimeout)
	assert.Nil(t, s.TrustedProxies)
}

func TestLoadService_EnvAndDotenv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "gate.env")
	require.NoError(t, os.WriteFile(envFile, []byte("GDPRGATE_ADDR=:9999\nAUDIT_TEXT_MODE=omit\n"), 0o600))

	// godotenv writes into the process environment directly.
	t.Cleanup(func() { _ = os.Unsetenv("GDPRGATE_ADDR") })
	t.Setenv("GDPRGATE_ENV_FILE", envFile)
	t.Setenv("AUDIT_TEXT_MODE", "raw")
	t.Setenv("GDPRGATE_TRUSTED_PROXIES", "10.0.0.0/8, ,192.168.0.0/16")
	t.Setenv("NER_TIMEOUT", "250ms")

	s, err := LoadService()
	require.NoError(t, err)
	assert.Equal(t, ":9999", s.Addr)
	assert.Equal(t, "raw", s.Audit.TextMode, "real environment wins over .env")
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.0.0/16"}, s.TrustedProxies)
	assert.Equal(t, 250*time.Millisecond, s.Entity.Timeout)
}

func TestLoadService_Invalid(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CORPUS_BACKEND", "weaviate")
	t.Setenv("WEAVIATE_HOST", "")
	_, err := LoadService()
	assert.ErrorIs(t, err, ErrInvalidService)

	t.Setenv("CORPUS_BACKEND", "memory")
	t.Setenv("AUDIT_TEXT_MODE", "encrypt")
	_, err = LoadService()
	assert.ErrorIs(t, err, ErrInvalidService)
}
