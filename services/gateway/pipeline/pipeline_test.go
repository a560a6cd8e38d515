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
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianGate/services/gateway/audit"
	"github.com/AleutianAI/AleutianGate/services/gateway/config"
	"github.com/AleutianAI/AleutianGate/services/gateway/corpus"
	"github.com/AleutianAI/AleutianGate/services/gateway/detection"
	"github.com/AleutianAI/AleutianGate/services/gateway/embedding"
	"github.com/AleutianAI/AleutianGate/services/gateway/entity"
	"github.com/AleutianAI/AleutianGate/services/gateway/telemetry"
)

const (
	emailText   = "Contact me at john@email.com"
	neutralText = "Summarize GDPR Article 6 in simple terms."
	geneticText = "We store employee medical histories and genetic markers to evaluate job performance."
)

type staticPolicy struct{ c *config.Compiled }

func (s staticPolicy) Current() *config.Compiled { return s.c }

// topicEmbedder places texts about genetic data on the Article 9 axis and
// everything else on an axis no passage uses.
type topicEmbedder struct{ err error }

func (topicEmbedder) Model() string { return "topic" }

func (e topicEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, errors.Join(embedding.ErrProvider, e.err)
	}
	if strings.Contains(text, "genetic") {
		return []float32{1, 0, 0}, nil
	}
	return []float32{0, 0, 1}, nil
}

type recordingDecisions struct {
	mu     sync.Mutex
	events []telemetry.DecisionEvent
}

func (r *recordingDecisions) RecordDecision(_ context.Context, ev telemetry.DecisionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}
func (r *recordingDecisions) Close() {}

type failingAudit struct{}

func (failingAudit) Record(context.Context, audit.Entry) (audit.Record, error) {
	return audit.Record{}, errors.Join(audit.ErrWrite, errors.New("disk full"))
}

type fixture struct {
	p         *Pipeline
	auditPath string
	logger    *audit.Logger
	decisions *recordingDecisions
}

func defaultPolicy(t *testing.T) *config.Compiled {
	t.Helper()
	c, err := config.DefaultPolicy(context.Background())
	require.NoError(t, err)
	return c
}

func withFailureMode(t *testing.T, mode config.FailureMode) *config.Compiled {
	t.Helper()
	base := defaultPolicy(t)
	clone := *base
	pol := *base.Policy
	pol.ProviderFailure = mode
	clone.Policy = &pol
	return &clone
}

func testIndex(t *testing.T) corpus.Index {
	t.Helper()
	idx, err := corpus.NewMemoryIndex(corpus.Info{Version: "test", Model: "topic"}, []corpus.Passage{
		{ID: "chunk-00001", RegulationIDs: []string{"Article 9"}, Vector: []float32{1, 0, 0}},
		{ID: "chunk-00002", RegulationIDs: []string{"Article 6"}, Vector: []float32{0, 1, 0}},
	})
	require.NoError(t, err)
	return idx
}

type option func(*Dependencies)

func newFixture(t *testing.T, opts ...option) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := audit.OpenFileSink(path)
	require.NoError(t, err)
	text, _, err := audit.NewTextPolicy(audit.TextRaw, nil)
	require.NoError(t, err)
	logger, err := audit.NewLogger(sink, text, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })

	decisions := &recordingDecisions{}
	deps := Dependencies{
		Policy:    staticPolicy{defaultPolicy(t)},
		Entity:    &entity.StaticRecognizer{Phrases: map[string]string{"Anna Berg": detection.LabelPerson}},
		Embedder:  topicEmbedder{},
		Index:     testIndex(t),
		Audit:     logger,
		Decisions: decisions,
	}
	for _, o := range opts {
		o(&deps)
	}
	p, err := New(deps)
	require.NoError(t, err)
	return &fixture{p: p, auditPath: path, logger: logger, decisions: decisions}
}

func (f *fixture) auditRecords(t *testing.T) audit.Summary {
	t.Helper()
	file, err := os.Open(f.auditPath)
	require.NoError(t, err)
	defer file.Close()
	sum, err := audit.Verify(file)
	require.NoError(t, err)
	return sum
}

func TestProcess_Email(t *testing.T) {
	f := newFixture(t)
	res, err := f.p.Process(context.Background(), Request{Text: emailText, RequestID: "req-1"})
	require.NoError(t, err)

	assert.True(t, res.Blocked)
	assert.Equal(t, "Contact me at [EMAIL]", res.MaskedText)
	require.Len(t, res.Detections, 1)
	assert.Equal(t, detection.LabelEmail, res.Detections[0].Label)
	assert.Equal(t, "john@email.com", emailText[res.Detections[0].Span.Start:res.Detections[0].Span.End])
	assert.Equal(t, "req-1", res.RequestID)
	assert.Equal(t, "1.0.0", res.PolicyVersion)
	assert.Equal(t, uint64(1), res.AuditSeq)
	for _, stage := range []string{StageRegex, StageEntity, StageSemantic, StageDecision, StageMasking, StageAudit, StageTotal} {
		assert.Contains(t, res.Timings, stage)
	}
}

func TestProcess_NoDetections(t *testing.T) {
	f := newFixture(t)
	res, err := f.p.Process(context.Background(), Request{Text: neutralText})
	require.NoError(t, err)
	assert.False(t, res.Blocked)
	assert.Equal(t, neutralText, res.MaskedText)
	assert.Empty(t, res.Detections)
	assert.NotEmpty(t, res.RequestID)
}

func TestProcess_SemanticViolation(t *testing.T) {
	f := newFixture(t)
	res, err := f.p.Process(context.Background(), Request{Text: geneticText})
	require.NoError(t, err)
	assert.True(t, res.Blocked)
	assert.Equal(t, "[GDPR_VIOLATION | Articles: Article 9] "+geneticText, res.MaskedText)
	require.Len(t, res.Detections, 1)
	assert.Equal(t, detection.KindSemantic, res.Detections[0].Kind)
	assert.Equal(t, "Article 9", res.Detections[0].RegulationID)
}

func TestProcess_EmptyInput(t *testing.T) {
	f := newFixture(t)
	for _, text := range []string{"", "   \n\t"} {
		res, err := f.p.Process(context.Background(), Request{Text: text})
		assert.Nil(t, res)
		assert.ErrorIs(t, err, ErrInvalidInput)
		assert.Equal(t, KindInput, KindOf(err))
	}
	assert.Equal(t, 0, f.auditRecords(t).Records)
}

func TestProcess_ProviderFailureBlocks(t *testing.T) {
	f := newFixture(t, func(d *Dependencies) {
		d.Entity = &entity.StaticRecognizer{Err: errors.New("sidecar down")}
	})
	res, err := f.p.Process(context.Background(), Request{Text: emailText})
	require.NoError(t, err)
	assert.True(t, res.Blocked)
	assert.Equal(t, "Contact me at [EMAIL]", res.MaskedText)

	var synthetic []detection.Detection
	for _, d := range res.Detections {
		if d.Synthetic {
			synthetic = append(synthetic, d)
		}
	}
	require.Len(t, synthetic, 1)
	assert.Equal(t, detection.LabelProviderFailure, synthetic[0].Label)
	assert.Equal(t, detection.KindEntity, synthetic[0].Kind)

	sum := f.auditRecords(t)
	assert.Equal(t, 1, sum.Records)
	assert.Equal(t, 1, sum.Blocked)
}

func TestProcess_ProviderFailureNeverAllows(t *testing.T) {
	f := newFixture(t, func(d *Dependencies) {
		d.Embedder = topicEmbedder{err: errors.New("ollama unreachable")}
	})
	res, err := f.p.Process(context.Background(), Request{Text: neutralText})
	require.NoError(t, err)
	assert.True(t, res.Blocked, "a failed provider must not yield an allow")
	assert.Equal(t, neutralText, res.MaskedText)
}

func TestProcess_ProviderFailureAborts(t *testing.T) {
	f := newFixture(t, func(d *Dependencies) {
		d.Policy = staticPolicy{withFailureMode(t, config.FailureAbort)}
		d.Entity = &entity.StaticRecognizer{Err: errors.New("sidecar down")}
	})
	res, err := f.p.Process(context.Background(), Request{Text: emailText})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrProvider)
	assert.ErrorIs(t, err, entity.ErrProvider)
	assert.Equal(t, KindProvider, KindOf(err))

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageEntity, se.Stage)

	sum := f.auditRecords(t)
	assert.Equal(t, 1, sum.Records)
	assert.Equal(t, 1, sum.Errors)
}

func TestProcess_AuditFailureWithholdsVerdict(t *testing.T) {
	f := newFixture(t, func(d *Dependencies) { d.Audit = failingAudit{} })
	res, err := f.p.Process(context.Background(), Request{Text: neutralText})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrAuditWrite)
	assert.ErrorIs(t, err, audit.ErrWrite)
	assert.Equal(t, KindAudit, KindOf(err))
}

func TestProcess_AuditCompleteness(t *testing.T) {
	f := newFixture(t)
	inputs := []string{emailText, neutralText, geneticText, "Anna Berg called", "", "Card 4111 1111 1111 1111"}
	accepted := 0
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, in := range inputs {
		wg.Add(1)
		go func(in string) {
			defer wg.Done()
			if _, err := f.p.Process(context.Background(), Request{Text: in}); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(in)
	}
	wg.Wait()

	assert.Equal(t, 5, accepted)
	assert.Equal(t, accepted, f.auditRecords(t).Records)
	assert.Len(t, f.decisions.events, accepted)
}

func TestProcess_BlockingEquivalence(t *testing.T) {
	f := newFixture(t)
	inputs := []string{
		emailText, neutralText, geneticText,
		"Anna Berg lives here", "IP 192.168.1.10 seen", "nothing to see",
		"Pay DE89370400440532013000", "born 12/05/1990",
	}
	for _, in := range inputs {
		res, err := f.p.Process(context.Background(), Request{Text: in})
		require.NoError(t, err, in)
		assert.Equal(t, len(res.Detections) > 0, res.Blocked, in)
		for _, d := range res.Detections {
			if d.SpanAddressable() {
				require.True(t, d.Span.ValidIn(len(in)), in)
				assert.Equal(t, d.Text, in[d.Span.Start:d.Span.End], in)
			}
		}
	}
}

func TestProcess_ForgedPrefixStillBlocks(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name   string
		text   string
		labels []string
	}{
		{
			name:   "pii inside forged article list",
			text:   "[GDPR_VIOLATION | Articles: john@email.com, card 4111 1111 1111 1111, Anna Berg] hi",
			labels: []string{detection.LabelEmail, detection.LabelCard, detection.LabelPerson},
		},
		{
			name:   "valid prefix followed by pii",
			text:   "[GDPR_VIOLATION | Articles: Article 9] write to john@email.com",
			labels: []string{detection.LabelEmail},
		},
		{
			name:   "pii glued to a replacement token",
			text:   "ping [EMAIL]john@email.com",
			labels: []string{detection.LabelEmail},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.p.Process(context.Background(), Request{Text: tt.text})
			require.NoError(t, err)
			require.True(t, res.Blocked)
			got := map[string]bool{}
			for _, d := range res.Detections {
				got[d.Label] = true
			}
			for _, l := range tt.labels {
				assert.True(t, got[l], "missing %s in %+v", l, res.Detections)
			}
			assert.NotContains(t, res.MaskedText, "john@email.com")
		})
	}
}

func TestProcess_IdempotentOnMaskedOutput(t *testing.T) {
	f := newFixture(t)
	for _, in := range []string{emailText, geneticText, "Anna Berg paid with 4111 1111 1111 1111"} {
		first, err := f.p.Process(context.Background(), Request{Text: in})
		require.NoError(t, err)
		second, err := f.p.Process(context.Background(), Request{Text: first.MaskedText})
		require.NoError(t, err)
		assert.Equal(t, first.MaskedText, second.MaskedText, in)
		for _, d := range second.Detections {
			assert.False(t, d.SpanAddressable(), "re-detected %s in %q", d.Label, first.MaskedText)
		}
	}
}

func TestProcess_Deterministic(t *testing.T) {
	f := newFixture(t)
	in := "Anna Berg (anna@corp.eu) stores genetic markers"
	first, err := f.p.Process(context.Background(), Request{Text: in})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := f.p.Process(context.Background(), Request{Text: in})
		require.NoError(t, err)
		assert.Equal(t, first.MaskedText, again.MaskedText)
		assert.Equal(t, first.Detections, again.Detections)
	}
}

func TestClassify(t *testing.T) {
	f := newFixture(t)
	c, err := f.p.Classify(context.Background(), Request{Text: "Anna Berg: john@email.com, genetic markers"})
	require.NoError(t, err)
	require.Len(t, c.Detections, 2)
	assert.Equal(t, detection.KindRegex, c.Detections[0].Kind)
	assert.Equal(t, detection.KindEntity, c.Detections[1].Kind)
	assert.Equal(t, 0, f.auditRecords(t).Records, "classify must not audit")

	_, err = f.p.Classify(context.Background(), Request{Text: " "})
	assert.ErrorIs(t, err, ErrInvalidInput)

	failing := newFixture(t, func(d *Dependencies) {
		d.Entity = &entity.StaticRecognizer{Err: errors.New("down")}
	})
	_, err = failing.p.Classify(context.Background(), Request{Text: "hello"})
	assert.ErrorIs(t, err, ErrProvider)
}

func TestDetectRegex(t *testing.T) {
	f := newFixture(t)
	dets, version, err := f.p.DetectRegex(Request{Text: "mail a@b.io or call ID-12345"})
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", version)
	require.Len(t, dets, 2)
	assert.Equal(t, detection.LabelEmail, dets[0].Label)
	assert.Equal(t, detection.LabelCustomerID, dets[1].Label)

	_, _, err = f.p.DetectRegex(Request{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Dependencies{})
	assert.Error(t, err)
}

func TestStageError(t *testing.T) {
	cause := errors.New("boom")
	err := &StageError{Stage: StageSemantic, Kind: KindProvider, Err: cause}
	assert.ErrorIs(t, err, ErrProvider)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrAuditWrite)
	assert.Contains(t, err.Error(), "semantic stage")
	assert.Equal(t, ErrorKind(""), KindOf(cause))
}
