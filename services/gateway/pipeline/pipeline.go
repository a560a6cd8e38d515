// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline runs one request through detection, decision, masking
// and audit.
//
// # Description
//
// The three detector layers run concurrently and are joined before the
// decision. Each request works from a single policy snapshot, so a policy
// reload never mixes versions within a decision. The verdict is returned
// only after the audit record has been durably acknowledged.
//
// # Fail-closed behaviour
//
// A provider failure never produces blocked=false. Depending on the policy
// it either turns into a synthetic PROVIDER_FAILURE detection (block) or
// fails the request with ErrProvider after auditing an error record (abort).
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianGate/services/gateway/audit"
	"github.com/AleutianAI/AleutianGate/services/gateway/config"
	"github.com/AleutianAI/AleutianGate/services/gateway/corpus"
	"github.com/AleutianAI/AleutianGate/services/gateway/decision"
	"github.com/AleutianAI/AleutianGate/services/gateway/detection"
	"github.com/AleutianAI/AleutianGate/services/gateway/embedding"
	"github.com/AleutianAI/AleutianGate/services/gateway/entity"
	"github.com/AleutianAI/AleutianGate/services/gateway/semantic"
	"github.com/AleutianAI/AleutianGate/services/gateway/telemetry"
)

// Stage names used for timings, spans and metrics.
const (
	StageRegex    = "regex"
	StageEntity   = "entity"
	StageSemantic = "semantic"
	StageDecision = "decision"
	StageMasking  = "masking"
	StageAudit    = "audit"
	StageTotal    = "total"
	StageInput    = "input"
)

// Endpoint names for metrics.
const (
	endpointProcess  = "process"
	endpointClassify = "classify"
	endpointRegex    = "detect_regex"
)

// PolicySource returns the active compiled policy.
type PolicySource interface {
	Current() *config.Compiled
}

// AuditRecorder durably records one entry.
type AuditRecorder interface {
	Record(ctx context.Context, e audit.Entry) (audit.Record, error)
}

// Dependencies are the process-wide collaborators of the pipeline. They
// are built once at startup and shared read-only by all requests.
type Dependencies struct {
	Policy    PolicySource
	Entity    entity.Recognizer
	Embedder  embedding.Provider
	Index     corpus.Index
	Audit     AuditRecorder
	Decisions telemetry.DecisionRecorder
	Logger    *slog.Logger
}

// Request is one text to evaluate.
type Request struct {
	Text string
	// RequestID correlates the response, audit record and logs. Generated
	// when empty.
	RequestID string
}

// Result is the verdict for a processed request.
type Result struct {
	RequestID     string
	PolicyVersion string
	Blocked       bool
	MaskedText    string
	// Detections in layer order: regex, entity, semantic.
	Detections []detection.Detection
	Timings    map[string]time.Duration
	AuditSeq   uint64
}

// Classification is the regex and entity output for a text, without a
// verdict, masking or audit.
type Classification struct {
	RequestID     string
	PolicyVersion string
	Detections    []detection.Detection
	Timings       map[string]time.Duration
}

// Pipeline evaluates requests.
//
// Thread Safety: Safe for concurrent use.
type Pipeline struct {
	deps   Dependencies
	tracer trace.Tracer
}

// New validates deps and builds a pipeline.
func New(deps Dependencies) (*Pipeline, error) {
	switch {
	case deps.Policy == nil || deps.Policy.Current() == nil:
		return nil, errors.New("pipeline: policy is required")
	case deps.Entity == nil:
		return nil, errors.New("pipeline: entity recognizer is required")
	case deps.Embedder == nil:
		return nil, errors.New("pipeline: embedding provider is required")
	case deps.Index == nil:
		return nil, errors.New("pipeline: corpus index is required")
	case deps.Audit == nil:
		return nil, errors.New("pipeline: audit recorder is required")
	}
	if deps.Decisions == nil {
		deps.Decisions = telemetry.NopRecorder{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Logger = deps.Logger.With(slog.String("component", "pipeline"))
	return &Pipeline{deps: deps, tracer: otel.Tracer(telemetry.TracerName)}, nil
}

// Policy returns the active policy snapshot.
func (p *Pipeline) Policy() *config.Compiled { return p.deps.Policy.Current() }

// layerResult is the output of one detector layer.
type layerResult struct {
	dets    []detection.Detection
	err     error
	elapsed time.Duration
}

// timings is a concurrency-safe stage duration map.
type timings struct {
	mu sync.Mutex
	m  map[string]time.Duration
}

func (t *timings) set(stage string, d time.Duration) {
	t.mu.Lock()
	t.m[stage] = d
	t.mu.Unlock()
}

func (t *timings) snapshot() map[string]time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]time.Duration, len(t.m))
	for k, v := range t.m {
		out[k] = v
	}
	return out
}

// Process runs the full pipeline for one request.
//
// Description:
//
//	Received -> Detecting -> Decided -> Masked -> Logged -> Returned.
//	Regex, entity and semantic detection run concurrently. Detections that
//	overlap tokens or a violation prefix the masker itself produced are
//	discarded, which makes re-processing masked output stable. The result
//	is returned only after the audit logger acknowledges the record.
//
// Inputs:
//   - ctx: Trace context. Cancellation is only observed by providers.
//   - req: The text and optional request id.
//
// Outputs:
//   - *Result: The verdict. Nil on error.
//   - error: A *StageError. errors.Is matches ErrInvalidInput,
//     ErrProvider or ErrAuditWrite.
func (p *Pipeline) Process(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.Process",
		trace.WithAttributes(attribute.String("request_id", requestID)))
	defer span.End()
	logger := p.loggerWithTrace(ctx).With(slog.String("request_id", requestID))

	life := decision.NewLifecycle()
	if err := validateText(req.Text); err != nil {
		recordOutcome(endpointProcess, "input_error")
		return nil, err
	}

	cp := p.deps.Policy.Current()
	span.SetAttributes(attribute.String("policy.version", cp.Version()))
	mustAdvance(life, decision.StageDetecting)

	t := &timings{m: map[string]time.Duration{}}
	regex, ent, sem := p.detect(ctx, cp, req.Text, t, true)

	regex.dets = cp.Masker.FilterProtected(req.Text, regex.dets)
	ent.dets = cp.Masker.FilterProtected(req.Text, ent.dets)

	var failures []error
	if ent.err != nil {
		failures = append(failures, &StageError{Stage: StageEntity, Kind: KindProvider, Err: ent.err})
	}
	if sem.err != nil {
		failures = append(failures, &StageError{Stage: StageSemantic, Kind: KindProvider, Err: sem.err})
	}

	if len(failures) > 0 {
		mode := cp.Policy.ProviderFailure
		providerErr := errors.Join(failures...)
		span.RecordError(providerErr)
		logger.Warn("provider failure",
			slog.String("mode", string(mode)),
			slog.String("error", telemetry.SafeError(providerErr)),
		)
		if ent.err != nil {
			recordProviderFailure("entity", string(mode))
			ent.dets = []detection.Detection{detection.NewProviderFailure("entity", detection.KindEntity)}
		}
		if sem.err != nil {
			recordProviderFailure("embedding", string(mode))
			sem.dets = []detection.Detection{detection.NewProviderFailure("embedding", detection.KindSemantic)}
		}

		if mode == config.FailureAbort {
			life.Abort()
			return nil, p.abort(ctx, logger, cp, req.Text, requestID, regex.dets, t, start, providerErr)
		}
	}

	mustAdvance(life, decision.StageDecided)
	decideStart := time.Now()
	verdict := decision.Decide(regex.dets, ent.dets, sem.dets)
	t.set(StageDecision, time.Since(decideStart))

	mustAdvance(life, decision.StageMasked)
	_, maskSpan := p.tracer.Start(ctx, "pipeline.mask")
	maskStart := time.Now()
	masked := cp.Masker.Mask(req.Text, verdict.Detections)
	t.set(StageMasking, time.Since(maskStart))
	maskSpan.End()

	mustAdvance(life, decision.StageLogged)
	t.set(StageTotal, time.Since(start))
	auditStart := time.Now()
	rec, err := p.deps.Audit.Record(ctx, audit.Entry{
		Event:         audit.EventDecision,
		RequestID:     requestID,
		PolicyVersion: cp.Version(),
		Blocked:       verdict.Blocked,
		OriginalText:  req.Text,
		MaskedText:    masked,
		Detections:    verdict.Detections,
		Timings:       t.snapshot(),
	})
	if err != nil {
		life.Abort()
		span.RecordError(err)
		span.SetStatus(codes.Error, "audit write failed")
		recordOutcome(endpointProcess, "audit_error")
		p.emit(ctx, requestID, cp, false, "audit_error", nil, t)
		logger.Error("audit write failed; withholding verdict", slog.String("error", telemetry.SafeError(err)))
		return nil, &StageError{Stage: StageAudit, Kind: KindAudit, Err: err}
	}
	t.set(StageAudit, time.Since(auditStart))
	t.set(StageTotal, time.Since(start))
	mustAdvance(life, decision.StageReturned)

	outcome := "allowed"
	if verdict.Blocked {
		outcome = "blocked"
	}
	final := t.snapshot()
	recordOutcome(endpointProcess, outcome)
	recordTimings(final)
	recordDetections(verdict.Detections)
	p.emit(ctx, requestID, cp, verdict.Blocked, outcome, verdict.Detections, t)

	span.SetAttributes(
		attribute.Bool("blocked", verdict.Blocked),
		attribute.Int("detections", len(verdict.Detections)),
		attribute.Bool("degraded", verdict.Degraded),
	)
	logger.Info("request processed",
		slog.Bool("blocked", verdict.Blocked),
		slog.Int("detections", len(verdict.Detections)),
		slog.Bool("degraded", verdict.Degraded),
		slog.String("policy_version", cp.Version()),
		slog.Uint64("audit_seq", rec.Seq),
		slog.Int64("duration_ms", final[StageTotal].Milliseconds()),
	)

	return &Result{
		RequestID:     requestID,
		PolicyVersion: cp.Version(),
		Blocked:       verdict.Blocked,
		MaskedText:    masked,
		Detections:    verdict.Detections,
		Timings:       final,
		AuditSeq:      rec.Seq,
	}, nil
}

// abort audits an error record for a provider failure under the abort
// policy and returns the error to surface.
func (p *Pipeline) abort(
	ctx context.Context,
	logger *slog.Logger,
	cp *config.Compiled,
	text, requestID string,
	regex []detection.Detection,
	t *timings,
	start time.Time,
	providerErr error,
) error {
	t.set(StageTotal, time.Since(start))
	_, err := p.deps.Audit.Record(ctx, audit.Entry{
		Event:         audit.EventError,
		RequestID:     requestID,
		PolicyVersion: cp.Version(),
		Blocked:       true,
		OriginalText:  text,
		Detections:    regex,
		Timings:       t.snapshot(),
		ErrorKind:     string(KindProvider),
		Err:           providerErr,
	})
	if err != nil {
		recordOutcome(endpointProcess, "audit_error")
		logger.Error("audit write failed for aborted request", slog.String("error", telemetry.SafeError(err)))
		return errors.Join(&StageError{Stage: StageAudit, Kind: KindAudit, Err: err}, providerErr)
	}
	recordOutcome(endpointProcess, "provider_error")
	p.emit(ctx, requestID, cp, true, "provider_error", regex, t)
	return providerErr
}

// Classify runs the regex and entity layers only. Nothing is masked or
// audited.
//
// Outputs:
//   - *Classification: Regex then entity detections.
//   - error: ErrInvalidInput, or ErrProvider when the recognizer fails.
func (p *Pipeline) Classify(ctx context.Context, req Request) (*Classification, error) {
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx, span := p.tracer.Start(ctx, "pipeline.Classify",
		trace.WithAttributes(attribute.String("request_id", requestID)))
	defer span.End()

	if err := validateText(req.Text); err != nil {
		recordOutcome(endpointClassify, "input_error")
		return nil, err
	}
	cp := p.deps.Policy.Current()
	start := time.Now()
	t := &timings{m: map[string]time.Duration{}}
	regex, ent, _ := p.detect(ctx, cp, req.Text, t, false)
	if ent.err != nil {
		span.RecordError(ent.err)
		recordOutcome(endpointClassify, "provider_error")
		return nil, &StageError{Stage: StageEntity, Kind: KindProvider, Err: ent.err}
	}
	t.set(StageTotal, time.Since(start))

	dets := append(cp.Masker.FilterProtected(req.Text, regex.dets), cp.Masker.FilterProtected(req.Text, ent.dets)...)
	outcome := "allowed"
	if len(dets) > 0 {
		outcome = "blocked"
	}
	recordOutcome(endpointClassify, outcome)
	return &Classification{
		RequestID:     requestID,
		PolicyVersion: cp.Version(),
		Detections:    dets,
		Timings:       t.snapshot(),
	}, nil
}

// DetectRegex runs the pattern detector only.
func (p *Pipeline) DetectRegex(req Request) ([]detection.Detection, string, error) {
	if err := validateText(req.Text); err != nil {
		recordOutcome(endpointRegex, "input_error")
		return nil, "", err
	}
	cp := p.deps.Policy.Current()
	dets := cp.Detector.Detect(req.Text)
	recordOutcome(endpointRegex, "ok")
	return dets, cp.Version(), nil
}

// detect runs the detector layers concurrently. The semantic layer is
// skipped when withSemantic is false. Layer failures are returned in the
// layer result, never through the group, so every layer runs to
// completion.
func (p *Pipeline) detect(
	ctx context.Context,
	cp *config.Compiled,
	text string,
	t *timings,
	withSemantic bool,
) (regex, ent, sem layerResult) {
	var g errgroup.Group

	g.Go(func() error {
		_, span := p.tracer.Start(ctx, "pipeline.regex")
		defer span.End()
		s := time.Now()
		regex.dets = cp.Detector.Detect(text)
		regex.elapsed = time.Since(s)
		t.set(StageRegex, regex.elapsed)
		return nil
	})

	g.Go(func() error {
		ctx, span := p.tracer.Start(ctx, "pipeline.entity")
		defer span.End()
		s := time.Now()
		hits, err := p.deps.Entity.Recognize(ctx, text)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "entity recognizer failed")
			ent.err = err
		} else {
			ent.dets = entity.Clean(text, hits, cp.Policy.Labels.Entity)
		}
		ent.elapsed = time.Since(s)
		t.set(StageEntity, ent.elapsed)
		return nil
	})

	if withSemantic {
		g.Go(func() error {
			ctx, span := p.tracer.Start(ctx, "pipeline.semantic")
			defer span.End()
			s := time.Now()
			defer func() {
				sem.elapsed = time.Since(s)
				t.set(StageSemantic, sem.elapsed)
			}()
			clf, err := semantic.NewClassifier(cp.Semantic, p.deps.Embedder, p.deps.Index)
			if err != nil {
				sem.err = err
				return nil
			}
			sem.dets, sem.err = clf.Classify(ctx, text)
			if sem.err != nil {
				span.RecordError(sem.err)
				span.SetStatus(codes.Error, "semantic classifier failed")
			}
			return nil
		})
	}

	_ = g.Wait()
	return regex, ent, sem
}

// emit sends the text-free decision event.
func (p *Pipeline) emit(
	ctx context.Context,
	requestID string,
	cp *config.Compiled,
	blocked bool,
	outcome string,
	dets []detection.Detection,
	t *timings,
) {
	counts := map[string]int{}
	for _, d := range dets {
		counts[d.Kind.String()]++
	}
	millis := map[string]float64{}
	for stage, d := range t.snapshot() {
		millis[stage] = float64(d.Microseconds()) / 1000
	}
	p.deps.Decisions.RecordDecision(ctx, telemetry.DecisionEvent{
		RequestID:     requestID,
		PolicyVersion: cp.Version(),
		Blocked:       blocked,
		Outcome:       outcome,
		Detections:    counts,
		StageMillis:   millis,
		Time:          time.Now(),
	})
}

// validateText rejects empty and whitespace-only input.
func validateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return &StageError{Stage: StageInput, Kind: KindInput, Err: errors.New("text must not be empty")}
	}
	return nil
}

// mustAdvance moves the lifecycle forward. The pipeline only ever calls it
// in order, so a failure is a programming error.
func mustAdvance(l *decision.Lifecycle, next decision.Stage) {
	if err := l.Advance(next); err != nil {
		panic(fmt.Sprintf("pipeline: %v", err))
	}
}

// loggerWithTrace returns a logger enriched with trace context.
func (p *Pipeline) loggerWithTrace(ctx context.Context) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return p.deps.Logger
	}
	return p.deps.Logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}
