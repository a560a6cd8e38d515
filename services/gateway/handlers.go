// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway exposes the GDPR decision pipeline over HTTP.
package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianGate/services/gateway/corpus"
	"github.com/AleutianAI/AleutianGate/services/gateway/detection"
	"github.com/AleutianAI/AleutianGate/services/gateway/pipeline"
	"github.com/AleutianAI/AleutianGate/services/gateway/telemetry"
)

// Handlers serves the gateway endpoints.
//
// Thread Safety: Safe for concurrent use.
type Handlers struct {
	pipeline *pipeline.Pipeline
	index    corpus.Index
	ready    atomic.Bool
	logger   *slog.Logger
}

// NewHandlers creates handlers. The instance reports not-ready until
// MarkReady is called.
func NewHandlers(p *pipeline.Pipeline, index corpus.Index, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{pipeline: p, index: index, logger: logger}
}

// MarkReady flips the readiness state once startup has completed.
func (h *Handlers) MarkReady() { h.ready.Store(true) }

// IsReady reports the readiness state.
func (h *Handlers) IsReady() bool { return h.ready.Load() }

// HandleProcessPrompt handles POST /v1/process_prompt.
//
// Description:
//
//	Runs the full pipeline. The response is written only after the audit
//	record is durable.
//
// Response:
//
//	200 OK: ProcessResponse
//	400 Bad Request: Malformed body or empty text
//	500 Internal Server Error: Audit write failed (no verdict)
//	503 Service Unavailable: Provider failure under the abort policy
func (h *Handlers) HandleProcessPrompt(c *gin.Context) {
	requestID := requestIDFrom(c)
	var req TextRequest
	if !h.bind(c, &req, requestID) {
		return
	}

	res, err := h.pipeline.Process(c.Request.Context(), pipeline.Request{Text: req.Text, RequestID: requestID})
	if err != nil {
		h.writeError(c, err, requestID)
		return
	}

	c.JSON(http.StatusOK, ProcessResponse{
		RequestID:     res.RequestID,
		PolicyVersion: res.PolicyVersion,
		Blocked:       res.Blocked,
		MaskedText:    res.MaskedText,
		Detections:    groupDetections(res.Detections),
		Timings:       millis(res.Timings),
	})
}

// HandleClassify handles POST /v1/classify.
//
// Response:
//
//	200 OK: ClassifyResponse
//	400 Bad Request: Malformed body or empty text
//	503 Service Unavailable: Entity recognizer failure
func (h *Handlers) HandleClassify(c *gin.Context) {
	requestID := requestIDFrom(c)
	var req TextRequest
	if !h.bind(c, &req, requestID) {
		return
	}

	res, err := h.pipeline.Classify(c.Request.Context(), pipeline.Request{Text: req.Text, RequestID: requestID})
	if err != nil {
		h.writeError(c, err, requestID)
		return
	}

	spans := res.Detections
	if spans == nil {
		spans = []detection.Detection{}
	}
	c.JSON(http.StatusOK, ClassifyResponse{
		RequestID:     res.RequestID,
		PolicyVersion: res.PolicyVersion,
		Sensitive:     len(res.Detections) > 0,
		Detections:    groupDetections(res.Detections),
		Spans:         spans,
		Timings:       millis(res.Timings),
	})
}

// HandleDetectRegex handles POST /v1/detect_regex.
func (h *Handlers) HandleDetectRegex(c *gin.Context) {
	requestID := requestIDFrom(c)
	var req TextRequest
	if !h.bind(c, &req, requestID) {
		return
	}

	dets, version, err := h.pipeline.DetectRegex(pipeline.Request{Text: req.Text, RequestID: requestID})
	if err != nil {
		h.writeError(c, err, requestID)
		return
	}
	if dets == nil {
		dets = []detection.Detection{}
	}
	c.JSON(http.StatusOK, DetectRegexResponse{
		PolicyVersion: version,
		Regex:         groupDetections(dets).Regex,
		Spans:         dets,
	})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// HandleReady handles GET /ready.
func (h *Handlers) HandleReady(c *gin.Context) {
	if !h.IsReady() {
		c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "starting"})
		return
	}
	resp := HealthResponse{Status: "ready", PolicyVersion: h.pipeline.Policy().Version()}
	if h.index != nil {
		info := h.index.Info()
		resp.CorpusVersion = info.Version
		resp.CorpusModel = info.Model
		resp.Passages = info.Passages
	}
	c.JSON(http.StatusOK, resp)
}

// bind decodes the JSON body, writing a 400 on failure.
func (h *Handlers) bind(c *gin.Context, req *TextRequest, requestID string) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		var maxErr *http.MaxBytesError
		status, code := http.StatusBadRequest, "INVALID_REQUEST"
		if errors.As(err, &maxErr) {
			status, code = http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE"
		}
		c.JSON(status, ErrorResponse{
			Error:     "request body must be JSON of the form {\"text\": \"...\"}",
			Code:      code,
			RequestID: requestID,
			TraceID:   traceID(c),
		})
		return false
	}
	return true
}

// writeError maps a pipeline error to an HTTP status.
func (h *Handlers) writeError(c *gin.Context, err error, requestID string) {
	status, code, msg := http.StatusInternalServerError, "INTERNAL_ERROR", "internal error"
	switch pipeline.KindOf(err) {
	case pipeline.KindInput:
		status, code, msg = http.StatusBadRequest, "INVALID_INPUT", "text must not be empty"
	case pipeline.KindProvider:
		status, code, msg = http.StatusServiceUnavailable, "PROVIDER_UNAVAILABLE", "a detection provider is unavailable; request was not allowed"
	case pipeline.KindAudit:
		status, code, msg = http.StatusInternalServerError, "AUDIT_WRITE_FAILED", "the decision could not be durably audited; request was not allowed"
	}
	if status >= 500 {
		h.logger.Error("request failed",
			slog.String("request_id", requestID),
			slog.String("code", code),
			slog.String("error", telemetry.SafeError(err)),
			slog.String("trace_id", traceID(c)),
		)
	}
	c.JSON(status, ErrorResponse{Error: msg, Code: code, RequestID: requestID, TraceID: traceID(c)})
}

// millis converts stage durations to fractional milliseconds.
func millis(in map[string]time.Duration) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, d := range in {
		out[k] = float64(d.Microseconds()) / 1000
	}
	return out
}

// traceID returns the current trace id or "".
func traceID(c *gin.Context) string {
	sc := oteltrace.SpanContextFromContext(c.Request.Context())
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
