// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianGate/services/gateway/telemetry"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

const requestIDKey = "gdprgate.request_id"

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// ServiceName labels otelgin spans.
	ServiceName string
	// RateLimit is requests per second per client IP. 0 disables.
	RateLimit float64
	RateBurst int
	// MaxBodyBytes bounds request bodies on /v1. 0 disables.
	MaxBodyBytes int64
	// TrustedProxies for client IP resolution. Nil trusts none.
	TrustedProxies []string
	// Debug enables gin's request logger.
	Debug bool
}

// NewRouter builds the gin engine with middleware and all routes.
//
// Description:
//
//	Recovery, then otelgin so every handler sees the inbound trace
//	context, then request ids. The /v1 group is additionally guarded by
//	readiness, the per-client rate limit and the body limit. Ops routes
//	are never guarded.
func NewRouter(h *Handlers, opts RouterOptions) (*gin.Engine, error) {
	router := gin.New()
	if err := router.SetTrustedProxies(opts.TrustedProxies); err != nil {
		return nil, err
	}
	router.Use(gin.Recovery())
	name := opts.ServiceName
	if name == "" {
		name = "gdprgate"
	}
	router.Use(otelgin.Middleware(name))
	if opts.Debug {
		router.Use(gin.Logger())
	}
	router.Use(RequestIDMiddleware())

	RegisterOpsRoutes(router, h)

	v1 := router.Group("/v1")
	v1.Use(ReadinessGuardMiddleware(h))
	if opts.RateLimit > 0 {
		v1.Use(RateLimitMiddleware(opts.RateLimit, opts.RateBurst))
	}
	if opts.MaxBodyBytes > 0 {
		v1.Use(BodyLimitMiddleware(opts.MaxBodyBytes))
	}
	RegisterRoutes(v1, h)
	return router, nil
}

// RequestIDMiddleware propagates X-Request-ID or generates one.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// requestIDFrom returns the id set by RequestIDMiddleware, generating one
// when the middleware is absent.
func requestIDFrom(c *gin.Context) string {
	if v, ok := c.Get(requestIDKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return uuid.NewString()
}

// ReadinessGuardMiddleware returns 503 until h.MarkReady has been called.
//
// Description:
//
//	Protects the detection endpoints from requests that arrive before the
//	policy, corpus and providers are loaded. The rejection is recorded as
//	a span carrying the inbound trace id, and the trace id is returned so
//	clients can correlate.
//
// Thread Safety: This middleware is safe for concurrent use.
func ReadinessGuardMiddleware(h *Handlers) gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.IsReady() {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		_, span := otel.Tracer(telemetry.TracerName).Start(ctx, "readiness_guard.reject",
			oteltrace.WithAttributes(
				attribute.String("path", c.Request.URL.Path),
				attribute.String("method", c.Request.Method),
				attribute.Int("http.status_code", http.StatusServiceUnavailable),
			),
		)
		defer span.End()

		traceID := ""
		if sc := span.SpanContext(); sc.HasTraceID() {
			traceID = sc.TraceID().String()
		}
		slog.Warn("request rejected: gateway starting",
			slog.String("path", c.Request.URL.Path),
			slog.String("trace_id", traceID))
		span.SetStatus(codes.Error, "service unavailable during startup")

		c.Header("Retry-After", "5")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:     "gateway is starting",
			Code:      "SERVICE_STARTING",
			RequestID: requestIDFrom(c),
			TraceID:   traceID,
		})
	}
}

// clientLimiter tracks one client's limiter and last use.
type clientLimiter struct {
	limiter *rate.Limiter
	seen    time.Time
}

// RateLimitMiddleware applies a token bucket per client IP.
//
// Description:
//
//	Limiters idle for more than ten minutes are evicted on the next
//	request after a sweep interval, which bounds memory under churn.
//
// Thread Safety: This middleware is safe for concurrent use.
func RateLimitMiddleware(rps float64, burst int) gin.HandlerFunc {
	if burst < 1 {
		burst = 1
	}
	const idle = 10 * time.Minute
	var (
		mu        sync.Mutex
		clients   = map[string]*clientLimiter{}
		lastSweep = time.Now()
	)
	return func(c *gin.Context) {
		now := time.Now()
		ip := c.ClientIP()

		mu.Lock()
		if now.Sub(lastSweep) > idle {
			for k, cl := range clients {
				if now.Sub(cl.seen) > idle {
					delete(clients, k)
				}
			}
			lastSweep = now
		}
		cl, ok := clients[ip]
		if !ok {
			cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
			clients[ip] = cl
		}
		cl.seen = now
		allowed := cl.limiter.AllowN(now, 1)
		mu.Unlock()

		if !allowed {
			c.Header("Retry-After", strconv.Itoa(int(1/rps)+1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error:     "rate limit exceeded",
				Code:      "RATE_LIMITED",
				RequestID: requestIDFrom(c),
			})
			return
		}
		c.Next()
	}
}

// BodyLimitMiddleware caps the request body at n bytes.
func BodyLimitMiddleware(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		c.Next()
	}
}
