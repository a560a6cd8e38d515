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
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/AleutianAI/AleutianGate/services/gateway/embedding"
)

// ErrInvalidService wraps process configuration failures.
var ErrInvalidService = errors.New("config: invalid service configuration")

// Embedding and corpus backends.
const (
	EmbeddingOllama    = "ollama"
	EmbeddingLangchain = "langchain"

	CorpusMemory   = "memory"
	CorpusWeaviate = "weaviate"
)

// Service holds all process-level configuration for the gateway.
//
// Description:
//
//	Loaded from environment variables at startup via LoadService. A .env
//	file in the working directory (or GDPRGATE_ENV_FILE) is read first on a
//	best-effort basis; real environment variables take precedence.
//
// Thread Safety: Value type. Safe to copy and share after loading.
type Service struct {
	// Addr is the HTTP listen address.
	// Env: GDPRGATE_ADDR (default: ":8080")
	Addr string `validate:"required"`

	// PolicyFile overrides the embedded policy and is watched for changes.
	// Env: GDPRGATE_POLICY_FILE (default: "" = embedded)
	PolicyFile string

	// LogLevel is debug, info, warn or error.
	// Env: GDPRGATE_LOG_LEVEL (default: "info")
	LogLevel string `validate:"oneof=debug info warn error"`

	// LogFormat is json or text.
	// Env: GDPRGATE_LOG_FORMAT (default: "json")
	LogFormat string `validate:"oneof=json text"`

	// RateLimit is requests per second per client IP. 0 disables limiting.
	// Env: GDPRGATE_RATE_LIMIT (default: 0)
	RateLimit float64 `validate:"gte=0"`

	// RateBurst is the per-client burst.
	// Env: GDPRGATE_RATE_BURST (default: 20)
	RateBurst int `validate:"gte=1"`

	// MaxBodyBytes bounds a request body.
	// Env: GDPRGATE_MAX_BODY_BYTES (default: 1 MiB)
	MaxBodyBytes int `validate:"gte=1024"`

	// ShutdownTimeout bounds graceful shutdown.
	// Env: GDPRGATE_SHUTDOWN_TIMEOUT (default: 10s)
	ShutdownTimeout time.Duration

	// TrustedProxies are the proxy CIDRs whose forwarding headers are honoured.
	// Env: GDPRGATE_TRUSTED_PROXIES (comma-separated, default: none)
	TrustedProxies []string

	Embedding EmbeddingService
	Entity    EntityService
	Corpus    CorpusService
	Audit     AuditService
	Telemetry TelemetryService
	Influx    InfluxService
}

// EmbeddingService configures the embedding provider.
type EmbeddingService struct {
	// Env: EMBEDDING_BACKEND (default: "ollama")
	Backend string `validate:"oneof=ollama langchain"`
	// Env: EMBEDDING_SERVICE_URL
	URL string `validate:"required,url"`
	// Env: EMBEDDING_MODEL
	Model string `validate:"required"`
	// Env: EMBEDDING_TIMEOUT (default: 10s)
	Timeout time.Duration
}

// EntityService configures the NER sidecar.
type EntityService struct {
	// Env: NER_SERVICE_URL (default: "http://localhost:8001/recognize")
	URL string `validate:"required,url"`
	// Env: NER_TIMEOUT (default: 10s)
	Timeout time.Duration
	// Env: NER_BREAKER_FAILURES (default: 5)
	BreakerFailures int `validate:"gte=1"`
	// Env: NER_BREAKER_COOLDOWN (default: 30s)
	BreakerCooldown time.Duration
}

// CorpusService configures the violation corpus index.
type CorpusService struct {
	// Env: CORPUS_BACKEND (default: "memory")
	Backend string `validate:"oneof=memory weaviate"`
	// Dir holds the badger snapshot for the memory backend.
	// Env: CORPUS_DIR (default: "./data/corpus")
	Dir string `validate:"required"`
	// Env: WEAVIATE_HOST, WEAVIATE_SCHEME, WEAVIATE_API_KEY, WEAVIATE_CLASS
	WeaviateHost   string `validate:"required_if=Backend weaviate"`
	WeaviateScheme string `validate:"oneof=http https"`
	WeaviateAPIKey string
	WeaviateClass  string
}

// AuditService configures the audit sinks.
type AuditService struct {
	// Env: AUDIT_LOG_PATH (default: "./data/audit/audit.jsonl")
	Path string `validate:"required"`
	// Env: AUDIT_TEXT_MODE (default: "hash")
	TextMode string `validate:"oneof=raw hash omit"`
	// HMACKey is the hex or passphrase key for hash mode.
	// Env: AUDIT_HMAC_KEY
	HMACKey string
	// Env: AUDIT_GCS_BUCKET, AUDIT_GCS_PREFIX, AUDIT_GCS_CREDENTIALS, AUDIT_GCS_ENDPOINT
	GCSBucket      string
	GCSPrefix      string
	GCSCredentials string
	GCSEndpoint    string
}

// TelemetryService configures tracing and metrics exporters.
type TelemetryService struct {
	// Env: OTEL_SERVICE_NAME (default: "gdprgate")
	ServiceName string
	// Env: OTEL_TRACES_EXPORTER (default: "none")
	TracesExporter string `validate:"oneof=none stdout otlp"`
	// Env: OTEL_EXPORTER_OTLP_ENDPOINT
	OTLPEndpoint string `validate:"required_if=TracesExporter otlp"`
	// Env: OTEL_EXPORTER_OTLP_INSECURE (default: true)
	OTLPInsecure bool
	// Env: OTEL_METRICS_EXPORTER (default: "prometheus")
	MetricsExporter string `validate:"oneof=none stdout prometheus"`
}

// InfluxService configures the decision time-series recorder. Empty URL
// disables it.
type InfluxService struct {
	// Env: INFLUX_URL, INFLUX_TOKEN, INFLUX_ORG, INFLUX_BUCKET
	URL    string `validate:"omitempty,url"`
	Token  string
	Org    string `validate:"required_with=URL"`
	Bucket string `validate:"required_with=URL"`
}

// LoadService reads .env (if present) then environment variables.
//
// Outputs:
//   - *Service: Validated configuration.
//   - error: Wraps ErrInvalidService.
func LoadService() (*Service, error) {
	envFile := os.Getenv("GDPRGATE_ENV_FILE")
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("%w: load %s: %v", ErrInvalidService, envFile, err)
		}
	} else {
		// Best-effort: load .env from current directory
		_ = godotenv.Load()
	}

	s := &Service{
		Addr:            envString("GDPRGATE_ADDR", ":8080"),
		PolicyFile:      envString("GDPRGATE_POLICY_FILE", ""),
		LogLevel:        envString("GDPRGATE_LOG_LEVEL", "info"),
		LogFormat:       envString("GDPRGATE_LOG_FORMAT", "json"),
		RateLimit:       envFloat("GDPRGATE_RATE_LIMIT", 0),
		RateBurst:       envInt("GDPRGATE_RATE_BURST", 20),
		MaxBodyBytes:    envInt("GDPRGATE_MAX_BODY_BYTES", 1<<20),
		ShutdownTimeout: envDuration("GDPRGATE_SHUTDOWN_TIMEOUT", 10*time.Second),
		TrustedProxies:  envList("GDPRGATE_TRUSTED_PROXIES"),
		Embedding: EmbeddingService{
			Backend: envString("EMBEDDING_BACKEND", EmbeddingOllama),
			URL:     envString("EMBEDDING_SERVICE_URL", embedding.DefaultOllamaURL),
			Model:   envString("EMBEDDING_MODEL", embedding.DefaultOllamaModel),
			Timeout: envDuration("EMBEDDING_TIMEOUT", 10*time.Second),
		},
		Entity: EntityService{
			URL:             envString("NER_SERVICE_URL", "http://localhost:8001/recognize"),
			Timeout:         envDuration("NER_TIMEOUT", 10*time.Second),
			BreakerFailures: envInt("NER_BREAKER_FAILURES", 5),
			BreakerCooldown: envDuration("NER_BREAKER_COOLDOWN", 30*time.Second),
		},
		Corpus: CorpusService{
			Backend:        envString("CORPUS_BACKEND", CorpusMemory),
			Dir:            envString("CORPUS_DIR", "./data/corpus"),
			WeaviateHost:   envString("WEAVIATE_HOST", ""),
			WeaviateScheme: envString("WEAVIATE_SCHEME", "http"),
			WeaviateAPIKey: envString("WEAVIATE_API_KEY", ""),
			WeaviateClass:  envString("WEAVIATE_CLASS", ""),
		},
		Audit: AuditService{
			Path:           envString("AUDIT_LOG_PATH", "./data/audit/audit.jsonl"),
			TextMode:       envString("AUDIT_TEXT_MODE", "hash"),
			HMACKey:        os.Getenv("AUDIT_HMAC_KEY"),
			GCSBucket:      envString("AUDIT_GCS_BUCKET", ""),
			GCSPrefix:      envString("AUDIT_GCS_PREFIX", "audit/"),
			GCSCredentials: envString("AUDIT_GCS_CREDENTIALS", ""),
			GCSEndpoint:    envString("AUDIT_GCS_ENDPOINT", ""),
		},
		Telemetry: TelemetryService{
			ServiceName:     envString("OTEL_SERVICE_NAME", "gdprgate"),
			TracesExporter:  envString("OTEL_TRACES_EXPORTER", "none"),
			OTLPEndpoint:    envString("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OTLPInsecure:    envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			MetricsExporter: envString("OTEL_METRICS_EXPORTER", "prometheus"),
		},
		Influx: InfluxService{
			URL:    envString("INFLUX_URL", ""),
			Token:  os.Getenv("INFLUX_TOKEN"),
			Org:    envString("INFLUX_ORG", ""),
			Bucket: envString("INFLUX_BUCKET", ""),
		},
	}

	if err := validate.Struct(s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidService, err)
	}
	return s, nil
}
