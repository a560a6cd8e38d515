// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianGate/services/gateway"
	"github.com/AleutianAI/AleutianGate/services/gateway/audit"
	"github.com/AleutianAI/AleutianGate/services/gateway/config"
	"github.com/AleutianAI/AleutianGate/services/gateway/corpus"
	"github.com/AleutianAI/AleutianGate/services/gateway/embedding"
	"github.com/AleutianAI/AleutianGate/services/gateway/entity"
	"github.com/AleutianAI/AleutianGate/services/gateway/pipeline"
	"github.com/AleutianAI/AleutianGate/services/gateway/telemetry"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := config.LoadService()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, svc)
		},
	}
}

// runServe starts every component, serves until ctx is cancelled, then
// shuts down in reverse order.
func runServe(ctx context.Context, svc *config.Service) error {
	logger := newLogger(svc.LogLevel, svc.LogFormat, os.Stderr)
	slog.SetDefault(logger)
	defer memguard.Purge()

	if svc.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	shutdownTracing, err := telemetry.InitTracing(ctx, telemetry.TracingConfig{
		Exporter:     svc.Telemetry.TracesExporter,
		OTLPEndpoint: svc.Telemetry.OTLPEndpoint,
		OTLPInsecure: svc.Telemetry.OTLPInsecure,
		ServiceName:  svc.Telemetry.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	shutdownMetrics, err := telemetry.InitMetrics(telemetry.MetricsConfig{
		Exporter:    svc.Telemetry.MetricsExporter,
		ServiceName: svc.Telemetry.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), svc.ShutdownTimeout)
		defer cancel()
		if err := telemetry.Shutdown(sctx, shutdownTracing, shutdownMetrics); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	// Policy
	var initial *config.Compiled
	if svc.PolicyFile != "" {
		initial, err = config.LoadPolicyFile(ctx, svc.PolicyFile)
	} else {
		initial, err = config.DefaultPolicy(ctx)
	}
	if err != nil {
		return err
	}
	store := config.NewPolicyStore(initial, logger)
	if svc.PolicyFile != "" {
		stopWatch, err := store.Watch(ctx, svc.PolicyFile)
		if err != nil {
			return fmt.Errorf("watch policy: %w", err)
		}
		defer func() { _ = stopWatch() }()
	}
	logger.Info("policy loaded",
		slog.String("version", initial.Version()),
		slog.String("source", initial.Source))

	// Providers
	embedder, err := newEmbedder(svc.Embedding, logger)
	if err != nil {
		return err
	}
	recognizer, err := entity.NewHTTPRecognizer(entity.HTTPConfig{
		URL:             svc.Entity.URL,
		Timeout:         svc.Entity.Timeout,
		BreakerFailures: uint32(svc.Entity.BreakerFailures),
		BreakerCooldown: svc.Entity.BreakerCooldown,
	}, logger)
	if err != nil {
		return err
	}
	index, err := openIndex(svc.Corpus, embedder.Model(), logger)
	if err != nil {
		return err
	}
	info := index.Info()
	logger.Info("corpus loaded",
		slog.String("backend", svc.Corpus.Backend),
		slog.String("version", info.Version),
		slog.String("model", info.Model),
		slog.Int("passages", info.Passages))

	// Audit
	auditLog, err := openAudit(ctx, svc.Audit, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := auditLog.Close(); err != nil {
			logger.Error("close audit log", slog.String("error", err.Error()))
		}
	}()

	var decisions telemetry.DecisionRecorder = telemetry.NopRecorder{}
	if svc.Influx.URL != "" {
		decisions = telemetry.NewInfluxRecorder(telemetry.InfluxConfig{
			URL:    svc.Influx.URL,
			Token:  svc.Influx.Token,
			Org:    svc.Influx.Org,
			Bucket: svc.Influx.Bucket,
		}, logger)
	}
	defer decisions.Close()

	p, err := pipeline.New(pipeline.Dependencies{
		Policy:    store,
		Entity:    recognizer,
		Embedder:  embedder,
		Index:     index,
		Audit:     auditLog,
		Decisions: decisions,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	handlers := gateway.NewHandlers(p, index, logger)
	router, err := gateway.NewRouter(handlers, gateway.RouterOptions{
		ServiceName:    svc.Telemetry.ServiceName,
		RateLimit:      svc.RateLimit,
		RateBurst:      svc.RateBurst,
		MaxBodyBytes:   int64(svc.MaxBodyBytes),
		TrustedProxies: svc.TrustedProxies,
		Debug:          svc.LogLevel == "debug",
	})
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}

	server := &http.Server{
		Addr:              svc.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting gdprgate", slog.String("address", svc.Addr), slog.String("version", version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	handlers.MarkReady()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down gdprgate")
	sctx, cancel := context.WithTimeout(context.Background(), svc.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// newEmbedder selects the embedding backend.
func newEmbedder(cfg config.EmbeddingService, logger *slog.Logger) (embedding.Provider, error) {
	switch cfg.Backend {
	case config.EmbeddingLangchain:
		return embedding.NewLangchainOllama(cfg.URL, cfg.Model)
	default:
		return embedding.NewOllamaProvider(embedding.OllamaConfig{
			URL:     cfg.URL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		}, logger), nil
	}
}

// openIndex opens the configured corpus backend.
//
// The memory backend requires a snapshot built with the serving model. The
// weaviate backend takes its metadata from the local snapshot when one
// exists, since Weaviate does not store it.
func openIndex(cfg config.CorpusService, model string, logger *slog.Logger) (corpus.Index, error) {
	if cfg.Backend != config.CorpusWeaviate {
		idx, err := corpus.LoadSnapshot(cfg.Dir, model)
		if err != nil {
			return nil, fmt.Errorf("load corpus snapshot %s: %w", cfg.Dir, err)
		}
		return idx, nil
	}

	info, _, err := corpus.ReadSnapshot(cfg.Dir)
	switch {
	case errors.Is(err, corpus.ErrNoSnapshot):
		info = corpus.Info{Version: "unknown", Model: model, Source: "weaviate"}
	case err != nil:
		logger.Warn("corpus snapshot unreadable; weaviate metadata unknown", slog.String("error", err.Error()))
		info = corpus.Info{Version: "unknown", Model: model, Source: "weaviate"}
	case info.Model != model:
		return nil, fmt.Errorf("%w: snapshot %q, provider %q", corpus.ErrModelMismatch, info.Model, model)
	}
	return corpus.NewWeaviateIndex(corpus.WeaviateConfig{
		Host:   cfg.WeaviateHost,
		Scheme: cfg.WeaviateScheme,
		APIKey: cfg.WeaviateAPIKey,
		Class:  cfg.WeaviateClass,
		Info:   info,
	}, logger)
}

// openAudit opens the file sink, adds the GCS mirror when configured, and
// resumes the hash chain.
func openAudit(ctx context.Context, cfg config.AuditService, logger *slog.Logger) (*audit.Logger, error) {
	mode, err := audit.ParseTextMode(cfg.TextMode)
	if err != nil {
		return nil, err
	}
	var key []byte
	if cfg.HMACKey != "" {
		key = audit.DecodeKey(cfg.HMACKey)
	}
	text, generated, err := audit.NewTextPolicy(mode, key)
	if err != nil {
		return nil, err
	}
	if generated {
		logger.Warn("AUDIT_HMAC_KEY not set; original-text hashes use a random per-process key and cannot be correlated across restarts")
	}

	file, err := audit.OpenFileSink(cfg.Path)
	if err != nil {
		return nil, err
	}
	var sink audit.Sink = file
	if cfg.GCSBucket != "" {
		gcs, err := audit.NewGCSSink(ctx, audit.GCSConfig{
			Bucket:          cfg.GCSBucket,
			Prefix:          cfg.GCSPrefix,
			CredentialsFile: cfg.GCSCredentials,
			Endpoint:        cfg.GCSEndpoint,
		})
		if err != nil {
			_ = file.Close()
			return nil, err
		}
		if sink, err = audit.NewMultiSink(file, gcs); err != nil {
			_ = file.Close()
			_ = gcs.Close()
			return nil, err
		}
		logger.Info("audit mirror enabled", slog.String("bucket", cfg.GCSBucket))
	}

	l, err := audit.NewLogger(sink, text, logger)
	if err != nil {
		_ = sink.Close()
		return nil, err
	}
	seq, _ := l.Head()
	logger.Info("audit log opened",
		slog.String("path", cfg.Path),
		slog.String("text_mode", string(mode)),
		slog.Uint64("seq", seq))
	return l, nil
}
