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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianGate/services/gateway/config"
	"github.com/AleutianAI/AleutianGate/services/gateway/corpus"
)

func newCorpusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "corpus",
		Short: "Build and inspect the regulatory vector corpus",
	}
	cmd.AddCommand(newCorpusBuildCmd(), newCorpusInfoCmd())
	return cmd
}

// corpusBuildFlags holds the build command's flags.
type corpusBuildFlags struct {
	source   string
	dir      string
	version  string
	chunk    int
	overlap  int
	weaviate bool
}

func newCorpusBuildCmd() *cobra.Command {
	var f corpusBuildFlags
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Chunk, tag and embed regulation text into a snapshot",
		Long: "build reads the regulation text, splits it into overlapping windows tagged with their Article and " +
			"Recital headings, embeds them with the configured embedding backend and writes a snapshot to " +
			"CORPUS_DIR. With --weaviate the passages are also uploaded to the configured Weaviate class.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := config.LoadService()
			if err != nil {
				return err
			}
			return runCorpusBuild(cmd, svc, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.source, "source", "", "Regulation text file (required)")
	fl.StringVar(&f.dir, "dir", "", "Snapshot directory (default: CORPUS_DIR)")
	fl.StringVar(&f.version, "version", "", "Corpus version label (default: source file name)")
	fl.IntVar(&f.chunk, "chunk-words", corpus.DefaultChunkWords, "Words per chunk")
	fl.IntVar(&f.overlap, "overlap-words", corpus.DefaultOverlapWords, "Words shared by consecutive chunks")
	fl.BoolVar(&f.weaviate, "weaviate", false, "Also upload passages to Weaviate")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func runCorpusBuild(cmd *cobra.Command, svc *config.Service, f corpusBuildFlags) error {
	ctx := cmd.Context()
	logger := newLogger(svc.LogLevel, "text", cmd.ErrOrStderr())

	dir := f.dir
	if dir == "" {
		dir = svc.Corpus.Dir
	}
	version := f.version
	if version == "" {
		version = filepath.Base(f.source)
	}

	src, err := os.Open(f.source)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	embedder, err := newEmbedder(svc.Embedding, logger)
	if err != nil {
		return err
	}
	passages, info, err := corpus.Build(ctx, src, embedder, corpus.BuildOptions{
		Version:      version,
		Source:       f.source,
		ChunkWords:   f.chunk,
		OverlapWords: f.overlap,
	}, logger)
	if err != nil {
		return err
	}
	if err := corpus.SaveSnapshot(dir, info, passages, logger); err != nil {
		return err
	}

	if f.weaviate {
		idx, err := corpus.NewWeaviateIndex(corpus.WeaviateConfig{
			Host:   svc.Corpus.WeaviateHost,
			Scheme: svc.Corpus.WeaviateScheme,
			APIKey: svc.Corpus.WeaviateAPIKey,
			Class:  svc.Corpus.WeaviateClass,
			Info:   info,
		}, logger)
		if err != nil {
			return err
		}
		if err := idx.Upload(ctx, passages); err != nil {
			return err
		}
	}

	logger.Info("corpus built",
		slog.String("dir", dir),
		slog.String("version", info.Version),
		slog.String("model", info.Model),
		slog.Int("passages", info.Passages),
		slog.Int("dims", info.Dims))
	return nil
}

func newCorpusInfoCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Print snapshot metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dir == "" {
				dir = os.Getenv("CORPUS_DIR")
			}
			if dir == "" {
				dir = "./data/corpus"
			}
			info, passages, err := corpus.ReadSnapshot(dir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "version:  %s\n", info.Version)
			fmt.Fprintf(out, "model:    %s\n", info.Model)
			fmt.Fprintf(out, "passages: %d\n", len(passages))
			fmt.Fprintf(out, "dims:     %d\n", info.Dims)
			fmt.Fprintf(out, "built:    %s\n", info.BuiltAt.Format("2006-01-02 15:04:05 MST"))
			if info.Source != "" {
				fmt.Fprintf(out, "source:   %s\n", info.Source)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Snapshot directory (default: CORPUS_DIR, then ./data/corpus)")
	return cmd
}
