// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package corpus

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianGate/services/gateway/embedding"
)

// Default chunking parameters, in words.
const (
	DefaultChunkWords   = 250
	DefaultOverlapWords = 50
)

var (
	articleHeading = regexp.MustCompile(`(?i)^\s*Article\s+(\d+)\b`)
	recitalHeading = regexp.MustCompile(`(?i)^\s*Recital\s+(\d+)\b`)
)

// Chunk is an un-embedded window of regulation text.
type Chunk struct {
	Index         int
	Text          string
	RegulationIDs []string
}

// taggedWord is a word plus the headings in force where it appears.
type taggedWord struct {
	text    string
	article string
	recital string
}

// ChunkText splits regulation text into overlapping word windows and tags
// each window with the Article and Recital headings that cover it.
//
// Description:
//
//	A line starting with "Article N" or "Recital N" (case-insensitive)
//	opens a new section; an article heading closes the current recital and
//	vice versa. A chunk's RegulationIDs are the distinct sections of its
//	words in order of first appearance, so a chunk that starts mid-article
//	is still attributed to that article.
//
// Inputs:
//   - r: Source text.
//   - size: Words per chunk. Must exceed overlap.
//   - overlap: Words shared by consecutive chunks. Must be >= 0.
//
// Outputs:
//   - []Chunk: Chunks in source order.
//   - error: Non-nil on bad parameters or a read failure.
func ChunkText(r io.Reader, size, overlap int) ([]Chunk, error) {
	if size <= 0 || overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("corpus: invalid chunking size=%d overlap=%d", size, overlap)
	}

	var words []taggedWord
	var article, recital string

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if m := articleHeading.FindStringSubmatch(line); m != nil {
			article, recital = "Article "+m[1], ""
		} else if m := recitalHeading.FindStringSubmatch(line); m != nil {
			recital, article = "Recital "+m[1], ""
		}
		for _, w := range strings.Fields(line) {
			words = append(words, taggedWord{text: w, article: article, recital: recital})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("corpus: read source: %w", err)
	}

	var chunks []Chunk
	for start := 0; start < len(words); {
		end := start + size
		if end > len(words) {
			end = len(words)
		}
		window := words[start:end]

		texts := make([]string, len(window))
		var ids []string
		seen := map[string]bool{}
		for i, w := range window {
			texts[i] = w.text
			for _, id := range []string{w.article, w.recital} {
				if id != "" && !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
		}
		chunks = append(chunks, Chunk{
			Index:         len(chunks),
			Text:          strings.Join(texts, " "),
			RegulationIDs: ids,
		})

		if end == len(words) {
			break
		}
		start = end - overlap
	}
	return chunks, nil
}

// BuildOptions controls Build.
type BuildOptions struct {
	Version      string
	Source       string
	ChunkWords   int
	OverlapWords int
	Now          func() time.Time
}

// Build chunks, tags and embeds regulation text into passages.
//
// Description:
//
//	Chunks that fall under no Article or Recital heading are dropped: they
//	can never yield a regulation identifier. Embedding uses EmbedBatch
//	when the provider supports it.
//
// Inputs:
//   - ctx: Cancellation for embedding calls.
//   - r: Regulation text.
//   - provider: Embedding provider; its Model() is recorded in Info.
//   - opts: Version, chunking and clock. Zero values take defaults.
//   - logger: Progress logger. Nil means slog.Default().
//
// Outputs:
//   - []Passage: Embedded passages with IDs "chunk-00000", ...
//   - Info: Corpus metadata.
//   - error: Chunking or embedding failure.
func Build(ctx context.Context, r io.Reader, provider embedding.Provider, opts BuildOptions, logger *slog.Logger) ([]Passage, Info, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ChunkWords == 0 {
		opts.ChunkWords = DefaultChunkWords
	}
	if opts.OverlapWords == 0 {
		opts.OverlapWords = DefaultOverlapWords
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	chunks, err := ChunkText(r, opts.ChunkWords, opts.OverlapWords)
	if err != nil {
		return nil, Info{}, err
	}

	var tagged []Chunk
	for _, c := range chunks {
		if len(c.RegulationIDs) > 0 {
			tagged = append(tagged, c)
		}
	}
	logger.Info("corpus chunked",
		slog.Int("chunks", len(chunks)),
		slog.Int("tagged", len(tagged)),
	)
	if len(tagged) == 0 {
		return nil, Info{}, ErrEmptyCorpus
	}

	texts := make([]string, len(tagged))
	for i, c := range tagged {
		texts[i] = c.Text
	}

	var vecs [][]float32
	if bp, ok := provider.(embedding.BatchProvider); ok {
		vecs, err = bp.EmbedBatch(ctx, texts)
	} else {
		vecs = make([][]float32, len(texts))
		for i, t := range texts {
			if vecs[i], err = provider.Embed(ctx, t); err != nil {
				break
			}
		}
	}
	if err != nil {
		return nil, Info{}, fmt.Errorf("corpus: embed chunks: %w", err)
	}

	passages := make([]Passage, len(tagged))
	for i, c := range tagged {
		passages[i] = Passage{
			ID:            fmt.Sprintf("chunk-%05d", c.Index),
			Text:          c.Text,
			RegulationIDs: c.RegulationIDs,
			Vector:        vecs[i],
		}
	}

	info := Info{
		Version:  opts.Version,
		Model:    provider.Model(),
		Passages: len(passages),
		Dims:     len(vecs[0]),
		BuiltAt:  opts.Now().UTC(),
		Source:   opts.Source,
	}
	if info.Dims == 0 {
		return nil, Info{}, errors.Join(ErrEmptyCorpus, embedding.ErrEmptyVector)
	}
	return passages, info, nil
}
