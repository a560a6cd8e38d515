// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// corpus_dump inspects a regulatory corpus snapshot.
//
// The snapshot is the BadgerDB store written by "gdprgate corpus build"
// and loaded by the gateway's memory index. This tool opens it read-only
// and prints the metadata record and, per passage, its regulation
// identifiers, vector dimensions, L2 norm, a short vector sample and a text
// excerpt. Passages that fail to decode are reported, not skipped.
//
// Usage:
//
//	corpus_dump [--path /path/to/corpus] [--regulation "Article 9"] [--limit 20]
//
// If --path is not given, reads CORPUS_DIR from the environment, falling
// back to ./data/corpus.
//
// Exit codes:
//
//	0 - success (including an empty or missing snapshot)
//	1 - error opening or reading the database
package main

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianGate/services/gateway/corpus"
	"github.com/AleutianAI/AleutianGate/services/gateway/embedding"
	"github.com/AleutianAI/AleutianGate/services/gateway/semantic"
)

const (
	metaKey          = corpus.SnapshotKeyPrefix + "meta"
	passageKeyPrefix = corpus.SnapshotKeyPrefix + "passage/"
)

// entry is one decoded passage key.
type entry struct {
	key       string
	rawSize   int
	passage   corpus.Passage
	decodeErr error
}

func main() {
	pathFlag := flag.String("path", "", "Path to the corpus BadgerDB directory (overrides CORPUS_DIR)")
	regulation := flag.String("regulation", "", "Only show passages tagged with this identifier, e.g. \"Article 9\"")
	limit := flag.Int("limit", 0, "Maximum passages to print (0 = all)")
	flag.Parse()

	dbPath := *pathFlag
	if dbPath == "" {
		dbPath = os.Getenv("CORPUS_DIR")
	}
	if dbPath == "" {
		dbPath = "./data/corpus"
	}

	fmt.Printf("Corpus snapshot path: %s\n", dbPath)

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("Snapshot directory does not exist. Run \"gdprgate corpus build\" first.")
		os.Exit(0)
	}

	db, err := dgbadger.Open(dgbadger.DefaultOptions(dbPath).WithLogger(nil).WithReadOnly(true))
	if err != nil {
		fatalf("open BadgerDB at %s: %v", dbPath, err)
	}
	defer func() { _ = db.Close() }()

	var (
		meta    *corpus.Info
		metaErr error
		entries []entry
	)
	err = db.View(func(txn *dgbadger.Txn) error {
		if item, err := txn.Get([]byte(metaKey)); err == nil {
			raw, err := item.ValueCopy(nil)
			if err != nil {
				metaErr = err
			} else {
				var info corpus.Info
				if err := json.Unmarshal(raw, &info); err != nil {
					metaErr = fmt.Errorf("json decode: %w", err)
				} else {
					meta = &info
				}
			}
		}

		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = []byte(passageKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			e := entry{key: string(item.Key())}
			raw, err := item.ValueCopy(nil)
			if err != nil {
				e.decodeErr = fmt.Errorf("copy value: %w", err)
				entries = append(entries, e)
				continue
			}
			e.rawSize = len(raw)
			if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&e.passage); err != nil {
				e.decodeErr = fmt.Errorf("gob decode: %w", err)
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		fatalf("read BadgerDB: %v", err)
	}

	fmt.Println(strings.Repeat("─", 80))
	switch {
	case metaErr != nil:
		fmt.Printf("Meta: DECODE ERROR: %v\n", metaErr)
	case meta == nil:
		fmt.Println("Meta: missing (snapshot incomplete or not a corpus store)")
	default:
		fmt.Printf("Version:  %s\n", meta.Version)
		fmt.Printf("Model:    %s\n", meta.Model)
		fmt.Printf("Passages: %d (meta) / %d (stored)\n", meta.Passages, len(entries))
		fmt.Printf("Dims:     %d\n", meta.Dims)
		fmt.Printf("Built:    %s (%s ago)\n",
			meta.BuiltAt.Format("2006-01-02 15:04:05 MST"),
			time.Since(meta.BuiltAt).Round(time.Second))
		if meta.Source != "" {
			fmt.Printf("Source:   %s\n", meta.Source)
		}
	}
	fmt.Println(strings.Repeat("─", 80))

	if len(entries) == 0 {
		fmt.Println("\nNo passages found.")
		os.Exit(0)
	}

	printed := 0
	counts := map[string]int{}
	for _, e := range entries {
		for _, id := range e.passage.RegulationIDs {
			counts[id]++
		}
		if *regulation != "" && !slices.Contains(e.passage.RegulationIDs, *regulation) {
			continue
		}
		if *limit > 0 && printed >= *limit {
			continue
		}
		printed++
		printEntry(e)
	}

	fmt.Printf("\n%s\n", strings.Repeat("─", 80))
	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, semantic.CompareIDs)
	fmt.Printf("Regulation coverage (%d identifiers):\n", len(ids))
	for _, id := range ids {
		fmt.Printf("  %-12s %4d passage%s\n", id, counts[id], plural(counts[id]))
	}
	fmt.Printf("\nSummary: %d passage%s stored, %d shown, path: %s\n",
		len(entries), plural(len(entries)), printed, dbPath)
}

func printEntry(e entry) {
	id := strings.TrimPrefix(e.key, passageKeyPrefix)
	fmt.Printf("\n[%s]  %s\n", id, formatBytes(e.rawSize))
	if e.decodeErr != nil {
		fmt.Printf("    DECODE ERROR: %v\n", e.decodeErr)
		return
	}
	p := e.passage
	fmt.Printf("    Regulations: %s\n", strings.Join(p.RegulationIDs, ", "))
	fmt.Printf("    Vector:      %d dims, L2 %.4f  %s\n", len(p.Vector), embedding.L2Norm(p.Vector), formatSample(p.Vector, 4))
	fmt.Printf("    Text:        %s\n", excerpt(p.Text, 100))
}

// formatSample returns the first n values of a vector as a bracketed string.
func formatSample(v []float32, n int) string {
	if len(v) == 0 {
		return "[]"
	}
	n = min(n, len(v))
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("%+.4f", v[i])
	}
	suffix := ""
	if len(v) > n {
		suffix = " ..."
	}
	return "[" + strings.Join(parts, ", ") + suffix + "]"
}

// excerpt collapses whitespace and truncates to n runes.
func excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// formatBytes formats a byte count as a human-readable string.
func formatBytes(n int) string {
	switch {
	case n >= 1024*1024:
		return fmt.Sprintf("%.1f MB (%d bytes)", float64(n)/1024/1024, n)
	case n >= 1024:
		return fmt.Sprintf("%.1f KB (%d bytes)", float64(n)/1024, n)
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

// fatalf prints to stderr and exits 1.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "corpus_dump: "+format+"\n", args...)
	os.Exit(1)
}
