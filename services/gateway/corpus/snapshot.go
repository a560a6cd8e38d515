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

// =============================================================================
// Snapshot Store (BadgerDB)
// =============================================================================
//
// The corpus snapshot is written once by `gdprgate corpus build` and opened
// read-only at serve time. Keys are versioned so the layout can change
// without colliding with older snapshots.
//
// Storage layout:
//
//	corpus/v1/meta              →  JSON Info
//	corpus/v1/passage/{id}      →  gob-encoded Passage (unit vector)

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	dgbadger "github.com/dgraph-io/badger/v4"
)

// SnapshotKeyPrefix is the versioned root of all snapshot keys.
const SnapshotKeyPrefix = "corpus/v1/"

const (
	metaKey          = SnapshotKeyPrefix + "meta"
	passageKeyPrefix = SnapshotKeyPrefix + "passage/"
)

// ErrNoSnapshot is returned when the directory holds no corpus snapshot.
var ErrNoSnapshot = errors.New("corpus: no snapshot")

// SaveSnapshot replaces the snapshot in dir with the given passages.
//
// # Description
//
// Existing keys under SnapshotKeyPrefix are dropped first, then meta and
// passages are written in one WriteBatch. Meta is written last so a crash
// mid-write leaves a snapshot that LoadSnapshot rejects.
//
// # Inputs
//
//   - dir: BadgerDB directory. Created if missing.
//   - info: Corpus metadata.
//   - passages: Embedded passages.
//   - logger: Progress logger. Nil means slog.Default().
//
// # Outputs
//
//   - error: Open, encode or write failure.
func SaveSnapshot(dir string, info Info, passages []Passage, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if len(passages) == 0 {
		return ErrEmptyCorpus
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("corpus: create snapshot dir: %w", err)
	}

	db, err := dgbadger.Open(dgbadger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return fmt.Errorf("corpus: open snapshot %s: %w", dir, err)
	}
	defer func() { _ = db.Close() }()

	if err := db.DropPrefix([]byte(SnapshotKeyPrefix)); err != nil {
		return fmt.Errorf("corpus: clear old snapshot: %w", err)
	}

	wb := db.NewWriteBatch()
	defer wb.Cancel()

	for _, p := range passages {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(p); err != nil {
			return fmt.Errorf("corpus: encode passage %s: %w", p.ID, err)
		}
		if err := wb.Set([]byte(passageKeyPrefix+p.ID), buf.Bytes()); err != nil {
			return fmt.Errorf("corpus: write passage %s: %w", p.ID, err)
		}
	}

	info.Passages = len(passages)
	meta, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("corpus: encode meta: %w", err)
	}
	if err := wb.Set([]byte(metaKey), meta); err != nil {
		return fmt.Errorf("corpus: write meta: %w", err)
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("corpus: flush snapshot: %w", err)
	}

	logger.Info("corpus snapshot written",
		slog.String("dir", dir),
		slog.String("version", info.Version),
		slog.String("model", info.Model),
		slog.Int("passages", len(passages)),
	)
	return nil
}

// ReadSnapshot opens dir read-only and returns its metadata and passages
// ordered by ID.
//
// # Outputs
//
//   - Info: Snapshot metadata.
//   - []Passage: All passages.
//   - error: ErrNoSnapshot when meta is absent; storage or decode errors
//     otherwise; an error when the passage count disagrees with meta.
func ReadSnapshot(dir string) (Info, []Passage, error) {
	if _, err := os.Stat(dir); err != nil {
		return Info{}, nil, fmt.Errorf("%w: %v", ErrNoSnapshot, err)
	}

	db, err := dgbadger.Open(dgbadger.DefaultOptions(dir).WithLogger(nil).WithReadOnly(true))
	if err != nil {
		return Info{}, nil, fmt.Errorf("corpus: open snapshot %s read-only: %w", dir, err)
	}
	defer func() { _ = db.Close() }()

	var info Info
	var passages []Passage
	err = db.View(func(txn *dgbadger.Txn) error {
		item, err := txn.Get([]byte(metaKey))
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return ErrNoSnapshot
		}
		if err != nil {
			return err
		}
		meta, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(meta, &info); err != nil {
			return fmt.Errorf("decode meta: %w", err)
		}

		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = []byte(passageKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var p Passage
			if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&p); err != nil {
				key := strings.TrimPrefix(string(item.Key()), passageKeyPrefix)
				return fmt.Errorf("decode passage %s: %w", key, err)
			}
			passages = append(passages, p)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNoSnapshot) {
			return Info{}, nil, err
		}
		return Info{}, nil, fmt.Errorf("corpus: read snapshot: %w", err)
	}
	if len(passages) != info.Passages {
		return Info{}, nil, fmt.Errorf("corpus: snapshot has %d passages, meta says %d", len(passages), info.Passages)
	}

	sort.Slice(passages, func(i, j int) bool { return passages[i].ID < passages[j].ID })
	return info, passages, nil
}

// LoadSnapshot reads a snapshot into a MemoryIndex.
//
// # Inputs
//
//   - dir: Snapshot directory.
//   - model: Serving embedding model. Non-empty values must match the
//     snapshot's model.
//
// # Outputs
//
//   - *MemoryIndex: Immutable index.
//   - error: Read failure, ErrModelMismatch, or index construction error.
func LoadSnapshot(dir, model string) (*MemoryIndex, error) {
	info, passages, err := ReadSnapshot(dir)
	if err != nil {
		return nil, err
	}
	if model != "" && info.Model != model {
		return nil, fmt.Errorf("%w: snapshot %q, provider %q", ErrModelMismatch, info.Model, model)
	}
	return NewMemoryIndex(info, passages)
}
