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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// PolicyStore holds the active compiled policy and swaps it atomically on
// reload. Requests load the pointer once and use that snapshot throughout,
// so a reload never mixes two policy versions within one decision.
//
// Thread Safety: Safe for concurrent use.
type PolicyStore struct {
	current atomic.Pointer[Compiled]
	logger  *slog.Logger
}

// NewPolicyStore creates a store holding initial.
func NewPolicyStore(initial *Compiled, logger *slog.Logger) *PolicyStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PolicyStore{logger: logger.With(slog.String("component", "policy"))}
	s.current.Store(initial)
	return s
}

// Current returns the active policy.
func (s *PolicyStore) Current() *Compiled { return s.current.Load() }

// Reload compiles the file at path and, if valid, makes it current. An
// invalid file leaves the active policy in place.
func (s *PolicyStore) Reload(ctx context.Context, path string) error {
	next, err := LoadPolicyFile(ctx, path)
	if err != nil {
		s.logger.Error("policy reload rejected",
			slog.String("path", path),
			slog.String("error", err.Error()),
			slog.String("active_version", s.Current().Version()),
		)
		return err
	}
	prev := s.current.Swap(next)
	s.logger.Info("policy reloaded",
		slog.String("path", path),
		slog.String("from_version", prev.Version()),
		slog.String("to_version", next.Version()),
	)
	if CompareVersions(next.Version(), prev.Version()) < 0 {
		s.logger.Warn("policy version moved backwards",
			slog.String("from_version", prev.Version()),
			slog.String("to_version", next.Version()),
		)
	}
	return nil
}

// Watch reloads the policy whenever the file at path changes.
//
// Description:
//
//	The parent directory is watched rather than the file so that editors
//	and config management tools that replace the file by rename are
//	handled. The watch is established before Watch returns; events are
//	processed on a background goroutine until ctx is cancelled or stop is
//	called.
//
// Inputs:
//   - ctx: Lifetime of the watch.
//   - path: Policy file path. Must not be empty.
//
// Outputs:
//   - stop: Ends the watch and waits for the goroutine to exit.
//   - error: The watcher could not be created.
func (s *PolicyStore) Watch(ctx context.Context, path string) (stop func() error, err error) {
	if path == "" {
		return nil, errors.New("config: watch requires a policy file path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve policy path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create policy watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				_ = s.Reload(ctx, abs)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("policy watcher error", slog.String("error", err.Error()))
			}
		}
	}()

	s.logger.Info("watching policy file", slog.String("path", abs))
	return func() error {
		cancel()
		err := w.Close()
		<-done
		return err
	}, nil
}
