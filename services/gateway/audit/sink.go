// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"cloud.google.com/go/storage"
	"golang.org/x/sys/unix"
	"google.golang.org/api/option"
)

// Sink durably stores serialized records. Append must not return until the
// line is durable; a nil error is the acknowledgement. An error that wraps
// ErrCommitted means the line was stored but a later step failed.
type Sink interface {
	Append(ctx context.Context, seq uint64, line []byte) error
	Close() error
}

// Tailer is implemented by sinks that can return their last record, so a
// restarted Logger continues the existing chain.
type Tailer interface {
	Last() ([]byte, error)
}

// =============================================================================
// File Sink
// =============================================================================

// FileSink appends records to a local JSONL file.
//
// Description:
//
//	The file is opened O_APPEND and held under an exclusive flock for the
//	lifetime of the sink, so a second gateway process pointed at the same
//	file fails at startup instead of interleaving writes. Each Append is a
//	single write(2) of the full line followed by fsync.
//
// Thread Safety: Safe for concurrent use.
type FileSink struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// OpenFileSink opens (creating if needed) the log at path.
//
// Outputs:
//   - *FileSink: Open sink.
//   - error: ErrLocked if another process holds the file.
func OpenFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("lock audit log: %w", err)
	}
	return &FileSink{path: path, f: f}, nil
}

// Path returns the log location.
func (s *FileSink) Path() string { return s.path }

// Append writes line plus a newline and fsyncs.
func (s *FileSink) Append(_ context.Context, _ uint64, line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return errors.New("audit file sink closed")
	}
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := s.f.Write(buf); err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("%w: fsync audit log: %w", ErrCommitted, err)
	}
	return nil
}

// Last returns the final non-empty line of the log, or nil for a new log.
func (s *FileSink) Last() ([]byte, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	defer f.Close()

	var last []byte
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		if line := bytes.TrimSpace(sc.Bytes()); len(line) > 0 {
			last = append(last[:0], line...)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return last, nil
}

// Close releases the lock and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	_ = unix.Flock(int(s.f.Fd()), unix.LOCK_UN)
	err := s.f.Close()
	s.f = nil
	return err
}

// maxLine bounds a single record when scanning.
const maxLine = 16 * 1024 * 1024

// =============================================================================
// GCS Sink
// =============================================================================

// GCSConfig configures the object-store mirror.
type GCSConfig struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
	// Endpoint overrides the API endpoint (emulators). Disables auth.
	Endpoint string
}

// GCSSink writes each record as its own object. Objects are created with
// a DoesNotExist precondition so an existing record can never be
// overwritten.
//
// Thread Safety: Safe for concurrent use.
type GCSSink struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
}

// NewGCSSink creates a GCS-backed sink.
func NewGCSSink(ctx context.Context, cfg GCSConfig) (*GCSSink, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("audit gcs sink: bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSSink{client: client, bucket: client.Bucket(cfg.Bucket), prefix: cfg.Prefix}, nil
}

// Append uploads the record. The upload is committed when Close returns.
func (g *GCSSink) Append(ctx context.Context, seq uint64, line []byte) error {
	obj := g.bucket.Object(ObjectName(g.prefix, seq)).If(storage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(line); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs audit write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs audit close: %w", err)
	}
	return nil
}

// Close closes the client.
func (g *GCSSink) Close() error { return g.client.Close() }

// ObjectName returns the zero-padded key for seq so lexical listing order
// equals chain order.
func ObjectName(prefix string, seq uint64) string {
	return fmt.Sprintf("%s%020d.json", prefix, seq)
}

// =============================================================================
// Multi Sink
// =============================================================================

// MultiSink appends to each sink in order. The first sink is the primary
// and the only one consulted for Last.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks. At least one is required.
func NewMultiSink(sinks ...Sink) (*MultiSink, error) {
	if len(sinks) == 0 {
		return nil, errors.New("audit: no sinks")
	}
	return &MultiSink{sinks: sinks}, nil
}

// Append writes to the primary, then to every mirror.
//
// Description:
//
//	A primary failure is returned as is and no mirror is attempted. Once
//	the primary has the line, every mirror is tried and their failures
//	are joined under ErrCommitted.
//
// Outputs:
//   - error: nil when every sink accepted the line.
func (m *MultiSink) Append(ctx context.Context, seq uint64, line []byte) error {
	if err := m.sinks[0].Append(ctx, seq, line); err != nil {
		return err
	}
	var errs []error
	for i, s := range m.sinks[1:] {
		if err := s.Append(ctx, seq, line); err != nil {
			errs = append(errs, fmt.Errorf("mirror %d: %w", i+1, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrCommitted, errors.Join(errs...))
	}
	return nil
}

// Last delegates to the primary sink when it is a Tailer.
func (m *MultiSink) Last() ([]byte, error) {
	if t, ok := m.sinks[0].(Tailer); ok {
		return t.Last()
	}
	return nil, nil
}

// Close closes every sink and joins the errors.
func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Sink   = (*FileSink)(nil)
	_ Tailer = (*FileSink)(nil)
	_ Sink   = (*GCSSink)(nil)
	_ Sink   = (*MultiSink)(nil)
	_ Tailer = (*MultiSink)(nil)
)
