// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

// Package auditlog provides the append-only JSON-lines log for
// security-relevant events. Each record is flushed durably before the
// surrounding operation is acknowledged.
package auditlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Outcome of an audited operation.
type Outcome string

const (
	OutcomeAllow   Outcome = "allow"
	OutcomeDeny    Outcome = "deny"
	OutcomeError   Outcome = "error"
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Protocol identifies the entry point that produced a record.
type Protocol string

const (
	ProtocolCLI      Protocol = "cli"
	ProtocolREST     Protocol = "rest"
	ProtocolGRPC     Protocol = "grpc"
	ProtocolInternal Protocol = "internal"
)

// Record is one audit line. Parameters are redacted before serialization.
type Record struct {
	Timestamp  time.Time      `json:"timestamp"`
	RunID      string         `json:"run_id"`
	Principal  string         `json:"principal"`
	KeyID      string         `json:"key_id,omitempty"`
	Protocol   Protocol       `json:"protocol"`
	Operation  string         `json:"operation"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Outcome    Outcome        `json:"outcome"`
	Detail     string         `json:"detail,omitempty"`
}

// DefaultRedactedKeys are removed from parameter objects unless overridden.
var DefaultRedactedKeys = []string{"token", "secret", "password", "authorization", "api_key"}

// Writer appends records to dated JSON-lines files under a directory.
// Concurrent writers are serialized by a per-file mutex.
type Writer struct {
	dir          string
	redactedKeys map[string]bool

	mu       sync.Mutex
	file     *os.File
	fileDate string
	now      func() time.Time
}

// NewWriter returns a Writer rooted at dir, creating it if needed.
// keys extends the default redaction deny-list.
func NewWriter(dir string, keys ...string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrap(err, "creating audit directory")
	}
	redacted := make(map[string]bool)
	for _, k := range append(append([]string{}, DefaultRedactedKeys...), keys...) {
		redacted[k] = true
	}
	return &Writer{dir: dir, redactedKeys: redacted, now: time.Now}, nil
}

// Append serializes one record, writes it as a single line, and flushes to
// durable storage before returning. A failed flush is surfaced so callers can
// refuse to acknowledge the operation.
func (w *Writer) Append(r Record) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = w.now().UTC()
	}
	r.Parameters = w.redact(r.Parameters)
	// Buffer the complete line so a crash mid-record cannot leave a
	// partially-readable entry behind.
	line, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "serializing audit record")
	}
	line = append(line, '\n')
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := w.fileFor(r.Timestamp)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		return errors.Wrap(err, "writing audit record")
	}
	if err := f.Sync(); err != nil {
		return errors.Wrap(err, "flushing audit record")
	}
	return nil
}

// Close releases the current file handle.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// fileFor returns the open handle for the UTC date of ts, rotating on date
// change. Callers must hold w.mu.
func (w *Writer) fileFor(ts time.Time) (*os.File, error) {
	date := ts.UTC().Format("2006-01-02")
	if w.file != nil && w.fileDate == date {
		return w.file, nil
	}
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	path := filepath.Join(w.dir, "audit-"+date+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, errors.Wrap(err, "opening audit file")
	}
	w.file = f
	w.fileDate = date
	return f, nil
}

func (w *Writer) redact(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if w.redactedKeys[k] {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = w.redact(nested)
			continue
		}
		out[k] = v
	}
	return out
}
