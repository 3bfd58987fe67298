// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

package auditlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestAppendWritesOneLinePerRecord(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("NewWriter() failed: %v", err)
	}
	defer w.Close()
	w.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	for _, op := range []string{"cleanup", "guard-rails"} {
		if err := w.Append(Record{
			RunID:     "run-1",
			Principal: "ci-bot",
			Protocol:  ProtocolREST,
			Operation: op,
			Outcome:   OutcomeSuccess,
		}); err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
	}
	f, err := os.Open(filepath.Join(dir, "audit-2026-03-01.jsonl"))
	if err != nil {
		t.Fatalf("opening audit file: %v", err)
	}
	defer f.Close()
	var ops []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var r Record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			t.Fatalf("line is not valid JSON: %v", err)
		}
		ops = append(ops, r.Operation)
	}
	if diff := cmp.Diff([]string{"cleanup", "guard-rails"}, ops); diff != "" {
		t.Errorf("operations (-want +got):\n%s", diff)
	}
}

func TestAppendRedactsDenyListedKeys(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "custom_secret")
	if err != nil {
		t.Fatalf("NewWriter() failed: %v", err)
	}
	defer w.Close()
	w.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	if err := w.Append(Record{
		Principal: "ci-bot",
		Protocol:  ProtocolCLI,
		Operation: "release",
		Outcome:   OutcomeSuccess,
		Parameters: map[string]any{
			"repository":    "org/hephaestus",
			"token":         "ghp_sensitive",
			"custom_secret": "hidden",
			"nested":        map[string]any{"authorization": "Bearer x", "tag": "v1.0.0"},
		},
	}); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "audit-2026-03-01.jsonl"))
	if err != nil {
		t.Fatalf("reading audit file: %v", err)
	}
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		t.Fatalf("unmarshaling record: %v", err)
	}
	want := map[string]any{
		"repository": "org/hephaestus",
		"nested":     map[string]any{"tag": "v1.0.0"},
	}
	if diff := cmp.Diff(want, r.Parameters); diff != "" {
		t.Errorf("parameters (-want +got):\n%s", diff)
	}
}

func TestAppendRotatesOnDateChange(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("NewWriter() failed: %v", err)
	}
	defer w.Close()
	day := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return day }
	if err := w.Append(Record{Operation: "cleanup", Outcome: OutcomeSuccess, Protocol: ProtocolCLI}); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	day = day.Add(2 * time.Minute)
	if err := w.Append(Record{Operation: "cleanup", Outcome: OutcomeSuccess, Protocol: ProtocolCLI}); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	for _, name := range []string{"audit-2026-03-01.jsonl", "audit-2026-03-02.jsonl"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s to exist: %v", name, err)
		}
	}
}

func TestAppendConcurrent(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("NewWriter() failed: %v", err)
	}
	defer w.Close()
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Append(Record{Operation: "cleanup", Outcome: OutcomeSuccess, Protocol: ProtocolInternal}); err != nil {
				t.Errorf("Append() failed: %v", err)
			}
		}()
	}
	wg.Wait()
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("ReadDir() = %v entries, err %v; want 1 file", len(entries), err)
	}
	b, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("reading audit file: %v", err)
	}
	lines := 0
	scanner := bufio.NewScanner(bytes.NewReader(b))
	for scanner.Scan() {
		var r Record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			t.Fatalf("interleaved write produced invalid JSON: %v", err)
		}
		lines++
	}
	if lines != 20 {
		t.Errorf("got %d lines, want 20", lines)
	}
}
