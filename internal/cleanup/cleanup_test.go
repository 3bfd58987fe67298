// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

package cleanup

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/pkg/errors"

	"github.com/hephaestus-dev/hephaestus/internal/telemetry"
)

func newTestEngine() *Engine {
	return &Engine{FS: memfs.New(), Sink: telemetry.NewDisabled()}
}

func write(t *testing.T, e *Engine, path string) {
	t.Helper()
	if err := util.WriteFile(e.FS, path, []byte("x"), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func exists(e *Engine, path string) bool {
	_, err := e.FS.Lstat(path)
	return err == nil
}

func TestDryRunPreviewsWithoutRemoving(t *testing.T) {
	e := newTestEngine()
	write(t, e, "/project/__pycache__/a.pyc")
	write(t, e, "/project/.venv/lib/python3.12/site-packages/pkg/__init__.py")
	report, err := e.Run(context.Background(), Options{
		Root:             "/project",
		CleanPythonCache: true,
		DryRun:           true,
	})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	var previews []string
	for _, entry := range report.Entries {
		if entry.Action == ActionPreviewed {
			previews = append(previews, entry.Path)
		}
	}
	if len(previews) != 1 || previews[0] != "/project/__pycache__" {
		t.Errorf("previews = %v, want [/project/__pycache__]", previews)
	}
	if report.Removed != 0 {
		t.Errorf("Removed = %d, want 0", report.Removed)
	}
	if !exists(e, "/project/__pycache__/a.pyc") {
		t.Error("dry run removed a file")
	}
}

func TestRunRemovesMatchedTargets(t *testing.T) {
	e := newTestEngine()
	write(t, e, "/project/__pycache__/a.pyc")
	write(t, e, "/project/sub/.pytest_cache/v/cache")
	write(t, e, "/project/dist/pkg-1.0.tar.gz")
	write(t, e, "/project/src/keep.py")
	report, err := e.Run(context.Background(), Options{
		Root:                "/project",
		CleanPythonCache:    true,
		CleanBuildArtifacts: true,
	})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if report.Removed != 3 {
		t.Errorf("Removed = %d, want 3", report.Removed)
	}
	for _, gone := range []string{"/project/__pycache__", "/project/sub/.pytest_cache", "/project/dist"} {
		if exists(e, gone) {
			t.Errorf("%s still exists", gone)
		}
	}
	if !exists(e, "/project/src/keep.py") {
		t.Error("unmatched file was removed")
	}
}

func TestRunPreservesSitePackages(t *testing.T) {
	e := newTestEngine()
	write(t, e, "/project/.venv/lib/python3.12/site-packages/pkg/__init__.py")
	write(t, e, "/project/.venv/bin/python")
	report, err := e.Run(context.Background(), Options{
		Root:             "/project",
		IncludePoetryEnv: true,
	})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if !exists(e, "/project/.venv/lib/python3.12/site-packages/pkg/__init__.py") {
		t.Fatal("site-packages content was removed")
	}
	if exists(e, "/project/.venv/bin/python") {
		t.Error(".venv/bin survived a poetry-env sweep")
	}
	var skipped bool
	for _, entry := range report.Entries {
		if entry.Action == ActionSkipped {
			skipped = true
		}
	}
	if !skipped {
		t.Error("no skipped entry recorded for the protected subtree")
	}
}

func TestRunDangerousRootFailsClosed(t *testing.T) {
	e := newTestEngine()
	_, err := e.Run(context.Background(), Options{Root: "/"})
	if !errors.Is(err, ErrDangerousPath) {
		t.Fatalf("Run(root=/) = %v, want ErrDangerousPath", err)
	}
	_, err = e.Run(context.Background(), Options{Root: "/project", ExtraPaths: []string{"/etc"}})
	if !errors.Is(err, ErrDangerousPath) {
		t.Fatalf("Run(extra=/etc) = %v, want ErrDangerousPath", err)
	}
}

func TestOutsideRootRequiresConfirmation(t *testing.T) {
	e := newTestEngine()
	write(t, e, "/elsewhere/__pycache__/a.pyc")
	opts := Options{Root: "/project", CleanPythonCache: true, ExtraPaths: []string{"/elsewhere"}}
	if _, err := e.Run(context.Background(), opts); !errors.Is(err, ErrAborted) {
		t.Fatalf("Run() without confirmation = %v, want ErrAborted", err)
	}
	// Explicit yes flag satisfies the state machine.
	opts.Yes = true
	report, err := e.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run() with Yes failed: %v", err)
	}
	if report.Removed != 1 {
		t.Errorf("Removed = %d, want 1", report.Removed)
	}
}

func TestConfirmerChannel(t *testing.T) {
	e := newTestEngine()
	e.Confirmer = ConfirmerFunc(func(context.Context, string) (bool, error) { return true, nil })
	write(t, e, "/elsewhere/.DS_Store")
	report, err := e.Run(context.Background(), Options{Root: "/project", ExtraPaths: []string{"/elsewhere"}})
	if err != nil {
		t.Fatalf("Run() with confirmer failed: %v", err)
	}
	if report.Removed != 1 {
		t.Errorf("Removed = %d, want 1", report.Removed)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	e := newTestEngine()
	write(t, e, "/project/__pycache__/a.pyc")
	opts := Options{Root: "/project", CleanPythonCache: true}
	if _, err := e.Run(context.Background(), opts); err != nil {
		t.Fatalf("first Run() failed: %v", err)
	}
	second, err := e.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("second Run() failed: %v", err)
	}
	if second.Removed != 0 || second.Errors != 0 {
		t.Errorf("second run removed=%d errors=%d, want 0/0", second.Removed, second.Errors)
	}
}

func TestAuditManifest(t *testing.T) {
	e := newTestEngine()
	write(t, e, "/project/__pycache__/a.pyc")
	_, err := e.Run(context.Background(), Options{
		Root:              "/project",
		CleanPythonCache:  true,
		AuditManifestPath: "/project/cleanup-manifest.json",
	})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	b, err := util.ReadFile(e.FS, "/project/cleanup-manifest.json")
	if err != nil {
		t.Fatalf("reading manifest: %v", err)
	}
	var got Report
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("manifest is not valid JSON: %v", err)
	}
	if got.Removed != 1 {
		t.Errorf("manifest Removed = %d, want 1", got.Removed)
	}
}

func TestCancellationBetweenEntries(t *testing.T) {
	e := newTestEngine()
	write(t, e, "/project/__pycache__/a.pyc")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Run(ctx, Options{Root: "/project", CleanPythonCache: true}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() on cancelled ctx = %v, want context.Canceled", err)
	}
}

func TestIsProtected(t *testing.T) {
	for _, tc := range []struct {
		path string
		want bool
	}{
		{"/w/.venv/lib/python3.12/site-packages", true},
		{"/w/.venv/lib/python3.12/site-packages/pkg/mod.py", true},
		{"/.venv/lib/site-packages/x", true},
		{"/w/.venv/bin/python", false},
		{"/w/site-packages/x", false},
		{"/w/project/src", false},
	} {
		if got := isProtected(tc.path); got != tc.want {
			t.Errorf("isProtected(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}
