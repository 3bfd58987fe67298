// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

// Package cleanup implements the workspace sweep with safety rails: a
// dangerous-path blocklist, an unconditional site-packages preserve rule, a
// preview/confirm state machine, and a JSON audit manifest.
package cleanup

import (
	"context"
	"path"
	"sort"
	"strings"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hephaestus-dev/hephaestus/internal/telemetry"
)

// ConfirmState tracks the confirmation state machine for sweeps whose
// targets extend outside the workspace root.
type ConfirmState string

const (
	StatePlanned              ConfirmState = "planned"
	StateAwaitingConfirmation ConfirmState = "awaiting-confirmation"
	StateConfirmed            ConfirmState = "confirmed"
	StateAborted              ConfirmState = "aborted"
)

// Confirmer supplies out-of-band confirmation for risky sweeps. It reports
// true only when the caller supplied the literal string "CONFIRM".
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
}

// ConfirmerFunc adapts a function to the Confirmer interface.
type ConfirmerFunc func(ctx context.Context, prompt string) (bool, error)

func (f ConfirmerFunc) Confirm(ctx context.Context, prompt string) (bool, error) {
	return f(ctx, prompt)
}

// Engine executes sweeps against a filesystem.
type Engine struct {
	FS        billy.Filesystem
	Sink      *telemetry.Sink
	Logger    *zap.Logger
	Confirmer Confirmer
}

// NewEngine returns an Engine over the OS filesystem root.
func NewEngine(sink *telemetry.Sink, logger *zap.Logger) *Engine {
	return &Engine{FS: osfs.New("/"), Sink: sink, Logger: logger}
}

// alwaysPatterns match platform litter regardless of options.
var alwaysPatterns = []string{".DS_Store", "._*", ".AppleDouble", "__MACOSX"}

var pythonCachePatterns = []string{"__pycache__", ".pytest_cache", ".mypy_cache", ".ruff_cache"}

var buildArtifactPatterns = []string{"build", "dist", "*.egg-info", ".coverage", ".coverage.*"}

func (o Options) patterns() []string {
	pats := append([]string{}, alwaysPatterns...)
	if o.CleanPythonCache {
		pats = append(pats, pythonCachePatterns...)
	}
	if o.CleanBuildArtifacts {
		pats = append(pats, buildArtifactPatterns...)
	}
	if o.CleanNodeModules {
		pats = append(pats, "node_modules")
	}
	if o.IncludeGit {
		pats = append(pats, ".git")
	}
	if o.IncludePoetryEnv {
		pats = append(pats, ".venv")
	}
	return pats
}

// Run executes the three-phase sweep: normalize, preview, execute.
// DangerousPathError is fatal before any file is touched; per-entry errors
// are recorded and do not halt the sweep.
func (e *Engine) Run(ctx context.Context, opts Options) (*Report, error) {
	outside, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	state := StatePlanned
	if len(outside) > 0 {
		state = StateAwaitingConfirmation
		switch {
		case opts.Yes:
			state = StateConfirmed
		case e.Confirmer != nil:
			ok, err := e.Confirmer.Confirm(ctx, "targets outside root: "+strings.Join(outside, ", "))
			if err != nil {
				return nil, errors.Wrap(err, "reading confirmation")
			}
			if ok {
				state = StateConfirmed
			} else {
				state = StateAborted
			}
		default:
			state = StateAborted
		}
		if state == StateAborted {
			return nil, errors.Wrapf(ErrAborted, "%d target(s) outside %s", len(outside), opts.Root)
		}
	}
	e.emit(ctx, telemetry.EventCleanupRunStart, map[string]any{
		"root": opts.Root, "dry_run": opts.DryRun, "extra_paths": opts.ExtraPaths,
	})
	report := &Report{}
	stopPreview := e.Sink.StartTimer(ctx, telemetry.HistCleanupPreview)
	targets, err := e.preview(ctx, opts, report)
	stopPreview()
	if err != nil {
		return nil, err
	}
	if !opts.DryRun {
		stopExecute := e.Sink.StartTimer(ctx, telemetry.HistCleanupExecute)
		err = e.execute(ctx, targets, report)
		stopExecute()
		if err != nil {
			return nil, err
		}
	}
	e.emit(ctx, telemetry.EventCleanupRunComplete, map[string]any{
		"removed": report.Removed, "skipped": report.Skipped, "errors": report.Errors,
	})
	if opts.AuditManifestPath != "" {
		if err := report.WriteManifest(e.FS, opts.AuditManifestPath); err != nil {
			return report, err
		}
	}
	return report, nil
}

// preview walks the target directories recording every match without
// touching any file.
func (e *Engine) preview(ctx context.Context, opts Options, report *Report) ([]string, error) {
	patterns := opts.patterns()
	var targets []string
	roots := append([]string{opts.Root}, opts.ExtraPaths...)
	for _, root := range roots {
		if err := e.walk(ctx, root, patterns, func(match string) {
			report.add(Entry{Path: match, Action: ActionPreviewed})
			e.emit(ctx, telemetry.EventCleanupPreview, map[string]any{"path": match})
			targets = append(targets, match)
		}); err != nil {
			return nil, err
		}
	}
	return targets, nil
}

// walk recurses under dir invoking found for each pattern match. Matched
// directories are not descended into; protected subtrees are never visited.
func (e *Engine) walk(ctx context.Context, dir string, patterns []string, found func(string)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	infos, err := e.FS.ReadDir(dir)
	if err != nil {
		// A missing extra path is not an error worth failing the sweep.
		return nil
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return err
		}
		child := path.Join(dir, info.Name())
		if isProtected(child) {
			continue
		}
		if matchAny(patterns, info.Name()) {
			found(child)
			continue
		}
		if info.IsDir() {
			// Unmatched VCS and dependency trees are opaque to the sweep.
			if info.Name() == ".git" || info.Name() == "node_modules" {
				continue
			}
			if err := e.walk(ctx, child, patterns, found); err != nil {
				return err
			}
		}
	}
	return nil
}

// execute deletes each preview target. Directory deletion recurses but
// leaves protected subtrees (and their ancestors) in place.
func (e *Engine) execute(ctx context.Context, targets []string, report *Report) error {
	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		kept, err := e.removeTree(ctx, target, report)
		if err != nil {
			report.add(Entry{Path: target, Action: ActionError, Reason: err.Error()})
			e.emit(ctx, telemetry.EventCleanupError, map[string]any{"path": target, "error": err.Error()})
			continue
		}
		if kept {
			report.add(Entry{Path: target, Action: ActionSkipped, Reason: "contains protected paths"})
			e.emit(ctx, telemetry.EventCleanupSkipped, map[string]any{"path": target, "reason": "contains protected paths"})
			continue
		}
		report.add(Entry{Path: target, Action: ActionRemoved})
		e.emit(ctx, telemetry.EventCleanupRemoved, map[string]any{"path": target})
	}
	return nil
}

// removeTree removes target. For directories it recurses child-first,
// skipping protected subtrees; kept reports whether anything was preserved
// so the target itself could not be fully removed.
func (e *Engine) removeTree(ctx context.Context, target string, report *Report) (kept bool, err error) {
	if isProtected(target) {
		return true, nil
	}
	info, err := e.FS.Lstat(target)
	if err != nil {
		return false, errors.Wrap(err, "stat")
	}
	if !info.IsDir() {
		return false, e.FS.Remove(target)
	}
	infos, err := e.FS.ReadDir(target)
	if err != nil {
		return false, errors.Wrap(err, "reading directory")
	}
	for _, child := range infos {
		if err := ctx.Err(); err != nil {
			return kept, err
		}
		childPath := path.Join(target, child.Name())
		if isProtected(childPath) {
			kept = true
			continue
		}
		childKept, err := e.removeTree(ctx, childPath, report)
		if err != nil {
			report.add(Entry{Path: childPath, Action: ActionError, Reason: err.Error()})
			kept = true
			continue
		}
		kept = kept || childKept
	}
	if kept {
		return true, nil
	}
	return false, e.FS.Remove(target)
}

// isProtected reports whether p falls under the unconditional preserve rule
// **/.venv/**/site-packages/** (inclusive of the site-packages dir itself).
// This holds even when the sweep root is the .venv directory.
func isProtected(p string) bool {
	parts := strings.Split(path.Clean(p), "/")
	venvAt := -1
	for i, part := range parts {
		if part == ".venv" && venvAt == -1 {
			venvAt = i
		}
		if part == "site-packages" && venvAt >= 0 && i > venvAt {
			return true
		}
	}
	return false
}

func matchAny(patterns []string, name string) bool {
	for _, pat := range patterns {
		if ok, err := path.Match(pat, name); err == nil && ok {
			return true
		}
	}
	return false
}

func (e *Engine) emit(ctx context.Context, name string, payload map[string]any) {
	if err := e.Sink.Emit(ctx, name, telemetry.SeverityInfo, payload); err != nil && e.Logger != nil {
		e.Logger.Warn("telemetry emission failed", zap.String("event", name), zap.Error(err))
	}
}
