// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

// Package guardrails orchestrates the quality pipeline: workspace cleanup,
// optional drift detection, then the gate sequence, fail-fast.
package guardrails

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hephaestus-dev/hephaestus/internal/cleanup"
	"github.com/hephaestus-dev/hephaestus/internal/drift"
	"github.com/hephaestus-dev/hephaestus/internal/plugin"
	"github.com/hephaestus-dev/hephaestus/internal/telemetry"
)

// Options selects the gates for one run.
type Options struct {
	Root        string `json:"root"`
	SkipFormat  bool   `json:"skip_format"`
	DriftCheck  bool   `json:"drift_check"`
	UsePlugins  bool   `json:"use_plugins"`
	SkipCleanup bool   `json:"skip_cleanup"`
}

// GateReport captures one step's outcome. Duration is recorded even when
// the step fails.
type GateReport struct {
	Name      string  `json:"name"`
	Success   bool    `json:"success"`
	ExitCode  int     `json:"exit_code"`
	Summary   string  `json:"summary,omitempty"`
	DurationS float64 `json:"duration_s"`
}

// Result is the outcome of a full guard-rails run.
type Result struct {
	Gates     []GateReport `json:"gates"`
	Success   bool         `json:"success"`
	DurationS float64      `json:"duration_s"`
}

// Orchestrator wires the pipeline stages together.
type Orchestrator struct {
	Cleanup   *cleanup.Engine
	Drift     *drift.Detector
	Discovery *plugin.Discovery
	Sink      *telemetry.Sink
	Logger    *zap.Logger

	// gateSource is indirect for tests.
	gateSource func(ctx context.Context, opts Options) ([]plugin.Registered, error)
}

// Run executes the pipeline. Gate failures produce a failed Result; only
// infrastructure failures (cleanup engine errors, discovery errors) return
// a non-nil error.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*Result, error) {
	o.emit(ctx, telemetry.EventGuardRailsStart, telemetry.SeverityInfo, map[string]any{
		"use_plugins": opts.UsePlugins, "skip_format": opts.SkipFormat, "drift_check": opts.DriftCheck,
	})
	stopTotal := o.Sink.StartTimer(ctx, telemetry.HistGuardRailsTotal)
	defer stopTotal()
	started := time.Now()
	result := &Result{Success: true}
	finish := func() *Result {
		result.DurationS = time.Since(started).Seconds()
		if result.Success {
			o.emit(ctx, telemetry.EventGuardRailsComplete, telemetry.SeverityInfo, map[string]any{
				"gates": len(result.Gates), "duration_s": result.DurationS,
			})
		}
		return result
	}

	if !opts.SkipCleanup {
		report, err := o.Cleanup.Run(ctx, o.cleanupOptions(opts))
		if err != nil {
			return nil, err
		}
		if report.Errors > 0 {
			result.Success = false
			result.Gates = append(result.Gates, GateReport{Name: "cleanup", ExitCode: 1, Summary: "cleanup completed with errors"})
			o.failGate(ctx, "cleanup", 1, 0)
			return finish(), nil
		}
	}

	if opts.DriftCheck {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		gate, err := o.runDriftCheck(ctx)
		if err != nil {
			return nil, err
		}
		result.Gates = append(result.Gates, *gate)
		if !gate.Success {
			result.Success = false
			return finish(), nil
		}
	}

	gates, err := o.gates(ctx, opts)
	if err != nil {
		return nil, err
	}
	for _, gate := range gates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report := o.runGate(ctx, gate)
		result.Gates = append(result.Gates, report)
		if !report.Success {
			result.Success = false
			o.failGate(ctx, report.Name, report.ExitCode, report.DurationS)
			break
		}
	}
	return finish(), nil
}

func (o *Orchestrator) cleanupOptions(opts Options) cleanup.Options {
	c := cleanup.DeepClean(opts.Root)
	// Non-interactive inside the pipeline.
	c.Yes = true
	return c
}

func (o *Orchestrator) runDriftCheck(ctx context.Context) (*GateReport, error) {
	started := time.Now()
	plan, err := o.Drift.Detect(ctx)
	if err != nil {
		return nil, err
	}
	gate := &GateReport{Name: "drift-check", Success: !plan.HasDrift(), DurationS: time.Since(started).Seconds()}
	o.Sink.Observe(ctx, telemetry.HistGuardRailsStep, time.Since(started))
	if !gate.Success {
		gate.ExitCode = 1
		gate.Summary = "tool drift: " + strings.Join(plan.Drifted(), ", ")
		o.emit(ctx, telemetry.EventGuardRailsDrift, telemetry.SeverityWarn, map[string]any{"tools": plan.Drifted()})
	}
	return gate, nil
}

// gates resolves the step sequence: discovered plugins, or the legacy fixed
// order when plugins are off.
func (o *Orchestrator) gates(ctx context.Context, opts Options) ([]plugin.Registered, error) {
	if o.gateSource != nil {
		gates, err := o.gateSource(ctx, opts)
		if err != nil {
			return nil, err
		}
		return skipFormat(gates, opts.SkipFormat), nil
	}
	if opts.UsePlugins {
		registry, err := o.Discovery.Discover(ctx)
		if err != nil {
			return nil, err
		}
		return skipFormat(registry.All(), opts.SkipFormat), nil
	}
	builtins := plugin.Builtins()
	legacy := []plugin.Registered{
		{Plugin: builtins[0]}, // ruff-check
		{Plugin: builtins[1]}, // ruff-format
		{Plugin: plugin.NewExecPlugin(plugin.Metadata{Name: "yamllint", Category: "linting", Order: 25}, "yamllint", ".")},
		{Plugin: builtins[2]}, // mypy
		{Plugin: builtins[3]}, // pytest
		{Plugin: builtins[4]}, // pip-audit
	}
	return skipFormat(legacy, opts.SkipFormat), nil
}

func skipFormat(gates []plugin.Registered, skip bool) []plugin.Registered {
	if !skip {
		return gates
	}
	out := gates[:0]
	for _, g := range gates {
		if g.Plugin.Metadata().Name == "ruff-format" {
			continue
		}
		out = append(out, g)
	}
	return out
}

func (o *Orchestrator) runGate(ctx context.Context, gate plugin.Registered) GateReport {
	started := time.Now()
	result := plugin.Invoke(ctx, gate.Plugin, gate.Config)
	elapsed := time.Since(started)
	o.Sink.Observe(ctx, telemetry.HistGuardRailsStep, elapsed)
	return GateReport{
		Name:      gate.Plugin.Metadata().Name,
		Success:   result.Success,
		ExitCode:  result.ExitCode,
		Summary:   result.Message,
		DurationS: elapsed.Seconds(),
	}
}

func (o *Orchestrator) failGate(ctx context.Context, name string, exitCode int, durationS float64) {
	o.emit(ctx, telemetry.EventGuardRailsFailed, telemetry.SeverityError, map[string]any{
		"gate": name, "exit_code": exitCode, "duration_s": durationS,
	})
}

func (o *Orchestrator) emit(ctx context.Context, name string, severity telemetry.Severity, payload map[string]any) {
	if err := o.Sink.Emit(ctx, name, severity, payload); err != nil && o.Logger != nil {
		o.Logger.Warn("telemetry emission failed", zap.String("event", name), zap.Error(err))
	}
}
