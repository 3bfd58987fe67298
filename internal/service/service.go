// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

// Package service is the remote facade: one shared handler per operation,
// called identically by every transport, with auth, audit, and task
// scheduling around it.
package service

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/hephaestus-dev/hephaestus/internal/auditlog"
	"github.com/hephaestus-dev/hephaestus/internal/authx"
	"github.com/hephaestus-dev/hephaestus/internal/cleanup"
	"github.com/hephaestus-dev/hephaestus/internal/guardrails"
	"github.com/hephaestus-dev/hephaestus/internal/release"
	"github.com/hephaestus-dev/hephaestus/internal/taskmgr"
	"github.com/hephaestus-dev/hephaestus/internal/telemetry"
)

// Task kinds and the roles allowed to run and observe them.
const (
	KindGuardRails = "guard-rails"
	KindCleanup    = "cleanup"
	KindRelease    = "release"
)

// roleForKind gates task observation by the same role that may submit the
// kind.
func roleForKind(kind string) string { return kind }

// Service wires the operations to auth, audit, and the task manager.
type Service struct {
	Orchestrator *guardrails.Orchestrator
	Cleanup      *cleanup.Engine
	Pipeline     *release.Pipeline
	Tasks        *taskmgr.Manager
	Verifier     *authx.Verifier
	Audit        *auditlog.Writer
	Sink         *telemetry.Sink
	Logger       *zap.Logger
	Version      string
}

// GuardRailsRequest is the transport-neutral guard-rails submission.
type GuardRailsRequest struct {
	guardrails.Options
	Async    bool    `json:"async"`
	TimeoutS float64 `json:"timeout_s,omitempty"`
}

// CleanupRequest is the transport-neutral cleanup submission.
type CleanupRequest struct {
	cleanup.Options
	Async    bool    `json:"async"`
	TimeoutS float64 `json:"timeout_s,omitempty"`
}

// ReleaseInstallRequest is the transport-neutral release submission.
type ReleaseInstallRequest struct {
	release.Request
	Async    bool    `json:"async"`
	TimeoutS float64 `json:"timeout_s,omitempty"`
}

// ExecuteGuardRails runs the pipeline inside a fresh operation scope. This
// is the single implementation every transport calls.
func (s *Service) ExecuteGuardRails(ctx context.Context, opts guardrails.Options, progress func(float64, string)) (*guardrails.Result, error) {
	ctx, _ = telemetry.WithOperation(ctx, KindGuardRails)
	report(progress, 0, "starting guard-rails")
	result, err := s.Orchestrator.Run(ctx, opts)
	if err != nil {
		return nil, err
	}
	report(progress, 1, "guard-rails finished")
	return result, nil
}

// ExecuteCleanup runs the sweep inside a fresh operation scope.
func (s *Service) ExecuteCleanup(ctx context.Context, opts cleanup.Options, progress func(float64, string)) (*cleanup.Report, error) {
	ctx, _ = telemetry.WithOperation(ctx, KindCleanup)
	report(progress, 0, "starting cleanup")
	result, err := s.Cleanup.Run(ctx, opts)
	if err != nil {
		return nil, err
	}
	report(progress, 1, "cleanup finished")
	return result, nil
}

// ExecuteRelease runs the acquisition pipeline inside a fresh operation
// scope.
func (s *Service) ExecuteRelease(ctx context.Context, req release.Request, progress func(float64, string)) (*release.InstalledRelease, error) {
	ctx, _ = telemetry.WithOperation(ctx, KindRelease)
	return s.Pipeline.Install(ctx, req, release.Progress(progress))
}

func report(progress func(float64, string), fraction float64, detail string) {
	if progress != nil {
		progress(fraction, detail)
	}
}

// submit dispatches an operation as a background task.
func (s *Service) submit(kind string, timeoutS float64, run taskmgr.Operation) (string, error) {
	timeout := time.Duration(timeoutS * float64(time.Second))
	return s.Tasks.Submit(kind, timeout, run)
}

// audit writes one record and surfaces flush failures so callers refuse to
// acknowledge the operation.
func (s *Service) audit(ctx context.Context, principal *authx.Principal, protocol auditlog.Protocol, operation string, params map[string]any, outcome auditlog.Outcome, detail string) error {
	record := auditlog.Record{
		RunID:     telemetry.IdentityFromContext(ctx).RunID,
		Protocol:  protocol,
		Operation: operation,
		Outcome:   outcome,
		Detail:    detail,
	}
	if principal != nil {
		record.Principal = principal.Name
		record.KeyID = principal.KeyID
	}
	if params != nil {
		record.Parameters = params
	}
	if err := s.Audit.Append(record); err != nil {
		s.Logger.Error("audit append failed", zap.String("operation", operation), zap.Error(err))
		return err
	}
	return nil
}

// paramsOf flattens a request into an audit parameter object. Redaction
// happens in the audit writer.
func paramsOf(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}
