// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

// Command hephaestus is the dev-infra toolkit CLI: quality guard-rails,
// workspace cleanup, verified release acquisition, and the remote service.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/user"
	"strconv"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hephaestus-dev/hephaestus/internal/auditlog"
	"github.com/hephaestus-dev/hephaestus/internal/authx"
	"github.com/hephaestus-dev/hephaestus/internal/cleanup"
	"github.com/hephaestus-dev/hephaestus/internal/plugin"
	"github.com/hephaestus-dev/hephaestus/internal/release"
	"github.com/hephaestus-dev/hephaestus/internal/telemetry"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
)

const (
	envTelemetryEnabled = "HEPHAESTUS_TELEMETRY_ENABLED"
	envAuditDir         = "HEPHAESTUS_AUDIT_LOG_DIR"
	envReleaseToken     = "HEPHAESTUS_RELEASE_TOKEN"
)

var rootCmd = &cobra.Command{
	Use:           "hephaestus",
	Short:         "Quality gates, workspace cleanup, and verified release installs",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// errInvalidArgs marks flag and argument parse failures.
var errInvalidArgs = errors.New("invalid arguments")

// errOperationFailed marks a run that completed but whose outcome is failure,
// like a guard-rails gate returning nonzero.
var errOperationFailed = errors.New("operation failed")

// exitCode maps an error onto the process exit status: 0 success, 1
// operation failure, 2 invalid configuration or input, 3 authorization or
// safety refusal.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errInvalidArgs),
		errors.Is(err, cleanup.ErrDangerousPath),
		errors.Is(err, release.ErrConfig),
		errors.Is(err, plugin.ErrConfig),
		errors.Is(err, telemetry.ErrSchemaViolation):
		return 2
	case errors.Is(err, cleanup.ErrAborted),
		errors.Is(err, plugin.ErrTrustPolicy),
		errors.Is(err, authx.ErrRoleDenied),
		errors.Is(err, authx.ErrInvalidSignature),
		errors.Is(err, authx.ErrUnknownKey),
		errors.Is(err, authx.ErrExpired),
		errors.Is(err, authx.ErrMalformed):
		return 3
	default:
		return 1
	}
}

// newLogger builds the process logger. Logs go to stderr so command output
// stays parseable.
func newLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// newSink builds the telemetry sink from the environment.
func newSink(logger *zap.Logger) *telemetry.Sink {
	if enabled, err := strconv.ParseBool(os.Getenv(envTelemetryEnabled)); err != nil || !enabled {
		return telemetry.NewDisabled()
	}
	return telemetry.NewSink(telemetry.WithLogger(logger))
}

// auditCLI appends one audit record for a finished command when
// HEPHAESTUS_AUDIT_LOG_DIR is set. The flush completes before the process
// acknowledges the outcome through its exit status; a failed flush surfaces
// as the command error.
func auditCLI(ctx context.Context, operation string, params map[string]any, runErr error) error {
	dir := os.Getenv(envAuditDir)
	if dir == "" {
		return nil
	}
	writer, err := auditlog.NewWriter(dir)
	if err != nil {
		return err
	}
	defer writer.Close()
	outcome := auditlog.OutcomeSuccess
	detail := ""
	if runErr != nil {
		detail = runErr.Error()
		outcome = auditlog.OutcomeFailure
		if errors.Is(runErr, cleanup.ErrDangerousPath) || errors.Is(runErr, cleanup.ErrAborted) {
			outcome = auditlog.OutcomeDeny
		}
	}
	return writer.Append(auditlog.Record{
		RunID:      telemetry.IdentityFromContext(ctx).RunID,
		Principal:  localPrincipal(),
		Protocol:   auditlog.ProtocolCLI,
		Operation:  operation,
		Parameters: params,
		Outcome:    outcome,
		Detail:     detail,
	})
}

// localPrincipal names the invoking OS user. CLI invocations carry no token,
// so there is no key id to record.
func localPrincipal() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "local"
}

// auditParams flattens a request into an audit parameter object. Redaction
// happens in the audit writer.
func auditParams(v any) map[string]any {
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

// releaseToken resolves the release-host bearer token from the environment.
func releaseToken() string {
	if t := os.Getenv(envReleaseToken); t != "" {
		return t
	}
	return os.Getenv("GITHUB_TOKEN")
}

func init() {
	rootCmd.Version = version
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return errors.Wrap(errInvalidArgs, err.Error())
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}
