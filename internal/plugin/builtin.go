// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Indirections for tests.
var (
	execCommandContext = exec.CommandContext
	execLookPath       = exec.LookPath
)

// ExecPlugin wraps a subprocess invocation of an external tool. Tool absence
// degrades to a failed result with the tool-missing kind rather than an
// error.
type ExecPlugin struct {
	Meta    Metadata
	Command string
	Args    []string
}

var _ Plugin = &ExecPlugin{}

// NewExecPlugin builds a subprocess-backed plugin.
func NewExecPlugin(meta Metadata, command string, args ...string) *ExecPlugin {
	return &ExecPlugin{Meta: meta, Command: command, Args: args}
}

func (p *ExecPlugin) Metadata() Metadata { return p.Meta }

// ValidateConfig accepts an optional "args" list of extra arguments.
func (p *ExecPlugin) ValidateConfig(config map[string]any) error {
	if config == nil {
		return nil
	}
	if raw, ok := config["args"]; ok {
		if _, err := stringList(raw); err != nil {
			return err
		}
	}
	return nil
}

func (p *ExecPlugin) Setup(context.Context) error    { return nil }
func (p *ExecPlugin) Teardown(context.Context) error { return nil }

func (p *ExecPlugin) Run(ctx context.Context, config map[string]any) Result {
	if _, err := execLookPath(p.Command); err != nil {
		return Result{
			Message:  fmt.Sprintf("%s not found on PATH", p.Command),
			ExitCode: 127,
			Kind:     KindToolMissing,
		}
	}
	args := p.Args
	if config != nil {
		if raw, ok := config["args"]; ok {
			extra, _ := stringList(raw)
			args = append(append([]string{}, args...), extra...)
		}
	}
	cmd := execCommandContext(ctx, p.Command, args...)
	cmd.Env = scrubEnv(os.Environ())
	out, err := cmd.CombinedOutput()
	result := Result{
		Success: err == nil,
		Message: firstLine(string(out)),
		Details: map[string]any{"command": p.Command + " " + strings.Join(args, " ")},
	}
	if err != nil {
		if exit, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exit.ExitCode()
		} else {
			result.ExitCode = 1
			result.Message = err.Error()
		}
	}
	return result
}

// scrubEnv drops credential-bearing variables so plugin subprocesses never
// inherit tokens.
func scrubEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		upper := strings.ToUpper(name)
		if strings.Contains(upper, "TOKEN") || strings.Contains(upper, "SECRET") ||
			strings.Contains(upper, "PASSWORD") || strings.Contains(upper, "CREDENTIAL") {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

func stringList(raw any) ([]string, error) {
	list, ok := raw.([]any)
	if !ok {
		if ss, ok := raw.([]string); ok {
			return ss, nil
		}
		return nil, fmt.Errorf("args must be a list of strings, got %T", raw)
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("args must be a list of strings, got element %T", v)
		}
		out = append(out, s)
	}
	return out, nil
}

// Builtins returns the stock quality-gate plugins in their canonical order.
func Builtins() []*ExecPlugin {
	return []*ExecPlugin{
		NewExecPlugin(Metadata{Name: "ruff-check", Version: "1.0.0", Description: "ruff lint pass", Category: "linting", Order: 10}, "ruff", "check", "."),
		NewExecPlugin(Metadata{Name: "ruff-format", Version: "1.0.0", Description: "ruff formatting check", Category: "linting", Order: 20}, "ruff", "format", "--check", "."),
		NewExecPlugin(Metadata{Name: "mypy", Version: "1.0.0", Description: "static type check", Category: "linting", Order: 30}, "mypy", "."),
		NewExecPlugin(Metadata{Name: "pytest", Version: "1.0.0", Description: "test suite", Category: "testing", Order: 40}, "pytest"),
		NewExecPlugin(Metadata{Name: "pip-audit", Version: "1.0.0", Description: "dependency vulnerability audit", Category: "security", Order: 50}, "pip-audit"),
	}
}
