// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

// Package drift compares the tool versions a workspace declares against the
// versions actually installed and proposes remediation.
package drift

import (
	"context"
	"fmt"
	"os/exec"
	"path"
	"sort"
	"strings"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"

	"github.com/hephaestus-dev/hephaestus/internal/semver"
)

// Status classifies one tool comparison.
type Status string

const (
	StatusOK      Status = "ok"
	StatusDrift   Status = "drift"
	StatusMissing Status = "missing"
)

// Report is one declared-vs-installed comparison. Patch differences are
// tolerated; drift is a major.minor mismatch.
type Report struct {
	Tool     string `json:"tool"`
	Expected string `json:"expected"`
	Actual   string `json:"actual,omitempty"`
	Status   Status `json:"status"`
}

// Plan is the full detection result with remediation commands.
type Plan struct {
	Reports     []Report `json:"reports"`
	Remediation []string `json:"remediation,omitempty"`
}

// HasDrift reports whether any tool is drifted or missing.
func (p *Plan) HasDrift() bool {
	for _, r := range p.Reports {
		if r.Status != StatusOK {
			return true
		}
	}
	return false
}

// Drifted returns the names of tools that are drifted or missing.
func (p *Plan) Drifted() []string {
	var names []string
	for _, r := range p.Reports {
		if r.Status != StatusOK {
			names = append(names, r.Tool)
		}
	}
	return names
}

// Indirections for tests.
var (
	execCommandContext = exec.CommandContext
	execLookPath       = exec.LookPath
)

// pyproject is the subset of the project manifest drift reads.
type pyproject struct {
	Tool struct {
		Hephaestus struct {
			Tools map[string]string `toml:"tools"`
		} `toml:"hephaestus"`
	} `toml:"tool"`
}

// Lockfiles that make a single sync command the preferred remediation, in
// preference order.
var lockfiles = []struct{ file, command string }{
	{"uv.lock", "uv sync --locked"},
	{"poetry.lock", "poetry install --sync"},
}

// Detector reads declared versions from the workspace manifest and queries
// installed tools with `tool --version`.
type Detector struct {
	FS   billy.Filesystem
	Root string
}

// Detect compares every declared tool. A workspace with no declarations
// yields an empty plan.
func (d *Detector) Detect(ctx context.Context) (*Plan, error) {
	declared, err := d.declaredVersions()
	if err != nil {
		return nil, err
	}
	plan := &Plan{}
	tools := make([]string, 0, len(declared))
	for tool := range declared {
		tools = append(tools, tool)
	}
	sort.Strings(tools)
	for _, tool := range tools {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		plan.Reports = append(plan.Reports, d.check(ctx, tool, declared[tool]))
	}
	plan.Remediation = d.remediation(plan)
	return plan, nil
}

func (d *Detector) declaredVersions() (map[string]string, error) {
	b, err := util.ReadFile(d.FS, path.Join(d.Root, "pyproject.toml"))
	if err != nil {
		// No manifest means nothing to compare.
		return nil, nil
	}
	var manifest pyproject
	if err := toml.Unmarshal(b, &manifest); err != nil {
		return nil, errors.Wrap(err, "parsing pyproject.toml")
	}
	return manifest.Tool.Hephaestus.Tools, nil
}

func (d *Detector) check(ctx context.Context, tool, declared string) Report {
	report := Report{Tool: tool, Expected: declared}
	expected, err := semver.Extract(declared)
	if err != nil {
		report.Status = StatusDrift
		report.Actual = "undeclarable version " + declared
		return report
	}
	if _, err := execLookPath(tool); err != nil {
		report.Status = StatusMissing
		return report
	}
	out, err := execCommandContext(ctx, tool, "--version").Output()
	if err != nil {
		report.Status = StatusMissing
		return report
	}
	actual, err := semver.Extract(strings.TrimSpace(string(out)))
	if err != nil {
		report.Status = StatusDrift
		report.Actual = strings.TrimSpace(string(out))
		return report
	}
	report.Actual = actual.String()
	if semver.SameMajorMinor(expected, actual) {
		report.Status = StatusOK
	} else {
		report.Status = StatusDrift
	}
	return report
}

// remediation prefers a single lockfile sync when the workspace has one,
// falling back to per-tool installs at the declared floors.
func (d *Detector) remediation(plan *Plan) []string {
	if !plan.HasDrift() {
		return nil
	}
	for _, lf := range lockfiles {
		if _, err := d.FS.Stat(path.Join(d.Root, lf.file)); err == nil {
			return []string{lf.command}
		}
	}
	var commands []string
	for _, r := range plan.Reports {
		if r.Status == StatusOK {
			continue
		}
		commands = append(commands, fmt.Sprintf("pip install '%s>=%s'", r.Tool, r.Expected))
	}
	return commands
}
