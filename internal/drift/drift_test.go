// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

package drift

import (
	"context"
	"os/exec"
	"strings"
	"testing"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/go-cmp/cmp"
)

// stubTools fakes `tool --version` output per tool; absent tools are
// missing from PATH.
func stubTools(t *testing.T, versions map[string]string) {
	t.Helper()
	prevLook, prevCmd := execLookPath, execCommandContext
	execLookPath = func(name string) (string, error) {
		if _, ok := versions[name]; ok {
			return "/usr/bin/" + name, nil
		}
		return "", exec.ErrNotFound
	}
	execCommandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", "echo '"+versions[name]+"'")
	}
	t.Cleanup(func() { execLookPath, execCommandContext = prevLook, prevCmd })
}

func workspace(t *testing.T, pyproject string, extra ...string) billy.Filesystem {
	t.Helper()
	fs := memfs.New()
	if err := util.WriteFile(fs, "/ws/pyproject.toml", []byte(pyproject), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, name := range extra {
		if err := util.WriteFile(fs, "/ws/"+name, []byte(""), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return fs
}

const manifest = `
[tool.hephaestus.tools]
ruff = "0.6.5"
mypy = "1.11.0"
pytest = "8.3.0"
`

func TestDetect(t *testing.T) {
	stubTools(t, map[string]string{
		"ruff": "ruff 0.6.9",                  // same major.minor, patch drift tolerated
		"mypy": "mypy 1.13.0 (compiled: yes)", // minor drift
		// pytest missing
	})
	d := &Detector{FS: workspace(t, manifest), Root: "/ws"}
	plan, err := d.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	want := []Report{
		{Tool: "mypy", Expected: "1.11.0", Actual: "1.13.0", Status: StatusDrift},
		{Tool: "pytest", Expected: "8.3.0", Status: StatusMissing},
		{Tool: "ruff", Expected: "0.6.5", Actual: "0.6.9", Status: StatusOK},
	}
	if diff := cmp.Diff(want, plan.Reports); diff != "" {
		t.Errorf("reports mismatch (-want +got):\n%s", diff)
	}
	if !plan.HasDrift() {
		t.Error("HasDrift = false")
	}
	if got := strings.Join(plan.Drifted(), ","); got != "mypy,pytest" {
		t.Errorf("Drifted = %s", got)
	}
	wantFix := []string{"pip install 'mypy>=1.11.0'", "pip install 'pytest>=8.3.0'"}
	if diff := cmp.Diff(wantFix, plan.Remediation); diff != "" {
		t.Errorf("remediation mismatch (-want +got):\n%s", diff)
	}
}

func TestDetectPrefersLockfileSync(t *testing.T) {
	stubTools(t, map[string]string{"ruff": "ruff 0.7.0"})
	d := &Detector{FS: workspace(t, "[tool.hephaestus.tools]\nruff = \"0.6.5\"\n", "uv.lock"), Root: "/ws"}
	plan, err := d.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if diff := cmp.Diff([]string{"uv sync --locked"}, plan.Remediation); diff != "" {
		t.Errorf("remediation mismatch (-want +got):\n%s", diff)
	}
}

func TestDetectNoManifest(t *testing.T) {
	d := &Detector{FS: memfs.New(), Root: "/ws"}
	plan, err := d.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(plan.Reports) != 0 || plan.HasDrift() {
		t.Errorf("plan = %+v", plan)
	}
}

func TestDetectAllClean(t *testing.T) {
	stubTools(t, map[string]string{"ruff": "ruff 0.6.5"})
	d := &Detector{FS: workspace(t, "[tool.hephaestus.tools]\nruff = \"0.6.5\"\n"), Root: "/ws"}
	plan, err := d.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if plan.HasDrift() || plan.Remediation != nil {
		t.Errorf("plan = %+v", plan)
	}
}
