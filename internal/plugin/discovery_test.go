// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"context"
	"strings"
	"testing"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/pkg/errors"
)

func writeConfig(t *testing.T, fs billy.Filesystem, body string) {
	t.Helper()
	if err := util.WriteFile(fs, DefaultConfigPath, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func registryNames(r *Registry) string {
	var names []string
	for _, e := range r.All() {
		names = append(names, e.Plugin.Metadata().Name)
	}
	return strings.Join(names, ",")
}

func TestDiscoverDefaultsWhenConfigMissing(t *testing.T) {
	d := &Discovery{FS: memfs.New()}
	r, err := d.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	want := "ruff-check,ruff-format,mypy,pytest,pip-audit"
	if got := registryNames(r); got != want {
		t.Errorf("registry = %s, want %s", got, want)
	}
}

func TestDiscoverBuiltinOverrides(t *testing.T) {
	fs := memfs.New()
	writeConfig(t, fs, `
[builtin]
pytest = false
ruff-format = { enabled = false }
mypy = { enabled = true, config = { strict = true } }
`)
	d := &Discovery{FS: fs}
	r, err := d.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if got := registryNames(r); got != "ruff-check,mypy,pip-audit" {
		t.Errorf("registry = %s", got)
	}
	e, ok := r.Get("mypy")
	if !ok {
		t.Fatal("mypy not registered")
	}
	if strict, _ := e.Config["strict"].(bool); !strict {
		t.Errorf("config = %v", e.Config)
	}
}

func TestDiscoverUnknownBuiltinIgnored(t *testing.T) {
	fs := memfs.New()
	writeConfig(t, fs, "[builtin]\nnot-a-plugin = true\n")
	d := &Discovery{FS: fs}
	r, err := d.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if r.Len() != 5 {
		t.Errorf("Len = %d, want 5", r.Len())
	}
}

func TestDiscoverExternalModule(t *testing.T) {
	fs := memfs.New()
	writeConfig(t, fs, `
[[external]]
name = "corp-gate"
enabled = true
module = "corp.quality.gate"
order = 70
`)
	d := &Discovery{FS: fs}
	r, err := d.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	e, ok := r.Get("corp-gate")
	if !ok {
		t.Fatal("corp-gate not registered")
	}
	if e.Plugin.Metadata().Order != 70 {
		t.Errorf("order = %d", e.Plugin.Metadata().Order)
	}
}

func TestDiscoverExternalDisabledSkipped(t *testing.T) {
	fs := memfs.New()
	writeConfig(t, fs, `
[[external]]
name = "corp-gate"
enabled = false
module = "corp.quality.gate"
`)
	d := &Discovery{FS: fs}
	r, err := d.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if _, ok := r.Get("corp-gate"); ok {
		t.Error("disabled external plugin was registered")
	}
}

func TestDiscoverExternalSourceExclusivity(t *testing.T) {
	for _, body := range []string{
		// Two sources.
		"[[external]]\nname = \"x\"\nenabled = true\npath = \"/p\"\nmodule = \"m\"\n",
		// No source.
		"[[external]]\nname = \"x\"\nenabled = true\n",
		// Missing name.
		"[[external]]\nenabled = true\nmodule = \"m\"\n",
	} {
		fs := memfs.New()
		writeConfig(t, fs, body)
		d := &Discovery{FS: fs}
		if _, err := d.Discover(context.Background()); !errors.Is(err, ErrConfig) {
			t.Errorf("config %q: err = %v, want ErrConfig", body, err)
		}
	}
}

func TestDiscoverExternalPath(t *testing.T) {
	fs := memfs.New()
	if err := util.WriteFile(fs, "/plugins/gate/manifest.toml", []byte("name = \"local-gate\"\nversion = \"1.0.0\"\norder = 80\nartifact = \"gate.sh\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := util.WriteFile(fs, "/plugins/gate/gate.sh", []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeConfig(t, fs, `
[[external]]
name = "local-gate"
enabled = true
path = "/plugins/gate/manifest.toml"
`)
	d := &Discovery{FS: fs}
	r, err := d.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	e, ok := r.Get("local-gate")
	if !ok {
		t.Fatal("local-gate not registered")
	}
	exec, ok := e.Plugin.(*ExecPlugin)
	if !ok || exec.Command != "/plugins/gate/gate.sh" {
		t.Errorf("plugin = %+v", e.Plugin)
	}
}

func TestDiscoverExternalPathMissingArtifactFailsClosed(t *testing.T) {
	fs := memfs.New()
	if err := util.WriteFile(fs, "/plugins/gate/manifest.toml", []byte("name = \"local-gate\"\nartifact = \"gate.sh\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	writeConfig(t, fs, `
[[external]]
name = "local-gate"
enabled = true
path = "/plugins/gate/manifest.toml"
`)
	d := &Discovery{FS: fs}
	if _, err := d.Discover(context.Background()); err == nil {
		t.Error("expected discovery to fail closed on missing artifact")
	}
}

func TestDiscoverMarketplaceEntry(t *testing.T) {
	m := newMarket(t)
	m.add("coverage-gate", "1.2.0", "", []Dependency{{Name: "report-lib", Version: ">=2.0.0"}}, nil)
	m.add("report-lib", "2.1.0", "", nil, nil)
	writeConfig(t, m.fs, `
[[external]]
name = "coverage-gate"
enabled = true
marketplace = "coverage-gate"
config = { threshold = 90 }
`)
	d := &Discovery{FS: m.fs, Marketplace: m.marketplace("1.0.0")}
	r, err := d.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	// Five builtins plus the plugin and its dependency.
	if r.Len() != 7 {
		t.Errorf("Len = %d, want 7", r.Len())
	}
	e, ok := r.Get("coverage-gate")
	if !ok {
		t.Fatal("coverage-gate not registered")
	}
	if v, _ := e.Config["threshold"].(int64); v != 90 {
		t.Errorf("config = %v", e.Config)
	}
}
