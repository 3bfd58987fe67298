// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

package release

import (
	"context"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// Installer installs extracted wheels into the active environment. onInvoke
// is called with the rendered command line before each invocation.
type Installer interface {
	Install(ctx context.Context, wheels []string, onInvoke func(command string)) error
}

// execCommandContext is swapped in tests.
var execCommandContext = exec.CommandContext

// PipInstaller shells out to pip for each batch of wheels.
type PipInstaller struct {
	// Python is the interpreter to invoke pip through. Empty means
	// "python3" from PATH.
	Python string
	// NoDeps skips dependency resolution, installing only the wheels
	// themselves.
	NoDeps bool
}

var _ Installer = &PipInstaller{}

// Install runs a single pip invocation over all wheels. An empty wheel list
// is a no-op.
func (p *PipInstaller) Install(ctx context.Context, wheels []string, onInvoke func(command string)) error {
	if len(wheels) == 0 {
		return nil
	}
	python := p.Python
	if python == "" {
		python = "python3"
	}
	args := []string{"-m", "pip", "install", "--no-index"}
	if p.NoDeps {
		args = append(args, "--no-deps")
	}
	args = append(args, wheels...)
	cmd := execCommandContext(ctx, python, args...)
	if onInvoke != nil {
		onInvoke(python + " " + strings.Join(args, " "))
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "pip install failed: %s", strings.TrimSpace(string(out)))
	}
	return nil
}
