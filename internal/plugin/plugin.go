// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

// Package plugin implements the quality-gate plugin subsystem: a registry of
// named plugins, TOML-driven discovery of built-in and external plugins, and
// a signed marketplace with trust-policy enforcement and offline dependency
// resolution.
package plugin

import (
	"context"
	"fmt"
)

// Result kinds beyond plain pass/fail.
const (
	KindToolMissing = "tool-missing"
	KindPanic       = "panic"
)

// Metadata identifies a plugin and its place in the run order. Lower Order
// runs earlier; ties break by Name.
type Metadata struct {
	Name        string   `json:"name" toml:"name"`
	Version     string   `json:"version" toml:"version"`
	Description string   `json:"description" toml:"description"`
	Author      string   `json:"author" toml:"author"`
	Category    string   `json:"category" toml:"category"`
	Requires    []string `json:"requires,omitempty" toml:"requires"`
	Order       int      `json:"order" toml:"order"`
}

// Result is the outcome of one plugin run.
type Result struct {
	Success  bool           `json:"success"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	ExitCode int            `json:"exit_code"`
	Kind     string         `json:"kind,omitempty"`
}

// Plugin is the quality-gate contract. Run must not panic; panics are
// nonetheless captured by Invoke and rendered as failed results.
type Plugin interface {
	Metadata() Metadata
	ValidateConfig(config map[string]any) error
	Setup(ctx context.Context) error
	Run(ctx context.Context, config map[string]any) Result
	Teardown(ctx context.Context) error
}

// Invoke drives the full plugin lifecycle: validate, setup, run, teardown.
// Lifecycle errors and panics become failed results rather than propagating.
func Invoke(ctx context.Context, p Plugin, config map[string]any) (result Result) {
	name := p.Metadata().Name
	defer func() {
		if r := recover(); r != nil {
			result = Result{Message: fmt.Sprintf("%s panicked: %v", name, r), ExitCode: 1, Kind: KindPanic}
		}
	}()
	if err := p.ValidateConfig(config); err != nil {
		return Result{Message: fmt.Sprintf("%s config invalid: %v", name, err), ExitCode: 1}
	}
	if err := p.Setup(ctx); err != nil {
		return Result{Message: fmt.Sprintf("%s setup failed: %v", name, err), ExitCode: 1}
	}
	defer func() {
		if err := p.Teardown(ctx); err != nil && result.Success {
			result = Result{Message: fmt.Sprintf("%s teardown failed: %v", name, err), ExitCode: 1}
		}
	}()
	return p.Run(ctx, config)
}
