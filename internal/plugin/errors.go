// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

package plugin

import "github.com/pkg/errors"

var (
	// ErrDuplicatePlugin is returned when a name is registered twice.
	ErrDuplicatePlugin = errors.New("plugin already registered")
	// ErrConfig marks malformed plugin configuration.
	ErrConfig = errors.New("invalid plugin configuration")
	// ErrIncompatible marks a marketplace plugin whose compatibility range
	// excludes the host version.
	ErrIncompatible = errors.New("plugin incompatible with host version")
	// ErrTrustPolicy marks a signature or trust-policy rejection.
	ErrTrustPolicy = errors.New("plugin rejected by trust policy")
	// ErrUnsatisfiableDependency marks a dependency that cannot be pinned to
	// a satisfying version.
	ErrUnsatisfiableDependency = errors.New("unsatisfiable plugin dependency")
	// ErrDependencyCycle marks a cycle in the dependency graph.
	ErrDependencyCycle = errors.New("plugin dependency cycle")
)
