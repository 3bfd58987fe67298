// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/pkg/errors"
	"github.com/secure-systems-lab/go-securesystemslib/dsse"

	"github.com/hephaestus-dev/hephaestus/internal/plugin"
	"github.com/hephaestus-dev/hephaestus/internal/release"
)

// loadVerifier builds a bundle verifier from PEM public key files. With no
// keys it returns nil and verification fails closed on any present bundle.
func loadVerifier(keyPaths []string) (release.SigstoreVerifier, error) {
	if len(keyPaths) == 0 {
		return nil, nil
	}
	var verifiers []dsse.Verifier
	for _, path := range keyPaths {
		pemBytes, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading trust material %s", path)
		}
		v, err := release.ParseECDSAVerifier(pemBytes, filepath.Base(path))
		if err != nil {
			return nil, errors.Wrapf(err, "parsing trust material %s", path)
		}
		verifiers = append(verifiers, v)
	}
	return release.NewDSSEVerifier(verifiers...)
}

// hostVersion is this binary's version for marketplace compatibility checks.
func hostVersion() *semver.Version {
	if v, err := semver.NewVersion(strings.TrimPrefix(version, "v")); err == nil {
		return v
	}
	v, _ := semver.NewVersion("0.0.0-dev")
	return v
}

// buildMarketplace wires the plugin marketplace under root. Without trust
// material there is no marketplace: entries referencing one fail closed.
func buildMarketplace(root string, keyPaths []string) (*plugin.Marketplace, error) {
	verifier, err := loadVerifier(keyPaths)
	if err != nil {
		return nil, err
	}
	if verifier == nil {
		return nil, nil
	}
	return &plugin.Marketplace{
		FS:          osfs.New("/"),
		Dir:         filepath.Join(root, ".hephaestus", "marketplace"),
		Verifier:    verifier,
		HostVersion: hostVersion(),
	}, nil
}
