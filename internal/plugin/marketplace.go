// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"

	"github.com/Masterminds/semver/v3"
	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"

	"github.com/hephaestus-dev/hephaestus/internal/release"
)

// Manifest describes one marketplace plugin: metadata, the signed artifact,
// the host compatibility range, and its dependencies.
type Manifest struct {
	Name          string       `toml:"name"`
	Version       string       `toml:"version"`
	Description   string       `toml:"description"`
	Author        string       `toml:"author"`
	Category      string       `toml:"category"`
	Order         int          `toml:"order"`
	Compatibility string       `toml:"compatibility"`
	Artifact      string       `toml:"artifact"`
	Digest        string       `toml:"digest"`
	Args          []string     `toml:"args"`
	Dependencies  []Dependency `toml:"dependencies"`
}

// Dependency pins another marketplace plugin to a version range.
type Dependency struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// TrustPolicy is the marketplace-wide signing policy, read from
// trust-policy.toml in the registry directory.
type TrustPolicy struct {
	AllowedIdentities []string `toml:"allowed_identities"`
	AllowedIssuers    []string `toml:"allowed_issuers"`
	MinimumVersion    string   `toml:"minimum_version"`
}

// Resolved is a verified marketplace plugin ready for registration.
type Resolved struct {
	Manifest Manifest
	// BinaryPath is the verified artifact inside the registry directory.
	BinaryPath string
}

// Marketplace is a curated on-disk registry of {plugin}.toml manifests,
// {plugin}.sigstore bundles, and their artifacts. Resolution is offline and
// deterministic.
type Marketplace struct {
	FS          billy.Filesystem
	Dir         string
	Verifier    release.SigstoreVerifier
	HostVersion *semver.Version
}

// Resolve verifies the named plugin and its transitive dependencies,
// returning them dependencies-first. Any compatibility, signature, policy,
// or pinning failure aborts the whole resolution.
func (m *Marketplace) Resolve(ctx context.Context, name string) ([]Resolved, error) {
	policy, err := m.loadPolicy()
	if err != nil {
		return nil, err
	}
	var out []Resolved
	seen := map[string]*Manifest{}
	if err := m.resolve(ctx, name, "", policy, map[string]bool{}, seen, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Marketplace) resolve(ctx context.Context, name, constraint string, policy *TrustPolicy, stack map[string]bool, seen map[string]*Manifest, out *[]Resolved) error {
	if stack[name] {
		return errors.Wrap(ErrDependencyCycle, name)
	}
	if prior, ok := seen[name]; ok {
		return checkConstraint(name, constraint, prior.Version)
	}
	manifest, binaryPath, err := m.verify(ctx, name, policy)
	if err != nil {
		return err
	}
	if err := checkConstraint(name, constraint, manifest.Version); err != nil {
		return err
	}
	stack[name] = true
	for _, dep := range manifest.Dependencies {
		if err := m.resolve(ctx, dep.Name, dep.Version, policy, stack, seen, out); err != nil {
			return err
		}
	}
	delete(stack, name)
	seen[name] = manifest
	*out = append(*out, Resolved{Manifest: *manifest, BinaryPath: binaryPath})
	return nil
}

// verify loads one manifest and enforces compatibility, artifact digest,
// bundle signature, and trust policy.
func (m *Marketplace) verify(ctx context.Context, name string, policy *TrustPolicy) (*Manifest, string, error) {
	manifestBytes, err := util.ReadFile(m.FS, path.Join(m.Dir, name+".toml"))
	if err != nil {
		return nil, "", errors.Wrapf(err, "reading marketplace manifest for %s", name)
	}
	var manifest Manifest
	if err := toml.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, "", errors.Wrapf(ErrConfig, "parsing manifest for %s: %v", name, err)
	}
	if manifest.Name != name {
		return nil, "", errors.Wrapf(ErrConfig, "manifest name %q does not match reference %q", manifest.Name, name)
	}
	if manifest.Compatibility != "" && m.HostVersion != nil {
		rng, err := semver.NewConstraint(manifest.Compatibility)
		if err != nil {
			return nil, "", errors.Wrapf(ErrConfig, "compatibility range for %s: %v", name, err)
		}
		if !rng.Check(m.HostVersion) {
			return nil, "", errors.Wrapf(ErrIncompatible, "%s requires host %s, have %s", name, manifest.Compatibility, m.HostVersion)
		}
	}
	binaryPath := path.Join(m.Dir, manifest.Artifact)
	artifact, err := util.ReadFile(m.FS, binaryPath)
	if err != nil {
		return nil, "", errors.Wrapf(err, "reading artifact for %s", name)
	}
	sum := sha256.Sum256(artifact)
	if got := hex.EncodeToString(sum[:]); !strings.EqualFold(got, manifest.Digest) {
		return nil, "", errors.Wrapf(ErrTrustPolicy, "%s artifact digest %s does not match declared %s", name, got, manifest.Digest)
	}
	bundle, err := util.ReadFile(m.FS, path.Join(m.Dir, name+".sigstore"))
	if err != nil {
		return nil, "", errors.Wrapf(err, "reading sigstore bundle for %s", name)
	}
	verdict, err := m.Verifier.Verify(ctx, bundle, artifact)
	if err != nil {
		return nil, "", errors.Wrapf(ErrTrustPolicy, "%s: %v", name, err)
	}
	if err := enforcePolicy(name, &manifest, verdict, policy); err != nil {
		return nil, "", err
	}
	return &manifest, binaryPath, nil
}

func enforcePolicy(name string, manifest *Manifest, verdict *release.Verdict, policy *TrustPolicy) error {
	if policy == nil {
		return nil
	}
	if len(policy.AllowedIssuers) > 0 {
		ok := false
		for _, issuer := range policy.AllowedIssuers {
			if issuer == verdict.Issuer {
				ok = true
				break
			}
		}
		if !ok {
			return errors.Wrapf(ErrTrustPolicy, "%s signed by disallowed issuer %s", name, verdict.Issuer)
		}
	}
	if err := release.PinIdentities(verdict, policy.AllowedIdentities); err != nil {
		return errors.Wrapf(ErrTrustPolicy, "%s: %v", name, err)
	}
	if policy.MinimumVersion != "" {
		min, err := semver.NewVersion(policy.MinimumVersion)
		if err != nil {
			return errors.Wrapf(ErrConfig, "trust policy minimum version: %v", err)
		}
		got, err := semver.NewVersion(manifest.Version)
		if err != nil {
			return errors.Wrapf(ErrConfig, "%s version %q: %v", name, manifest.Version, err)
		}
		if got.LessThan(min) {
			return errors.Wrapf(ErrTrustPolicy, "%s version %s below policy minimum %s", name, got, min)
		}
	}
	return nil
}

func checkConstraint(name, constraint, version string) error {
	if constraint == "" {
		return nil
	}
	rng, err := semver.NewConstraint(constraint)
	if err != nil {
		return errors.Wrapf(ErrConfig, "dependency constraint on %s: %v", name, err)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return errors.Wrapf(ErrConfig, "%s version %q: %v", name, version, err)
	}
	if !rng.Check(v) {
		return errors.Wrapf(ErrUnsatisfiableDependency, "%s %s does not satisfy %s", name, version, constraint)
	}
	return nil
}

// loadPolicy reads trust-policy.toml; a missing file means no policy beyond
// signature validity.
func (m *Marketplace) loadPolicy() (*TrustPolicy, error) {
	b, err := util.ReadFile(m.FS, path.Join(m.Dir, "trust-policy.toml"))
	if err != nil {
		return nil, nil
	}
	var policy TrustPolicy
	if err := toml.Unmarshal(b, &policy); err != nil {
		return nil, errors.Wrap(ErrConfig, errors.Wrap(err, "parsing trust policy").Error())
	}
	return &policy, nil
}

// AsPlugin wraps a resolved marketplace plugin as a subprocess plugin.
func (r Resolved) AsPlugin() *ExecPlugin {
	meta := Metadata{
		Name:        r.Manifest.Name,
		Version:     r.Manifest.Version,
		Description: r.Manifest.Description,
		Author:      r.Manifest.Author,
		Category:    r.Manifest.Category,
		Order:       r.Manifest.Order,
	}
	for _, dep := range r.Manifest.Dependencies {
		meta.Requires = append(meta.Requires, dep.Name+" "+dep.Version)
	}
	return NewExecPlugin(meta, r.BinaryPath, r.Manifest.Args...)
}
