// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

package cleanup

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ErrDangerousPath is returned when a sweep would touch a protected system or
// home directory. No files are touched once it is raised.
var ErrDangerousPath = errors.New("refusing to operate on dangerous path")

// ErrAborted is returned when a sweep required confirmation and none was
// given. It is a distinct terminal state, not a failure.
var ErrAborted = errors.New("cleanup aborted awaiting confirmation")

// Options selects what a sweep removes. The zero value cleans nothing but
// platform litter under Root.
type Options struct {
	Root                string   `json:"root"`
	IncludeGit          bool     `json:"include_git"`
	IncludePoetryEnv    bool     `json:"include_poetry_env"`
	CleanPythonCache    bool     `json:"clean_python_cache"`
	CleanBuildArtifacts bool     `json:"clean_build_artifacts"`
	CleanNodeModules    bool     `json:"clean_node_modules"`
	ExtraPaths          []string `json:"extra_paths,omitempty"`
	DryRun              bool     `json:"dry_run"`
	AuditManifestPath   string   `json:"audit_manifest_path,omitempty"`
	// Yes supplies the explicit confirmation for targets outside Root.
	Yes bool `json:"yes,omitempty"`
}

// DeepClean returns the aggressive defaults used by the guard-rails prelude.
func DeepClean(root string) Options {
	return Options{
		Root:                root,
		CleanPythonCache:    true,
		CleanBuildArtifacts: true,
	}
}

// dangerousPaths is fixed at startup: system roots plus the invoking user's
// home directory. Any file operation targeting a member fails closed.
var dangerousPaths = func() map[string]bool {
	set := map[string]bool{
		"/": true, "/home": true, "/usr": true, "/etc": true, "/var": true,
		"/bin": true, "/sbin": true, "/lib": true, "/opt": true, "/boot": true,
		"/root": true, "/sys": true, "/proc": true, "/dev": true,
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		set[filepath.Clean(home)] = true
	}
	return set
}()

// IsDangerous reports whether the resolved path is in the blocklist.
func IsDangerous(path string) bool {
	return dangerousPaths[filepath.Clean(path)]
}

// Normalize resolves Root and ExtraPaths to absolute cleaned paths and
// enforces the dangerous-path blocklist. It returns the resolved extra paths
// that fall outside Root; a non-empty result requires confirmation.
func (o *Options) Normalize() (outsideRoot []string, err error) {
	if o.Root == "" {
		return nil, errors.New("cleanup root is required")
	}
	o.Root, err = filepath.Abs(o.Root)
	if err != nil {
		return nil, errors.Wrap(err, "resolving root")
	}
	o.Root = filepath.Clean(o.Root)
	if IsDangerous(o.Root) {
		return nil, errors.Wrapf(ErrDangerousPath, "root %s", o.Root)
	}
	for i, p := range o.ExtraPaths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, errors.Wrapf(err, "resolving extra path %s", p)
		}
		abs = filepath.Clean(abs)
		if IsDangerous(abs) {
			return nil, errors.Wrapf(ErrDangerousPath, "extra path %s", abs)
		}
		o.ExtraPaths[i] = abs
		if !isWithin(o.Root, abs) {
			outsideRoot = append(outsideRoot, abs)
		}
	}
	return outsideRoot, nil
}

func isWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
