// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

package release

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Request describes one release acquisition.
type Request struct {
	Repository         string        `json:"repository"`
	Tag                string        `json:"tag"`
	AssetPattern       string        `json:"asset_pattern"`
	ManifestPattern    string        `json:"manifest_pattern"`
	SigstorePattern    string        `json:"sigstore_pattern"`
	RequireSigstore    bool          `json:"require_sigstore"`
	SigstoreIdentities []string      `json:"sigstore_identities,omitempty"`
	AllowUnsigned      bool          `json:"allow_unsigned"`
	Timeout            time.Duration `json:"timeout_s"`
	MaxRetries         int           `json:"max_retries"`
	Destination        string        `json:"destination"`
	Token              string        `json:"-"`
}

// Defaults used when a field is left zero.
const (
	DefaultTag             = "latest"
	DefaultAssetPattern    = "*wheelhouse*.tar.gz"
	DefaultManifestPattern = "*wheelhouse*.sha256"
	DefaultSigstorePattern = "*wheelhouse*.sigstore"
	DefaultTimeout         = 30 * time.Second
	DefaultMaxRetries      = 3
)

// Validate checks parameter guards and fills defaults.
func (r *Request) Validate() error {
	if r.Repository == "" || strings.Count(r.Repository, "/") != 1 {
		return errors.Wrapf(ErrConfig, "repository must be owner/name, got %q", r.Repository)
	}
	if r.Tag == "" {
		r.Tag = DefaultTag
	}
	if r.AssetPattern == "" {
		r.AssetPattern = DefaultAssetPattern
	}
	if r.ManifestPattern == "" {
		r.ManifestPattern = DefaultManifestPattern
	}
	if r.SigstorePattern == "" {
		r.SigstorePattern = DefaultSigstorePattern
	}
	if r.Timeout == 0 {
		r.Timeout = DefaultTimeout
	}
	if r.Timeout <= 0 {
		return errors.Wrap(ErrConfig, "timeout must be positive")
	}
	if r.MaxRetries == 0 {
		r.MaxRetries = DefaultMaxRetries
	}
	if r.MaxRetries < 1 {
		return errors.Wrap(ErrConfig, "max retries must be at least 1")
	}
	if r.Destination == "" {
		return errors.Wrap(ErrConfig, "destination is required")
	}
	if token := r.Token; token != "" && !validTokenFormat(token) {
		// Fail fast before any network call.
		return errors.Wrap(ErrConfig, "token format not recognized")
	}
	return nil
}

var tokenPrefixes = []string{"ghp_", "gho_", "ghs_", "ghu_", "github_pat_"}

func validTokenFormat(token string) bool {
	for _, prefix := range tokenPrefixes {
		if strings.HasPrefix(token, prefix) && len(token) > len(prefix)+8 {
			return true
		}
	}
	return false
}

// Release is the subset of release metadata the pipeline consumes.
type Release struct {
	TagName string  `json:"tag_name"`
	Assets  []Asset `json:"assets"`
}

// Asset is one downloadable artifact attached to a release.
type Asset struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	DownloadURL string `json:"browser_download_url"`
	ContentType string `json:"content_type"`
}

// Verdict is the identity information recovered from a verified attestation.
type Verdict struct {
	Subject    string   `json:"subject"`
	Issuer     string   `json:"issuer"`
	Identities []string `json:"identities"`
}

// VerifiedAsset is a downloaded asset with verification evidence attached.
type VerifiedAsset struct {
	Name           string   `json:"name"`
	Path           string   `json:"bytes_path"`
	Size           int64    `json:"size"`
	SHA256         string   `json:"sha256"`
	SigstoreBundle string   `json:"sigstore_bundle,omitempty"`
	Verdict        *Verdict `json:"sigstore_verdict,omitempty"`
}

// InstalledRelease is the terminal result of a successful pipeline run.
type InstalledRelease struct {
	Repository string        `json:"repository"`
	Tag        string        `json:"tag"`
	Asset      VerifiedAsset `json:"asset"`
	Wheelhouse string        `json:"wheelhouse"`
	Wheels     []string      `json:"wheels"`
}
