// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

package release

import "github.com/pkg/errors"

var (
	// ErrConfig is returned for invalid request parameters. Never retried.
	ErrConfig = errors.New("invalid release request")
	// ErrTokenExpired is returned on a 401 from the release host.
	ErrTokenExpired = errors.New("release host token invalid or expired")
	// ErrNotFound is returned on a 404 from the release host.
	ErrNotFound = errors.New("release not found")
	// ErrNetworkFailed is returned after retries are exhausted; the last
	// cause is attached.
	ErrNetworkFailed = errors.New("network failure after retries")
	// ErrAssetNotFound is returned when no release asset matches the
	// requested pattern.
	ErrAssetNotFound = errors.New("no asset matches pattern")
	// ErrManifestMissing is returned when no checksum manifest is present
	// and unsigned installs are not allowed.
	ErrManifestMissing = errors.New("checksum manifest missing")
	// ErrChecksumMismatch is fatal; the downloaded bytes are deleted.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrSigstoreMissing is returned when attestation is required but no
	// bundle asset is present.
	ErrSigstoreMissing = errors.New("sigstore bundle missing")
	// ErrSigstoreVerifyFailed is fatal whenever a present bundle fails
	// verification, regardless of whether attestation was required.
	ErrSigstoreVerifyFailed = errors.New("sigstore verification failed")
	// ErrIdentityMismatch is returned when the verified identities do not
	// intersect the caller's pin list.
	ErrIdentityMismatch = errors.New("sigstore identity not in pin list")
)
