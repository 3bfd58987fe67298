// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

package release

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// ParseChecksumManifest reads lines of the form "<sha256-hex>  <filename>"
// (two spaces) into a filename-to-digest map. Malformed lines are skipped.
func ParseChecksumManifest(manifest []byte) map[string]string {
	digests := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(manifest))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		digest, name, found := strings.Cut(line, "  ")
		if !found {
			// Tolerate the single-space and binary-mode (*) variants.
			digest, name, found = strings.Cut(line, " ")
			if !found {
				continue
			}
		}
		name = strings.TrimPrefix(strings.TrimSpace(name), "*")
		digest = strings.ToLower(strings.TrimSpace(digest))
		if len(digest) != sha256.Size*2 {
			continue
		}
		digests[name] = digest
	}
	return digests
}

// SHA256 computes the hex digest of r.
func SHA256(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", errors.Wrap(err, "hashing")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChecksum compares the computed digest of r against the manifest
// entry for name. A missing entry is a verification failure.
func VerifyChecksum(manifest map[string]string, name string, r io.Reader) (string, error) {
	want, ok := manifest[name]
	if !ok {
		return "", errors.Wrapf(ErrChecksumMismatch, "no manifest entry for %s", name)
	}
	got, err := SHA256(r)
	if err != nil {
		return "", err
	}
	if got != want {
		return "", errors.Wrapf(ErrChecksumMismatch, "%s: got %s, want %s", name, got, want)
	}
	return got, nil
}
