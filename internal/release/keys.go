// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

package release

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"

	"github.com/pkg/errors"
)

// ECDSAVerifier is a DSSE signature verifier over a PKIX-encoded ECDSA
// public key. Signatures are ASN.1 over the SHA-256 of the payload.
type ECDSAVerifier struct {
	pub   *ecdsa.PublicKey
	keyID string
}

// ParseECDSAVerifier reads a PEM "PUBLIC KEY" block holding an ECDSA key.
func ParseECDSAVerifier(pemBytes []byte, keyID string) (*ECDSAVerifier, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, errors.New("no PUBLIC KEY block in trust material")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "parsing public key")
	}
	ecdsaPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.Errorf("unsupported key type %T", pub)
	}
	return &ECDSAVerifier{pub: ecdsaPub, keyID: keyID}, nil
}

func (v *ECDSAVerifier) Verify(ctx context.Context, data, sig []byte) error {
	digest := sha256.Sum256(data)
	if !ecdsa.VerifyASN1(v.pub, digest[:], sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

func (v *ECDSAVerifier) KeyID() (string, error) { return v.keyID, nil }

func (v *ECDSAVerifier) Public() crypto.PublicKey { return v.pub }
