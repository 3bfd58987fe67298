// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

package release

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"

	"strings"

	"github.com/in-toto/in-toto-golang/in_toto"
	"github.com/pkg/errors"
	"github.com/secure-systems-lab/go-securesystemslib/dsse"
)

// SigstoreVerifier verifies an attestation bundle against artifact bytes and
// reports the signing identity. The bundle format is opaque to the rest of
// the pipeline.
type SigstoreVerifier interface {
	Verify(ctx context.Context, bundle, artifact []byte) (*Verdict, error)
}

// Bundle is the envelope-bearing attestation document published next to a
// release asset.
type Bundle struct {
	MediaType            string        `json:"mediaType"`
	Envelope             dsse.Envelope `json:"dsseEnvelope"`
	VerificationMaterial struct {
		Certificate struct {
			SubjectAlternativeName string `json:"subjectAlternativeName"`
			Issuer                 string `json:"issuer"`
		} `json:"certificate"`
	} `json:"verificationMaterial"`
}

// DSSEVerifier checks the bundle's DSSE envelope signature and binds the
// attested subject digest to the artifact bytes.
type DSSEVerifier struct {
	Envelope *dsse.EnvelopeVerifier
}

// NewDSSEVerifier builds a verifier over the given signature verifiers.
func NewDSSEVerifier(verifiers ...dsse.Verifier) (*DSSEVerifier, error) {
	ev, err := dsse.NewEnvelopeVerifier(verifiers...)
	if err != nil {
		return nil, errors.Wrap(err, "constructing envelope verifier")
	}
	return &DSSEVerifier{Envelope: ev}, nil
}

var _ SigstoreVerifier = &DSSEVerifier{}

// Verify checks the envelope signature, decodes the in-toto statement, and
// requires the statement subject digest to equal the artifact digest.
func (v *DSSEVerifier) Verify(ctx context.Context, bundle, artifact []byte) (*Verdict, error) {
	var b Bundle
	if err := json.Unmarshal(bundle, &b); err != nil {
		return nil, errors.Wrap(ErrSigstoreVerifyFailed, errors.Wrap(err, "parsing bundle").Error())
	}
	if _, err := v.Envelope.Verify(ctx, &b.Envelope); err != nil {
		return nil, errors.Wrap(ErrSigstoreVerifyFailed, err.Error())
	}
	if b.Envelope.PayloadType != in_toto.StatementInTotoV1 {
		return nil, errors.Wrap(ErrSigstoreVerifyFailed, "unexpected payload type")
	}
	payload, err := base64.StdEncoding.DecodeString(b.Envelope.Payload)
	if err != nil {
		return nil, errors.Wrap(ErrSigstoreVerifyFailed, "decoding payload")
	}
	var statement in_toto.Statement
	if err := json.Unmarshal(payload, &statement); err != nil {
		return nil, errors.Wrap(ErrSigstoreVerifyFailed, "unmarshaling statement")
	}
	digest := sha256.Sum256(artifact)
	hexDigest := hex.EncodeToString(digest[:])
	var subject string
	for _, s := range statement.Subject {
		if s.Digest["sha256"] == hexDigest {
			subject = s.Name
			break
		}
	}
	if subject == "" {
		return nil, errors.Wrap(ErrSigstoreVerifyFailed, "statement subject does not match artifact digest")
	}
	cert := b.VerificationMaterial.Certificate
	if cert.SubjectAlternativeName == "" {
		return nil, errors.Wrap(ErrSigstoreVerifyFailed, "bundle missing signing identity")
	}
	return &Verdict{
		Subject:    subject,
		Issuer:     cert.Issuer,
		Identities: []string{cert.SubjectAlternativeName},
	}, nil
}

// PinIdentities requires the verdict's identities to intersect the pin
// patterns. An empty pin list accepts any verified identity.
func PinIdentities(verdict *Verdict, pins []string) error {
	if len(pins) == 0 {
		return nil
	}
	for _, identity := range verdict.Identities {
		for _, pin := range pins {
			if matchIdentity(pin, identity) {
				return nil
			}
		}
	}
	return errors.Wrapf(ErrIdentityMismatch, "verified %v, pinned %v", verdict.Identities, pins)
}

// matchIdentity matches a pin pattern against an identity URI. Unlike path
// globs, '*' here spans any characters including '/'.
func matchIdentity(pattern, identity string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == identity
	}
	if !strings.HasPrefix(identity, parts[0]) {
		return false
	}
	rest := identity[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(rest, part)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(part):]
	}
	return strings.HasSuffix(rest, parts[len(parts)-1])
}
