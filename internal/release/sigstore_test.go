// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

package release

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/in-toto/in-toto-golang/in_toto"
	"github.com/pkg/errors"
	"github.com/secure-systems-lab/go-securesystemslib/dsse"
)

// ecdsaSignerVerifier implements dsse.SignerVerifier over a P-256 key.
type ecdsaSignerVerifier struct {
	key *ecdsa.PrivateKey
}

func newECDSASignerVerifier(t *testing.T) *ecdsaSignerVerifier {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return &ecdsaSignerVerifier{key: key}
}

func (s *ecdsaSignerVerifier) Sign(ctx context.Context, data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	return ecdsa.SignASN1(rand.Reader, s.key, digest[:])
}

func (s *ecdsaSignerVerifier) Verify(ctx context.Context, data, sig []byte) error {
	digest := sha256.Sum256(data)
	if !ecdsa.VerifyASN1(&s.key.PublicKey, digest[:], sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

func (s *ecdsaSignerVerifier) KeyID() (string, error)   { return "test-key", nil }
func (s *ecdsaSignerVerifier) Public() crypto.PublicKey { return &s.key.PublicKey }

const (
	testIdentity = "https://github.com/org/.github/workflows/release.yml@refs/heads/main"
	testIssuer   = "https://token.actions.githubusercontent.com"
)

// signBundle produces a bundle attesting to artifact under testIdentity.
func signBundle(t *testing.T, sv dsse.SignerVerifier, artifact []byte, subjectName string) []byte {
	t.Helper()
	digest := sha256.Sum256(artifact)
	statement := fmt.Sprintf(`{"_type":%q,"subject":[{"name":%q,"digest":{"sha256":%q}}],"predicateType":"https://slsa.dev/provenance/v1","predicate":{}}`,
		in_toto.StatementInTotoV1, subjectName, hex.EncodeToString(digest[:]))
	signer, err := dsse.NewEnvelopeSigner(sv)
	if err != nil {
		t.Fatal(err)
	}
	envelope, err := signer.SignPayload(context.Background(), in_toto.StatementInTotoV1, []byte(statement))
	if err != nil {
		t.Fatal(err)
	}
	bundle := Bundle{MediaType: "application/vnd.dev.sigstore.bundle+json;version=0.3", Envelope: *envelope}
	bundle.VerificationMaterial.Certificate.SubjectAlternativeName = testIdentity
	bundle.VerificationMaterial.Certificate.Issuer = testIssuer
	b, err := json.Marshal(bundle)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestDSSEVerifierAcceptsValidBundle(t *testing.T) {
	sv := newECDSASignerVerifier(t)
	artifact := []byte("wheelhouse archive bytes")
	bundle := signBundle(t, sv, artifact, "wheelhouse-demo.tar.gz")
	v, err := NewDSSEVerifier(sv)
	if err != nil {
		t.Fatal(err)
	}
	verdict, err := v.Verify(context.Background(), bundle, artifact)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if verdict.Subject != "wheelhouse-demo.tar.gz" {
		t.Errorf("Subject = %q", verdict.Subject)
	}
	if verdict.Issuer != testIssuer || len(verdict.Identities) != 1 || verdict.Identities[0] != testIdentity {
		t.Errorf("verdict identity mismatch: %+v", verdict)
	}
}

func TestDSSEVerifierRejectsDigestMismatch(t *testing.T) {
	sv := newECDSASignerVerifier(t)
	bundle := signBundle(t, sv, []byte("attested bytes"), "wheelhouse-demo.tar.gz")
	v, err := NewDSSEVerifier(sv)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Verify(context.Background(), bundle, []byte("different bytes")); !errors.Is(err, ErrSigstoreVerifyFailed) {
		t.Errorf("err = %v, want ErrSigstoreVerifyFailed", err)
	}
}

func TestDSSEVerifierRejectsForeignSignature(t *testing.T) {
	signerKey := newECDSASignerVerifier(t)
	verifierKey := newECDSASignerVerifier(t)
	artifact := []byte("wheelhouse archive bytes")
	bundle := signBundle(t, signerKey, artifact, "wheelhouse-demo.tar.gz")
	v, err := NewDSSEVerifier(verifierKey)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Verify(context.Background(), bundle, artifact); !errors.Is(err, ErrSigstoreVerifyFailed) {
		t.Errorf("err = %v, want ErrSigstoreVerifyFailed", err)
	}
}

func TestPinIdentities(t *testing.T) {
	verdict := &Verdict{Identities: []string{testIdentity}}
	for _, tc := range []struct {
		name string
		pins []string
		want error
	}{
		{"empty pins accept", nil, nil},
		{"exact match", []string{testIdentity}, nil},
		{"wildcard spans slashes", []string{"https://github.com/org/*"}, nil},
		{"suffix wildcard", []string{"*@refs/heads/main"}, nil},
		{"other org", []string{"https://github.com/other/*"}, ErrIdentityMismatch},
		{"no match among several", []string{"https://github.com/a/*", "https://github.com/b/*"}, ErrIdentityMismatch},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := PinIdentities(verdict, tc.pins)
			if tc.want == nil && err != nil {
				t.Fatalf("PinIdentities: %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}
