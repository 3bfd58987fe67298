// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

// Package authx verifies service-account tokens against a keystore of
// shared-secret keys. REST and gRPC-style entry points share this verifier,
// so role checks cannot diverge across transports.
package authx

import (
	"encoding/json"
	"os"
	"sync/atomic"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// EnvKeystorePath overrides the keystore location.
const EnvKeystorePath = "HEPHAESTUS_SERVICE_ACCOUNT_KEYS_PATH"

// DefaultKeystorePath is the keystore file relative to the workspace root.
const DefaultKeystorePath = ".hephaestus/service-accounts.json"

// Verification failures. Each maps to a distinct deny reason in the audit
// trail.
var (
	ErrMalformed        = errors.New("malformed token")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrUnknownKey       = errors.New("unknown key id")
	ErrExpired          = errors.New("token expired")
	ErrRoleDenied       = errors.New("role denied")
)

// Key is one keystore entry. ExpiresAt bounds the key itself, independent of
// any token lifetime.
type Key struct {
	KID       string     `json:"kid"`
	Principal string     `json:"principal"`
	Roles     []string   `json:"roles"`
	Secret    string     `json:"secret"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Principal is the authenticated identity with its effective roles. KeyID is
// the keystore entry the token verified against, carried so audit records can
// name the credential.
type Principal struct {
	Name  string   `json:"name"`
	KeyID string   `json:"key_id"`
	Roles []string `json:"roles"`
}

type keystoreFile struct {
	Keys []Key `json:"keys"`
}

// Keystore holds the current key set. Reload swaps the snapshot atomically,
// so in-flight verifications see a consistent view.
type Keystore struct {
	fs       billy.Filesystem
	path     string
	snapshot atomic.Pointer[map[string]Key]
}

// LoadKeystore reads the key file and returns a live keystore.
func LoadKeystore(fs billy.Filesystem, path string) (*Keystore, error) {
	k := &Keystore{fs: fs, path: path}
	if err := k.Reload(); err != nil {
		return nil, err
	}
	return k, nil
}

// Reload re-reads the key file and swaps the snapshot. On error the previous
// snapshot stays in effect.
func (k *Keystore) Reload() error {
	b, err := util.ReadFile(k.fs, k.path)
	if err != nil {
		return errors.Wrap(err, "reading keystore")
	}
	var file keystoreFile
	if err := json.Unmarshal(b, &file); err != nil {
		return errors.Wrap(err, "parsing keystore")
	}
	keys := make(map[string]Key, len(file.Keys))
	for _, key := range file.Keys {
		if key.KID == "" || key.Secret == "" {
			return errors.Errorf("keystore entry for %q missing kid or secret", key.Principal)
		}
		keys[key.KID] = key
	}
	k.snapshot.Store(&keys)
	return nil
}

// Lookup returns the key for a kid from the current snapshot.
func (k *Keystore) Lookup(kid string) (Key, bool) {
	keys := k.snapshot.Load()
	if keys == nil {
		return Key{}, false
	}
	key, ok := (*keys)[kid]
	return key, ok
}

// Len reports the number of keys in the current snapshot.
func (k *Keystore) Len() int {
	keys := k.snapshot.Load()
	if keys == nil {
		return 0
	}
	return len(*keys)
}

// KeystorePath resolves the keystore location from the environment.
func KeystorePath() string {
	if p := os.Getenv(EnvKeystorePath); p != "" {
		return p
	}
	return DefaultKeystorePath
}

// Claims is the token payload: subject, roles, expiry.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Verifier checks tokens against a keystore.
type Verifier struct {
	Keystore *Keystore
	// now is indirect for tests.
	now func() time.Time
}

func NewVerifier(keystore *Keystore) *Verifier {
	return &Verifier{Keystore: keystore, now: time.Now}
}

// Verify authenticates the token and asserts the required role. The role
// must appear in both the token claims and the keystore entry.
func (v *Verifier) Verify(token, requiredRole string) (*Principal, error) {
	now := v.now
	if now == nil {
		now = time.Now
	}
	var key Key
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, ErrMalformed
		}
		k, ok := v.Keystore.Lookup(kid)
		if !ok {
			return nil, ErrUnknownKey
		}
		key = k
		return []byte(k.Secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(now), jwt.WithExpirationRequired())
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownKey) || errors.Is(err, ErrMalformed):
			return nil, err
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrInvalidSignature
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		default:
			return nil, errors.Wrap(ErrMalformed, err.Error())
		}
	}
	if !parsed.Valid {
		return nil, ErrInvalidSignature
	}
	if key.ExpiresAt != nil && now().After(*key.ExpiresAt) {
		return nil, ErrExpired
	}
	effective := intersect(claims.Roles, key.Roles)
	if requiredRole != "" && !contains(effective, requiredRole) {
		return nil, errors.Wrapf(ErrRoleDenied, "%s requires role %s", key.Principal, requiredRole)
	}
	return &Principal{Name: key.Principal, KeyID: key.KID, Roles: effective}, nil
}

// IssueToken mints a token for the given key. Used by the token subcommand
// and tests.
func IssueToken(key Key, subject string, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		Roles: key.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = key.KID
	signed, err := token.SignedString([]byte(key.Secret))
	if err != nil {
		return "", errors.Wrap(err, "signing token")
	}
	return signed, nil
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, s := range b {
		set[s] = true
	}
	var out []string
	for _, s := range a {
		if set[s] {
			out = append(out, s)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
