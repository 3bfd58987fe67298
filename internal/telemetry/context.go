// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"

	"github.com/google/uuid"
)

// Identity carries the correlation identifiers bound to one logical
// invocation. It is stamped on every telemetry event and audit record.
type Identity struct {
	Operation   string
	OperationID string
	RunID       string
}

type identityKey struct{}

// WithOperation derives a context bound to a new operation scope. The run ID
// is inherited from any enclosing scope so that nested operations correlate;
// the operation ID is always fresh.
func WithOperation(ctx context.Context, operation string) (context.Context, Identity) {
	id := Identity{
		Operation:   operation,
		OperationID: uuid.NewString(),
		RunID:       uuid.NewString(),
	}
	if enclosing, ok := ctx.Value(identityKey{}).(Identity); ok {
		id.RunID = enclosing.RunID
	}
	return context.WithValue(ctx, identityKey{}, id), id
}

// IdentityFromContext returns the identity of the innermost operation scope.
// Outside any scope, the zero Identity is returned.
func IdentityFromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey{}).(Identity)
	return id
}
