// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"encoding/json"
	"net/http"

	"google.golang.org/grpc/codes"

	"github.com/hephaestus-dev/hephaestus/internal/authx"
	"github.com/hephaestus-dev/hephaestus/internal/cleanup"
	"github.com/hephaestus-dev/hephaestus/internal/plugin"
	"github.com/hephaestus-dev/hephaestus/internal/release"
	"github.com/hephaestus-dev/hephaestus/internal/taskmgr"
	"github.com/pkg/errors"
)

// ErrInvalidRequest marks an undecodable or invalid transport request.
var ErrInvalidRequest = errors.New("invalid request")

// ErrorCode classifies an error onto a gRPC status code. REST and gRPC-style
// entry points share this table, so the two surfaces cannot diverge.
func ErrorCode(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, authx.ErrRoleDenied):
		return codes.PermissionDenied
	case errors.Is(err, authx.ErrInvalidSignature),
		errors.Is(err, authx.ErrUnknownKey),
		errors.Is(err, authx.ErrExpired),
		errors.Is(err, authx.ErrMalformed):
		return codes.Unauthenticated
	case errors.Is(err, taskmgr.ErrTooManyTasks):
		return codes.ResourceExhausted
	case errors.Is(err, taskmgr.ErrUnknownTask), errors.Is(err, release.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, cleanup.ErrDangerousPath),
		errors.Is(err, cleanup.ErrAborted),
		errors.Is(err, release.ErrConfig),
		errors.Is(err, plugin.ErrConfig):
		return codes.InvalidArgument
	default:
		return codes.Internal
	}
}

// httpStatus maps a gRPC code onto the REST status surface.
func httpStatus(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.ResourceExhausted:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Detail string `json:"detail"`
	Code   string `json:"code"`
}

// writeError renders the shared {detail, code} error body. Internal errors
// never leak their cause.
func writeError(w http.ResponseWriter, err error) {
	code := ErrorCode(err)
	detail := err.Error()
	if code == codes.Internal {
		detail = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(code))
	json.NewEncoder(w).Encode(errorBody{Detail: detail, Code: code.String()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
