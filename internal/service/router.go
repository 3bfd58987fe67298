// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/pkg/errors"

	"github.com/hephaestus-dev/hephaestus/internal/auditlog"
	"github.com/hephaestus-dev/hephaestus/internal/authx"
	"github.com/hephaestus-dev/hephaestus/internal/cleanup"
	"github.com/hephaestus-dev/hephaestus/internal/taskmgr"
	"github.com/hephaestus-dev/hephaestus/internal/telemetry"
)

type principalKey struct{}

func principalFrom(ctx context.Context) *authx.Principal {
	p, _ := ctx.Value(principalKey{}).(*authx.Principal)
	return p
}

// Router builds the REST surface. Every endpoint requires a bearer token;
// write endpoints additionally require the operation's role.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))
	r.With(s.auth("", "")).Get("/", s.handleRoot)
	r.With(s.auth("", "")).Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.With(s.auth(roleForKind(KindGuardRails), KindGuardRails)).Post("/quality/guard-rails", s.handleGuardRails)
		r.With(s.auth(roleForKind(KindCleanup), KindCleanup)).Post("/cleanup", s.handleCleanup)
		r.With(s.auth(roleForKind(KindRelease), KindRelease)).Post("/release/install", s.handleRelease)
		r.With(s.auth("", "")).Get("/tasks/{id}", s.handleTask)
		r.With(s.auth("", "")).Get("/tasks/{id}/stream", s.handleTaskStream)
	})
	return r
}

// auth authenticates the bearer token, asserts the role when one is
// required, and records denials in the audit log under the operation name.
func (s *Service) auth(role, operation string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				s.denied(r, nil, operation, authx.ErrMalformed)
				writeError(w, authx.ErrMalformed)
				return
			}
			principal, err := s.Verifier.Verify(token, role)
			if err != nil {
				s.denied(r, principal, operation, err)
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, principal)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return "", false
	}
	return token, true
}

func (s *Service) denied(r *http.Request, principal *authx.Principal, operation string, cause error) {
	// Denials are recorded best-effort; there is no operation to refuse.
	// Read-only endpoints have no operation name, so the request line stands
	// in for one.
	if operation == "" {
		operation = r.Method + " " + r.URL.Path
	}
	_ = s.audit(r.Context(), principal, auditlog.ProtocolREST, operation, nil, auditlog.OutcomeDeny, cause.Error())
}

func (s *Service) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "hephaestus",
		"version": s.Version,
		"status":  "ok",
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "tasks": s.Tasks.Len()})
}

func (s *Service) handleGuardRails(w http.ResponseWriter, r *http.Request) {
	var req GuardRailsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(ErrInvalidRequest, err.Error()))
		return
	}
	s.dispatch(w, r, KindGuardRails, paramsOf(req), req.Async, req.TimeoutS, func(ctx context.Context, progress func(float64, string)) (any, error) {
		return s.ExecuteGuardRails(ctx, req.Options, progress)
	})
}

func (s *Service) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req CleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(ErrInvalidRequest, err.Error()))
		return
	}
	s.dispatch(w, r, KindCleanup, paramsOf(req), req.Async, req.TimeoutS, func(ctx context.Context, progress func(float64, string)) (any, error) {
		return s.ExecuteCleanup(ctx, req.Options, progress)
	})
}

func (s *Service) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req ReleaseInstallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(ErrInvalidRequest, err.Error()))
		return
	}
	s.dispatch(w, r, KindRelease, paramsOf(req), req.Async, req.TimeoutS, func(ctx context.Context, progress func(float64, string)) (any, error) {
		return s.ExecuteRelease(ctx, req.Request, progress)
	})
}

// dispatch runs the operation sync or async. The audit record is flushed
// before any acknowledgement leaves the process; a failed flush aborts with
// an internal error.
func (s *Service) dispatch(w http.ResponseWriter, r *http.Request, kind string, params map[string]any, async bool, timeoutS float64, run func(ctx context.Context, progress func(float64, string)) (any, error)) {
	ctx, _ := telemetry.WithOperation(r.Context(), kind)
	principal := principalFrom(r.Context())
	if async {
		id, err := s.submit(kind, timeoutS, run)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := s.audit(ctx, principal, auditlog.ProtocolREST, kind, params, auditlog.OutcomeAllow, "task "+id); err != nil {
			s.Tasks.Cancel(id)
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
		return
	}
	result, err := run(ctx, nil)
	outcome := auditlog.OutcomeSuccess
	detail := ""
	if err != nil {
		detail = err.Error()
		if errors.Is(err, cleanup.ErrDangerousPath) {
			outcome = auditlog.OutcomeDeny
		} else {
			outcome = auditlog.OutcomeFailure
		}
	}
	if auditErr := s.audit(ctx, principal, auditlog.ProtocolREST, kind, params, outcome, detail); auditErr != nil {
		writeError(w, auditErr)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Service) handleTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.observableTask(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Service) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	task, err := s.observableTask(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errors.New("streaming unsupported"))
		return
	}
	ch, err := s.Tasks.Stream(r.Context(), task.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for snapshot := range ch {
		frame, err := json.Marshal(snapshot)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", frame)
		flusher.Flush()
	}
}

// observableTask loads the task and asserts the caller holds the role of
// its kind.
func (s *Service) observableTask(r *http.Request, id string) (taskmgr.Task, error) {
	task, err := s.Tasks.Get(id)
	if err != nil {
		return taskmgr.Task{}, err
	}
	principal := principalFrom(r.Context())
	if principal == nil || !hasRole(principal, roleForKind(task.Kind)) {
		return taskmgr.Task{}, errors.Wrapf(authx.ErrRoleDenied, "task %s requires role %s", id, roleForKind(task.Kind))
	}
	return task, nil
}

func hasRole(p *authx.Principal, role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}
