// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/hephaestus-dev/hephaestus/internal/auditlog"
	"github.com/hephaestus-dev/hephaestus/internal/authx"
	"github.com/hephaestus-dev/hephaestus/internal/cleanup"
	"github.com/hephaestus-dev/hephaestus/internal/taskmgr"
	"github.com/hephaestus-dev/hephaestus/internal/telemetry"
)

// RPC service names. The wire codec is JSON, so the request and response
// types are the same transport-neutral structs the REST surface uses and the
// method set needs no generated stubs.
const (
	QualityServiceName = "hephaestus.v1.QualityService"
	CleanupServiceName = "hephaestus.v1.CleanupService"
)

// rpcKinds maps full method names onto the operation kind they execute. The
// kind doubles as the required role, exactly as on the REST routes.
var rpcKinds = map[string]string{
	"/" + QualityServiceName + "/RunGuardRails":    KindGuardRails,
	"/" + QualityServiceName + "/StreamGuardRails": KindGuardRails,
	"/" + CleanupServiceName + "/RunCleanup":       KindCleanup,
	"/" + CleanupServiceName + "/StreamCleanup":    KindCleanup,
}

// JSONCodec is the codec both ends of the RPC surface must use.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSONCodec) Name() string                       { return "json" }

// ProgressFrame is one message on a streaming RPC. The final frame carries a
// terminal status with the result or error.
type ProgressFrame struct {
	TaskID   string         `json:"task_id"`
	Status   taskmgr.Status `json:"status"`
	Fraction float64        `json:"fraction"`
	Detail   string         `json:"detail,omitempty"`
	Result   any            `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
}

func frameOf(t taskmgr.Task) *ProgressFrame {
	return &ProgressFrame{
		TaskID:   t.ID,
		Status:   t.Status,
		Fraction: t.Progress,
		Detail:   t.Detail,
		Result:   t.Result,
		Error:    t.Error,
	}
}

// GRPCServer builds the RPC surface. It shares the Execute handlers, the
// verifier, and the audit writer with the REST router, so authorization
// decisions and outcomes cannot diverge between the two transports.
func (s *Service) GRPCServer() *grpc.Server {
	srv := grpc.NewServer(
		grpc.ForceServerCodec(JSONCodec{}),
		grpc.ChainUnaryInterceptor(s.unaryAuth),
		grpc.ChainStreamInterceptor(s.streamAuth),
	)
	srv.RegisterService(&qualityServiceDesc, s)
	srv.RegisterService(&cleanupServiceDesc, s)
	return srv
}

// statusErr renders err as a gRPC status. Internal causes stay opaque, the
// same as the REST error body.
func statusErr(err error) error {
	if err == nil {
		return nil
	}
	code := ErrorCode(err)
	detail := err.Error()
	if code == codes.Internal {
		detail = "internal error"
	}
	return status.Error(code, detail)
}

// authenticateRPC verifies the bearer token from the request metadata and
// asserts the role of the method's kind. Denials are audited under the
// operation name before the status leaves the process.
func (s *Service) authenticateRPC(ctx context.Context, fullMethod string) (context.Context, error) {
	kind := rpcKinds[fullMethod]
	operation := kind
	if operation == "" {
		operation = fullMethod
	}
	token := ""
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("authorization"); len(vals) > 0 {
			token, _ = strings.CutPrefix(vals[0], "Bearer ")
		}
	}
	if token == "" {
		_ = s.audit(ctx, nil, auditlog.ProtocolGRPC, operation, nil, auditlog.OutcomeDeny, authx.ErrMalformed.Error())
		return nil, statusErr(authx.ErrMalformed)
	}
	principal, err := s.Verifier.Verify(token, roleForKind(kind))
	if err != nil {
		_ = s.audit(ctx, principal, auditlog.ProtocolGRPC, operation, nil, auditlog.OutcomeDeny, err.Error())
		return nil, statusErr(err)
	}
	return context.WithValue(ctx, principalKey{}, principal), nil
}

func (s *Service) unaryAuth(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	ctx, err := s.authenticateRPC(ctx, info.FullMethod)
	if err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

// authedStream carries the authenticated context past the interceptor.
type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authedStream) Context() context.Context { return s.ctx }

func (s *Service) streamAuth(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	ctx, err := s.authenticateRPC(ss.Context(), info.FullMethod)
	if err != nil {
		return err
	}
	return handler(srv, &authedStream{ServerStream: ss, ctx: ctx})
}

// dispatchRPC is the unary analogue of the REST dispatch: run, flush the
// audit record, then acknowledge.
func (s *Service) dispatchRPC(ctx context.Context, kind string, params map[string]any, run func(ctx context.Context, progress func(float64, string)) (any, error)) (any, error) {
	ctx, _ = telemetry.WithOperation(ctx, kind)
	principal := principalFrom(ctx)
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
	if auditErr := s.audit(ctx, principal, auditlog.ProtocolGRPC, kind, params, outcome, detail); auditErr != nil {
		return nil, statusErr(auditErr)
	}
	if err != nil {
		return nil, statusErr(err)
	}
	return result, nil
}

// streamRPC submits the operation as a task and relays its snapshots as
// progress frames until the terminal one.
func (s *Service) streamRPC(stream grpc.ServerStream, kind string, params map[string]any, timeoutS float64, run taskmgr.Operation) error {
	ctx, _ := telemetry.WithOperation(stream.Context(), kind)
	principal := principalFrom(stream.Context())
	id, err := s.submit(kind, timeoutS, run)
	if err != nil {
		return statusErr(err)
	}
	if err := s.audit(ctx, principal, auditlog.ProtocolGRPC, kind, params, auditlog.OutcomeAllow, "task "+id); err != nil {
		s.Tasks.Cancel(id)
		return statusErr(err)
	}
	ch, err := s.Tasks.Stream(ctx, id)
	if err != nil {
		return statusErr(err)
	}
	for snapshot := range ch {
		if err := stream.SendMsg(frameOf(snapshot)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) runGuardRails(ctx context.Context, req *GuardRailsRequest) (any, error) {
	return s.dispatchRPC(ctx, KindGuardRails, paramsOf(req), func(ctx context.Context, progress func(float64, string)) (any, error) {
		return s.ExecuteGuardRails(ctx, req.Options, progress)
	})
}

func (s *Service) runCleanup(ctx context.Context, req *CleanupRequest) (any, error) {
	return s.dispatchRPC(ctx, KindCleanup, paramsOf(req), func(ctx context.Context, progress func(float64, string)) (any, error) {
		return s.ExecuteCleanup(ctx, req.Options, progress)
	})
}

// Hand-written service descriptors. The JSON codec makes generated stubs
// unnecessary; each handler decodes into the shared request struct and calls
// the same Execute path as REST.

var qualityServiceDesc = grpc.ServiceDesc{
	ServiceName: QualityServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RunGuardRails", Handler: runGuardRailsRPC},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamGuardRails", Handler: streamGuardRailsRPC, ServerStreams: true},
	},
}

var cleanupServiceDesc = grpc.ServiceDesc{
	ServiceName: CleanupServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RunCleanup", Handler: runCleanupRPC},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamCleanup", Handler: streamCleanupRPC, ServerStreams: true},
	},
}

func runGuardRailsRPC(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GuardRailsRequest)
	if err := dec(in); err != nil {
		return nil, statusErr(errors.Wrap(ErrInvalidRequest, err.Error()))
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*Service).runGuardRails(ctx, req.(*GuardRailsRequest))
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + QualityServiceName + "/RunGuardRails"}
	return interceptor(ctx, in, info, handler)
}

func runCleanupRPC(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CleanupRequest)
	if err := dec(in); err != nil {
		return nil, statusErr(errors.Wrap(ErrInvalidRequest, err.Error()))
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*Service).runCleanup(ctx, req.(*CleanupRequest))
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + CleanupServiceName + "/RunCleanup"}
	return interceptor(ctx, in, info, handler)
}

func streamGuardRailsRPC(srv any, stream grpc.ServerStream) error {
	in := new(GuardRailsRequest)
	if err := stream.RecvMsg(in); err != nil {
		return statusErr(errors.Wrap(ErrInvalidRequest, err.Error()))
	}
	s := srv.(*Service)
	return s.streamRPC(stream, KindGuardRails, paramsOf(in), in.TimeoutS, func(ctx context.Context, progress func(float64, string)) (any, error) {
		return s.ExecuteGuardRails(ctx, in.Options, progress)
	})
}

func streamCleanupRPC(srv any, stream grpc.ServerStream) error {
	in := new(CleanupRequest)
	if err := stream.RecvMsg(in); err != nil {
		return statusErr(errors.Wrap(ErrInvalidRequest, err.Error()))
	}
	s := srv.(*Service)
	return s.streamRPC(stream, KindCleanup, paramsOf(in), in.TimeoutS, func(ctx context.Context, progress func(float64, string)) (any, error) {
		return s.ExecuteCleanup(ctx, in.Options, progress)
	})
}
