// Copyright 2025 The Hephaestus Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/hephaestus-dev/hephaestus/internal/auditlog"
	"github.com/hephaestus-dev/hephaestus/internal/authx"
	"github.com/hephaestus-dev/hephaestus/internal/cleanup"
	"github.com/hephaestus-dev/hephaestus/internal/taskmgr"
)

func dialRPC(t *testing.T, h *harness) *grpc.ClientConn {
	t.Helper()
	listener := bufconn.Listen(1 << 20)
	server := h.svc.GRPCServer()
	go server.Serve(listener)
	t.Cleanup(server.Stop)
	conn, err := grpc.NewClient("passthrough:///bufconn",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(JSONCodec{})),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func rpcCtx(t *testing.T, tok string) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	if tok != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+tok)
	}
	return ctx
}

func TestRPCRunCleanup(t *testing.T) {
	h := newHarness(t, taskmgr.Options{Workers: 1})
	conn := dialRPC(t, h)
	var report cleanup.Report
	err := conn.Invoke(rpcCtx(t, token(t, opsKey)), "/"+CleanupServiceName+"/RunCleanup",
		&CleanupRequest{Options: cleanup.Options{Root: "/work", CleanPythonCache: true}}, &report)
	if err != nil {
		t.Fatalf("RunCleanup: %v", err)
	}
	if report.Removed != 1 || report.Errors != 0 {
		t.Errorf("report = %+v", report)
	}
	if _, err := h.fs.Stat("/work/__pycache__"); !os.IsNotExist(err) {
		t.Errorf("cache dir survived sweep: %v", err)
	}
	record := lastAudit(t, h.auditDir)
	if record.Protocol != auditlog.ProtocolGRPC || record.Operation != KindCleanup {
		t.Errorf("audit record = %+v", record)
	}
	if record.Principal != "ops-bot" || record.KeyID != "ops" {
		t.Errorf("credential not recorded: principal=%q key_id=%q", record.Principal, record.KeyID)
	}
}

func TestRPCDangerousRootDenied(t *testing.T) {
	h := newHarness(t, taskmgr.Options{Workers: 1})
	conn := dialRPC(t, h)
	var report cleanup.Report
	err := conn.Invoke(rpcCtx(t, token(t, opsKey)), "/"+CleanupServiceName+"/RunCleanup",
		&CleanupRequest{Options: cleanup.Options{Root: "/"}}, &report)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("code = %v, want InvalidArgument", status.Code(err))
	}
	record := lastAudit(t, h.auditDir)
	if record.Outcome != auditlog.OutcomeDeny || record.Protocol != auditlog.ProtocolGRPC {
		t.Errorf("safety refusal not audited as deny: %+v", record)
	}
}

// Every (token, operation) pair must produce the same authorization decision
// on both transports.
func TestRPCAuthParityWithREST(t *testing.T) {
	h := newHarness(t, taskmgr.Options{Workers: 1})
	conn := dialRPC(t, h)
	for name, tc := range map[string]struct {
		token    string
		wantCode codes.Code
		wantHTTP int
	}{
		"no token":   {"", codes.Unauthenticated, http.StatusUnauthorized},
		"garbage":    {"not-a-jwt", codes.Unauthenticated, http.StatusUnauthorized},
		"wrong role": {token(t, viewerKey), codes.PermissionDenied, http.StatusForbidden},
		"allowed":    {token(t, opsKey), codes.OK, http.StatusOK},
	} {
		req := CleanupRequest{Options: cleanup.Options{Root: "/work"}}
		var report cleanup.Report
		err := conn.Invoke(rpcCtx(t, tc.token), "/"+CleanupServiceName+"/RunCleanup", &req, &report)
		if status.Code(err) != tc.wantCode {
			t.Errorf("%s: rpc code = %v, want %v", name, status.Code(err), tc.wantCode)
		}
		resp := h.do(t, http.MethodPost, "/api/v1/cleanup", tc.token, req)
		if resp.StatusCode != tc.wantHTTP {
			t.Errorf("%s: rest status = %d, want %d", name, resp.StatusCode, tc.wantHTTP)
		}
	}
}

func TestRPCRoleDenialAuditsOperation(t *testing.T) {
	h := newHarness(t, taskmgr.Options{Workers: 1})
	conn := dialRPC(t, h)
	var report cleanup.Report
	err := conn.Invoke(rpcCtx(t, token(t, viewerKey)), "/"+CleanupServiceName+"/RunCleanup",
		&CleanupRequest{Options: cleanup.Options{Root: "/work"}}, &report)
	if status.Code(err) != codes.PermissionDenied {
		t.Fatalf("code = %v, want PermissionDenied", status.Code(err))
	}
	record := lastAudit(t, h.auditDir)
	if record.Outcome != auditlog.OutcomeDeny || record.Operation != KindCleanup {
		t.Errorf("denial record = %+v", record)
	}
}

func TestRPCStreamCleanup(t *testing.T) {
	h := newHarness(t, taskmgr.Options{Workers: 1})
	conn := dialRPC(t, h)
	desc := &grpc.StreamDesc{StreamName: "StreamCleanup", ServerStreams: true}
	stream, err := conn.NewStream(rpcCtx(t, token(t, opsKey)), desc, "/"+CleanupServiceName+"/StreamCleanup")
	if err != nil {
		t.Fatal(err)
	}
	if err := stream.SendMsg(&CleanupRequest{
		Options:  cleanup.Options{Root: "/work", CleanPythonCache: true},
		TimeoutS: 30,
	}); err != nil {
		t.Fatal(err)
	}
	if err := stream.CloseSend(); err != nil {
		t.Fatal(err)
	}
	var frames []ProgressFrame
	for {
		var frame ProgressFrame
		err := stream.RecvMsg(&frame)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("RecvMsg: %v", err)
		}
		frames = append(frames, frame)
	}
	if len(frames) == 0 {
		t.Fatal("no progress frames streamed")
	}
	last := frames[len(frames)-1]
	if !last.Status.Terminal() || last.Status != taskmgr.StatusCompleted {
		t.Errorf("terminal frame = %+v", last)
	}
	if last.TaskID == "" {
		t.Error("terminal frame has no task id")
	}
	record := lastAudit(t, h.auditDir)
	if record.Outcome != auditlog.OutcomeAllow || record.Protocol != auditlog.ProtocolGRPC {
		t.Errorf("acceptance audit = %+v", record)
	}
}

func TestRPCDeniedWithoutAnyToken(t *testing.T) {
	h := newHarness(t, taskmgr.Options{Workers: 1})
	conn := dialRPC(t, h)
	var report cleanup.Report
	err := conn.Invoke(rpcCtx(t, ""), "/"+CleanupServiceName+"/RunCleanup",
		&CleanupRequest{Options: cleanup.Options{Root: "/work"}}, &report)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("code = %v, want Unauthenticated", status.Code(err))
	}
	record := lastAudit(t, h.auditDir)
	if record.Outcome != auditlog.OutcomeDeny || record.Operation != KindCleanup {
		t.Errorf("denial record = %+v", record)
	}
	if record.Detail != authx.ErrMalformed.Error() {
		t.Errorf("detail = %q", record.Detail)
	}
}
