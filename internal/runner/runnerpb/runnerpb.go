// Package runnerpb defines the wire contract between agentdeviced and the
// out-of-process XCTest-runner companion: three unary RPCs exchanged as
// JSON over gRPC rather than generated protobuf messages. The payloads are
// small plain structs and the daemon has no protoc build step, so a
// hand-written grpc.ServiceDesc plus a JSON codec stands in for generated
// *.pb.go stubs.
package runnerpb

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// ServiceName is the fully-qualified gRPC service name the companion
// registers under.
const ServiceName = "runnerpb.RunnerService"

// SnapshotRequest asks the runner for a fresh accessibility tree.
type SnapshotRequest struct {
	SessionID  string `json:"sessionId"`
	DeviceUDID string `json:"deviceUdid"`
}

// SnapshotResponse carries the runner's opaque accessibility tree blob.
// The daemon never parses Snapshot's contents; only backends that issued
// the request interpret it.
type SnapshotResponse struct {
	Snapshot   json.RawMessage `json:"snapshot"`
	CapturedAt string          `json:"capturedAt"`
	Truncated  bool            `json:"truncated,omitempty"`
}

// AbortRequest asks the runner to cancel an in-flight interaction for a
// session.
type AbortRequest struct {
	SessionID string `json:"sessionId"`
}

// AbortResponse reports whether there was anything to abort. Aborting an
// already-idle session is not an error; Aborted is simply false.
type AbortResponse struct {
	Aborted bool `json:"aborted"`
}

// PingRequest carries no fields; its presence as a named type keeps the
// RPC signature symmetric with the other two.
type PingRequest struct{}

// PingResponse reports the runner's own liveness details.
type PingResponse struct {
	PID      int   `json:"pid"`
	UptimeMs int64 `json:"uptimeMs"`
}

// RunnerServiceClient is the client-side contract agentdeviced uses. It is
// satisfied by Client in the parent runner package; defined here so the
// codec and the interface travel together.
type RunnerServiceClient interface {
	Snapshot(ctx context.Context, in *SnapshotRequest) (*SnapshotResponse, error)
	Abort(ctx context.Context, in *AbortRequest) (*AbortResponse, error)
	Ping(ctx context.Context, in *PingRequest) (*PingResponse, error)
}

// RunnerServiceServer is the server-side contract a real or fake companion
// implements. agentdeviced never implements this itself — the companion
// binary does — but ServiceDesc needs a HandlerType to hang method
// signatures off of, and tests can satisfy this interface with a fake
// companion.
type RunnerServiceServer interface {
	Snapshot(ctx context.Context, in *SnapshotRequest) (*SnapshotResponse, error)
	Abort(ctx context.Context, in *AbortRequest) (*AbortResponse, error)
	Ping(ctx context.Context, in *PingRequest) (*PingResponse, error)
}

const jsonCodecName = "runnerpb-json"

// jsonCodec implements encoding.Codec by round-tripping through
// encoding/json instead of protobuf wire format.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return jsonCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// CallOptions forces every call through this package's JSON codec instead
// of gRPC's default protobuf codec.
func CallOptions() []grpc.CallOption {
	return []grpc.CallOption{grpc.CallContentSubtype(jsonCodecName)}
}

func methodPath(method string) string {
	return fmt.Sprintf("/%s/%s", ServiceName, method)
}

// MethodSnapshot, MethodAbort, MethodPing are the full gRPC method paths,
// exported so both the client (Invoke) and a fake server in tests
// (grpc.ServiceDesc below) agree on routing.
var (
	MethodSnapshot = methodPath("Snapshot")
	MethodAbort    = methodPath("Abort")
	MethodPing     = methodPath("Ping")
)

// ServiceDesc describes RunnerService for grpc.Server.RegisterService,
// used only by test doubles standing in for the real companion binary —
// the real companion is an external process agentdeviced never hosts.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RunnerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Snapshot", Handler: snapshotHandler},
		{MethodName: "Abort", Handler: abortHandler},
		{MethodName: "Ping", Handler: pingHandler},
	},
	Metadata: "runnerpb/runnerpb.go",
}

func snapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SnapshotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RunnerServiceServer).Snapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodSnapshot}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RunnerServiceServer).Snapshot(ctx, req.(*SnapshotRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func abortHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(AbortRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RunnerServiceServer).Abort(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodAbort}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RunnerServiceServer).Abort(ctx, req.(*AbortRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func pingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PingRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RunnerServiceServer).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodPing}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RunnerServiceServer).Ping(ctx, req.(*PingRequest))
	}
	return interceptor(ctx, in, info, handler)
}
