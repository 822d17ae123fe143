// ============================================================================
// fleetwork Admin Server - gRPC control and health endpoints
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: Expose node operations to operators over gRPC
//
// Services:
//   grpc.health.v1.Health      "" always SERVING,
//                              "fleetwork.leader" SERVING only while leading
//   fleetwork.v1.Control       RunTask, GatherMetrics, KillJob, Status
//
// Control messages are google.protobuf.Struct in both directions:
//   RunTask       {job_id, task, args, timeout_ms} → {result}
//   GatherMetrics {}                               → {nodes: {<node>: [...]}}
//   KillJob       {job_id}                         → {}
//   Status        {}                               → node status document
//
// Errors carry their fault kind as a gRPC status code (see codes.go).
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/fleetwork/internal/node"
	"github.com/ChuLiYu/fleetwork/pkg/types"
)

const (
	// ServiceName is the full name of the control service.
	ServiceName = "fleetwork.v1.Control"
	// LeaderHealthService is the health service name that reports leadership.
	LeaderHealthService = "fleetwork.leader"

	defaultTaskTimeout = 10 * time.Second
)

// Control is the node surface the server exposes. *node.Node implements it.
type Control interface {
	RunTask(ctx context.Context, jobID types.JobID, name string, args json.RawMessage, timeout time.Duration) (json.RawMessage, error)
	GatherMetrics(ctx context.Context) (map[types.NodeID][]types.ProcessMetrics, error)
	KillJob(ctx context.Context, jobID types.JobID) error
	Status(ctx context.Context) (node.Status, error)
	OnLeadershipChange(fn func(leading bool))
}

// ControlServer is the server side of the control service.
type ControlServer interface {
	RunTask(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GatherMetrics(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	KillJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Status(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var controlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RunTask", Handler: unary("RunTask", ControlServer.RunTask)},
		{MethodName: "GatherMetrics", Handler: unary("GatherMetrics", ControlServer.GatherMetrics)},
		{MethodName: "KillJob", Handler: unary("KillJob", ControlServer.KillJob)},
		{MethodName: "Status", Handler: unary("Status", ControlServer.Status)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fleetwork/v1/control",
}

func unary(method string, call func(ControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		cs := srv.(ControlServer)
		if interceptor == nil {
			return call(cs, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(cs, ctx, req.(*structpb.Struct))
		})
	}
}

// Server is the admin gRPC server of one node.
type Server struct {
	ctl    Control
	grpc   *grpc.Server
	health *health.Server
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates the server and registers its services.
func New(ctl Control, opts ...Option) *Server {
	s := &Server{
		ctl:    ctl,
		health: health.NewServer(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "server")

	s.grpc = grpc.NewServer(grpc.UnaryInterceptor(s.logCalls))
	s.grpc.RegisterService(&controlServiceDesc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(LeaderHealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	ctl.OnLeadershipChange(s.setLeading)
	return s
}

func (s *Server) setLeading(leading bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if leading {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(LeaderHealthService, st)
}

func (s *Server) logCalls(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		s.logger.Warn("Admin call failed", "method", info.FullMethod, "elapsed", time.Since(start), "error", err)
	} else {
		s.logger.Debug("Admin call", "method", info.FullMethod, "elapsed", time.Since(start))
	}
	return resp, err
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("Admin server listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Listen binds addr and serves in the background.
func (s *Server) Listen(addr string) (net.Addr, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	go func() {
		if err := s.Serve(lis); err != nil {
			s.logger.Error("Admin server failed", "error", err)
		}
	}()
	return lis.Addr(), nil
}

// Stop drains in-flight calls, forcing the stop when ctx ends first.
func (s *Server) Stop(ctx context.Context) error {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.grpc.Stop()
		return ctx.Err()
	}
}

// RunTask implements ControlServer.
func (s *Server) RunTask(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := in.AsMap()
	jobID, _ := req["job_id"].(string)
	task, _ := req["task"].(string)
	if jobID == "" || task == "" {
		return nil, status.Error(codes.InvalidArgument, "job_id and task are required")
	}
	timeout := defaultTaskTimeout
	if ms, ok := req["timeout_ms"].(float64); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	var args json.RawMessage
	if a, ok := req["args"]; ok && a != nil {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		args = b
	}

	res, err := s.ctl.RunTask(ctx, types.JobID(jobID), task, args, timeout)
	if err != nil {
		return nil, toStatus(err)
	}
	var result interface{}
	if len(res) > 0 {
		if err := json.Unmarshal(res, &result); err != nil {
			return nil, status.Errorf(codes.Internal, "task result is not JSON: %v", err)
		}
	}
	return toStruct(map[string]interface{}{"result": result})
}

// GatherMetrics implements ControlServer.
func (s *Server) GatherMetrics(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	m, err := s.ctl.GatherMetrics(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]interface{}{"nodes": m})
}

// KillJob implements ControlServer.
func (s *Server) KillJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	jobID, _ := in.AsMap()["job_id"].(string)
	if jobID == "" {
		return nil, status.Error(codes.InvalidArgument, "job_id is required")
	}
	if err := s.ctl.KillJob(ctx, types.JobID(jobID)); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{}}, nil
}

// Status implements ControlServer.
func (s *Server) Status(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st, err := s.ctl.Status(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(st)
}

// toStruct converts any JSON-encodable value to a Struct.
func toStruct(v interface{}) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "response is not an object: %v", err)
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to build response: %v", err)
	}
	return st, nil
}

// fromStruct decodes a Struct into v through JSON.
func fromStruct(st *structpb.Struct, v interface{}) error {
	b, err := json.Marshal(st.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
