// ============================================================================
// Admin Server - gRPC control plane
// ============================================================================
//
// Package: internal/server
// File: server.go
// Function: Lets external load-management tooling read queue statistics and
//           resize worker pools while the daemon runs.
//
// Service jobq.admin.v1.Admin (messages are protobuf well-known types):
//   ListQueues(google.protobuf.Empty)  -> Struct{"queues": [QueueStats...]}
//   Resize(Struct{"queue","concurrency"}) -> Struct(QueueStats)
//
// Health (grpc.health.v1):
//   ""                  SERVING while the server is up
//   "jobq.queue/<name>" SERVING iff the queue has at least one live worker
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/reactor-jobq/internal/jobq"
	"github.com/ChuLiYu/reactor-jobq/pkg/types"
)

const (
	serviceName = "jobq.admin.v1.Admin"

	methodListQueues = "/" + serviceName + "/ListQueues"
	methodResize     = "/" + serviceName + "/Resize"
)

// HealthService is the health-check service name for a queue.
func HealthService(queue string) string { return "jobq.queue/" + queue }

// Backend is what the admin service controls.
type Backend interface {
	Stats() []types.QueueStats
	Resize(queue string, concurrency int) (types.QueueStats, error)
}

// AdminServer is the server API for jobq.admin.v1.Admin.
type AdminServer interface {
	ListQueues(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Resize(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// Server 管理服務
type Server struct {
	backend Backend
	logger  *slog.Logger
	health  *health.Server
	grpc    *grpc.Server

	mu    sync.Mutex
	known map[string]struct{}
}

func NewServer(backend Backend, logger *slog.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		backend: backend,
		logger:  logger.With("component", "admin"),
		health:  health.NewServer(),
		grpc:    grpc.NewServer(opts...),
		known:   make(map[string]struct{}),
	}
	s.grpc.RegisterService(&adminServiceDesc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.RefreshHealth()
	return s
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("admin server listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop marks every service NOT_SERVING and drains in-flight RPCs.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// RefreshHealth publishes per-queue serving status from current stats.
func (s *Server) RefreshHealth() {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	for _, st := range s.backend.Stats() {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if st.Concurrency > 0 {
			status = healthpb.HealthCheckResponse_SERVING
		}
		s.health.SetServingStatus(HealthService(st.Name), status)
		seen[st.Name] = struct{}{}
	}
	for name := range s.known {
		if _, ok := seen[name]; !ok {
			s.health.SetServingStatus(HealthService(name), healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
		}
	}
	s.known = seen
}

func (s *Server) ListQueues(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	stats := s.backend.Stats()
	list := make([]*structpb.Value, 0, len(stats))
	for _, st := range stats {
		list = append(list, structpb.NewStructValue(statsToStruct(st)))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"queues": structpb.NewListValue(&structpb.ListValue{Values: list}),
	}}, nil
}

func (s *Server) Resize(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name := req.GetFields()["queue"].GetStringValue()
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "queue is required")
	}
	n := req.GetFields()["concurrency"].GetNumberValue()
	if n < 0 || n != float64(int(n)) {
		return nil, status.Errorf(codes.InvalidArgument, "concurrency must be a non-negative integer, got %v", n)
	}

	st, err := s.backend.Resize(name, int(n))
	switch {
	case errors.Is(err, jobq.ErrQueueNotFound):
		return nil, status.Error(codes.NotFound, err.Error())
	case errors.Is(err, jobq.ErrQueueClosed):
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	case err != nil:
		return nil, status.Error(codes.Internal, err.Error())
	}
	s.logger.Info("queue resized", "queue", name, "desired", st.DesiredConcurrency)
	s.RefreshHealth()
	return statsToStruct(st), nil
}

// ============================================================================
// Service descriptor
// ============================================================================

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListQueues", Handler: listQueuesHandler},
		{MethodName: "Resize", Handler: resizeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "jobq/admin/v1",
}

func listQueuesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).ListQueues(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodListQueues}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).ListQueues(ctx, req.(*emptypb.Empty))
	})
}

func resizeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).Resize(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodResize}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).Resize(ctx, req.(*structpb.Struct))
	})
}
