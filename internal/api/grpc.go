// Package api exposes the orchestrator to operators: the gRPC lifecycle
// service, a plain HTTP shim over the same operations, and the metrics
// endpoint.
package api

import (
	"context"
	"errors"

	"github.com/devghori1264/mcpanel/internal/models"
	"github.com/devghori1264/mcpanel/internal/orchestrator"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "mcpanel.v1.Lifecycle"

// Lifecycle is the orchestrator surface served by the API.
type Lifecycle interface {
	ServerID() string
	Status(ctx context.Context) (*models.LifecycleRecord, error)
	RequestStart(ctx context.Context) (*orchestrator.Ack, error)
	RequestStop(ctx context.Context) (*orchestrator.Ack, error)
	Reconcile(ctx context.Context) (*models.LifecycleRecord, error)
}

type Empty struct{}

type PingResponse struct {
	Msg      string `json:"msg"`
	ServerID string `json:"server_id"`
}

type StatusResponse struct {
	Record *models.LifecycleRecord `json:"record"`
}

type AckResponse struct {
	Token string       `json:"token"`
	Phase models.Phase `json:"phase"`
}

type ReconcileResponse struct {
	Record *models.LifecycleRecord `json:"record"`
	// Mismatch is set when the external state needs operator action.
	Mismatch string `json:"mismatch,omitempty"`
}

// LifecycleService is implemented by LifecycleServer.
type LifecycleService interface {
	Ping(context.Context, *Empty) (*PingResponse, error)
	Status(context.Context, *Empty) (*StatusResponse, error)
	Start(context.Context, *Empty) (*AckResponse, error)
	Stop(context.Context, *Empty) (*AckResponse, error)
	Reconcile(context.Context, *Empty) (*ReconcileResponse, error)
}

type LifecycleServer struct {
	lc     Lifecycle
	log    *zap.Logger
	health *health.Server
}

func NewLifecycleServer(lc Lifecycle, log *zap.Logger) *LifecycleServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &LifecycleServer{lc: lc, log: log, health: health.NewServer()}
}

// RegisterGRPC registers the lifecycle and health services. Health reports
// NOT_SERVING until MarkServing.
func (s *LifecycleServer) RegisterGRPC(gs *grpc.Server) {
	gs.RegisterService(&lifecycleServiceDesc, s)
	healthpb.RegisterHealthServer(gs, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
}

// MarkServing flips health to SERVING once the orchestrator recovered.
func (s *LifecycleServer) MarkServing() {
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
}

// Shutdown reports NOT_SERVING to health checkers.
func (s *LifecycleServer) Shutdown() {
	s.health.Shutdown()
}

func (s *LifecycleServer) Ping(context.Context, *Empty) (*PingResponse, error) {
	return &PingResponse{Msg: "pong from mcpanel", ServerID: s.lc.ServerID()}, nil
}

func (s *LifecycleServer) Status(ctx context.Context, _ *Empty) (*StatusResponse, error) {
	rec, err := s.lc.Status(ctx)
	if err != nil {
		return nil, s.toStatus("status", err)
	}
	return &StatusResponse{Record: rec}, nil
}

func (s *LifecycleServer) Start(ctx context.Context, _ *Empty) (*AckResponse, error) {
	ack, err := s.lc.RequestStart(ctx)
	if err != nil {
		return nil, s.toStatus("start", err)
	}
	return &AckResponse{Token: ack.Token, Phase: ack.Phase}, nil
}

func (s *LifecycleServer) Stop(ctx context.Context, _ *Empty) (*AckResponse, error) {
	ack, err := s.lc.RequestStop(ctx)
	if err != nil {
		return nil, s.toStatus("stop", err)
	}
	return &AckResponse{Token: ack.Token, Phase: ack.Phase}, nil
}

func (s *LifecycleServer) Reconcile(ctx context.Context, _ *Empty) (*ReconcileResponse, error) {
	rec, err := s.lc.Reconcile(ctx)
	var mismatch *orchestrator.MismatchError
	if errors.As(err, &mismatch) && rec != nil {
		return &ReconcileResponse{Record: rec, Mismatch: mismatch.Error()}, nil
	}
	if err != nil {
		return nil, s.toStatus("reconcile", err)
	}
	return &ReconcileResponse{Record: rec}, nil
}

// toStatus maps orchestrator errors onto gRPC codes.
func (s *LifecycleServer) toStatus(op string, err error) error {
	switch {
	case errors.Is(err, orchestrator.ErrPreconditionFailed):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, orchestrator.ErrExternalCallExhausted):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		s.log.Error("lifecycle call", zap.String("op", op), zap.Error(err))
		return status.Error(codes.Internal, err.Error())
	}
}

var lifecycleServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LifecycleService)(nil),
	Methods: []grpc.MethodDesc{
		unary("Ping", LifecycleService.Ping),
		unary("Status", LifecycleService.Status),
		unary("Start", LifecycleService.Start),
		unary("Stop", LifecycleService.Stop),
		unary("Reconcile", LifecycleService.Reconcile),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mcpanel/v1/lifecycle",
}

func unary[Resp any](name string, call func(LifecycleService, context.Context, *Empty) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Empty)
			if err := dec(in); err != nil {
				return nil, err
			}
			svc := srv.(LifecycleService)
			if interceptor == nil {
				return call(svc, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(svc, ctx, req.(*Empty))
			})
		},
	}
}
