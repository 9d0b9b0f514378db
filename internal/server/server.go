package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ppiankov/toolwarden/internal/dlp"
	"github.com/ppiankov/toolwarden/internal/governance"
	"github.com/ppiankov/toolwarden/internal/store"
)

// Config holds gRPC server configuration.
type Config struct {
	Addr    string
	Gateway *governance.Gateway
	Logger  *zap.Logger
}

// Server exposes a governance gateway over gRPC.
type Server struct {
	gw     *governance.Gateway
	logger *zap.Logger
	cfg    Config

	health     *health.Server
	grpcServer *grpc.Server
}

var _ GovernanceServer = (*Server)(nil)

// New creates a gRPC server bound to the given gateway.
func New(cfg Config) (*Server, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("server: gateway is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Server{
		gw:     cfg.Gateway,
		logger: cfg.Logger,
		cfg:    cfg,
		health: health.NewServer(),
	}
	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.logUnary))

	RegisterGovernanceServer(s.grpcServer, s)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return s, nil
}

// Serve starts the gRPC server on the configured address. Blocks until stopped.
func (s *Server) Serve() error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.ServeOn(lis)
}

// ServeOn starts the gRPC server on the given listener. For testing.
func (s *Server) ServeOn(lis net.Listener) error {
	s.logger.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
	return s.grpcServer.Serve(lis)
}

// GracefulStop marks the service as not serving and drains in-flight calls.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	fields := []zap.Field{
		zap.String("method", info.FullMethod),
		zap.Duration("elapsed", time.Since(start)),
	}
	if err != nil {
		s.logger.Warn("grpc call failed", append(fields, zap.Error(err))...)
	} else {
		s.logger.Debug("grpc call", fields...)
	}
	return resp, err
}

// Check implements the Check RPC. The request carries a governance.Request
// and the response a governance.Result.
func (s *Server) Check(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req governance.Request
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.ToolName == "" {
		return nil, status.Error(codes.InvalidArgument, "tool_name is required")
	}
	return reply(s.gw.CheckGovernance(ctx, req))
}

type tokenRequest struct {
	Token string `json:"token"`
}

func (r tokenRequest) validate() error {
	if r.Token == "" {
		return status.Error(codes.InvalidArgument, "token is required")
	}
	return nil
}

// Approve implements the Approve RPC.
func (s *Server) Approve(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req tokenRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	out, err := s.gw.ApproveToken(ctx, req.Token)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "approve: %v", err)
	}
	return reply(out)
}

// Deny implements the Deny RPC.
func (s *Server) Deny(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req tokenRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	out, err := s.gw.DenyToken(ctx, req.Token)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "deny: %v", err)
	}
	return reply(out)
}

// PendingReply is the response of ListPending.
type PendingReply struct {
	Tokens []store.Token `json:"tokens"`
}

// ListPending implements the ListPending RPC.
func (s *Server) ListPending(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	tokens, err := s.gw.PendingTokens(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "list pending: %v", err)
	}
	if tokens == nil {
		tokens = []store.Token{}
	}
	return reply(PendingReply{Tokens: tokens})
}

// Scan implements the Scan RPC. The request carries a
// governance.OutputRequest and the response a dlp.ScanResult.
func (s *Server) Scan(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req governance.OutputRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	res, err := s.gw.ScanOutput(ctx, req)
	if err != nil {
		return nil, outputError(err)
	}
	return reply(res)
}

// RedactReply is the response of Redact.
type RedactReply struct {
	Output string         `json:"output"`
	Scan   dlp.ScanResult `json:"scan"`
}

// Redact implements the Redact RPC.
func (s *Server) Redact(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req governance.OutputRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	redacted, res, err := s.gw.RedactOutput(ctx, req)
	if err != nil {
		return nil, outputError(err)
	}
	return reply(RedactReply{Output: redacted, Scan: res})
}

func outputError(err error) error {
	if errors.Is(err, governance.ErrPolicyInvalid) {
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func reply(v any) (*structpb.Struct, error) {
	out, err := toStruct(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}
