package server

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "toolwarden.v1.Governance"

// Method names of the Governance service.
const (
	MethodCheck       = "Check"
	MethodApprove     = "Approve"
	MethodDeny        = "Deny"
	MethodListPending = "ListPending"
	MethodScan        = "Scan"
	MethodRedact      = "Redact"
)

// GovernanceServer is the server API of the Governance service. Messages
// are google.protobuf.Struct values carrying the JSON form of the
// governance types.
type GovernanceServer interface {
	Check(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Approve(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Deny(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListPending(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Scan(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Redact(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(GovernanceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

// ServiceDesc describes the Governance service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GovernanceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodCheck, Handler: unaryHandler(MethodCheck, GovernanceServer.Check)},
		{MethodName: MethodApprove, Handler: unaryHandler(MethodApprove, GovernanceServer.Approve)},
		{MethodName: MethodDeny, Handler: unaryHandler(MethodDeny, GovernanceServer.Deny)},
		{MethodName: MethodListPending, Handler: unaryHandler(MethodListPending, GovernanceServer.ListPending)},
		{MethodName: MethodScan, Handler: unaryHandler(MethodScan, GovernanceServer.Scan)},
		{MethodName: MethodRedact, Handler: unaryHandler(MethodRedact, GovernanceServer.Redact)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "toolwarden/v1/governance.proto",
}

// RegisterGovernanceServer registers srv on s.
func RegisterGovernanceServer(s grpc.ServiceRegistrar, srv GovernanceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unaryHandler(method string, call unaryCall) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(GovernanceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(GovernanceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// FullMethod returns the gRPC path of method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// toStruct converts a JSON-tagged Go value into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("convert message: %w", err)
	}
	return s, nil
}

// fromStruct fills a JSON-tagged Go value from a Struct.
func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("convert message: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	return nil
}
