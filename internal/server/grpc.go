package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/matt-riley/gatez/internal/service"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const gateServiceName = "gatez.v1.GateService"

const (
	enabledFullMethod    = "/" + gateServiceName + "/Enabled"
	gateValuesFullMethod = "/" + gateServiceName + "/GateValues"
)

// GateServiceServer is the server side of gatez.v1.GateService. Requests and
// responses are google.protobuf.Struct documents shaped like the HTTP API's
// JSON bodies.
type GateServiceServer interface {
	Enabled(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GateValues(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// GateServiceDesc describes gatez.v1.GateService for grpc.Server.RegisterService.
var GateServiceDesc = grpc.ServiceDesc{
	ServiceName: gateServiceName,
	HandlerType: (*GateServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Enabled", Handler: enabledHandler},
		{MethodName: "GateValues", Handler: gateValuesHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gatez/v1/gate_service",
}

func RegisterGateServiceServer(registrar grpc.ServiceRegistrar, srv GateServiceServer) {
	registrar.RegisterService(&GateServiceDesc, srv)
}

func enabledHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unaryHandler(srv, ctx, dec, interceptor, enabledFullMethod, GateServiceServer.Enabled)
}

func gateValuesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unaryHandler(srv, ctx, dec, interceptor, gateValuesFullMethod, GateServiceServer.GateValues)
}

func unaryHandler(
	srv any,
	ctx context.Context,
	dec func(any) error,
	interceptor grpc.UnaryServerInterceptor,
	fullMethod string,
	call func(GateServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error),
) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return call(srv.(GateServiceServer), ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return call(srv.(GateServiceServer), ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// GateServiceClient calls gatez.v1.GateService.
type GateServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewGateServiceClient(cc grpc.ClientConnInterface) *GateServiceClient {
	return &GateServiceClient{cc: cc}
}

func (c *GateServiceClient) Enabled(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, enabledFullMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *GateServiceClient) GateValues(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, gateValuesFullMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GRPCServer implements GateServiceServer on top of the gate service.
type GRPCServer struct {
	service Service
}

var _ GateServiceServer = (*GRPCServer)(nil)

// NewGRPCServer panics if svc is nil.
func NewGRPCServer(svc Service) *GRPCServer {
	if svc == nil {
		panic("service is nil")
	}
	return &GRPCServer{service: svc}
}

// Enabled accepts {"key", "actor"} or {"keys", "actor"} and answers with
// {"results": [{"key", "enabled", "gate"}]}.
func (s *GRPCServer) Enabled(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var request checkRequest
	if err := decodeStruct(req, &request); err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid request")
	}

	key := strings.TrimSpace(request.Key)
	var results []checkResult
	switch {
	case key != "" && len(request.Keys) > 0:
		return nil, status.Error(codes.InvalidArgument, "use either key or keys")
	case key != "":
		decision, err := s.service.Decide(ctx, key, request.Actor)
		if err != nil {
			return nil, toGRPCError(err)
		}
		results = []checkResult{newCheckResult(key, decision)}
	case len(request.Keys) > 0:
		for idx, k := range request.Keys {
			if strings.TrimSpace(k) == "" {
				return nil, status.Error(codes.InvalidArgument, fmt.Sprintf("keys[%d] is required", idx))
			}
		}
		snapshot, err := s.service.Preload(ctx, request.Keys)
		if err != nil {
			return nil, toGRPCError(err)
		}
		results = make([]checkResult, 0, len(request.Keys))
		for _, k := range request.Keys {
			results = append(results, newCheckResult(k, snapshot.Decide(k, request.Actor)))
		}
	default:
		return nil, status.Error(codes.InvalidArgument, "key or keys is required")
	}

	return encodeStruct(checkResponse{Results: results})
}

// GateValues accepts {"key"} and answers with the feature's key, state and
// gate values.
func (s *GRPCServer) GateValues(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key := strings.TrimSpace(req.GetFields()["key"].GetStringValue())
	if key == "" {
		return nil, status.Error(codes.InvalidArgument, "key is required")
	}

	values, err := s.service.Feature(ctx, key)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return encodeStruct(newFeatureJSON(key, values))
}

func toGRPCError(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case isInvalidArgumentError(err):
		return status.Error(codes.InvalidArgument, serviceErrorMessage(err))
	case errors.Is(err, service.ErrFeatureNotFound):
		return status.Error(codes.NotFound, "feature not found")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	default:
		return status.Error(codes.Internal, "internal server error")
	}
}

// decodeStruct maps a Struct onto dst through its JSON form so gRPC and HTTP
// share request types and decoding rules.
func decodeStruct(in *structpb.Struct, dst any) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	payload, err := protojson.Marshal(in)
	if err != nil {
		return err
	}

	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	decoder.UseNumber()
	return decoder.Decode(dst)
}

func encodeStruct(payload any) (*structpb.Struct, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, status.Error(codes.Internal, "internal server error")
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Error(codes.Internal, "internal server error")
	}
	return out, nil
}
