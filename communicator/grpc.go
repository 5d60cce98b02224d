// Copyright 2022 Sogang University
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package communicator

import (
	"context"
	"errors"

	"github.com/golang/glog"
	"github.com/golang/protobuf/ptypes/empty"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName = "leveler.Coordinator"

	exchangeMethod = "/" + serviceName + "/Exchange"
	finalizeMethod = "/" + serviceName + "/Finalize"
)

// CoordinatorServer is the server API for Coordinator service.
type CoordinatorServer interface {
	Exchange(context.Context, *ExchangeRequest) (*ExchangeResponse, error)
	Finalize(context.Context, *wrapperspb.Int64Value) (*empty.Empty, error)
}

// coordinatorServer implements the server API for Coordinator service.
type coordinatorServer struct {
	coordinator *Coordinator
}

// NewCoordinatorServer creates a new coordinator server.
func NewCoordinatorServer(coordinator *Coordinator) CoordinatorServer {
	return &coordinatorServer{coordinator: coordinator}
}

// Exchange reconciles the calling process with the aggregate view.
func (s *coordinatorServer) Exchange(ctx context.Context, in *ExchangeRequest) (*ExchangeResponse, error) {
	out, err := s.coordinator.Handle(*in)
	if errors.Is(err, ErrInvalidProcess) {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	} else if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &out, nil
}

// Finalize records that the calling process has terminated.
func (s *coordinatorServer) Finalize(ctx context.Context, in *wrapperspb.Int64Value) (*empty.Empty, error) {
	glog.Infof("Finalize called from process %d", in.GetValue())
	defer glog.Flush()

	if err := s.coordinator.Finalize(int(in.GetValue())); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return new(empty.Empty), nil
}

func exchangeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ExchangeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServer).Exchange(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: exchangeMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CoordinatorServer).Exchange(ctx, req.(*ExchangeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func finalizeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.Int64Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServer).Finalize(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: finalizeMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CoordinatorServer).Finalize(ctx, req.(*wrapperspb.Int64Value))
	}
	return interceptor(ctx, in, info, handler)
}

// coordinatorServiceDesc is the grpc.ServiceDesc for Coordinator service.
var coordinatorServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*CoordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Exchange",
			Handler:    exchangeHandler,
		},
		{
			MethodName: "Finalize",
			Handler:    finalizeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "coordinator.proto",
}

// RegisterCoordinatorServer registers the given server to the service registrar.
func RegisterCoordinatorServer(s grpc.ServiceRegistrar, srv CoordinatorServer) {
	s.RegisterService(&coordinatorServiceDesc, srv)
}

// NewServer creates a new gRPC server hosting the given coordinator. The
// server recovers from panics in the handlers.
func NewServer(coordinator *Coordinator, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.ForceServerCodec(codec{}),
		grpc.ChainUnaryInterceptor(
			grpc_recovery.UnaryServerInterceptor(),
		),
	}, opts...)
	server := grpc.NewServer(opts...)
	RegisterCoordinatorServer(server, NewCoordinatorServer(coordinator))

	return server
}

// GRPC is the transport to a coordinator served over gRPC.
type GRPC struct {
	conn *grpc.ClientConn
}

// DialGRPC creates a new transport to the coordinator at the given address.
func DialGRPC(ctx context.Context, addr string, opts ...grpc.DialOption) (*GRPC, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(codec{})),
	}, opts...)
	conn, err := grpc.DialContext(ctx, addr, opts...)
	if err != nil {
		return nil, err
	}
	return &GRPC{conn: conn}, nil
}

func (t *GRPC) Exchange(ctx context.Context, req ExchangeRequest) (ExchangeResponse, error) {
	out := new(ExchangeResponse)
	if err := t.conn.Invoke(ctx, exchangeMethod, &req, out); err != nil {
		return ExchangeResponse{}, err
	}
	return *out, nil
}

func (t *GRPC) Finalize(ctx context.Context, processID int) error {
	return t.conn.Invoke(ctx, finalizeMethod, wrapperspb.Int64(int64(processID)), new(empty.Empty))
}

func (t *GRPC) Close() error {
	return t.conn.Close()
}
