package transport

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "spacker.transport.MigrationService"

// RegisterMigrationServiceServer registers h to answer every method in
// Transport on s.
func RegisterMigrationServiceServer(s *grpc.Server, h Handler) {
	s.RegisterService(&migrationServiceDesc, h)
}

// NewGRPCClient returns a Transport that invokes RPCs over cc using the
// JSON codec registered in codec.go.
func NewGRPCClient(cc *grpc.ClientConn) Transport {
	return &grpcClient{cc: cc}
}

type grpcClient struct {
	cc *grpc.ClientConn
}

func (c *grpcClient) invoke(ctx context.Context, method string, in, out interface{}) error {
	return c.cc.Invoke(ctx, method, in, out, grpc.CallContentSubtype(codecName))
}

func (c *grpcClient) DispatchStateToTask(ctx context.Context, req *DispatchStateToTaskRequest) (*DispatchStateToTaskResponse, error) {
	out := new(DispatchStateToTaskResponse)
	if err := c.invoke(ctx, "/"+serviceName+"/DispatchStateToTask", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *grpcClient) DispatchState(ctx context.Context, req *DispatchStateRequest) (*DispatchStateResponse, error) {
	out := new(DispatchStateResponse)
	if err := c.invoke(ctx, "/"+serviceName+"/DispatchState", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *grpcClient) UpdateBackupKeyGroups(ctx context.Context, req *UpdateBackupKeyGroupsRequest) (*UpdateBackupKeyGroupsResponse, error) {
	out := new(UpdateBackupKeyGroupsResponse)
	if err := c.invoke(ctx, "/"+serviceName+"/UpdateBackupKeyGroups", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *grpcClient) AcknowledgeReconfig(ctx context.Context, req *AcknowledgeReconfigRequest) (*AcknowledgeReconfigResponse, error) {
	out := new(AcknowledgeReconfigResponse)
	if err := c.invoke(ctx, "/"+serviceName+"/AcknowledgeReconfig", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *grpcClient) DeclineReconfig(ctx context.Context, req *DeclineReconfigRequest) (*DeclineReconfigResponse, error) {
	out := new(DeclineReconfigResponse)
	if err := c.invoke(ctx, "/"+serviceName+"/DeclineReconfig", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

var migrationServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "DispatchStateToTask", Handler: dispatchStateToTaskHandler},
		{MethodName: "DispatchState", Handler: dispatchStateHandler},
		{MethodName: "UpdateBackupKeyGroups", Handler: updateBackupKeyGroupsHandler},
		{MethodName: "AcknowledgeReconfig", Handler: acknowledgeReconfigHandler},
		{MethodName: "DeclineReconfig", Handler: declineReconfigHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pkg/transport/grpc.go",
}

func dispatchStateToTaskHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DispatchStateToTaskRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).DispatchStateToTask(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/DispatchStateToTask"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Handler).DispatchStateToTask(ctx, req.(*DispatchStateToTaskRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func dispatchStateHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DispatchStateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).DispatchState(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/DispatchState"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Handler).DispatchState(ctx, req.(*DispatchStateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func updateBackupKeyGroupsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(UpdateBackupKeyGroupsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).UpdateBackupKeyGroups(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/UpdateBackupKeyGroups"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Handler).UpdateBackupKeyGroups(ctx, req.(*UpdateBackupKeyGroupsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func acknowledgeReconfigHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(AcknowledgeReconfigRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).AcknowledgeReconfig(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/AcknowledgeReconfig"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Handler).AcknowledgeReconfig(ctx, req.(*AcknowledgeReconfigRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func declineReconfigHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DeclineReconfigRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).DeclineReconfig(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/DeclineReconfig"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Handler).DeclineReconfig(ctx, req.(*DeclineReconfigRequest))
	}
	return interceptor(ctx, in, info, handler)
}
