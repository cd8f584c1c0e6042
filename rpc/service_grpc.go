package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const (
	ServiceName          = "taskgate.TaskService"
	RunCommandFullMethod = "/" + ServiceName + "/RunCommand"
)

// TaskServiceServer is the server API for the task service.
type TaskServiceServer interface {
	RunCommand(ctx context.Context, req *CommandRequest) (*CommandResponse, error)
}

// TaskServiceClient is the client API for the task service.
type TaskServiceClient interface {
	RunCommand(ctx context.Context, req *CommandRequest, opts ...grpc.CallOption) (*CommandResponse, error)
}

type taskServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewTaskServiceClient(cc grpc.ClientConnInterface) TaskServiceClient {
	return &taskServiceClient{cc: cc}
}

func (c *taskServiceClient) RunCommand(ctx context.Context, req *CommandRequest, opts ...grpc.CallOption) (*CommandResponse, error) {
	out := new(CommandResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	err := c.cc.Invoke(ctx, RunCommandFullMethod, req, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func RegisterTaskServiceServer(s grpc.ServiceRegistrar, srv TaskServiceServer) {
	s.RegisterService(&TaskServiceDesc, srv)
}

func runCommandHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CommandRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TaskServiceServer).RunCommand(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: RunCommandFullMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TaskServiceServer).RunCommand(ctx, req.(*CommandRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var TaskServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TaskServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RunCommand",
			Handler:    runCommandHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "taskgate.proto",
}
