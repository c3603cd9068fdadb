package grpcsource

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "fleetagent.controlplane.ControlPlane"

// Server is the server-side contract every RPC handler dispatches to. It is
// implemented by *Backend in backend.go.
type Server interface {
	CreateSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	KeepAlive(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetNext(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Delete(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Complete(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UploadTimeline(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// Client is the client-side contract the hand-written Invoke calls implement.
type Client interface {
	CreateSession(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	KeepAlive(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	DeleteSession(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	GetNext(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Delete(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Complete(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	UploadTimeline(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type client struct {
	cc *grpc.ClientConn
}

// NewClient wraps an established connection as a Client.
func NewClient(cc *grpc.ClientConn) Client {
	return &client{cc: cc}
}

func (c *client) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fmt.Sprintf("/%s/%s", serviceName, method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) CreateSession(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "CreateSession", in, opts...)
}
func (c *client) KeepAlive(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "KeepAlive", in, opts...)
}
func (c *client) DeleteSession(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "DeleteSession", in, opts...)
}
func (c *client) GetNext(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetNext", in, opts...)
}
func (c *client) Delete(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Delete", in, opts...)
}
func (c *client) Complete(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Complete", in, opts...)
}
func (c *client) UploadTimeline(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "UploadTimeline", in, opts...)
}

func handler(name string, call func(Server, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(Server), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fmt.Sprintf("/%s/%s", serviceName, name)}
			wrapped := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(Server), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, wrapped)
		},
	}
}

// ServiceDesc is registered with a *grpc.Server to expose a Server
// implementation, and used implicitly by client.invoke's method paths.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		handler("CreateSession", func(s Server, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
			return s.CreateSession(ctx, in)
		}),
		handler("KeepAlive", func(s Server, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
			return s.KeepAlive(ctx, in)
		}),
		handler("DeleteSession", func(s Server, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
			return s.DeleteSession(ctx, in)
		}),
		handler("GetNext", func(s Server, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
			return s.GetNext(ctx, in)
		}),
		handler("Delete", func(s Server, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
			return s.Delete(ctx, in)
		}),
		handler("Complete", func(s Server, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
			return s.Complete(ctx, in)
		}),
		handler("UploadTimeline", func(s Server, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
			return s.UploadTimeline(ctx, in)
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "controlplane.proto",
}

// RegisterServer registers srv's RPCs on s.
func RegisterServer(s *grpc.Server, srv Server) {
	s.RegisterService(&ServiceDesc, srv)
}
