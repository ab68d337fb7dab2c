// Package api describes the collaboration gRPC service. Request and response
// bodies are google.protobuf.Struct messages whose fields are listed next to
// each method constant.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "atoms.collab.v1.Collab"

// Unary methods.
const (
	MethodJoin           = "Join"           // document_id -> users
	MethodLeave          = "Leave"          // document_id -> released
	MethodAcquireLock    = "AcquireLock"    // document_id, entity_id, lock_type -> acquired, lock
	MethodRefreshLock    = "RefreshLock"    // document_id, entity_id -> refreshed
	MethodReleaseLock    = "ReleaseLock"    // document_id, entity_id -> {}
	MethodListLocks      = "ListLocks"      // document_id -> locks
	MethodUpdateCursor   = "UpdateCursor"   // document_id, cursor -> {}
	MethodPreviewCell    = "PreviewCell"    // document_id, block_id, row_id, column_id, value -> delivered
	MethodListPresence   = "ListPresence"   // document_id -> users
	MethodList           = "List"           // table, parent_id, include_deleted -> records
	MethodCreate         = "Create"         // document_id, table, parent_id, position, data -> record
	MethodUpdate         = "Update"         // document_id, table, parent_id, id, data -> record
	MethodUpdateProperty = "UpdateProperty" // document_id, parent_id, id, property, value -> record
	MethodDelete         = "Delete"         // document_id, table, parent_id, id -> record
	MethodReorder        = "Reorder"        // document_id, table, parent_id, ids -> records
)

// MethodWatch is the server-streaming change feed: table, parent_id -> event*.
const MethodWatch = "Watch"

// FullMethod returns the wire path of a method.
func FullMethod(method string) string { return "/" + ServiceName + "/" + method }

// CollabServer is implemented by the server.
type CollabServer interface {
	Join(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Leave(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AcquireLock(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RefreshLock(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReleaseLock(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListLocks(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateCursor(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PreviewCell(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListPresence(context.Context, *structpb.Struct) (*structpb.Struct, error)
	List(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Create(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Update(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateProperty(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Delete(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Reorder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, WatchServer) error
}

// WatchServer is the server side of the Watch stream.
type WatchServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type watchServer struct{ grpc.ServerStream }

func (w *watchServer) Send(m *structpb.Struct) error { return w.ServerStream.SendMsg(m) }

type unaryFunc func(CollabServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, fn unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if ic == nil {
				return fn(srv.(CollabServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return ic(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(srv.(CollabServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(CollabServer).Watch(in, &watchServer{stream})
}

// ServiceDesc is the grpc service descriptor.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CollabServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodJoin, CollabServer.Join),
		unary(MethodLeave, CollabServer.Leave),
		unary(MethodAcquireLock, CollabServer.AcquireLock),
		unary(MethodRefreshLock, CollabServer.RefreshLock),
		unary(MethodReleaseLock, CollabServer.ReleaseLock),
		unary(MethodListLocks, CollabServer.ListLocks),
		unary(MethodUpdateCursor, CollabServer.UpdateCursor),
		unary(MethodPreviewCell, CollabServer.PreviewCell),
		unary(MethodListPresence, CollabServer.ListPresence),
		unary(MethodList, CollabServer.List),
		unary(MethodCreate, CollabServer.Create),
		unary(MethodUpdate, CollabServer.Update),
		unary(MethodUpdateProperty, CollabServer.UpdateProperty),
		unary(MethodDelete, CollabServer.Delete),
		unary(MethodReorder, CollabServer.Reorder),
	},
	Streams: []grpc.StreamDesc{
		{StreamName: MethodWatch, Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "atoms/collab/v1/collab.proto",
}

// RegisterCollabServer registers srv on s.
func RegisterCollabServer(s grpc.ServiceRegistrar, srv CollabServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls the collaboration service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection.
func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

// Call invokes a unary method.
func (c *Client) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// WatchClient receives change events.
type WatchClient struct {
	grpc.ClientStream
}

// Recv blocks for the next event.
func (w *WatchClient) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := w.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Watch opens the change stream.
func (c *Client) Watch(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*WatchClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], FullMethod(MethodWatch), opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &WatchClient{stream}, nil
}
