// Package api is the daemon's control surface: one gRPC service on the
// account's Unix socket. Requests and replies are google.protobuf.Struct
// values, so the service needs no generated code; the descriptor below is
// the hand-written equivalent of protoc-gen-go-grpc output.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "sealdm.v1.Control"

// Method names.
const (
	MethodStatus          = "Status"
	MethodInitKeys        = "InitKeys"
	MethodTransferKeys    = "TransferKeys"
	MethodUnlock          = "Unlock"
	MethodLogout          = "Logout"
	MethodOpenRoom        = "OpenRoom"
	MethodSend            = "Send"
	MethodResend          = "Resend"
	MethodMessages        = "Messages"
	MethodLoadOlder       = "LoadOlder"
	MethodMarkRead        = "MarkRead"
	MethodEdit            = "Edit"
	MethodDelete          = "Delete"
	MethodRetryDecryption = "RetryDecryption"
	MethodDevice          = "Device"
	MethodTyping          = "Typing"
	MethodWatchEvents     = "WatchEvents"
)

// ControlServer is the server API for the Control service.
type ControlServer interface {
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	InitKeys(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TransferKeys(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Unlock(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Logout(context.Context, *structpb.Struct) (*structpb.Struct, error)
	OpenRoom(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Send(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Resend(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Messages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LoadOlder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Edit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Delete(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryDecryption(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Device(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Typing(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, Control_WatchEventsServer) error
}

// Control_WatchEventsServer is the server side of the event stream.
type Control_WatchEventsServer = grpc.ServerStreamingServer[structpb.Struct]

// Control_WatchEventsClient is the client side of the event stream.
type Control_WatchEventsClient = grpc.ServerStreamingClient[structpb.Struct]

type unaryMethod func(ControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + name,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ControlServer).WatchEvents(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// Control_ServiceDesc is the grpc.ServiceDesc for the Control service.
var Control_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodStatus, ControlServer.Status),
		unary(MethodInitKeys, ControlServer.InitKeys),
		unary(MethodTransferKeys, ControlServer.TransferKeys),
		unary(MethodUnlock, ControlServer.Unlock),
		unary(MethodLogout, ControlServer.Logout),
		unary(MethodOpenRoom, ControlServer.OpenRoom),
		unary(MethodSend, ControlServer.Send),
		unary(MethodResend, ControlServer.Resend),
		unary(MethodMessages, ControlServer.Messages),
		unary(MethodLoadOlder, ControlServer.LoadOlder),
		unary(MethodMarkRead, ControlServer.MarkRead),
		unary(MethodEdit, ControlServer.Edit),
		unary(MethodDelete, ControlServer.Delete),
		unary(MethodRetryDecryption, ControlServer.RetryDecryption),
		unary(MethodDevice, ControlServer.Device),
		unary(MethodTyping, ControlServer.Typing),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchEvents,
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "sealdm/v1/control.proto",
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&Control_ServiceDesc, srv)
}
