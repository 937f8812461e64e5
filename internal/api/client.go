package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the Control service of a running daemon.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes a unary method with args as the request Struct.
func (c *Client) Call(ctx context.Context, method string, args map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(args)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// CallInto is Call followed by decoding the reply into out.
func (c *Client) CallInto(ctx context.Context, method string, args map[string]any, out any) error {
	reply, err := c.Call(ctx, method, args)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := fromStruct(reply, out); err != nil {
		return fmt.Errorf("decode %s reply: %w", method, err)
	}
	return nil
}

// WatchEvents opens the event stream filtered by kind prefix.
func (c *Client) WatchEvents(ctx context.Context, prefix string) (Control_WatchEventsClient, error) {
	desc := &Control_ServiceDesc.Streams[0]
	st, err := c.conn.NewStream(ctx, desc, "/"+ServiceName+"/"+MethodWatchEvents)
	if err != nil {
		return nil, err
	}
	stream := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: st}
	in, err := structpb.NewStruct(map[string]any{"prefix": prefix})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return stream, nil
}

// Status returns the daemon status.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	out, err := c.Call(ctx, MethodStatus, nil)
	if err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}
