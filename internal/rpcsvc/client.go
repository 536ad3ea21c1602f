package rpcsvc

import (
	"context"
	"crypto/tls"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// Client is a thin typed wrapper over a *grpc.ClientConn dialed with the
// package's jsonCodec forced, so flux's CLI binaries can call the control
// plane without protoc-generated stubs.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr with tlsConfig for mTLS, forcing the JSON codec on
// every call this Client issues.
func Dial(addr string, tlsConfig *tls.Config) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) Lookup(ctx context.Context, req *LookupRequest) (*LookupResponse, error) {
	resp := new(LookupResponse)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/Lookup", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Exec(ctx context.Context, req *ExecRequest) (*ExecResponse, error) {
	resp := new(ExecResponse)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/Exec", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Write(ctx context.Context, req *WriteRequest) (*Empty, error) {
	resp := new(Empty)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/Write", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Kill(ctx context.Context, req *KillRequest) (*Empty, error) {
	resp := new(Empty)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/Kill", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) List(ctx context.Context) (*ListResponse, error) {
	resp := new(ListResponse)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/List", &Empty{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Wait(ctx context.Context, req *WaitRequest) (*WaitResponse, error) {
	resp := new(WaitResponse)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/Wait", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// EventlogWatch opens the server-streaming EventlogWatch call and returns
// the raw grpc.ClientStream for the caller to RecvMsg(&StreamEvent{}) on.
func (c *Client) EventlogWatch(ctx context.Context, req *WatchRequest) (grpc.ClientStream, error) {
	desc := &grpc.StreamDesc{StreamName: "EventlogWatch", ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, "/"+ServiceName+"/EventlogWatch")
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return stream, nil
}
