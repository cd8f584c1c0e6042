package rpc

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// Client is a task service client over an insecure channel.
// It is safe for concurrent use; the underlying connection is shared by all calls.
type Client struct {
	Logger *zap.SugaredLogger

	conn *grpc.ClientConn
	stub TaskServiceClient
}

type ClientOption func(c *Client)

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("rpc_client").Sugar()
	}
}

// Dial creates a client for target (host:port). The connection is established lazily on the first call.
func Dial(target string, opts ...ClientOption) (*Client, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("creating gRPC client for %s: %w", target, err)
	}
	c := &Client{
		Logger: zap.NewNop().Sugar(),
		conn:   conn,
		stub:   NewTaskServiceClient(conn),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// RunCommand calls the service.
//
// If the call fails with a response trailer attached (the command never ran), both the decoded
// response and the status error are returned. Otherwise a non-nil error comes with a nil response.
func (c *Client) RunCommand(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	var trailer metadata.MD
	resp, err := c.stub.RunCommand(ctx, req, grpc.Trailer(&trailer))
	if err != nil {
		c.Logger.Debugw("RunCommand failed", "Command", req.Command, "Error", err)
		if payload, ok := ResponseFromTrailer(trailer); ok {
			return payload, err
		}
		return nil, err
	}
	return resp, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
