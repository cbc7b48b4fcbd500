package adminrpc

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/matheus3301/chatrelay/internal/ingest"
	"github.com/matheus3301/chatrelay/internal/store"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the admin service of a running daemon.
type Client struct {
	conn   *grpc.ClientConn
	Health grpc_health_v1.HealthClient
}

// Dial connects to the daemon's unix socket.
func Dial(socketPath string, opts ...grpc.DialOption) (*Client, error) {
	return dial("unix://"+socketPath, opts...)
}

func dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn, Health: grpc_health_v1.NewHealthClient(conn)}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, req, out any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, in, resp); err != nil {
		return err
	}
	return fromStruct(resp, out)
}

// Stats returns daemon counters.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	if err := c.call(ctx, statsMethod, struct{}{}, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Ingest submits one raw webhook body.
func (c *Client) Ingest(ctx context.Context, payload []byte, source string) (*ingest.Result, error) {
	var res ingest.Result
	if err := c.call(ctx, ingestMethod, IngestRequest{Payload: string(payload), Source: source}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CreateUser registers an identity.
func (c *Client) CreateUser(ctx context.Context, req CreateUserRequest) (*store.User, error) {
	var u store.User
	if err := c.call(ctx, createUserMethod, req, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Watch streams bus events whose kind starts with prefix to fn until ctx
// ends, the stream fails or fn returns an error.
func (c *Client) Watch(ctx context.Context, prefix string, fn func(WatchEvent) error) error {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], watchMethod)
	if err != nil {
		return err
	}
	req, err := toStruct(WatchRequest{Prefix: prefix})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var evt WatchEvent
		if err := fromStruct(msg, &evt); err != nil {
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}
