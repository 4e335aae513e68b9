package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding/proto"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Client calls the lifecycle service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to target without TLS; extra options are appended.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}
	conn, err := grpc.NewClient(target, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) Ping(ctx context.Context) (*PingResponse, error) {
	out := new(PingResponse)
	return out, c.invoke(ctx, "Ping", out)
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	out := new(StatusResponse)
	return out, c.invoke(ctx, "Status", out)
}

func (c *Client) Start(ctx context.Context) (*AckResponse, error) {
	out := new(AckResponse)
	return out, c.invoke(ctx, "Start", out)
}

func (c *Client) Stop(ctx context.Context) (*AckResponse, error) {
	out := new(AckResponse)
	return out, c.invoke(ctx, "Stop", out)
}

func (c *Client) Reconcile(ctx context.Context) (*ReconcileResponse, error) {
	out := new(ReconcileResponse)
	return out, c.invoke(ctx, "Reconcile", out)
}

// Health checks the lifecycle service through the standard health API.
func (c *Client) Health(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx,
		&healthpb.HealthCheckRequest{Service: ServiceName},
		grpc.CallContentSubtype(proto.Name))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func (c *Client) invoke(ctx context.Context, method string, out any) error {
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, &Empty{}, out)
}
