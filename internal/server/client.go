package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/reactor-jobq/pkg/types"
)

// Client talks to a running admin server.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// Dial connects to addr without transport security plus any extra options.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial admin server %s: %w", addr, err)
	}
	return &Client{conn: conn, health: healthpb.NewHealthClient(conn)}, nil
}

func (c *Client) ListQueues(ctx context.Context) ([]types.QueueStats, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodListQueues, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	var stats []types.QueueStats
	for _, v := range out.GetFields()["queues"].GetListValue().GetValues() {
		stats = append(stats, statsFromStruct(v.GetStructValue()))
	}
	return stats, nil
}

func (c *Client) Resize(ctx context.Context, queue string, concurrency int) (types.QueueStats, error) {
	in := &structpb.Struct{Fields: map[string]*structpb.Value{
		"queue":       structpb.NewStringValue(queue),
		"concurrency": structpb.NewNumberValue(float64(concurrency)),
	}}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodResize, in, out); err != nil {
		return types.QueueStats{}, err
	}
	return statsFromStruct(out), nil
}

// QueueHealth checks the health service registered for queue.
func (c *Client) QueueHealth(ctx context.Context, queue string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService(queue)})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func (c *Client) Close() error { return c.conn.Close() }
