// Package client checks the gRPC health endpoint of a blob store server.
package client

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name the server reports readiness
// under.
const ServiceName = "dandi.blobstore"

type HealthClient struct {
	endpointURL string
	conn        *grpc.ClientConn
	client      healthpb.HealthClient
}

// NewHealthClient creates a client for the health endpoint at endpointURL
// (host:port). No connection is made until the first call.
func NewHealthClient(endpointURL string) (*HealthClient, error) {
	conn, err := grpc.NewClient(endpointURL, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc client %s: %w", endpointURL, err)
	}
	return &HealthClient{endpointURL: endpointURL, conn: conn, client: healthpb.NewHealthClient(conn)}, nil
}

// Check returns the serving status the server reports for service. An empty
// service asks for the overall server status.
func (c *HealthClient) Check(ctx context.Context, service string, timeout time.Duration) (healthpb.HealthCheckResponse_ServingStatus, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	resp, err := c.client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func (c *HealthClient) Close() error {
	return c.conn.Close()
}
