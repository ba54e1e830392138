package remote

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

var (
	ErrUnknownService = errors.New("remote: unknown service")
	ErrUnavailable    = errors.New("remote: service unavailable")
)

// Client wraps the gRPC health service of a running API.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// Dial creates a new client with sensible defaults (insecure transport).
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, health: healthpb.NewHealthClient(conn)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Status is the outcome of one health check.
type Status struct {
	Serving bool
	Version string
}

// Check asks the server about service ("" means the whole server).
func (c *Client) Check(ctx context.Context, service, requestID string) (Status, error) {
	if requestID != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "x-request-id", requestID)
	}
	var header metadata.MD
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service}, grpc.Header(&header))
	if err != nil {
		return Status{}, mapHealthError(err)
	}
	st := Status{Serving: resp.GetStatus() == healthpb.HealthCheckResponse_SERVING}
	if v := header.Get("x-service-version"); len(v) > 0 {
		st.Version = strings.TrimSpace(v[0])
	}
	return st, nil
}

func mapHealthError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return ErrUnknownService
	case codes.Unavailable, codes.DeadlineExceeded:
		return errors.Join(ErrUnavailable, err)
	default:
		return err
	}
}
