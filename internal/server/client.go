package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/fleetwork/internal/node"
	"github.com/ChuLiYu/fleetwork/pkg/types"
)

// Client calls the admin server of a node.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// Dial connects to the admin server at addr.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn, health: healthpb.NewHealthClient(conn)}
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) invoke(ctx context.Context, method string, in map[string]interface{}) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, out); err != nil {
		return nil, fromStatus(method, err)
	}
	return out, nil
}

// RunTask runs a task on the process of jobID.
func (c *Client) RunTask(ctx context.Context, jobID types.JobID, name string, args json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	in := map[string]interface{}{
		"job_id":     string(jobID),
		"task":       name,
		"timeout_ms": float64(timeout.Milliseconds()),
	}
	if len(args) > 0 {
		var a interface{}
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, fmt.Errorf("task args are not JSON: %w", err)
		}
		in["args"] = a
	}
	out, err := c.invoke(ctx, "RunTask", in)
	if err != nil {
		return nil, err
	}
	v, ok := out.Fields["result"]
	if !ok {
		return nil, nil
	}
	return json.Marshal(v.AsInterface())
}

// GatherMetrics returns the process metrics of every node.
func (c *Client) GatherMetrics(ctx context.Context) (map[types.NodeID][]types.ProcessMetrics, error) {
	out, err := c.invoke(ctx, "GatherMetrics", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Nodes map[types.NodeID][]types.ProcessMetrics `json:"nodes"`
	}
	if err := fromStruct(out, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode metrics: %w", err)
	}
	if resp.Nodes == nil {
		resp.Nodes = map[types.NodeID][]types.ProcessMetrics{}
	}
	return resp.Nodes, nil
}

// KillJob fails jobID and kills its process cluster-wide.
func (c *Client) KillJob(ctx context.Context, jobID types.JobID) error {
	_, err := c.invoke(ctx, "KillJob", map[string]interface{}{"job_id": string(jobID)})
	return err
}

// Status returns the node status.
func (c *Client) Status(ctx context.Context) (node.Status, error) {
	out, err := c.invoke(ctx, "Status", nil)
	if err != nil {
		return node.Status{}, err
	}
	var st node.Status
	if err := fromStruct(out, &st); err != nil {
		return node.Status{}, fmt.Errorf("failed to decode status: %w", err)
	}
	return st, nil
}

// Leading reports whether the node is leader according to its health service.
func (c *Client) Leading(ctx context.Context) (bool, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: LeaderHealthService})
	if err != nil {
		return false, err
	}
	return resp.Status == healthpb.HealthCheckResponse_SERVING, nil
}
