package client

import (
	"context"
	"encoding/json"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-hse-approvals/internal/directory"
)

// Identity directory RPCs. Messages are google.protobuf.Struct.
const (
	identityGetUserMethod        = "/platform.identity.v1.DirectoryService/GetUser"
	identityFindByJobTitleMethod = "/platform.identity.v1.DirectoryService/FindActiveByJobTitle"
)

// IdentityGRPCClient implements directory.Store against the platform
// identity service.
type IdentityGRPCClient struct {
	conn    grpc.ClientConnInterface
	closer  func() error
	timeout time.Duration
}

// NewIdentityGRPCClient dials the identity gRPC service and returns a client.
// Incoming metadata is forwarded so the caller's token reaches identity.
func NewIdentityGRPCClient(addr string, timeout time.Duration) (*IdentityGRPCClient, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(forwardMetadata),
	)
	if err != nil {
		return nil, err
	}
	c := NewIdentityClientFromConn(conn, timeout)
	c.closer = conn.Close
	return c, nil
}

// NewIdentityClientFromConn wraps an existing connection.
func NewIdentityClientFromConn(conn grpc.ClientConnInterface, timeout time.Duration) *IdentityGRPCClient {
	return &IdentityGRPCClient{conn: conn, timeout: timeout}
}

// Close releases the underlying gRPC connection.
func (c *IdentityGRPCClient) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

// GetUser returns nil, nil when identity answers NotFound.
func (c *IdentityGRPCClient) GetUser(ctx context.Context, id string) (*directory.User, error) {
	var out struct {
		User *directory.User `json:"user"`
	}
	err := c.call(ctx, identityGetUserMethod, map[string]interface{}{"id": id}, &out)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out.User, nil
}

// FindActiveByJobTitle returns active users holding jobTitle.
func (c *IdentityGRPCClient) FindActiveByJobTitle(ctx context.Context, jobTitle string) ([]*directory.User, error) {
	var out struct {
		Users []*directory.User `json:"users"`
	}
	if err := c.call(ctx, identityFindByJobTitleMethod, map[string]interface{}{"job_title": jobTitle}, &out); err != nil {
		return nil, err
	}
	active := out.Users[:0]
	for _, u := range out.Users {
		if u != nil && u.Active {
			active = append(active, u)
		}
	}
	return active, nil
}

func (c *IdentityGRPCClient) call(ctx context.Context, method string, in map[string]interface{}, out interface{}) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := structpb.NewStruct(in)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return err
	}

	raw, err := resp.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

var _ directory.Store = (*IdentityGRPCClient)(nil)
