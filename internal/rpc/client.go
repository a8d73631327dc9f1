package rpc

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls campaign service procedures with Struct payloads
type Client struct {
	httpClient connect.HTTPClient
	baseURL    string
	opts       []connect.ClientOption

	mu      sync.Mutex
	clients map[string]*connect.Client[structpb.Struct, structpb.Struct]
}

// NewClient creates a client for the service at baseURL
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		opts:       opts,
		clients:    make(map[string]*connect.Client[structpb.Struct, structpb.Struct]),
	}
}

// Call invokes procedure with the given request fields
func (c *Client) Call(ctx context.Context, procedure string, req map[string]interface{}) (*structpb.Struct, error) {
	msg, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	resp, err := c.client(procedure).CallUnary(ctx, connect.NewRequest(msg))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) client(procedure string) *connect.Client[structpb.Struct, structpb.Struct] {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.clients[procedure]
	if !ok {
		cl = connect.NewClient[structpb.Struct, structpb.Struct](c.httpClient, c.baseURL+procedure, c.opts...)
		c.clients[procedure] = cl
	}
	return cl
}
