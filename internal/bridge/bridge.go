package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"syscall"

	"github.com/kolo/xmlrpc"
)

// Bridge is the RPC connection used to exchange actions and observations
// with the flowgraph process. Start establishes it, Close tears it down,
// and Call issues remote procedure calls against the control server.
type Bridge interface {
	Start(ctx context.Context) error
	Close() error
	Call(ctx context.Context, method string, args any, reply any) error
}

// IsConnectionRefused reports whether err means the control server has not
// bound its port yet. This is the only condition the connector retries.
func IsConnectionRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

// Option configures Client construction.
type Option func(*Client)

// WithTransport overrides the HTTP transport used for XML-RPC requests.
func WithTransport(transport http.RoundTripper) Option {
	return func(client *Client) {
		client.transport = transport
	}
}

// Client talks XML-RPC to the flowgraph's control server.
//
// GNU Radio flowgraphs generated with an XML-RPC server block expose start,
// stop, and variable accessors on http://host:port/RPC2.
type Client struct {
	url       string
	transport http.RoundTripper

	mu  sync.Mutex
	rpc *xmlrpc.Client
}

// NewClient builds an XML-RPC bridge for the control server at addr (host:port).
func NewClient(addr string, options ...Option) *Client {
	client := &Client{
		url: fmt.Sprintf("http://%s/RPC2", addr),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(client)
	}
	return client
}

// Start establishes the connection by issuing the remote start call.
// A control server that has not bound its port surfaces as connection refused.
func (c *Client) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rpcClient, err := c.ensureRPC()
	if err != nil {
		return err
	}
	if err := rpcClient.Call("start", nil, nil); err != nil {
		return fmt.Errorf("bridge start: %w", err)
	}
	return nil
}

// Call issues one remote procedure call. In-flight calls are not cancelable;
// ctx is only consulted before dispatch.
func (c *Client) Call(ctx context.Context, method string, args any, reply any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rpcClient, err := c.ensureRPC()
	if err != nil {
		return err
	}
	if err := rpcClient.Call(method, args, reply); err != nil {
		return fmt.Errorf("bridge call %s: %w", method, err)
	}
	return nil
}

// Close stops the remote flowgraph best-effort and releases the client.
// Safe to call repeatedly and before Start.
func (c *Client) Close() error {
	c.mu.Lock()
	rpcClient := c.rpc
	c.rpc = nil
	c.mu.Unlock()

	if rpcClient == nil {
		return nil
	}
	// The remote may already be gone; stop is best-effort.
	_ = rpcClient.Call("stop", nil, nil)
	return rpcClient.Close()
}

func (c *Client) ensureRPC() (*xmlrpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpc != nil {
		return c.rpc, nil
	}
	rpcClient, err := xmlrpc.NewClient(c.url, c.transport)
	if err != nil {
		return nil, fmt.Errorf("create xmlrpc client for %s: %w", c.url, err)
	}
	c.rpc = rpcClient
	return rpcClient, nil
}

var _ Bridge = (*Client)(nil)
