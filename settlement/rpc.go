package settlement

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
)

// RPCClient calls the settlement node's escrow_* JSON-RPC methods.
type RPCClient struct {
	client *rpc.Client
}

// NewRPCClient dials the node over HTTP(S) or WS(S). HTTP endpoints are not
// contacted until the first call.
func NewRPCClient(ctx context.Context, rawURL, authToken string, timeout time.Duration) (*RPCClient, error) {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	opts := []rpc.ClientOption{rpc.WithHTTPClient(&http.Client{Timeout: timeout})}
	if token := strings.TrimSpace(authToken); token != "" {
		opts = append(opts, rpc.WithHTTPAuth(func(h http.Header) error {
			h.Set("Authorization", "Bearer "+token)
			return nil
		}))
	}
	client, err := rpc.DialOptions(ctx, strings.TrimSpace(rawURL), opts...)
	if err != nil {
		return nil, fmt.Errorf("settlement: dial rpc: %w", err)
	}
	return &RPCClient{client: client}, nil
}

// Call invokes method with a single params object and decodes the result into out.
func (c *RPCClient) Call(ctx context.Context, method string, params, out any) error {
	if err := c.client.CallContext(ctx, out, method, params); err != nil {
		var httpErr rpc.HTTPError
		if errors.As(err, &httpErr) {
			return fmt.Errorf("settlement: %s failed: status=%d: %w", method, httpErr.StatusCode, err)
		}
		return fmt.Errorf("settlement: %s: %w", method, err)
	}
	return nil
}

func (c *RPCClient) Close() {
	c.client.Close()
}
