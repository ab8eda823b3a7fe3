// Package evmrpc implements the block-polling upstream-adapter family: a
// generic JSON-RPC-over-HTTP client with a fallback transport, watching new
// blocks for subscribed-address activity.
package evmrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/edgeapp/addrhub/internal/config"
	"github.com/edgeapp/addrhub/internal/log"
	"github.com/edgeapp/addrhub/internal/metrics"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// client calls a JSON-RPC method against an ordered list of fallback URLs,
// trying each in turn on error. URLs may contain {{name}} placeholders
// resolved via the service-keys config.
type client struct {
	urls []string
	cfg  *config.Config
	http *http.Client
	log  *log.Logger

	// set by the adapter after construction; nil in tests
	metrics  *metrics.HubMetrics
	pluginID string
}

func newClient(urls []string, cfg *config.Config, logger *log.Logger) *client {
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = 0
	return &client{urls: urls, cfg: cfg, http: rc.StandardClient(), log: logger}
}

// Call tries each fallback URL in order, returning the first successful
// result. The last error is returned if every URL fails.
func (c *client) Call(ctx context.Context, method string, params []any, out any) error {
	var lastErr error
	for _, rawURL := range c.urls {
		result, err := c.callOne(ctx, rawURL, method, params)
		if err != nil {
			lastErr = err
			if c.metrics != nil {
				c.metrics.UpstreamError(c.pluginID, metrics.SafeURL(rawURL)).Inc()
			}
			c.log.Debug("rpc call failed, trying fallback", "method", method, "err", err)
			continue
		}
		if out == nil || len(result) == 0 {
			return nil
		}
		return json.Unmarshal(result, out)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("evmrpc: no URLs configured for method %s", method)
	}
	return lastErr
}

func (c *client) callOne(ctx context.Context, rawURL, method string, params []any) (json.RawMessage, error) {
	resolved := c.cfg.SubstituteURLParams(rawURL)
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, resolved, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("evmrpc: %s returned HTTP %d", rawURL, resp.StatusCode)
	}

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("evmrpc: decode response from %s: %w", rawURL, err)
	}
	if rr.Error != nil {
		return nil, rr.Error
	}
	return rr.Result, nil
}
