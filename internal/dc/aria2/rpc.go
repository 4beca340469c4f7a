package aria2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/italolelis/leech_relay/internal/logctx"
)

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is an error object returned by aria2 for a well-formed call, e.g. an
// unknown GID or a bad secret.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("aria2 rpc error %d: %s", e.Code, e.Message)
}

// call invokes method and decodes its result into out. A failure to reach the
// daemon or to understand its answer drops the cached connection.
func (c *Client) call(ctx context.Context, method string, out interface{}, params ...interface{}) error {
	logger := logctx.LoggerFromContext(ctx).With("method", method)

	if c.secret != "" {
		params = append([]interface{}{"token:" + c.secret}, params...)
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      strconv.FormatUint(c.ids.Add(1), 10),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", method, err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.connected.Store(false)
		logger.Debug("aria2 request failed", "err", err)

		return fmt.Errorf("aria2 %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		c.connected.Store(false)

		return fmt.Errorf("aria2 %s: failed to read response: %w", method, err)
	}

	var rr rpcResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		c.connected.Store(false)
		logger.Debug("undecodable aria2 response", "status", resp.StatusCode, "body", string(raw))

		if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
			return fmt.Errorf("aria2 %s: http %d", method, resp.StatusCode)
		}

		return fmt.Errorf("aria2 %s: failed to decode response: %w", method, err)
	}

	// aria2 answers rpc errors with a 4xx status and an error object
	if rr.Error != nil {
		return rr.Error
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("aria2 %s: http %d", method, resp.StatusCode)
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(rr.Result, out); err != nil {
		return fmt.Errorf("aria2 %s: failed to decode result: %w", method, err)
	}

	return nil
}
