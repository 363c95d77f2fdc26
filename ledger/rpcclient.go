package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// RPCClient implements Client against the consensus gateway's JSON-RPC
// endpoint. Transport faults classify as transient; RPC-level rejections as
// permanent.
type RPCClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

func NewRPCClient(baseURL, authToken string) *RPCClient {
	return &RPCClient{
		baseURL:   strings.TrimSpace(baseURL),
		authToken: strings.TrimSpace(authToken),
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcErrorObj    `json:"error"`
}

type rpcErrorObj struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type invokeParams struct {
	Function string   `json:"function"`
	Args     []string `json:"args"`
}

func (c *RPCClient) Submit(ctx context.Context, function string, args ...string) ([]byte, error) {
	var result json.RawMessage
	if err := c.call(ctx, "ledger_submit", invokeParams{Function: function, Args: args}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *RPCClient) Evaluate(ctx context.Context, function string, args ...string) ([]byte, error) {
	var result json.RawMessage
	if err := c.call(ctx, "ledger_evaluate", invokeParams{Function: function, Args: args}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *RPCClient) QueryTransactionByID(ctx context.Context, txID string) (*CommittedTransaction, error) {
	var result CommittedTransaction
	if err := c.call(ctx, "ledger_getTransaction", map[string]string{"txId": txID}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

type ledgerEvent struct {
	Sequence int64           `json:"sequence"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
}

// Subscribe polls the gateway's event feed and invokes fn for every event of
// the requested type. It blocks until ctx is cancelled; transient poll
// failures back off and resume from the last delivered sequence.
func (c *RPCClient) Subscribe(ctx context.Context, event string, fn func(payload []byte)) error {
	var cursor int64
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		var events []ledgerEvent
		params := map[string]interface{}{"after": cursor, "limit": 100}
		if err := c.call(ctx, "ledger_eventsSince", params, &events); err != nil {
			if IsTransient(err) {
				continue
			}
			return err
		}
		for _, evt := range events {
			if evt.Sequence > cursor {
				cursor = evt.Sequence
			}
			if evt.Type == event {
				fn(evt.Payload)
			}
		}
	}
}

func (c *RPCClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	body := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  []interface{}{params},
		ID:      c.nextID.Add(1),
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Transient(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return Transient(fmt.Errorf("gateway rpc %s: status %d", method, resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return Permanent(fmt.Errorf("gateway rpc %s: status %d body %s", method, resp.StatusCode, string(payload)))
	}
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return Transient(err)
	}
	if rpcResp.Error != nil {
		return Permanent(fmt.Errorf("gateway rpc %s: %s", method, rpcResp.Error.Message))
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return Permanent(fmt.Errorf("gateway rpc %s: empty result", method))
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return Permanent(err)
	}
	return nil
}
