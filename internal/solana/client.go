package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	logx "github.com/dustinyejun/monitor-bot/pkg/logx"
)

const (
	defaultRequestTimeout = 10 * time.Second
	rpcRetryMax           = 3
)

// RPCError is a JSON-RPC level failure (the node answered, the call failed).
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Client is a Solana JSON-RPC client with multi-endpoint failover.
//
// Failover contract: an endpoint that times out or errors is marked failed and
// the client rotates to the next unfailed one. Once every endpoint has failed
// the failed set is reset and rotation starts over from the front.
type Client struct {
	endpoints []string
	http      *http.Client
	log       logx.Logger

	mu     sync.Mutex
	idx    int
	failed map[string]struct{}
	reqID  uint64
}

func NewClient(endpoints []string, timeout time.Duration, log logx.Logger) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("solana: at least one rpc endpoint is required")
	}
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{
		endpoints: append([]string(nil), endpoints...),
		http:      &http.Client{Timeout: timeout},
		log:       log,
		failed:    map[string]struct{}{},
	}, nil
}

func (c *Client) current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoints[c.idx]
}

// markFailedAndRotate records the endpoint as failed and moves to the next
// unfailed one. Returns false only transiently; with all endpoints failed the
// set is cleared and the first endpoint is retried.
func (c *Client) markFailedAndRotate(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failed[url] = struct{}{}
	if len(c.failed) >= len(c.endpoints) {
		c.log.Warn("all rpc endpoints failed; resetting failover state")
		c.failed = map[string]struct{}{}
		c.idx = 0
		return
	}
	for i := 1; i <= len(c.endpoints); i++ {
		next := (c.idx + i) % len(c.endpoints)
		if _, bad := c.failed[c.endpoints[next]]; !bad {
			c.idx = next
			c.log.Info("switched rpc endpoint", logx.String("endpoint", c.endpoints[next]))
			return
		}
	}
}

func (c *Client) nextReqID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqID++
	return c.reqID
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// call performs one JSON-RPC method with retry, backoff and endpoint rotation.
func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextReqID(),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < rpcRetryMax; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		url := c.current()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			c.markFailedAndRotate(url)
			if !sleepCtx(ctx, backoffFor(attempt)) {
				return ctx.Err()
			}
			continue
		}

		var rr rpcResponse
		decErr := json.NewDecoder(resp.Body).Decode(&rr)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("http status %d from %s", resp.StatusCode, url)
			c.markFailedAndRotate(url)
			if !sleepCtx(ctx, backoffFor(attempt)) {
				return ctx.Err()
			}
			continue
		}
		if decErr != nil {
			lastErr = fmt.Errorf("decode rpc response: %w", decErr)
			c.markFailedAndRotate(url)
			if !sleepCtx(ctx, backoffFor(attempt)) {
				return ctx.Err()
			}
			continue
		}
		if rr.Error != nil {
			// The node answered; this is a call-level error, not a node failure.
			return rr.Error
		}
		if out != nil && len(rr.Result) > 0 {
			return json.Unmarshal(rr.Result, out)
		}
		return nil
	}
	return fmt.Errorf("rpc %s: retries exhausted: %w", method, lastErr)
}

func backoffFor(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// HealthCheck probes the current node.
func (c *Client) HealthCheck(ctx context.Context) error {
	var status string
	if err := c.call(ctx, "getHealth", nil, &status); err != nil {
		return err
	}
	if status != "ok" {
		return fmt.Errorf("node unhealthy: %s", status)
	}
	return nil
}

// GetSignatures returns signatures for an address, newest first. until bounds
// the page at the previous cursor (exclusive); empty means no bound.
func (c *Client) GetSignatures(ctx context.Context, address, until string, limit int) ([]SignatureInfo, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	opts := map[string]any{
		"limit":      limit,
		"commitment": "confirmed",
	}
	if until != "" {
		opts["until"] = until
	}
	var out []SignatureInfo
	if err := c.call(ctx, "getSignaturesForAddress", []any{address, opts}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetTransaction fetches a parsed transaction. Returns (nil, nil) when the
// node no longer has it.
func (c *Client) GetTransaction(ctx context.Context, signature string) (*Transaction, error) {
	var raw struct {
		Slot      uint64 `json:"slot"`
		BlockTime *int64 `json:"blockTime"`
		Meta      *struct {
			Err          any      `json:"err"`
			Fee          uint64   `json:"fee"`
			PreBalances  []uint64 `json:"preBalances"`
			PostBalances []uint64 `json:"postBalances"`
		} `json:"meta"`
		Transaction struct {
			Message struct {
				AccountKeys  json.RawMessage `json:"accountKeys"`
				Instructions []Instruction   `json:"instructions"`
			} `json:"message"`
		} `json:"transaction"`
	}
	opts := map[string]any{
		"encoding":                       "jsonParsed",
		"commitment":                     "confirmed",
		"maxSupportedTransactionVersion": 0,
	}
	err := c.call(ctx, "getTransaction", []any{signature, opts}, &raw)
	if err != nil {
		return nil, err
	}
	if raw.Slot == 0 && raw.Meta == nil {
		return nil, nil
	}

	tx := &Transaction{
		Signature:    signature,
		Slot:         raw.Slot,
		BlockTime:    raw.BlockTime,
		Accounts:     decodeAccountKeys(raw.Transaction.Message.AccountKeys),
		Instructions: raw.Transaction.Message.Instructions,
	}
	if raw.Meta != nil {
		tx.Err = raw.Meta.Err
		tx.Fee = raw.Meta.Fee
		tx.PreBalances = raw.Meta.PreBalances
		tx.PostBalances = raw.Meta.PostBalances
	}
	return tx, nil
}

// decodeAccountKeys accepts both the plain-string and the jsonParsed
// object form ({"pubkey": ...}).
func decodeAccountKeys(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var plain []string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain
	}
	var objs []struct {
		Pubkey string `json:"pubkey"`
	}
	if err := json.Unmarshal(raw, &objs); err == nil {
		out := make([]string, 0, len(objs))
		for _, o := range objs {
			out = append(out, o.Pubkey)
		}
		return out
	}
	return nil
}

// Endpoints reports failover state for diagnostics.
func (c *Client) Endpoints() (current string, failedCount int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoints[c.idx], len(c.failed)
}
