package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"taskledger/internal/config"
	"taskledger/internal/metrics"
)

// RPC is a Client backed by a Solana JSON-RPC endpoint.
type RPC struct {
	URL     string
	HTTP    *http.Client
	Timeout time.Duration
	Retry   RetryPolicy
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	nextID atomic.Uint64
}

var _ Client = (*RPC)(nil)

// NewHTTPClient returns a pooled client; per-call deadlines come from the
// request context.
func NewHTTPClient() *http.Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &http.Client{Transport: tr}
}

func NewRPC(cfg config.RPCConfig, m *metrics.Metrics, logger *slog.Logger) *RPC {
	if logger == nil {
		logger = slog.Default()
	}
	return &RPC{
		URL:     cfg.URL,
		HTTP:    NewHTTPClient(),
		Timeout: cfg.Timeout,
		Retry:   RetryPolicy{Attempts: cfg.Retry.Attempts, Initial: cfg.Retry.Initial, Max: cfg.Retry.Max},
		Metrics: m,
		Logger:  logger,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func (c *RPC) ListProgramSignatures(ctx context.Context, programID string, opts SignatureOptions) ([]SignatureInfo, error) {
	params := map[string]any{"commitment": "confirmed"}
	if opts.Limit > 0 {
		params["limit"] = opts.Limit
	}
	if opts.Before != "" {
		params["before"] = opts.Before
	}
	var out []SignatureInfo
	if err := c.call(ctx, "getSignaturesForAddress", []any{programID, params}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RPC) GetTransaction(ctx context.Context, signature string) (*Transaction, error) {
	var out *Transaction
	params := map[string]any{
		"encoding":                       "json",
		"commitment":                     "confirmed",
		"maxSupportedTransactionVersion": 0,
	}
	if err := c.call(ctx, "getTransaction", []any{signature, params}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RPC) call(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return err
	}
	policy := c.Retry
	if policy.Attempts == 0 {
		policy = DefaultRetryPolicy
	}
	onRetry := func(attempt int, err error) {
		c.Metrics.RPCRetry(method)
		c.logger().WarnContext(ctx, "rpc retry", "method", method, "attempt", attempt, "err", err)
	}
	err = Retry(ctx, policy, func(ctx context.Context) error {
		return c.once(ctx, method, body, out)
	}, onRetry)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

func (c *RPC) once(ctx context.Context, method string, body []byte, out any) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		c.Metrics.RPC(method, "transport")
		return err
	}
	defer resp.Body.Close()
	c.Metrics.RPC(method, strconv.Itoa(resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: string(snippet)}
	}
	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &decodeError{err: err}
	}
	if rr.Error != nil {
		return rr.Error
	}
	if len(rr.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return &decodeError{err: err}
	}
	return nil
}

func (c *RPC) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *RPC) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
