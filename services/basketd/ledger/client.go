// Package ledger implements the basket ledger gateway as a JSON-RPC client of
// a ledger node.
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

	"github.com/holiman/uint256"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"basketchain/native/basket"
	"basketchain/observability"
)

const jsonRPCVersion = "2.0"

// RPC method names served by the ledger node.
const (
	MethodTransferNative     = "ledger_transferNative"
	MethodAssociateAsset     = "ledger_associateAsset"
	MethodIssueSupply        = "ledger_issueSupply"
	MethodDestroySupply      = "ledger_destroySupply"
	MethodTransferAssetUnits = "ledger_transferAssetUnits"
	MethodGetAccountState    = "ledger_getAccountState"
)

// Config represents the client configuration.
type Config struct {
	URL       string
	AuthToken string
	// Timeout caps a single HTTP exchange. Saga steps apply their own
	// deadline through the request context.
	Timeout   time.Duration
	Transport http.RoundTripper
}

// Client provides a thin JSON-RPC wrapper over the ledger node.
type Client struct {
	url        string
	authToken  string
	httpClient *http.Client
	metrics    *observability.LedgerMetrics
	nextID     atomic.Int64
}

// NewClient constructs a JSON-RPC client targeting the supplied URL.
func NewClient(cfg Config) (*Client, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, fmt.Errorf("ledger: rpc url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	base := cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	return &Client{
		url:       url,
		authToken: strings.TrimSpace(cfg.AuthToken),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(base),
		},
		metrics: observability.Ledger(),
	}, nil
}

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("ledger: rpc error %d: %s", e.Code, e.Message)
}

type transferNativeParams struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type associateParams struct {
	Account string `json:"account"`
	TokenID string `json:"tokenId"`
}

type supplyParams struct {
	TokenID string `json:"tokenId"`
	Amount  string `json:"amount"`
}

type transferUnitsParams struct {
	TokenID string `json:"tokenId"`
	From    string `json:"from"`
	To      string `json:"to"`
	Amount  string `json:"amount"`
}

type txResult struct {
	TxRef string `json:"txRef"`
}

type accountResult struct {
	AccountID     string            `json:"accountId"`
	NativeBalance string            `json:"nativeBalance"`
	Units         map[string]string `json:"units"`
}

func (c *Client) TransferNative(ctx context.Context, from, to string, amount *uint256.Int) (basket.TxRef, error) {
	return c.submit(ctx, MethodTransferNative, transferNativeParams{From: from, To: to, Amount: rawString(amount)})
}

// AssociateAsset returns an empty reference when the node reports the account
// as already associated.
func (c *Client) AssociateAsset(ctx context.Context, account, tokenID string) (basket.TxRef, error) {
	return c.submit(ctx, MethodAssociateAsset, associateParams{Account: account, TokenID: tokenID})
}

func (c *Client) IssueSupply(ctx context.Context, tokenID string, amount *uint256.Int) (basket.TxRef, error) {
	return c.submit(ctx, MethodIssueSupply, supplyParams{TokenID: tokenID, Amount: rawString(amount)})
}

func (c *Client) DestroySupply(ctx context.Context, tokenID string, amount *uint256.Int) (basket.TxRef, error) {
	return c.submit(ctx, MethodDestroySupply, supplyParams{TokenID: tokenID, Amount: rawString(amount)})
}

func (c *Client) TransferAssetUnits(ctx context.Context, tokenID, from, to string, amount *uint256.Int) (basket.TxRef, error) {
	return c.submit(ctx, MethodTransferAssetUnits, transferUnitsParams{TokenID: tokenID, From: from, To: to, Amount: rawString(amount)})
}

func (c *Client) GetAccountState(ctx context.Context, accountID string) (basket.AccountState, error) {
	var result accountResult
	if err := c.call(ctx, MethodGetAccountState, []interface{}{accountID}, &result); err != nil {
		return basket.AccountState{}, err
	}
	balance, err := basket.ParseRaw(result.NativeBalance)
	if err != nil {
		return basket.AccountState{}, fmt.Errorf("ledger: native balance: %w", err)
	}
	state := basket.AccountState{
		AccountID:     strings.TrimSpace(result.AccountID),
		NativeBalance: balance,
		Units:         make(map[string]*uint256.Int, len(result.Units)),
	}
	if state.AccountID == "" {
		state.AccountID = accountID
	}
	for tokenID, value := range result.Units {
		units, err := basket.ParseRaw(value)
		if err != nil {
			return basket.AccountState{}, fmt.Errorf("ledger: units of %s: %w", tokenID, err)
		}
		state.Units[tokenID] = units
	}
	return state, nil
}

func (c *Client) submit(ctx context.Context, method string, params interface{}) (basket.TxRef, error) {
	var result txResult
	if err := c.call(ctx, method, []interface{}{params}, &result); err != nil {
		return "", err
	}
	return basket.TxRef(strings.TrimSpace(result.TxRef)), nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if c == nil || c.httpClient == nil {
		return fmt.Errorf("ledger: client not configured")
	}
	start := time.Now()
	err := c.roundTrip(ctx, method, params, out)
	c.metrics.ObserveCall(method, time.Since(start), err)
	return err
}

func (c *Client) roundTrip(ctx context.Context, method string, params []interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	buf, err := json.Marshal(rpcRequest{JSONRPC: jsonRPCVersion, ID: id, Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ledger: %s: %w", method, err)
	}
	defer resp.Body.Close()
	// The node has seen the request from here on. Anything short of a
	// well-formed reply to this id leaves the call's effect unknown.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("ledger: %s: read response: %w: %w", method, basket.ErrUnconfirmed, err)
	}
	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		if resp.StatusCode == http.StatusGatewayTimeout {
			return fmt.Errorf("ledger: %s: %w: status %d", method, basket.ErrUnconfirmed, resp.StatusCode)
		}
		if resp.StatusCode >= 300 {
			return fmt.Errorf("ledger: unexpected status %d", resp.StatusCode)
		}
		return fmt.Errorf("ledger: %s: decode response: %w: %w", method, basket.ErrUnconfirmed, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ledger: unexpected status %d", resp.StatusCode)
	}
	if rpcResp.ID != id {
		return fmt.Errorf("ledger: %s: %w: response id %d does not match request %d", method, basket.ErrUnconfirmed, rpcResp.ID, id)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("ledger: %s: %w: empty result", method, basket.ErrUnconfirmed)
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("ledger: %s: decode result: %w: %w", method, basket.ErrUnconfirmed, err)
	}
	return nil
}

func rawString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

var _ basket.LedgerGateway = (*Client)(nil)
