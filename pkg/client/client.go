// Package client is a typed Go client for the firewall node HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/Mindburn-Labs/helm-firewall/pkg/api"
	"github.com/Mindburn-Labs/helm-firewall/pkg/callhash"
	"github.com/Mindburn-Labs/helm-firewall/pkg/chain"
)

// APIError is returned when the node responds with a non-2xx status.
type APIError struct {
	Status  int
	Problem api.ProblemDetail
}

func (e *APIError) Error() string {
	return fmt.Sprintf("firewall api %d: %s: %s", e.Status, e.Problem.Title, e.Problem.Detail)
}

// Client talks to one node.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

type Option func(*Client)

// WithToken sets the bearer token used for transaction submission.
func WithToken(token string) Option {
	return func(c *Client) { c.Token = token }
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr.Problem); err != nil {
			apiErr.Problem.Title = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Health is the node status returned by GET /health.
type Health struct {
	Status  string `json:"status"`
	ChainID uint64 `json:"chain_id"`
	Block   uint64 `json:"block"`
	Head    string `json:"head"`
}

func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Submit sends msgs as one transaction from the token's origin. A reverted
// transaction returns an *APIError whose Problem.ReceiptID names the receipt.
func (c *Client) Submit(ctx context.Context, msgs ...chain.Message) (*chain.Receipt, error) {
	req := api.TransactionRequest{Messages: make([]api.MessageRequest, len(msgs))}
	for i, m := range msgs {
		req.Messages[i] = api.MessageRequest{To: m.To, Data: m.Data}
		if m.Value != nil {
			req.Messages[i].Value = m.Value.Dec()
		}
	}
	var out chain.Receipt
	if err := c.do(ctx, http.MethodPost, "/v1/transactions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CallHash asks the node to hash call.
func (c *Client) CallHash(ctx context.Context, call callhash.Call) (common.Hash, error) {
	value := call.Value
	if value == nil {
		value = new(uint256.Int)
	}
	body := map[string]any{
		"consumer": call.Consumer,
		"sender":   call.Sender,
		"origin":   call.Origin,
		"data":     hexutil.Bytes(call.Data),
		"value":    value.Dec(),
	}
	var out struct {
		Hash common.Hash `json:"hash"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/callhash", body, &out); err != nil {
		return common.Hash{}, err
	}
	return out.Hash, nil
}

// Nonce returns the next approval nonce of signer at policy.
func (c *Client) Nonce(ctx context.Context, policy, signer common.Address) (uint64, error) {
	var out struct {
		Nonce uint64 `json:"nonce"`
	}
	path := "/v1/policies/" + policy.Hex() + "/nonces/" + signer.Hex()
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return 0, err
	}
	return out.Nonce, nil
}

// Receipts lists up to limit receipts after block afterBlock.
func (c *Client) Receipts(ctx context.Context, afterBlock uint64, limit int) ([]*chain.Receipt, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatUint(afterBlock, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Receipts []*chain.Receipt `json:"receipts"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/receipts?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Receipts, nil
}

func (c *Client) Receipt(ctx context.Context, id string) (*chain.Receipt, error) {
	var out chain.Receipt
	if err := c.do(ctx, http.MethodGet, "/v1/receipts/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
