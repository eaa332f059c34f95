// Package client is the JSON client for the agent's HTTP API, used by
// allowancectl.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/congo-pay/allowance/internal/qr"
	"github.com/congo-pay/allowance/internal/subwallet"
	"github.com/congo-pay/allowance/internal/txlog"
)

// Client talks to a running agent.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client targeting baseURL (e.g. "http://localhost:8080").
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// Identity is the public part of a dependent identity.
type Identity struct {
	ID        string `json:"id"`
	Address   string `json:"address"`
	DeviceID  string `json:"device_id"`
	CreatedAt string `json:"created_at"`
}

// LinkStatus reports a polling session.
type LinkStatus struct {
	Dependent string          `json:"dependent"`
	State     string          `json:"state"`
	SubWallet *subwallet.View `json:"sub_wallet,omitempty"`
	Ambiguous bool            `json:"ambiguous,omitempty"`
}

// Lookup is a one-shot correlation result.
type Lookup struct {
	SubWallet subwallet.View   `json:"sub_wallet"`
	Matches   []subwallet.View `json:"matches"`
	Ambiguous bool             `json:"ambiguous"`
}

// SendRequest is a spend from the dependent's sub-wallet. Amount is in display units.
type SendRequest struct {
	Dependent string `json:"dependent"`
	PIN       string `json:"pin"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Wallet    string `json:"wallet,omitempty"`
}

// SendResult is the relay's acceptance of a spend.
type SendResult struct {
	TransactionHash string       `json:"transaction_hash"`
	Wallet          string       `json:"wallet"`
	SubWalletID     uint64       `json:"sub_wallet_id"`
	Amount          string       `json:"amount"`
	Record          txlog.Record `json:"record"`
}

func (c *Client) CreateIdentity(ctx context.Context, pin, deviceID string) (*Identity, error) {
	var out Identity
	body := map[string]string{"pin": pin, "device_id": deviceID}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/identity", body, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) IdentityByDevice(ctx context.Context, deviceID string) (*Identity, error) {
	var out Identity
	path := "/api/v1/identity?device_id=" + url.QueryEscape(deviceID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) QR(ctx context.Context, address string) (*qr.Payload, error) {
	var out qr.Payload
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/identity/"+url.PathEscape(address)+"/qr", nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StartLink(ctx context.Context, dependent string) (*LinkStatus, error) {
	var out LinkStatus
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/link/"+url.PathEscape(dependent), nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) LinkStatus(ctx context.Context, dependent string) (*LinkStatus, error) {
	var out LinkStatus
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/link/"+url.PathEscape(dependent), nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StopLink(ctx context.Context, dependent string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/link/"+url.PathEscape(dependent), nil, nil, nil)
}

func (c *Client) FindSubWallet(ctx context.Context, dependent string) (*Lookup, error) {
	var out Lookup
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/subwallets/"+url.PathEscape(dependent), nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// Send submits a spend. A fresh Idempotency-Key is generated when key is empty.
func (c *Client) Send(ctx context.Context, req SendRequest, key string) (*SendResult, error) {
	if key == "" {
		key = uuid.NewString()
	}
	var out SendResult
	headers := map[string]string{"Idempotency-Key": key}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/payments/send", req, &out, headers); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) History(ctx context.Context, dependent, wallet string) ([]txlog.Record, error) {
	q := url.Values{}
	q.Set("dependent", dependent)
	q.Set("wallet", wallet)
	var out struct {
		Records []txlog.Record `json:"records"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/history?"+q.Encode(), nil, &out, nil); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// APIError represents an error response from the agent.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// doJSON performs an HTTP request with optional JSON body and decodes the JSON response.
// If result is nil, the response body is discarded (for DELETE/204 responses).
func (c *Client) doJSON(ctx context.Context, method, path string, body, result any, headers map[string]string) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
