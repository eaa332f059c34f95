// Package indexer reads the authoritative, delayed transfer feed from a
// Blockscout-compatible REST API.
package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const defaultMaxPages = 50

// APIError represents an error response from the indexer.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("indexer: HTTP %d: %s", e.StatusCode, e.Message)
}

// Transfer is one indexed token transfer.
type Transfer struct {
	TransactionHash string
	From            string
	To              string
	Value           decimal.Decimal
	Timestamp       int64
}

// Transaction is the subset of transaction details the reconciliation needs.
type Transaction struct {
	Hash      string
	From      string
	To        string
	Timestamp int64
}

// Client queries the indexing API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxPages   int
}

// NewClient creates an indexer client for baseURL. A nil httpClient uses a
// client with no timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		maxPages:   defaultMaxPages,
	}
}

type addressRef struct {
	Hash string `json:"hash"`
}

type transferItem struct {
	TransactionHash string     `json:"transaction_hash"`
	From            addressRef `json:"from"`
	To              addressRef `json:"to"`
	Total           struct {
		Value string `json:"value"`
	} `json:"total"`
	Timestamp string `json:"timestamp"`
}

type transferPage struct {
	Items          []transferItem             `json:"items"`
	NextPageParams map[string]json.RawMessage `json:"next_page_params"`
}

// TokenTransfers returns every token transfer touching address, following
// pagination until the feed is exhausted.
func (c *Client) TokenTransfers(ctx context.Context, address common.Address) ([]Transfer, error) {
	path := "/api/v2/addresses/" + url.PathEscape(address.Hex()) + "/token-transfers"

	var (
		out    []Transfer
		params url.Values
	)
	for page := 0; page < c.maxPages; page++ {
		target := path
		if len(params) > 0 {
			target += "?" + params.Encode()
		}

		var resp transferPage
		if err := c.getJSON(ctx, target, &resp); err != nil {
			return nil, err
		}
		for _, item := range resp.Items {
			tr, err := item.toTransfer()
			if err != nil {
				return nil, err
			}
			out = append(out, tr)
		}

		if len(resp.NextPageParams) == 0 {
			return out, nil
		}
		params = url.Values{}
		for k, raw := range resp.NextPageParams {
			params.Set(k, pageParam(raw))
		}
	}
	return out, nil
}

// pageParam renders a next_page_params value as a query value without
// reformatting numbers.
func pageParam(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	if string(raw) == "null" {
		return ""
	}
	return string(raw)
}

func (it transferItem) toTransfer() (Transfer, error) {
	value := decimal.Zero
	if it.Total.Value != "" {
		v, err := decimal.NewFromString(it.Total.Value)
		if err != nil {
			return Transfer{}, fmt.Errorf("parse transfer value %q: %w", it.Total.Value, err)
		}
		value = v
	}
	ts, err := parseTimestamp(it.Timestamp)
	if err != nil {
		return Transfer{}, err
	}
	return Transfer{
		TransactionHash: it.TransactionHash,
		From:            it.From.Hash,
		To:              it.To.Hash,
		Value:           value,
		Timestamp:       ts,
	}, nil
}

// Transaction fetches the details of one transaction.
func (c *Client) Transaction(ctx context.Context, hash string) (Transaction, error) {
	var resp struct {
		Hash      string      `json:"hash"`
		From      addressRef  `json:"from"`
		To        *addressRef `json:"to"`
		Timestamp string      `json:"timestamp"`
	}
	if err := c.getJSON(ctx, "/api/v2/transactions/"+url.PathEscape(hash), &resp); err != nil {
		return Transaction{}, err
	}
	ts, err := parseTimestamp(resp.Timestamp)
	if err != nil {
		return Transaction{}, err
	}
	tx := Transaction{Hash: resp.Hash, From: resp.From.Hash, Timestamp: ts}
	if resp.To != nil {
		tx.To = resp.To.Hash
	}
	return tx, nil
}

func parseTimestamp(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.Unix(), nil
}

func (c *Client) getJSON(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var errResp struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &errResp) == nil && errResp.Message != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: errResp.Message}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
