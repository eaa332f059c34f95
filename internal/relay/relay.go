// Package relay implements the gasless submission protocol: every call fetches
// a fresh account nonce, obtains a single-use account-delegation authorization
// for the delegate contract, and posts the encoded call to a fee-sponsoring
// relay. Calls are never retried here; a failed call must start over with a
// new nonce and authorization.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

const (
	sponsorPath    = "/sponsor-transaction"
	managementPath = "/management-function"
)

// RelayError is a failure reported by the relay or the signing service. Message
// is the response body or the relay's error text, verbatim.
type RelayError struct {
	StatusCode int
	Message    string
}

func (e *RelayError) Error() string {
	if e.StatusCode == 0 {
		return "relay: " + e.Message
	}
	return fmt.Sprintf("relay: HTTP %d: %s", e.StatusCode, e.Message)
}

// NonceSource returns an account's pending nonce. *chain.Client satisfies it.
type NonceSource interface {
	Nonce(ctx context.Context, addr common.Address) (uint64, error)
}

// Call is one contract invocation to relay.
type Call struct {
	Authorizer Authorizer
	Contract   common.Address
	Function   string
	Data       []byte

	// Bookkeeping context forwarded un-encoded.
	Amount      *big.Int
	Recipient   *common.Address
	SubWalletID *uint64
}

// Request is the body posted to the relay.
type Request struct {
	SignerAddress   common.Address    `json:"signerAddress"`
	ContractAddress common.Address    `json:"contractAddress"`
	FunctionName    string            `json:"functionName,omitempty"`
	Data            hexutil.Bytes     `json:"data"`
	Authorization   WireAuthorization `json:"authorization"`
	Amount          string            `json:"amount,omitempty"`
	Recipient       *common.Address   `json:"recipient,omitempty"`
	SubWalletID     *uint64           `json:"subWalletId,omitempty"`
	Deadline        int64             `json:"deadline"`
	ChainID         uint64            `json:"chainId"`
}

type response struct {
	Success         bool   `json:"success"`
	TransactionHash string `json:"transactionHash"`
	Error           string `json:"error"`
}

// Result is a successful relay submission.
type Result struct {
	TransactionHash string
}

// Config configures the relay protocol.
type Config struct {
	BaseURL    string
	ChainID    uint64
	Delegate   common.Address
	Deadline   time.Duration
	HTTPClient *http.Client
}

// Protocol submits calls through the relay.
type Protocol struct {
	nonces     NonceSource
	baseURL    string
	chainID    uint64
	delegate   common.Address
	deadline   time.Duration
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// New builds a relay protocol client.
func New(nonces NonceSource, cfg Config, logger *slog.Logger) *Protocol {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Protocol{
		nonces:     nonces,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		chainID:    cfg.ChainID,
		delegate:   cfg.Delegate,
		deadline:   cfg.Deadline,
		httpClient: client,
		logger:     logger,
		now:        time.Now,
	}
}

// Relay submits a sub-wallet spend through the fee-sponsoring endpoint.
func (p *Protocol) Relay(ctx context.Context, call Call) (Result, error) {
	return p.submit(ctx, sponsorPath, call)
}

// Management submits a guardian management call.
func (p *Protocol) Management(ctx context.Context, call Call) (Result, error) {
	return p.submit(ctx, managementPath, call)
}

// Authorize builds and signs a fresh authorization for signer.
func (p *Protocol) Authorize(ctx context.Context, signer Authorizer) (types.SetCodeAuthorization, error) {
	nonce, err := p.nonces.Nonce(ctx, signer.Address())
	if err != nil {
		return types.SetCodeAuthorization{}, err
	}

	requested := types.SetCodeAuthorization{
		ChainID: *uint256.NewInt(p.chainID),
		Address: p.delegate,
		Nonce:   nonce,
	}
	signed, err := signer.Authorize(ctx, requested)
	if err != nil {
		return types.SetCodeAuthorization{}, err
	}
	if err := checkSigned(requested, signed); err != nil {
		return types.SetCodeAuthorization{}, err
	}
	return signed, nil
}

func (p *Protocol) submit(ctx context.Context, path string, call Call) (Result, error) {
	logger := p.logger.With(
		slog.String("endpoint", path),
		slog.String("signer", call.Authorizer.Address().Hex()),
		slog.String("contract", call.Contract.Hex()),
		slog.String("function", call.Function))

	auth, err := p.Authorize(ctx, call.Authorizer)
	if err != nil {
		logger.Error("authorization failed", slog.Any("error", err))
		return Result{}, err
	}

	req := Request{
		SignerAddress:   call.Authorizer.Address(),
		ContractAddress: call.Contract,
		FunctionName:    call.Function,
		Data:            call.Data,
		Authorization:   toWire(auth),
		Recipient:       call.Recipient,
		SubWalletID:     call.SubWalletID,
		Deadline:        p.now().Add(p.deadline).Unix(),
		ChainID:         p.chainID,
	}
	if call.Amount != nil {
		req.Amount = call.Amount.String()
	}

	res, err := p.post(ctx, path, req)
	if err != nil {
		logger.Error("relay submission failed", slog.Uint64("nonce", auth.Nonce), slog.Any("error", err))
		return Result{}, err
	}
	logger.Info("relay submission accepted", slog.String("tx_hash", res.TransactionHash))
	return res, nil
}

func (p *Protocol) post(ctx context.Context, path string, body Request) (Result, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("marshaling relay request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("creating relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("performing relay request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("reading relay response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, &RelayError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	var out response
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Result{}, fmt.Errorf("decoding relay response: %w", err)
	}
	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = "relay reported failure without a reason"
		}
		return Result{}, &RelayError{Message: msg}
	}
	if out.TransactionHash == "" {
		return Result{}, &RelayError{Message: "relay reported success without a transaction hash"}
	}
	return Result{TransactionHash: out.TransactionHash}, nil
}
