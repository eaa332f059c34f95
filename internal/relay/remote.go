package relay

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	signMethod = "eth_sign7702Authorization"

	// AppIDHeader identifies the calling application to the signing service.
	AppIDHeader = "X-App-Id"
	// RequestSignatureHeader carries the RequestSigner signature.
	RequestSignatureHeader = "X-Authorization-Signature"
)

// RequestSigner signs outgoing signer API requests with a P-256 key.
type RequestSigner struct {
	key *ecdsa.PrivateKey
}

// NewRequestSigner parses a hex-encoded P-256 private scalar.
func NewRequestSigner(hexKey string) (*RequestSigner, error) {
	raw, err := hexutil.Decode(ensure0x(strings.TrimSpace(hexKey)))
	if err != nil {
		return nil, fmt.Errorf("decode request key: %w", err)
	}
	curve := elliptic.P256()
	d := new(big.Int).SetBytes(raw)
	if d.Sign() == 0 || d.Cmp(curve.Params().N) >= 0 {
		return nil, errors.New("request key out of range for P-256")
	}
	key := &ecdsa.PrivateKey{D: d}
	key.PublicKey.Curve = curve
	key.PublicKey.X, key.PublicKey.Y = curve.ScalarBaseMult(raw)
	return &RequestSigner{key: key}, nil
}

// PublicKey returns the verification key registered with the signing service.
func (s *RequestSigner) PublicKey() *ecdsa.PublicKey {
	return &s.key.PublicKey
}

// Sign returns a base64 ASN.1 signature over the canonical JSON of the request.
func (s *RequestSigner) Sign(method, target string, body []byte, headers map[string]string) (string, error) {
	payload, err := CanonicalRequest(method, target, body, headers)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(payload)
	sig, err := ecdsa.SignASN1(rand.Reader, s.key, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign request: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// CanonicalRequest is the byte string a request signature covers: the method,
// URL, JSON body and signed headers as one JSON object with sorted keys.
func CanonicalRequest(method, target string, body []byte, headers map[string]string) ([]byte, error) {
	var decoded any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode request body: %w", err)
	}
	return json.Marshal(map[string]any{
		"version": 1,
		"method":  method,
		"url":     target,
		"body":    decoded,
		"headers": headers,
	})
}

// RemoteConfig describes the remote authorization signing service.
type RemoteConfig struct {
	BaseURL     string
	WalletID    string
	AppID       string
	AccessToken string
	Address     common.Address
	Signer      *RequestSigner
	HTTPClient  *http.Client
}

// RemoteAuthorizer obtains authorizations from a hosted signing service, the
// guardian's case.
type RemoteAuthorizer struct {
	cfg        RemoteConfig
	httpClient *http.Client
}

// NewRemoteAuthorizer builds an authorizer for the wallet cfg.WalletID.
func NewRemoteAuthorizer(cfg RemoteConfig) *RemoteAuthorizer {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &RemoteAuthorizer{cfg: cfg, httpClient: client}
}

func (a *RemoteAuthorizer) Address() common.Address {
	return a.cfg.Address
}

type signRequest struct {
	Method string     `json:"method"`
	Params signParams `json:"params"`
}

type signParams struct {
	Contract common.Address `json:"contract"`
	ChainID  uint64         `json:"chain_id"`
	Nonce    uint64         `json:"nonce"`
}

func (a *RemoteAuthorizer) Authorize(ctx context.Context, auth types.SetCodeAuthorization) (types.SetCodeAuthorization, error) {
	body, err := json.Marshal(signRequest{
		Method: signMethod,
		Params: signParams{Contract: auth.Address, ChainID: auth.ChainID.Uint64(), Nonce: auth.Nonce},
	})
	if err != nil {
		return types.SetCodeAuthorization{}, fmt.Errorf("marshaling sign request: %w", err)
	}

	target := a.cfg.BaseURL + "/v1/wallets/" + url.PathEscape(a.cfg.WalletID) + "/rpc"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return types.SetCodeAuthorization{}, fmt.Errorf("creating sign request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.AccessToken)
	req.Header.Set(AppIDHeader, a.cfg.AppID)
	if a.cfg.Signer != nil {
		sig, err := a.cfg.Signer.Sign(http.MethodPost, target, body, map[string]string{AppIDHeader: a.cfg.AppID})
		if err != nil {
			return types.SetCodeAuthorization{}, err
		}
		req.Header.Set(RequestSignatureHeader, sig)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return types.SetCodeAuthorization{}, fmt.Errorf("performing sign request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.SetCodeAuthorization{}, fmt.Errorf("reading sign response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return types.SetCodeAuthorization{}, &RelayError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	sig, err := DecodeSignature(respBody)
	if err != nil {
		return types.SetCodeAuthorization{}, err
	}
	return sig.apply(auth)
}

func ensure0x(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}
