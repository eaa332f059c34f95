package relay

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/congo-pay/allowance/internal/logging"
)

const testChainID = 84532

var (
	delegate = common.HexToAddress("0x00000000000000000000000000000000000de1e9")
	wallet   = common.HexToAddress("0x000000000000000000000000000000000000a001")
)

type countingNonces struct {
	mu    sync.Mutex
	next  uint64
	calls int
}

func (n *countingNonces) Nonce(context.Context, common.Address) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	v := n.next
	n.next++
	return v, nil
}

type relayServer struct {
	mu       sync.Mutex
	paths    []string
	requests []Request
	status   int
	body     string
}

func (s *relayServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var req Request
	data, _ := io.ReadAll(r.Body)
	_ = json.Unmarshal(data, &req)
	s.paths = append(s.paths, r.URL.Path)
	s.requests = append(s.requests, req)
	if s.status != 0 {
		w.WriteHeader(s.status)
	}
	_, _ = w.Write([]byte(s.body))
}

func newProtocol(t *testing.T, srv *relayServer, nonces NonceSource) *Protocol {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	p := New(nonces, Config{BaseURL: ts.URL, ChainID: testChainID, Delegate: delegate, Deadline: 10 * time.Minute}, logging.Discard())
	p.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return p
}

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func TestRelaySignsFreshAuthorizationPerCall(t *testing.T) {
	srv := &relayServer{body: `{"success":true,"transactionHash":"0xT1"}`}
	nonces := &countingNonces{next: 7}
	p := newProtocol(t, srv, nonces)
	key := mustKey(t)
	signer := NewLocalAuthorizer(key)

	recipient := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	id := uint64(3)
	call := Call{
		Authorizer:  signer,
		Contract:    wallet,
		Function:    "spend",
		Data:        []byte{0xde, 0xad},
		Amount:      big.NewInt(25_000_000),
		Recipient:   &recipient,
		SubWalletID: &id,
	}

	for i := 0; i < 2; i++ {
		res, err := p.Relay(context.Background(), call)
		if err != nil {
			t.Fatalf("relay %d: %v", i, err)
		}
		if res.TransactionHash != "0xT1" {
			t.Fatalf("unexpected hash %q", res.TransactionHash)
		}
	}

	if nonces.calls != 2 {
		t.Fatalf("expected a nonce fetch per call, got %d", nonces.calls)
	}
	if len(srv.requests) != 2 || srv.paths[0] != sponsorPath {
		t.Fatalf("unexpected relay traffic %v", srv.paths)
	}
	first, second := srv.requests[0], srv.requests[1]
	if first.Authorization.Nonce != 7 || second.Authorization.Nonce != 8 {
		t.Fatalf("expected nonces 7 and 8, got %d and %d", first.Authorization.Nonce, second.Authorization.Nonce)
	}
	if first.Authorization.R == second.Authorization.R {
		t.Fatal("expected distinct signatures per call")
	}
	if first.Authorization.Address != delegate || first.Authorization.ChainID != testChainID {
		t.Fatalf("unexpected authorization %+v", first.Authorization)
	}
	if first.SignerAddress != signer.Address() || first.ContractAddress != wallet {
		t.Fatalf("unexpected addresses %+v", first)
	}
	if first.Amount != "25000000" || first.Recipient == nil || *first.Recipient != recipient || first.SubWalletID == nil || *first.SubWalletID != 3 {
		t.Fatalf("missing bookkeeping context %+v", first)
	}
	if first.Deadline != 1_700_000_000+600 || first.ChainID != testChainID {
		t.Fatalf("unexpected metadata deadline=%d chain=%d", first.Deadline, first.ChainID)
	}

	// The posted authorization must recover to the signer.
	wire := first.Authorization
	auth := types.SetCodeAuthorization{
		ChainID: *uint256.NewInt(wire.ChainID),
		Address: wire.Address,
		Nonce:   wire.Nonce,
		V:       wire.YParity,
		R:       *uint256.MustFromHex(wire.R),
		S:       *uint256.MustFromHex(wire.S),
	}
	authority, err := auth.Authority()
	if err != nil {
		t.Fatalf("recover authority: %v", err)
	}
	if authority != signer.Address() {
		t.Fatalf("authority %s does not match signer %s", authority.Hex(), signer.Address().Hex())
	}
}

func TestRelaySurfacesHTTPBodyVerbatim(t *testing.T) {
	srv := &relayServer{status: http.StatusBadRequest, body: "execution reverted: limit exceeded"}
	p := newProtocol(t, srv, &countingNonces{})

	_, err := p.Relay(context.Background(), Call{Authorizer: NewLocalAuthorizer(mustKey(t)), Contract: wallet})
	var relayErr *RelayError
	if !errors.As(err, &relayErr) {
		t.Fatalf("expected *RelayError, got %T: %v", err, err)
	}
	if relayErr.StatusCode != http.StatusBadRequest || relayErr.Message != "execution reverted: limit exceeded" {
		t.Fatalf("unexpected relay error %+v", relayErr)
	}
}

func TestRelayReportedFailure(t *testing.T) {
	srv := &relayServer{body: `{"success":false,"error":"sponsor budget exhausted"}`}
	p := newProtocol(t, srv, &countingNonces{})

	_, err := p.Management(context.Background(), Call{Authorizer: NewLocalAuthorizer(mustKey(t)), Contract: wallet})
	var relayErr *RelayError
	if !errors.As(err, &relayErr) || relayErr.Message != "sponsor budget exhausted" {
		t.Fatalf("expected relay-reported reason, got %v", err)
	}
	if srv.paths[0] != managementPath {
		t.Fatalf("expected management endpoint, got %s", srv.paths[0])
	}
}

// signerService emulates the remote signing API with a real key.
type signerService struct {
	t       *testing.T
	key     *ecdsa.PrivateKey
	shape   string
	pub     *ecdsa.PublicKey
	headers http.Header
	body    []byte
	url     string
}

func (s *signerService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.headers = r.Header.Clone()
	s.body, _ = io.ReadAll(r.Body)
	s.url = "http://" + r.Host + r.URL.Path

	var req signRequest
	if err := json.Unmarshal(s.body, &req); err != nil || req.Method != signMethod {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	auth := types.SetCodeAuthorization{
		ChainID: *uint256.NewInt(req.Params.ChainID),
		Address: req.Params.Contract,
		Nonce:   req.Params.Nonce,
	}
	signed, err := types.SignSetCode(s.key, auth)
	if err != nil {
		s.t.Errorf("sign: %v", err)
		return
	}
	raw := make([]byte, 65)
	rb, sb := signed.R.Bytes32(), signed.S.Bytes32()
	copy(raw[:32], rb[:])
	copy(raw[32:64], sb[:])
	raw[64] = signed.V + 27

	switch s.shape {
	case "authorization":
		fmt.Fprintf(w, `{"data":{"authorization":{"address":%q,"chain_id":%d,"nonce":"%d","r":%q,"s":%q,"y_parity":%d}}}`,
			signed.Address.Hex(), req.Params.ChainID, signed.Nonce, signed.R.Hex(), signed.S.Hex(), signed.V)
	case "string":
		fmt.Fprintf(w, `{"data":{"signature":%q}}`, hexutil.Encode(raw))
	case "wrapped":
		fmt.Fprintf(w, `{"data":{"signature":{"signature":%q}}}`, hexutil.Encode(raw))
	default:
		fmt.Fprint(w, `{"data":{}}`)
	}
}

func TestRemoteAuthorizerAcceptsAllShapes(t *testing.T) {
	guardianKey := mustKey(t)
	guardian := crypto.PubkeyToAddress(guardianKey.PublicKey)
	requestSigner, err := NewRequestSigner("0x1f2e3d4c5b6a79881f2e3d4c5b6a79881f2e3d4c5b6a79881f2e3d4c5b6a7988")
	if err != nil {
		t.Fatalf("request signer: %v", err)
	}

	for _, shape := range []string{"authorization", "string", "wrapped"} {
		t.Run(shape, func(t *testing.T) {
			svc := &signerService{t: t, key: guardianKey, shape: shape}
			ts := httptest.NewServer(svc)
			defer ts.Close()

			authorizer := NewRemoteAuthorizer(RemoteConfig{
				BaseURL:     ts.URL,
				WalletID:    "wallet-1",
				AppID:       "app-1",
				AccessToken: "token-1",
				Address:     guardian,
				Signer:      requestSigner,
			})
			p := New(&countingNonces{next: 4}, Config{ChainID: testChainID, Delegate: delegate}, logging.Discard())

			auth, err := p.Authorize(context.Background(), authorizer)
			if err != nil {
				t.Fatalf("authorize: %v", err)
			}
			authority, err := auth.Authority()
			if err != nil || authority != guardian {
				t.Fatalf("expected authority %s, got %s (%v)", guardian.Hex(), authority.Hex(), err)
			}
			if auth.Nonce != 4 {
				t.Fatalf("expected nonce 4, got %d", auth.Nonce)
			}

			if got := svc.headers.Get("Authorization"); got != "Bearer token-1" {
				t.Fatalf("unexpected bearer header %q", got)
			}
			if got := svc.headers.Get(AppIDHeader); got != "app-1" {
				t.Fatalf("unexpected app id header %q", got)
			}
			sig, err := base64.StdEncoding.DecodeString(svc.headers.Get(RequestSignatureHeader))
			if err != nil {
				t.Fatalf("decode request signature: %v", err)
			}
			payload, err := CanonicalRequest(http.MethodPost, svc.url, svc.body, map[string]string{AppIDHeader: "app-1"})
			if err != nil {
				t.Fatalf("canonical request: %v", err)
			}
			digest := sha256.Sum256(payload)
			if !ecdsa.VerifyASN1(requestSigner.PublicKey(), digest[:], sig) {
				t.Fatal("request signature does not verify")
			}
		})
	}
}

func TestRemoteAuthorizerRejectsUnknownShape(t *testing.T) {
	svc := &signerService{t: t, key: mustKey(t), shape: "none"}
	ts := httptest.NewServer(svc)
	defer ts.Close()

	authorizer := NewRemoteAuthorizer(RemoteConfig{BaseURL: ts.URL, WalletID: "w"})
	p := New(&countingNonces{}, Config{ChainID: testChainID, Delegate: delegate}, logging.Discard())
	if _, err := p.Authorize(context.Background(), authorizer); !errors.Is(err, ErrSignatureShape) {
		t.Fatalf("expected ErrSignatureShape, got %v", err)
	}
}

type mismatchedAuthorizer struct{ inner *LocalAuthorizer }

func (m mismatchedAuthorizer) Address() common.Address { return m.inner.Address() }

func (m mismatchedAuthorizer) Authorize(ctx context.Context, auth types.SetCodeAuthorization) (types.SetCodeAuthorization, error) {
	auth.Nonce++
	return m.inner.Authorize(ctx, auth)
}

func TestAuthorizeRejectsMismatchedGrant(t *testing.T) {
	p := New(&countingNonces{}, Config{ChainID: testChainID, Delegate: delegate}, logging.Discard())
	_, err := p.Authorize(context.Background(), mismatchedAuthorizer{inner: NewLocalAuthorizer(mustKey(t))})
	if !errors.Is(err, ErrAuthorizationMismatch) {
		t.Fatalf("expected ErrAuthorizationMismatch, got %v", err)
	}
}

func TestDecodeSignatureVariants(t *testing.T) {
	sig65 := "0x" + fmt.Sprintf("%064x%064x%02x", 1, 2, 28)
	cases := []struct {
		name string
		body string
		want any
	}{
		{"authorization", `{"data":{"authorization":{"address":"0x00000000000000000000000000000000000de1e9","chain_id":"0x14a34","nonce":1,"r":"0x01","s":"0x02","y_parity":1}}}`, AuthorizationSignature{}},
		{"string", `{"data":{"signature":"` + sig65 + `"}}`, StringSignature{}},
		{"wrapped", `{"data":{"signature":{"signature":"` + sig65 + `"}}}`, WrappedSignature{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sig, err := DecodeSignature([]byte(tc.body))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if fmt.Sprintf("%T", sig) != fmt.Sprintf("%T", tc.want) {
				t.Fatalf("expected %T, got %T", tc.want, sig)
			}
			auth, err := sig.apply(types.SetCodeAuthorization{Address: delegate, Nonce: 1, ChainID: *uint256.NewInt(testChainID)})
			if err != nil {
				t.Fatalf("apply: %v", err)
			}
			if auth.V != 1 || auth.R.Uint64() != 1 || auth.S.Uint64() != 2 {
				t.Fatalf("unexpected signature fields v=%d r=%s s=%s", auth.V, auth.R.Hex(), auth.S.Hex())
			}
			if auth.ChainID.Uint64() != testChainID {
				t.Fatalf("unexpected chain id %d", auth.ChainID.Uint64())
			}
		})
	}

	if _, err := DecodeSignature([]byte(`{"data":{"signature":"0x1234"}}`)); err != nil {
		t.Fatalf("short signature should decode to a variant: %v", err)
	}
	short, _ := DecodeSignature([]byte(`{"data":{"signature":"0x1234"}}`))
	if _, err := short.apply(types.SetCodeAuthorization{}); !errors.Is(err, ErrSignatureShape) {
		t.Fatalf("expected ErrSignatureShape for short signature, got %v", err)
	}
}
