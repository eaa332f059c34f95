package relay

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrSignatureShape indicates a signer returned something that is not a
	// usable authorization signature.
	ErrSignatureShape = errors.New("unrecognised authorization signature")

	// ErrAuthorizationMismatch indicates a signer returned an authorization for
	// a different delegate, chain or nonce than the one requested.
	ErrAuthorizationMismatch = errors.New("signed authorization does not match request")
)

// Authorizer signs account-delegation authorizations for one account.
type Authorizer interface {
	Address() common.Address
	Authorize(ctx context.Context, auth types.SetCodeAuthorization) (types.SetCodeAuthorization, error)
}

// LocalAuthorizer signs with a key held in process, the dependent's case.
type LocalAuthorizer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewLocalAuthorizer wraps key.
func NewLocalAuthorizer(key *ecdsa.PrivateKey) *LocalAuthorizer {
	return &LocalAuthorizer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

func (a *LocalAuthorizer) Address() common.Address {
	return a.address
}

func (a *LocalAuthorizer) Authorize(_ context.Context, auth types.SetCodeAuthorization) (types.SetCodeAuthorization, error) {
	signed, err := types.SignSetCode(a.key, auth)
	if err != nil {
		return types.SetCodeAuthorization{}, fmt.Errorf("sign authorization: %w", err)
	}
	return signed, nil
}

// WireAuthorization is the authorization as the relay expects it.
type WireAuthorization struct {
	ChainID uint64         `json:"chainId"`
	Address common.Address `json:"address"`
	Nonce   uint64         `json:"nonce"`
	R       string         `json:"r"`
	S       string         `json:"s"`
	YParity uint8          `json:"yParity"`
}

func toWire(auth types.SetCodeAuthorization) WireAuthorization {
	return WireAuthorization{
		ChainID: auth.ChainID.Uint64(),
		Address: auth.Address,
		Nonce:   auth.Nonce,
		R:       auth.R.Hex(),
		S:       auth.S.Hex(),
		YParity: auth.V,
	}
}

func checkSigned(requested, signed types.SetCodeAuthorization) error {
	if signed.Address != requested.Address || signed.Nonce != requested.Nonce || !signed.ChainID.Eq(&requested.ChainID) {
		return ErrAuthorizationMismatch
	}
	if signed.R.IsZero() || signed.S.IsZero() || signed.V > 1 {
		return ErrSignatureShape
	}
	return nil
}
