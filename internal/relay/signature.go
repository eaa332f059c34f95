package relay

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// Signature is the remote signer's answer, resolved once at the boundary into
// one of AuthorizationSignature, StringSignature or WrappedSignature.
type Signature interface {
	apply(auth types.SetCodeAuthorization) (types.SetCodeAuthorization, error)
}

// AuthorizationSignature is a fully formed authorization echoed back by the signer.
type AuthorizationSignature struct {
	Address common.Address
	ChainID uint256.Int
	Nonce   uint64
	R       uint256.Int
	S       uint256.Int
	YParity uint8
}

// StringSignature is a bare 65-byte r||s||v hex signature.
type StringSignature struct {
	Hex string
}

// WrappedSignature is a 65-byte hex signature nested in an object.
type WrappedSignature struct {
	Signature string
}

func (s AuthorizationSignature) apply(types.SetCodeAuthorization) (types.SetCodeAuthorization, error) {
	return types.SetCodeAuthorization{
		ChainID: s.ChainID,
		Address: s.Address,
		Nonce:   s.Nonce,
		V:       s.YParity,
		R:       s.R,
		S:       s.S,
	}, nil
}

func (s StringSignature) apply(auth types.SetCodeAuthorization) (types.SetCodeAuthorization, error) {
	return applyRaw(auth, s.Hex)
}

func (s WrappedSignature) apply(auth types.SetCodeAuthorization) (types.SetCodeAuthorization, error) {
	return applyRaw(auth, s.Signature)
}

func applyRaw(auth types.SetCodeAuthorization, raw string) (types.SetCodeAuthorization, error) {
	sig, err := hexutil.Decode(raw)
	if err != nil || len(sig) != 65 {
		return types.SetCodeAuthorization{}, fmt.Errorf("%w: expected 65-byte hex signature", ErrSignatureShape)
	}
	v := sig[64]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return types.SetCodeAuthorization{}, fmt.Errorf("%w: invalid recovery id %d", ErrSignatureShape, sig[64])
	}
	auth.R.SetBytes(sig[:32])
	auth.S.SetBytes(sig[32:64])
	auth.V = v
	return auth, nil
}

type signerEnvelope struct {
	Data struct {
		Authorization *struct {
			Address common.Address `json:"address"`
			ChainID quantity       `json:"chain_id"`
			Nonce   quantity       `json:"nonce"`
			R       quantity       `json:"r"`
			S       quantity       `json:"s"`
			YParity quantity       `json:"y_parity"`
		} `json:"authorization"`
		Signature json.RawMessage `json:"signature"`
	} `json:"data"`
}

// DecodeSignature resolves a signer response body into its variant.
func DecodeSignature(body []byte) (Signature, error) {
	var env signerEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureShape, err)
	}

	if a := env.Data.Authorization; a != nil {
		if !a.Nonce.IsUint64() || !a.YParity.IsUint64() || a.YParity.Uint64() > 1 {
			return nil, fmt.Errorf("%w: authorization fields out of range", ErrSignatureShape)
		}
		return AuthorizationSignature{
			Address: a.Address,
			ChainID: a.ChainID.Int,
			Nonce:   a.Nonce.Uint64(),
			R:       a.R.Int,
			S:       a.S.Int,
			YParity: uint8(a.YParity.Uint64()),
		}, nil
	}

	raw := bytes.TrimSpace(env.Data.Signature)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
		return nil, fmt.Errorf("%w: response carries neither authorization nor signature", ErrSignatureShape)
	case raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSignatureShape, err)
		}
		return StringSignature{Hex: s}, nil
	case raw[0] == '{':
		var w struct {
			Signature string `json:"signature"`
		}
		if err := json.Unmarshal(raw, &w); err != nil || w.Signature == "" {
			return nil, fmt.Errorf("%w: wrapped signature missing", ErrSignatureShape)
		}
		return WrappedSignature{Signature: w.Signature}, nil
	default:
		return nil, fmt.Errorf("%w: unexpected signature type", ErrSignatureShape)
	}
}

// quantity accepts a JSON number, a decimal string or a 0x-prefixed hex string.
type quantity struct {
	uint256.Int
}

func (q *quantity) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if strings.HasPrefix(s, `"`) {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		digits := s[2:]
		if len(digits)%2 == 1 {
			digits = "0" + digits
		}
		b, err := hex.DecodeString(digits)
		if err != nil {
			return fmt.Errorf("invalid hex quantity %q: %w", s, err)
		}
		if len(b) > 32 {
			return fmt.Errorf("hex quantity %q exceeds 256 bits", s)
		}
		q.SetBytes(b)
		return nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return fmt.Errorf("invalid quantity %q: %w", s, err)
	}
	q.Set(v)
	return nil
}
