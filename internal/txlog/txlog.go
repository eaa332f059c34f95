package txlog

import (
	"context"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	// ErrDuplicateRecord indicates the wallet's log already holds a record with
	// the same hash, compared case-insensitively.
	ErrDuplicateRecord = errors.New("duplicate transaction record")
)

const (
	DirectionSent     = "sent"
	DirectionReceived = "received"

	// ProvenanceIndexed marks records sourced from the indexing API.
	ProvenanceIndexed = "indexed"
	// ProvenanceLocal marks client-authored records written before confirmation.
	ProvenanceLocal = "optimistic-local"
)

// Record is one transaction as shown to the dependent. Value is in the
// token's smallest unit.
type Record struct {
	Hash       string          `json:"hash"`
	From       string          `json:"from"`
	To         string          `json:"to"`
	Value      decimal.Decimal `json:"value"`
	Timestamp  int64           `json:"timestamp"`
	Direction  string          `json:"direction"`
	Provenance string          `json:"provenance"`
	Dependent  string          `json:"dependent,omitempty"`
}

// SameHash compares transaction hashes case-insensitively.
func SameHash(a, b string) bool {
	return strings.EqualFold(a, b)
}

// Store is the local append-only transaction log, one collection per guardian wallet.
type Store interface {
	Append(ctx context.Context, wallet common.Address, rec Record) error
	List(ctx context.Context, wallet common.Address) ([]Record, error)
	// Prune removes the wallet's records whose hash is in hashes and whose
	// timestamp is before olderThan. It returns the number removed.
	Prune(ctx context.Context, wallet common.Address, hashes []string, olderThan int64) (int, error)
	Wallets(ctx context.Context) ([]common.Address, error)
}

func walletKey(wallet common.Address) string {
	return strings.ToLower(wallet.Hex())
}
