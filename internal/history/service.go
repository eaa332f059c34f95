// Package history merges the indexed transfer feed with the local optimistic
// log into one deduplicated, time-ordered view per dependent.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/congo-pay/allowance/internal/indexer"
	"github.com/congo-pay/allowance/internal/txlog"
)

// Indexer is the read side of the indexing API. *indexer.Client satisfies it.
type Indexer interface {
	TokenTransfers(ctx context.Context, address common.Address) ([]indexer.Transfer, error)
	Transaction(ctx context.Context, hash string) (indexer.Transaction, error)
}

// Service computes transaction history. Results are recomputed on every call.
type Service struct {
	indexer Indexer
	store   txlog.Store
	logger  *slog.Logger
}

// NewService constructs a history service.
func NewService(idx Indexer, store txlog.Store, logger *slog.Logger) *Service {
	return &Service{indexer: idx, store: store, logger: logger}
}

// GetHistory returns dependent's transactions against wallet, newest first.
// Indexer failures degrade to local-only results; a local log failure is
// returned.
func (s *Service) GetHistory(ctx context.Context, dependent, wallet common.Address) ([]txlog.Record, error) {
	indexed := s.indexed(ctx, dependent, wallet)

	local, err := s.store.List(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("load local log for %s: %w", wallet.Hex(), err)
	}

	seen := make(map[string]struct{}, len(indexed))
	for _, rec := range indexed {
		seen[strings.ToLower(rec.Hash)] = struct{}{}
	}

	merged := indexed
	for _, rec := range local {
		if !strings.EqualFold(rec.Dependent, dependent.Hex()) {
			continue
		}
		key := strings.ToLower(rec.Hash)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, rec)
	}

	Sort(merged)
	return merged, nil
}

// Sort orders records newest first, breaking timestamp ties by hash.
func Sort(recs []txlog.Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Timestamp != recs[j].Timestamp {
			return recs[i].Timestamp > recs[j].Timestamp
		}
		return strings.ToLower(recs[i].Hash) < strings.ToLower(recs[j].Hash)
	})
}

// indexed returns the wallet's indexed transfers whose transaction was sent
// to dependent's delegated account.
func (s *Service) indexed(ctx context.Context, dependent, wallet common.Address) []txlog.Record {
	transfers, err := s.indexer.TokenTransfers(ctx, wallet)
	if err != nil {
		s.logger.Warn("indexed transfer fetch failed",
			slog.String("wallet", wallet.Hex()),
			slog.Any("error", err))
		return nil
	}

	var (
		out      []txlog.Record
		included = make(map[string]struct{})
		checked  = make(map[string]bool)
	)
	for _, tr := range transfers {
		key := strings.ToLower(tr.TransactionHash)
		if _, ok := included[key]; ok {
			continue
		}

		attributed, ok := checked[key]
		if !ok {
			tx, err := s.indexer.Transaction(ctx, tr.TransactionHash)
			if err != nil {
				s.logger.Warn("indexed transaction fetch failed",
					slog.String("tx_hash", tr.TransactionHash),
					slog.Any("error", err))
				continue
			}
			attributed = sentThrough(tx, dependent.Hex())
			checked[key] = attributed
		}
		if !attributed {
			continue
		}

		direction := txlog.DirectionReceived
		if strings.EqualFold(tr.From, wallet.Hex()) {
			direction = txlog.DirectionSent
		}
		included[key] = struct{}{}
		out = append(out, txlog.Record{
			Hash:       tr.TransactionHash,
			From:       tr.From,
			To:         tr.To,
			Value:      tr.Value,
			Timestamp:  tr.Timestamp,
			Direction:  direction,
			Provenance: txlog.ProvenanceIndexed,
			Dependent:  dependent.Hex(),
		})
	}
	return out
}

// sentThrough reports whether tx was submitted to dependent's delegated
// account, which is how a guardian-wallet transfer is attributed to it.
func sentThrough(tx indexer.Transaction, dependent string) bool {
	return strings.EqualFold(tx.To, dependent)
}
