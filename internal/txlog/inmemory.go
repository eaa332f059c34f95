package txlog

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type memoryStore struct {
	mu   sync.RWMutex
	logs map[string][]Record
}

// NewMemoryStore creates a concurrency-safe in-memory log. Every write
// replaces the wallet's whole collection.
func NewMemoryStore() Store {
	return &memoryStore{logs: make(map[string][]Record)}
}

func (s *memoryStore) Append(_ context.Context, wallet common.Address, rec Record) error {
	key := walletKey(wallet)

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.logs[key]
	for _, existing := range current {
		if SameHash(existing.Hash, rec.Hash) {
			return ErrDuplicateRecord
		}
	}
	next := make([]Record, len(current), len(current)+1)
	copy(next, current)
	s.logs[key] = append(next, rec)
	return nil
}

func (s *memoryStore) List(_ context.Context, wallet common.Address) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	current := s.logs[walletKey(wallet)]
	out := make([]Record, len(current))
	copy(out, current)
	return out, nil
}

func (s *memoryStore) Prune(_ context.Context, wallet common.Address, hashes []string, olderThan int64) (int, error) {
	drop := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		drop[strings.ToLower(h)] = struct{}{}
	}
	key := walletKey(wallet)

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.logs[key]
	next := make([]Record, 0, len(current))
	for _, rec := range current {
		if _, ok := drop[strings.ToLower(rec.Hash)]; ok && rec.Timestamp < olderThan {
			continue
		}
		next = append(next, rec)
	}
	removed := len(current) - len(next)
	if removed > 0 {
		s.logs[key] = next
	}
	return removed, nil
}

func (s *memoryStore) Wallets(context.Context) ([]common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.Address, 0, len(s.logs))
	for key, recs := range s.logs {
		if len(recs) == 0 {
			continue
		}
		out = append(out, common.HexToAddress(key))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out, nil
}
