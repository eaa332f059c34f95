package history

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/allowance/internal/indexer"
	"github.com/congo-pay/allowance/internal/logging"
	"github.com/congo-pay/allowance/internal/txlog"
)

var (
	guardianWallet = common.HexToAddress("0x000000000000000000000000000000000000a001")
	dependent      = common.HexToAddress("0x000000000000000000000000000000000000d00d")
	otherDependent = common.HexToAddress("0x000000000000000000000000000000000000d0d0")
	recipient      = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

type fakeIndexer struct {
	mu           sync.Mutex
	transfers    []indexer.Transfer
	txs          map[string]indexer.Transaction
	failList     error
	failTx       map[string]error
	transferHits int
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{txs: make(map[string]indexer.Transaction), failTx: make(map[string]error)}
}

// observe makes the indexer report a transfer sent through via.
func (f *fakeIndexer) observe(hash string, value int64, ts int64, via common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append(f.transfers, indexer.Transfer{
		TransactionHash: hash,
		From:            guardianWallet.Hex(),
		To:              recipient.Hex(),
		Value:           decimal.NewFromInt(value),
		Timestamp:       ts,
	})
	f.txs[hash] = indexer.Transaction{Hash: hash, To: via.Hex(), Timestamp: ts}
}

func (f *fakeIndexer) TokenTransfers(context.Context, common.Address) ([]indexer.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transferHits++
	if f.failList != nil {
		return nil, f.failList
	}
	out := make([]indexer.Transfer, len(f.transfers))
	copy(out, f.transfers)
	return out, nil
}

func (f *fakeIndexer) Transaction(_ context.Context, hash string) (indexer.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failTx[hash]; err != nil {
		return indexer.Transaction{}, err
	}
	tx, ok := f.txs[hash]
	if !ok {
		return indexer.Transaction{}, &indexer.APIError{StatusCode: 404, Message: "Not found"}
	}
	return tx, nil
}

func localRecord(hash string, value, ts int64, dep common.Address) txlog.Record {
	return txlog.Record{
		Hash:       hash,
		From:       guardianWallet.Hex(),
		To:         recipient.Hex(),
		Value:      decimal.NewFromInt(value),
		Timestamp:  ts,
		Direction:  txlog.DirectionSent,
		Provenance: txlog.ProvenanceLocal,
		Dependent:  dep.Hex(),
	}
}

func TestGetHistoryLocalThenIndexed(t *testing.T) {
	idx := newFakeIndexer()
	store := txlog.NewMemoryStore()
	svc := NewService(idx, store, logging.Discard())
	ctx := context.Background()

	if err := store.Append(ctx, guardianWallet, localRecord("0xT1", 25_000_000, 1_700_000_000, dependent)); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := svc.GetHistory(ctx, dependent, guardianWallet)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(got) != 1 || got[0].Hash != "0xT1" || got[0].Provenance != txlog.ProvenanceLocal {
		t.Fatalf("expected the optimistic record, got %+v", got)
	}
	if got[0].Value.String() != "25000000" || got[0].Direction != txlog.DirectionSent {
		t.Fatalf("unexpected record fields %+v", got[0])
	}

	idx.observe("0xt1", 25_000_000, 1_700_000_005, dependent)
	got, err = svc.GetHistory(ctx, dependent, guardianWallet)
	if err != nil {
		t.Fatalf("GetHistory after indexing: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one record for the hash, got %d: %+v", len(got), got)
	}
	if got[0].Provenance != txlog.ProvenanceIndexed || got[0].Hash != "0xt1" {
		t.Fatalf("expected the indexed copy to win, got %+v", got[0])
	}
}

func TestGetHistoryOrderingAndIdempotence(t *testing.T) {
	idx := newFakeIndexer()
	store := txlog.NewMemoryStore()
	svc := NewService(idx, store, logging.Discard())
	ctx := context.Background()

	idx.observe("0xa", 1, 300, dependent)
	idx.observe("0xb", 2, 100, dependent)
	store.Append(ctx, guardianWallet, localRecord("0xc", 3, 200, dependent))
	store.Append(ctx, guardianWallet, localRecord("0xd", 4, 300, dependent))

	first, err := svc.GetHistory(ctx, dependent, guardianWallet)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	for i := 0; i+1 < len(first); i++ {
		if first[i].Timestamp < first[i+1].Timestamp {
			t.Fatalf("history out of order at %d: %+v", i, first)
		}
	}
	hashes := make([]string, len(first))
	for i, r := range first {
		hashes[i] = r.Hash
	}
	if want := []string{"0xa", "0xd", "0xc", "0xb"}; !reflect.DeepEqual(hashes, want) {
		t.Fatalf("expected %v, got %v", want, hashes)
	}

	second, err := svc.GetHistory(ctx, dependent, guardianWallet)
	if err != nil {
		t.Fatalf("GetHistory repeat: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("history drifted between calls:\n%+v\n%+v", first, second)
	}
}

func TestGetHistoryAttributesByDependent(t *testing.T) {
	idx := newFakeIndexer()
	store := txlog.NewMemoryStore()
	svc := NewService(idx, store, logging.Discard())
	ctx := context.Background()

	idx.observe("0xmine", 1, 10, dependent)
	idx.observe("0xsibling", 1, 20, otherDependent)
	store.Append(ctx, guardianWallet, localRecord("0xlocal-sibling", 1, 30, otherDependent))

	got, err := svc.GetHistory(ctx, dependent, guardianWallet)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(got) != 1 || got[0].Hash != "0xmine" {
		t.Fatalf("expected only the dependent's transfer, got %+v", got)
	}
}

func TestGetHistoryDegradesOnIndexerFailures(t *testing.T) {
	idx := newFakeIndexer()
	store := txlog.NewMemoryStore()
	svc := NewService(idx, store, logging.Discard())
	ctx := context.Background()

	idx.observe("0xok", 1, 10, dependent)
	idx.observe("0xbroken", 1, 20, dependent)
	idx.failTx["0xbroken"] = errors.New("timeout")
	store.Append(ctx, guardianWallet, localRecord("0xlocal", 1, 5, dependent))

	got, err := svc.GetHistory(ctx, dependent, guardianWallet)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(got) != 2 || got[0].Hash != "0xok" || got[1].Hash != "0xlocal" {
		t.Fatalf("expected failed transfer to be skipped, got %+v", got)
	}

	idx.failList = errors.New("indexer down")
	got, err = svc.GetHistory(ctx, dependent, guardianWallet)
	if err != nil {
		t.Fatalf("GetHistory with indexer down: %v", err)
	}
	if len(got) != 1 || got[0].Hash != "0xlocal" {
		t.Fatalf("expected local-only history, got %+v", got)
	}
}

func TestCacheRoundTripAndInvalidate(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cache := NewCache(client, time.Minute)
	ctx := context.Background()

	if _, ok, err := cache.Get(ctx, dependent, guardianWallet); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	recs := []txlog.Record{localRecord("0x1", 25_000_000, 10, dependent)}
	if err := cache.Set(ctx, dependent, guardianWallet, recs); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := cache.Get(ctx, dependent, guardianWallet)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if len(got) != 1 || got[0].Hash != "0x1" || !got[0].Value.Equal(recs[0].Value) {
		t.Fatalf("unexpected cached history %+v", got)
	}

	mr.FastForward(2 * time.Minute)
	if _, ok, _ := cache.Get(ctx, dependent, guardianWallet); ok {
		t.Fatal("expected entry to expire")
	}

	cache.Set(ctx, dependent, guardianWallet, recs)
	if err := cache.Invalidate(ctx, dependent, guardianWallet); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok, _ := cache.Get(ctx, dependent, guardianWallet); ok {
		t.Fatal("expected miss after invalidate")
	}

	var disabled *Cache
	if _, ok, err := disabled.Get(ctx, dependent, guardianWallet); ok || err != nil {
		t.Fatalf("nil cache should miss silently, got ok=%v err=%v", ok, err)
	}
}

func TestCompactorPrunesConfirmedAgedEntries(t *testing.T) {
	idx := newFakeIndexer()
	store := txlog.NewMemoryStore()
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	old := now.Add(-10 * 24 * time.Hour).Unix()
	recent := now.Add(-time.Hour).Unix()
	store.Append(ctx, guardianWallet, localRecord("0xOLD", 1, old, dependent))
	store.Append(ctx, guardianWallet, localRecord("0xrecent", 1, recent, dependent))
	store.Append(ctx, guardianWallet, localRecord("0xpending", 1, old, dependent))
	idx.observe("0xold", 1, old, dependent)
	idx.observe("0xrecent", 1, recent, dependent)

	c := NewCompactor(idx, store, time.Hour, 7*24*time.Hour, logging.Discard())
	c.now = func() time.Time { return now }

	if removed := c.CompactOnce(ctx); removed != 1 {
		t.Fatalf("expected 1 record removed, got %d", removed)
	}
	recs, _ := store.List(ctx, guardianWallet)
	if len(recs) != 2 || recs[0].Hash != "0xrecent" || recs[1].Hash != "0xpending" {
		t.Fatalf("unexpected remaining records %+v", recs)
	}

	idx.failList = errors.New("indexer down")
	if removed := c.CompactOnce(ctx); removed != 0 {
		t.Fatalf("expected no pruning while the indexer is down, got %d", removed)
	}
}

func TestCompactorKeepsEntriesAttributedElsewhere(t *testing.T) {
	idx := newFakeIndexer()
	store := txlog.NewMemoryStore()
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	old := now.Add(-10 * 24 * time.Hour).Unix()

	store.Append(ctx, guardianWallet, localRecord("0xmine", 1, old, dependent))
	store.Append(ctx, guardianWallet, localRecord("0xtheirs", 2, old, dependent))
	store.Append(ctx, guardianWallet, localRecord("0xunreadable", 3, old, dependent))
	idx.observe("0xmine", 1, old, dependent)
	idx.observe("0xtheirs", 2, old, otherDependent)
	idx.observe("0xunreadable", 3, old, dependent)
	idx.failTx["0xunreadable"] = errors.New("timeout")

	c := NewCompactor(idx, store, time.Hour, 7*24*time.Hour, logging.Discard())
	c.now = func() time.Time { return now }

	if removed := c.CompactOnce(ctx); removed != 1 {
		t.Fatalf("expected only the attributed entry removed, got %d", removed)
	}

	svc := NewService(idx, store, logging.Discard())
	recs, err := svc.GetHistory(ctx, dependent, guardianWallet)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	hashes := make(map[string]bool)
	for _, r := range recs {
		hashes[r.Hash] = true
	}
	for _, want := range []string{"0xmine", "0xtheirs", "0xunreadable"} {
		if !hashes[want] {
			t.Fatalf("expected %s to remain visible, got %+v", want, recs)
		}
	}
}

func TestCompactorSkipsIndexerWithoutAgedEntries(t *testing.T) {
	idx := newFakeIndexer()
	store := txlog.NewMemoryStore()
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	store.Append(ctx, guardianWallet, localRecord("0xfresh", 1, now.Unix(), dependent))

	c := NewCompactor(idx, store, time.Hour, 7*24*time.Hour, logging.Discard())
	c.now = func() time.Time { return now }
	c.CompactOnce(ctx)

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.transferHits != 0 {
		t.Fatalf("expected no indexer calls, got %d", idx.transferHits)
	}
}

func TestCompactorStartStop(t *testing.T) {
	idx := newFakeIndexer()
	c := NewCompactor(idx, txlog.NewMemoryStore(), time.Millisecond, time.Hour, logging.Discard())
	c.Start()
	time.Sleep(5 * time.Millisecond)
	c.Stop()
}
