package history

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/congo-pay/allowance/internal/txlog"
)

// Compactor periodically removes local log entries that the indexed feed has
// confirmed for the same dependent and that are older than the retention
// window.
type Compactor struct {
	indexer   Indexer
	store     txlog.Store
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCompactor creates a compactor. It does nothing until Start is called.
func NewCompactor(idx Indexer, store txlog.Store, interval, retention time.Duration, logger *slog.Logger) *Compactor {
	return &Compactor{
		indexer:   idx,
		store:     store,
		interval:  interval,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

// Start runs a compaction immediately and then on every interval. A
// non-positive interval disables it.
func (c *Compactor) Start() {
	if c.interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
}

// Stop cancels the compactor and waits for the current pass to finish.
func (c *Compactor) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Compactor) run(ctx context.Context) {
	c.CompactOnce(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CompactOnce(ctx)
		}
	}
}

// CompactOnce runs one pass over every wallet and returns the number of
// records removed. Per-wallet failures are logged and skipped.
func (c *Compactor) CompactOnce(ctx context.Context) int {
	wallets, err := c.store.Wallets(ctx)
	if err != nil {
		c.logger.Error("compaction wallet listing failed", slog.Any("error", err))
		return 0
	}

	cutoff := c.now().Add(-c.retention).Unix()
	total := 0
	for _, wallet := range wallets {
		removed, err := c.compactWallet(ctx, wallet, cutoff)
		if err != nil {
			c.logger.Warn("compaction skipped wallet", slog.String("wallet", wallet.Hex()), slog.Any("error", err))
			continue
		}
		total += removed
	}

	if total > 0 {
		c.logger.Info("local log compacted", slog.Int("removed", total), slog.Int("wallets", len(wallets)))
	}
	return total
}

// compactWallet prunes aged local records whose indexed copy GetHistory would
// show to the same dependent. A record the indexer attributes elsewhere stays,
// since dropping it would remove the entry from that dependent's history.
func (c *Compactor) compactWallet(ctx context.Context, wallet common.Address, cutoff int64) (int, error) {
	local, err := c.store.List(ctx, wallet)
	if err != nil {
		return 0, err
	}
	aged := make(map[string]string)
	for _, rec := range local {
		if rec.Timestamp < cutoff {
			aged[strings.ToLower(rec.Hash)] = rec.Dependent
		}
	}
	if len(aged) == 0 {
		return 0, nil
	}

	transfers, err := c.indexer.TokenTransfers(ctx, wallet)
	if err != nil {
		return 0, err
	}

	var confirmed []string
	for _, tr := range transfers {
		key := strings.ToLower(tr.TransactionHash)
		dependent, ok := aged[key]
		if !ok {
			continue
		}
		delete(aged, key)

		tx, err := c.indexer.Transaction(ctx, tr.TransactionHash)
		if err != nil {
			c.logger.Warn("compaction transaction fetch failed",
				slog.String("tx_hash", tr.TransactionHash),
				slog.Any("error", err))
			continue
		}
		if sentThrough(tx, dependent) {
			confirmed = append(confirmed, tr.TransactionHash)
		}
	}
	if len(confirmed) == 0 {
		return 0, nil
	}
	return c.store.Prune(ctx, wallet, confirmed, cutoff)
}
