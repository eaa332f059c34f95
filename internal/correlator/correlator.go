// Package correlator attributes a dependent address to the sub-wallet a
// guardian created for it by scanning ledger event logs. There is no reverse
// index on the ledger, so the factory's deployment log and each guardian
// wallet's creation log are scanned; block cursors keep repeated lookups from
// re-reading history that was already seen.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/congo-pay/allowance/internal/chain"
	"github.com/congo-pay/allowance/internal/subwallet"
)

// ErrNotFound indicates no guardian wallet has created a sub-wallet for the dependent.
var ErrNotFound = errors.New("sub-wallet not found")

// ErrIncomplete indicates a matching sub-wallet's state could not be read this
// round. Callers treat it as no answer and retry.
var ErrIncomplete = errors.New("sub-wallet state unavailable")

// Ledger is the read surface the correlator needs. *chain.Client satisfies it.
type Ledger interface {
	Head(ctx context.Context) (uint64, error)
	GuardianWallets(ctx context.Context, from, to uint64) ([]common.Address, error)
	SubWalletCreations(ctx context.Context, wallet common.Address, from, to uint64) ([]chain.Creation, error)
	SubWallet(ctx context.Context, wallet common.Address, id uint64) (subwallet.SubWallet, error)
}

// Lookup is the outcome of a successful correlation.
type Lookup struct {
	// SubWallet is the first active match in scan order, or the first match
	// when none is active.
	SubWallet subwallet.SubWallet
	// Matches holds the current state of every match in scan order.
	Matches []subwallet.SubWallet
	// Ambiguous is set when more than one guardian wallet references the dependent.
	Ambiguous bool
}

// Correlator finds sub-wallets by dependent address.
type Correlator struct {
	ledger     Ledger
	startBlock uint64
	logger     *slog.Logger

	mu          sync.Mutex
	nextFactory uint64
	wallets     []common.Address
	known       map[common.Address]struct{}
	next        map[common.Address]uint64
	creations   map[common.Address][]chain.Creation
}

// New builds a correlator that scans from startBlock, typically the factory's
// deployment block.
func New(ledger Ledger, startBlock uint64, logger *slog.Logger) *Correlator {
	return &Correlator{
		ledger:      ledger,
		startBlock:  startBlock,
		logger:      logger,
		nextFactory: startBlock,
		known:       make(map[common.Address]struct{}),
		next:        make(map[common.Address]uint64),
		creations:   make(map[common.Address][]chain.Creation),
	}
}

// FindSubWallet returns the sub-wallet created for dependent. Log query
// failures are logged and the affected block range is retried on the next
// call. A failed state read for any matching creation yields ErrIncomplete
// rather than a lookup built from the remaining matches.
func (c *Correlator) FindSubWallet(ctx context.Context, dependent common.Address) (Lookup, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	head, err := c.ledger.Head(ctx)
	if err != nil {
		return Lookup{}, fmt.Errorf("read chain head: %w", err)
	}

	c.scanFactory(ctx, head)
	for _, wallet := range c.wallets {
		c.scanWallet(ctx, wallet, head)
	}

	var (
		matches []subwallet.SubWallet
		owners  = make(map[common.Address]struct{})
	)
	for _, wallet := range c.wallets {
		for _, cr := range c.creations[wallet] {
			if cr.Dependent != dependent {
				continue
			}
			owners[wallet] = struct{}{}
			sw, err := c.ledger.SubWallet(ctx, wallet, cr.ID)
			if err != nil {
				// A partial match set could report a revoked sub-wallet while
				// an active one is unreadable.
				c.logger.Warn("sub-wallet state read failed",
					slog.String("wallet", wallet.Hex()),
					slog.Uint64("sub_wallet_id", cr.ID),
					slog.Any("error", err))
				return Lookup{}, fmt.Errorf("%w: %s #%d: %v", ErrIncomplete, wallet.Hex(), cr.ID, err)
			}
			matches = append(matches, sw)
		}
	}

	if len(matches) == 0 {
		return Lookup{}, ErrNotFound
	}

	lookup := Lookup{SubWallet: matches[0], Matches: matches, Ambiguous: len(owners) > 1}
	for _, sw := range matches {
		if sw.Active {
			lookup.SubWallet = sw
			break
		}
	}
	if lookup.Ambiguous {
		c.logger.Warn("dependent referenced by multiple guardian wallets",
			slog.String("dependent", dependent.Hex()),
			slog.Int("matches", len(matches)))
	}
	return lookup, nil
}

func (c *Correlator) scanFactory(ctx context.Context, head uint64) {
	if c.nextFactory > head {
		return
	}
	wallets, err := c.ledger.GuardianWallets(ctx, c.nextFactory, head)
	if err != nil {
		c.logger.Warn("guardian wallet scan failed", slog.Uint64("from", c.nextFactory), slog.Any("error", err))
		return
	}
	for _, w := range wallets {
		if _, seen := c.known[w]; seen {
			continue
		}
		c.known[w] = struct{}{}
		c.wallets = append(c.wallets, w)
		c.next[w] = c.startBlock
	}
	c.nextFactory = head + 1
}

func (c *Correlator) scanWallet(ctx context.Context, wallet common.Address, head uint64) {
	from := c.next[wallet]
	if from > head {
		return
	}
	creations, err := c.ledger.SubWalletCreations(ctx, wallet, from, head)
	if err != nil {
		c.logger.Warn("sub-wallet creation scan failed",
			slog.String("wallet", wallet.Hex()),
			slog.Uint64("from", from),
			slog.Any("error", err))
		return
	}
	c.creations[wallet] = append(c.creations[wallet], creations...)
	c.next[wallet] = head + 1
}
