package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/congo-pay/allowance/internal/subwallet"
)

// ErrEmptyResult indicates a view call returned no data, usually because the
// target address holds no contract code.
var ErrEmptyResult = errors.New("empty call result")

// Reader is the subset of the ledger RPC used by this system. *ethclient.Client
// satisfies it.
type Reader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// Creation is a decoded SubWalletCreated event.
type Creation struct {
	Wallet    common.Address
	ID        uint64
	Dependent common.Address
	Block     uint64
	LogIndex  uint
}

// Client issues read-only queries against the guardian wallet contracts.
type Client struct {
	rpc     Reader
	factory common.Address
}

// NewClient builds a ledger query client for the given factory.
func NewClient(rpc Reader, factory common.Address) *Client {
	return &Client{rpc: rpc, factory: factory}
}

// Factory returns the factory contract address the client scans.
func (c *Client) Factory() common.Address {
	return c.factory
}

// Head returns the latest block number.
func (c *Client) Head(ctx context.Context) (uint64, error) {
	return c.rpc.BlockNumber(ctx)
}

// Nonce returns the pending transaction count for addr.
func (c *Client) Nonce(ctx context.Context, addr common.Address) (uint64, error) {
	nonce, err := c.rpc.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, fmt.Errorf("fetch nonce for %s: %w", addr.Hex(), err)
	}
	return nonce, nil
}

// GuardianWallets returns the wallets deployed by the factory in [from, to],
// in log order.
func (c *Client) GuardianWallets(ctx context.Context, from, to uint64) ([]common.Address, error) {
	event := FactoryABI.Events[EventGuardianWalletCreated]
	logs, err := c.rpc.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.factory},
		Topics:    [][]common.Hash{{event.ID}},
	})
	if err != nil {
		return nil, fmt.Errorf("query %s logs: %w", EventGuardianWalletCreated, err)
	}

	wallets := make([]common.Address, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed || len(lg.Topics) < 3 || lg.Topics[0] != event.ID {
			continue
		}
		wallets = append(wallets, common.BytesToAddress(lg.Topics[2].Bytes()))
	}
	return wallets, nil
}

// SubWalletCreations returns the SubWalletCreated events of wallet in [from, to].
func (c *Client) SubWalletCreations(ctx context.Context, wallet common.Address, from, to uint64) ([]Creation, error) {
	event := GuardianWalletABI.Events[EventSubWalletCreated]
	logs, err := c.rpc.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{wallet},
		Topics:    [][]common.Hash{{event.ID}},
	})
	if err != nil {
		return nil, fmt.Errorf("query %s logs for %s: %w", EventSubWalletCreated, wallet.Hex(), err)
	}

	creations := make([]Creation, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed || len(lg.Topics) < 3 || lg.Topics[0] != event.ID {
			continue
		}
		id := new(big.Int).SetBytes(lg.Topics[1].Bytes())
		if !id.IsUint64() {
			continue
		}
		creations = append(creations, Creation{
			Wallet:    wallet,
			ID:        id.Uint64(),
			Dependent: common.BytesToAddress(lg.Topics[2].Bytes()),
			Block:     lg.BlockNumber,
			LogIndex:  lg.Index,
		})
	}
	return creations, nil
}

type subWalletView struct {
	Dependent       common.Address
	SpendingLimit   *big.Int
	SpentThisPeriod *big.Int
	PeriodStart     *big.Int
	PeriodDuration  *big.Int
	Mode            uint8
	Active          bool
}

// SubWallet reads the current state of sub-wallet id held by wallet.
func (c *Client) SubWallet(ctx context.Context, wallet common.Address, id uint64) (subwallet.SubWallet, error) {
	data, err := GuardianWalletABI.Pack(MethodGetSubWallet, new(big.Int).SetUint64(id))
	if err != nil {
		return subwallet.SubWallet{}, fmt.Errorf("pack %s: %w", MethodGetSubWallet, err)
	}

	out, err := c.rpc.CallContract(ctx, ethereum.CallMsg{To: &wallet, Data: data}, nil)
	if err != nil {
		return subwallet.SubWallet{}, fmt.Errorf("call %s on %s: %w", MethodGetSubWallet, wallet.Hex(), err)
	}
	if len(out) == 0 {
		return subwallet.SubWallet{}, ErrEmptyResult
	}

	var view subWalletView
	if err := GuardianWalletABI.UnpackIntoInterface(&view, MethodGetSubWallet, out); err != nil {
		return subwallet.SubWallet{}, fmt.Errorf("unpack %s: %w", MethodGetSubWallet, err)
	}

	return subwallet.SubWallet{
		Wallet:           wallet,
		ID:               id,
		DependentAddress: view.Dependent,
		SpendingLimit:    view.SpendingLimit,
		SpentThisPeriod:  view.SpentThisPeriod,
		PeriodStart:      view.PeriodStart.Int64(),
		PeriodDuration:   view.PeriodDuration.Int64(),
		Mode:             subwallet.Mode(view.Mode),
		Active:           view.Active,
	}, nil
}
