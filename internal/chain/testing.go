package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/congo-pay/allowance/internal/subwallet"
)

// FakeLedger is an in-memory Reader for tests. It records guardian wallet
// deployments and sub-wallet state and answers log and view queries the way a
// node would.
type FakeLedger struct {
	mu        sync.Mutex
	factory   common.Address
	head      uint64
	logs      []types.Log
	state     map[common.Address]map[uint64]subwallet.SubWallet
	nonces    map[common.Address]uint64
	failLogs  map[common.Address]error
	failCalls map[common.Address]error
	failViews map[viewKey]error

	// Queries records every FilterLogs call in order.
	Queries []ethereum.FilterQuery
}

// NewFakeLedger returns an empty fake ledger for the given factory.
func NewFakeLedger(factory common.Address) *FakeLedger {
	return &FakeLedger{
		factory:   factory,
		state:     make(map[common.Address]map[uint64]subwallet.SubWallet),
		nonces:    make(map[common.Address]uint64),
		failLogs:  make(map[common.Address]error),
		failCalls: make(map[common.Address]error),
		failViews: make(map[viewKey]error),
	}
}

type viewKey struct {
	wallet common.Address
	id     uint64
}

// DeployWallet emits a GuardianWalletCreated event in a new block.
func (f *FakeLedger) DeployWallet(guardian, wallet common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head++
	f.logs = append(f.logs, types.Log{
		Address:     f.factory,
		Topics:      []common.Hash{FactoryABI.Events[EventGuardianWalletCreated].ID, common.BytesToHash(guardian.Bytes()), common.BytesToHash(wallet.Bytes())},
		BlockNumber: f.head,
	})
}

// CreateSubWallet emits a SubWalletCreated event in a new block and stores sw
// as the wallet's current state for sw.ID.
func (f *FakeLedger) CreateSubWallet(sw subwallet.SubWallet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head++
	data, err := GuardianWalletABI.Events[EventSubWalletCreated].Inputs.NonIndexed().Pack(sw.SpendingLimit, big.NewInt(sw.PeriodDuration), uint8(sw.Mode))
	if err != nil {
		panic(err)
	}
	f.logs = append(f.logs, types.Log{
		Address:     sw.Wallet,
		Topics:      []common.Hash{GuardianWalletABI.Events[EventSubWalletCreated].ID, common.BigToHash(new(big.Int).SetUint64(sw.ID)), common.BytesToHash(sw.DependentAddress.Bytes())},
		Data:        data,
		BlockNumber: f.head,
	})
	f.setState(sw)
}

// SetSubWallet replaces the current state of a sub-wallet without emitting a log.
func (f *FakeLedger) SetSubWallet(sw subwallet.SubWallet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setState(sw)
}

func (f *FakeLedger) setState(sw subwallet.SubWallet) {
	if f.state[sw.Wallet] == nil {
		f.state[sw.Wallet] = make(map[uint64]subwallet.SubWallet)
	}
	f.state[sw.Wallet][sw.ID] = sw
}

// SetNonce sets the pending nonce returned for addr.
func (f *FakeLedger) SetNonce(addr common.Address, nonce uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonces[addr] = nonce
}

// FailLogs makes log queries against addr fail with err; nil clears it.
func (f *FakeLedger) FailLogs(addr common.Address, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failLogs, addr)
		return
	}
	f.failLogs[addr] = err
}

// FailCalls makes view calls against addr fail with err; nil clears it.
func (f *FakeLedger) FailCalls(addr common.Address, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failCalls, addr)
		return
	}
	f.failCalls[addr] = err
}

// FailSubWallet makes getSubWallet(id) on wallet fail with err; nil clears it.
func (f *FakeLedger) FailSubWallet(wallet common.Address, id uint64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := viewKey{wallet: wallet, id: id}
	if err == nil {
		delete(f.failViews, key)
		return
	}
	f.failViews[key] = err
}

func (f *FakeLedger) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *FakeLedger) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Queries = append(f.Queries, q)

	for _, addr := range q.Addresses {
		if err := f.failLogs[addr]; err != nil {
			return nil, err
		}
	}

	var out []types.Log
	for _, lg := range f.logs {
		if q.FromBlock != nil && lg.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && lg.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if !containsAddress(q.Addresses, lg.Address) {
			continue
		}
		if len(q.Topics) > 0 && len(q.Topics[0]) > 0 && !containsHash(q.Topics[0], lg.Topics[0]) {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}

func (f *FakeLedger) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg.To == nil {
		return nil, errors.New("missing call target")
	}
	if err := f.failCalls[*msg.To]; err != nil {
		return nil, err
	}

	method := GuardianWalletABI.Methods[MethodGetSubWallet]
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	id := args[0].(*big.Int).Uint64()
	if err := f.failViews[viewKey{wallet: *msg.To, id: id}]; err != nil {
		return nil, err
	}
	sw, ok := f.state[*msg.To][id]
	if !ok {
		return nil, nil
	}
	return method.Outputs.Pack(
		sw.DependentAddress,
		orZero(sw.SpendingLimit),
		orZero(sw.SpentThisPeriod),
		big.NewInt(sw.PeriodStart),
		big.NewInt(sw.PeriodDuration),
		uint8(sw.Mode),
		sw.Active,
	)
}

func (f *FakeLedger) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[account], nil
}

func containsAddress(list []common.Address, addr common.Address) bool {
	if len(list) == 0 {
		return true
	}
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}

func containsHash(list []common.Hash, h common.Hash) bool {
	for _, x := range list {
		if x == h {
			return true
		}
	}
	return false
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
