package payments

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/allowance/internal/chain"
	"github.com/congo-pay/allowance/internal/correlator"
	"github.com/congo-pay/allowance/internal/notification"
	"github.com/congo-pay/allowance/internal/relay"
	"github.com/congo-pay/allowance/internal/subwallet"
	"github.com/congo-pay/allowance/internal/txlog"
)

var (
	// ErrGuardianWalletMissing indicates no guardian wallet references the
	// dependent; the device must be onboarded again.
	ErrGuardianWalletMissing = errors.New("no guardian wallet has granted this dependent a sub-wallet")

	// ErrAmbiguousSubWallet indicates several guardian wallets reference the
	// dependent and the request did not name one.
	ErrAmbiguousSubWallet = errors.New("dependent is referenced by several guardian wallets; specify the wallet")

	// ErrGuardianSignerDisabled indicates no remote signer is configured for management calls.
	ErrGuardianSignerDisabled = errors.New("guardian signer is not configured")

	// ErrUnknownAction indicates an unsupported management action.
	ErrUnknownAction = errors.New("unknown management action")

	ErrSubWalletIDRequired = errors.New("sub-wallet id is required")
)

// Unlocker releases the dependent's key. *identity.Service satisfies it.
type Unlocker interface {
	Unlock(ctx context.Context, address common.Address, pin string) (*ecdsa.PrivateKey, error)
}

// Finder resolves a dependent to its sub-wallet. *correlator.Correlator satisfies it.
type Finder interface {
	FindSubWallet(ctx context.Context, dependent common.Address) (correlator.Lookup, error)
}

// Relayer submits calls through the fee-sponsoring relay. *relay.Protocol satisfies it.
type Relayer interface {
	Relay(ctx context.Context, call relay.Call) (relay.Result, error)
	Management(ctx context.Context, call relay.Call) (relay.Result, error)
}

// Deps groups the collaborators of a Service.
type Deps struct {
	Identities Unlocker
	Finder     Finder
	Relayer    Relayer
	Log        txlog.Store
	Notifier   notification.Notifier
	// Guardian signs management calls; nil disables Manage.
	Guardian relay.Authorizer
	Decimals int32
	Logger   *slog.Logger
}

// Service runs the dependent's send flow and the guardian's management calls.
type Service struct {
	deps Deps
	now  func() time.Time
}

// NewService constructs a payment service.
func NewService(deps Deps) *Service {
	return &Service{deps: deps, now: time.Now}
}

// SendInput is a dependent's spend request. Amount is in display units.
type SendInput struct {
	Dependent common.Address
	PIN       string
	Recipient string
	Amount    string
	// Wallet selects the guardian wallet when the dependent is referenced by several.
	Wallet *common.Address
}

// SendResult describes an accepted spend.
type SendResult struct {
	TransactionHash string
	Wallet          common.Address
	SubWalletID     uint64
	Amount          decimal.Decimal
	Record          txlog.Record
}

// Send validates, relays and records a spend from the dependent's sub-wallet.
// Validation failures are returned before any network call.
func (s *Service) Send(ctx context.Context, in SendInput) (SendResult, error) {
	if err := subwallet.CheckRecipient(in.Recipient); err != nil {
		return SendResult{}, err
	}
	amount, err := subwallet.ParseDisplayAmount(in.Amount)
	if err != nil {
		return SendResult{}, err
	}
	value, err := subwallet.ToSmallestUnit(amount, s.deps.Decimals)
	if err != nil {
		return SendResult{}, err
	}
	recipient := common.HexToAddress(in.Recipient)

	key, err := s.deps.Identities.Unlock(ctx, in.Dependent, in.PIN)
	if err != nil {
		return SendResult{}, err
	}

	sw, err := s.resolve(ctx, in.Dependent, in.Wallet)
	if err != nil {
		return SendResult{}, err
	}
	sw = sw.EffectiveAt(s.now())
	if err := subwallet.Validate(sw, decimal.NewFromBigInt(value, 0), in.Recipient); err != nil {
		return SendResult{}, err
	}

	data, err := chain.PackSpend(sw.ID, recipient, value)
	if err != nil {
		return SendResult{}, fmt.Errorf("encode spend: %w", err)
	}
	id := sw.ID
	res, err := s.deps.Relayer.Relay(ctx, relay.Call{
		Authorizer:  relay.NewLocalAuthorizer(key),
		Contract:    sw.Wallet,
		Function:    chain.MethodSpend,
		Data:        data,
		Amount:      value,
		Recipient:   &recipient,
		SubWalletID: &id,
	})
	if err != nil {
		return SendResult{}, err
	}

	rec := txlog.Record{
		Hash:       res.TransactionHash,
		From:       sw.Wallet.Hex(),
		To:         recipient.Hex(),
		Value:      decimal.NewFromBigInt(value, 0),
		Timestamp:  s.now().Unix(),
		Direction:  txlog.DirectionSent,
		Provenance: txlog.ProvenanceLocal,
		Dependent:  in.Dependent.Hex(),
	}
	if err := s.deps.Log.Append(ctx, sw.Wallet, rec); err != nil && !errors.Is(err, txlog.ErrDuplicateRecord) {
		// The relay accepted the spend; the indexed feed will still report it.
		s.deps.Logger.Error("local log append failed",
			slog.String("tx_hash", res.TransactionHash),
			slog.String("wallet", sw.Wallet.Hex()),
			slog.Any("error", err))
	}

	if s.deps.Notifier != nil {
		err := s.deps.Notifier.Send(ctx, notification.Message{
			Kind:        notification.KindPaymentSent,
			Destination: in.Dependent.Hex(),
			Body:        fmt.Sprintf("Sent %s to %s", amount.String(), recipient.Hex()),
			Attributes: map[string]string{
				"tx_hash":       res.TransactionHash,
				"wallet":        sw.Wallet.Hex(),
				"sub_wallet_id": fmt.Sprint(sw.ID),
			},
		})
		if err != nil {
			s.deps.Logger.Warn("payment notification failed",
				slog.String("tx_hash", res.TransactionHash),
				slog.Any("error", err))
		}
	}

	return SendResult{
		TransactionHash: res.TransactionHash,
		Wallet:          sw.Wallet,
		SubWalletID:     sw.ID,
		Amount:          amount,
		Record:          rec,
	}, nil
}

func (s *Service) resolve(ctx context.Context, dependent common.Address, wallet *common.Address) (subwallet.SubWallet, error) {
	lookup, err := s.deps.Finder.FindSubWallet(ctx, dependent)
	if errors.Is(err, correlator.ErrNotFound) {
		return subwallet.SubWallet{}, ErrGuardianWalletMissing
	}
	if err != nil {
		return subwallet.SubWallet{}, err
	}

	if wallet == nil {
		if lookup.Ambiguous {
			return subwallet.SubWallet{}, ErrAmbiguousSubWallet
		}
		return lookup.SubWallet, nil
	}

	var picked *subwallet.SubWallet
	for i := range lookup.Matches {
		m := lookup.Matches[i]
		if m.Wallet != *wallet {
			continue
		}
		if picked == nil || (!picked.Active && m.Active) {
			picked = &m
		}
	}
	if picked == nil {
		return subwallet.SubWallet{}, ErrGuardianWalletMissing
	}
	return *picked, nil
}

// Action names a guardian management call.
type Action string

const (
	ActionCreate      Action = "create"
	ActionUpdateLimit Action = "update_limit"
	ActionRevoke      Action = "revoke"
)

// ManageInput is a guardian management request. Limit is in display units.
type ManageInput struct {
	Action        Action
	Wallet        common.Address
	Dependent     common.Address
	SubWalletID   uint64
	Limit         string
	PeriodSeconds int64
	Mode          subwallet.Mode
}

// Manage signs a management call with the guardian's remote signer and
// submits it to the relay.
func (s *Service) Manage(ctx context.Context, in ManageInput) (relay.Result, error) {
	if s.deps.Guardian == nil {
		return relay.Result{}, ErrGuardianSignerDisabled
	}

	var (
		data     []byte
		function string
		amount   *big.Int
		subID    *uint64
		err      error
	)
	if (in.Action == ActionUpdateLimit || in.Action == ActionRevoke) && in.SubWalletID == 0 {
		return relay.Result{}, ErrSubWalletIDRequired
	}

	switch in.Action {
	case ActionCreate:
		if in.Dependent == (common.Address{}) {
			return relay.Result{}, subwallet.ErrInvalidRecipient
		}
		if amount, err = s.limit(in.Limit); err != nil {
			return relay.Result{}, err
		}
		if in.PeriodSeconds <= 0 && in.Mode == subwallet.ModeRecurring {
			return relay.Result{}, fmt.Errorf("%w: recurring allowances need a period", subwallet.ErrInvalidAmount)
		}
		function = chain.MethodCreateSubWallet
		data, err = chain.PackCreateSubWallet(in.Dependent, amount, in.PeriodSeconds, uint8(in.Mode))
	case ActionUpdateLimit:
		if amount, err = s.limit(in.Limit); err != nil {
			return relay.Result{}, err
		}
		function = chain.MethodUpdateSpendingLimit
		subID = &in.SubWalletID
		data, err = chain.PackUpdateSpendingLimit(in.SubWalletID, amount)
	case ActionRevoke:
		function = chain.MethodRevokeSubWallet
		subID = &in.SubWalletID
		data, err = chain.PackRevokeSubWallet(in.SubWalletID)
	default:
		return relay.Result{}, fmt.Errorf("%w: %q", ErrUnknownAction, in.Action)
	}
	if err != nil {
		return relay.Result{}, fmt.Errorf("encode %s: %w", function, err)
	}

	return s.deps.Relayer.Management(ctx, relay.Call{
		Authorizer:  s.deps.Guardian,
		Contract:    in.Wallet,
		Function:    function,
		Data:        data,
		Amount:      amount,
		SubWalletID: subID,
	})
}

func (s *Service) limit(raw string) (*big.Int, error) {
	display, err := subwallet.ParseDisplayAmount(raw)
	if err != nil {
		return nil, err
	}
	return subwallet.ToSmallestUnit(display, s.deps.Decimals)
}
