// Package poller turns the eventually observable ledger state of a
// dependent's sub-wallet into one local state transition. A session ticks at
// a fixed interval, asks the correlator for the dependent's sub-wallet and
// stops at the first terminal answer.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/congo-pay/allowance/internal/correlator"
)

// State is the lifecycle of a polling session.
type State int

const (
	Polling State = iota
	Linked
	Revoked
	Stopped
)

func (s State) String() string {
	switch s {
	case Polling:
		return "polling"
	case Linked:
		return "linked"
	case Revoked:
		return "revoked"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s != Polling
}

// Finder resolves a dependent to its sub-wallet. *correlator.Correlator satisfies it.
type Finder interface {
	FindSubWallet(ctx context.Context, dependent common.Address) (correlator.Lookup, error)
}

// Handlers are invoked at most once per session, with the session lock held.
// They must not call back into the session.
type Handlers struct {
	OnLinked  func(correlator.Lookup)
	OnRevoked func(correlator.Lookup)
}

// Session is one running poll for a dependent.
type Session struct {
	dependent common.Address
	finder    Finder
	handlers  Handlers
	logger    *slog.Logger

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	inFlight atomic.Bool

	mu     sync.Mutex
	state  State
	lookup *correlator.Lookup
}

// Start begins polling for dependent every interval. The first correlation
// runs immediately. The session ends when ctx is cancelled, Stop is called or
// a terminal state is reached.
func Start(ctx context.Context, finder Finder, dependent common.Address, handlers Handlers, interval time.Duration, logger *slog.Logger) *Session {
	return start(ctx, finder, dependent, handlers, interval, 0, logger)
}

// start is Start with an optional lifetime; a session still polling after ttl
// moves to Stopped.
func start(ctx context.Context, finder Finder, dependent common.Address, handlers Handlers, interval, ttl time.Duration, logger *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		dependent: dependent,
		finder:    finder,
		handlers:  handlers,
		logger:    logger.With(slog.String("dependent", dependent.Hex())),
		cancel:    cancel,
		state:     Polling,
	}

	s.wg.Add(1)
	go s.loop(ctx, interval, ttl)
	return s
}

// Dependent returns the polled address.
func (s *Session) Dependent() common.Address {
	return s.dependent
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Lookup returns the correlation that ended the session, if any.
func (s *Session) Lookup() (correlator.Lookup, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookup == nil {
		return correlator.Lookup{}, false
	}
	return *s.lookup, true
}

// Stop forces the session into Stopped. No handler fires once Stop has
// returned; a correlation already in flight is cancelled and its result
// discarded.
func (s *Session) Stop() {
	s.mu.Lock()
	s.state = Stopped
	s.mu.Unlock()
	s.cancel()
}

// Wait blocks until the session's goroutines have exited.
func (s *Session) Wait() {
	s.wg.Wait()
}

func (s *Session) loop(ctx context.Context, interval, ttl time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var expired <-chan time.Time
	if ttl > 0 {
		timer := time.NewTimer(ttl)
		defer timer.Stop()
		expired = timer.C
	}

	s.trigger(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-expired:
			s.expire()
			return
		case <-ticker.C:
			s.trigger(ctx)
		}
	}
}

func (s *Session) expire() {
	s.mu.Lock()
	if s.state == Polling {
		s.state = Stopped
		s.logger.Info("polling session expired")
	}
	s.mu.Unlock()
	s.cancel()
}

func (s *Session) trigger(ctx context.Context) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.logger.Debug("previous correlation still in flight, skipping tick")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inFlight.Store(false)
		s.tick(ctx)
	}()
}

func (s *Session) tick(ctx context.Context) {
	lookup, err := s.finder.FindSubWallet(ctx, s.dependent)
	if err != nil {
		if !errors.Is(err, correlator.ErrNotFound) && ctx.Err() == nil {
			s.logger.Warn("correlation failed", slog.Any("error", err))
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Polling || ctx.Err() != nil {
		return
	}

	s.lookup = &lookup
	s.cancel()
	if lookup.SubWallet.Active {
		s.state = Linked
		s.logger.Info("sub-wallet linked",
			slog.String("wallet", lookup.SubWallet.Wallet.Hex()),
			slog.Uint64("sub_wallet_id", lookup.SubWallet.ID))
		if s.handlers.OnLinked != nil {
			s.handlers.OnLinked(lookup)
		}
		return
	}

	s.state = Revoked
	s.logger.Info("sub-wallet revoked",
		slog.String("wallet", lookup.SubWallet.Wallet.Hex()),
		slog.Uint64("sub_wallet_id", lookup.SubWallet.ID))
	if s.handlers.OnRevoked != nil {
		s.handlers.OnRevoked(lookup)
	}
}
