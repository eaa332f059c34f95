package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/congo-pay/allowance/internal/subwallet"
)

// Status is a point-in-time view of a dependent's session.
type Status struct {
	Dependent common.Address
	State     State
	SubWallet *subwallet.SubWallet
	Ambiguous bool
}

// ErrTooManySessions is returned when the manager is at its session limit and
// every session is still polling.
var ErrTooManySessions = errors.New("too many polling sessions")

// ManagerConfig bounds the sessions a Manager runs. Zero limits are unbounded.
type ManagerConfig struct {
	Interval    time.Duration
	MaxSessions int
	SessionTTL  time.Duration
}

// Manager keeps at most one session per dependent.
type Manager struct {
	finder   Finder
	cfg      ManagerConfig
	handlers Handlers
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[common.Address]*Session
}

// NewManager builds a session registry. handlers are attached to every session it starts.
func NewManager(finder Finder, cfg ManagerConfig, handlers Handlers, logger *slog.Logger) *Manager {
	return &Manager{
		finder:   finder,
		cfg:      cfg,
		handlers: handlers,
		logger:   logger,
		sessions: make(map[common.Address]*Session),
	}
}

// StartPolling returns the dependent's running session, or starts a new one
// when none exists or the previous one reached a terminal state. Finished
// sessions are evicted to make room once MaxSessions is reached.
func (m *Manager) StartPolling(dependent common.Address) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[dependent]; ok {
		if existing.State() == Polling {
			return snapshot(existing), nil
		}
		existing.Stop()
		delete(m.sessions, dependent)
	}

	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		m.evictFinished()
		if len(m.sessions) >= m.cfg.MaxSessions {
			m.logger.Warn("polling session limit reached",
				slog.Int("sessions", len(m.sessions)),
				slog.String("dependent", dependent.Hex()))
			return Status{}, ErrTooManySessions
		}
	}

	session := start(context.Background(), m.finder, dependent, m.handlers, m.cfg.Interval, m.cfg.SessionTTL, m.logger)
	m.sessions[dependent] = session
	return snapshot(session), nil
}

// evictFinished drops sessions that are no longer polling. Callers hold m.mu.
func (m *Manager) evictFinished() {
	for dep, s := range m.sessions {
		if s.State().Terminal() {
			delete(m.sessions, dep)
		}
	}
}

// Status reports the dependent's latest session.
func (m *Manager) Status(dependent common.Address) (Status, bool) {
	m.mu.Lock()
	session, ok := m.sessions[dependent]
	m.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return snapshot(session), true
}

// StopPolling stops the dependent's session. It reports false when there was none.
func (m *Manager) StopPolling(dependent common.Address) bool {
	m.mu.Lock()
	session, ok := m.sessions[dependent]
	m.mu.Unlock()
	if !ok {
		return false
	}
	session.Stop()
	return true
}

// StopAll stops every session and waits for them to exit.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
	for _, s := range sessions {
		s.Wait()
	}
}

func snapshot(s *Session) Status {
	st := Status{Dependent: s.Dependent(), State: s.State()}
	if lookup, ok := s.Lookup(); ok {
		sw := lookup.SubWallet
		st.SubWallet = &sw
		st.Ambiguous = lookup.Ambiguous
	}
	return st
}
