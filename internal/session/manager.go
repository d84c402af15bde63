package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/phoenix-apps/phoenix-sync/internal/authority"
	"github.com/phoenix-apps/phoenix-sync/internal/bus"
	"github.com/phoenix-apps/phoenix-sync/internal/ledger"
	"github.com/phoenix-apps/phoenix-sync/internal/metrics"
)

// SessionAuthority is what the manager needs from the remote session authority.
type SessionAuthority interface {
	Login(ctx context.Context, email, password string) (*authority.Session, error)
	CurrentUser(ctx context.Context) (*authority.Session, error)
	Logout(ctx context.Context) error
}

// EnergyLedger is what the manager needs from the remote energy ledger.
type EnergyLedger interface {
	Check(ctx context.Context, userID string) (*ledger.Status, error)
	Consume(ctx context.Context, userID, action string, cost int) (*ledger.Status, error)
}

// Config holds manager configuration
type Config struct {
	// EnergyTracking disables all ledger calls when false.
	EnergyTracking bool

	// Redirect is invoked when the user must be sent to the login surface:
	// after logout (local or broadcast) and on session expiry.
	Redirect func()
}

// Manager coordinates one instance's session and energy state. All remote
// calls go through it, every confirmed change lands in the store, and
// consuming actions are broadcast so sibling instances converge.
type Manager struct {
	authority SessionAuthority
	ledger    EnergyLedger
	transport bus.Transport
	store     *Store
	logger    zerolog.Logger
	tracking  bool
	redirect  func()

	// initMu serializes Initialize; initialized flips once a steady state
	// has been reached so repeat calls return without a remote round trip.
	initMu      sync.Mutex
	initialized bool
}

// NewManager creates a manager wired to the given remote clients and
// transport. A nil transport degrades to the no-op bus.
func NewManager(auth SessionAuthority, led EnergyLedger, transport bus.Transport, cfg Config, logger zerolog.Logger) *Manager {
	if transport == nil {
		transport = bus.Noop{}
	}

	m := &Manager{
		authority: auth,
		ledger:    led,
		transport: transport,
		store:     NewStore(),
		logger:    logger.With().Str("component", "session-manager").Logger(),
		tracking:  cfg.EnergyTracking,
		redirect:  cfg.Redirect,
	}

	transport.Handle(m.handleBroadcast)

	return m
}

var (
	defaultMu      sync.Mutex
	defaultManager *Manager
)

// Default returns the process-wide manager, constructing it with construct on
// first call. Later calls return the same instance and never invoke construct.
func Default(construct func() (*Manager, error)) (*Manager, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultManager == nil {
		m, err := construct()
		if err != nil {
			return nil, err
		}
		defaultManager = m
	}
	return defaultManager, nil
}

// State returns a snapshot of the current state.
func (m *Manager) State() State {
	return m.store.Get()
}

// Subscribe registers a listener that is invoked immediately with the current
// state and again on every change. The returned function unsubscribes.
func (m *Manager) Subscribe(fn Listener) func() {
	return m.store.Subscribe(fn)
}

// Initialize resolves the session from the ambient credential and settles
// into a steady state. It is idempotent: once a steady state is reached,
// repeat calls return immediately without another remote call.
func (m *Manager) Initialize(ctx context.Context) error {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	if m.initialized {
		return nil
	}

	m.store.Update(func(s *State) {
		s.Loading = true
		s.Err = nil
	})

	sess, err := m.authority.CurrentUser(ctx)
	if err != nil {
		m.settleUnauthenticated(err)
		m.initialized = true
		return fmt.Errorf("initialize: %w", err)
	}

	if sess == nil {
		m.settleUnauthenticated(nil)
		m.initialized = true
		return nil
	}

	m.store.Update(func(s *State) {
		s.Session = sess
		s.Authenticated = true
		s.Loading = false
		s.Err = nil
		s.Unlimited = sess.Unlimited
	})
	metrics.SessionAuthenticated.Set(1)
	m.initialized = true

	m.logger.Info().Str("user_id", sess.UserID).Msg("Session resolved")

	// Passive refresh; deliberately not broadcast.
	if err := m.RefreshEnergy(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("Initial energy refresh failed")
	}

	return nil
}

// Login authenticates with the session authority. On success the new session
// is stored, energy is refreshed, and the auth change is broadcast. A
// credential rejection is returned as *authority.AuthenticationError after
// the state has already settled to unauthenticated.
func (m *Manager) Login(ctx context.Context, email, password string) error {
	m.store.Update(func(s *State) {
		s.Loading = true
		s.Err = nil
	})

	sess, err := m.authority.Login(ctx, email, password)
	if err != nil {
		m.settleUnauthenticated(err)
		if authority.IsAuthenticationError(err) {
			metrics.LoginsTotal.WithLabelValues("rejected").Inc()
			return err
		}
		metrics.LoginsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("login: %w", err)
	}

	m.store.Update(func(s *State) {
		s.Session = sess
		s.Authenticated = true
		s.Loading = false
		s.Err = nil
		s.Unlimited = sess.Unlimited
	})
	metrics.LoginsTotal.WithLabelValues("success").Inc()
	metrics.SessionAuthenticated.Set(1)

	m.initMu.Lock()
	m.initialized = true
	m.initMu.Unlock()

	m.logger.Info().Str("user_id", sess.UserID).Msg("Logged in")

	if err := m.RefreshEnergy(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("Post-login energy refresh failed")
	}

	// The refresh may have expired the session; broadcast only auth state
	// that still holds.
	if current := m.store.Get(); current.Authenticated {
		m.publish(ctx, bus.Message{
			Type: bus.TypeAuthStateChanged,
			Auth: &bus.AuthPayload{Session: current.Session, Authenticated: true},
		})
	}

	return nil
}

// Logout clears local state unconditionally, invalidates the remote session
// on a best-effort basis, broadcasts LOGOUT_ALL, and redirects to the login
// surface. It never fails: a dead remote cannot keep this instance logged in.
func (m *Manager) Logout(ctx context.Context) {
	m.clearSession()
	metrics.LogoutsTotal.Inc()

	if err := m.authority.Logout(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("Remote logout failed, local state already cleared")
	}

	m.publish(ctx, bus.Message{Type: bus.TypeLogoutAll})

	if m.redirect != nil {
		m.redirect()
	}
}

// RefreshEnergy fetches the current balance from the ledger. It is a no-op
// when unauthenticated or tracking is disabled, and it never broadcasts:
// passive refreshes are per-instance, only consuming actions fan out.
func (m *Manager) RefreshEnergy(ctx context.Context) error {
	snapshot := m.store.Get()
	if !m.tracking || !snapshot.Authenticated || snapshot.Session == nil {
		return nil
	}

	status, err := m.ledger.Check(ctx, snapshot.Session.UserID)
	if err != nil {
		if errors.Is(err, ledger.ErrSessionExpired) {
			metrics.EnergyRefreshesTotal.WithLabelValues("expired").Inc()
			m.sessionExpired()
			return err
		}
		// Keep the last known balance; only record the failure.
		metrics.EnergyRefreshesTotal.WithLabelValues("error").Inc()
		m.store.Update(func(s *State) {
			s.Err = err
		})
		return fmt.Errorf("refresh energy: %w", err)
	}

	metrics.EnergyRefreshesTotal.WithLabelValues("success").Inc()
	m.store.Update(func(s *State) {
		s.Energy = status.Balance
		s.Unlimited = status.Unlimited
		s.Err = nil
	})
	metrics.EnergyBalance.Set(float64(status.Balance))

	return nil
}

// ConsumeEnergy charges an action against the remote ledger and reports
// whether the charge went through. The local balance is only ever set to a
// ledger-confirmed value; it is never decremented speculatively, so a failed
// or declined charge leaves state untouched.
func (m *Manager) ConsumeEnergy(ctx context.Context, action string, cost int) bool {
	snapshot := m.store.Get()
	if !snapshot.Authenticated || snapshot.Session == nil {
		return false
	}
	if !m.tracking {
		return true
	}

	status, err := m.ledger.Consume(ctx, snapshot.Session.UserID, action, cost)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientEnergy):
			metrics.EnergyConsumedTotal.WithLabelValues(action, "declined").Inc()
			m.logger.Debug().Str("action", action).Int("cost", cost).Msg("Charge declined")
		case errors.Is(err, ledger.ErrSessionExpired):
			metrics.EnergyConsumedTotal.WithLabelValues(action, "expired").Inc()
			m.sessionExpired()
		default:
			metrics.EnergyConsumedTotal.WithLabelValues(action, "error").Inc()
			m.logger.Warn().Err(err).Str("action", action).Msg("Energy consume failed")
			m.store.Update(func(s *State) {
				s.Err = err
			})
		}
		return false
	}

	metrics.EnergyConsumedTotal.WithLabelValues(action, "success").Inc()
	m.store.Update(func(s *State) {
		s.Energy = status.Balance
		s.Unlimited = status.Unlimited
		s.Err = nil
	})
	metrics.EnergyBalance.Set(float64(status.Balance))

	m.publish(ctx, bus.Message{
		Type:   bus.TypeEnergyUpdated,
		Energy: &bus.EnergyPayload{Energy: status.Balance, Unlimited: status.Unlimited},
	})

	return true
}

// Close releases the transport.
func (m *Manager) Close() error {
	return m.transport.Close()
}

// handleBroadcast applies messages from sibling instances. Payloads overwrite
// local state verbatim; with no ordering guarantee across instances, last
// received wins at each receiver.
func (m *Manager) handleBroadcast(msg bus.Message) {
	metrics.BusReceivedTotal.WithLabelValues(string(msg.Type)).Inc()

	switch msg.Type {
	case bus.TypeAuthStateChanged:
		if msg.Auth == nil {
			return
		}
		m.store.Update(func(s *State) {
			s.Session = msg.Auth.Session
			s.Authenticated = msg.Auth.Authenticated
			s.Loading = false
			if msg.Auth.Session != nil {
				s.Unlimited = msg.Auth.Session.Unlimited
			}
		})
		if msg.Auth.Authenticated {
			metrics.SessionAuthenticated.Set(1)
		} else {
			metrics.SessionAuthenticated.Set(0)
		}
		m.markInitialized()
		m.logger.Debug().Bool("authenticated", msg.Auth.Authenticated).Msg("Applied auth broadcast")

	case bus.TypeLogoutAll:
		m.clearSession()
		metrics.LogoutsTotal.Inc()
		m.logger.Info().Msg("Logged out by sibling instance")
		if m.redirect != nil {
			m.redirect()
		}

	case bus.TypeEnergyUpdated:
		if msg.Energy == nil {
			return
		}
		m.store.Update(func(s *State) {
			s.Energy = msg.Energy.Energy
			s.Unlimited = msg.Energy.Unlimited
		})
		metrics.EnergyBalance.Set(float64(msg.Energy.Energy))

	default:
		m.logger.Debug().Str("type", string(msg.Type)).Msg("Ignoring unknown broadcast type")
	}
}

// sessionExpired handles a 401 on an authenticated call: a normal transition
// to unauthenticated, followed by the login redirect.
func (m *Manager) sessionExpired() {
	m.logger.Info().Msg("Session expired")
	m.clearSession()
	if m.redirect != nil {
		m.redirect()
	}
}

// clearSession resets the state to unauthenticated.
func (m *Manager) clearSession() {
	m.store.Update(func(s *State) {
		s.Session = nil
		s.Authenticated = false
		s.Loading = false
		s.Err = nil
		s.Energy = 0
		s.Unlimited = false
	})
	metrics.SessionAuthenticated.Set(0)
	m.markInitialized()
}

// settleUnauthenticated resolves a loading phase to the unauthenticated
// steady state, recording err when the resolution was a failure.
func (m *Manager) settleUnauthenticated(err error) {
	m.store.Update(func(s *State) {
		s.Session = nil
		s.Authenticated = false
		s.Loading = false
		s.Err = err
	})
	metrics.SessionAuthenticated.Set(0)
}

// publish broadcasts fire-and-forget; a dead bus never fails the operation
// that triggered it.
func (m *Manager) publish(ctx context.Context, msg bus.Message) {
	if err := m.transport.Publish(ctx, msg); err != nil {
		m.logger.Warn().Err(err).Str("type", string(msg.Type)).Msg("Broadcast failed")
		return
	}
	metrics.BusPublishedTotal.WithLabelValues(string(msg.Type)).Inc()
}

func (m *Manager) markInitialized() {
	m.initMu.Lock()
	m.initialized = true
	m.initMu.Unlock()
}
