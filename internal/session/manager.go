// Package session decides whether a capture session continues or a new one
// starts, and persists and broadcasts session state.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/perceptr/perceptr-go/internal/model"
	"github.com/perceptr/perceptr-go/internal/store"
)

// Continuity defaults.
const (
	DefaultInactivityTimeout  = 30 * time.Minute
	DefaultMaxSessionDuration = 24 * time.Hour
)

// Config holds session continuity settings.
type Config struct {
	InactivityTimeout  time.Duration
	MaxSessionDuration time.Duration

	// StaleThreshold is the legacy name for InactivityTimeout. It applies only
	// when InactivityTimeout is unset.
	StaleThreshold time.Duration
}

// Manager owns the current session state. It is the sole writer; other
// components read state through GetCurrentState or a shared setter.
type Manager struct {
	store       *store.Store
	broadcaster Broadcaster // may be nil
	clock       clockwork.Clock
	logger      *slog.Logger

	inactivityTimeout  time.Duration
	maxSessionDuration time.Duration

	mu      sync.Mutex
	current *model.SessionState
}

// NewManager creates a session manager. broadcaster may be nil.
func NewManager(st *store.Store, broadcaster Broadcaster, clock clockwork.Clock, logger *slog.Logger, cfg Config) *Manager {
	inactivity := cfg.InactivityTimeout
	if inactivity == 0 {
		inactivity = cfg.StaleThreshold
	}
	if inactivity == 0 {
		inactivity = DefaultInactivityTimeout
	}
	maxDur := cfg.MaxSessionDuration
	if maxDur == 0 {
		maxDur = DefaultMaxSessionDuration
	}
	return &Manager{
		store:              st,
		broadcaster:        broadcaster,
		clock:              clock,
		logger:             logger,
		inactivityTimeout:  inactivity,
		maxSessionDuration: maxDur,
	}
}

// ShouldContinueSession reports whether a session with the given activity and
// start times is still live at now. All times are ms since epoch. The bounds
// are strict: a session exactly at either limit does not continue.
func ShouldContinueSession(lastActivityMS, startMS, nowMS int64, inactivityTimeout, maxSessionDuration time.Duration) bool {
	return nowMS-lastActivityMS < inactivityTimeout.Milliseconds() &&
		nowMS-startMS < maxSessionDuration.Milliseconds()
}

// GetOrCreateSession adopts the persisted session when it is still live,
// otherwise mints and persists a fresh one. Idempotent within one tab: a live
// in-memory session is returned as-is.
func (m *Manager) GetOrCreateSession(ctx context.Context) (*model.SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now().UnixMilli()

	if m.current != nil && m.continuesLocked(m.current, now) {
		return m.current, nil
	}

	if s := m.loadPersisted(ctx); s != nil && m.continuesLocked(s, now) {
		m.current = s
		return s, nil
	}

	fresh := &model.SessionState{
		SessionID:        uuid.NewString(),
		StartTime:        now,
		LastActivityTime: now,
	}
	m.current = fresh
	m.persistLocked(ctx, fresh)
	m.post(MessageSessionStart, fresh.SessionID, now)
	m.logger.Info("session: started", "session_id", fresh.SessionID)
	return fresh, nil
}

// UpdateActivity bumps LastActivityTime to now, re-persists, and broadcasts an
// activity message. No-op when there is no current session.
func (m *Manager) UpdateActivity(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return
	}
	now := m.clock.Now().UnixMilli()
	m.current.LastActivityTime = now
	m.persistLocked(ctx, m.current)
	m.post(MessageActivity, m.current.SessionID, now)
}

// SetCurrentState installs state obtained elsewhere (for example from a
// persisted buffer) as the in-memory session.
func (m *Manager) SetCurrentState(s *model.SessionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = s
}

// GetCurrentState returns the in-memory session state, which may be nil.
func (m *Manager) GetCurrentState() *model.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) continuesLocked(s *model.SessionState, nowMS int64) bool {
	return ShouldContinueSession(s.LastActivityTime, s.StartTime, nowMS, m.inactivityTimeout, m.maxSessionDuration)
}

func (m *Manager) loadPersisted(ctx context.Context) *model.SessionState {
	raw, ok, err := m.store.Get(ctx, store.KeySessionState)
	if err != nil {
		m.logger.Warn("session: read persisted state failed", "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	var s model.SessionState
	if err := json.Unmarshal(raw, &s); err != nil {
		m.logger.Warn("session: persisted state corrupt, discarding", "error", err)
		return nil
	}
	if s.SessionID == "" {
		return nil
	}
	return &s
}

func (m *Manager) persistLocked(ctx context.Context, s *model.SessionState) {
	raw, err := json.Marshal(s)
	if err != nil {
		m.logger.Warn("session: marshal state failed", "error", err)
		return
	}
	if err := m.store.Put(ctx, store.KeySessionState, raw, m.clock.Now().UnixMilli()); err != nil {
		m.logger.Warn("session: persist state failed", "error", err)
	}
}

// post sends an advisory message. Broadcast failures are logged and swallowed;
// a nil broadcaster disables cross-tab notifications entirely.
func (m *Manager) post(typ, sessionID string, nowMS int64) {
	if m.broadcaster == nil {
		return
	}
	if err := m.broadcaster.Post(ChannelName, Message{Type: typ, SessionID: sessionID, Timestamp: nowMS}); err != nil {
		m.logger.Warn("session: broadcast failed", "type", typ, "error", err)
	}
}
