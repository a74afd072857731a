// Package session owns the agent-session lifecycle: issuance, validation,
// heartbeat tracking, logout, and the per-provider cap with FIFO eviction.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"syncmesh.ai/internal/store"
	"syncmesh.ai/internal/tuning"
)

var (
	// ErrInvalid covers unknown tokens and sessions ended by logout or
	// eviction; the caller answers with an authentication failure either way.
	ErrInvalid = errors.New("invalid session")
	ErrExpired = errors.New("session expired")
)

type Manager struct {
	store *store.Store
	tune  tuning.Tuning
	log   *log.Logger

	now func() time.Time
}

func NewManager(s *store.Store, tune tuning.Tuning, logger *log.Logger) *Manager {
	return &Manager{store: s, tune: tune, log: logger, now: time.Now}
}

// Create issues a session for (agent, provider). If the provider cap would
// be exceeded the oldest active sessions for that pair are evicted, never
// the new one. Returns the new session and any evicted session ids.
func (m *Manager) Create(ctx context.Context, agentID, provider string) (store.Session, []string, error) {
	now := m.now()
	sess := store.Session{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Provider:  provider,
		Token:     uuid.NewString(),
		IssuedAt:  now,
		ExpiresAt: now.Add(m.tune.SessionTTL()),
		Active:    true,
	}
	if err := m.store.InsertSession(ctx, sess); err != nil {
		return store.Session{}, nil, fmt.Errorf("create session: %w", err)
	}

	var evicted []string
	limit := m.tune.MaxSessions(provider)
	active, err := m.store.ActiveSessions(ctx, agentID, provider)
	if err != nil {
		return sess, nil, err
	}
	// ActiveSessions is oldest-first; walk from the front until we fit.
	for i := 0; len(active)-i > limit; i++ {
		victim := active[i]
		if victim.ID == sess.ID {
			break
		}
		flipped, err := m.store.DeactivateSession(ctx, victim.ID, store.EndedEvicted)
		if err != nil {
			return sess, evicted, err
		}
		if flipped {
			evicted = append(evicted, victim.ID)
			m.log.Printf("evicted session %s (agent=%s provider=%s cap=%d)", victim.ID, agentID, provider, limit)
		}
	}
	return sess, evicted, nil
}

// Validate resolves a bearer token to a live session. Expiry is checked
// lazily: an expired row is flipped inactive here, no sweeper required.
func (m *Manager) Validate(ctx context.Context, token string) (store.Session, error) {
	sess, err := m.store.GetSessionByToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return store.Session{}, ErrInvalid
	}
	if err != nil {
		return store.Session{}, err
	}
	if !sess.Active {
		if sess.EndedReason == store.EndedExpired {
			return store.Session{}, ErrExpired
		}
		return store.Session{}, ErrInvalid
	}
	if m.now().After(sess.ExpiresAt) {
		// Best effort: losing the CAS race just means someone else flipped it.
		_, _ = m.store.DeactivateSession(ctx, sess.ID, store.EndedExpired)
		return store.Session{}, ErrExpired
	}
	return sess, nil
}

// Heartbeat records liveness for an active session.
func (m *Manager) Heartbeat(ctx context.Context, sessionID string) error {
	err := m.store.TouchHeartbeat(ctx, sessionID, m.now())
	if errors.Is(err, store.ErrNotFound) {
		return ErrInvalid
	}
	return err
}

func (m *Manager) Logout(ctx context.Context, sessionID string) error {
	_, err := m.store.DeactivateSession(ctx, sessionID, store.EndedLoggedOut)
	return err
}

// EvictForTimeout ends a session that stopped heartbeating. Idempotent:
// later delivery attempts for the session are no-ops.
func (m *Manager) EvictForTimeout(ctx context.Context, sessionID string) error {
	flipped, err := m.store.DeactivateSession(ctx, sessionID, store.EndedHeartbeat)
	if err != nil {
		return err
	}
	if flipped {
		m.log.Printf("session %s evicted: heartbeat timeout", sessionID)
	}
	return nil
}

// Get returns the stored session row without validity side effects.
func (m *Manager) Get(ctx context.Context, sessionID string) (store.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Session{}, ErrInvalid
	}
	return sess, err
}

// IsLive reports whether a session is usable right now (active and not past
// expiry), without mutating anything.
func (m *Manager) IsLive(ctx context.Context, sessionID string) bool {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil || !sess.Active {
		return false
	}
	return !m.now().After(sess.ExpiresAt)
}

// MissedWindows counts whole heartbeat intervals elapsed since the last
// heartbeat (or issuance, if none arrived yet). The gateway kicks the
// session once this reaches the configured consecutive-warning count.
func MissedWindows(sess store.Session, now time.Time, interval time.Duration) int {
	if interval <= 0 {
		return 0
	}
	last := sess.LastHeartbeat
	if last.IsZero() {
		last = sess.IssuedAt
	}
	elapsed := now.Sub(last)
	if elapsed <= 0 {
		return 0
	}
	return int(elapsed / interval)
}
