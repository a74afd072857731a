package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Session end reasons recorded when active flips to false. Rows are never
// deleted; ended sessions remain as history.
const (
	EndedExpired   = "EXPIRED"
	EndedLoggedOut = "LOGGED_OUT"
	EndedEvicted   = "EVICTED"
	EndedHeartbeat = "HEARTBEAT_TIMEOUT"
)

type Session struct {
	ID            string
	AgentID       string
	Provider      string
	Token         string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	Active        bool
	EndedReason   string
	LastHeartbeat time.Time
}

func (s *Store) InsertSession(ctx context.Context, sess Session) error {
	var hb any
	if !sess.LastHeartbeat.IsZero() {
		hb = stamp(sess.LastHeartbeat)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(id,agent_id,provider,token,issued_at,expires_at,active,last_heartbeat)
		 VALUES(?,?,?,?,?,?,1,?)`,
		sess.ID, sess.AgentID, sess.Provider, sess.Token, stamp(sess.IssuedAt), stamp(sess.ExpiresAt), hb)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var sess Session
	var issued, expires string
	var active int
	var reason, hb sql.NullString
	err := row.Scan(&sess.ID, &sess.AgentID, &sess.Provider, &sess.Token,
		&issued, &expires, &active, &reason, &hb)
	if errors.Is(err, sql.ErrNoRows) {
		return sess, ErrNotFound
	}
	if err != nil {
		return sess, err
	}
	sess.IssuedAt = parseStamp(issued)
	sess.ExpiresAt = parseStamp(expires)
	sess.Active = active != 0
	if reason.Valid {
		sess.EndedReason = reason.String
	}
	if hb.Valid {
		sess.LastHeartbeat = parseStamp(hb.String)
	}
	return sess, nil
}

const sessionCols = `id,agent_id,provider,token,issued_at,expires_at,active,ended_reason,last_heartbeat`

func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE id=?`, id))
}

func (s *Store) GetSessionByToken(ctx context.Context, token string) (Session, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE token=?`, token))
}

// ActiveSessions returns the active sessions for (agent, provider), oldest
// first, so cap eviction can walk them FIFO.
func (s *Store) ActiveSessions(ctx context.Context, agentID, provider string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionCols+` FROM sessions
		 WHERE agent_id=? AND provider=? AND active=1
		 ORDER BY issued_at ASC, id ASC`, agentID, provider)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DeactivateSession flips active to false with a compare-and-swap on the
// current active flag; it reports whether this call performed the flip.
func (s *Store) DeactivateSession(ctx context.Context, id, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET active=0, ended_reason=? WHERE id=? AND active=1`, reason, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) TouchHeartbeat(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_heartbeat=? WHERE id=? AND active=1`, stamp(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
