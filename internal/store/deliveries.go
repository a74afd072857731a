package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// RecordDelivery remembers the newest tick number handed to a session for a
// group. Monotonic: an attempt to move backwards is ignored.
func (s *Store) RecordDelivery(ctx context.Context, sessionID, group string, tickNumber uint64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(session_id,grp,last_tick_number,delivered_at) VALUES(?,?,?,?)
		 ON CONFLICT(session_id,grp) DO UPDATE SET
		   last_tick_number=excluded.last_tick_number,
		   delivered_at=excluded.delivered_at
		 WHERE excluded.last_tick_number > deliveries.last_tick_number`,
		sessionID, group, tickNumber, stamp(time.Now()))
	return err
}

// LastDelivered returns 0 when the session has never received a tick for
// the group.
func (s *Store) LastDelivered(ctx context.Context, sessionID, group string) (uint64, error) {
	var n uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_tick_number FROM deliveries WHERE session_id=? AND grp=?`,
		sessionID, group).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}
