package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SyncGroup is a named partition of world state. Zero cadence/budget means
// "use the process-wide tuning values".
type SyncGroup struct {
	Name          string
	CadenceMs     int
	FrameBudgetMs int
	CreatedAt     time.Time
}

func stamp(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseStamp(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func (s *Store) CreateGroup(ctx context.Context, g SyncGroup) error {
	if g.Name == "" {
		return fmt.Errorf("empty group name")
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_groups(name,cadence_ms,frame_budget_ms,created_at) VALUES(?,?,?,?)`,
		g.Name, g.CadenceMs, g.FrameBudgetMs, stamp(g.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) GetGroup(ctx context.Context, name string) (SyncGroup, error) {
	var g SyncGroup
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT name,cadence_ms,frame_budget_ms,created_at FROM sync_groups WHERE name=?`, name).
		Scan(&g.Name, &g.CadenceMs, &g.FrameBudgetMs, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	g.CreatedAt = parseStamp(created)
	return g, nil
}

func (s *Store) ListGroups(ctx context.Context) ([]SyncGroup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name,cadence_ms,frame_budget_ms,created_at FROM sync_groups ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SyncGroup
	for rows.Next() {
		var g SyncGroup
		var created string
		if err := rows.Scan(&g.Name, &g.CadenceMs, &g.FrameBudgetMs, &created); err != nil {
			return nil, err
		}
		g.CreatedAt = parseStamp(created)
		out = append(out, g)
	}
	return out, rows.Err()
}
