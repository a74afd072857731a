package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

type Agent struct {
	ID        string
	Name      string
	Provider  string
	CreatedAt time.Time
}

func (s *Store) UpsertAgent(ctx context.Context, a Agent) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents(id,name,provider,created_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, provider=excluded.provider`,
		a.ID, a.Name, a.Provider, stamp(a.CreatedAt))
	return err
}

func (s *Store) GetAgent(ctx context.Context, id string) (Agent, error) {
	var a Agent
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id,name,provider,created_at FROM agents WHERE id=?`, id).
		Scan(&a.ID, &a.Name, &a.Provider, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.CreatedAt = parseStamp(created)
	return a, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
