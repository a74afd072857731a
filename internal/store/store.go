// Package store is the SQLite-backed persistence layer. It is the only
// component that touches the database; everything above it receives an
// explicitly constructed *Store (no process-wide singleton).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

type Store struct {
	db *sql.DB

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Open opens (creating if needed) the database at path. ":memory:" style
// paths are accepted for tests.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." && !isMemoryPath(path) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Single connection: SQLite has one writer anyway, and a single conn
	// keeps our BEGIN IMMEDIATE transactions from deadlocking against
	// ourselves.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, enc: enc, dec: dec}, nil
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || len(path) > 5 && path[:5] == "file:"
}

func (s *Store) Close() error {
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}

// WithTx runs fn inside a serializable transaction and commits if fn
// returns nil. The capture path relies on this being a single atomic view.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
