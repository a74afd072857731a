package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Asset is a binary payload (model/texture data). Payloads are stored
// zstd-compressed and decompressed transparently on read.
type Asset struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Group     string    `json:"group"`
	Mime      string    `json:"mime"`
	Payload   []byte    `json:"-"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Store) InsertAsset(ctx context.Context, a Asset) error {
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = now
	}
	compressed := s.enc.EncodeAll(a.Payload, nil)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assets(id,name,grp,mime,payload,created_at,updated_at) VALUES(?,?,?,?,?,?,?)`,
		a.ID, a.Name, a.Group, a.Mime, compressed, stamp(a.CreatedAt), stamp(a.UpdatedAt))
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *Store) GetAsset(ctx context.Context, group, name string) (Asset, error) {
	var a Asset
	var compressed []byte
	var created, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT id,name,grp,mime,payload,created_at,updated_at FROM assets WHERE grp=? AND name=?`,
		group, name).
		Scan(&a.ID, &a.Name, &a.Group, &a.Mime, &compressed, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Payload, err = s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return a, err
	}
	a.Size = len(a.Payload)
	a.CreatedAt = parseStamp(created)
	a.UpdatedAt = parseStamp(updated)
	return a, nil
}

// ListAssets returns asset metadata without payloads; Size reflects the
// stored (compressed) length, which is what capture hashes against.
func (s *Store) ListAssets(ctx context.Context, group string) ([]Asset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,name,grp,mime,length(payload),created_at,updated_at FROM assets WHERE grp=? ORDER BY name`,
		group)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Asset
	for rows.Next() {
		var a Asset
		var created, updated string
		if err := rows.Scan(&a.ID, &a.Name, &a.Group, &a.Mime, &a.Size, &created, &updated); err != nil {
			return nil, err
		}
		a.CreatedAt = parseStamp(created)
		a.UpdatedAt = parseStamp(updated)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) UpdateAsset(ctx context.Context, a Asset) error {
	compressed := s.enc.EncodeAll(a.Payload, nil)
	res, err := s.db.ExecContext(ctx,
		`UPDATE assets SET mime=?, payload=?, updated_at=? WHERE grp=? AND name=?`,
		a.Mime, compressed, stamp(time.Now()), a.Group, a.Name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteAsset(ctx context.Context, group, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM assets WHERE grp=? AND name=?`, group, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
