package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// Entity is a world object. Scripts and Assets are ordered weak
// name-references into the owning group's script/asset tables.
type Entity struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Group     string          `json:"group"`
	Metadata  json.RawMessage `json:"metadata"`
	Scripts   []string        `json:"scripts"`
	Assets    []string        `json:"assets"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func marshalList(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func (s *Store) InsertEntity(ctx context.Context, e Entity) error {
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}
	if len(e.Metadata) == 0 {
		e.Metadata = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entities(id,name,grp,metadata,scripts,assets,created_at,updated_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.ID, e.Name, e.Group, string(e.Metadata), marshalList(e.Scripts), marshalList(e.Assets),
		stamp(e.CreatedAt), stamp(e.UpdatedAt))
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func scanEntity(row interface{ Scan(...any) error }) (Entity, error) {
	var e Entity
	var meta, scripts, assets, created, updated string
	err := row.Scan(&e.ID, &e.Name, &e.Group, &meta, &scripts, &assets, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.Metadata = json.RawMessage(meta)
	_ = json.Unmarshal([]byte(scripts), &e.Scripts)
	_ = json.Unmarshal([]byte(assets), &e.Assets)
	e.CreatedAt = parseStamp(created)
	e.UpdatedAt = parseStamp(updated)
	return e, nil
}

const entityCols = `id,name,grp,metadata,scripts,assets,created_at,updated_at`

func (s *Store) GetEntity(ctx context.Context, id string) (Entity, error) {
	return scanEntity(s.db.QueryRowContext(ctx,
		`SELECT `+entityCols+` FROM entities WHERE id=?`, id))
}

// GetEntityInGroup resolves an entity only within the given group. An id
// that exists in a different group reads as absent.
func (s *Store) GetEntityInGroup(ctx context.Context, group, id string) (Entity, error) {
	return scanEntity(s.db.QueryRowContext(ctx,
		`SELECT `+entityCols+` FROM entities WHERE grp=? AND id=?`, group, id))
}

func (s *Store) ListEntities(ctx context.Context, group string) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entityCols+` FROM entities WHERE grp=? ORDER BY id`, group)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateEntity rewrites the mutable columns and bumps updated_at.
func (s *Store) UpdateEntity(ctx context.Context, e Entity) error {
	if len(e.Metadata) == 0 {
		e.Metadata = json.RawMessage(`{}`)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE entities SET name=?, metadata=?, scripts=?, assets=?, updated_at=?
		 WHERE id=? AND grp=?`,
		e.Name, string(e.Metadata), marshalList(e.Scripts), marshalList(e.Assets),
		stamp(time.Now()), e.ID, e.Group)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteEntity(ctx context.Context, group, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE id=? AND grp=?`, id, group)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PruneRefs removes a vanished script or asset name from every entity in the
// group that references it. The entities themselves survive; only the
// reference arrays are pruned.
func (s *Store) PruneRefs(ctx context.Context, group, column, name string) error {
	if column != "scripts" && column != "assets" {
		return errors.New("prune: bad column")
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, `+column+` FROM entities WHERE grp=?`, group)
		if err != nil {
			return err
		}
		type patch struct {
			id   string
			list []string
		}
		var patches []patch
		for rows.Next() {
			var id, raw string
			if err := rows.Scan(&id, &raw); err != nil {
				rows.Close()
				return err
			}
			var list []string
			_ = json.Unmarshal([]byte(raw), &list)
			kept := list[:0]
			removed := false
			for _, n := range list {
				if n == name {
					removed = true
					continue
				}
				kept = append(kept, n)
			}
			if removed {
				patches = append(patches, patch{id: id, list: append([]string(nil), kept...)})
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		now := stamp(time.Now())
		for _, p := range patches {
			if _, err := tx.ExecContext(ctx,
				`UPDATE entities SET `+column+`=?, updated_at=? WHERE id=?`,
				marshalList(p.list), now, p.id); err != nil {
				return err
			}
		}
		return nil
	})
}
