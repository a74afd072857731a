package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

// Script compilation states.
const (
	ScriptPending  = "pending"
	ScriptCompiled = "compiled"
	ScriptFailed   = "failed"
)

// Script holds compiled source produced by the external bundling pipeline.
// Artifacts maps a target platform to its opaque code blob.
type Script struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Group     string            `json:"group"`
	Source    string            `json:"source"`
	Status    string            `json:"status"`
	Artifacts map[string]string `json:"artifacts"`
	Hash      string            `json:"hash"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func HashSource(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

func marshalArtifacts(m map[string]string) string {
	if m == nil {
		m = map[string]string{}
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func (s *Store) InsertScript(ctx context.Context, sc Script) error {
	now := time.Now()
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = now
	}
	if sc.UpdatedAt.IsZero() {
		sc.UpdatedAt = now
	}
	if sc.Status == "" {
		sc.Status = ScriptPending
	}
	if sc.Hash == "" {
		sc.Hash = HashSource(sc.Source)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scripts(id,name,grp,source,status,artifacts,hash,created_at,updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		sc.ID, sc.Name, sc.Group, sc.Source, sc.Status, marshalArtifacts(sc.Artifacts), sc.Hash,
		stamp(sc.CreatedAt), stamp(sc.UpdatedAt))
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func scanScript(row interface{ Scan(...any) error }) (Script, error) {
	var sc Script
	var artifacts, created, updated string
	err := row.Scan(&sc.ID, &sc.Name, &sc.Group, &sc.Source, &sc.Status, &artifacts, &sc.Hash, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return sc, ErrNotFound
	}
	if err != nil {
		return sc, err
	}
	_ = json.Unmarshal([]byte(artifacts), &sc.Artifacts)
	sc.CreatedAt = parseStamp(created)
	sc.UpdatedAt = parseStamp(updated)
	return sc, nil
}

const scriptCols = `id,name,grp,source,status,artifacts,hash,created_at,updated_at`

func (s *Store) GetScript(ctx context.Context, group, name string) (Script, error) {
	return scanScript(s.db.QueryRowContext(ctx,
		`SELECT `+scriptCols+` FROM scripts WHERE grp=? AND name=?`, group, name))
}

func (s *Store) ListScripts(ctx context.Context, group string) ([]Script, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scriptCols+` FROM scripts WHERE grp=? ORDER BY name`, group)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Script
	for rows.Next() {
		sc, err := scanScript(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// UpdateScriptStatus records the outcome of a compile attempt along with its
// produced artifacts; the content hash is recomputed only when source changes.
func (s *Store) UpdateScriptStatus(ctx context.Context, group, name, status string, artifacts map[string]string) error {
	if status != ScriptPending && status != ScriptCompiled && status != ScriptFailed {
		return errors.New("bad script status")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE scripts SET status=?, artifacts=?, updated_at=? WHERE grp=? AND name=?`,
		status, marshalArtifacts(artifacts), stamp(time.Now()), group, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) UpdateScriptSource(ctx context.Context, group, name, source string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scripts SET source=?, hash=?, status=?, updated_at=? WHERE grp=? AND name=?`,
		source, HashSource(source), ScriptPending, stamp(time.Now()), group, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteScript(ctx context.Context, group, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scripts WHERE grp=? AND name=?`, group, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
