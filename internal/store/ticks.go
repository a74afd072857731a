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

// Row kinds captured per tick.
const (
	KindEntity = "entity"
	KindScript = "script"
	KindAsset  = "asset"
)

// Tick is an immutable numbered capture record for one group.
type Tick struct {
	ID            string    `json:"id"`
	Group         string    `json:"group"`
	Number        uint64    `json:"number"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	DurationMs    int64     `json:"duration_ms"`
	RowsProcessed int       `json:"rows_processed"`
	Delayed       bool      `json:"delayed"`
	HeadroomMs    int64     `json:"headroom_ms"`
}

// TickRow is one captured row: the canonical JSON of an entity/script/asset
// as it stood at capture time.
type TickRow struct {
	Kind  string
	RowID string
	Data  json.RawMessage
}

// RowKey identifies a captured row across ticks.
type RowKey struct {
	Kind string
	ID   string
}

// LatestTickNumberTx reads the group's newest tick number inside the capture
// transaction, so number assignment and row copy see the same state.
func LatestTickNumberTx(ctx context.Context, tx *sql.Tx, group string) (uint64, error) {
	var n sql.NullInt64
	err := tx.QueryRowContext(ctx,
		`SELECT MAX(number) FROM world_ticks WHERE grp=?`, group).Scan(&n)
	if err != nil {
		return 0, err
	}
	if !n.Valid {
		return 0, nil
	}
	return uint64(n.Int64), nil
}

func InsertTickTx(ctx context.Context, tx *sql.Tx, t Tick) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO world_ticks(id,grp,number,start_time,end_time,duration_ms,rows_processed,delayed,headroom_ms)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Group, t.Number, stamp(t.StartTime), stamp(t.EndTime),
		t.DurationMs, t.RowsProcessed, b2i(t.Delayed), t.HeadroomMs)
	return err
}

// Canonical per-kind row shapes stored in tick_rows. Timestamps stay as the
// stored strings so a capture round-trip never reformats them.
type entityRowV1 struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Metadata  json.RawMessage `json:"metadata"`
	Scripts   json.RawMessage `json:"scripts"`
	Assets    json.RawMessage `json:"assets"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

type scriptRowV1 struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Source    string          `json:"source"`
	Status    string          `json:"status"`
	Artifacts json.RawMessage `json:"artifacts"`
	Hash      string          `json:"hash"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

type assetRowV1 struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Mime      string `json:"mime"`
	Size      int    `json:"size"`
	Hash      string `json:"hash"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// CopyGroupRowsTx snapshots every entity/script/asset in the group into
// tick_rows for the given tick. Returns the number of rows copied.
func CopyGroupRowsTx(ctx context.Context, tx *sql.Tx, tickID, group string) (int, error) {
	ins, err := tx.PrepareContext(ctx,
		`INSERT INTO tick_rows(tick_id,kind,row_id,data) VALUES(?,?,?,?)`)
	if err != nil {
		return 0, err
	}
	defer ins.Close()

	total := 0

	copyKind := func(query string, kind string, scan func(*sql.Rows) (string, []byte, error)) error {
		rows, err := tx.QueryContext(ctx, query, group)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			id, data, err := scan(rows)
			if err != nil {
				return err
			}
			if _, err := ins.ExecContext(ctx, tickID, kind, id, string(data)); err != nil {
				return err
			}
			total++
		}
		return rows.Err()
	}

	err = copyKind(
		`SELECT id,name,metadata,scripts,assets,created_at,updated_at FROM entities WHERE grp=?`,
		KindEntity,
		func(rows *sql.Rows) (string, []byte, error) {
			var r entityRowV1
			var meta, scripts, assets string
			if err := rows.Scan(&r.ID, &r.Name, &meta, &scripts, &assets, &r.CreatedAt, &r.UpdatedAt); err != nil {
				return "", nil, err
			}
			r.Metadata = json.RawMessage(meta)
			r.Scripts = json.RawMessage(scripts)
			r.Assets = json.RawMessage(assets)
			b, err := json.Marshal(r)
			return r.ID, b, err
		})
	if err != nil {
		return total, err
	}

	err = copyKind(
		`SELECT id,name,source,status,artifacts,hash,created_at,updated_at FROM scripts WHERE grp=?`,
		KindScript,
		func(rows *sql.Rows) (string, []byte, error) {
			var r scriptRowV1
			var artifacts string
			if err := rows.Scan(&r.ID, &r.Name, &r.Source, &r.Status, &artifacts, &r.Hash, &r.CreatedAt, &r.UpdatedAt); err != nil {
				return "", nil, err
			}
			r.Artifacts = json.RawMessage(artifacts)
			b, err := json.Marshal(r)
			return r.ID, b, err
		})
	if err != nil {
		return total, err
	}

	err = copyKind(
		`SELECT id,name,mime,payload,created_at,updated_at FROM assets WHERE grp=?`,
		KindAsset,
		func(rows *sql.Rows) (string, []byte, error) {
			var r assetRowV1
			var payload []byte
			if err := rows.Scan(&r.ID, &r.Name, &r.Mime, &payload, &r.CreatedAt, &r.UpdatedAt); err != nil {
				return "", nil, err
			}
			r.Size = len(payload)
			sum := sha256.Sum256(payload)
			r.Hash = hex.EncodeToString(sum[:])
			b, err := json.Marshal(r)
			return r.ID, b, err
		})
	return total, err
}

func scanTick(row interface{ Scan(...any) error }) (Tick, error) {
	var t Tick
	var start, end string
	var delayed int
	err := row.Scan(&t.ID, &t.Group, &t.Number, &start, &end,
		&t.DurationMs, &t.RowsProcessed, &delayed, &t.HeadroomMs)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.StartTime = parseStamp(start)
	t.EndTime = parseStamp(end)
	t.Delayed = delayed != 0
	return t, nil
}

const tickCols = `id,grp,number,start_time,end_time,duration_ms,rows_processed,delayed,headroom_ms`

func (s *Store) LatestTick(ctx context.Context, group string) (Tick, error) {
	return scanTick(s.db.QueryRowContext(ctx,
		`SELECT `+tickCols+` FROM world_ticks WHERE grp=? ORDER BY number DESC LIMIT 1`, group))
}

func (s *Store) TickByNumber(ctx context.Context, group string, number uint64) (Tick, error) {
	return scanTick(s.db.QueryRowContext(ctx,
		`SELECT `+tickCols+` FROM world_ticks WHERE grp=? AND number=?`, group, number))
}

func (s *Store) ListTicks(ctx context.Context, group string, limit int) ([]Tick, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tickCols+` FROM world_ticks WHERE grp=? ORDER BY number DESC LIMIT ?`, group, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Tick
	for rows.Next() {
		t, err := scanTick(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TickRowSet loads the captured rows of one tick keyed by (kind, id).
func (s *Store) TickRowSet(ctx context.Context, tickID string) (map[RowKey]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind,row_id,data FROM tick_rows WHERE tick_id=?`, tickID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[RowKey]json.RawMessage)
	for rows.Next() {
		var kind, id, data string
		if err := rows.Scan(&kind, &id, &data); err != nil {
			return nil, err
		}
		out[RowKey{Kind: kind, ID: id}] = json.RawMessage(data)
	}
	return out, rows.Err()
}

// PruneTickHistory drops captured row copies older than the retention depth.
// The tick records themselves stay (they are small and feed telemetry
// queries); only the diff substrate is bounded.
func (s *Store) PruneTickHistory(ctx context.Context, group string, depth int) error {
	if depth <= 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		latest, err := LatestTickNumberTx(ctx, tx, group)
		if err != nil {
			return err
		}
		if latest <= uint64(depth) {
			return nil
		}
		cutoff := latest - uint64(depth)
		_, err = tx.ExecContext(ctx,
			`DELETE FROM tick_rows WHERE tick_id IN
			   (SELECT id FROM world_ticks WHERE grp=? AND number<=?)`, group, cutoff)
		return err
	})
}
