package store

import "database/sql"

func initPragmas(db *sql.DB) error {
	// WAL keeps readers off the writer's back; NORMAL is a fair
	// durability/perf tradeoff for a state store that is rebuilt from
	// mutations anyway.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sync_groups (
			name TEXT PRIMARY KEY,
			cadence_ms INTEGER NOT NULL DEFAULT 0,
			frame_budget_ms INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			provider TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			token TEXT NOT NULL UNIQUE,
			issued_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			ended_reason TEXT,
			last_heartbeat TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_agent_provider ON sessions(agent_id, provider, active);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_token ON sessions(token);`,
		`CREATE TABLE IF NOT EXISTS sync_group_roles (
			agent_id TEXT NOT NULL,
			grp TEXT NOT NULL,
			can_read INTEGER NOT NULL DEFAULT 0,
			can_insert INTEGER NOT NULL DEFAULT 0,
			can_update INTEGER NOT NULL DEFAULT 0,
			can_delete INTEGER NOT NULL DEFAULT 0,
			is_admin INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (agent_id, grp)
		);`,
		`CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			grp TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			scripts TEXT NOT NULL DEFAULT '[]',
			assets TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_entities_grp ON entities(grp);`,
		`CREATE TABLE IF NOT EXISTS scripts (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			grp TEXT NOT NULL,
			source TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('pending','compiled','failed')),
			artifacts TEXT NOT NULL DEFAULT '{}',
			hash TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (grp, name)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_scripts_grp ON scripts(grp);`,
		`CREATE TABLE IF NOT EXISTS assets (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			grp TEXT NOT NULL,
			mime TEXT NOT NULL,
			payload BLOB NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (grp, name)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_assets_grp ON assets(grp);`,
		`CREATE TABLE IF NOT EXISTS world_ticks (
			id TEXT PRIMARY KEY,
			grp TEXT NOT NULL,
			number INTEGER NOT NULL,
			start_time TEXT NOT NULL,
			end_time TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			rows_processed INTEGER NOT NULL,
			delayed INTEGER NOT NULL DEFAULT 0,
			headroom_ms INTEGER NOT NULL DEFAULT 0,
			UNIQUE (grp, number)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ticks_grp_number ON world_ticks(grp, number);`,
		`CREATE TABLE IF NOT EXISTS tick_rows (
			tick_id TEXT NOT NULL,
			kind TEXT NOT NULL CHECK(kind IN ('entity','script','asset')),
			row_id TEXT NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (tick_id, kind, row_id)
		);`,
		`CREATE TABLE IF NOT EXISTS deliveries (
			session_id TEXT NOT NULL,
			grp TEXT NOT NULL,
			last_tick_number INTEGER NOT NULL,
			delivered_at TEXT NOT NULL,
			PRIMARY KEY (session_id, grp)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	if _, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	return nil
}
