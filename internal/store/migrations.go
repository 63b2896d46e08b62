package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "mem_nodes: episodic memory tree arena",
		SQL: `
CREATE TABLE mem_nodes (
    id          TEXT PRIMARY KEY,
    level       INTEGER NOT NULL CHECK (level >= 0),
    parent_id   TEXT REFERENCES mem_nodes(id),

    starts_at   INTEGER NOT NULL,
    ends_at     INTEGER NOT NULL,
    summary     TEXT NOT NULL,

    -- Raw payload lifecycle (levels 0/1 only)
    raw_payload INTEGER NOT NULL DEFAULT 0,
    degraded    INTEGER NOT NULL DEFAULT 0,
    locked      INTEGER NOT NULL DEFAULT 0,

    -- Optimistic concurrency
    version     INTEGER NOT NULL DEFAULT 1,

    -- Cached utility signal (re-derivable, never authoritative)
    utility     REAL,
    utility_at  INTEGER,
    salience    REAL,
    salience_at INTEGER,

    -- Correction state
    corrected   INTEGER NOT NULL DEFAULT 0,
    confidence  TEXT NOT NULL DEFAULT '',

    merged_from TEXT,
    rescore     INTEGER NOT NULL DEFAULT 0,

    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);

CREATE INDEX idx_nodes_parent ON mem_nodes(parent_id);
CREATE INDEX idx_nodes_level  ON mem_nodes(level);
CREATE INDEX idx_nodes_time   ON mem_nodes(starts_at, ends_at);
`,
	},
	{
		Version:     2,
		Description: "mem_access: append-only access log per node",
		SQL: `
CREATE TABLE mem_access (
    id          INTEGER PRIMARY KEY,
    node_id     TEXT NOT NULL REFERENCES mem_nodes(id) ON DELETE CASCADE,
    accessed_at INTEGER NOT NULL
);

CREATE INDEX idx_access_node ON mem_access(node_id, accessed_at DESC);
`,
	},
	{
		Version:     3,
		Description: "mem_corrections: per-node correction history",
		SQL: `
CREATE TABLE mem_corrections (
    id             INTEGER PRIMARY KEY,
    node_id        TEXT NOT NULL REFERENCES mem_nodes(id) ON DELETE CASCADE,
    corrected_at   INTEGER NOT NULL,
    prior_text     TEXT NOT NULL,
    corrected_text TEXT NOT NULL,
    triggered_by   TEXT NOT NULL
);

CREATE INDEX idx_corrections_node ON mem_corrections(node_id);
`,
	},
	{
		Version:     4,
		Description: "mem_edits: audit log for correction cascades",
		SQL: `
CREATE TABLE mem_edits (
    id              INTEGER PRIMARY KEY,
    edited_at       INTEGER NOT NULL,
    corrected_node  TEXT NOT NULL,
    ancestors       TEXT NOT NULL,
    user_correction TEXT NOT NULL
);
`,
	},
	{
		Version:     5,
		Description: "mem_vectors: embedding vectors for semantic search",
		SQL: `
CREATE TABLE mem_vectors (
    node_id    TEXT PRIMARY KEY REFERENCES mem_nodes(id) ON DELETE CASCADE,
    embedding  BLOB NOT NULL,
    model      TEXT NOT NULL,
    dimensions INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);
`,
	},
}

func (db *DB) migrate() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
