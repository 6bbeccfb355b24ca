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
		Description: "memories: personalization records partitioned by owner and kind",
		SQL: `
CREATE TABLE memories (
    id                  TEXT PRIMARY KEY,
    owner_id            TEXT NOT NULL,
    kind                TEXT NOT NULL CHECK (kind IN ('semantic', 'episodic', 'procedural')),
    category            TEXT NOT NULL CHECK (category IN ('finance', 'budget', 'goals', 'personal', 'education', 'other')),
    summary             TEXT NOT NULL,
    tags                TEXT NOT NULL DEFAULT '[]',

    -- Scoring inputs
    source_trust        REAL NOT NULL DEFAULT 0,
    valence             TEXT NOT NULL DEFAULT 'neutral',
    intensity           REAL NOT NULL DEFAULT 0,
    importance          REAL NOT NULL DEFAULT 0,
    pinned              INTEGER NOT NULL DEFAULT 0,
    explicit_importance INTEGER NOT NULL DEFAULT 0,
    legal_hold          INTEGER NOT NULL DEFAULT 0,

    -- Lifecycle
    access_count        INTEGER NOT NULL DEFAULT 0,
    archived            INTEGER NOT NULL DEFAULT 0,
    archived_at         INTEGER,
    deleted             INTEGER NOT NULL DEFAULT 0,
    deleted_at          INTEGER,
    indexed             INTEGER NOT NULL DEFAULT 0,

    -- Links
    related_ids         TEXT NOT NULL DEFAULT '[]',
    merged_from         TEXT NOT NULL DEFAULT '[]',

    version             INTEGER NOT NULL DEFAULT 1,
    created_at          INTEGER NOT NULL,
    updated_at          INTEGER NOT NULL,
    last_accessed_at    INTEGER NOT NULL
);

CREATE INDEX idx_memories_ns       ON memories(owner_id, kind);
CREATE INDEX idx_memories_category ON memories(owner_id, kind, category);
CREATE INDEX idx_memories_archived ON memories(archived, deleted);
`,
	},
	{
		Version:     2,
		Description: "memory_vectors: one embedding per memory",
		SQL: `
CREATE TABLE memory_vectors (
    memory_id  TEXT PRIMARY KEY,
    embedding  BLOB NOT NULL,
    dimensions INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (memory_id) REFERENCES memories(id) ON DELETE CASCADE
);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
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
