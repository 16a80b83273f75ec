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
		Description: "concepts: per-concept decay state",
		SQL: `
CREATE TABLE concepts (
    id               TEXT PRIMARY KEY,
    name             TEXT NOT NULL,
    name_key         TEXT NOT NULL UNIQUE,

    -- Decay state
    memory_score     REAL NOT NULL CHECK (memory_score >= 0 AND memory_score <= 1),
    decay_rate       REAL NOT NULL CHECK (decay_rate > 0),
    attention        REAL NOT NULL DEFAULT 0.5,
    audio            REAL NOT NULL DEFAULT 0.5,
    intent           REAL NOT NULL DEFAULT 0.5,

    -- Schedule (unix nanoseconds)
    last_seen        INTEGER NOT NULL,
    next_review      INTEGER NOT NULL,
    last_reminded    INTEGER,
    observed_usage   INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX idx_concepts_next_review ON concepts(next_review);
CREATE INDEX idx_concepts_last_seen   ON concepts(last_seen);
`,
	},
	{
		Version:     2,
		Description: "concept_edges: co-occurrence graph",
		SQL: `
CREATE TABLE concept_edges (
    a            TEXT NOT NULL,
    b            TEXT NOT NULL,
    weight       REAL NOT NULL DEFAULT 0,
    last_updated INTEGER NOT NULL,

    PRIMARY KEY (a, b),
    CHECK (a < b),
    FOREIGN KEY (a) REFERENCES concepts(id) ON DELETE CASCADE,
    FOREIGN KEY (b) REFERENCES concepts(id) ON DELETE CASCADE
);

CREATE INDEX idx_edges_b ON concept_edges(b);
`,
	},
	{
		Version:     3,
		Description: "observations: ingested event journal",
		SQL: `
CREATE TABLE observations (
    id           INTEGER PRIMARY KEY,
    concepts     TEXT NOT NULL,
    confidences  TEXT,
    salience     TEXT,
    observed_at  INTEGER NOT NULL,
    created_at   INTEGER NOT NULL
);

CREATE INDEX idx_obs_created ON observations(created_at DESC);
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

// LatestSchemaVersion is the schema version this build migrates to.
func LatestSchemaVersion() int {
	return migrations[len(migrations)-1].Version
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
