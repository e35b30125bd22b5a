package archive

import (
	"database/sql"
	"fmt"
)

// schemaVersion tracks the on-disk schema so future migrations can be
// added the way the teacher versions internal/memorygraph's schema.
const schemaVersion = 1

const schemaDDL = `
CREATE TABLE IF NOT EXISTS turns (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_key TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	tags TEXT
);

CREATE INDEX IF NOT EXISTS idx_turns_session_key ON turns(session_key, timestamp);
CREATE INDEX IF NOT EXISTS idx_turns_timestamp ON turns(timestamp);

CREATE VIRTUAL TABLE IF NOT EXISTS turns_fts USING fts5(
	content,
	content='turns',
	content_rowid='id'
);

CREATE TRIGGER IF NOT EXISTS turns_ai AFTER INSERT ON turns BEGIN
	INSERT INTO turns_fts(rowid, content) VALUES (new.id, new.content);
END;

CREATE TRIGGER IF NOT EXISTS turns_ad AFTER DELETE ON turns BEGIN
	INSERT INTO turns_fts(turns_fts, rowid, content) VALUES ('delete', old.id, old.content);
END;

CREATE TRIGGER IF NOT EXISTS turns_au AFTER UPDATE ON turns BEGIN
	INSERT INTO turns_fts(turns_fts, rowid, content) VALUES ('delete', old.id, old.content);
	INSERT INTO turns_fts(rowid, content) VALUES (new.id, new.content);
END;

CREATE TABLE IF NOT EXISTS world_model_history (
	id TEXT PRIMARY KEY,
	section TEXT NOT NULL,
	field TEXT NOT NULL,
	value TEXT,
	reason TEXT,
	removed_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_wmh_section_field ON world_model_history(section, field);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);
`

// initSchema creates every table, index, virtual table, and trigger if
// missing, grounded on the teacher's internal/memorygraph/schema.go
// versioned-migration pattern (simplified: this store has one version so
// far).
func initSchema(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("archive: failed to enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("archive: failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("archive: failed to apply schema: %w", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		return fmt.Errorf("archive: failed to check schema version: %w", err)
	}
	if count == 0 {
		if _, err := db.Exec("INSERT INTO schema_version(version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("archive: failed to record schema version: %w", err)
		}
	}

	return nil
}
