// Package archive is the embedded full-text + exact-match store for turns
// evicted from SessionBuffer and for retired world-model items. Grounded
// on the teacher's internal/memorygraph (mattn/go-sqlite3, WAL journaling,
// a contentless FTS5 virtual table kept in sync by AFTER INSERT/DELETE/
// UPDATE triggers, bm25(...) ranking) and simplified to the gateway's
// single `turns` table instead of memorygraph's multi-table memory graph.
package archive

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/mkessler/gateway/internal/logging"
	"github.com/mkessler/gateway/internal/turn"
)

// Record is one archived turn.
type Record struct {
	ID         int64  `json:"id"`
	SessionKey string `json:"sessionKey"`
	Role       string `json:"role"`
	Content    string `json:"content"`
	Timestamp  int64  `json:"timestamp"`
	Tags       string `json:"tags,omitempty"`
}

// WorldModelHistoryItem is a removed world-model field, kept for browsing.
type WorldModelHistoryItem struct {
	ID        string `json:"id"`
	Section   string `json:"section"`
	Field     string `json:"field"`
	Value     string `json:"value"`
	Reason    string `json:"reason"`
	RemovedAt int64  `json:"removedAt"`
}

// Archive is the process-wide exclusive-open connection to the archive
// database.
type Archive struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite-backed archive at path and
// applies the schema. Fatal per spec's error taxonomy: callers should
// abort startup if this fails.
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("archive: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // exclusive-open to this process, single-loop writer

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	logging.L_info("archive: opened", "path", path)
	return &Archive{db: db}, nil
}

// Close flushes the WAL and closes the database.
func (a *Archive) Close() error {
	if _, err := a.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		logging.L_warn("archive: wal checkpoint failed on close", "error", err)
	}
	return a.db.Close()
}

// Vacuum performs a WAL checkpoint outside of shutdown, e.g. on a
// maintenance timer.
func (a *Archive) Vacuum() error {
	_, err := a.db.Exec("PRAGMA wal_checkpoint(PASSIVE)")
	return err
}

// Archive inserts a batch of turns in a single transaction. No
// duplication check: callers are expected to pass disjoint batches
// (SessionBuffer eviction batches).
func (a *Archive) Archive(turns []turn.Turn) ([]int64, error) {
	if len(turns) == 0 {
		return nil, nil
	}

	tx, err := a.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("archive: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO turns(session_key, role, content, timestamp) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	ids := make([]int64, 0, len(turns))
	for _, t := range turns {
		res, err := stmt.Exec(t.SessionKey, string(t.Role), t.Content, t.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("archive: failed to insert turn: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("archive: failed to read inserted id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("archive: failed to commit transaction: %w", err)
	}

	logging.L_debug("archive: archived batch", "count", len(turns))
	return ids, nil
}

// UpdateTags attaches a comma-joined tag string to already-inserted rows.
func (a *Archive) UpdateTags(ids []int64, tags []string) error {
	if len(ids) == 0 {
		return nil
	}
	joined := strings.Join(tags, ",")

	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("archive: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`UPDATE turns SET tags = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("archive: failed to prepare update: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(joined, id); err != nil {
			return fmt.Errorf("archive: failed to update tags for %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// ArchiveWorldModelItem records a removed world-model field for later
// browsing, mirroring the teacher's narrow-side-table-per-concern pattern
// (routine_metadata/feedback_metadata in internal/memorygraph/store.go).
func (a *Archive) ArchiveWorldModelItem(section, field, value, reason string) error {
	id := ulid.Make().String()
	_, err := a.db.Exec(
		`INSERT INTO world_model_history(id, section, field, value, reason, removed_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, section, field, value, reason, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("archive: failed to archive world-model item: %w", err)
	}
	return nil
}

// ListWorldModelHistory returns removed world-model fields newest-first,
// optionally filtered by section and/or field.
func (a *Archive) ListWorldModelHistory(section, field string, limit int) ([]WorldModelHistoryItem, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, section, field, value, reason, removed_at FROM world_model_history WHERE 1=1`
	var args []interface{}
	if section != "" {
		query += " AND section = ?"
		args = append(args, section)
	}
	if field != "" {
		query += " AND field = ?"
		args = append(args, field)
	}
	query += " ORDER BY removed_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := a.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to list world-model history: %w", err)
	}
	defer rows.Close()

	var out []WorldModelHistoryItem
	for rows.Next() {
		var item WorldModelHistoryItem
		if err := rows.Scan(&item.ID, &item.Section, &item.Field, &item.Value, &item.Reason, &item.RemovedAt); err != nil {
			return nil, fmt.Errorf("archive: failed to scan world-model history row: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// GetRecentTurns returns the most recent limit turns for key, newest-first.
func (a *Archive) GetRecentTurns(key string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := a.db.Query(
		`SELECT id, session_key, role, content, timestamp, COALESCE(tags, '') FROM turns WHERE session_key = ? ORDER BY timestamp DESC LIMIT ?`,
		key, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to query recent turns: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Read returns a single archived turn by id.
func (a *Archive) Read(id int64) (*Record, error) {
	row := a.db.QueryRow(
		`SELECT id, session_key, role, content, timestamp, COALESCE(tags, '') FROM turns WHERE id = ?`, id,
	)
	var r Record
	if err := row.Scan(&r.ID, &r.SessionKey, &r.Role, &r.Content, &r.Timestamp, &r.Tags); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("archive: failed to read turn %d: %w", id, err)
	}
	return &r, nil
}

// Stats reports an aggregate view for the ManagementAPI status snapshot.
type Stats struct {
	RowCount    int64
	FTSRowCount int64
	DBSizeBytes int64
}

// Stats computes the aggregate view. path is the on-disk database file,
// used to report its size; pass "" to skip that field.
func (a *Archive) Stats(path string) (Stats, error) {
	var s Stats
	if err := a.db.QueryRow(`SELECT COUNT(*) FROM turns`).Scan(&s.RowCount); err != nil {
		return s, fmt.Errorf("archive: failed to count turns: %w", err)
	}
	if err := a.db.QueryRow(`SELECT COUNT(*) FROM turns_fts`).Scan(&s.FTSRowCount); err != nil {
		return s, fmt.Errorf("archive: failed to count fts rows: %w", err)
	}
	if path != "" {
		if info, err := os.Stat(path); err == nil {
			s.DBSizeBytes = info.Size()
		} else {
			logging.L_warn("archive: failed to stat database file for size", "path", path, "error", err)
		}
	}
	return s, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.SessionKey, &r.Role, &r.Content, &r.Timestamp, &r.Tags); err != nil {
			return nil, fmt.Errorf("archive: failed to scan turn row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
