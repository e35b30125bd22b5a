// Package sessionlog is the append-only, authoritative audit trail of
// every Turn in every session: one JSON-per-line file per session key
// under sessions/<hex-of-key>.jsonl. Grounded on the teacher's
// append-then-fsync JSONL writer (internal/session/jsonl.go) and adapted
// to the gateway's simpler one-file-per-session model (no sessions.json
// index, no compaction records: the log is pure history, not replayable
// agent state).
package sessionlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mkessler/gateway/internal/logging"
	"github.com/mkessler/gateway/internal/sessionkey"
	"github.com/mkessler/gateway/internal/turn"
)

// Log is the append-only per-session audit trail.
type Log struct {
	dir string
	mu  sync.Mutex // serializes appends across all sessions (single loop model)
}

// New creates a SessionLog rooted at dir (typically data/sessions).
func New(dir string) *Log {
	return &Log{dir: dir}
}

func (l *Log) pathFor(key string) string {
	return filepath.Join(l.dir, sessionkey.Encode(key)+".jsonl")
}

// legacySanitize reproduces the lossy pre-hex filename scheme so existing
// files can be migrated forward once.
func legacySanitize(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// migrateLegacy renames a sanitized-legacy file to the hex filename for
// key, if the legacy file exists and the hex one does not.
func (l *Log) migrateLegacy(key string) {
	hexPath := l.pathFor(key)
	if _, err := os.Stat(hexPath); err == nil {
		return // hex file already exists
	}
	legacyPath := filepath.Join(l.dir, legacySanitize(key)+".jsonl")
	if _, err := os.Stat(legacyPath); err != nil {
		return // no legacy file
	}
	if err := os.Rename(legacyPath, hexPath); err != nil {
		logging.L_warn("sessionlog: failed to migrate legacy filename", "key", key, "error", err)
		return
	}
	logging.L_info("sessionlog: migrated legacy filename", "key", key)
}

// Append atomically appends one Turn to the session's log file, creating
// the file (and its directory) on first write.
func (l *Log) Append(key string, t turn.Turn) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.migrateLegacy(key)

	if err := os.MkdirAll(l.dir, 0750); err != nil {
		return fmt.Errorf("sessionlog: failed to create directory: %w", err)
	}

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("sessionlog: failed to marshal turn: %w", err)
	}

	f, err := os.OpenFile(l.pathFor(key), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("sessionlog: failed to open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("sessionlog: failed to append turn: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sessionlog: failed to sync log file: %w", err)
	}

	logging.L_trace("sessionlog: appended turn", "key", key, "role", t.Role)
	return nil
}

// Read returns all turns recorded for key, in append order. A partial
// last line (left by a crash mid-write) is ignored rather than failing
// the whole read.
func (l *Log) Read(key string) ([]turn.Turn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.pathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sessionlog: failed to open log file: %w", err)
	}
	defer f.Close()

	var turns []turn.Turn
	scanner := bufio.NewScanner(f)
	const maxLine = 4 * 1024 * 1024
	scanner.Buffer(make([]byte, maxLine), maxLine)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var t turn.Turn
		if err := json.Unmarshal(line, &t); err != nil {
			// Best-effort: a partial line from a crash, or corruption. Skip it.
			logging.L_warn("sessionlog: skipping unparseable line", "key", key, "error", err)
			continue
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// Entry summarizes one session for List.
type Entry struct {
	Key          string
	Parsed       sessionkey.Key
	MessageCount int
	LastActivity int64
	Path         string
}

// List scans the session directory and summarizes every valid session.
// Filenames that don't hex-decode to valid UTF-8 are skipped (never
// auto-deleted).
func (l *Log) List() ([]Entry, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sessionlog: failed to list directory: %w", err)
	}

	var out []Entry
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		stem := strings.TrimSuffix(name, ".jsonl")
		key, err := sessionkey.Decode(stem)
		if err != nil {
			logging.L_warn("sessionlog: skipping undecodable session filename", "file", name, "error", err)
			continue
		}

		turns, err := l.Read(key)
		if err != nil {
			logging.L_warn("sessionlog: failed to read session for listing", "key", key, "error", err)
			continue
		}
		if len(turns) == 0 {
			continue // a session exists iff its file has >=1 valid record
		}

		parsed, err := sessionkey.Parse(key)
		if err != nil {
			logging.L_warn("sessionlog: session file has unparseable key", "key", key, "error", err)
			continue
		}

		out = append(out, Entry{
			Key:          key,
			Parsed:       parsed,
			MessageCount: len(turns),
			LastActivity: turns[len(turns)-1].Timestamp,
			Path:         filepath.Join(l.dir, name),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity > out[j].LastActivity })
	return out, nil
}

// Exists reports whether key has a session file with at least one record.
func (l *Log) Exists(key string) bool {
	turns, err := l.Read(key)
	return err == nil && len(turns) > 0
}

// Clear truncates the session's log file.
func (l *Log) Clear(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	path := l.pathFor(key)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := os.Truncate(path, 0); err != nil {
		return fmt.Errorf("sessionlog: failed to clear log file: %w", err)
	}
	return nil
}

// Stats aggregates across every session, for the ManagementAPI status
// snapshot.
type Stats struct {
	TotalSessions  int
	TotalTurns     int
	OldestActivity int64
	NewestActivity int64
}

// Stats computes the aggregate view, grounded on the teacher's
// session.Manager.List() aggregation.
func (l *Log) Stats() (Stats, error) {
	entries, err := l.List()
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	s.TotalSessions = len(entries)
	for _, e := range entries {
		s.TotalTurns += e.MessageCount
		if s.OldestActivity == 0 || e.LastActivity < s.OldestActivity {
			s.OldestActivity = e.LastActivity
		}
		if e.LastActivity > s.NewestActivity {
			s.NewestActivity = e.LastActivity
		}
	}
	return s, nil
}
