package archive

import (
	"fmt"
	"strings"

	"github.com/mkessler/gateway/internal/logging"
)

// SearchGrep returns rows whose content contains q as a literal substring
// (LIKE semantics, so ASCII letters match case-insensitively),
// newest-first.
func (a *Archive) SearchGrep(q string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := a.db.Query(
		`SELECT id, session_key, role, content, timestamp, COALESCE(tags, '') FROM turns WHERE content LIKE ? ESCAPE '\' ORDER BY timestamp DESC LIMIT ?`,
		"%"+escapeLike(q)+"%", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("archive: grep search failed: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func escapeLike(q string) string {
	q = strings.ReplaceAll(q, "\\", "\\\\")
	q = strings.ReplaceAll(q, "%", "\\%")
	q = strings.ReplaceAll(q, "_", "\\_")
	return q
}

// SearchBM25 ranks rows by FTS5's bm25() scoring function. Malformed
// queries return an empty result, never an error, matching spec's
// "malformed queries return empty, never fail".
func (a *Archive) SearchBM25(q string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	ftsQuery := sanitizeFTSQuery(q)
	if ftsQuery == "" {
		return nil, nil
	}

	rows, err := a.db.Query(
		`SELECT t.id, t.session_key, t.role, t.content, t.timestamp, COALESCE(t.tags, '')
		 FROM turns_fts f
		 JOIN turns t ON t.id = f.rowid
		 WHERE turns_fts MATCH ?
		 ORDER BY bm25(turns_fts)
		 LIMIT ?`,
		ftsQuery, limit,
	)
	if err != nil {
		logging.L_debug("archive: bm25 search failed, returning empty", "query", q, "error", err)
		return nil, nil
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		logging.L_debug("archive: bm25 scan failed, returning empty", "query", q, "error", err)
		return nil, nil
	}
	return records, nil
}

// sanitizeFTSQuery strips FTS5 syntax characters and turns the remaining
// words into an implicit-OR match expression, grounded on the teacher's
// internal/memorygraph/search.go sanitizeFTSQuery.
func sanitizeFTSQuery(query string) string {
	replacer := strings.NewReplacer(
		"\"", "", "'", "", "*", "", "(", "", ")", "", ":", "", "^", "",
		"-", " ", "+", " ", ".", " ", ",", " ", ";", " ",
		"[", "", "]", "", "{", "", "}", "", "<", "", ">", "",
		"/", " ", "\\", " ", "@", "", "#", "", "$", "", "%", "", "&", "",
		"!", "", "?", "", "~", "", "`", "", "|", " ",
	)
	cleaned := strings.TrimSpace(replacer.Replace(query))
	words := strings.Fields(cleaned)
	if len(words) == 0 {
		return ""
	}

	filtered := make([]string, 0, len(words))
	for _, w := range words {
		switch strings.ToUpper(w) {
		case "AND", "OR", "NOT", "NEAR":
			continue
		}
		if len(w) < 2 {
			continue
		}
		filtered = append(filtered, w)
	}
	if len(filtered) == 0 {
		return ""
	}
	return strings.Join(filtered, " OR ")
}

// Search runs SearchGrep and SearchBM25 and merges by id, preserving the
// order (BM25 results first, then grep results), deduplicating by id, and
// truncating to limit. This is the only ordering contract clients (the
// archive-search command and ManagementAPI) may rely on.
func (a *Archive) Search(q string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}

	bm25Results, err := a.SearchBM25(q, limit)
	if err != nil {
		return nil, err
	}
	grepResults, err := a.SearchGrep(q, limit)
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]bool, len(bm25Results)+len(grepResults))
	merged := make([]Record, 0, limit)

	for _, r := range bm25Results {
		if len(merged) >= limit {
			break
		}
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		merged = append(merged, r)
	}
	for _, r := range grepResults {
		if len(merged) >= limit {
			break
		}
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		merged = append(merged, r)
	}

	return merged, nil
}
