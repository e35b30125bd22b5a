package cron

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mkessler/gateway/internal/logging"
)

// History appends and reads per-job run records under runs/<jobId>.jsonl.
type History struct {
	dir string
}

// NewHistory creates a History rooted at dir (typically <dataDir>/cron/runs).
func NewHistory(dir string) *History {
	return &History{dir: dir}
}

func (h *History) path(jobID string) string {
	return filepath.Join(h.dir, jobID+".jsonl")
}

// Append writes one run record for jobID.
func (h *History) Append(jobID string, rec RunRecord) error {
	if err := os.MkdirAll(h.dir, 0750); err != nil {
		return fmt.Errorf("cron: failed to create runs directory: %w", err)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cron: failed to marshal run record: %w", err)
	}

	f, err := os.OpenFile(h.path(jobID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("cron: failed to open run log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("cron: failed to append run record: %w", err)
	}
	return f.Sync()
}

// List returns the last limit run records for jobID, newest first. limit<=0
// returns all.
func (h *History) List(jobID string, limit int) ([]RunRecord, error) {
	f, err := os.Open(h.path(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cron: failed to open run log: %w", err)
	}
	defer f.Close()

	var recs []RunRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec RunRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			logging.L_warn("cron: skipping malformed run record", "job", jobID, "error", err)
			continue
		}
		recs = append(recs, rec)
	}

	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}
