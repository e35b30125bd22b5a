package heartbeat

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mkessler/gateway/internal/logging"
)

// RunRecord is one structured entry appended to heartbeat/runs.jsonl per
// tick, per spec.md §4.9 step 7.
type RunRecord struct {
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
	SessionKey  string    `json:"sessionKey,omitempty"`
	Delivered   bool      `json:"delivered"`
	Skipped     string    `json:"skipped,omitempty"` // reason, if the tick was skipped
	Error       string    `json:"error,omitempty"`
	ResponseLen int       `json:"responseLen,omitempty"`
}

type runLog struct {
	path string
}

func newRunLog(path string) *runLog {
	return &runLog{path: path}
}

func (l *runLog) append(rec RunRecord) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0750); err != nil {
		logging.L_warn("heartbeat: failed to create run log directory", "error", err)
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		logging.L_warn("heartbeat: failed to marshal run record", "error", err)
		return
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		logging.L_warn("heartbeat: failed to open run log", "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		logging.L_warn("heartbeat: failed to append run record", "error", err)
	}
}

// List returns the last limit run records, newest first. limit<=0 returns
// all, for the ManagementAPI's paged heartbeat-runs route.
func (l *runLog) List(limit int) ([]RunRecord, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("heartbeat: failed to open run log: %w", err)
	}
	defer f.Close()

	var recs []RunRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec RunRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			logging.L_warn("heartbeat: skipping malformed run record", "error", err)
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
