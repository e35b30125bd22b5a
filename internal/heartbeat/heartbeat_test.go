package heartbeat

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/mkessler/gateway/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// TestStartStopNoGoroutineLeak exercises the ticker goroutine itself:
// Start launches loop() into its initialDelay wait, Stop must release it
// without leaving it parked on the timer.
func TestStartStopNoGoroutineLeak(t *testing.T) {
	r := &Runner{cfg: config.HeartbeatConfig{Enabled: true, IntervalMs: 1000}, runlog: newRunLog(filepath.Join(t.TempDir(), "runs.jsonl"))}
	r.Start()
	r.Stop()
}

func TestIsActiveNormalWindow(t *testing.T) {
	start, end := 7*60, 23*60
	cases := []struct {
		now  int
		want bool
	}{
		{6 * 60, false},
		{7 * 60, true},
		{12 * 60, true},
		{22*60 + 59, true},
		{23 * 60, false},
		{0, false},
	}
	for _, c := range cases {
		if got := isActive(start, end, c.now); got != c.want {
			t.Errorf("isActive(%d,%d,%d) = %v, want %v", start, end, c.now, got, c.want)
		}
	}
}

func TestIsActiveOvernightWindow(t *testing.T) {
	start, end := 22*60, 6*60
	cases := []struct {
		now  int
		want bool
	}{
		{23 * 60, true},
		{0, true},
		{5*60 + 59, true},
		{6 * 60, false},
		{12 * 60, false},
		{21*60 + 59, false},
	}
	for _, c := range cases {
		if got := isActive(start, end, c.now); got != c.want {
			t.Errorf("isActive(%d,%d,%d) = %v, want %v", start, end, c.now, got, c.want)
		}
	}
}

func TestIsActiveEqualBoundsAlwaysActive(t *testing.T) {
	for _, now := range []int{0, 1, 720, 1439} {
		if !isActive(540, 540, now) {
			t.Errorf("isActive(540,540,%d) = false, want true (equal bounds means always active)", now)
		}
	}
}

func TestParseHHMM(t *testing.T) {
	cases := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"07:00", 420, false},
		{"23:59", 1439, false},
		{"00:00", 0, false},
		{"", 0, false},
		{"nope", 0, true},
		{"7:0x", 0, true},
	}
	for _, c := range cases {
		got, err := parseHHMM(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("parseHHMM(%q) expected error, got nil", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseHHMM(%q) unexpected error: %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("parseHHMM(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestIsBlankOrCommentOnly(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"", true},
		{"   \n  \n", true},
		{"# just a comment\n# another\n", true},
		{"<!-- html comment -->\n", true},
		{"# comment\nActually do something\n", false},
		{"Check the mailbox and summarize", false},
	}
	for _, c := range cases {
		if got := isBlankOrCommentOnly([]byte(c.in)); got != c.want {
			t.Errorf("isBlankOrCommentOnly(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestExtractHeartbeatFrontmatterWithModelOverride(t *testing.T) {
	data := []byte("---\nmodel: anthropic/claude-haiku\n---\n\nCheck the mailbox and summarize.\n")
	model, body := extractHeartbeatFrontmatter(data)
	if model != "anthropic/claude-haiku" {
		t.Errorf("model = %q, want anthropic/claude-haiku", model)
	}
	if got := strings.TrimSpace(string(body)); got != "Check the mailbox and summarize." {
		t.Errorf("body = %q", got)
	}
}

func TestExtractHeartbeatFrontmatterAbsent(t *testing.T) {
	data := []byte("Check the mailbox and summarize.\n")
	model, body := extractHeartbeatFrontmatter(data)
	if model != "" {
		t.Errorf("model = %q, want empty", model)
	}
	if string(body) != string(data) {
		t.Errorf("body = %q, want unchanged %q", body, data)
	}
}

func TestExtractHeartbeatFrontmatterUnterminatedTreatedAsAbsent(t *testing.T) {
	data := []byte("---\nmodel: anthropic/claude-haiku\nno closing delimiter\n")
	model, body := extractHeartbeatFrontmatter(data)
	if model != "" {
		t.Errorf("model = %q, want empty for unterminated frontmatter", model)
	}
	if string(body) != string(data) {
		t.Errorf("body should fall back to the whole file")
	}
}

func TestApplyScheduleOverrideFileMergesSetFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schedule.toml")
	if err := os.WriteFile(path, []byte("active_start = \"06:00\"\ninterval_ms = 600000\n"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	r := &Runner{cfg: config.HeartbeatConfig{ActiveStart: "07:00", ActiveEnd: "23:00", IntervalMs: 1800000}}
	if err := r.ApplyScheduleOverrideFile(path); err != nil {
		t.Fatalf("ApplyScheduleOverrideFile: %v", err)
	}

	got := r.Config()
	if got.ActiveStart != "06:00" {
		t.Errorf("ActiveStart = %q, want 06:00", got.ActiveStart)
	}
	if got.ActiveEnd != "23:00" {
		t.Errorf("ActiveEnd should be left alone, got %q", got.ActiveEnd)
	}
	if got.IntervalMs != 600000 {
		t.Errorf("IntervalMs = %d, want 600000", got.IntervalMs)
	}
}

func TestApplyScheduleOverrideFileMissingIsNotError(t *testing.T) {
	r := &Runner{cfg: config.HeartbeatConfig{ActiveStart: "07:00"}}
	if err := r.ApplyScheduleOverrideFile(filepath.Join(t.TempDir(), "missing.toml")); err != nil {
		t.Fatalf("missing override file should not error: %v", err)
	}
	if r.Config().ActiveStart != "07:00" {
		t.Errorf("config should be unchanged when override file is absent")
	}
}

func TestRunLogAppendAndListNewestFirst(t *testing.T) {
	dir := t.TempDir()
	log := newRunLog(filepath.Join(dir, "runs.jsonl"))

	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	log.append(RunRecord{StartedAt: base, Delivered: true, ResponseLen: 5})
	log.append(RunRecord{StartedAt: base.Add(time.Minute), Skipped: "outside active hours"})
	log.append(RunRecord{StartedAt: base.Add(2 * time.Minute), Error: "boom"})

	recs, err := log.List(0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	if recs[0].Error != "boom" {
		t.Errorf("newest record should be first, got %+v", recs[0])
	}
	if recs[2].ResponseLen != 5 {
		t.Errorf("oldest record should be last, got %+v", recs[2])
	}
}

func TestRunLogListMissingFile(t *testing.T) {
	dir := t.TempDir()
	log := newRunLog(filepath.Join(dir, "missing", "runs.jsonl"))
	recs, err := log.List(0)
	if err != nil {
		t.Fatalf("List on missing file should not error: %v", err)
	}
	if recs != nil {
		t.Errorf("List on missing file should return nil, got %v", recs)
	}
}

func TestRunLogListRespectsLimit(t *testing.T) {
	dir := t.TempDir()
	log := newRunLog(filepath.Join(dir, "runs.jsonl"))
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		log.append(RunRecord{StartedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	recs, err := log.List(2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
}
