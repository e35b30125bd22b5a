// Package heartbeat implements the periodic self-trigger that lets the
// gateway act on its own initiative: on an interval, during an active-hours
// window, it reads an instruction file and runs it as a prompt inside the
// last-known DM session (or, if none exists yet, with no session context
// at all), delivering the response through the configured channel.
// Grounded on the teacher's internal/cron heartbeat support
// (HeartbeatConfig, runHeartbeat, the HEARTBEAT.md-exists-and-non-empty
// gate, and the "**[Heartbeat]**"-prefixed delivery convention) adapted
// from a cron-embedded feature into its own standalone ticker.
package heartbeat

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mkessler/gateway/internal/agentruntime"
	"github.com/mkessler/gateway/internal/channelhub"
	"github.com/mkessler/gateway/internal/config"
	"github.com/mkessler/gateway/internal/logging"
)

// initialDelay is how long Start waits before the first tick, so a
// restart doesn't immediately re-fire a heartbeat.
const initialDelay = 30 * time.Second

// SessionRunner is the subset of sessionrouter.Router the heartbeat needs:
// run a prompt inside a named session, or with no session at all.
type SessionRunner interface {
	RunHeartbeat(ctx context.Context, key, prompt string) (string, error)
	RunOutsideSession(ctx context.Context, prompt string) (string, error)
	LastDMSession() string
}

// Runner ticks on an interval, gated by an active-hours window, and drives
// one heartbeat prompt per tick.
type Runner struct {
	cfgMu     sync.RWMutex
	cfg       config.HeartbeatConfig
	instrPath string
	runner    SessionRunner
	hub       *channelhub.Hub
	cfgStore  *config.Store
	runtime   heartbeatRuntime
	runlog    *runLog

	stopCh chan struct{}
	doneCh chan struct{}
}

// heartbeatRuntime is the minimal slice of agentruntime.Runtime the
// per-tick model override needs.
type heartbeatRuntime interface {
	SetModel(provider, model string) error
	State() agentruntime.State
}

// New creates a Runner. instrPath is the heartbeat instruction file
// (HEARTBEAT.md); runsLogPath is where structured run records are
// appended.
func New(cfg config.HeartbeatConfig, instrPath, runsLogPath string, runner SessionRunner, hub *channelhub.Hub, cfgStore *config.Store, runtime heartbeatRuntime) *Runner {
	return &Runner{
		cfg: cfg, instrPath: instrPath, runner: runner, hub: hub, cfgStore: cfgStore,
		runtime: runtime, runlog: newRunLog(runsLogPath),
	}
}

// Config returns a snapshot of the runner's current configuration, for
// the ManagementAPI's heartbeat-config route.
func (r *Runner) Config() config.HeartbeatConfig {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.cfg
}

// SetConfig replaces the runner's configuration. Takes effect on the next
// tick; does not restart an in-flight ticker interval.
func (r *Runner) SetConfig(cfg config.HeartbeatConfig) {
	r.cfgMu.Lock()
	r.cfg = cfg
	r.cfgMu.Unlock()
}

// Runs returns the last limit structured run records, newest first.
func (r *Runner) Runs(limit int) ([]RunRecord, error) {
	return r.runlog.List(limit)
}

// ReadInstructions returns the raw heartbeat instruction file content,
// for the ManagementAPI's heartbeat-content route. Returns "" if absent.
func (r *Runner) ReadInstructions() (string, error) {
	data, err := os.ReadFile(r.instrPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("heartbeat: failed to read instructions: %w", err)
	}
	return string(data), nil
}

// WriteInstructions atomically replaces the heartbeat instruction file.
func (r *Runner) WriteInstructions(text string) error {
	if err := config.AtomicWrite(r.instrPath, []byte(text), 0600); err != nil {
		return fmt.Errorf("heartbeat: failed to write instructions: %w", err)
	}
	return nil
}

// Start begins ticking in a background goroutine. No-op if the heartbeat
// is disabled in config. Stop must be called to release the goroutine.
func (r *Runner) Start() {
	if !r.Config().Enabled {
		logging.L_info("heartbeat: disabled, not starting")
		return
	}
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.loop()
}

// Stop halts the ticker and waits for any in-flight tick to finish.
func (r *Runner) Stop() {
	if r.stopCh == nil {
		return
	}
	close(r.stopCh)
	<-r.doneCh
}

func (r *Runner) loop() {
	defer close(r.doneCh)

	select {
	case <-time.After(initialDelay):
	case <-r.stopCh:
		return
	}

	interval := time.Duration(r.Config().IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.tick()
	for {
		select {
		case <-ticker.C:
			r.tick()
		case <-r.stopCh:
			return
		}
	}
}

// tick runs at most one heartbeat attempt. It never retries on failure,
// per spec.md's at-most-once-per-interval policy.
func (r *Runner) tick() {
	cfg := r.Config()
	rec := RunRecord{StartedAt: time.Now()}
	defer func() { rec.CompletedAt = time.Now(); r.runlog.append(rec) }()

	if !r.activeNow(cfg) {
		rec.Skipped = "outside active hours"
		return
	}

	prompt, modelOverride, ok := r.readInstructions()
	if !ok {
		rec.Skipped = "no instructions"
		return
	}

	restore := r.applyModelOverride(modelOverride)
	if restore != nil {
		defer restore()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	key := r.runner.LastDMSession()
	rec.SessionKey = key

	var response string
	var err error
	if key != "" {
		response, err = r.runner.RunHeartbeat(ctx, key, prompt)
	} else {
		response, err = r.runner.RunOutsideSession(ctx, prompt)
	}
	if err != nil {
		rec.Error = err.Error()
		logging.L_warn("heartbeat: tick failed", "error", err)
		return
	}
	rec.ResponseLen = len(response)

	if strings.TrimSpace(response) == "" {
		rec.Error = "empty response, not delivered"
		return
	}
	if cfg.Delivery == "" {
		rec.Error = "no delivery target configured"
		return
	}
	if err := r.hub.Send(cfg.Delivery, channelhub.Message{Text: "**[Heartbeat]** " + response}); err != nil {
		rec.Error = err.Error()
		logging.L_warn("heartbeat: delivery failed", "target", cfg.Delivery, "error", err)
		return
	}
	rec.Delivered = true
	logging.L_elapsed(rec.StartedAt, "heartbeat: tick delivered", "target", cfg.Delivery, "responseLen", rec.ResponseLen)
}

func (r *Runner) activeNow(cfg config.HeartbeatConfig) bool {
	start, err := parseHHMM(cfg.ActiveStart)
	if err != nil {
		logging.L_warn("heartbeat: invalid activeStart, treating as always-active", "error", err)
		return true
	}
	end, err := parseHHMM(cfg.ActiveEnd)
	if err != nil {
		logging.L_warn("heartbeat: invalid activeEnd, treating as always-active", "error", err)
		return true
	}
	now := time.Now()
	nowMin := now.Hour()*60 + now.Minute()
	return isActive(start, end, nowMin)
}

// readInstructions reads the heartbeat instruction file. Missing, empty,
// or comment-only content (after stripping any frontmatter) is treated as
// "nothing to do". modelOverride is the "provider/model" value from the
// file's optional frontmatter, or "" if the file has none.
func (r *Runner) readInstructions() (prompt string, modelOverride string, ok bool) {
	data, err := os.ReadFile(r.instrPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.L_warn("heartbeat: failed to read instruction file", "path", r.instrPath, "error", err)
		}
		return "", "", false
	}
	modelOverride, body := extractHeartbeatFrontmatter(data)
	if isBlankOrCommentOnly(body) {
		return "", "", false
	}
	return string(body), modelOverride, true
}

// heartbeatFrontmatter is the one field HEARTBEAT.md's optional frontmatter
// carries: a per-tick model override, layered over ConfigStore's global
// heartbeat-model override.
type heartbeatFrontmatter struct {
	Model string `yaml:"model"`
}

// extractHeartbeatFrontmatter splits an optional "---\n<yaml>\n---\n" header
// off data, matching the delimiter convention skillstore.extractFrontmatter
// uses for skill documents. Absent, malformed, or unterminated frontmatter
// is treated as no frontmatter at all: the whole file is the body.
func extractHeartbeatFrontmatter(data []byte) (model string, body []byte) {
	s := string(data)
	if !strings.HasPrefix(s, "---\n") {
		return "", data
	}
	rest := s[4:]
	idx := strings.Index(rest, "\n---\n")
	if idx < 0 {
		return "", data
	}
	var fm heartbeatFrontmatter
	if err := yaml.Unmarshal([]byte(rest[:idx]), &fm); err != nil {
		logging.L_warn("heartbeat: invalid instruction frontmatter, ignoring", "error", err)
		return "", data
	}
	return fm.Model, []byte(strings.TrimPrefix(rest[idx+5:], "\n"))
}

func isBlankOrCommentOnly(data []byte) bool {
	for _, line := range bytes.Split(data, []byte("\n")) {
		t := strings.TrimSpace(string(line))
		if t == "" || strings.HasPrefix(t, "#") || strings.HasPrefix(t, "<!--") {
			continue
		}
		return false
	}
	return true
}

// applyModelOverride swaps in the effective heartbeat model for this tick
// and returns a func that restores whatever model was active before the
// swap. perTick, when non-empty, is HEARTBEAT.md's own frontmatter
// override and takes precedence over ConfigStore's global heartbeat-model
// override. RequestQueue snapshots the runtime's current model as
// "primary" at the start of each request and restores it afterward, so
// the override must be applied before Enqueue is called and the prior
// model restored only after the tick's request has completed. Returns nil
// if no override applies.
func (r *Runner) applyModelOverride(perTick string) func() {
	ref := perTick
	if ref == "" {
		global := r.cfgStore.HeartbeatModel()
		if global == nil || *global == "" {
			return nil
		}
		ref = *global
	}
	provider, model, ok := splitHeartbeatRef(ref)
	if !ok {
		logging.L_warn("heartbeat: invalid heartbeat model override, ignoring", "ref", ref)
		return nil
	}
	prior := r.runtime.State()
	if err := r.runtime.SetModel(provider, model); err != nil {
		logging.L_warn("heartbeat: failed to apply model override", "ref", ref, "error", err)
		return nil
	}
	return func() {
		if err := r.runtime.SetModel(prior.Provider, prior.Model); err != nil {
			logging.L_warn("heartbeat: failed to restore primary model after heartbeat tick", "error", err)
		}
	}
}

func splitHeartbeatRef(ref string) (provider, model string, ok bool) {
	i := strings.IndexByte(ref, '/')
	if i < 0 {
		return "", "", false
	}
	return ref[:i], ref[i+1:], true
}
