// Package extractor fires a secondary, best-effort LLM call after each
// exchange to propose world-model deltas and archive tags. It never
// blocks user-visible latency and never propagates an error: every
// failure is logged and swallowed, grounded on the teacher's fire-and-forget
// background-task pattern in internal/gateway (background summarization)
// and the JSON-fence-stripping convention used across internal/llm callers
// that expect strict-JSON completions from a secondary model.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mkessler/gateway/internal/archive"
	"github.com/mkessler/gateway/internal/logging"
	"github.com/mkessler/gateway/internal/worldmodel"
)

// Caller invokes one completion against a specific provider/model ref and
// returns raw text. cmd/gateway's extractionCaller satisfies this by
// calling the AgentRuntime directly; Extractor uses its own bounded-timeout
// sequential loop rather than RequestQueue's FIFO, since extraction must
// never wait behind user traffic.
type Caller func(ctx context.Context, ref string, prompt string) (string, error)

// Config controls extraction behavior.
type Config struct {
	Enabled       bool
	Primary       string
	FallbackChain []string
	Timeout       time.Duration // default 5s
}

// Result is the strict-JSON shape requested from the secondary model.
type Result struct {
	WorldModelUpdates []worldmodel.Update `json:"world_model_updates"`
	Tags              []string            `json:"tags"`
	ArchiveNote       string              `json:"archive_note"`
}

// Extractor runs extraction asynchronously against WorldModel and Archive.
type Extractor struct {
	cfg     Config
	call    Caller
	wm      *worldmodel.WorldModel
	archive *archive.Archive
}

// New creates an Extractor. call is nil-safe: if cfg.Enabled is false, Run
// is a no-op.
func New(cfg Config, call Caller, wm *worldmodel.WorldModel, ar *archive.Archive) *Extractor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Extractor{cfg: cfg, call: call, wm: wm, archive: ar}
}

// Run extracts asynchronously for one completed exchange. Safe to call
// from any goroutine; it does not block the caller beyond starting the
// goroutine.
func (e *Extractor) Run(sessionKey, userMessage, assistantResponse string, recentArchiveIDs []int64) {
	if !e.cfg.Enabled {
		return
	}
	go e.run(sessionKey, userMessage, assistantResponse, recentArchiveIDs)
}

func (e *Extractor) run(sessionKey, userMessage, assistantResponse string, recentArchiveIDs []int64) {
	defer func() {
		if r := recover(); r != nil {
			logging.L_warn("extractor: recovered from panic", "panic", r)
		}
	}()

	worldModelText, err := e.wm.Load()
	if err != nil {
		logging.L_warn("extractor: failed to load world model", "error", err)
		worldModelText = ""
	}

	prompt := buildPrompt(worldModelText, userMessage, assistantResponse)

	refs := append([]string{e.cfg.Primary}, e.cfg.FallbackChain...)
	var raw string
	var lastErr error
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeout)
		raw, lastErr = e.call(ctx, ref, prompt)
		cancel()
		if lastErr == nil {
			break
		}
		logging.L_debug("extractor: call failed, trying next ref", "ref", ref, "error", lastErr)
	}
	if lastErr != nil {
		logging.L_warn("extractor: all refs failed", "error", lastErr)
		return
	}

	result, err := parseResult(raw)
	if err != nil {
		logging.L_warn("extractor: failed to parse result", "error", err)
		return
	}

	if len(result.WorldModelUpdates) > 0 {
		if err := e.wm.ApplyUpdates(result.WorldModelUpdates); err != nil {
			logging.L_warn("extractor: failed to apply world model updates", "error", err)
		}
	}

	if len(result.Tags) > 0 && len(recentArchiveIDs) > 0 && e.archive != nil {
		if err := e.archive.UpdateTags(recentArchiveIDs, result.Tags); err != nil {
			logging.L_warn("extractor: failed to update tags", "error", err)
		}
	}

	if result.ArchiveNote != "" {
		logging.L_info("extractor: archive note", "session", sessionKey, "note", result.ArchiveNote)
	}
}

func buildPrompt(worldModel, userMessage, assistantResponse string) string {
	return fmt.Sprintf(`Given the current world model and this exchange, propose updates.

<world_model>
%s
</world_model>

<user>%s</user>
<assistant>%s</assistant>

Respond with strict JSON only, no prose, no code fences: {"world_model_updates": [{"action": "replace|add|remove", "section": "...", "field": "...", "value": "..."}], "tags": ["..."], "archive_note": "..."}`, worldModel, userMessage, assistantResponse)
}

func parseResult(raw string) (Result, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var result Result
	if err := json.Unmarshal([]byte(trimmed), &result); err != nil {
		return Result{}, fmt.Errorf("extractor: invalid JSON: %w", err)
	}
	for _, u := range result.WorldModelUpdates {
		if u.Action == "" || u.Section == "" || u.Field == "" {
			return Result{}, fmt.Errorf("extractor: update missing action/section/field")
		}
	}
	return result, nil
}
