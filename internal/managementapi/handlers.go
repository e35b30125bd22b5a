package managementapi

import (
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mkessler/gateway/internal/archive"
	"github.com/mkessler/gateway/internal/config"
	"github.com/mkessler/gateway/internal/cron"
	"github.com/mkessler/gateway/internal/logging"
	"github.com/mkessler/gateway/internal/worldmodel"
)

// --- health / status / config ---

type healthResponse struct {
	Status    string `json:"status"`
	Uptime    string `json:"uptime"`
	Clients   int    `json:"clients"`
	Sessions  int    `json:"sessions"`
	Timestamp int64  `json:"timestamp"`
}

func (s *Server) healthPayload() healthResponse {
	s.mu.Lock()
	clients := len(s.clients)
	s.mu.Unlock()

	sessions := 0
	if entries, err := s.deps.SessionLog.List(); err == nil {
		sessions = len(entries)
	}
	return healthResponse{
		Status:    "ok",
		Uptime:    time.Since(s.deps.StartedAt).Round(time.Second).String(),
		Clients:   clients,
		Sessions:  sessions,
		Timestamp: time.Now().UnixMilli(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.healthPayload())
}

type statusResponse struct {
	CommandStatus string                          `json:"commandStatus"`
	Model         string                          `json:"model"`
	ThinkingLevel string                          `json:"thinkingLevel"`
	SessionStats  sessionStatsJSON                `json:"sessionStats"`
	ArchiveStats  archiveStatsJSON                `json:"archiveStats"`
	ChannelHealth map[string]channelhubHealthJSON `json:"channelHealth"`
	CronJobCount  int                             `json:"cronJobCount"`
	Heartbeat     config.HeartbeatConfig          `json:"heartbeat"`
	Uptime        string                          `json:"uptime"`
}

type sessionStatsJSON struct {
	TotalSessions  int   `json:"totalSessions"`
	TotalTurns     int   `json:"totalTurns"`
	OldestActivity int64 `json:"oldestActivity"`
	NewestActivity int64 `json:"newestActivity"`
}

type archiveStatsJSON struct {
	RowCount    int64 `json:"rowCount"`
	FTSRowCount int64 `json:"ftsRowCount"`
	DBSizeBytes int64 `json:"dbSizeBytes"`
}

type channelhubHealthJSON struct {
	Running   bool   `json:"running"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) buildStatus() statusResponse {
	ref, thinking := s.deps.Commands.CurrentModel()

	sessStats, err := s.deps.SessionLog.Stats()
	if err != nil {
		logging.L_warn("managementapi: failed to compute session stats", "error", err)
	}
	arStats, err := s.deps.Archive.Stats(s.deps.ArchivePath)
	if err != nil {
		logging.L_warn("managementapi: failed to compute archive stats", "error", err)
	}

	health := make(map[string]channelhubHealthJSON)
	for name, h := range s.deps.Channels.HealthAll() {
		errText := ""
		if h.Error != nil {
			errText = h.Error.Error()
		}
		health[name] = channelhubHealthJSON{Running: h.Running, Connected: h.Connected, Error: errText}
	}

	cronCount := 0
	if s.deps.Cron != nil {
		cronCount = len(s.deps.Cron.ListJobs())
	}

	resp := statusResponse{
		CommandStatus: s.deps.Commands.Status(),
		Model:         ref,
		ThinkingLevel: thinking,
		SessionStats: sessionStatsJSON{
			TotalSessions: sessStats.TotalSessions, TotalTurns: sessStats.TotalTurns,
			OldestActivity: sessStats.OldestActivity, NewestActivity: sessStats.NewestActivity,
		},
		ArchiveStats: archiveStatsJSON{
			RowCount: arStats.RowCount, FTSRowCount: arStats.FTSRowCount, DBSizeBytes: arStats.DBSizeBytes,
		},
		ChannelHealth: health,
		CronJobCount:  cronCount,
		Uptime:        time.Since(s.deps.StartedAt).Round(time.Second).String(),
	}
	if s.deps.Heartbeat != nil {
		resp.Heartbeat = s.deps.Heartbeat.Config()
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.buildStatus())
}

// secretKeyHints identifies field names masked out of the config dump,
// matching the teacher's status-masking convention for credential-shaped
// fields.
var secretKeyHints = []string{"key", "token", "secret", "password"}

func maskSecrets(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			lower := strings.ToLower(k)
			masked := false
			for _, hint := range secretKeyHints {
				if strings.Contains(lower, hint) {
					masked = true
					break
				}
			}
			if masked {
				out[k] = "***"
				continue
			}
			out[k] = maskSecrets(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = maskSecrets(e)
		}
		return out
	default:
		return v
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("managementapi: method not allowed"))
		return
	}
	raw, err := structToMap(s.deps.Config)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	masked := maskSecrets(raw)
	out, err := yaml.Marshal(masked)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("managementapi: failed to marshal config: %w", err))
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// structToMap round-trips v through YAML to a generic map, matching the
// teacher's gopkg.in/yaml.v3 usage for config forms.
func structToMap(v interface{}) (interface{}, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("managementapi: failed to marshal config: %w", err)
	}
	var out interface{}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("managementapi: failed to round-trip config: %w", err)
	}
	return normalizeYAMLMap(out), nil
}

// normalizeYAMLMap converts yaml.v3's map[interface{}]interface{} nodes
// (and map[string]interface{} for newer yaml.v3 releases) into plain
// map[string]interface{} so maskSecrets' type switch applies uniformly.
func normalizeYAMLMap(v interface{}) interface{} {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		out := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprintf("%v", iter.Key().Interface())] = normalizeYAMLMap(iter.Value().Interface())
		}
		return out
	case reflect.Slice:
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = normalizeYAMLMap(rv.Index(i).Interface())
		}
		return out
	default:
		return v
	}
}

// --- world model ---

func (s *Server) handleWorldModel(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		text, err := s.deps.WorldModel.Load()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"content": text})
	case http.MethodPut:
		var body struct {
			Content *string             `json:"content"`
			Updates []worldmodel.Update `json:"updates"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if body.Content != nil {
			if err := s.deps.WorldModel.ReplaceContent(*body.Content); err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
		}
		if len(body.Updates) > 0 {
			if err := s.deps.WorldModel.ApplyUpdates(body.Updates); err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("managementapi: method not allowed"))
	}
}

// --- heartbeat ---

func (s *Server) handleHeartbeatConfig(w http.ResponseWriter, r *http.Request) {
	if s.deps.Heartbeat == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("managementapi: heartbeat not configured"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.deps.Heartbeat.Config())
	case http.MethodPut:
		var cfg config.HeartbeatConfig
		if err := decodeJSON(r, &cfg); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		s.deps.Heartbeat.SetConfig(cfg)
		writeJSON(w, http.StatusOK, cfg)
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("managementapi: method not allowed"))
	}
}

func (s *Server) handleHeartbeatContent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Heartbeat == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("managementapi: heartbeat not configured"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		text, err := s.deps.Heartbeat.ReadInstructions()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"content": text})
	case http.MethodPut:
		var body struct {
			Content string `json:"content"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.deps.Heartbeat.WriteInstructions(body.Content); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("managementapi: method not allowed"))
	}
}

func (s *Server) handleHeartbeatRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Heartbeat == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("managementapi: heartbeat not configured"))
		return
	}
	limit := intQuery(r, "limit", 50)
	runs, err := s.deps.Heartbeat.Runs(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// --- cron ---

func (s *Server) handleCronJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cron == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("managementapi: cron not configured"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": s.deps.Cron.ListJobs()})
	case http.MethodPost:
		var job cron.Job
		if err := decodeJSON(r, &job); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		stored, err := s.deps.Cron.AddJob(&job)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, stored)
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("managementapi: method not allowed"))
	}
}

// handleCronJob routes /api/cron/jobs/{id}[/trigger|/runs].
func (s *Server) handleCronJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cron == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("managementapi: cron not configured"))
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/cron/jobs/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("managementapi: missing job id"))
		return
	}

	if len(parts) == 2 {
		switch parts[1] {
		case "trigger":
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("managementapi: method not allowed"))
				return
			}
			if err := s.deps.Cron.TriggerJob(id); err != nil {
				writeError(w, http.StatusNotFound, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "triggered"})
			return
		case "runs":
			if r.Method != http.MethodGet {
				writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("managementapi: method not allowed"))
				return
			}
			runs, err := s.deps.Cron.Runs(id, intQuery(r, "limit", 50))
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
			return
		default:
			writeError(w, http.StatusNotFound, fmt.Errorf("managementapi: unknown cron sub-route %q", parts[1]))
			return
		}
	}

	switch r.Method {
	case http.MethodGet:
		job := s.deps.Cron.GetJob(id)
		if job == nil {
			writeError(w, http.StatusNotFound, fmt.Errorf("managementapi: job %q not found", id))
			return
		}
		writeJSON(w, http.StatusOK, job)
	case http.MethodPut:
		var job cron.Job
		if err := decodeJSON(r, &job); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		job.ID = id
		stored, err := s.deps.Cron.UpdateJob(&job)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, stored)
	case http.MethodDelete:
		if err := s.deps.Cron.RemoveJob(id); err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("managementapi: method not allowed"))
	}
}

// --- sessions ---

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("managementapi: method not allowed"))
		return
	}
	entries, err := s.deps.SessionLog.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": entries})
}

func (s *Server) handleSessionRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("managementapi: method not allowed"))
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("managementapi: missing key"))
		return
	}
	turns, err := s.deps.SessionLog.Read(key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"turns": turns})
}

// --- archive ---

func (s *Server) handleArchiveSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("managementapi: method not allowed"))
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("managementapi: missing q"))
		return
	}
	records, err := s.deps.Archive.Search(q, intQuery(r, "limit", 20))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

func (s *Server) handleArchiveRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("managementapi: method not allowed"))
		return
	}
	idStr := r.URL.Query().Get("id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("managementapi: invalid id: %w", err))
		return
	}
	rec, err := s.deps.Archive.Read(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if rec == nil {
		var empty *archive.Record
		writeJSON(w, http.StatusNotFound, empty)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- model / aliases / fallbacks ---

func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		ref, thinking := s.deps.Commands.CurrentModel()
		writeJSON(w, http.StatusOK, map[string]string{"model": ref, "thinkingLevel": thinking})
	case http.MethodPut:
		var body struct {
			Ref           string `json:"ref"`
			ThinkingLevel string `json:"thinkingLevel"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if body.Ref != "" {
			if err := s.deps.Commands.SetModel(body.Ref); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
		}
		if body.ThinkingLevel != "" {
			if err := s.deps.Commands.SetThinkingLevel(body.ThinkingLevel); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
		}
		ref, thinking := s.deps.Commands.CurrentModel()
		writeJSON(w, http.StatusOK, map[string]string{"model": ref, "thinkingLevel": thinking})
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("managementapi: method not allowed"))
	}
}

func (s *Server) handleAliases(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.deps.Commands.Aliases())
	case http.MethodPost:
		var body struct{ Name, Ref string }
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if body.Name == "" || body.Ref == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("managementapi: name and ref are required"))
			return
		}
		s.deps.Commands.SetAlias(body.Name, body.Ref)
		writeJSON(w, http.StatusOK, s.deps.Commands.Aliases())
	case http.MethodDelete:
		name := r.URL.Query().Get("name")
		if !s.deps.Commands.RemoveAlias(name) {
			writeError(w, http.StatusNotFound, fmt.Errorf("managementapi: alias %q not found", name))
			return
		}
		writeJSON(w, http.StatusOK, s.deps.Commands.Aliases())
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("managementapi: method not allowed"))
	}
}

func (s *Server) handleFallbacks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]interface{}{"fallbacks": s.deps.Commands.Fallbacks()})
	case http.MethodPut:
		var body struct{ Refs []string }
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		s.deps.Commands.SetFallbacks(body.Refs)
		writeJSON(w, http.StatusOK, map[string]interface{}{"fallbacks": s.deps.Commands.Fallbacks()})
	case http.MethodDelete:
		s.deps.Commands.ClearFallbacks()
		writeJSON(w, http.StatusOK, map[string]interface{}{"fallbacks": []string{}})
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("managementapi: method not allowed"))
	}
}

func (s *Server) handleHeartbeatModelOverride(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]*string{"ref": s.deps.Commands.HeartbeatModel()})
	case http.MethodPut:
		var body struct{ Ref *string }
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		s.deps.Commands.SetHeartbeatModel(body.Ref)
		writeJSON(w, http.StatusOK, map[string]*string{"ref": s.deps.Commands.HeartbeatModel()})
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("managementapi: method not allowed"))
	}
}

// --- skills ---

func (s *Server) handleSkills(w http.ResponseWriter, r *http.Request) {
	if s.deps.Skills == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("managementapi: skills not configured"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		list, err := s.deps.Skills.List()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"skills": list})
	case http.MethodPost:
		var body struct{ Name, Description, Content string }
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		sk, err := s.deps.Skills.Create(body.Name, body.Description, body.Content)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, sk)
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("managementapi: method not allowed"))
	}
}

func (s *Server) handleSkill(w http.ResponseWriter, r *http.Request) {
	if s.deps.Skills == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("managementapi: skills not configured"))
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/api/skills/")
	if name == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("managementapi: missing skill name"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		sk, err := s.deps.Skills.Get(name)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, sk)
	case http.MethodPut:
		var body struct{ Description, Content string }
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		sk, err := s.deps.Skills.Update(name, body.Description, body.Content)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, sk)
	case http.MethodDelete:
		if err := s.deps.Skills.Delete(name); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("managementapi: method not allowed"))
	}
}

func intQuery(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
