package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mkessler/gateway/internal/logging"
)

// Store persists model aliases, the fallback chain, and the heartbeat-model
// override as three small JSON files in the data directory, matching the
// on-disk layout's model-aliases.json / model-fallbacks.json /
// heartbeat/model.json. All reads tolerate missing/corrupt files by
// returning the zero value; all writes are atomic (tmp + rename). The
// aliases and fallbacks files additionally keep rotated .bak generations
// since operators edit them directly; the heartbeat override does not.
type Store struct {
	mu sync.RWMutex

	aliasesPath   string
	fallbacksPath string
	heartbeatPath string

	aliases   map[string]string // lowercase name -> ref
	fallbacks []string
	heartbeat *string // nil = no override
}

// NewStore creates a ConfigStore rooted at dataDir.
func NewStore(dataDir string) *Store {
	return &Store{
		aliasesPath:   filepath.Join(dataDir, "model-aliases.json"),
		fallbacksPath: filepath.Join(dataDir, "model-fallbacks.json"),
		heartbeatPath: filepath.Join(dataDir, "heartbeat", "model.json"),
		aliases:       make(map[string]string),
	}
}

// Load reads all three files, tolerating absence or corruption.
func (s *Store) Load() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if data, err := os.ReadFile(s.aliasesPath); err == nil {
		var m map[string]string
		if err := json.Unmarshal(data, &m); err == nil {
			s.aliases = make(map[string]string, len(m))
			for k, v := range m {
				s.aliases[strings.ToLower(k)] = v
			}
		} else {
			logging.L_warn("config: corrupt model-aliases.json, ignoring", "error", err)
		}
	}

	if data, err := os.ReadFile(s.fallbacksPath); err == nil {
		var list []string
		if err := json.Unmarshal(data, &list); err == nil {
			s.fallbacks = list
		} else {
			logging.L_warn("config: corrupt model-fallbacks.json, ignoring", "error", err)
		}
	}

	if data, err := os.ReadFile(s.heartbeatPath); err == nil {
		var wrapper struct {
			Ref *string `json:"ref"`
		}
		if err := json.Unmarshal(data, &wrapper); err == nil {
			s.heartbeat = wrapper.Ref
		} else {
			logging.L_warn("config: corrupt heartbeat/model.json, ignoring", "error", err)
		}
	}
}

// ResolveAlias resolves name to a model reference; case-insensitive,
// non-recursive (aliases never resolve to aliases). Returns ok=false if
// name is not a known alias.
func (s *Store) ResolveAlias(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.aliases[strings.ToLower(name)]
	return ref, ok
}

// Aliases returns a snapshot of the alias map.
func (s *Store) Aliases() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.aliases))
	for k, v := range s.aliases {
		out[k] = v
	}
	return out
}

// SetAlias sets name -> ref and persists.
func (s *Store) SetAlias(name, ref string) error {
	s.mu.Lock()
	s.aliases[strings.ToLower(name)] = ref
	snapshot := s.Aliases()
	s.mu.Unlock()
	return BackupAndWriteJSON(s.aliasesPath, snapshot, DefaultBackupCount)
}

// RemoveAlias deletes name and persists.
func (s *Store) RemoveAlias(name string) error {
	s.mu.Lock()
	delete(s.aliases, strings.ToLower(name))
	snapshot := s.Aliases()
	s.mu.Unlock()
	return BackupAndWriteJSON(s.aliasesPath, snapshot, DefaultBackupCount)
}

// Fallbacks returns a snapshot of the ordered fallback chain.
func (s *Store) Fallbacks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.fallbacks))
	copy(out, s.fallbacks)
	return out
}

// SetFallbacks replaces the fallback chain and persists.
func (s *Store) SetFallbacks(refs []string) error {
	s.mu.Lock()
	s.fallbacks = append([]string{}, refs...)
	snapshot := s.fallbacks
	s.mu.Unlock()
	return BackupAndWriteJSON(s.fallbacksPath, snapshot, DefaultBackupCount)
}

// ClearFallbacks empties the fallback chain and persists.
func (s *Store) ClearFallbacks() error {
	return s.SetFallbacks(nil)
}

// HeartbeatModel returns the heartbeat-specific model override, if set.
func (s *Store) HeartbeatModel() *string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.heartbeat == nil {
		return nil
	}
	v := *s.heartbeat
	return &v
}

// SetHeartbeatModel sets (or, with ref=nil, clears) the heartbeat override
// and persists.
func (s *Store) SetHeartbeatModel(ref *string) error {
	s.mu.Lock()
	s.heartbeat = ref
	s.mu.Unlock()
	return AtomicWriteJSON(s.heartbeatPath, struct {
		Ref *string `json:"ref"`
	}{Ref: ref}, 0600)
}
