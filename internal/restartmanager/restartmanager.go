// Package restartmanager owns the single on-disk sentinel used to carry
// restart context between process generations and the call into the
// external supervisor that actually replaces this process. Grounded on
// the teacher's internal/supervisor.Supervisor (subprocess lifecycle,
// state persisted as JSON) and internal/config/file.go's atomic-write
// helper for the sentinel itself; the restart command is not something
// this process performs on itself — it only writes the sentinel and
// invokes an opaque supervisor command, per spec.md §4.11/§9.
package restartmanager

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/mkessler/gateway/internal/config"
	"github.com/mkessler/gateway/internal/logging"
)

// Sentinel is the single on-disk JSON doc carrying restart context
// between process generations.
type Sentinel struct {
	Reason         string `json:"reason"`
	Timestamp      int64  `json:"timestamp"`
	SessionKey     string `json:"sessionKey,omitempty"`
	DeliveryTarget string `json:"deliveryTarget,omitempty"`
	ReplyTo        string `json:"replyTo,omitempty"`
}

// Manager writes/consumes the sentinel and invokes the external
// supervisor command that replaces this process.
type Manager struct {
	path          string
	supervisorCmd []string
}

// New creates a Manager. sentinelPath is the fixed sentinel location
// (data/restart-sentinel.json); supervisorCmd is the opaque external
// command invoked to replace this process, e.g.
// []string{"systemctl", "--user", "restart", "gateway.service"}.
func New(sentinelPath string, supervisorCmd []string) *Manager {
	return &Manager{path: sentinelPath, supervisorCmd: supervisorCmd}
}

// TriggerRestart writes the sentinel atomically, strictly before invoking
// the supervisor, then invokes it. A spawn that returns cleanly with exit
// status 0 is success. A spawn failure with no stderr output is also
// treated as success — the supervisor may have killed this process
// during the call, which is the expected way this returns at all.
func (m *Manager) TriggerRestart(s Sentinel) error {
	if s.Timestamp == 0 {
		s.Timestamp = time.Now().UnixMilli()
	}
	if err := config.AtomicWriteJSON(m.path, s, 0600); err != nil {
		return fmt.Errorf("restartmanager: failed to write sentinel: %w", err)
	}
	logging.L_info("restartmanager: sentinel written", "reason", s.Reason, "path", m.path)

	if len(m.supervisorCmd) == 0 {
		return fmt.Errorf("restartmanager: no supervisor command configured")
	}

	cmd := exec.Command(m.supervisorCmd[0], m.supervisorCmd[1:]...) //nolint:gosec // opaque operator-configured supervisor command
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err == nil {
		logging.L_info("restartmanager: supervisor invoked successfully")
		return nil
	}
	if stderr.Len() == 0 {
		// The supervisor likely killed us mid-call; treat as success per
		// spec.md §4.11/§9 (never rely on exit status alone).
		logging.L_warn("restartmanager: supervisor spawn failed with no stderr, treating as success", "error", err)
		return nil
	}
	return fmt.Errorf("restartmanager: supervisor command failed: %w (stderr: %s)", err, stderr.String())
}

// Consume reads the sentinel once and deletes it. If the file is absent,
// it returns (nil, nil). If the file exists but is unparseable, it is
// deleted defensively and Consume returns (nil, nil) rather than an
// error, per spec.md's persisted-state-corruption policy.
func (m *Manager) Consume() (*Sentinel, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("restartmanager: failed to read sentinel: %w", err)
	}

	var s Sentinel
	parseErr := json.Unmarshal(data, &s)

	if rmErr := os.Remove(m.path); rmErr != nil && !os.IsNotExist(rmErr) {
		logging.L_warn("restartmanager: failed to remove sentinel after consume", "error", rmErr)
	}

	if parseErr != nil {
		logging.L_warn("restartmanager: sentinel unparseable, discarding", "error", parseErr)
		return nil, nil
	}
	return &s, nil
}
