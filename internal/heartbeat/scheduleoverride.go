package heartbeat

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/mkessler/gateway/internal/logging"
)

// scheduleOverride is the shape of an optional hand-edited
// heartbeat/schedule.toml file: an operator-friendly escape hatch for the
// active-hours window and tick interval without touching config.json,
// grounded on the teacher's TOML-based config forms (internal/config/forms).
// Any field left unset keeps whatever the runner was already configured
// with.
type scheduleOverride struct {
	ActiveStart string `toml:"active_start"`
	ActiveEnd   string `toml:"active_end"`
	IntervalMs  int64  `toml:"interval_ms"`
}

// ApplyScheduleOverrideFile reads path, if present, and merges any fields
// it sets into the runner's configuration. Called once at startup, before
// Start, so the override takes effect on the very first tick. A missing
// file is not an error.
func (r *Runner) ApplyScheduleOverrideFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("heartbeat: failed to read schedule override: %w", err)
	}

	var ov scheduleOverride
	if err := toml.Unmarshal(data, &ov); err != nil {
		return fmt.Errorf("heartbeat: invalid schedule override at %s: %w", path, err)
	}

	cfg := r.Config()
	if ov.ActiveStart != "" {
		cfg.ActiveStart = ov.ActiveStart
	}
	if ov.ActiveEnd != "" {
		cfg.ActiveEnd = ov.ActiveEnd
	}
	if ov.IntervalMs > 0 {
		cfg.IntervalMs = ov.IntervalMs
	}
	r.SetConfig(cfg)
	logging.L_info("heartbeat: applied schedule override file", "path", path)
	return nil
}
