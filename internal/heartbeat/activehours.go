package heartbeat

import (
	"fmt"
	"strconv"
	"strings"
)

// parseHHMM parses "HH:MM" into minutes-of-day.
func parseHHMM(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("heartbeat: %q is not HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("heartbeat: invalid hour in %q: %w", s, err)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("heartbeat: invalid minute in %q: %w", s, err)
	}
	return h*60 + m, nil
}

// isActive implements spec.md Testable Property 9: for start=S, end=E in
// minutes-of-day, S<E is a normal window, S>E wraps overnight, and S=E
// means always active.
func isActive(startMin, endMin, nowMin int) bool {
	switch {
	case startMin == endMin:
		return true
	case startMin < endMin:
		return startMin <= nowMin && nowMin < endMin
	default:
		return nowMin >= startMin || nowMin < endMin
	}
}
