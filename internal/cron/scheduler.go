package cron

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

var everyPattern = regexp.MustCompile(`^(\d+)([smhd])$`)

// ToCronExpr converts a job's schedule into the 5-field cron expression the
// engine accepts. "cron" jobs pass their expression through unchanged;
// "every" jobs are converted to a `*/<n> * * * *` pattern with minutes
// clamped to >=1 and rounded; "at" jobs have no recurring expression.
func ToCronExpr(job *Job) (string, error) {
	switch job.ScheduleType {
	case ScheduleKindCron:
		return job.Schedule, nil
	case ScheduleKindEvery:
		d, err := ParseEvery(job.Schedule)
		if err != nil {
			return "", err
		}
		minutes := int(math.Round(d.Minutes()))
		if minutes < 1 {
			minutes = 1
		}
		return fmt.Sprintf("*/%d * * * *", minutes), nil
	default:
		return "", fmt.Errorf("cron: schedule type %q has no recurring expression", job.ScheduleType)
	}
}

// ParseEvery parses an "every <duration>" schedule string of the form
// `^\d+[smhd]$`.
func ParseEvery(s string) (time.Duration, error) {
	m := everyPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("cron: invalid every-duration %q", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("cron: invalid every-duration %q: %w", s, err)
	}
	unit := map[string]time.Duration{
		"s": time.Second,
		"m": time.Minute,
		"h": time.Hour,
		"d": 24 * time.Hour,
	}[m[2]]
	return time.Duration(n) * unit, nil
}

// ParseAt parses an "at" schedule's ISO instant.
func ParseAt(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

var cronParser = cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow)

// NextRunTime calculates the next run time for a job in loc. A disabled job
// or an already-fired one-shot job returns (nil, nil).
func NextRunTime(job *Job, now time.Time, loc *time.Location) (*time.Time, error) {
	if !job.Enabled {
		return nil, nil
	}

	switch job.ScheduleType {
	case ScheduleKindAt:
		if job.LastRunAt != nil {
			return nil, nil
		}
		at, err := ParseAt(job.Schedule)
		if err != nil {
			return nil, err
		}
		return &at, nil
	case ScheduleKindEvery, ScheduleKindCron:
		expr, err := ToCronExpr(job)
		if err != nil {
			return nil, err
		}
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("cron: invalid expression %q: %w", expr, err)
		}
		next := sched.Next(now.In(loc))
		return &next, nil
	default:
		return nil, fmt.Errorf("cron: unknown schedule type %q", job.ScheduleType)
	}
}
