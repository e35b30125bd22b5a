// Package cron persists and schedules proactive jobs: one-shot, interval,
// and cron-expression triggers that re-enter the gateway through the same
// RequestQueue path as any other inbound message. Grounded on the
// teacher's internal/cron package (CronJob/Store/HistoryManager), trimmed
// to the schedule model spec.md names and decoupled from the teacher's
// OpenClaw-specific isolation/session-target fields.
package cron

import "time"

// Job is one persisted scheduled task.
type Job struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	ScheduleType string    `json:"scheduleType"` // "at", "every", "cron"
	Schedule     string    `json:"schedule"`     // ISO instant, duration, or 5-field cron expr
	Prompt       string    `json:"prompt"`
	Delivery     string    `json:"delivery"` // e.g. "discord:dm:42"
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"createdAt"`

	NextRunAt *time.Time `json:"nextRunAt,omitempty"`
	LastRunAt *time.Time `json:"lastRunAt,omitempty"`
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	c := *j
	if j.NextRunAt != nil {
		t := *j.NextRunAt
		c.NextRunAt = &t
	}
	if j.LastRunAt != nil {
		t := *j.LastRunAt
		c.LastRunAt = &t
	}
	return &c
}

// StoreFile is the root structure of jobs.json.
type StoreFile struct {
	Version int   `json:"version"`
	Jobs    []Job `json:"jobs"`
}

// RunRecord is one appended line in runs/<jobId>.jsonl.
type RunRecord struct {
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
	Success     bool      `json:"success"`
	Response    string    `json:"response,omitempty"`
	Error       string    `json:"error,omitempty"`
}

const (
	ScheduleKindAt    = "at"
	ScheduleKindEvery = "every"
	ScheduleKindCron  = "cron"
)
