package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mkessler/gateway/internal/logging"
)

// Runner is the callback the host (main) supplies so CronService never
// depends on RequestQueue or ChannelHub directly. It puts prompt through
// the same serialized agent path as any inbound message.
type Runner interface {
	// RunPrompt executes prompt through the RequestQueue and returns the
	// agent's text response.
	RunPrompt(ctx context.Context, prompt string) (string, error)
	// Deliver sends text to a delivery target string (e.g. "discord:dm:42").
	Deliver(ctx context.Context, target, text string) error
}

// Service schedules and executes persisted jobs, one wake-timer at a time
// (recomputed after every state change), grounded on the teacher's
// single-next-wake Service loop plus its own BackupTickInterval safety net.
type Service struct {
	store   *Store
	history *History
	runner  Runner
	loc     *time.Location

	mu           sync.Mutex
	running      bool
	stopCh       chan struct{}
	doneCh       chan struct{}
	rescheduleCh chan struct{}
}

// backupTickInterval bounds how long the service can go without
// re-evaluating due jobs even if no reschedule signal fires.
const backupTickInterval = 5 * time.Minute

// NewService creates a Service. loc is the timezone used to evaluate cron
// expressions; pass time.Local for system-default.
func NewService(store *Store, history *History, runner Runner, loc *time.Location) *Service {
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		store:        store,
		history:      history,
		runner:       runner,
		loc:          loc,
		rescheduleCh: make(chan struct{}, 1),
	}
}

// Start loads persisted jobs (via the caller having already called
// store.Load) and schedules every enabled job.
func (s *Service) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	for _, job := range s.store.ListJobs() {
		s.scheduleJob(job)
	}

	go s.loop()
	logging.L_info("cron: service started", "jobs", len(s.store.ListJobs()))
}

// Stop halts the scheduling loop. In-flight job executions are not
// cancelled.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()
	<-s.doneCh
}

func (s *Service) loop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(backupTickInterval)
	defer ticker.Stop()
	wake := time.NewTimer(backupTickInterval)
	defer wake.Stop()

	for {
		next := backupTickInterval
		for _, job := range s.store.ListJobs() {
			if job.Enabled && job.NextRunAt != nil {
				if d := time.Until(*job.NextRunAt); d < next {
					next = max(d, 0)
				}
			}
		}
		wake.Reset(next)

		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runDueJobs()
		case <-wake.C:
			s.runDueJobs()
		case <-s.rescheduleCh:
			s.runDueJobs()
		}
	}
}

func (s *Service) runDueJobs() {
	now := time.Now()
	for _, job := range s.store.ListJobs() {
		if !job.Enabled || job.NextRunAt == nil {
			continue
		}
		if job.NextRunAt.After(now) {
			continue
		}
		s.execute(job)
	}
}

func (s *Service) scheduleJob(job *Job) {
	next, err := NextRunTime(job, time.Now(), s.loc)
	if err != nil {
		logging.L_warn("cron: failed to schedule job", "job", job.ID, "error", err)
		return
	}
	job.NextRunAt = next
	if err := s.store.UpdateJob(job); err != nil {
		logging.L_warn("cron: failed to persist schedule", "job", job.ID, "error", err)
	}
	select {
	case s.rescheduleCh <- struct{}{}:
	default:
	}
}

func (s *Service) execute(job *Job) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	response, err := s.runner.RunPrompt(ctx, job.Prompt)
	rec := RunRecord{StartedAt: started, CompletedAt: time.Now(), Success: err == nil, Response: response}
	if err != nil {
		rec.Success = false
		rec.Error = err.Error()
		logging.L_warn("cron: job execution failed", "job", job.ID, "error", err)
	} else if job.Delivery != "" {
		if dErr := s.runner.Deliver(ctx, job.Delivery, response); dErr != nil {
			logging.L_warn("cron: job delivery failed", "job", job.ID, "error", dErr)
		}
	}
	if err := s.history.Append(job.ID, rec); err != nil {
		logging.L_warn("cron: failed to append run record", "job", job.ID, "error", err)
	}

	now := time.Now()
	job.LastRunAt = &now
	if job.ScheduleType == ScheduleKindAt {
		job.Enabled = false
		job.NextRunAt = nil
	} else {
		next, nerr := NextRunTime(job, now, s.loc)
		if nerr != nil {
			logging.L_warn("cron: failed to compute next run", "job", job.ID, "error", nerr)
			job.NextRunAt = nil
		} else {
			job.NextRunAt = next
		}
	}
	if err := s.store.UpdateJob(job); err != nil {
		logging.L_warn("cron: failed to persist run state", "job", job.ID, "error", err)
	}
}

// AddJob schedules and persists a new job.
func (s *Service) AddJob(job *Job) (*Job, error) {
	stored, err := s.store.AddJob(job)
	if err != nil {
		return nil, err
	}
	s.scheduleJob(stored)
	return stored, nil
}

// RemoveJob unschedules and deletes a job.
func (s *Service) RemoveJob(id string) error {
	return s.store.RemoveJob(id)
}

// ListJobs returns all persisted jobs.
func (s *Service) ListJobs() []*Job {
	return s.store.ListJobs()
}

// GetJob returns one persisted job, or nil if id is unknown.
func (s *Service) GetJob(id string) *Job {
	return s.store.GetJob(id)
}

// UpdateJob replaces a job's name/schedule/prompt/delivery/enabled state
// and reschedules it.
func (s *Service) UpdateJob(job *Job) (*Job, error) {
	if err := s.store.UpdateJob(job); err != nil {
		return nil, err
	}
	stored := s.store.GetJob(job.ID)
	if stored.Enabled {
		s.scheduleJob(stored)
	}
	return stored, nil
}

// TriggerJob forces an immediate run outside the schedule.
func (s *Service) TriggerJob(id string) error {
	job := s.store.GetJob(id)
	if job == nil {
		return fmt.Errorf("cron: job %q not found", id)
	}
	s.execute(job)
	return nil
}

// Runs returns the recent run history for a job.
func (s *Service) Runs(id string, limit int) ([]RunRecord, error) {
	return s.history.List(id, limit)
}
