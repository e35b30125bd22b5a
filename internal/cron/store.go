package cron

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkessler/gateway/internal/logging"
)

// Store persists jobs to jobs.json, atomically, in the teacher's
// temp-file-plus-rename style.
type Store struct {
	path string

	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewStore creates a Store backed by path (typically <dataDir>/cron/jobs.json).
func NewStore(path string) *Store {
	return &Store{path: path, jobs: make(map[string]*Job)}
}

// Load reads jobs from disk. A missing file is treated as empty.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.jobs = make(map[string]*Job)
			return nil
		}
		return fmt.Errorf("cron: failed to read jobs file: %w", err)
	}

	var file StoreFile
	if err := json.Unmarshal(data, &file); err != nil {
		logging.L_warn("cron: jobs file corrupt, starting empty", "error", err)
		s.jobs = make(map[string]*Job)
		return nil
	}

	s.jobs = make(map[string]*Job, len(file.Jobs))
	for i := range file.Jobs {
		job := file.Jobs[i]
		if job.ID == "" {
			continue
		}
		s.jobs[job.ID] = &job
	}
	logging.L_info("cron: loaded jobs", "count", len(s.jobs))
	return nil
}

func (s *Store) saveLocked() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("cron: failed to create directory: %w", err)
	}

	file := StoreFile{Version: 1, Jobs: make([]Job, 0, len(s.jobs))}
	for _, job := range s.jobs {
		file.Jobs = append(file.Jobs, *job)
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("cron: failed to marshal jobs: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("cron: failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("cron: failed to rename temp file: %w", err)
	}
	return nil
}

// AddJob assigns an ID if absent, persists, and returns the stored job.
func (s *Store) AddJob(job *Job) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	stored := job.Clone()
	s.jobs[stored.ID] = stored
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	return stored, nil
}

// RemoveJob deletes a job by ID.
func (s *Store) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("cron: job %q not found", id)
	}
	delete(s.jobs, id)
	return s.saveLocked()
}

// UpdateJob replaces the stored job and persists.
func (s *Store) UpdateJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return fmt.Errorf("cron: job %q not found", job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return s.saveLocked()
}

// GetJob returns a copy of the job, or nil.
func (s *Store) GetJob(id string) *Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	return j.Clone()
}

// ListJobs returns a copy of every stored job.
func (s *Store) ListJobs() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	return out
}
