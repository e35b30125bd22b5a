package cron

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRunner struct{}

func (fakeRunner) RunPrompt(ctx context.Context, prompt string) (string, error) { return "ok", nil }
func (fakeRunner) Deliver(ctx context.Context, target, text string) error       { return nil }

// TestCronPersistence matches spec scenario S7.
func TestCronPersistence(t *testing.T) {
	dir := t.TempDir()
	jobsPath := filepath.Join(dir, "jobs.json")

	store := NewStore(jobsPath)
	require.NoError(t, store.Load())

	history := NewHistory(filepath.Join(dir, "runs"))
	svc := NewService(store, history, fakeRunner{}, time.UTC)

	added, err := svc.AddJob(&Job{Name: "tick", ScheduleType: ScheduleKindEvery, Schedule: "30m", Enabled: true})
	require.NoError(t, err)
	svc.Stop()

	store2 := NewStore(jobsPath)
	require.NoError(t, store2.Load())
	jobs := store2.ListJobs()
	require.Len(t, jobs, 1)
	require.Equal(t, added.ID, jobs[0].ID)
	require.Equal(t, "every", jobs[0].ScheduleType)

	history2 := NewHistory(filepath.Join(dir, "runs"))
	svc2 := NewService(store2, history2, fakeRunner{}, time.UTC)
	svc2.Start()
	defer svc2.Stop()
	require.Len(t, svc2.ListJobs(), 1)
}

func TestToCronExprEveryConversion(t *testing.T) {
	expr, err := ToCronExpr(&Job{ScheduleType: ScheduleKindEvery, Schedule: "45s"})
	require.NoError(t, err)
	require.Equal(t, "*/1 * * * *", expr)

	expr, err = ToCronExpr(&Job{ScheduleType: ScheduleKindEvery, Schedule: "90m"})
	require.NoError(t, err)
	require.Equal(t, "*/90 * * * *", expr)
}

func TestNextRunTimeAtOneShotFiresOnce(t *testing.T) {
	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	job := &Job{ScheduleType: ScheduleKindAt, Schedule: future, Enabled: true}

	next, err := NextRunTime(job, time.Now(), time.UTC)
	require.NoError(t, err)
	require.NotNil(t, next)

	now := time.Now()
	job.LastRunAt = &now
	next, err = NextRunTime(job, time.Now(), time.UTC)
	require.NoError(t, err)
	require.Nil(t, next)
}
