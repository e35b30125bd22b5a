package restartmanager

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestSentinelExactlyOnce matches Testable Property 7.
func TestSentinelExactlyOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restart-sentinel.json")
	m := New(path, []string{"true"})

	require.NoError(t, m.TriggerRestart(Sentinel{Reason: "upgrade", SessionKey: "main:discord:dm:42"}))

	got, err := m.Consume()
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "upgrade", got.Reason)

	again, err := m.Consume()
	require.NoError(t, err)
	require.Nil(t, again)
}

func TestConsumeMissingSentinel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restart-sentinel.json")
	m := New(path, nil)

	got, err := m.Consume()
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestConsumeCorruptSentinelDiscardsDefensively(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restart-sentinel.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))
	m := New(path, nil)

	got, err := m.Consume()
	require.NoError(t, err)
	require.Nil(t, got)

	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))
}

func TestTriggerRestartNoSupervisorConfigured(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restart-sentinel.json")
	m := New(path, nil)

	err := m.TriggerRestart(Sentinel{Reason: "test"})
	require.Error(t, err)

	// Sentinel is still written before the supervisor call, strictly
	// before process replacement is attempted.
	_, statErr := os.Stat(path)
	require.NoError(t, statErr)
}

func TestTriggerRestartSupervisorFailureTreatedAsSuccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restart-sentinel.json")
	// "false" exits non-zero and writes nothing to stderr: the documented
	// "supervisor killed us during the call" case.
	m := New(path, []string{"false"})

	err := m.TriggerRestart(Sentinel{Reason: "test"})
	require.NoError(t, err)
}
