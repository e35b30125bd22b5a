package sessionlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mkessler/gateway/internal/turn"
)

// TestRoundTripAppendRead matches spec scenario S1.
func TestRoundTripAppendRead(t *testing.T) {
	log := New(t.TempDir())
	key := "main:cli:main"

	require.NoError(t, log.Append(key, turn.Turn{Role: turn.RoleUser, Content: "hello", Timestamp: 1000, SessionKey: key}))
	require.NoError(t, log.Append(key, turn.Turn{Role: turn.RoleAssistant, Content: "hi", Timestamp: 1001, SessionKey: key}))

	turns, err := log.Read(key)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	require.Equal(t, "hello", turns[0].Content)
	require.Equal(t, "hi", turns[1].Content)

	entries, err := log.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 2, entries[0].MessageCount)
	require.Equal(t, int64(1001), entries[0].LastActivity)
}

func TestExistsAndClear(t *testing.T) {
	log := New(t.TempDir())
	key := "main:cli:main"
	require.False(t, log.Exists(key))

	require.NoError(t, log.Append(key, turn.Turn{Role: turn.RoleUser, Content: "x", Timestamp: 1, SessionKey: key}))
	require.True(t, log.Exists(key))

	require.NoError(t, log.Clear(key))
	require.False(t, log.Exists(key))
}

func TestListSkipsUndecodableFilenames(t *testing.T) {
	dir := t.TempDir()
	log := New(dir)
	key := "main:cli:main"
	require.NoError(t, log.Append(key, turn.Turn{Role: turn.RoleUser, Content: "x", Timestamp: 1, SessionKey: key}))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "not-hex-at-all!!.jsonl"), []byte("not json\n"), 0600))

	entries, err := log.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, key, entries[0].Key)
}

func TestStatsAggregatesAcrossSessions(t *testing.T) {
	log := New(t.TempDir())
	require.NoError(t, log.Append("main:cli:a", turn.Turn{Role: turn.RoleUser, Content: "1", Timestamp: 10, SessionKey: "main:cli:a"}))
	require.NoError(t, log.Append("main:cli:b", turn.Turn{Role: turn.RoleUser, Content: "2", Timestamp: 20, SessionKey: "main:cli:b"}))
	require.NoError(t, log.Append("main:cli:b", turn.Turn{Role: turn.RoleAssistant, Content: "3", Timestamp: 30, SessionKey: "main:cli:b"}))

	stats, err := log.Stats()
	require.NoError(t, err)
	require.Equal(t, 2, stats.TotalSessions)
	require.Equal(t, 3, stats.TotalTurns)
	require.Equal(t, int64(10), stats.OldestActivity)
	require.Equal(t, int64(30), stats.NewestActivity)
}
