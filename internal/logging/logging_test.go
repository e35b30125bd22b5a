package logging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShuttingDownFlag(t *testing.T) {
	defer func() { shuttingDown = 0 }()
	require.False(t, IsShuttingDown())
	SetShuttingDown()
	require.True(t, IsShuttingDown())
}

func TestSetLevelDoesNotPanic(t *testing.T) {
	Init(nil)
	SetLevel(LevelDebug)
	SetLevel(LevelTrace)
	SetLevel(LevelInfo)
}

func TestLElapsedDoesNotPanic(t *testing.T) {
	Init(nil)
	L_elapsed(time.Now().Add(-time.Second), "tick delivered", "target", "cli:main")
}

func TestHasFmtVerb(t *testing.T) {
	require.True(t, hasFmtVerb("value is %d"))
	require.False(t, hasFmtVerb("loaded"))
	require.False(t, hasFmtVerb("100%% done"))
}
