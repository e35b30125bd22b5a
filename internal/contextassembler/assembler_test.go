package contextassembler

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mkessler/gateway/internal/agentruntime"
	"github.com/mkessler/gateway/internal/sessionbuffer"
	"github.com/mkessler/gateway/internal/turn"
	"github.com/mkessler/gateway/internal/worldmodel"
)

func newTestAssembler(t *testing.T) (*Assembler, *sessionbuffer.Buffer) {
	buf := sessionbuffer.New(10)
	wm := worldmodel.New(filepath.Join(t.TempDir(), "world-model.md"), nil)
	return New(buf, wm), buf
}

func TestTransformEmptySessionPassthrough(t *testing.T) {
	a, _ := newTestAssembler(t)
	scratch := []agentruntime.Message{{Role: "user", Content: "hi", HasText: true}}
	out := a.Transform(scratch)
	require.Equal(t, scratch, out)
}

func TestTransformInjectsWorldModelAndAck(t *testing.T) {
	a, _ := newTestAssembler(t)
	a.SetCurrentSession("main:cli:default")

	out := a.Transform(nil)
	require.GreaterOrEqual(t, len(out), 2)
	require.Equal(t, "user", out[0].Role)
	require.Contains(t, out[0].Content, "<world_model>")
	require.Contains(t, out[0].Content, "## Current Task")
	require.Equal(t, "assistant", out[1].Role)
	require.Equal(t, ackText, out[1].Content)
}

func TestTransformEmitsBufferedTurnsChronologically(t *testing.T) {
	a, buf := newTestAssembler(t)
	key := "main:cli:default"
	a.SetCurrentSession(key)

	buf.Append(key, turn.Turn{Role: turn.RoleUser, Content: "first", Timestamp: 100, SessionKey: key})
	buf.Append(key, turn.Turn{Role: turn.RoleAssistant, Content: "second", Timestamp: 200, SessionKey: key})

	out := a.Transform(nil)
	require.Len(t, out, 4)
	require.Equal(t, "first", out[2].Content)
	require.Equal(t, "second", out[3].Content)
}

func TestTransformAppendsScratchNewerThanLastBufferedTurn(t *testing.T) {
	a, buf := newTestAssembler(t)
	key := "main:cli:default"
	a.SetCurrentSession(key)

	buf.Append(key, turn.Turn{Role: turn.RoleUser, Content: "old", Timestamp: 100, SessionKey: key})

	scratch := []agentruntime.Message{
		{Role: "user", Content: "stale", Timestamp: 50, HasText: true},
		{Role: "user", Content: "current", Timestamp: 150, HasText: true},
	}
	out := a.Transform(scratch)

	last := out[len(out)-1]
	require.Equal(t, "current", last.Content)
	for _, m := range out {
		require.NotEqual(t, "stale", m.Content)
	}
}

func TestTransformFallsBackToLastScratchMessageWhenNoneAreNewer(t *testing.T) {
	a, buf := newTestAssembler(t)
	key := "main:cli:default"
	a.SetCurrentSession(key)

	buf.Append(key, turn.Turn{Role: turn.RoleUser, Content: "old", Timestamp: 500, SessionKey: key})

	scratch := []agentruntime.Message{
		{Role: "user", Content: "earlier-a", Timestamp: 10, HasText: true},
		{Role: "user", Content: "earlier-b", Timestamp: 20, HasText: true},
	}
	out := a.Transform(scratch)

	last := out[len(out)-1]
	require.Equal(t, "earlier-b", last.Content)
}
