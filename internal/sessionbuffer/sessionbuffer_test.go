package sessionbuffer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mkessler/gateway/internal/turn"
)

func mkTurn(content string, ts int64) turn.Turn {
	return turn.Turn{Role: turn.RoleUser, Content: content, Timestamp: ts, SessionKey: "main:cli:main"}
}

// TestEvictionMatchesS2 matches spec scenario S2: N=3, append 5 user
// turns T1..T5. After T5: buffer = [T3,T4,T5]; evictions across all 5
// appends concatenate to [T1,T2].
func TestEvictionMatchesS2(t *testing.T) {
	b := New(3)
	key := "main:cli:main"

	var allEvicted []turn.Turn
	for i := 1; i <= 5; i++ {
		evicted := b.Append(key, mkTurn(fmt.Sprintf("T%d", i), int64(i)))
		allEvicted = append(allEvicted, evicted...)
	}

	require.Len(t, allEvicted, 2)
	require.Equal(t, "T1", allEvicted[0].Content)
	require.Equal(t, "T2", allEvicted[1].Content)

	remaining := b.GetTurns(key)
	require.Len(t, remaining, 3)
	require.Equal(t, []string{"T3", "T4", "T5"}, []string{remaining[0].Content, remaining[1].Content, remaining[2].Content})
}

func TestBufferBoundNeverExceededAfterAnyAppend(t *testing.T) {
	b := New(3)
	key := "main:cli:main"
	for i := 1; i <= 50; i++ {
		b.Append(key, mkTurn("x", int64(i)))
		require.LessOrEqual(t, len(b.GetTurns(key)), 3)
	}
}

func TestIsEmptyAndRestoreClamping(t *testing.T) {
	b := New(2)
	key := "main:cli:main"
	require.True(t, b.IsEmpty(key))

	b.Restore(key, []turn.Turn{mkTurn("a", 1), mkTurn("b", 2), mkTurn("c", 3)})
	require.False(t, b.IsEmpty(key))
	turns := b.GetTurns(key)
	require.Len(t, turns, 2)
	require.Equal(t, "b", turns[0].Content)
	require.Equal(t, "c", turns[1].Content)
}

func TestFlushAndFlushAll(t *testing.T) {
	b := New(10)
	b.Append("main:cli:a", mkTurn("a", 1))
	b.Append("main:cli:b", mkTurn("b", 2))

	flushed := b.Flush("main:cli:a")
	require.Len(t, flushed, 1)
	require.True(t, b.IsEmpty("main:cli:a"))

	all := b.FlushAll()
	require.Contains(t, all, "main:cli:b")
	require.True(t, b.IsEmpty("main:cli:b"))
}

func TestDefaultBoundWhenNonPositive(t *testing.T) {
	b := New(0)
	require.Equal(t, 10, b.n)
}
