package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStorePersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	s.Load()

	require.NoError(t, s.SetAlias("Fast", "anthropic/claude-haiku"))
	require.NoError(t, s.SetFallbacks([]string{"anthropic/claude-haiku", "openai/gpt-4o-mini"}))
	ref := "anthropic/claude-haiku"
	require.NoError(t, s.SetHeartbeatModel(&ref))

	reloaded := NewStore(dir)
	reloaded.Load()

	resolved, ok := reloaded.ResolveAlias("FAST")
	require.True(t, ok)
	require.Equal(t, "anthropic/claude-haiku", resolved)
	require.Equal(t, []string{"anthropic/claude-haiku", "openai/gpt-4o-mini"}, reloaded.Fallbacks())
	require.NotNil(t, reloaded.HeartbeatModel())
	require.Equal(t, "anthropic/claude-haiku", *reloaded.HeartbeatModel())
}

func TestAliasResolutionCaseInsensitiveNonRecursive(t *testing.T) {
	s := NewStore(t.TempDir())
	s.Load()
	require.NoError(t, s.SetAlias("fast", "anthropic/claude-haiku"))
	require.NoError(t, s.SetAlias("quick", "fast")) // points at another alias name, not a resolved ref

	ref, ok := s.ResolveAlias("FAST")
	require.True(t, ok)
	require.Equal(t, "anthropic/claude-haiku", ref)

	// "quick" resolves to the literal string "fast", not to fast's ref:
	// alias resolution is explicitly non-recursive.
	ref, ok = s.ResolveAlias("quick")
	require.True(t, ok)
	require.Equal(t, "fast", ref)
}

func TestMissingFilesYieldZeroValues(t *testing.T) {
	s := NewStore(t.TempDir())
	s.Load()
	require.Empty(t, s.Aliases())
	require.Empty(t, s.Fallbacks())
	require.Nil(t, s.HeartbeatModel())
}

func TestCorruptFilesYieldZeroValuesNotError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model-aliases.json"), []byte("not json"), 0600))

	s := NewStore(dir)
	s.Load() // must not panic or need an error return
	require.Empty(t, s.Aliases())
}

func TestRemoveAliasAndClearFallbacks(t *testing.T) {
	s := NewStore(t.TempDir())
	s.Load()
	require.NoError(t, s.SetAlias("fast", "anthropic/claude-haiku"))
	require.NoError(t, s.RemoveAlias("FAST"))
	_, ok := s.ResolveAlias("fast")
	require.False(t, ok)

	require.NoError(t, s.SetFallbacks([]string{"a/b"}))
	require.NoError(t, s.ClearFallbacks())
	require.Empty(t, s.Fallbacks())
}

func TestSetAliasRotatesBackups(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	s.Load()

	require.NoError(t, s.SetAlias("fast", "anthropic/claude-haiku"))
	require.NoError(t, s.SetAlias("slow", "anthropic/claude-opus"))

	bak := filepath.Join(dir, "model-aliases.json.bak")
	data, err := os.ReadFile(bak)
	require.NoError(t, err, "second write should have backed up the first write's file")
	require.Contains(t, string(data), "fast")
	require.NotContains(t, string(data), "slow")
}

func TestWritesAreAtomic(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	s.Load()
	require.NoError(t, s.SetAlias("fast", "anthropic/claude-haiku"))

	leftovers, err := filepath.Glob(filepath.Join(dir, ".gateway-*.tmp"))
	require.NoError(t, err)
	require.Empty(t, leftovers, "temp file must not survive a successful atomic write")
}
