package commands

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHost struct {
	ref         string
	thinking    string
	aliases     map[string]string
	fallbacks   []string
	hbModel     *string
	setModelErr error
}

func newFakeHost() *fakeHost {
	return &fakeHost{ref: "anthropic/claude-sonnet", thinking: "medium", aliases: map[string]string{"fast": "anthropic/claude-haiku"}}
}

func (f *fakeHost) CurrentModel() (string, string) { return f.ref, f.thinking }
func (f *fakeHost) SetModel(ref string) error {
	if f.setModelErr != nil {
		return f.setModelErr
	}
	f.ref = ref
	return nil
}
func (f *fakeHost) SetThinkingLevel(level string) error { f.thinking = level; return nil }
func (f *fakeHost) Aliases() map[string]string          { return f.aliases }
func (f *fakeHost) SetAlias(name, ref string)           { f.aliases[name] = ref }
func (f *fakeHost) RemoveAlias(name string) bool {
	if _, ok := f.aliases[name]; !ok {
		return false
	}
	delete(f.aliases, name)
	return true
}
func (f *fakeHost) Fallbacks() []string           { return f.fallbacks }
func (f *fakeHost) SetFallbacks(refs []string)    { f.fallbacks = refs }
func (f *fakeHost) ClearFallbacks()               { f.fallbacks = nil }
func (f *fakeHost) HeartbeatModel() *string       { return f.hbModel }
func (f *fakeHost) SetHeartbeatModel(ref *string) { f.hbModel = ref }
func (f *fakeHost) Status() string                { return "ok" }

func TestMatchNonCommandFallsThrough(t *testing.T) {
	m := New()
	_, ok := m.Match(context.Background(), newFakeHost(), "hello there")
	assert.False(t, ok)
}

func TestMatchModelSwitch(t *testing.T) {
	m := New()
	host := newFakeHost()
	res, ok := m.Match(context.Background(), host, "/model openai/gpt-5")
	require.True(t, ok)
	require.NotNil(t, res)
	assert.Equal(t, "openai/gpt-5", host.ref)
}

func TestMatchAliasSetAndList(t *testing.T) {
	m := New()
	host := newFakeHost()
	_, ok := m.Match(context.Background(), host, "alias set quick anthropic/claude-haiku")
	require.True(t, ok)
	assert.Equal(t, "anthropic/claude-haiku", host.aliases["quick"])

	res, ok := m.Match(context.Background(), host, "alias list")
	require.True(t, ok)
	assert.Contains(t, res.Text, "quick")
}

func TestMatchFallbackSetAndClear(t *testing.T) {
	m := New()
	host := newFakeHost()
	_, ok := m.Match(context.Background(), host, "fallback set anthropic/claude-haiku openai/gpt-5-mini")
	require.True(t, ok)
	assert.Equal(t, []string{"anthropic/claude-haiku", "openai/gpt-5-mini"}, host.fallbacks)

	_, ok = m.Match(context.Background(), host, "fallback clear")
	require.True(t, ok)
	assert.Empty(t, host.fallbacks)
}

func TestMatchThinkRejectsUnknownLevel(t *testing.T) {
	m := New()
	host := newFakeHost()
	res, ok := m.Match(context.Background(), host, "think ludicrous")
	require.True(t, ok)
	assert.Contains(t, res.Text, "Usage")
}

func TestMatchHeartbeatModelClear(t *testing.T) {
	m := New()
	host := newFakeHost()
	ref := "anthropic/claude-haiku"
	host.hbModel = &ref

	_, ok := m.Match(context.Background(), host, "heartbeat model clear")
	require.True(t, ok)
	assert.Nil(t, host.hbModel)
}
