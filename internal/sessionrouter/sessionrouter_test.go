package sessionrouter

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mkessler/gateway/internal/agentruntime"
	"github.com/mkessler/gateway/internal/archive"
	"github.com/mkessler/gateway/internal/channelhub"
	"github.com/mkessler/gateway/internal/commands"
	"github.com/mkessler/gateway/internal/config"
	"github.com/mkessler/gateway/internal/contextassembler"
	"github.com/mkessler/gateway/internal/requestqueue"
	"github.com/mkessler/gateway/internal/sessionbuffer"
	"github.com/mkessler/gateway/internal/sessionlog"
	"github.com/mkessler/gateway/internal/turn"
	"github.com/mkessler/gateway/internal/worldmodel"
)

func textEvents(text string) []agentruntime.Event {
	return []agentruntime.Event{
		{Kind: agentruntime.EventTextDelta, Text: text},
		{Kind: agentruntime.EventMessageEnd, Message: agentruntime.Message{Role: "assistant", Content: text, HasText: true}},
	}
}

func newTestRouter(t *testing.T, fake *agentruntime.FakeRuntime) (*Router, *archive.Archive) {
	dir := t.TempDir()
	ar, err := archive.Open(filepath.Join(dir, "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ar.Close() })

	wm := worldmodel.New(filepath.Join(dir, "world-model.md"), ar)
	buf := sessionbuffer.New(3)
	log := sessionlog.New(filepath.Join(dir, "sessions"))
	assembler := contextassembler.New(buf, wm)
	fake.SetTransformContext(assembler.Transform)
	queue := requestqueue.New(fake, nil)
	cfgStore := config.NewStore(dir)
	cfgStore.Load()

	r := New(log, buf, ar, assembler, queue, commands.New(), nil, fake, cfgStore, nil, 3)
	return r, ar
}

func TestHandleRoundTripsThroughQueue(t *testing.T) {
	fake := agentruntime.NewFake([]agentruntime.FakeStep{{Events: textEvents("hi there")}})
	r, _ := newTestRouter(t, fake)

	resp, err := r.Handle(context.Background(), channelhub.Inbound{
		AdapterName: "cli", SessionKey: "main:cli:main", Content: "hello", ReplyTo: "main",
	})
	require.NoError(t, err)
	require.Equal(t, "hi there", resp)
}

func TestHandleInBandCommandSkipsQueue(t *testing.T) {
	fake := agentruntime.NewFake(nil)
	r, _ := newTestRouter(t, fake)

	resp, err := r.Handle(context.Background(), channelhub.Inbound{
		AdapterName: "cli", SessionKey: "main:cli:main", Content: "/status", ReplyTo: "main",
	})
	require.NoError(t, err)
	require.Contains(t, resp, "Model:")
	require.Empty(t, fake.Scratch(), "in-band commands must never reach the runtime")
}

func TestBufferEvictionIsArchived(t *testing.T) {
	fake := agentruntime.NewFake([]agentruntime.FakeStep{
		{Events: textEvents("r1")}, {Events: textEvents("r2")}, {Events: textEvents("r3")},
	})
	r, ar := newTestRouter(t, fake)
	key := "main:cli:main"

	for i := 0; i < 3; i++ {
		_, err := r.Handle(context.Background(), channelhub.Inbound{
			AdapterName: "cli", SessionKey: key, Content: "msg", ReplyTo: "main",
		})
		require.NoError(t, err)
	}

	recs, err := ar.GetRecentTurns(key, 100)
	require.NoError(t, err)
	require.NotEmpty(t, recs, "evicted turns must have been archived")
}

func TestRehydrationRestoresFromArchive(t *testing.T) {
	fake := agentruntime.NewFake([]agentruntime.FakeStep{{Events: textEvents("ok")}})
	r, ar := newTestRouter(t, fake)
	key := "main:cli:main"

	_, err := ar.Archive([]turn.Turn{{SessionKey: key, Role: turn.RoleUser, Content: "earlier", Timestamp: 1000}})
	require.NoError(t, err)

	r.RehydrateInto(key)
	require.False(t, r.buffer.IsEmpty(key))
}
