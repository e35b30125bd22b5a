package channelhub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkessler/gateway/internal/logging"
)

type fakeAdapter struct {
	name    string
	sent    []Message
	sendErr error
	health  Health
}

func (f *fakeAdapter) Name() string                    { return f.name }
func (f *fakeAdapter) Start(ctx context.Context) error { return nil }
func (f *fakeAdapter) Stop() error                     { return nil }
func (f *fakeAdapter) Health() Health                  { return f.health }
func (f *fakeAdapter) Send(target string, msg Message) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func TestDispatchDeliversResponse(t *testing.T) {
	a := &fakeAdapter{name: "cli"}
	h := New()
	h.Register(a)
	h.SetHandler(func(ctx context.Context, in Inbound) (string, error) {
		assert.Equal(t, "hello", in.Content)
		return "world", nil
	})

	h.Dispatch(context.Background(), "cli", "main:cli:main", "hello", "main")

	require.Len(t, a.sent, 1)
	assert.Equal(t, "world", a.sent[0].Text)
}

func TestDispatchHandlerErrorSuppressesDelivery(t *testing.T) {
	a := &fakeAdapter{name: "cli"}
	h := New()
	h.Register(a)
	h.SetHandler(func(ctx context.Context, in Inbound) (string, error) {
		return "", errors.New("boom")
	})

	h.Dispatch(context.Background(), "cli", "main:cli:main", "hello", "main")

	assert.Empty(t, a.sent)
}

func TestDispatchRejectsMalformedSessionKey(t *testing.T) {
	a := &fakeAdapter{name: "cli"}
	h := New()
	h.Register(a)
	called := false
	h.SetHandler(func(ctx context.Context, in Inbound) (string, error) {
		called = true
		return "world", nil
	})

	h.Dispatch(context.Background(), "cli", "agent:main:dm:42", "hello", "main")

	assert.False(t, called, "handler must not run on a session key outside the accepted convention")
	assert.Empty(t, a.sent)
}

func TestSendSplitsDeliveryTarget(t *testing.T) {
	a := &fakeAdapter{name: "discord"}
	h := New()
	h.Register(a)

	err := h.Send("discord:dm:123", Message{Text: "hi"})
	require.NoError(t, err)
	require.Len(t, a.sent, 1)
}

func TestSendUnknownAdapter(t *testing.T) {
	h := New()
	err := h.Send("missing:target", Message{Text: "hi"})
	assert.Error(t, err)
}

func TestHealthAll(t *testing.T) {
	a := &fakeAdapter{name: "cli", health: Health{Running: true, StartedAt: time.Now()}}
	h := New()
	h.Register(a)

	all := h.HealthAll()
	require.Contains(t, all, "cli")
	assert.True(t, all["cli"].Running)
}

// TestDispatchDropsDuringShutdown must run last in this package: it flips
// the process-wide shutdown flag that ChannelHub checks at ingress, and
// logging exposes no way to clear it back to false.
func TestDispatchDropsDuringShutdown(t *testing.T) {
	a := &fakeAdapter{name: "cli"}
	h := New()
	h.Register(a)
	called := false
	h.SetHandler(func(ctx context.Context, in Inbound) (string, error) {
		called = true
		return "world", nil
	})

	logging.SetShuttingDown()
	h.Dispatch(context.Background(), "cli", "main:cli:main", "hello", "main")

	assert.False(t, called, "handler must not run once the gateway is shutting down")
	assert.Empty(t, a.sent)
}
