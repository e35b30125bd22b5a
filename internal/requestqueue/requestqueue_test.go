package requestqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mkessler/gateway/internal/agentruntime"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func textEvents(text string) []agentruntime.Event {
	return []agentruntime.Event{
		{Kind: agentruntime.EventTextDelta, Text: text},
		{Kind: agentruntime.EventMessageEnd, Message: agentruntime.Message{Role: "assistant", Content: text, HasText: true}},
	}
}

// TestFallbackSucceeds matches spec scenario S6.
func TestFallbackSucceeds(t *testing.T) {
	fake := agentruntime.NewFake([]agentruntime.FakeStep{
		{Err: errors.New("primary down")},
		{Events: textEvents("ok")},
	})
	q := New(fake, []string{"fallback/model-b"})

	got, err := q.Enqueue(context.Background(), "hi")
	require.NoError(t, err)
	require.Equal(t, "ok", got)

	state := fake.State()
	require.Equal(t, "fake", state.Provider)
	require.Equal(t, "fake-1", state.Model)
}

// TestFallbackTermination matches Testable Property 5: no more than F+1 calls.
func TestFallbackTermination(t *testing.T) {
	fake := agentruntime.NewFake([]agentruntime.FakeStep{
		{Err: errors.New("e1")},
		{Err: errors.New("e2")},
		{Err: errors.New("e3")},
	})
	q := New(fake, []string{"fb1/m", "fb2/m"})

	got, err := q.Enqueue(context.Background(), "hi")
	require.NoError(t, err)
	require.Equal(t, "e3", got)
}

func TestRequestIsolationNoInterleaving(t *testing.T) {
	fake := agentruntime.NewFake([]agentruntime.FakeStep{
		{Events: textEvents("first")},
		{Events: textEvents("second")},
	})
	q := New(fake, nil)

	results := make(chan string, 2)
	go func() {
		got, _ := q.Enqueue(context.Background(), "a")
		results <- got
	}()
	go func() {
		got, _ := q.Enqueue(context.Background(), "b")
		results <- got
	}()

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			seen[r] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for both requests")
		}
	}
	require.True(t, seen["first"])
	require.True(t, seen["second"])
}

// TestCancelAbortsActiveRequest matches the RequestQueue supplement: a
// restart command or shutdown can cancel the in-flight call without
// waiting for its fallback chain to exhaust.
func TestCancelAbortsActiveRequest(t *testing.T) {
	fake := agentruntime.NewFake([]agentruntime.FakeStep{
		{}, // no events, no error: Prompt issues and just never completes
	})
	q := New(fake, nil)

	done := make(chan struct{})
	var got string
	go func() {
		got, _ = q.Enqueue(context.Background(), "hi")
		close(done)
	}()

	require.Eventually(t, func() bool {
		return q.ActiveID() != ""
	}, time.Second, 5*time.Millisecond)

	require.True(t, q.Cancel(q.ActiveID()))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cancelled request never resolved")
	}
	require.Contains(t, got, "cancelled")
}

func TestCancelIsNoopForUnknownID(t *testing.T) {
	fake := agentruntime.NewFake([]agentruntime.FakeStep{{Events: textEvents("done")}})
	q := New(fake, nil)
	require.False(t, q.Cancel("not-the-active-request"))
}

func TestQueueIdleAfterDrain(t *testing.T) {
	fake := agentruntime.NewFake([]agentruntime.FakeStep{{Events: textEvents("done")}})
	q := New(fake, nil)

	_, err := q.Enqueue(context.Background(), "hi")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return !q.processing && q.activeID == ""
	}, time.Second, 10*time.Millisecond)
	require.Empty(t, fake.Scratch())
}
