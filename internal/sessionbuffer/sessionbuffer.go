// Package sessionbuffer holds the in-memory, bounded FIFO of the most
// recent N turns per session, used to assemble context without re-reading
// the archive on every call. Grounded on the teacher's single-writer
// in-memory caches (SessionBuffer/WorldModel caches in
// internal/session/manager.go): no external readers, touched only by the
// single event loop.
package sessionbuffer

import (
	"sync"

	"github.com/mkessler/gateway/internal/turn"
)

// Buffer is the process-wide bounded per-session turn buffer.
type Buffer struct {
	mu   sync.Mutex
	n    int
	data map[string][]turn.Turn
}

// New creates a Buffer bounded at n turns per session (conversationHistory).
func New(n int) *Buffer {
	if n <= 0 {
		n = 10
	}
	return &Buffer{n: n, data: make(map[string][]turn.Turn)}
}

// Append adds t to key's buffer. If that overflows the bound, the oldest
// turns are shifted out and returned as an ordered (oldest-first) eviction
// batch; the caller owns archiving them.
func (b *Buffer) Append(key string, t turn.Turn) []turn.Turn {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf := append(b.data[key], t)

	var evicted []turn.Turn
	if overflow := len(buf) - b.n; overflow > 0 {
		evicted = append(evicted, buf[:overflow]...)
		buf = buf[overflow:]
	}
	b.data[key] = buf
	return evicted
}

// GetTurns returns the current buffer for key, oldest-first; may be empty.
func (b *Buffer) GetTurns(key string) []turn.Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]turn.Turn, len(b.data[key]))
	copy(out, b.data[key])
	return out
}

// IsEmpty reports whether key currently has no buffered turns.
func (b *Buffer) IsEmpty(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data[key]) == 0
}

// Restore replaces key's buffer with turns, clamped to the last N.
func (b *Buffer) Restore(key string, turns []turn.Turn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if overflow := len(turns) - b.n; overflow > 0 {
		turns = turns[overflow:]
	}
	buf := make([]turn.Turn, len(turns))
	copy(buf, turns)
	b.data[key] = buf
}

// Flush removes and returns key's entire buffer.
func (b *Buffer) Flush(key string) []turn.Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.data[key]
	delete(b.data, key)
	return out
}

// FlushAll removes and returns every session's buffer, for graceful
// shutdown (flush all SessionBuffers into the Archive).
func (b *Buffer) FlushAll() map[string][]turn.Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.data
	b.data = make(map[string][]turn.Turn)
	return out
}
