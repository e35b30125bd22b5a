package agentruntime

import (
	"context"
	"sync"
)

// FakeRuntime is an in-memory Runtime used by RequestQueue/SessionRouter
// tests, grounded on the teacher's provider fakes used across
// internal/llm's test files.
type FakeRuntime struct {
	mu        sync.Mutex
	sub       func(Event)
	scratch   []Message
	state     State
	transform TransformContext

	// Script is consumed one entry per Prompt call; each entry is the
	// sequence of events to emit (or an error to fail with).
	Script []FakeStep
	calls  int
}

// FakeStep describes how one Prompt invocation should behave.
type FakeStep struct {
	Events []Event
	Err    error
}

// NewFake creates a FakeRuntime with the given scripted steps.
func NewFake(script []FakeStep) *FakeRuntime {
	return &FakeRuntime{Script: script, state: State{Provider: "fake", Model: "fake-1"}}
}

func (f *FakeRuntime) Prompt(ctx context.Context, text string) error {
	f.mu.Lock()
	f.scratch = append(f.scratch, Message{Role: "user", Content: text, HasText: true})
	if f.transform != nil {
		f.scratch = f.transform(f.scratch)
	}
	idx := f.calls
	f.calls++
	f.mu.Unlock()

	if idx >= len(f.Script) {
		return nil
	}
	step := f.Script[idx]
	if step.Err != nil {
		return step.Err
	}
	for _, ev := range step.Events {
		if f.sub != nil {
			f.sub(ev)
		}
	}
	return nil
}

func (f *FakeRuntime) Subscribe(cb func(Event)) { f.sub = cb }

func (f *FakeRuntime) SetModel(provider, model string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Provider = provider
	f.state.Model = model
	return nil
}

func (f *FakeRuntime) SetThinkingLevel(level string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.ThinkingLevel = level
	return nil
}

func (f *FakeRuntime) ClearMessages() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scratch = nil
}

func (f *FakeRuntime) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *FakeRuntime) SetTransformContext(fn TransformContext) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transform = fn
}

// Scratch returns the current unexported scratch message list, for
// ContextAssembler tests that need to inspect the runtime's accumulated
// state.
func (f *FakeRuntime) Scratch() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, len(f.scratch))
	copy(out, f.scratch)
	return out
}
