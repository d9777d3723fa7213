// ABOUTME: Shared test helpers for the engine package: fake clock, recording sleeper, counting handler and event recorder.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: testEpoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingSleeper records requested delays without sleeping.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// countingHandler returns the scripted errors in order, then succeeds with delta.
type countingHandler struct {
	mu     sync.Mutex
	calls  int
	errs   []error
	delta  Delta
	always error
}

func (h *countingHandler) Execute(ctx context.Context, in *Input) (Delta, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.always != nil {
		return nil, h.always
	}
	if h.calls <= len(h.errs) {
		return nil, h.errs[h.calls-1]
	}
	return h.delta, nil
}

func (h *countingHandler) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

var errBoom = errors.New("boom")

// eventRecorder collects events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Handle(evt Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *eventRecorder) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *eventRecorder) Count(typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func okHandler(key string) Handler {
	return HandlerFunc(func(ctx context.Context, in *Input) (Delta, error) {
		return Delta{key: in.Step.ID}, nil
	})
}

func chain(ids ...string) []Step {
	steps := make([]Step, len(ids))
	for i, id := range ids {
		steps[i] = Step{ID: id, DependsOn: []string{}}
		if i > 0 {
			steps[i].DependsOn = []string{ids[i-1]}
		}
	}
	return steps
}
