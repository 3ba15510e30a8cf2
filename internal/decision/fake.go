package decision

import (
	"context"
	"errors"
	"sync"

	"github.com/ppiankov/impetus/internal/model"
)

// ErrScriptExhausted is returned by Scripted when no steps remain.
var ErrScriptExhausted = errors.New("decision: script exhausted")

// Step is one scripted answer: an action or an error.
type Step struct {
	Action model.Action
	Err    error
}

// Scripted answers from a fixed list of steps, in order. It records every
// request it receives. Used by tests and the demo session.
type Scripted struct {
	mu       sync.Mutex
	steps    []Step
	requests []Request
	// Gate, when set, blocks each Decide until a value is received or the
	// context ends.
	Gate chan struct{}
}

// NewScripted creates a Scripted client.
func NewScripted(steps ...Step) *Scripted {
	return &Scripted{steps: steps}
}

// Push appends steps.
func (s *Scripted) Push(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, steps...)
}

// Decide returns the next step.
func (s *Scripted) Decide(ctx context.Context, req Request) (model.Action, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	gate := s.Gate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return model.Action{}, &NetworkError{Op: "post", Err: ctx.Err()}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.steps) == 0 {
		return model.Action{}, ErrScriptExhausted
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	return step.Action, step.Err
}

// Requests returns a copy of the requests seen so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Flaky wraps a Client and fails the first N calls with a NetworkError.
type Flaky struct {
	Inner    Client
	Failures int

	mu    sync.Mutex
	calls int
}

// Decide fails while the failure budget lasts, then delegates.
func (f *Flaky) Decide(ctx context.Context, req Request) (model.Action, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.Failures
	f.mu.Unlock()
	if fail {
		return model.Action{}, &NetworkError{Op: "post", Err: errors.New("connection refused")}
	}
	return f.Inner.Decide(ctx, req)
}

// Calls returns the number of Decide calls.
func (f *Flaky) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
