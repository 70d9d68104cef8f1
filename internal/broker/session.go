package broker

import (
	"time"

	"github.com/gateinfra/toolgate/internal/types"
)

// sessionKey identifies the single in-flight arbitration allowed per
// (profile, tool, scope fingerprint).
type sessionKey struct {
	Profile     string
	Tool        string
	Fingerprint string
}

// sessionState tracks the arbitration state machine:
// created → awaitingHuman → {resolved, timedOut, canceled}.
type sessionState int

const (
	stateCreated sessionState = iota
	stateAwaitingHuman
	stateResolved
	stateTimedOut
	stateCanceled
)

// waiter is one submission coalesced onto a session. The channel is
// buffered so resolution never blocks on a slow submitter.
type waiter struct {
	ch chan types.Outcome
}

// session is one pending human decision. It owns the prompt that was
// dispatched for it and every request coalesced onto its key. Sessions
// are guarded by the broker mutex; they have no locking of their own.
type session struct {
	key     sessionKey
	prompt  types.PromptEvent
	created time.Time
	state   sessionState
	waiters []*waiter
	timer   *time.Timer
}

func newSession(key sessionKey, prompt types.PromptEvent) *session {
	return &session{
		key:     key,
		prompt:  prompt,
		created: time.Now(),
		state:   stateCreated,
	}
}

// terminal reports whether the session has reached a final state. No
// waiter may attach once terminal; late joiners go back through the
// broker, which will find the key free.
func (s *session) terminal() bool {
	return s.state == stateResolved || s.state == stateTimedOut || s.state == stateCanceled
}

// attach coalesces one more submission onto the session.
func (s *session) attach() *waiter {
	w := &waiter{ch: make(chan types.Outcome, 1)}
	s.waiters = append(s.waiters, w)
	return w
}

// detach removes a waiter whose submitter gave up (context canceled).
func (s *session) detach(w *waiter) {
	for i, cur := range s.waiters {
		if cur == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

// finish moves the session to a terminal state and delivers the same
// outcome to every coalesced waiter. The per-waiter buffer guarantees
// delivery without blocking, so all waiters observe one resolution.
func (s *session) finish(state sessionState, out types.Outcome) {
	s.state = state
	if s.timer != nil {
		s.timer.Stop()
	}
	for _, w := range s.waiters {
		w.ch <- out
	}
	s.waiters = nil
}
