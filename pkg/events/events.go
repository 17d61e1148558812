// Package events carries progress events from long-running pipelines to
// their SSE subscribers, one bounded channel per session.
package events

import (
	"context"
	"sync"
)

// DefaultBuffer is the per-session channel capacity.
const DefaultBuffer = 64

// Event is one progress update. Step names follow the pipeline vocabulary;
// "complete" and "error" are terminal.
type Event struct {
	Step     string         `json:"step"`
	Message  string         `json:"message"`
	Progress int            `json:"progress,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// Terminal reports whether the event closes its stream.
func (e Event) Terminal() bool {
	return e.Step == "complete" || e.Step == "error"
}

type session struct {
	ch     chan Event
	cancel context.CancelFunc
	closed bool
}

// Broadcaster routes events by session id. Publishing never blocks the
// producer: when a subscriber falls behind, the oldest non-terminal event is
// dropped; terminal events are always delivered.
type Broadcaster struct {
	mu       sync.Mutex
	buffer   int
	sessions map[string]*session
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{buffer: DefaultBuffer, sessions: make(map[string]*session)}
}

// Subscribe opens a session. The returned context governs the producing
// pipeline: Cancel (or Close) cancels it, so a disconnecting client unwinds
// the work it was watching.
func (b *Broadcaster) Subscribe(ctx context.Context, id string) (<-chan Event, context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	s := &session{ch: make(chan Event, b.buffer), cancel: cancel}

	b.mu.Lock()
	if prev, ok := b.sessions[id]; ok {
		b.closeLocked(prev)
	}
	b.sessions[id] = s
	b.mu.Unlock()

	wrapped := func() {
		cancel()
		b.mu.Lock()
		if b.sessions[id] == s {
			delete(b.sessions, id)
			b.closeLocked(s)
		}
		b.mu.Unlock()
	}
	return s.ch, ctx, wrapped
}

// Publish delivers an event to the session, dropping the oldest buffered
// non-terminal event under back-pressure. Terminal events close the session
// once delivered. Publishing to an unknown session is a no-op.
func (b *Broadcaster) Publish(id string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	if !ok || s.closed {
		return
	}

	for {
		select {
		case s.ch <- ev:
			if ev.Terminal() {
				delete(b.sessions, id)
				b.closeLocked(s)
			}
			return
		default:
		}
		// Buffer full: shed the oldest buffered event to make room. Only
		// non-terminal events can be buffered, a terminal publish closes
		// the session immediately.
		select {
		case <-s.ch:
		default:
		}
	}
}

// Close tears down one session without a terminal event, cancelling its
// pipeline.
func (b *Broadcaster) Close(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.sessions[id]; ok {
		delete(b.sessions, id)
		b.closeLocked(s)
	}
}

func (b *Broadcaster) closeLocked(s *session) {
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
	close(s.ch)
}

// Len reports the number of open sessions.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}
