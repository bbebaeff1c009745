// ABOUTME: In-memory fan-out registry for per-conversation update events
// ABOUTME: Session channels with dynamic subscription, safe under concurrent publish

package conversation

import (
	"log/slog"
	"sync"

	"github.com/2389/sage-gateway/internal/diff"
)

// sessionBufferSize is the channel buffer for each session.
const sessionBufferSize = 64

// Registry multiplexes update events from orchestration tasks out to client
// sessions. Each session owns one buffered channel, created on Register and
// closed on Remove, and is subscribed to at most one conversation at a time
// (last subscribe wins). Publishing never blocks: events are dropped for
// sessions whose channels are full.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool
	logger   *slog.Logger
}

type session struct {
	ch             chan diff.Event
	conversationID string // empty while not subscribed
}

// NewRegistry creates a registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*session),
		logger:   logger.With("component", "registry"),
	}
}

// Register creates the event channel for a session. Calling Register twice
// with the same session ID returns the existing channel.
func (r *Registry) Register(sessionID string) <-chan diff.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[sessionID]; ok {
		return s.ch
	}

	s := &session{ch: make(chan diff.Event, sessionBufferSize)}
	r.sessions[sessionID] = s

	r.logger.Debug("session registered", "session_id", sessionID)
	return s.ch
}

// Subscribe points a session at a conversation. A session follows at most one
// conversation; subscribing again moves it.
func (r *Registry) Subscribe(sessionID, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		r.logger.Warn("subscribe for unknown session", "session_id", sessionID)
		return
	}
	s.conversationID = conversationID

	r.logger.Debug("session subscribed",
		"session_id", sessionID,
		"conversation_id", conversationID)
}

// Unsubscribe detaches a session from its conversation without closing its
// channel.
func (r *Registry) Unsubscribe(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[sessionID]; ok {
		s.conversationID = ""
	}
}

// Remove tears down a session and closes its channel. Idempotent.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	delete(r.sessions, sessionID)
	close(s.ch)

	r.logger.Debug("session removed", "session_id", sessionID)
}

// Publish delivers an event to every session currently subscribed to the
// conversation. Delivery is FIFO per session; sessions that subscribe after
// a publish do not receive it.
func (r *Registry) Publish(conversationID string, event diff.Event) {
	// Sends stay under the read lock: they are non-blocking, and Remove/Close
	// take the write lock, so a channel cannot be closed mid-send.
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return
	}

	for _, s := range r.sessions {
		if s.conversationID != conversationID {
			continue
		}
		select {
		case s.ch <- event:
		default:
			// Session channel full - drop event for this subscriber
			r.logger.Debug("dropped event for slow session",
				"conversation_id", conversationID)
		}
	}
}

// Close shuts down the registry and closes all session channels.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true

	for id, s := range r.sessions {
		close(s.ch)
		delete(r.sessions, id)
	}

	r.logger.Debug("registry closed")
}
