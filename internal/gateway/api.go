// ABOUTME: HTTP API handlers for conversations and the SSE answer stream
// ABOUTME: REST CRUD plus a one-question-per-request streaming endpoint

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/sage-gateway/internal/auth"
	"github.com/2389/sage-gateway/internal/diff"
	"github.com/2389/sage-gateway/internal/store"
)

// anonymousSubject is the owner used when auth is disabled.
const anonymousSubject = "anonymous"

// ConversationResponse is the JSON form of a conversation.
type ConversationResponse struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// CreateConversationRequest is the body of POST /api/conversations.
type CreateConversationRequest struct {
	Title string `json:"title"`
}

// AskRequest is the body of the SSE ask endpoint.
type AskRequest struct {
	Content string `json:"content"`
}

func conversationResponse(conv *store.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:        conv.ID,
		Title:     conv.Title,
		CreatedAt: conv.CreatedAt.Format(timeFormat),
		UpdatedAt: conv.UpdatedAt.Format(timeFormat),
	}
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// ownerFromRequest resolves the caller's subject. Falls back to a shared
// anonymous owner when auth is disabled.
func ownerFromRequest(r *http.Request) string {
	if id := auth.FromContext(r.Context()); id != nil {
		return id.Subject
	}
	return anonymousSubject
}

// handleConversations handles /api/conversations (collection).
func (g *Gateway) handleConversations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		g.handleCreateConversation(w, r)
	case http.MethodGet:
		g.handleListConversations(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	conv, err := g.conversation.CreateConversation(r.Context(), ownerFromRequest(r), req.Title)
	if err != nil {
		g.logger.Error("failed to create conversation", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(conversationResponse(conv))
}

func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := g.conversation.ListConversations(r.Context(), ownerFromRequest(r))
	if err != nil {
		g.logger.Error("failed to list conversations", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]ConversationResponse, 0, len(convs))
	for _, conv := range convs {
		response = append(response, conversationResponse(conv))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleConversationRoutes dispatches /api/conversations/{id}[/...] paths.
func (g *Gateway) handleConversationRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if parts[0] == "" {
		g.sendJSONError(w, http.StatusBadRequest, "conversation ID required")
		return
	}
	conversationID := parts[0]

	switch {
	case len(parts) == 1:
		g.handleGetConversation(w, r, conversationID)
	case len(parts) == 2 && parts[1] == "messages":
		g.handleConversationMessages(w, r, conversationID)
	case len(parts) == 3 && parts[1] == "messages" && parts[2] == "sse":
		g.handleAskSSE(w, r, conversationID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request, conversationID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	conv, err := g.conversation.GetConversation(r.Context(), conversationID, ownerFromRequest(r))
	if err != nil {
		g.sendStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(conversationResponse(conv))
}

func (g *Gateway) handleConversationMessages(w http.ResponseWriter, r *http.Request, conversationID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	msgs, err := g.conversation.History(r.Context(), conversationID, ownerFromRequest(r))
	if err != nil {
		g.sendStoreError(w, err)
		return
	}

	response := make([]MessagePayload, 0, len(msgs))
	for _, msg := range msgs {
		response = append(response, messagePayload(msg))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleAskSSE handles POST /api/conversations/{id}/messages/sse.
// It records the question, streams the answer back as SSE events, and
// returns when the answer settles. The orchestration itself is detached:
// a client that goes away mid-stream still gets its answer persisted.
func (g *Gateway) handleAskSSE(w http.ResponseWriter, r *http.Request, conversationID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		g.sendJSONError(w, http.StatusBadRequest, "content is required")
		return
	}

	// Check streaming support before sending (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Ephemeral session for this request only. Removing it on return frees
	// the channel; the answer task keeps running and persisting without it.
	sessionID := "sse-" + uuid.NewString()
	events := g.registry.Register(sessionID)
	defer g.registry.Remove(sessionID)
	g.registry.Subscribe(sessionID, conversationID)

	result, err := g.conversation.Ask(r.Context(), conversationID, ownerFromRequest(r), req.Content)
	if err != nil {
		g.sendStoreError(w, err)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "started", map[string]string{
		"conversation_id": conversationID,
		"question_id":     result.Question.ID,
		"answer_id":       result.Answer.ID,
	})
	flusher.Flush()

	g.streamEvents(r.Context(), w, flusher, events, result.Done, result.Answer.ID)
}

// streamEvents forwards registry events until the answer settles or the
// client goes away. Write failures are ignored; persistence already happened
// upstream of the registry. The orchestration's done channel backstops the
// settle event: if that event was dropped for a slow reader, the handler
// still returns once the answer task finishes.
func (g *Gateway) streamEvents(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, events <-chan diff.Event, done <-chan struct{}, answerID string) {
	for {
		select {
		case <-ctx.Done():
			return

		case <-done:
			// The answer settled; forward whatever is still buffered and stop
			for {
				select {
				case ev, ok := <-events:
					if !ok || g.forwardEvent(w, flusher, ev, answerID) {
						return
					}
				default:
					return
				}
			}

		case ev, ok := <-events:
			if !ok || g.forwardEvent(w, flusher, ev, answerID) {
				return
			}
		}
	}
}

// forwardEvent writes one registry event onto the SSE stream and reports
// whether it was the settle event for the answer being streamed.
func (g *Gateway) forwardEvent(w http.ResponseWriter, flusher http.Flusher, ev diff.Event, answerID string) bool {
	env, err := envelopeFor(ev)
	if err != nil {
		g.logger.Error("failed to encode event", "error", err)
		return false
	}
	g.writeSSEEvent(w, env.Type, json.RawMessage(env.Payload))
	flusher.Flush()

	settled, ok := ev.(diff.PendingUpdated)
	return ok && settled.ID == answerID && !settled.Pending
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	// A failed write means the client is gone; nothing to do about it here
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, dataJSON)
}

// sendStoreError maps store sentinel errors onto HTTP statuses.
func (g *Gateway) sendStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, store.ErrUnauthorized):
		g.sendJSONError(w, http.StatusForbidden, "not your conversation")
	default:
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
