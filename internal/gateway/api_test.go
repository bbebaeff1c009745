// ABOUTME: Tests for the REST conversation endpoints and the SSE ask endpoint
// ABOUTME: Runs handlers against the mock store and a scripted streamer

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/sage-gateway/internal/auth"
	"github.com/2389/sage-gateway/internal/conversation"
	"github.com/2389/sage-gateway/internal/dedupe"
	"github.com/2389/sage-gateway/internal/diff"
	"github.com/2389/sage-gateway/internal/store"
	"github.com/2389/sage-gateway/internal/upstream"
)

// stubStreamer replays a fixed answer for every question.
type stubStreamer struct {
	events []upstream.Event
}

func (s *stubStreamer) StreamAnswer(ctx context.Context, question string, history []upstream.Turn) (<-chan upstream.Event, error) {
	ch := make(chan upstream.Event, len(s.events))
	for _, ev := range s.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func answerChunk(text string) upstream.Event {
	return upstream.Event{Chunk: &upstream.AnswerChunk{Answer: upstream.Answer{Text: text}}}
}

func newTestGateway(t *testing.T, streamer conversation.Streamer) (*Gateway, *store.MockStore) {
	t.Helper()
	st := store.NewMockStore()
	registry := conversation.NewRegistry(nil)
	t.Cleanup(registry.Close)

	g := &Gateway{
		store:        st,
		conversation: conversation.NewService(st, streamer, registry, nil),
		registry:     registry,
		logger:       testLogger(),
		dedupe:       dedupe.New(time.Minute, 1000),
	}
	t.Cleanup(g.dedupe.Close)
	return g, st
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func createTestConversation(t *testing.T, g *Gateway, owner string) *store.Conversation {
	t.Helper()
	conv, err := g.conversation.CreateConversation(t.Context(), owner, "test")
	require.NoError(t, err)
	return conv
}

func asOwner(r *http.Request, owner string) *http.Request {
	return r.WithContext(auth.WithIdentity(r.Context(), &auth.Identity{Subject: owner}))
}

func TestHandleConversations_Create(t *testing.T) {
	g, _ := newTestGateway(t, &stubStreamer{})

	req := httptest.NewRequest(http.MethodPost, "/api/conversations", strings.NewReader(`{"title":"glaciers"}`))
	rec := httptest.NewRecorder()
	g.handleConversations(rec, asOwner(req, "alice"))

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp ConversationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "glaciers", resp.Title)
}

func TestHandleConversations_ListScopedToOwner(t *testing.T) {
	g, _ := newTestGateway(t, &stubStreamer{})
	createTestConversation(t, g, "alice")
	createTestConversation(t, g, "bob")

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	rec := httptest.NewRecorder()
	g.handleConversations(rec, asOwner(req, "alice"))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp []ConversationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp, 1)
}

func TestHandleConversations_MethodNotAllowed(t *testing.T) {
	g, _ := newTestGateway(t, &stubStreamer{})

	req := httptest.NewRequest(http.MethodDelete, "/api/conversations", nil)
	rec := httptest.NewRecorder()
	g.handleConversations(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleConversationRoutes_Get(t *testing.T) {
	g, _ := newTestGateway(t, &stubStreamer{})
	conv := createTestConversation(t, g, "alice")

	req := httptest.NewRequest(http.MethodGet, "/api/conversations/"+conv.ID, nil)
	rec := httptest.NewRecorder()
	g.handleConversationRoutes(rec, asOwner(req, "alice"))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ConversationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, conv.ID, resp.ID)
}

func TestHandleConversationRoutes_NotFoundAndForbidden(t *testing.T) {
	g, _ := newTestGateway(t, &stubStreamer{})
	conv := createTestConversation(t, g, "alice")

	req := httptest.NewRequest(http.MethodGet, "/api/conversations/no-such-id", nil)
	rec := httptest.NewRecorder()
	g.handleConversationRoutes(rec, asOwner(req, "alice"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/conversations/"+conv.ID, nil)
	rec = httptest.NewRecorder()
	g.handleConversationRoutes(rec, asOwner(req, "mallory"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleConversationMessages(t *testing.T) {
	g, _ := newTestGateway(t, &stubStreamer{events: []upstream.Event{answerChunk("An answer.")}})
	conv := createTestConversation(t, g, "alice")

	result, err := g.conversation.Ask(t.Context(), conv.ID, "alice", "a question?")
	require.NoError(t, err)
	<-result.Done

	req := httptest.NewRequest(http.MethodGet, "/api/conversations/"+conv.ID+"/messages", nil)
	rec := httptest.NewRecorder()
	g.handleConversationRoutes(rec, asOwner(req, "alice"))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp []MessagePayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 2)
	assert.Equal(t, "question", resp[0].Type)
	assert.Equal(t, "a question?", resp[0].Content)
	assert.Equal(t, "answer", resp[1].Type)
	assert.Equal(t, "An answer.", resp[1].Content)
}

func TestHandleAskSSE_StreamsAnswer(t *testing.T) {
	g, _ := newTestGateway(t, &stubStreamer{events: []upstream.Event{
		answerChunk("Glaciers"),
		answerChunk("Glaciers move slowly."),
	}})
	conv := createTestConversation(t, g, "alice")

	req := httptest.NewRequest(http.MethodPost,
		"/api/conversations/"+conv.ID+"/messages/sse",
		strings.NewReader(`{"content":"How do glaciers move?"}`))
	rec := httptest.NewRecorder()
	g.handleConversationRoutes(rec, asOwner(req, "alice"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: started")
	assert.Contains(t, body, "event: NewMessage")
	assert.Contains(t, body, "event: ContentUpdated")
	assert.Contains(t, body, `"delta":"Glaciers"`)
	assert.Contains(t, body, `"delta":" move slowly."`)
	assert.Contains(t, body, "event: PendingUpdated")
}

func TestStreamEvents_ReturnsOnDoneWhenSettleEventDropped(t *testing.T) {
	g, _ := newTestGateway(t, &stubStreamer{})

	// A full session buffer drops the settle event; the orchestration's done
	// channel must still end the stream. Remaining buffered events go out first.
	events := make(chan diff.Event, 2)
	events <- diff.ContentAppended{ID: "answer-1", Delta: "partial"}
	done := make(chan struct{})
	close(done)

	rec := httptest.NewRecorder()
	finished := make(chan struct{})
	go func() {
		g.streamEvents(context.Background(), rec, rec, events, done, "answer-1")
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("streamEvents did not return after the answer task finished")
	}
	assert.Contains(t, rec.Body.String(), `"delta":"partial"`)
}

func TestHandleAskSSE_Validation(t *testing.T) {
	g, _ := newTestGateway(t, &stubStreamer{})
	conv := createTestConversation(t, g, "alice")

	req := httptest.NewRequest(http.MethodPost,
		"/api/conversations/"+conv.ID+"/messages/sse",
		strings.NewReader(`{"content":""}`))
	rec := httptest.NewRecorder()
	g.handleConversationRoutes(rec, asOwner(req, "alice"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost,
		"/api/conversations/no-such-id/messages/sse",
		strings.NewReader(`{"content":"hi"}`))
	rec = httptest.NewRecorder()
	g.handleConversationRoutes(rec, asOwner(req, "alice"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleHealth(t *testing.T) {
	g, _ := newTestGateway(t, &stubStreamer{})

	rec := httptest.NewRecorder()
	g.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	g.handleReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
