// ABOUTME: Tests for the WebSocket session handler
// ABOUTME: Dials a real server and exercises the action protocol end to end

package gateway

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/2389/sage-gateway/internal/upstream"
)

func dialTestWS(t *testing.T, g *Gateway) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(g.wsUpgradeHandler())
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, err := websocket.Dial(wsURL, "", server.URL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func sendAction(t *testing.T, conn *websocket.Conn, actionType string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, websocket.JSON.Send(conn, wsAction{Type: actionType, Payload: data}))
}

func receiveEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	var env Envelope
	require.NoError(t, websocket.JSON.Receive(conn, &env))
	return env
}

func TestWS_HeartbeatPong(t *testing.T) {
	g, _ := newTestGateway(t, &stubStreamer{})
	conn := dialTestWS(t, g)

	sendAction(t, conn, ActionHeartbeat, "ping")

	var reply string
	require.NoError(t, websocket.Message.Receive(conn, &reply))
	assert.Equal(t, "pong", reply)
}

func TestWS_HeartbeatIgnoresOtherPayloads(t *testing.T) {
	g, _ := newTestGateway(t, &stubStreamer{})
	conn := dialTestWS(t, g)

	sendAction(t, conn, ActionHeartbeat, "hello")
	// Should not answer; a follow-up ping still works
	sendAction(t, conn, ActionHeartbeat, "ping")

	var reply string
	require.NoError(t, websocket.Message.Receive(conn, &reply))
	assert.Equal(t, "pong", reply)
}

func TestWS_CreateConversationAndAsk(t *testing.T) {
	g, _ := newTestGateway(t, &stubStreamer{events: []upstream.Event{
		answerChunk("The answer."),
	}})
	conn := dialTestWS(t, g)

	sendAction(t, conn, ActionCreateConversation, CreateConversationActionPayload{
		Title:     "glaciers",
		Subscribe: true,
		Content:   "How do glaciers move?",
	})

	env := receiveEnvelope(t, conn)
	require.Equal(t, EventConversationCreated, env.Type)
	var created ConversationCreatedPayload
	require.NoError(t, json.Unmarshal(env.Payload, &created))
	assert.Equal(t, "glaciers", created.Title)

	var types []string
	for len(types) < 4 {
		env := receiveEnvelope(t, conn)
		types = append(types, env.Type)
	}
	assert.Equal(t, []string{
		EventNewMessage,     // question
		EventNewMessage,     // pending answer
		EventContentUpdated, // "The answer."
		EventPendingUpdated, // settled
	}, types)
}

func TestWS_SubscribeBackfillsHistory(t *testing.T) {
	g, _ := newTestGateway(t, &stubStreamer{events: []upstream.Event{
		answerChunk("Earlier answer."),
	}})

	conv, err := g.conversation.CreateConversation(t.Context(), anonymousSubject, "history")
	require.NoError(t, err)
	result, err := g.conversation.Ask(t.Context(), conv.ID, anonymousSubject, "earlier question?")
	require.NoError(t, err)
	<-result.Done

	conn := dialTestWS(t, g)
	sendAction(t, conn, ActionSubscribe, SubscribePayload{ConversationID: conv.ID})

	first := receiveEnvelope(t, conn)
	require.Equal(t, EventNewMessage, first.Type)
	var question MessagePayload
	require.NoError(t, json.Unmarshal(first.Payload, &question))
	assert.Equal(t, "earlier question?", question.Content)

	second := receiveEnvelope(t, conn)
	require.Equal(t, EventNewMessage, second.Type)
	var answer MessagePayload
	require.NoError(t, json.Unmarshal(second.Payload, &answer))
	assert.Equal(t, "Earlier answer.", answer.Content)
	assert.False(t, answer.Pending)
}

func TestWS_SubscribeUnknownConversation(t *testing.T) {
	g, _ := newTestGateway(t, &stubStreamer{})
	conn := dialTestWS(t, g)

	sendAction(t, conn, ActionSubscribe, SubscribePayload{ConversationID: "no-such-id"})

	env := receiveEnvelope(t, conn)
	assert.Equal(t, EventError, env.Type)
}

func TestWS_UnsupportedAction(t *testing.T) {
	g, _ := newTestGateway(t, &stubStreamer{})
	conn := dialTestWS(t, g)

	sendAction(t, conn, "DropAllTables", nil)

	env := receiveEnvelope(t, conn)
	assert.Equal(t, EventError, env.Type)
}

func TestWS_DuplicateQuestionSuppressed(t *testing.T) {
	g, st := newTestGateway(t, &stubStreamer{events: []upstream.Event{
		answerChunk("Answer."),
	}})
	conv, err := g.conversation.CreateConversation(t.Context(), anonymousSubject, "dupes")
	require.NoError(t, err)

	conn := dialTestWS(t, g)
	sendAction(t, conn, ActionSubscribe, SubscribePayload{ConversationID: conv.ID})

	ask := NewMessagePayload{ConversationID: conv.ID, Content: "the question?"}
	sendAction(t, conn, ActionNewMessage, ask)
	sendAction(t, conn, ActionNewMessage, ask)

	// Wait for the one answer to settle
	deadline := time.Now().Add(5 * time.Second)
	for {
		env := receiveEnvelope(t, conn)
		if env.Type == EventPendingUpdated {
			break
		}
		require.True(t, time.Now().Before(deadline))
	}
	time.Sleep(50 * time.Millisecond)

	msgs, err := st.GetConversationMessages(t.Context(), conv.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2) // one question, one answer
}

func TestWS_NewMessageValidation(t *testing.T) {
	g, _ := newTestGateway(t, &stubStreamer{})
	conn := dialTestWS(t, g)

	sendAction(t, conn, ActionNewMessage, NewMessagePayload{ConversationID: "", Content: ""})
	env := receiveEnvelope(t, conn)
	assert.Equal(t, EventError, env.Type)

	sendAction(t, conn, ActionNewMessage, NewMessagePayload{ConversationID: "no-such-id", Content: "hi"})
	env = receiveEnvelope(t, conn)
	assert.Equal(t, EventError, env.Type)
}
