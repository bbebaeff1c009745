// ABOUTME: WebSocket session handler for interactive clients
// ABOUTME: Action frames in, conversation event envelopes out

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/2389/sage-gateway/internal/auth"
	"github.com/2389/sage-gateway/internal/diff"
	"github.com/2389/sage-gateway/internal/store"
)

// Inbound action types.
const (
	ActionNewMessage         = "NewMessage"
	ActionCreateConversation = "CreateConversation"
	ActionSubscribe          = "SubscribeToConversation"
	ActionUnsubscribeAll     = "UnsubscribeAllConversations"
	ActionHeartbeat          = "Heartbeat"
)

// maxDecodeErrorsPerConn closes connections that keep sending garbage.
const maxDecodeErrorsPerConn = 5

// wsAction is the inbound frame shape.
type wsAction struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewMessagePayload asks a question in an existing conversation.
type NewMessagePayload struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

// CreateConversationActionPayload creates a conversation; optionally
// subscribes the session to it and asks an initial question.
type CreateConversationActionPayload struct {
	Title     string `json:"title"`
	Subscribe bool   `json:"subscribe"`
	Content   string `json:"content"`
}

// SubscribePayload follows a conversation's events.
type SubscribePayload struct {
	ConversationID string `json:"conversation_id"`
}

// wsSession serializes writes to one WebSocket connection. The relay
// goroutine and the frame loop both write; the mutex keeps frames whole.
type wsSession struct {
	id    string
	owner string
	conn  *websocket.Conn

	mu  sync.Mutex
	enc *json.Encoder
}

func (s *wsSession) sendEnvelope(env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(env)
}

func (s *wsSession) sendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return websocket.Message.Send(s.conn, text)
}

func (s *wsSession) sendError(message string) {
	env, err := newEnvelope(EventError, ErrorPayload{Message: message})
	if err != nil {
		return
	}
	_ = s.sendEnvelope(env)
}

// wsUpgradeHandler authenticates the upgrade request, then hands the
// connection to the session loop.
func (g *Gateway) wsUpgradeHandler() http.Handler {
	wsHandler := websocket.Handler(g.handleWSConn)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		ctx := auth.WithCorrelationID(r.Context(), r.Header.Get(auth.CorrelationHeader))

		if g.verifier != nil {
			token := wsTokenFromRequest(r)
			if token == "" {
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			subject, err := g.verifier.Verify(token)
			if err != nil {
				g.logger.Warn("websocket auth failed", "error", err, "remote", r.RemoteAddr)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			ctx = auth.WithIdentity(ctx, &auth.Identity{Subject: subject})
		}

		wsHandler.ServeHTTP(w, r.WithContext(ctx))
	})
}

// wsTokenFromRequest reads the bearer token from the Authorization header or,
// for browser clients that cannot set headers on upgrade, the access_token
// query parameter.
func wsTokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("access_token")
}

// handleWSConn runs one client session: a relay goroutine pushes registry
// events to the socket while this loop decodes action frames.
func (g *Gateway) handleWSConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	owner := anonymousSubject
	var reqCtx context.Context = context.Background()
	if r := conn.Request(); r != nil {
		reqCtx = r.Context()
		if id := auth.FromContext(reqCtx); id != nil {
			owner = id.Subject
		}
	}

	session := &wsSession{
		id:    uuid.NewString(),
		owner: owner,
		conn:  conn,
		enc:   json.NewEncoder(conn),
	}
	logger := g.logger.With("session_id", session.id, "owner", owner)
	logger.Info("websocket session opened")

	events := g.registry.Register(session.id)
	defer g.registry.Remove(session.id)

	relayCtx, cancelRelay := context.WithCancel(reqCtx)
	defer cancelRelay()
	go g.relayEvents(relayCtx, session, events, logger)

	decoder := json.NewDecoder(conn)
	decodeErrors := 0
	for {
		var action wsAction
		if err := decoder.Decode(&action); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				logger.Info("websocket session closed")
				return
			}
			decodeErrors++
			session.sendError("invalid action frame")
			if decodeErrors >= maxDecodeErrorsPerConn {
				logger.Warn("too many malformed frames, closing session")
				return
			}
			continue
		}
		decodeErrors = 0

		g.dispatchAction(reqCtx, session, action, logger)
	}
}

// relayEvents drains the session's registry channel onto the wire.
func (g *Gateway) relayEvents(ctx context.Context, session *wsSession, events <-chan diff.Event, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			env, err := envelopeFor(ev)
			if err != nil {
				logger.Error("failed to encode event", "error", err)
				continue
			}
			if err := session.sendEnvelope(env); err != nil {
				logger.Debug("relay write failed", "error", err)
				return
			}
		}
	}
}

func (g *Gateway) dispatchAction(ctx context.Context, session *wsSession, action wsAction, logger *slog.Logger) {
	switch action.Type {
	case ActionHeartbeat:
		g.handleHeartbeat(session, action, logger)
	case ActionNewMessage:
		g.handleNewMessageAction(ctx, session, action, logger)
	case ActionCreateConversation:
		g.handleCreateConversationAction(ctx, session, action, logger)
	case ActionSubscribe:
		g.handleSubscribeAction(ctx, session, action, logger)
	case ActionUnsubscribeAll:
		g.registry.Unsubscribe(session.id)
	default:
		logger.Warn("unsupported action type", "type", action.Type)
		session.sendError(fmt.Sprintf("unsupported action type %q", action.Type))
	}
}

// handleHeartbeat answers a literal "ping" with a literal "pong" text frame.
// Anything else in the payload is logged and ignored.
func (g *Gateway) handleHeartbeat(session *wsSession, action wsAction, logger *slog.Logger) {
	var payload string
	if err := json.Unmarshal(action.Payload, &payload); err != nil || payload != "ping" {
		logger.Debug("unexpected heartbeat payload", "payload", string(action.Payload))
		return
	}
	if err := session.sendText("pong"); err != nil {
		logger.Debug("heartbeat write failed", "error", err)
	}
}

func (g *Gateway) handleNewMessageAction(ctx context.Context, session *wsSession, action wsAction, logger *slog.Logger) {
	var payload NewMessagePayload
	if err := json.Unmarshal(action.Payload, &payload); err != nil {
		session.sendError("invalid NewMessage payload")
		return
	}
	if payload.ConversationID == "" || strings.TrimSpace(payload.Content) == "" {
		session.sendError("conversation_id and content are required")
		return
	}

	g.askFromSession(ctx, session, payload.ConversationID, payload.Content, logger)
}

// askFromSession runs an Ask on behalf of a WebSocket session, with
// duplicate-question suppression. Re-sends of the same question (client
// retries after a flaky connection) are dropped instead of producing a
// second answer.
func (g *Gateway) askFromSession(ctx context.Context, session *wsSession, conversationID, content string, logger *slog.Logger) {
	if g.dedupe.CheckAndMark(session.owner, conversationID, content) {
		logger.Info("dropping duplicate question", "conversation_id", conversationID)
		return
	}

	if _, err := g.conversation.Ask(ctx, conversationID, session.owner, content); err != nil {
		logger.Warn("ask failed", "conversation_id", conversationID, "error", err)
		session.sendError(askErrorMessage(err))
	}
}

func askErrorMessage(err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "conversation not found"
	case errors.Is(err, store.ErrUnauthorized):
		return "not your conversation"
	default:
		return "failed to send message"
	}
}

func (g *Gateway) handleCreateConversationAction(ctx context.Context, session *wsSession, action wsAction, logger *slog.Logger) {
	var payload CreateConversationActionPayload
	if err := json.Unmarshal(action.Payload, &payload); err != nil {
		session.sendError("invalid CreateConversation payload")
		return
	}

	conv, err := g.conversation.CreateConversation(ctx, session.owner, payload.Title)
	if err != nil {
		logger.Error("create conversation failed", "error", err)
		session.sendError("failed to create conversation")
		return
	}

	if payload.Subscribe {
		g.registry.Subscribe(session.id, conv.ID)
	}

	env, err := newEnvelope(EventConversationCreated, ConversationCreatedPayload{
		ID:        conv.ID,
		Title:     conv.Title,
		CreatedAt: conv.CreatedAt,
	})
	if err == nil {
		if err := session.sendEnvelope(env); err != nil {
			logger.Debug("conversation created write failed", "error", err)
		}
	}

	if strings.TrimSpace(payload.Content) != "" {
		g.askFromSession(ctx, session, conv.ID, payload.Content, logger)
	}
}

// handleSubscribeAction follows a conversation and backfills its existing
// messages as synthetic NewMessage events, oldest first, so the client can
// render history before live updates arrive.
func (g *Gateway) handleSubscribeAction(ctx context.Context, session *wsSession, action wsAction, logger *slog.Logger) {
	var payload SubscribePayload
	if err := json.Unmarshal(action.Payload, &payload); err != nil {
		session.sendError("invalid SubscribeToConversation payload")
		return
	}
	if payload.ConversationID == "" {
		session.sendError("conversation_id is required")
		return
	}

	msgs, err := g.conversation.History(ctx, payload.ConversationID, session.owner)
	if err != nil {
		logger.Warn("subscribe failed", "conversation_id", payload.ConversationID, "error", err)
		session.sendError(askErrorMessage(err))
		return
	}

	g.registry.Subscribe(session.id, payload.ConversationID)

	for _, msg := range msgs {
		env, err := envelopeFor(diff.NewMessage{Message: msg})
		if err != nil {
			continue
		}
		if err := session.sendEnvelope(env); err != nil {
			logger.Debug("backfill write failed", "error", err)
			return
		}
	}
}
