// ABOUTME: Wire envelopes for pushing conversation events to client sessions
// ABOUTME: Shared by the WebSocket and SSE transports

package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/sage-gateway/internal/diff"
	"github.com/2389/sage-gateway/internal/store"
)

// Outbound envelope types.
const (
	EventNewMessage          = "NewMessage"
	EventContentUpdated      = "ContentUpdated"
	EventCitationsUpdated    = "CitationsUpdated"
	EventContextUpdated      = "ContextUpdated"
	EventPendingUpdated      = "PendingUpdated"
	EventConversationCreated = "ConversationCreated"
	EventError               = "Error"
)

// Envelope is the frame every push event travels in.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MessagePayload is the wire form of a stored message.
type MessagePayload struct {
	ID             string                 `json:"id"`
	ConversationID string                 `json:"conversation_id"`
	Content        string                 `json:"content"`
	Citations      []store.Citation       `json:"citations,omitempty"`
	Context        []store.ContextPassage `json:"context,omitempty"`
	FollowUp       []string               `json:"follow_up,omitempty"`
	Pending        bool                   `json:"pending"`
	Errors         []store.MessageError   `json:"errors,omitempty"`
	Role           string                 `json:"role"`
	Type           string                 `json:"type"`
	CreatedAt      time.Time              `json:"created_at"`
}

// ContentUpdatedPayload carries the newly appended text of an answer.
type ContentUpdatedPayload struct {
	ID    string `json:"id"`
	Delta string `json:"delta"`
}

// CitationsUpdatedPayload replaces an answer's citations wholesale.
type CitationsUpdatedPayload struct {
	ID        string           `json:"id"`
	Citations []store.Citation `json:"citations"`
}

// ContextUpdatedPayload replaces an answer's grounding passages wholesale.
type ContextUpdatedPayload struct {
	ID      string                 `json:"id"`
	Context []store.ContextPassage `json:"context"`
}

// PendingUpdatedPayload settles an answer and carries its final state.
type PendingUpdatedPayload struct {
	ID      string         `json:"id"`
	Pending bool           `json:"pending"`
	Message MessagePayload `json:"message"`
}

// ConversationCreatedPayload announces a conversation created by this session.
type ConversationCreatedPayload struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrorPayload reports a failed client action.
type ErrorPayload struct {
	Message string `json:"message"`
}

func messagePayload(msg *store.Message) MessagePayload {
	return MessagePayload{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
		Citations:      msg.Citations,
		Context:        msg.Context,
		FollowUp:       msg.FollowUp,
		Pending:        msg.Pending,
		Errors:         msg.Errors,
		Role:           string(msg.Role),
		Type:           string(msg.Type),
		CreatedAt:      msg.CreatedAt,
	}
}

// newEnvelope marshals a payload into a typed envelope.
func newEnvelope(eventType string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshaling %s payload: %w", eventType, err)
	}
	return Envelope{Type: eventType, Payload: data}, nil
}

// envelopeFor translates a diff event into its wire envelope.
func envelopeFor(event diff.Event) (Envelope, error) {
	switch ev := event.(type) {
	case diff.NewMessage:
		return newEnvelope(EventNewMessage, messagePayload(ev.Message))
	case diff.ContentAppended:
		return newEnvelope(EventContentUpdated, ContentUpdatedPayload{ID: ev.ID, Delta: ev.Delta})
	case diff.CitationsUpdated:
		return newEnvelope(EventCitationsUpdated, CitationsUpdatedPayload{ID: ev.ID, Citations: ev.Citations})
	case diff.ContextUpdated:
		return newEnvelope(EventContextUpdated, ContextUpdatedPayload{ID: ev.ID, Context: ev.Context})
	case diff.PendingUpdated:
		return newEnvelope(EventPendingUpdated, PendingUpdatedPayload{
			ID:      ev.ID,
			Pending: ev.Pending,
			Message: messagePayload(ev.Message),
		})
	default:
		return Envelope{}, fmt.Errorf("unknown event type %T", event)
	}
}
