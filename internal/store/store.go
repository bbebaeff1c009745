// ABOUTME: Store interface and data types for sage-gateway persistence
// ABOUTME: Defines Conversation, Message structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrUnauthorized is returned when the caller does not own the conversation
var ErrUnauthorized = errors.New("unauthorized")

// ErrDuplicateConversation is returned when trying to create a conversation that already exists
var ErrDuplicateConversation = errors.New("conversation already exists")

// Role identifies who authored a message
type Role string

const (
	RoleHuman Role = "human"
	RoleAI    Role = "ai"
)

// MessageType distinguishes questions from answers
type MessageType string

const (
	MessageTypeQuestion MessageType = "question"
	MessageTypeAnswer   MessageType = "answer"
)

// Conversation groups the messages of one user dialogue
type Conversation struct {
	ID        string
	Owner     string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Citation is a source reference attached to an answer
type Citation struct {
	Text     string `json:"text"`
	SourceID string `json:"sourceId"`
}

// ContextPassage is one retrieval passage the answer was grounded on
type ContextPassage struct {
	Content string  `json:"content"`
	Title   string  `json:"title"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
}

// MessageError records a failure that occurred while generating an answer
type MessageError struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Message is a single question or answer within a conversation.
//
// A question is always non-pending with empty citations/context. An answer
// starts with Pending=true and flips to false exactly once, when the upstream
// stream completes or fails terminally. While pending, only the orchestration
// service mutates it; afterwards it is immutable.
type Message struct {
	ID             string
	ConversationID string
	Content        string
	Citations      []Citation
	Context        []ContextPassage
	FollowUp       []string
	Pending        bool
	Errors         []MessageError
	Role           Role
	Type           MessageType
	CreatedAt      time.Time
}

// Clone returns a deep copy of the message. The orchestration service diffs
// successive snapshots, so shared slices would make diffs meaningless.
func (m *Message) Clone() *Message {
	c := *m
	c.Citations = append([]Citation(nil), m.Citations...)
	c.Context = append([]ContextPassage(nil), m.Context...)
	c.FollowUp = append([]string(nil), m.FollowUp...)
	c.Errors = append([]MessageError(nil), m.Errors...)
	return &c
}

// Store defines the interface for conversation and message persistence
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, owner string) ([]*Conversation, error)

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	UpdateMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	GetConversationMessages(ctx context.Context, conversationID string) ([]*Message, error)

	// Ping reports whether the underlying database is reachable
	Ping(ctx context.Context) error

	Close() error
}
