// ABOUTME: Conversation service orchestrating question intake and answer streaming
// ABOUTME: Persists each upstream chunk and fans out diffs, detached from the caller

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/sage-gateway/internal/diff"
	"github.com/2389/sage-gateway/internal/store"
	"github.com/2389/sage-gateway/internal/upstream"
)

// persistTimeout bounds each background save so a stuck store cannot pin
// an orchestration goroutine forever.
const persistTimeout = 5 * time.Second

// ConversationStore is the slice of store.Store the service needs.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	ListConversations(ctx context.Context, owner string) ([]*store.Conversation, error)
	SaveMessage(ctx context.Context, msg *store.Message) error
	UpdateMessage(ctx context.Context, msg *store.Message) error
	GetConversationMessages(ctx context.Context, conversationID string) ([]*store.Message, error)
}

// Streamer produces an answer event stream for a question.
type Streamer interface {
	StreamAnswer(ctx context.Context, question string, history []upstream.Turn) (<-chan upstream.Event, error)
}

// Service owns conversation state transitions. Reads go straight to the
// store; Ask kicks off a background answer task that outlives the request.
type Service struct {
	store    ConversationStore
	streamer Streamer
	registry *Registry
	logger   *slog.Logger
}

// NewService creates a conversation service.
func NewService(st ConversationStore, streamer Streamer, registry *Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		streamer: streamer,
		registry: registry,
		logger:   logger.With("component", "conversation"),
	}
}

// Registry exposes the fan-out registry for session handlers.
func (s *Service) Registry() *Registry {
	return s.registry
}

// CreateConversation creates an empty conversation owned by owner.
func (s *Service) CreateConversation(ctx context.Context, owner, title string) (*store.Conversation, error) {
	if owner == "" {
		return nil, fmt.Errorf("owner is required")
	}
	now := time.Now().UTC()
	conv := &store.Conversation{
		ID:        uuid.NewString(),
		Owner:     owner,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	s.logger.Info("conversation created",
		"conversation_id", conv.ID,
		"owner", owner)
	return conv, nil
}

// GetConversation returns a conversation after checking ownership.
func (s *Service) GetConversation(ctx context.Context, id, owner string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.Owner != owner {
		return nil, store.ErrUnauthorized
	}
	return conv, nil
}

// ListConversations returns the caller's conversations, newest first.
func (s *Service) ListConversations(ctx context.Context, owner string) ([]*store.Conversation, error) {
	return s.store.ListConversations(ctx, owner)
}

// History returns all messages of a conversation after checking ownership.
func (s *Service) History(ctx context.Context, conversationID, owner string) ([]*store.Message, error) {
	if _, err := s.GetConversation(ctx, conversationID, owner); err != nil {
		return nil, err
	}
	return s.store.GetConversationMessages(ctx, conversationID)
}

// AskResult reports the persisted question and the pending answer shell.
// Done closes once the background answer task has finished, success or not.
type AskResult struct {
	Question *store.Message
	Answer   *store.Message
	Done     <-chan struct{}
}

// Ask records a question, creates a pending answer, and starts a detached
// task that streams the answer. The question and answer are persisted and
// announced before Ask returns; everything after happens in the background
// and survives cancellation of ctx.
func (s *Service) Ask(ctx context.Context, conversationID, owner, text string) (*AskResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("question is empty")
	}

	conv, err := s.GetConversation(ctx, conversationID, owner)
	if err != nil {
		return nil, err
	}

	history, err := s.store.GetConversationMessages(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	question := &store.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Content:        text,
		Role:           store.RoleHuman,
		Type:           store.MessageTypeQuestion,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.SaveMessage(ctx, question); err != nil {
		return nil, fmt.Errorf("saving question: %w", err)
	}
	s.registry.Publish(conv.ID, diff.NewMessage{Message: question.Clone()})

	answer := &store.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           store.RoleAI,
		Type:           store.MessageTypeAnswer,
		Pending:        true,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.SaveMessage(ctx, answer); err != nil {
		return nil, fmt.Errorf("saving answer shell: %w", err)
	}
	s.registry.Publish(conv.ID, diff.NewMessage{Message: answer.Clone()})

	done := make(chan struct{})

	// The answer task must not die with the request: detach from the
	// caller's cancellation but keep its values (correlation ID).
	taskCtx := context.WithoutCancel(ctx)
	go s.streamAnswer(taskCtx, conv.ID, answer.Clone(), text, historyTurns(history), done)

	return &AskResult{Question: question, Answer: answer, Done: done}, nil
}

func (s *Service) streamAnswer(ctx context.Context, conversationID string, answer *store.Message, question string, history []upstream.Turn, done chan struct{}) {
	defer close(done)

	logger := s.logger.With("conversation_id", conversationID, "message_id", answer.ID)

	events, err := s.streamer.StreamAnswer(ctx, question, history)
	if err != nil {
		s.finishWithError(conversationID, answer, err, logger)
		return
	}

	current := answer
	for event := range events {
		switch {
		case event.Chunk != nil:
			next := mergeChunk(current, event.Chunk)
			if !strings.HasPrefix(next.Content, current.Content) {
				logger.Warn("upstream replaced answer content",
					"previous_len", len(current.Content),
					"next_len", len(next.Content))
			}
			s.persistUpdate(next, logger)
			if d := diff.Diff(current, next); d != nil {
				s.registry.Publish(conversationID, d)
			}
			current = next

		case event.Status != nil:
			logger.Debug("upstream status", "status", event.Status.Status)

		case event.Err != nil:
			s.finishWithError(conversationID, current, event.Err, logger)
			for range events {
			}
			return
		}
	}

	final := current.Clone()
	final.Pending = false
	s.persistUpdate(final, logger)
	if d := diff.Diff(current, final); d != nil {
		s.registry.Publish(conversationID, d)
	}

	logger.Info("answer completed", "content_len", len(final.Content))
}

// finishWithError marks the answer failed and settled. The message keeps
// whatever content already streamed.
func (s *Service) finishWithError(conversationID string, current *store.Message, err error, logger *slog.Logger) {
	title := "answer generation failed"
	description := err.Error()

	var upstreamErr *upstream.Error
	if errors.As(err, &upstreamErr) {
		if upstreamErr.Title != "" {
			title = upstreamErr.Title
		}
		if upstreamErr.Detail != "" {
			description = upstreamErr.Detail
		}
	}

	final := current.Clone()
	final.Pending = false
	final.Errors = append(final.Errors, store.MessageError{
		Title:       title,
		Description: description,
	})

	s.persistUpdate(final, logger)
	s.registry.Publish(conversationID, diff.PendingUpdated{
		ID:      final.ID,
		Message: final.Clone(),
		Pending: false,
	})

	logger.Error("answer failed", "error", err)
}

// persistUpdate saves a message revision on its own deadline. The caller's
// context is long gone by the time most updates land, so each save gets a
// fresh one.
func (s *Service) persistUpdate(msg *store.Message, logger *slog.Logger) {
	saveCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := s.store.UpdateMessage(saveCtx, msg); err != nil {
		logger.Error("failed to persist answer update", "error", err)
	}
}

// mergeChunk folds an upstream chunk into a fresh revision of the answer.
// Content is the full text so far; citations and context replace wholesale.
func mergeChunk(current *store.Message, chunk *upstream.AnswerChunk) *store.Message {
	next := current.Clone()
	next.Content = chunk.Answer.Text

	next.Citations = next.Citations[:0]
	for _, c := range chunk.Answer.Citations {
		next.Citations = append(next.Citations, store.Citation{
			Text:     c.Text,
			SourceID: c.SourceID,
		})
	}

	next.Context = next.Context[:0]
	for _, p := range chunk.Context {
		next.Context = append(next.Context, store.ContextPassage{
			Content: p.Content,
			Title:   p.Title,
			Source:  p.Source,
			Score:   p.Score,
		})
	}

	if len(chunk.FollowUp) > 0 {
		next.FollowUp = append([]string(nil), chunk.FollowUp...)
	}
	return next
}

// historyTurns flattens stored messages into upstream turns, skipping
// unsettled or empty messages.
func historyTurns(messages []*store.Message) []upstream.Turn {
	turns := make([]upstream.Turn, 0, len(messages))
	for _, msg := range messages {
		if msg.Pending || msg.Content == "" {
			continue
		}
		turns = append(turns, upstream.Turn{
			Content: msg.Content,
			Role:    string(msg.Role),
		})
	}
	return turns
}
