// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Uses in-memory databases, covers conversations, messages and JSON round-trips

package store

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testConversation(owner string) *Conversation {
	now := time.Now().UTC().Truncate(time.Second)
	return &Conversation{
		ID:        uuid.New().String(),
		Owner:     owner,
		Title:     "budget questions",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestSQLiteStore_CreateAndGetConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	conv := testConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
	assert.Equal(t, "user-1", got.Owner)
	assert.Equal(t, "budget questions", got.Title)
}

func TestSQLiteStore_GetConversationNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetConversation(t.Context(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_DuplicateConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	conv := testConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))
	assert.ErrorIs(t, s.CreateConversation(ctx, conv), ErrDuplicateConversation)
}

func TestSQLiteStore_ListConversationsByOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	mine := testConversation("user-1")
	theirs := testConversation("user-2")
	require.NoError(t, s.CreateConversation(ctx, mine))
	require.NoError(t, s.CreateConversation(ctx, theirs))

	convs, err := s.ListConversations(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, mine.ID, convs[0].ID)
}

func TestSQLiteStore_MessageRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	conv := testConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Content:        "The answer is 42.",
		Citations:      []Citation{{Text: "42", SourceID: "guide"}},
		Context:        []ContextPassage{{Content: "deep thought", Title: "HG2G", Source: "book", Score: 0.97}},
		FollowUp:       []string{"Why 42?"},
		Pending:        true,
		Role:           RoleAI,
		Type:           MessageTypeAnswer,
		CreatedAt:      time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.SaveMessage(ctx, msg))

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.Content, got.Content)
	assert.Equal(t, msg.Citations, got.Citations)
	assert.Equal(t, msg.Context, got.Context)
	assert.Equal(t, msg.FollowUp, got.FollowUp)
	assert.True(t, got.Pending)
	assert.Equal(t, RoleAI, got.Role)
	assert.Equal(t, MessageTypeAnswer, got.Type)
	assert.Empty(t, got.Errors)
}

func TestSQLiteStore_UpdateMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	conv := testConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Pending:        true,
		Role:           RoleAI,
		Type:           MessageTypeAnswer,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, s.SaveMessage(ctx, msg))

	msg.Content = "Partial answer"
	msg.Pending = false
	msg.Errors = []MessageError{{Title: "upstream error", Description: "model unavailable"}}
	require.NoError(t, s.UpdateMessage(ctx, msg))

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "Partial answer", got.Content)
	assert.False(t, got.Pending)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, "upstream error", got.Errors[0].Title)
}

func TestSQLiteStore_UpdateMissingMessage(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateMessage(t.Context(), &Message{ID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_GetConversationMessagesOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	conv := testConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	base := time.Now().UTC().Truncate(time.Second)
	for i, content := range []string{"first", "second", "third"} {
		msg := &Message{
			ID:             uuid.New().String(),
			ConversationID: conv.ID,
			Content:        content,
			Role:           RoleHuman,
			Type:           MessageTypeQuestion,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.SaveMessage(ctx, msg))
	}

	msgs, err := s.GetConversationMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
	assert.Equal(t, "third", msgs[2].Content)
}

func TestMessage_CloneIsDeep(t *testing.T) {
	msg := &Message{
		ID:        "m1",
		Citations: []Citation{{Text: "a", SourceID: "s"}},
		FollowUp:  []string{"q"},
	}
	clone := msg.Clone()
	clone.Citations[0].Text = "b"
	clone.FollowUp[0] = "changed"

	assert.Equal(t, "a", msg.Citations[0].Text)
	assert.Equal(t, "q", msg.FollowUp[0])
}
