// ABOUTME: Pure diff engine turning two message snapshots into one update event
// ABOUTME: Strict precedence: identity, content, citations, context, pending

package diff

import (
	"slices"
	"strings"

	"github.com/2389/sage-gateway/internal/store"
)

// Event is the minimal update between two message snapshots. Exactly one
// concrete type is produced per comparison; a nil Event means no change.
type Event interface {
	isEvent()
}

// NewMessage signals a message not seen before.
type NewMessage struct {
	Message *store.Message
}

// ContentAppended carries the text appended since the previous snapshot.
type ContentAppended struct {
	ID    string
	Delta string
}

// CitationsUpdated carries the full replacement citation list.
type CitationsUpdated struct {
	ID        string
	Citations []store.Citation
}

// ContextUpdated carries the full replacement retrieval context.
type ContextUpdated struct {
	ID      string
	Context []store.ContextPassage
}

// PendingUpdated signals the pending flag changed, carrying the full message
// so subscribers can render the final state.
type PendingUpdated struct {
	ID      string
	Message *store.Message
	Pending bool
}

func (NewMessage) isEvent()       {}
func (ContentAppended) isEvent()  {}
func (CitationsUpdated) isEvent() {}
func (ContextUpdated) isEvent()   {}
func (PendingUpdated) isEvent()   {}

// Diff compares two snapshots of a message and returns the single most
// significant change, evaluated in strict precedence order: identity,
// content, citations, context, pending. It is not a full multi-field diff;
// the first matching rule wins. Diff(m, m) is nil for every m.
//
// Content is assumed append-only: the delta is next's content with prev's
// content removed as a prefix. If that assumption is ever violated the whole
// new content is emitted as the delta; callers watching for shrinking content
// should log it.
func Diff(prev, next *store.Message) Event {
	if prev == nil || prev.ID != next.ID {
		return NewMessage{Message: next}
	}

	if prev.Content != next.Content {
		delta, ok := strings.CutPrefix(next.Content, prev.Content)
		if !ok {
			delta = next.Content
		}
		return ContentAppended{ID: next.ID, Delta: delta}
	}

	if !slices.Equal(prev.Citations, next.Citations) {
		return CitationsUpdated{ID: next.ID, Citations: next.Citations}
	}

	if !slices.Equal(prev.Context, next.Context) {
		return ContextUpdated{ID: next.ID, Context: next.Context}
	}

	if prev.Pending != next.Pending {
		return PendingUpdated{ID: next.ID, Message: next, Pending: next.Pending}
	}

	return nil
}
