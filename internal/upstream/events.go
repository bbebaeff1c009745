// ABOUTME: Wire types for the knowledge-service SSE stream
// ABOUTME: Frame payload decoding plus the raw-payload unicode sanitizer

package upstream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Turn is one prior exchange sent as history to the answer service.
type Turn struct {
	Content string `json:"content"`
	Role    string `json:"role"` // "human" or "ai"
}

// Citation is a source reference within a partial answer.
type Citation struct {
	Text     string `json:"text"`
	SourceID string `json:"source_id"`
}

// Answer is the accumulated answer state carried by a chat_chunk frame.
// Text is the full text so far, not a delta; the service re-sends the whole
// accumulation on every chunk.
type Answer struct {
	Text      string     `json:"text"`
	Citations []Citation `json:"citations"`
}

// Passage is one retrieval passage the answer is grounded on.
type Passage struct {
	Content string  `json:"content"`
	Title   string  `json:"title"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
}

// Question echoes back the user question, optionally contextualized by the
// service against the conversation history.
type Question struct {
	User           string `json:"user"`
	Contextualized string `json:"contextualized"`
}

// AnswerChunk is the decoded payload of one chat_chunk frame.
type AnswerChunk struct {
	Answer   Answer    `json:"answer"`
	Context  []Passage `json:"context"`
	FollowUp []string  `json:"follow_up"`
	Question Question  `json:"question"`
}

// StatusUpdate is the decoded payload of a status_update frame. The payload
// shape is service-defined, so everything beyond the status string is kept raw.
type StatusUpdate struct {
	Status string          `json:"status"`
	Raw    json.RawMessage `json:"-"`
}

// Error is a typed error frame from the answer service. It implements error
// so it can travel through the stream as a terminal failure.
type Error struct {
	Type   string `json:"type"`
	Status int    `json:"status"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

func (e *Error) Error() string {
	if e.Title != "" {
		return fmt.Sprintf("upstream error: %s: %s", e.Title, e.Detail)
	}
	return fmt.Sprintf("upstream error: %s", e.Detail)
}

// validationErrorType is the discriminator the service uses for requests it
// rejected as invalid. These are transient in practice and retried.
const validationErrorType = "validation error"

// Event is one element of the answer stream. Exactly one field is set.
type Event struct {
	Chunk  *AnswerChunk
	Status *StatusUpdate
	Err    error
}

// decodeChunk parses a chat_chunk payload after sanitizing it.
func decodeChunk(data string) (*AnswerChunk, error) {
	var chunk AnswerChunk
	if err := json.Unmarshal([]byte(sanitizeRawPayload(data)), &chunk); err != nil {
		return nil, fmt.Errorf("decoding chat_chunk: %w", err)
	}
	return &chunk, nil
}

// decodeStatus parses a status_update payload, retaining the raw bytes.
func decodeStatus(data string) (*StatusUpdate, error) {
	data = sanitizeRawPayload(data)
	var status StatusUpdate
	if err := json.Unmarshal([]byte(data), &status); err != nil {
		return nil, fmt.Errorf("decoding status_update: %w", err)
	}
	status.Raw = json.RawMessage(data)
	return &status, nil
}

// decodeError parses an error payload. Falls back to the generic {detail}
// shape when the typed decode yields nothing usable.
func decodeError(data string) (*Error, error) {
	data = sanitizeRawPayload(data)
	var e Error
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, fmt.Errorf("decoding error frame: %w", err)
	}
	if e.Type == "" && e.Title == "" && e.Detail == "" {
		return nil, fmt.Errorf("decoding error frame: empty payload %q", data)
	}
	return &e, nil
}

// sanitizeRawPayload repairs double-escaped unicode sequences the answer
// service occasionally emits ("\\u00e5" instead of "å"). This is a
// literal workaround for a known upstream encoding bug, nothing more.
func sanitizeRawPayload(data string) string {
	return strings.ReplaceAll(data, `\\u00`, `\u00`)
}
