// ABOUTME: SSE client for the external knowledge service's chat-stream endpoint
// ABOUTME: Decodes named frames into typed events and retries recoverable failures

package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/sage-gateway/internal/auth"
)

// chatStreamPath is the answer-generation endpoint relative to the base URL.
const chatStreamPath = "/api/chat/stream"

// defaultMaxAttempts caps the number of stream attempts per question.
const defaultMaxAttempts = 3

// errRetryableValidation marks a validation rejection from the service.
// It never reaches the event channel; the whole attempt is retried instead.
var errRetryableValidation = errors.New("upstream rejected request as invalid")

// errTerminalForwarded signals that a terminal error frame was already
// forwarded on the event channel and the stream must not be retried.
var errTerminalForwarded = errors.New("terminal upstream error forwarded")

// TransportError wraps connection-level failures of the SSE transport itself:
// dial/write errors, unexpected HTTP status, broken response body. These are
// retried.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "upstream transport: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// TokenSource provides machine tokens for the upstream Authorization header.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL     string
	Tokens      TokenSource
	HTTPClient  *http.Client // defaults to http.DefaultClient
	MaxAttempts int          // defaults to 3
	Logger      *slog.Logger // defaults to slog.Default
}

// Client streams answers from the knowledge service over SSE.
type Client struct {
	baseURL     string
	tokens      TokenSource
	httpClient  *http.Client
	maxAttempts int
	logger      *slog.Logger
}

// NewClient creates a stream client for the given service.
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		tokens:      cfg.Tokens,
		httpClient:  httpClient,
		maxAttempts: maxAttempts,
		logger:      logger.With("component", "upstream"),
	}
}

// streamRequest is the POST body for the chat-stream endpoint.
type streamRequest struct {
	Question string `json:"question"`
	History  []Turn `json:"history"`
}

// StreamAnswer opens an answer stream for one question. The returned channel
// yields decoded chunks, status updates and at most one terminal failure, and
// is closed when the service ends the stream or the failure is delivered.
//
// Recoverable failures (validation rejections, transport errors) are retried
// transparently up to the attempt cap; the consumer only ever sees a failure
// event once retries are exhausted or the error is not retryable.
func (c *Client) StreamAnswer(ctx context.Context, question string, history []Turn) (<-chan Event, error) {
	if question == "" {
		return nil, errors.New("question must not be empty")
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)

		start := time.Now()
		firstContent := false

		var lastErr error
		for attempt := 1; attempt <= c.maxAttempts; attempt++ {
			err := c.streamOnce(ctx, question, history, out, start, &firstContent)
			switch {
			case err == nil:
				return
			case errors.Is(err, errTerminalForwarded):
				return
			case ctx.Err() != nil:
				return
			case !isRetryable(err):
				c.emit(ctx, out, Event{Err: err})
				return
			}
			lastErr = err
			c.logger.Warn("retrying answer stream",
				"attempt", attempt,
				"max_attempts", c.maxAttempts,
				"error", err)
		}

		c.emit(ctx, out, Event{Err: fmt.Errorf("answer stream failed after %d attempts: %w", c.maxAttempts, lastErr)})
	}()
	return out, nil
}

// streamOnce runs a single SSE attempt. A nil return means the service closed
// the stream normally. errRetryableValidation and TransportError returns are
// retried by the caller; errTerminalForwarded means the failure already went
// downstream.
func (c *Client) streamOnce(ctx context.Context, question string, history []Turn, out chan<- Event, start time.Time, firstContent *bool) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return &TransportError{Err: fmt.Errorf("fetching machine token: %w", err)}
	}

	payload, err := json.Marshal(streamRequest{Question: question, History: history})
	if err != nil {
		return fmt.Errorf("marshaling stream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatStreamPath, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+token)
	if correlationID := auth.CorrelationID(ctx); correlationID != "" {
		req.Header.Set(auth.CorrelationHeader, correlationID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &TransportError{Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventName string
	var dataLines []string

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line signals end of frame
		if line == "" {
			if eventName != "" && len(dataLines) > 0 {
				if err := c.dispatchFrame(ctx, out, eventName, strings.Join(dataLines, "\n"), start, firstContent); err != nil {
					return err
				}
			}
			eventName = ""
			dataLines = nil
			continue
		}

		if strings.HasPrefix(line, "event:") {
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
		// Comment and id lines are ignored
	}

	if err := scanner.Err(); err != nil {
		return &TransportError{Err: fmt.Errorf("reading stream: %w", err)}
	}
	return nil
}

// dispatchFrame decodes one complete SSE frame and forwards the result.
// Decode failures are logged and the frame dropped; they never end the stream.
func (c *Client) dispatchFrame(ctx context.Context, out chan<- Event, eventName, data string, start time.Time, firstContent *bool) error {
	switch eventName {
	case "chat_chunk":
		chunk, err := decodeChunk(data)
		if err != nil {
			c.logger.Warn("dropping malformed chat_chunk", "error", err)
			return nil
		}
		if !*firstContent && chunk.Answer.Text != "" {
			*firstContent = true
			c.logger.Info("first answer content received", "elapsed", time.Since(start))
		}
		c.emit(ctx, out, Event{Chunk: chunk})
		return nil

	case "status_update":
		status, err := decodeStatus(data)
		if err != nil {
			c.logger.Warn("dropping malformed status_update", "error", err)
			return nil
		}
		c.emit(ctx, out, Event{Status: status})
		return nil

	case "error":
		e, err := decodeError(data)
		if err != nil {
			c.logger.Warn("dropping malformed error frame", "error", err)
			return nil
		}
		if e.Type == validationErrorType {
			return errRetryableValidation
		}
		c.emit(ctx, out, Event{Err: e})
		return errTerminalForwarded

	default:
		c.logger.Debug("dropping unknown frame", "event", eventName)
		return nil
	}
}

// emit delivers an event unless the context is gone.
func (c *Client) emit(ctx context.Context, out chan<- Event, ev Event) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

// isRetryable reports whether an attempt failure may be retried: only the
// validation rejection and transport-level failures qualify.
func isRetryable(err error) bool {
	if errors.Is(err, errRetryableValidation) {
		return true
	}
	var te *TransportError
	return errors.As(err, &te)
}
