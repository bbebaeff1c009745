// ABOUTME: Terminal client for sage-gateway with streaming answer output
// ABOUTME: Asks questions over the SSE endpoint and renders updates as they land

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
)

// getToken returns the JWT token from SAGE_TOKEN env var or ~/.config/sage/token file
func getToken() string {
	if token := os.Getenv("SAGE_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	tokenPath := filepath.Join(configDir, "sage", "token")
	data, err := os.ReadFile(tokenPath)
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}

// conversationInfo is the JSON response for a conversation.
type conversationInfo struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
}

// askRequest is the JSON body for the SSE ask endpoint.
type askRequest struct {
	Content string `json:"content"`
}

// citation mirrors the gateway's citation wire shape.
type citation struct {
	Text     string `json:"text"`
	SourceID string `json:"sourceId"`
}

// messageEvent is the payload of NewMessage and PendingUpdated.message.
type messageEvent struct {
	ID        string     `json:"id"`
	Content   string     `json:"content"`
	Citations []citation `json:"citations"`
	FollowUp  []string   `json:"follow_up"`
	Pending   bool       `json:"pending"`
	Role      string     `json:"role"`
	Errors    []struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	} `json:"errors"`
}

func main() {
	server := flag.String("server", "http://localhost:8080", "Gateway server URL")
	conversationID := flag.String("conversation", "", "Conversation ID to continue")
	flag.Parse()

	fmt.Printf("sage-cli connected to %s\n", *server)
	if getToken() != "" {
		fmt.Println("Auth: JWT token configured (SAGE_TOKEN)")
	} else {
		fmt.Println("Auth: none (set SAGE_TOKEN for authentication)")
	}
	fmt.Println("Type a question and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *server, *conversationID); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

func run(ctx context.Context, server, conversationID string) error {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		if conversationID != "" {
			fmt.Printf("[%s]> ", conversationID[:8])
		} else {
			fmt.Print("> ")
		}

		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)

		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
			} else {
				if err := scanner.Err(); err != nil {
					errCh <- err
				} else {
					errCh <- io.EOF
				}
			}
		}()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-inputCh:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		switch {
		case input == "/quit" || input == "/exit" || input == "/q":
			return nil

		case input == "/help":
			printHelp()
			continue

		case input == "/new":
			conv, err := createConversation(ctx, server)
			if err != nil {
				color.Red("[error] %v", err)
				continue
			}
			conversationID = conv.ID
			color.Green("Started conversation %s", conv.ID)
			continue

		case input == "/list":
			if err := listConversations(ctx, server); err != nil {
				color.Red("[error] %v", err)
			}
			fmt.Println()
			continue

		case strings.HasPrefix(input, "/use"):
			id := strings.TrimSpace(strings.TrimPrefix(input, "/use"))
			if id == "" {
				color.Yellow("Usage: /use <conversation-id>")
				continue
			}
			conversationID = id
			continue

		case strings.HasPrefix(input, "/"):
			color.Yellow("Unknown command: %s (/help for commands)", input)
			continue
		}

		// A plain line is a question. Start a conversation lazily.
		if conversationID == "" {
			conv, err := createConversation(ctx, server)
			if err != nil {
				color.Red("[error] %v", err)
				continue
			}
			conversationID = conv.ID
			color.HiBlack("(new conversation %s)", conv.ID)
		}

		if err := ask(ctx, server, conversationID, input); err != nil {
			color.Red("[error] %v", err)
		}
		fmt.Println()
	}
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /new          Start a new conversation")
	fmt.Println("  /list         List your conversations")
	fmt.Println("  /use <id>     Continue an existing conversation")
	fmt.Println("  /quit         Exit")
	fmt.Println()
	fmt.Println("Anything else is sent as a question.")
}

func newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := getToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func createConversation(ctx context.Context, server string) (*conversationInfo, error) {
	req, err := newRequest(ctx, http.MethodPost, server+"/api/conversations", strings.NewReader(`{}`))
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, serverError(resp)
	}

	var conv conversationInfo
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &conv, nil
}

func listConversations(ctx context.Context, server string) error {
	req, err := newRequest(ctx, http.MethodGet, server+"/api/conversations", nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("listing conversations: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return serverError(resp)
	}

	var convs []conversationInfo
	if err := json.NewDecoder(resp.Body).Decode(&convs); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	if len(convs) == 0 {
		fmt.Println("No conversations yet (/new to start one)")
		return nil
	}

	for _, conv := range convs {
		title := conv.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("  %s  %s\n", conv.ID, title)
	}
	return nil
}

func ask(ctx context.Context, server, conversationID, question string) error {
	bodyBytes, err := json.Marshal(askRequest{Content: question})
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/api/conversations/%s/messages/sse", server, conversationID)
	req, err := newRequest(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending question: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return serverError(resp)
	}

	return streamSSE(ctx, resp.Body)
}

func serverError(resp *http.Response) error {
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var errResp map[string]string
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil {
			if msg, ok := errResp["error"]; ok {
				return fmt.Errorf("%s", msg)
			}
		}
	}
	return fmt.Errorf("server returned status %d", resp.StatusCode)
}

func streamSSE(ctx context.Context, body io.Reader) error {
	scanner := bufio.NewScanner(body)

	var eventType string
	var dataLines []string

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()

		// Empty line signals end of event
		if line == "" {
			if eventType != "" && len(dataLines) > 0 {
				data := strings.Join(dataLines, "\n")
				done, err := handleSSEEvent(eventType, data)
				if err != nil {
					return err
				}
				if done {
					return nil
				}
			}
			eventType = ""
			dataLines = nil
			continue
		}

		if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}

		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			continue
		}
	}

	return scanner.Err()
}

// handleSSEEvent renders one event. Returns true once the answer settled.
func handleSSEEvent(eventType, data string) (bool, error) {
	switch eventType {
	case "started":
		return false, nil

	case "NewMessage":
		var msg messageEvent
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			return false, fmt.Errorf("parsing event data: %w", err)
		}
		// The question echo and the empty pending answer need no rendering
		if msg.Role == "ai" && msg.Content != "" {
			fmt.Print(msg.Content)
		}
		return false, nil

	case "ContentUpdated":
		var update struct {
			Delta string `json:"delta"`
		}
		if err := json.Unmarshal([]byte(data), &update); err != nil {
			return false, fmt.Errorf("parsing event data: %w", err)
		}
		fmt.Print(update.Delta)
		return false, nil

	case "CitationsUpdated", "ContextUpdated":
		// Rendered from the final message on PendingUpdated
		return false, nil

	case "PendingUpdated":
		var update struct {
			Pending bool         `json:"pending"`
			Message messageEvent `json:"message"`
		}
		if err := json.Unmarshal([]byte(data), &update); err != nil {
			return false, fmt.Errorf("parsing event data: %w", err)
		}
		if update.Pending {
			return false, nil
		}
		fmt.Println()
		renderAnswerFooter(update.Message)
		return true, nil

	case "Error":
		var errEvent struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal([]byte(data), &errEvent); err != nil {
			return false, fmt.Errorf("parsing event data: %w", err)
		}
		color.Red("[error] %s", errEvent.Message)
		return false, nil

	default:
		// Ignore unknown events silently
		return false, nil
	}
}

func renderAnswerFooter(msg messageEvent) {
	for _, e := range msg.Errors {
		color.Red("[%s] %s", e.Title, e.Description)
	}

	if len(msg.Citations) > 0 {
		color.HiBlack("sources:")
		for _, c := range msg.Citations {
			color.HiBlack("  - %s (%s)", truncate(c.Text, 60), c.SourceID)
		}
	}

	if len(msg.FollowUp) > 0 {
		color.Cyan("follow up:")
		for _, q := range msg.FollowUp {
			color.Cyan("  - %s", q)
		}
	}
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
