// ABOUTME: Machine token source for upstream authentication
// ABOUTME: Client-credentials fetch with cached token and expiry from the JWT exp claim

package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/2389/sage-gateway/internal/auth"
)

// expirySlack is subtracted from a token's expiry so a token is never used
// right at its deadline.
const expirySlack = 30 * time.Second

// MachineTokenConfig configures a MachineTokenSource.
type MachineTokenConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scope        string
	HTTPClient   *http.Client // defaults to http.DefaultClient
	Logger       *slog.Logger // defaults to slog.Default
}

// MachineTokenSource fetches machine tokens via the client-credentials grant
// and caches them until shortly before expiry. Safe for concurrent use; only
// one refresh runs at a time.
type MachineTokenSource struct {
	tokenURL     string
	clientID     string
	clientSecret string
	scope        string
	httpClient   *http.Client
	logger       *slog.Logger

	mu     sync.Mutex
	cached string
	expiry time.Time
}

// NewMachineTokenSource creates a token source for the given token endpoint.
func NewMachineTokenSource(cfg MachineTokenConfig) (*MachineTokenSource, error) {
	if cfg.TokenURL == "" {
		return nil, errors.New("token URL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MachineTokenSource{
		tokenURL:     cfg.TokenURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		scope:        cfg.Scope,
		httpClient:   httpClient,
		logger:       logger.With("component", "machine-token"),
	}, nil
}

// tokenResponse is the token endpoint's JSON reply.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// Token returns a valid machine token, refreshing it if the cached one is
// expired or about to expire.
func (s *MachineTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != "" && time.Now().Before(s.expiry.Add(-expirySlack)) {
		return s.cached, nil
	}

	token, expiry, err := s.fetch(ctx)
	if err != nil {
		return "", err
	}

	s.cached = token
	s.expiry = expiry
	s.logger.Debug("machine token refreshed", "expires_at", expiry)
	return token, nil
}

// fetch performs the client-credentials request.
func (s *MachineTokenSource) fetch(ctx context.Context) (string, time.Time, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", s.clientID)
	form.Set("client_secret", s.clientSecret)
	if s.scope != "" {
		form.Set("scope", s.scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("requesting machine token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", time.Time{}, fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", time.Time{}, fmt.Errorf("decoding token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", time.Time{}, errors.New("token endpoint returned empty access_token")
	}

	expiry := time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	if tr.ExpiresIn <= 0 {
		// Some identity providers omit expires_in; fall back to the JWT exp claim
		if exp, ok := auth.TokenExpiry(tr.AccessToken); ok {
			expiry = exp
		} else {
			expiry = time.Now().Add(time.Minute)
		}
	}

	return tr.AccessToken, expiry, nil
}

// StaticTokenSource returns the same token forever. Used by tests and local
// development against an unsecured service.
type StaticTokenSource struct {
	Value string
}

func (s *StaticTokenSource) Token(ctx context.Context) (string, error) {
	return s.Value, nil
}
