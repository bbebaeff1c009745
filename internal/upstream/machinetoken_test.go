// ABOUTME: Tests for the machine token source
// ABOUTME: Covers caching, refresh on expiry, and token endpoint failures

package upstream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTokenEndpoint(t *testing.T, expiresIn int, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "client_credentials", r.FormValue("grant_type"))
		require.Equal(t, "sage-gateway", r.FormValue("client_id"))

		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("token-%d", n),
			"expires_in":   expiresIn,
		})
	}))
}

func TestMachineTokenSource_CachesUntilExpiry(t *testing.T) {
	var calls atomic.Int32
	srv := newTokenEndpoint(t, 3600, &calls)
	defer srv.Close()

	source, err := NewMachineTokenSource(MachineTokenConfig{
		TokenURL: srv.URL,
		ClientID: "sage-gateway",
	})
	require.NoError(t, err)

	first, err := source.Token(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "token-1", first)

	second, err := source.Token(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "token-1", second, "cached token reused")
	assert.Equal(t, int32(1), calls.Load())
}

func TestMachineTokenSource_RefreshesExpiredToken(t *testing.T) {
	var calls atomic.Int32
	srv := newTokenEndpoint(t, 1, &calls) // expires inside the slack window
	defer srv.Close()

	source, err := NewMachineTokenSource(MachineTokenConfig{
		TokenURL: srv.URL,
		ClientID: "sage-gateway",
	})
	require.NoError(t, err)

	first, err := source.Token(t.Context())
	require.NoError(t, err)
	second, err := source.Token(t.Context())
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, int32(2), calls.Load())
}

func TestMachineTokenSource_ScopeForwarded(t *testing.T) {
	var gotScope string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotScope = r.FormValue("scope")
		json.NewEncoder(w).Encode(map[string]any{"access_token": "t", "expires_in": 60})
	}))
	defer srv.Close()

	source, err := NewMachineTokenSource(MachineTokenConfig{
		TokenURL: srv.URL,
		Scope:    "chat:stream",
	})
	require.NoError(t, err)

	_, err = source.Token(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "chat:stream", gotScope)
}

func TestMachineTokenSource_EndpointErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr string
	}{
		{
			name: "non-200 status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "invalid_client", http.StatusUnauthorized)
			},
			wantErr: "status 401",
		},
		{
			name: "empty access_token",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]any{"expires_in": 60})
			},
			wantErr: "empty access_token",
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, "not json")
			},
			wantErr: "decoding token response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			source, err := NewMachineTokenSource(MachineTokenConfig{
				TokenURL: srv.URL,
			})
			require.NoError(t, err)

			_, err = source.Token(t.Context())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewMachineTokenSource_RequiresURL(t *testing.T) {
	_, err := NewMachineTokenSource(MachineTokenConfig{})
	require.Error(t, err)
}

func TestStaticTokenSource(t *testing.T) {
	source := &StaticTokenSource{Value: "fixed"}
	token, err := source.Token(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "fixed", token)

	// Empty value is valid: local development against an unsecured service
	empty := &StaticTokenSource{}
	token, err = empty.Token(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "", token)
}
