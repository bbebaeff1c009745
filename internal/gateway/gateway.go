// ABOUTME: Gateway orchestrator wiring store, upstream client, and HTTP server
// ABOUTME: Manages listeners (TCP or Tailscale), health endpoints, and shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/sage-gateway/internal/auth"
	"github.com/2389/sage-gateway/internal/config"
	"github.com/2389/sage-gateway/internal/conversation"
	"github.com/2389/sage-gateway/internal/dedupe"
	"github.com/2389/sage-gateway/internal/store"
	"github.com/2389/sage-gateway/internal/upstream"
)

// Gateway orchestrates the sage-gateway server components: the store, the
// upstream stream client, the conversation service, and the HTTP server that
// carries the REST, SSE, and WebSocket surfaces.
type Gateway struct {
	config       *config.Config
	store        store.Store
	conversation *conversation.Service
	registry     *conversation.Registry
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	verifier     *auth.JWTVerifier
	logger       *slog.Logger

	// dedupe suppresses duplicate questions from retrying clients
	dedupe *dedupe.Cache
}

// initStore creates the store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("SAGE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// newStreamer builds the upstream client from config. With no token endpoint
// configured, requests go out unauthenticated (local development).
func newStreamer(cfg *config.Config, logger *slog.Logger) (*upstream.Client, error) {
	var tokens upstream.TokenSource
	if cfg.Upstream.TokenURL != "" {
		src, err := upstream.NewMachineTokenSource(upstream.MachineTokenConfig{
			TokenURL:     cfg.Upstream.TokenURL,
			ClientID:     cfg.Upstream.ClientID,
			ClientSecret: cfg.Upstream.ClientSecret,
			Scope:        cfg.Upstream.Scope,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("creating machine token source: %w", err)
		}
		tokens = src
	} else {
		logger.Warn("upstream auth disabled - no token_url configured")
		tokens = &upstream.StaticTokenSource{}
	}

	httpClient := http.DefaultClient
	if cfg.Upstream.RequestTimeout > 0 {
		httpClient = &http.Client{Timeout: cfg.Upstream.RequestTimeout}
	}

	return upstream.NewClient(upstream.ClientConfig{
		BaseURL:     cfg.Upstream.BaseURL,
		Tokens:      tokens,
		HTTPClient:  httpClient,
		MaxAttempts: cfg.Upstream.MaxAttempts,
		Logger:      logger,
	}), nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	streamer, err := newStreamer(cfg, logger)
	if err != nil {
		return nil, err
	}

	registry := conversation.NewRegistry(logger)
	convService := conversation.NewService(s, streamer, registry, logger)

	var verifier *auth.JWTVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier, err = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
	}

	gw := &Gateway{
		config:       cfg,
		store:        s,
		conversation: convService,
		registry:     registry,
		verifier:     verifier,
		logger:       logger.With("component", "gateway"),
		dedupe:       dedupe.New(2*time.Minute, 10_000),
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	gw.registerAPIRoutes(mux, logger)
	mux.Handle("/ws", gw.wsUpgradeHandler())

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// registerAPIRoutes registers API routes with or without auth middleware.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux, logger *slog.Logger) {
	if g.verifier != nil {
		authMiddleware := auth.HTTPAuthMiddleware(g.verifier)
		mux.Handle("/api/conversations", authMiddleware(http.HandlerFunc(g.handleConversations)))
		mux.Handle("/api/conversations/", authMiddleware(http.HandlerFunc(g.handleConversationRoutes)))
		logger.Info("HTTP auth middleware enabled")
		return
	}

	mux.Handle("/api/conversations", auth.CorrelationMiddleware(http.HandlerFunc(g.handleConversations)))
	mux.Handle("/api/conversations/", auth.CorrelationMiddleware(http.HandlerFunc(g.handleConversationRoutes)))
	logger.Warn("HTTP auth disabled - no jwt_secret configured")
}

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	listener, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", listener.Addr().String())
		if err := g.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// setupListener creates the HTTP listener based on configuration.
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListener(ctx)
	}

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "sage-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", fmt.Errorf("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens there instead of on a
// local TCP port.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// Shutdown gracefully stops the gateway and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if g.tsnetServer != nil {
		if err := g.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}

	g.registry.Close()
	g.dedupe.Close()

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "store unavailable: %v", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
