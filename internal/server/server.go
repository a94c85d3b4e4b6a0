package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/zot/databridge/internal/auth"
	"github.com/zot/databridge/internal/broker"
	"github.com/zot/databridge/internal/channel"
	"github.com/zot/databridge/internal/config"
	"github.com/zot/databridge/internal/notify"
	"github.com/zot/databridge/internal/presence"
	"github.com/zot/databridge/internal/registry"
)

// Server owns the HTTP listener and the wired service graph.
type Server struct {
	config   *config.Config
	endpoint *Endpoint
	http     *http.Server
}

// New wires the full service graph from configuration.
func New(cfg *config.Config) *Server {
	secret := cfg.Auth.Secret
	if secret == "" {
		// Tokens won't survive a restart without a configured secret.
		secret = generateSecret()
		cfg.Log(1, "auth-secret not configured, generated an ephemeral one")
	}
	tokens := auth.NewTokenIssuer(secret, cfg.Auth.TokenTTL.Duration())

	reg := registry.New(cfg)
	notifications := notify.NewRegistry(nil)
	endpoint := NewEndpoint(cfg, reg, tokens, notifications)

	channels := channel.New(endpoint, cfg)
	tracker := presence.New()
	b := broker.New(reg, channels, endpoint, cfg, cfg.Backend.ExecuteTimeout.Duration())
	bridge := auth.New(reg, channels, tracker, endpoint, tokens, cfg)
	endpoint.SetServices(channels, b, bridge)

	return &Server{
		config:   cfg,
		endpoint: endpoint,
	}
}

// Endpoint returns the websocket endpoint, for tests and embedding.
func (s *Server) Endpoint() *Endpoint {
	return s.endpoint
}

// SetNotificationDeliverer installs a push delivery implementation.
func (s *Server) SetNotificationDeliverer(d notify.Deliverer) {
	s.endpoint.notifications.SetDeliverer(d)
}

// Start begins serving websocket connections. Blocks until the listener
// stops.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Server.Path, s.endpoint.HandleWebSocket)

	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.http = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	s.config.Log(0, "listening on %s%s", addr, s.config.Server.Path)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight handlers.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func generateSecret() string {
	bytes := make([]byte, 32)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
