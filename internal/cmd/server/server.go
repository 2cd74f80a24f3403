// Package server implements the console runtime that serves the
// public gRPC/HTTP API and runs the background pruners.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"connectrpc.com/authn"

	consolev1 "github.com/boxfleet/boxfleet-console/api/console/v1"
	"github.com/boxfleet/boxfleet-console/internal/core"
	"github.com/boxfleet/boxfleet-console/internal/middleware"
	"github.com/boxfleet/boxfleet-console/internal/transport"
	"github.com/boxfleet/boxfleet-console/internal/transport/http"
)

// defaultHashKey is the insecure placeholder that ships in config
// defaults. The server refuses to start if it is still in use.
const defaultHashKey = "change-me"

// Auth modes selectable via config. Token mode verifies the HMAC owner
// tokens minted by bootstrap; OIDC mode validates bearer tokens against
// an external identity provider.
const (
	AuthModeToken = "token"
	AuthModeOIDC  = "oidc"
)

// Config holds the runtime parameters for a Server.
type Config struct {
	Address        string
	AllowedOrigins []string
	HashKey        string
	AuthMode       string
	OIDCIssuerURL  string
	OIDCClientID   string
	OwnerTokenTTL  time.Duration
}

// Server binds the HTTP server (gRPC + REST) and the background prune
// loops, running them in parallel via transport.Serve.
type Server struct {
	handler    *Handler
	background BackgroundListeners
	version    core.Version
}

// NewServer returns a Server wired to the given handler and background
// listeners.
func NewServer(handler *Handler, background BackgroundListeners, version core.Version) *Server {
	return &Server{handler: handler, background: background, version: version}
}

// Run starts the HTTP server and the background listeners. It blocks
// until ctx is cancelled or an unrecoverable error occurs. Health,
// reflection, and the worker session endpoint are marked as public (no
// bearer auth); worker sessions authenticate themselves through the
// signed hello frame instead.
func (s *Server) Run(ctx context.Context, cfg Config) error {
	if cfg.HashKey == defaultHashKey {
		return errors.New("refusing to start: hash key is the insecure default \"change-me\"; " +
			"set --hash-key or BOXFLEET_CONSOLE_HASH_KEY to a unique secret")
	}

	slog.Info("starting console", "version", string(s.version), "address", cfg.Address, "auth_mode", cfg.AuthMode)

	auth, err := s.authMiddleware(cfg)
	if err != nil {
		return err
	}

	httpSrv, err := http.NewServer(
		http.WithAddress(cfg.Address),
		http.WithAllowedOrigins(cfg.AllowedOrigins),
		http.WithAuthMiddleware(auth),
		http.WithPublicPaths([]string{
			"/grpc.health.v1.Health/Check",
			"/grpc.health.v1.Health/Watch",
			"/grpc.reflection.v1.ServerReflection/ServerReflectionInfo",
			consolev1.WorkerServiceSessionProcedure,
		}),
		http.WithMount(s.handler.Mount),
	)
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	listeners := append([]transport.Listener{httpSrv}, s.background...)
	return transport.Serve(ctx, listeners...)
}

// authMiddleware selects the bearer-token verification strategy for
// the task and fleet APIs based on the configured auth mode.
func (s *Server) authMiddleware(cfg Config) (*authn.Middleware, error) {
	switch cfg.AuthMode {
	case "", AuthModeToken:
		issuer, err := core.NewOwnerTokenIssuer([]byte(cfg.HashKey), cfg.OwnerTokenTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to create owner token issuer: %w", err)
		}
		return middleware.NewOwnerToken(issuer), nil
	case AuthModeOIDC:
		oidc, err := middleware.NewOIDC(cfg.OIDCIssuerURL, cfg.OIDCClientID)
		if err != nil {
			return nil, fmt.Errorf("failed to create OIDC middleware: %w", err)
		}
		return oidc, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q (want %q or %q)", cfg.AuthMode, AuthModeToken, AuthModeOIDC)
	}
}
