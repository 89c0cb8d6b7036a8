package server

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/gatewise/toolgate/instrumentation"
	"github.com/gatewise/toolgate/security"
	"github.com/gatewise/toolgate/storage"
)

// tokenLogLength bounds how much of a credential ever reaches a log line.
const tokenLogLength = 8

// Server implements the OAuth 2.1 authorization server logic. It owns the
// code and token lifecycle and is safe for concurrent use.
type Server struct {
	store storage.Store

	Auditor *security.Auditor
	Logger  *slog.Logger
	Config  *Config

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// New creates an authorization server over the given store.
func New(store storage.Store, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}

	// Apply secure defaults
	config = applySecureDefaults(config, logger)

	srv := &Server{
		store:  store,
		Config: config,
		Logger: logger,
	}

	// Validate HTTPS enforcement (OAuth 2.1 security requirement)
	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetInstrumentation attaches OpenTelemetry instrumentation.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("server")
	}
}

func (s *Server) metrics() *instrumentation.Metrics {
	if s.instrumentation == nil {
		return nil
	}
	return s.instrumentation.Metrics()
}

func (s *Server) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, fmt.Sprintf("server.%s", operation))
}

func (s *Server) recordAuthFailure(ctx context.Context, reason string) {
	if m := s.metrics(); m != nil {
		m.RecordAuthFailure(ctx, reason)
	}
}

// generateRandomToken generates a cryptographically secure random token.
// This is an alias for oauth2.GenerateVerifier() which produces a URL-safe,
// base64-encoded random string suitable for tokens, codes, state parameters.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
