// Package memory provides an in-memory implementation of the storage
// interfaces. It is the default backend for single-instance deployments and
// for tests.
//
// A background goroutine sweeps expired codes and tokens on a fixed interval;
// call Stop to shut it down.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/gatewise/toolgate/instrumentation"
	"github.com/gatewise/toolgate/internal/util"
	"github.com/gatewise/toolgate/security"
	"github.com/gatewise/toolgate/storage"
)

// tokenLogLength bounds how much of a credential ever reaches a log line.
const tokenLogLength = 8

// dummySecretHash is a bcrypt hash compared against when a client is unknown,
// so client lookup failures cost the same as secret mismatches.
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu sync.RWMutex

	clients       map[string]*storage.Client
	authCodes     map[string]*storage.AuthorizationCode
	accessTokens  map[string]*storage.AccessToken
	refreshTokens map[string]*storage.RefreshToken

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Lock-free counters backing the storage size gauges.
	clientsCount       atomic.Int64
	codesCount         atomic.Int64
	accessTokensCount  atomic.Int64
	refreshTokensCount atomic.Int64

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks.
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.Store       = (*Store)(nil)
)

// New creates an in-memory store with the default cleanup interval (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates an in-memory store with a custom cleanup interval.
// Intervals <= 0 fall back to the default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		authCodes:       make(map[string]*storage.AuthorizationCode),
		accessTokens:    make(map[string]*storage.AccessToken),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation attaches OpenTelemetry instrumentation and registers the
// storage size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}

	s.clientsCount.Store(int64(len(s.clients)))
	s.codesCount.Store(int64(len(s.authCodes)))
	s.accessTokensCount.Store(int64(len(s.accessTokens)))
	s.refreshTokensCount.Store(int64(len(s.refreshTokens)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStoreSizeCallbacks(
			func() int64 { return s.clientsCount.Load() },
			func() int64 { return s.codesCount.Load() },
			func() int64 { return s.accessTokensCount.Load() },
			func() int64 { return s.refreshTokensCount.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop shuts down the cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// Counts is a snapshot of stored entity counts.
type Counts struct {
	Clients       int64
	Codes         int64
	AccessTokens  int64
	RefreshTokens int64
}

// Counts reports how many entities the store currently holds. The values come
// from the same atomics that back the storage size gauges.
func (s *Store) Counts() Counts {
	return Counts{
		Clients:       s.clientsCount.Load(),
		Codes:         s.codesCount.Load(),
		AccessTokens:  s.accessTokensCount.Load(),
		RefreshTokens: s.refreshTokensCount.Load(),
	}
}

// ============================================================
// ClientStore
// ============================================================

// SaveClient registers or updates a client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startSpan(ctx, "save_client")
	defer span.End()

	start := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "save_client", err, start) }()

	if client == nil || client.ID == "" {
		err = fmt.Errorf("client ID cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	clientCopy := *client
	if clientCopy.CreatedAt.IsZero() {
		clientCopy.CreatedAt = time.Now()
	}
	s.clients[client.ID] = &clientCopy
	s.clientsCount.Store(int64(len(s.clients)))

	s.logger.Debug("Saved client", "client_id", client.ID)
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startSpan(ctx, "get_client")
	defer span.End()

	start := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "get_client", err, start) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return nil, err
	}

	clientCopy := *client
	return &clientCopy, nil
}

// ValidateClientSecret verifies a client secret against the stored bcrypt
// hash. A bcrypt comparison runs even when the client is unknown, so both
// failure modes take the same time.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, secret string) (*storage.Client, error) {
	client, err := s.GetClient(ctx, clientID)

	hashToCompare := dummySecretHash
	isPublicClient := false

	if err == nil {
		if client.SecretHash == "" {
			isPublicClient = true
		} else {
			hashToCompare = client.SecretHash
		}
	}

	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(secret))

	// Public clients carry no secret; PKCE is their proof of possession.
	if isPublicClient && err == nil {
		return client, nil
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %s", storage.ErrInvalidClientSecret, clientID)
	}
	if bcryptErr != nil {
		return nil, fmt.Errorf("%w: %s", storage.ErrInvalidClientSecret, clientID)
	}

	return client, nil
}

// ListClients returns all registered clients.
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		clientCopy := *client
		clients = append(clients, &clientCopy)
	}

	return clients, nil
}

// ============================================================
// CodeStore
// ============================================================

// SaveAuthorizationCode stores an issued authorization code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startSpan(ctx, "save_authorization_code")
	defer span.End()

	start := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "save_authorization_code", err, start) }()

	if code == nil || code.Code == "" {
		err = fmt.Errorf("authorization code cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	codeCopy := *code
	s.authCodes[code.Code] = &codeCopy
	s.codesCount.Store(int64(len(s.authCodes)))

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode retrieves a code without consuming it.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}

	if security.IsExpired(authCode.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization code expired", storage.ErrTokenExpired)
	}

	codeCopy := *authCode
	return &codeCopy, nil
}

// AtomicCheckAndMarkCodeUsed atomically verifies a code is unused and marks
// it used. Exactly one concurrent caller succeeds.
//
// The stored code is returned only alongside ErrCodeUsed, so the caller can
// revoke what the winning exchange issued. Not-found and expired codes return
// nil to avoid leaking which of the two occurred.
func (s *Store) AtomicCheckAndMarkCodeUsed(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startSpan(ctx, "mark_code_used")
	defer span.End()

	start := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "mark_code_used", err, start) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		err = storage.ErrCodeNotFound
		return nil, err
	}

	if security.IsExpired(authCode.ExpiresAt) {
		err = fmt.Errorf("%w: authorization code expired", storage.ErrTokenExpired)
		return nil, err
	}

	if authCode.Used {
		err = storage.ErrCodeUsed
		codeCopy := *authCode
		return &codeCopy, err
	}

	authCode.Used = true
	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, tokenLogLength))

	codeCopy := *authCode
	return &codeCopy, nil
}

// DeleteAuthorizationCode removes a code.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.authCodes, code)
	s.codesCount.Store(int64(len(s.authCodes)))
	return nil
}

// ============================================================
// TokenStore
// ============================================================

// SaveAccessToken stores an issued access token.
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	ctx, span := s.startSpan(ctx, "save_access_token")
	defer span.End()

	start := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "save_access_token", err, start) }()

	if token == nil || token.Token == "" {
		err = fmt.Errorf("access token cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tokenCopy := *token
	s.accessTokens[token.Token] = &tokenCopy
	s.accessTokensCount.Store(int64(len(s.accessTokens)))

	s.logger.Debug("Saved access token",
		"token_prefix", util.SafeTruncate(token.Token, tokenLogLength),
		"client_id", token.ClientID)
	return nil
}

// GetAccessToken retrieves an access token.
func (s *Store) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	ctx, span := s.startSpan(ctx, "get_access_token")
	defer span.End()

	start := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "get_access_token", err, start) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	accessToken, ok := s.accessTokens[token]
	if !ok {
		err = storage.ErrTokenNotFound
		return nil, err
	}

	if security.IsExpired(accessToken.ExpiresAt) {
		err = fmt.Errorf("%w: access token expired", storage.ErrTokenExpired)
		return nil, err
	}

	tokenCopy := *accessToken
	return &tokenCopy, nil
}

// DeleteAccessToken removes an access token.
func (s *Store) DeleteAccessToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.accessTokens, token)
	s.accessTokensCount.Store(int64(len(s.accessTokens)))
	return nil
}

// DeleteAccessTokensForClient removes every access token issued to a client.
func (s *Store) DeleteAccessTokensForClient(ctx context.Context, clientID string) (int, error) {
	ctx, span := s.startSpan(ctx, "delete_client_tokens")
	defer span.End()

	start := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "delete_client_tokens", err, start) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, token := range s.accessTokens {
		if token.ClientID == clientID {
			delete(s.accessTokens, key)
			removed++
		}
	}
	s.accessTokensCount.Store(int64(len(s.accessTokens)))

	if removed > 0 {
		s.logger.Info("Revoked access tokens for client",
			"client_id", clientID,
			"count", removed)
	}
	return removed, nil
}

// SaveRefreshToken stores an issued refresh token.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	ctx, span := s.startSpan(ctx, "save_refresh_token")
	defer span.End()

	start := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "save_refresh_token", err, start) }()

	if token == nil || token.Token == "" {
		err = fmt.Errorf("refresh token cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tokenCopy := *token
	s.refreshTokens[token.Token] = &tokenCopy
	s.refreshTokensCount.Store(int64(len(s.refreshTokens)))

	s.logger.Debug("Saved refresh token",
		"token_prefix", util.SafeTruncate(token.Token, tokenLogLength),
		"client_id", token.ClientID)
	return nil
}

// GetRefreshToken retrieves a refresh token without consuming it.
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refreshToken, ok := s.refreshTokens[token]
	if !ok {
		return nil, storage.ErrRefreshTokenNotFound
	}

	if security.IsExpired(refreshToken.ExpiresAt) {
		return nil, fmt.Errorf("%w: refresh token expired", storage.ErrTokenExpired)
	}

	tokenCopy := *refreshToken
	return &tokenCopy, nil
}

// AtomicGetAndDeleteRefreshToken atomically retrieves and removes a refresh
// token. Exactly one concurrent caller receives the token; the rest observe
// ErrRefreshTokenNotFound. Expired tokens are removed and reported expired.
func (s *Store) AtomicGetAndDeleteRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	ctx, span := s.startSpan(ctx, "rotate_refresh_token")
	defer span.End()

	start := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "rotate_refresh_token", err, start) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	refreshToken, ok := s.refreshTokens[token]
	if !ok {
		err = storage.ErrRefreshTokenNotFound
		return nil, err
	}

	delete(s.refreshTokens, token)
	s.refreshTokensCount.Store(int64(len(s.refreshTokens)))

	if security.IsExpired(refreshToken.ExpiresAt) {
		err = fmt.Errorf("%w: refresh token expired", storage.ErrTokenExpired)
		return nil, err
	}

	s.logger.Debug("Consumed refresh token",
		"token_prefix", util.SafeTruncate(token, tokenLogLength))

	tokenCopy := *refreshToken
	return &tokenCopy, nil
}

// DeleteRefreshToken removes a refresh token.
func (s *Store) DeleteRefreshToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.refreshTokens, token)
	s.refreshTokensCount.Store(int64(len(s.refreshTokens)))
	return nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0

	for code, authCode := range s.authCodes {
		if security.IsExpired(authCode.ExpiresAt) {
			delete(s.authCodes, code)
			cleaned++
		}
	}

	for key, token := range s.accessTokens {
		if security.IsExpired(token.ExpiresAt) {
			delete(s.accessTokens, key)
			cleaned++
		}
	}

	for key, token := range s.refreshTokens {
		if security.IsExpired(token.ExpiresAt) {
			delete(s.refreshTokens, key)
			cleaned++
		}
	}

	s.codesCount.Store(int64(len(s.authCodes)))
	s.accessTokensCount.Store(int64(len(s.accessTokens)))
	s.refreshTokensCount.Store(int64(len(s.refreshTokens)))

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// ============================================================
// Instrumentation helpers
// ============================================================

func (s *Store) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))
}

func (s *Store) recordOperation(ctx context.Context, span trace.Span, operation string, err error, start time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(start).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if span != nil {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStoreOperation(ctx, operation, result, durationMs)
}
