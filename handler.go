package toolgate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/gatewise/toolgate/cache"
	"github.com/gatewise/toolgate/gateway"
	"github.com/gatewise/toolgate/instrumentation"
	"github.com/gatewise/toolgate/pkce"
	"github.com/gatewise/toolgate/ratelimit"
	"github.com/gatewise/toolgate/security"
	"github.com/gatewise/toolgate/server"
	"github.com/gatewise/toolgate/storage"
	"github.com/gatewise/toolgate/storage/memory"
)

// Endpoint paths served by Routes.
const (
	EndpointAuthorize = "/auth"
	EndpointToken     = "/token"
	EndpointToolCall  = "/tools/call"
	EndpointMetadata  = "/.well-known/oauth-authorization-server"
)

const (
	tokenTypeBearer = "Bearer"

	// maxToolCallBody bounds the dispatch request body.
	maxToolCallBody = 1 << 20

	// grant_type values the token endpoint implements.
	grantTypeAuthorizationCode = "authorization_code"
	grantTypeRefreshToken      = "refresh_token"
)

// instrumentationSetter is implemented by stores that register size gauges.
type instrumentationSetter interface {
	SetInstrumentation(*instrumentation.Instrumentation)
}

// Handler is the HTTP adapter over the authorization server and the tool
// dispatcher. Create it with NewHandler and mount Routes, or mount the
// Serve* methods individually.
type Handler struct {
	server     *server.Server
	store      storage.Store
	dispatcher *gateway.Dispatcher
	limiter    *ratelimit.Limiter
	cache      cache.Cache
	throttle   *security.EndpointThrottle
	auditor    *security.Auditor
	inst       *instrumentation.Instrumentation
	config     *Config
	logger     *slog.Logger
	tracer     trace.Tracer

	// ownedStore is the built-in store created by NewHandler, stopped by
	// Close. A caller-provided store is the caller's to stop.
	ownedStore *memory.Store

	throttleBurst int
}

// NewHandler builds the full stack from config: store, authorization
// server, rate limiter, response cache, and dispatcher around the given
// invoker. Configuration problems fail construction.
func NewHandler(invoker gateway.Invoker, config *Config) (*Handler, error) {
	if invoker == nil {
		return nil, fmt.Errorf("invoker is required")
	}
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	config.applyDefaults()

	inst, err := instrumentation.New(config.Instrumentation)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
	}

	h := &Handler{
		config: config,
		inst:   inst,
		logger: logger,
		tracer: inst.Tracer("http"),
	}

	store := config.Store
	if store == nil {
		owned := memory.NewWithInterval(config.CleanupInterval)
		owned.SetLogger(logger)
		h.ownedStore = owned
		store = owned
	}
	h.store = store

	if setter, ok := store.(instrumentationSetter); ok {
		setter.SetInstrumentation(inst)
	}

	srv, err := server.New(store, config.flowServerConfig(), logger)
	if err != nil {
		h.stopOwned()
		return nil, err
	}
	h.server = srv
	srv.SetInstrumentation(inst)

	if config.Security.EnableAuditLogging {
		h.auditor = security.NewAuditor(logger, true)
		srv.SetAuditor(h.auditor)
	}

	if config.RateLimit.Limit > 0 {
		limiter, err := ratelimit.NewLimiter(ratelimit.Config{
			Enabled:       true,
			Limit:         config.RateLimit.Limit,
			Window:        config.RateLimit.Window,
			Store:         config.RateLimit.Store,
			FailurePolicy: config.RateLimit.FailurePolicy,
		}, logger)
		if err != nil {
			h.stopOwned()
			return nil, err
		}
		h.limiter = limiter
	}

	if !config.Cache.Disabled {
		h.cache = config.Cache.Backend
		if h.cache == nil {
			switch config.Cache.Eviction {
			case EvictionFIFO:
				h.cache = cache.NewFIFO(config.Cache.MaxEntries)
			default:
				h.cache = cache.NewLRU(config.Cache.MaxEntries)
			}
		}
	}

	dispatcher, err := gateway.New(srv, invoker, gateway.Config{
		Limiter:       h.limiter,
		Cache:         h.cache,
		Policies:      config.Tools,
		DefaultPolicy: config.DefaultPolicy,
	}, logger)
	if err != nil {
		h.stopOwned()
		return nil, err
	}
	if h.auditor != nil {
		dispatcher.SetAuditor(h.auditor)
	}
	dispatcher.SetInstrumentation(inst)
	h.dispatcher = dispatcher

	if !config.Throttle.Disabled {
		h.throttle = security.NewEndpointThrottle(
			config.Throttle.Rate, config.Throttle.Burst, config.Throttle.MaxSources)
		h.throttleBurst = config.Throttle.Burst
		if h.throttleBurst <= 0 {
			h.throttleBurst = security.DefaultThrottleBurst
		}
	}

	logger.Info("Gateway handler initialized",
		"issuer", config.Issuer,
		"rate_limit", config.RateLimit.Limit,
		"cache_enabled", h.cache != nil,
		"throttle_enabled", h.throttle != nil,
		"audit_enabled", h.auditor != nil)

	return h, nil
}

// stopOwned releases components already created when construction fails.
func (h *Handler) stopOwned() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
	if h.ownedStore != nil {
		h.ownedStore.Stop()
	}
}

// Close stops background goroutines and flushes instrumentation. The
// handler must not serve requests after Close.
func (h *Handler) Close() error {
	if h.throttle != nil {
		h.throttle.Stop()
	}
	h.stopOwned()

	if h.inst == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.inst.Shutdown(ctx)
}

// Server returns the underlying authorization server.
func (h *Handler) Server() *server.Server {
	return h.server
}

// Store returns the credential store, for client registration and
// administrative tooling.
func (h *Handler) Store() storage.Store {
	return h.store
}

// Routes returns the complete HTTP surface with request-ID and security
// header middleware applied.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(EndpointAuthorize, h.ServeAuthorize)
	mux.HandleFunc(EndpointToken, h.ServeToken)
	mux.HandleFunc(EndpointToolCall, h.ServeToolCall)
	mux.HandleFunc(EndpointMetadata, h.ServeMetadata)
	return security.RequestIDMiddleware(security.HeadersMiddleware(h.config.Issuer, mux))
}

// ServeAuthorize handles authorization requests. Success is a 302 to the
// validated redirect URI carrying code and state; failures after the
// redirect URI validated are delivered to it per RFC 6749 section 4.1.2.1,
// everything else is a JSON error body.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var span trace.Span
	ctx := r.Context()
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "http.authorize")
		defer span.End()
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		h.recordHTTPMetrics(EndpointAuthorize, r.Method, http.StatusMethodNotAllowed, startTime)
		return
	}

	clientIP := h.clientIP(r)
	if !h.allowUnauthenticated(ctx, w, clientIP, EndpointAuthorize) {
		h.recordHTTPMetrics(EndpointAuthorize, r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	query := r.URL.Query()
	if responseType := query.Get("response_type"); responseType != "code" {
		h.writeError(w, ErrInvalidRequest("response_type must be \"code\""))
		h.recordHTTPMetrics(EndpointAuthorize, r.Method, http.StatusBadRequest, startTime)
		return
	}

	result, err := h.server.Authorize(ctx, &server.AuthorizeRequest{
		ClientID:            query.Get("client_id"),
		RedirectURI:         query.Get("redirect_uri"),
		Scope:               query.Get("scope"),
		State:               query.Get("state"),
		CodeChallenge:       query.Get("code_challenge"),
		CodeChallengeMethod: query.Get("code_challenge_method"),
		ClientIP:            clientIP,
	})
	if err != nil {
		status := h.writeFlowError(w, r, query.Get("redirect_uri"), query.Get("state"), err)
		h.recordHTTPMetrics(EndpointAuthorize, r.Method, status, startTime)
		return
	}

	location, err := result.RedirectURL()
	if err != nil {
		h.logger.Error("Failed to build redirect URL", "error", err)
		h.writeError(w, ErrServerError("Internal server error"))
		h.recordHTTPMetrics(EndpointAuthorize, r.Method, http.StatusInternalServerError, startTime)
		return
	}

	http.Redirect(w, r, location, http.StatusFound)
	h.recordHTTPMetrics(EndpointAuthorize, r.Method, http.StatusFound, startTime)
}

// ServeToken handles the token endpoint for the authorization_code and
// refresh_token grants.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var span trace.Span
	ctx := r.Context()
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "http.token")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		h.recordHTTPMetrics(EndpointToken, r.Method, http.StatusMethodNotAllowed, startTime)
		return
	}

	clientIP := h.clientIP(r)
	if !h.allowUnauthenticated(ctx, w, clientIP, EndpointToken) {
		h.recordHTTPMetrics(EndpointToken, r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		h.recordHTTPMetrics(EndpointToken, r.Method, http.StatusBadRequest, startTime)
		return
	}

	clientID, authErr := h.authenticateClient(ctx, r, clientIP)
	if authErr != nil {
		h.writeError(w, authErr)
		h.recordHTTPMetrics(EndpointToken, r.Method, authErr.Status, startTime)
		return
	}

	switch grantType := r.PostFormValue("grant_type"); grantType {
	case grantTypeAuthorizationCode:
		h.handleAuthorizationCodeGrant(ctx, w, r, clientID, clientIP, startTime)
	case grantTypeRefreshToken:
		h.handleRefreshTokenGrant(ctx, w, r, clientID, clientIP, startTime)
	default:
		h.writeError(w, ErrUnsupportedGrantType(
			"Supported grant types: authorization_code, refresh_token"))
		h.recordHTTPMetrics(EndpointToken, r.Method, http.StatusBadRequest, startTime)
	}
}

// authenticateClient resolves the requesting client from HTTP Basic auth or
// form fields and verifies its secret. Basic credentials take precedence
// per RFC 6749 section 2.3.1. Public clients present no secret.
func (h *Handler) authenticateClient(ctx context.Context, r *http.Request, clientIP string) (string, *Error) {
	clientID := r.PostFormValue("client_id")
	clientSecret := r.PostFormValue("client_secret")

	if basicID, basicSecret, ok := r.BasicAuth(); ok {
		clientID = basicID
		clientSecret = basicSecret
	}

	if clientID == "" {
		return "", ErrInvalidRequest("Missing client_id")
	}

	if _, err := h.store.ValidateClientSecret(ctx, clientID, clientSecret); err != nil {
		h.logger.Warn("Client authentication failed",
			"client_id", clientID,
			"ip", clientIP)
		if h.auditor != nil {
			h.auditor.LogAuthFailure(clientID, clientIP, "client_authentication_failed")
		}
		return "", ErrInvalidClient("Client authentication failed")
	}

	return clientID, nil
}

// handleAuthorizationCodeGrant exchanges an authorization code for tokens.
func (h *Handler) handleAuthorizationCodeGrant(ctx context.Context, w http.ResponseWriter, r *http.Request, clientID, clientIP string, startTime time.Time) {
	code := r.PostFormValue("code")
	if code == "" {
		h.writeError(w, ErrInvalidRequest("Missing code parameter"))
		h.recordHTTPMetrics(EndpointToken, r.Method, http.StatusBadRequest, startTime)
		return
	}

	pair, err := h.server.ExchangeCode(ctx, &server.ExchangeRequest{
		Code:         code,
		CodeVerifier: r.PostFormValue("code_verifier"),
		ClientID:     clientID,
		RedirectURI:  r.PostFormValue("redirect_uri"),
		ClientIP:     clientIP,
	})
	if err != nil {
		grantErr := h.grantError(err)
		h.writeError(w, grantErr)
		h.recordHTTPMetrics(EndpointToken, r.Method, grantErr.Status, startTime)
		return
	}

	h.writeTokenResponse(w, pair)
	h.recordHTTPMetrics(EndpointToken, r.Method, http.StatusOK, startTime)
}

// handleRefreshTokenGrant rotates a refresh token into a fresh pair.
func (h *Handler) handleRefreshTokenGrant(ctx context.Context, w http.ResponseWriter, r *http.Request, clientID, clientIP string, startTime time.Time) {
	refreshToken := r.PostFormValue("refresh_token")
	if refreshToken == "" {
		h.writeError(w, ErrInvalidRequest("Missing refresh_token parameter"))
		h.recordHTTPMetrics(EndpointToken, r.Method, http.StatusBadRequest, startTime)
		return
	}

	pair, err := h.server.Refresh(ctx, &server.RefreshRequest{
		RefreshToken: refreshToken,
		ClientID:     clientID,
		ClientIP:     clientIP,
	})
	if err != nil {
		grantErr := h.grantError(err)
		h.writeError(w, grantErr)
		h.recordHTTPMetrics(EndpointToken, r.Method, grantErr.Status, startTime)
		return
	}

	h.writeTokenResponse(w, pair)
	h.recordHTTPMetrics(EndpointToken, r.Method, http.StatusOK, startTime)
}

// ServeToolCall handles Bearer-protected dispatch requests.
func (h *Handler) ServeToolCall(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var span trace.Span
	ctx := r.Context()
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "http.tool_call")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		h.recordHTTPMetrics(EndpointToolCall, r.Method, http.StatusMethodNotAllowed, startTime)
		return
	}

	token, ok := bearerToken(r)
	if !ok {
		h.writeUnauthorizedError(w, "Missing bearer token")
		h.recordHTTPMetrics(EndpointToolCall, r.Method, http.StatusUnauthorized, startTime)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxToolCallBody)
	var call ToolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		h.writeError(w, ErrInvalidRequest("Failed to parse request body"))
		h.recordHTTPMetrics(EndpointToolCall, r.Method, http.StatusBadRequest, startTime)
		return
	}
	if call.Tool == "" {
		h.writeError(w, ErrInvalidRequest("Missing tool name"))
		h.recordHTTPMetrics(EndpointToolCall, r.Method, http.StatusBadRequest, startTime)
		return
	}

	result, err := h.dispatcher.Dispatch(ctx, gateway.Call{
		Token:    token,
		Tool:     call.Tool,
		Args:     call.Args,
		ClientIP: h.clientIP(r),
	})
	if err != nil {
		status := h.writeDispatchError(w, err)
		h.recordHTTPMetrics(EndpointToolCall, r.Method, status, startTime)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result)
	h.recordHTTPMetrics(EndpointToolCall, r.Method, http.StatusOK, startTime)
}

// ServeMetadata serves RFC 8414 authorization server metadata.
func (h *Handler) ServeMetadata(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		h.recordHTTPMetrics(EndpointMetadata, r.Method, http.StatusMethodNotAllowed, startTime)
		return
	}

	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, h.buildMetadata())
	h.recordHTTPMetrics(EndpointMetadata, r.Method, http.StatusOK, startTime)
}

// buildMetadata assembles the discovery document from configuration.
func (h *Handler) buildMetadata() *AuthorizationServerMetadata {
	issuer := strings.TrimSuffix(h.config.Issuer, "/")

	challengeMethods := []string{pkce.MethodS256}
	if h.server.Config.AllowPKCEPlain {
		challengeMethods = append(challengeMethods, pkce.MethodPlain)
	}

	return &AuthorizationServerMetadata{
		Issuer:                        issuer,
		AuthorizationEndpoint:         issuer + EndpointAuthorize,
		TokenEndpoint:                 issuer + EndpointToken,
		ScopesSupported:               h.config.SupportedScopes,
		ResponseTypesSupported:        []string{"code"},
		GrantTypesSupported:           []string{grantTypeAuthorizationCode, grantTypeRefreshToken},
		CodeChallengeMethodsSupported: challengeMethods,
		TokenEndpointAuthMethodsSupported: []string{
			"client_secret_basic", "client_secret_post", "none",
		},
	}
}

// clientIP extracts the caller address honoring configured proxy trust.
func (h *Handler) clientIP(r *http.Request) string {
	return security.ClientIP(r, h.config.Security.TrustProxy, h.config.Security.TrustedProxyCount)
}

// allowUnauthenticated runs the pre-auth throttle for endpoints that
// execute before any credential check. It writes the 429 itself when the
// source is over its bucket.
func (h *Handler) allowUnauthenticated(ctx context.Context, w http.ResponseWriter, clientIP, endpoint string) bool {
	if h.throttle == nil || h.throttle.Allow(clientIP) {
		return true
	}

	h.logger.Warn("Pre-auth throttle rejected request",
		"ip", clientIP,
		"endpoint", endpoint)

	if h.inst != nil {
		h.inst.Metrics().RecordRateLimitExceeded(ctx, "ip")
	}
	if h.auditor != nil {
		h.auditor.LogRateLimitExceeded(clientIP, clientIP, h.throttleBurst)
	}

	w.Header().Set("Retry-After", "1")
	h.writeError(w, ErrRateLimitExceeded("Too many requests"))
	return false
}

// writeFlowError relays an authorize failure either as a JSON body or, when
// the redirect URI itself had validated, as an error redirect per RFC 6749
// section 4.1.2.1. Returns the HTTP status used.
func (h *Handler) writeFlowError(w http.ResponseWriter, r *http.Request, redirectURI, state string, err error) int {
	var flowErr *server.FlowError
	if !errors.As(err, &flowErr) {
		h.logger.Error("Authorization failed", "error", err)
		h.writeError(w, ErrServerError("Internal server error"))
		return http.StatusInternalServerError
	}

	if flowErr.Redirectable && redirectURI != "" {
		target, parseErr := url.Parse(redirectURI)
		if parseErr == nil {
			q := target.Query()
			q.Set("error", flowErr.Code)
			q.Set("error_description", flowErr.Description)
			if state != "" {
				q.Set("state", state)
			}
			target.RawQuery = q.Encode()
			http.Redirect(w, r, target.String(), http.StatusFound)
			return http.StatusFound
		}
		h.logger.Warn("Validated redirect URI failed to parse", "error", parseErr)
	}

	mapped := flowErrorToError(flowErr)
	h.writeError(w, mapped)
	return mapped.Status
}

// grantError maps token endpoint failures onto the response taxonomy.
// Anything that is not a flow error is reported generically with details
// kept in the log.
func (h *Handler) grantError(err error) *Error {
	var flowErr *server.FlowError
	if errors.As(err, &flowErr) {
		return flowErrorToError(flowErr)
	}
	h.logger.Error("Token grant failed", "error", err)
	return ErrServerError("Internal server error")
}

// flowErrorToError maps a flow error code onto the HTTP taxonomy.
func flowErrorToError(flowErr *server.FlowError) *Error {
	switch flowErr.Code {
	case server.ErrorCodeInvalidClient:
		return ErrInvalidClient(flowErr.Description)
	case server.ErrorCodeInvalidScope:
		return ErrInvalidScope(flowErr.Description)
	case server.ErrorCodeInvalidGrant:
		return ErrInvalidGrant(flowErr.Description)
	default:
		return ErrInvalidRequest(flowErr.Description)
	}
}

// writeDispatchError maps dispatch failures onto responses: authentication
// 401, authorization 403, limit exhaustion 429 with retry headers,
// anything else a logged server error. Returns the HTTP status used.
func (h *Handler) writeDispatchError(w http.ResponseWriter, err error) int {
	var authnErr *server.AuthenticationError
	if errors.As(err, &authnErr) {
		h.writeUnauthorizedError(w, authnErr.Reason)
		return http.StatusUnauthorized
	}

	var authzErr *server.AuthorizationError
	if errors.As(err, &authzErr) {
		h.writeInsufficientScopeError(w, authzErr.RequiredScopes)
		return http.StatusForbidden
	}

	var exceeded *ratelimit.ExceededError
	if errors.As(err, &exceeded) {
		h.writeRateLimitError(w, exceeded)
		return http.StatusTooManyRequests
	}

	h.logger.Error("Tool dispatch failed", "error", err)
	h.writeError(w, ErrServerError("Tool invocation failed"))
	return http.StatusInternalServerError
}

// writeTokenResponse writes a successful token response with the cache
// directives RFC 6749 section 5.1 requires.
func (h *Handler) writeTokenResponse(w http.ResponseWriter, pair *server.TokenPair) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    pair.TokenType,
		ExpiresIn:    pair.ExpiresIn,
		RefreshToken: pair.RefreshToken,
		Scope:        pair.Scope,
	})
}

// writeError writes a JSON error body with the appropriate challenge
// header for 401 responses.
func (h *Handler) writeError(w http.ResponseWriter, protocolErr *Error) {
	switch protocolErr.Code {
	case ErrorCodeInvalidClient:
		w.Header().Set("WWW-Authenticate", `Basic realm="toolgate", charset="UTF-8"`)
	case ErrorCodeInvalidToken:
		w.Header().Set("WWW-Authenticate",
			formatWWWAuthenticate(protocolErr.Code, protocolErr.Description, nil))
	}
	writeJSON(w, protocolErr.Status, ErrorResponse{
		Error:            protocolErr.Code,
		ErrorDescription: protocolErr.Description,
	})
}

// writeUnauthorizedError writes a 401 with the Bearer challenge RFC 6750
// section 3 requires.
func (h *Handler) writeUnauthorizedError(w http.ResponseWriter, description string) {
	w.Header().Set("WWW-Authenticate",
		formatWWWAuthenticate(ErrorCodeInvalidToken, description, nil))
	writeJSON(w, http.StatusUnauthorized, ErrorResponse{
		Error:            ErrorCodeInvalidToken,
		ErrorDescription: description,
	})
}

// writeInsufficientScopeError writes a 403 whose challenge names the scopes
// the call needed, so clients can request them on the next authorization.
func (h *Handler) writeInsufficientScopeError(w http.ResponseWriter, requiredScopes []string) {
	description := "Token does not cover the required scopes"
	w.Header().Set("WWW-Authenticate",
		formatWWWAuthenticate(ErrorCodeInsufficientScope, description, requiredScopes))
	writeJSON(w, http.StatusForbidden, ErrorResponse{
		Error:            ErrorCodeInsufficientScope,
		ErrorDescription: description,
	})
}

// writeRateLimitError writes a 429 with the retry headers a well-behaved
// client needs to back off until the window resets.
func (h *Handler) writeRateLimitError(w http.ResponseWriter, exceeded *ratelimit.ExceededError) {
	retryAfter := int(math.Ceil(exceeded.RetryAfter(time.Now()).Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(exceeded.Limit))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(exceeded.ResetTime.Unix(), 10))

	writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
		Error:            ErrorCodeRateLimitExceeded,
		ErrorDescription: fmt.Sprintf("Rate limit of %d per %s exceeded", exceeded.Limit, exceeded.Window),
	})
}

// bearerToken extracts the bearer credential from the Authorization header.
// The scheme comparison is case-insensitive per RFC 6750 section 2.1.
func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(auth[len(prefix):])
	return token, token != ""
}

// formatWWWAuthenticate builds a Bearer challenge per RFC 6750 section 3.
// Values are escaped per the HTTP quoted-string rules, backslash before
// quote.
func formatWWWAuthenticate(errCode, description string, scopes []string) string {
	var params []string

	if len(scopes) > 0 {
		params = append(params, fmt.Sprintf(`scope="%s"`, escapeQuoted(strings.Join(scopes, " "))))
	}
	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, errCode))
	}
	if description != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, escapeQuoted(description)))
	}

	if len(params) == 0 {
		return tokenTypeBearer
	}
	return tokenTypeBearer + " " + strings.Join(params, ", ")
}

func escapeQuoted(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	return strings.ReplaceAll(value, `"`, `\"`)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// recordHTTPMetrics records request count and duration for an endpoint.
func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	if h.inst == nil {
		return
	}
	durationMs := time.Since(startTime).Seconds() * 1000
	h.inst.Metrics().RecordHTTPRequest(context.Background(), method, endpoint, status, durationMs)
}
