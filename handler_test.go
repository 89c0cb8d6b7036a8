package toolgate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/gatewise/toolgate/gateway"
	"github.com/gatewise/toolgate/internal/testutil"
	"github.com/gatewise/toolgate/ratelimit"
	"github.com/gatewise/toolgate/storage"
)

const (
	testClientID     = "test-client"
	testClientSecret = "test-secret"
	testRedirectURI  = "https://example.com/callback"
)

type stubInvoker struct {
	mu       sync.Mutex
	calls    int
	lastTool string
	lastArgs map[string]any
	result   []byte
	err      error
}

func (s *stubInvoker) Invoke(_ context.Context, tool string, args map[string]any) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastTool = tool
	s.lastArgs = args
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func (s *stubInvoker) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubInvoker) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// testConfig disables the pre-auth throttle so rapid test requests from the
// single httptest source address are not rejected.
func testConfig() *Config {
	return &Config{
		Issuer:          "https://gate.example.com",
		SupportedScopes: []string{"tools:read", "tools:write"},
		Tools: map[string]gateway.CallPolicy{
			"search": {Scopes: []string{"tools:read"}, Cacheable: true},
			"write":  {Scopes: []string{"tools:write"}},
		},
		DefaultPolicy: gateway.CallPolicy{Scopes: []string{"tools:read"}},
		Throttle:      ThrottleConfig{Disabled: true},
	}
}

func setupTestHandler(t *testing.T, invoker gateway.Invoker, config *Config) *Handler {
	t.Helper()

	if config == nil {
		config = testConfig()
	}
	h, err := NewHandler(invoker, config)
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

// registerTestClient stores a client allowed both scopes. An empty secret
// registers a public client.
func registerTestClient(t *testing.T, h *Handler, secret string) {
	t.Helper()

	client := &storage.Client{
		ID:           testClientID,
		RedirectURIs: []string{testRedirectURI},
		Scopes:       []string{"tools:read", "tools:write"},
		Name:         "Test Client",
	}
	if secret != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
		if err != nil {
			t.Fatalf("bcrypt.GenerateFromPassword() error = %v", err)
		}
		client.SecretHash = string(hash)
	}
	if err := h.Store().SaveClient(context.Background(), client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
}

func validAuthorizeParams(challenge, state string) url.Values {
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {testClientID},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"tools:read tools:write"},
		"state":                 {state},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
}

func authorizeRequest(t *testing.T, h *Handler, params url.Values) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, EndpointAuthorize+"?"+params.Encode(), nil)
	rec := httptest.NewRecorder()
	h.ServeAuthorize(rec, req)
	return rec
}

// obtainCode runs a valid authorization and returns the issued code with the
// verifier that can exchange it.
func obtainCode(t *testing.T, h *Handler, scope string) (code, verifier string) {
	t.Helper()

	challenge, verifier := testutil.GeneratePKCEPair()
	state := testutil.GenerateRandomString(32)

	params := validAuthorizeParams(challenge, state)
	params.Set("scope", scope)
	rec := authorizeRequest(t, h, params)
	if rec.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, want %d (body %s)", rec.Code, http.StatusFound, rec.Body.String())
	}

	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse Location: %v", err)
	}
	if got := location.Query().Get("state"); got != state {
		t.Errorf("redirect state = %q, want %q", got, state)
	}
	code = location.Query().Get("code")
	if code == "" {
		t.Fatal("redirect carries no code")
	}
	return code, verifier
}

func exchangeForm(code, verifier string) url.Values {
	return url.Values{
		"grant_type":    {grantTypeAuthorizationCode},
		"client_id":     {testClientID},
		"code":          {code},
		"code_verifier": {verifier},
		"redirect_uri":  {testRedirectURI},
	}
}

func tokenRequest(t *testing.T, h *Handler, form url.Values) *httptest.ResponseRecorder {
	return tokenRequestBasic(t, h, form, "", "")
}

func tokenRequestBasic(t *testing.T, h *Handler, form url.Values, basicUser, basicPass string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, EndpointToken, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if basicUser != "" {
		req.SetBasicAuth(basicUser, basicPass)
	}
	rec := httptest.NewRecorder()
	h.ServeToken(rec, req)
	return rec
}

// obtainTokens runs the full authorization code flow for a public client.
func obtainTokens(t *testing.T, h *Handler, scope string) *TokenResponse {
	t.Helper()

	code, verifier := obtainCode(t, h, scope)
	rec := tokenRequest(t, h, exchangeForm(code, verifier))
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d, body %s", rec.Code, rec.Body.String())
	}

	var tokens TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &tokens); err != nil {
		t.Fatalf("unmarshal token response: %v", err)
	}
	return &tokens
}

func toolCall(t *testing.T, h *Handler, token, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, EndpointToolCall, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeToolCall(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()

	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal error response: %v (body %s)", err, rec.Body.String())
	}
	return resp
}

func TestNewHandler_Validation(t *testing.T) {
	invoker := &stubInvoker{}

	if _, err := NewHandler(nil, testConfig()); err == nil {
		t.Error("NewHandler(nil invoker) expected error, got nil")
	}
	if _, err := NewHandler(invoker, nil); err == nil {
		t.Error("NewHandler(nil config) expected error, got nil")
	}
	if _, err := NewHandler(invoker, &Config{}); err == nil {
		t.Error("NewHandler(no issuer) expected error, got nil")
	}

	if _, err := NewHandler(invoker, &Config{Issuer: "http://gate.example.com"}); err == nil {
		t.Error("NewHandler(plain HTTP issuer) expected error, got nil")
	}

	// A shared rate limit store forces an explicit failure policy
	local := ratelimit.NewLocalStore(time.Minute)
	defer local.Stop()
	config := testConfig()
	config.RateLimit = RateLimitConfig{Limit: 10, Store: local}
	if _, err := NewHandler(invoker, config); err == nil {
		t.Error("NewHandler(shared store, no failure policy) expected error, got nil")
	}
}

func TestNewHandler_Defaults(t *testing.T) {
	invoker := &stubInvoker{}
	h := setupTestHandler(t, invoker, &Config{Issuer: "https://gate.example.com"})

	if h.Server() == nil {
		t.Fatal("Server() = nil")
	}
	if h.Store() == nil {
		t.Fatal("Store() = nil")
	}
	if !h.Server().Config.RequirePKCE {
		t.Error("fresh config should require PKCE")
	}
	if h.Server().Config.AccessTokenTTL != 3600 {
		t.Errorf("AccessTokenTTL = %d, want 3600", h.Server().Config.AccessTokenTTL)
	}
	if h.cache == nil {
		t.Error("response cache should be on by default")
	}
	if h.limiter != nil {
		t.Error("rate limiter should be off when Limit is zero")
	}
	if h.throttle == nil {
		t.Error("pre-auth throttle should be on by default")
	}
	if h.config.Cache.Eviction != EvictionLRU {
		t.Errorf("Cache.Eviction = %q, want %q", h.config.Cache.Eviction, EvictionLRU)
	}
}

func TestAuthorizationCodeFlow(t *testing.T) {
	invoker := &stubInvoker{result: []byte(`{"results":["a","b"]}`)}
	h := setupTestHandler(t, invoker, nil)
	registerTestClient(t, h, "")

	tokens := obtainTokens(t, h, "tools:read tools:write")
	if tokens.AccessToken == "" {
		t.Fatal("empty access token")
	}
	if tokens.TokenType != "Bearer" {
		t.Errorf("token_type = %q, want %q", tokens.TokenType, "Bearer")
	}
	if tokens.ExpiresIn != 3600 {
		t.Errorf("expires_in = %d, want 3600", tokens.ExpiresIn)
	}
	if tokens.RefreshToken == "" {
		t.Error("empty refresh token")
	}
	if tokens.Scope != "tools:read tools:write" {
		t.Errorf("scope = %q, want %q", tokens.Scope, "tools:read tools:write")
	}

	rec := toolCall(t, h, tokens.AccessToken, `{"tool":"search","args":{"query":"x"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("tool call status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if rec.Body.String() != `{"results":["a","b"]}` {
		t.Errorf("body = %q", rec.Body.String())
	}
	if invoker.lastTool != "search" {
		t.Errorf("invoked tool = %q, want %q", invoker.lastTool, "search")
	}
	if invoker.lastArgs["query"] != "x" {
		t.Errorf("invoked args = %v", invoker.lastArgs)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := setupTestHandler(t, &stubInvoker{}, nil)

	tests := []struct {
		name   string
		method string
		path   string
		serve  func(http.ResponseWriter, *http.Request)
	}{
		{"authorize POST", http.MethodPost, EndpointAuthorize, h.ServeAuthorize},
		{"token GET", http.MethodGet, EndpointToken, h.ServeToken},
		{"tool call GET", http.MethodGet, EndpointToolCall, h.ServeToolCall},
		{"metadata POST", http.MethodPost, EndpointMetadata, h.ServeMetadata},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.serve(rec, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != http.StatusMethodNotAllowed {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
			}
		})
	}
}

func TestServeAuthorize_Validation(t *testing.T) {
	h := setupTestHandler(t, &stubInvoker{}, nil)
	registerTestClient(t, h, "")

	challenge, _ := testutil.GeneratePKCEPair()
	validState := testutil.GenerateRandomString(32)

	tests := []struct {
		name       string
		mutate     func(url.Values)
		wantStatus int

		// wantError is checked on the JSON body, wantRedirectError on the
		// error query parameter of the 302 Location.
		wantError         string
		wantRedirectError string
	}{
		{
			name:       "missing response_type",
			mutate:     func(q url.Values) { q.Del("response_type") },
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidRequest,
		},
		{
			name:       "token response_type",
			mutate:     func(q url.Values) { q.Set("response_type", "token") },
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidRequest,
		},
		{
			name:       "unknown client",
			mutate:     func(q url.Values) { q.Set("client_id", "ghost") },
			wantStatus: http.StatusUnauthorized,
			wantError:  ErrorCodeInvalidClient,
		},
		{
			name:       "unregistered redirect URI",
			mutate:     func(q url.Values) { q.Set("redirect_uri", "https://evil.example.com/cb") },
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidRequest,
		},
		{
			name:              "missing state",
			mutate:            func(q url.Values) { q.Del("state") },
			wantStatus:        http.StatusFound,
			wantRedirectError: ErrorCodeInvalidRequest,
		},
		{
			name:              "short state",
			mutate:            func(q url.Values) { q.Set("state", "short") },
			wantStatus:        http.StatusFound,
			wantRedirectError: ErrorCodeInvalidRequest,
		},
		{
			name:              "missing code challenge",
			mutate:            func(q url.Values) { q.Del("code_challenge"); q.Del("code_challenge_method") },
			wantStatus:        http.StatusFound,
			wantRedirectError: ErrorCodeInvalidRequest,
		},
		{
			name: "plain challenge rejected by default",
			mutate: func(q url.Values) {
				q.Set("code_challenge_method", "plain")
				q.Set("code_challenge", testutil.GenerateRandomString(43))
			},
			wantStatus:        http.StatusFound,
			wantRedirectError: ErrorCodeInvalidRequest,
		},
		{
			name:              "unsupported scope",
			mutate:            func(q url.Values) { q.Set("scope", "admin:everything") },
			wantStatus:        http.StatusFound,
			wantRedirectError: ErrorCodeInvalidScope,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := validAuthorizeParams(challenge, validState)
			tt.mutate(params)
			rec := authorizeRequest(t, h, params)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantError != "" {
				if got := decodeError(t, rec).Error; got != tt.wantError {
					t.Errorf("error = %q, want %q", got, tt.wantError)
				}
			}
			if tt.wantRedirectError != "" {
				location, err := url.Parse(rec.Header().Get("Location"))
				if err != nil {
					t.Fatalf("parse Location: %v", err)
				}
				if got := location.Query().Get("error"); got != tt.wantRedirectError {
					t.Errorf("redirect error = %q, want %q", got, tt.wantRedirectError)
				}
				if location.Query().Get("code") != "" {
					t.Error("error redirect must not carry a code")
				}
			}
		})
	}
}

func TestServeAuthorize_ErrorRedirectCarriesState(t *testing.T) {
	h := setupTestHandler(t, &stubInvoker{}, nil)
	registerTestClient(t, h, "")

	state := testutil.GenerateRandomString(32)
	params := validAuthorizeParams("", state)
	params.Del("code_challenge")
	params.Del("code_challenge_method")

	rec := authorizeRequest(t, h, params)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusFound)
	}

	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse Location: %v", err)
	}
	if got := location.Query().Get("state"); got != state {
		t.Errorf("redirect state = %q, want %q", got, state)
	}
	if location.Query().Get("error_description") == "" {
		t.Error("redirect carries no error_description")
	}
}

func TestServeToken_Validation(t *testing.T) {
	h := setupTestHandler(t, &stubInvoker{}, nil)
	registerTestClient(t, h, "")

	tests := []struct {
		name       string
		form       func(t *testing.T) url.Values
		wantStatus int
		wantError  string
	}{
		{
			name: "missing client_id",
			form: func(t *testing.T) url.Values {
				return url.Values{"grant_type": {grantTypeAuthorizationCode}, "code": {"x"}}
			},
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidRequest,
		},
		{
			name: "unknown client",
			form: func(t *testing.T) url.Values {
				return url.Values{"grant_type": {grantTypeAuthorizationCode}, "client_id": {"ghost"}, "code": {"x"}}
			},
			wantStatus: http.StatusUnauthorized,
			wantError:  ErrorCodeInvalidClient,
		},
		{
			name: "missing grant_type",
			form: func(t *testing.T) url.Values {
				return url.Values{"client_id": {testClientID}}
			},
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeUnsupportedGrantType,
		},
		{
			name: "unsupported grant_type",
			form: func(t *testing.T) url.Values {
				return url.Values{"grant_type": {"password"}, "client_id": {testClientID}}
			},
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeUnsupportedGrantType,
		},
		{
			name: "missing code",
			form: func(t *testing.T) url.Values {
				return url.Values{"grant_type": {grantTypeAuthorizationCode}, "client_id": {testClientID}}
			},
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidRequest,
		},
		{
			name: "unknown code",
			form: func(t *testing.T) url.Values {
				return exchangeForm("does-not-exist", testutil.GenerateRandomString(50))
			},
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidGrant,
		},
		{
			name: "wrong verifier",
			form: func(t *testing.T) url.Values {
				code, _ := obtainCode(t, h, "tools:read")
				return exchangeForm(code, testutil.GenerateRandomString(50))
			},
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidGrant,
		},
		{
			name: "redirect_uri mismatch",
			form: func(t *testing.T) url.Values {
				code, verifier := obtainCode(t, h, "tools:read")
				form := exchangeForm(code, verifier)
				form.Set("redirect_uri", "https://example.com/other")
				return form
			},
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidGrant,
		},
		{
			name: "missing refresh_token",
			form: func(t *testing.T) url.Values {
				return url.Values{"grant_type": {grantTypeRefreshToken}, "client_id": {testClientID}}
			},
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidRequest,
		},
		{
			name: "unknown refresh_token",
			form: func(t *testing.T) url.Values {
				return url.Values{
					"grant_type":    {grantTypeRefreshToken},
					"client_id":     {testClientID},
					"refresh_token": {"does-not-exist"},
				}
			},
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidGrant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tokenRequest(t, h, tt.form(t))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if got := decodeError(t, rec).Error; got != tt.wantError {
				t.Errorf("error = %q, want %q", got, tt.wantError)
			}
		})
	}
}

func TestServeToken_ClientAuthentication(t *testing.T) {
	h := setupTestHandler(t, &stubInvoker{}, nil)
	registerTestClient(t, h, testClientSecret)

	t.Run("form credentials", func(t *testing.T) {
		code, verifier := obtainCode(t, h, "tools:read")
		form := exchangeForm(code, verifier)
		form.Set("client_secret", testClientSecret)

		rec := tokenRequest(t, h, form)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		form := exchangeForm("never-reached", "never-reached")
		form.Set("client_secret", "wrong")

		rec := tokenRequest(t, h, form)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
		if got := decodeError(t, rec).Error; got != ErrorCodeInvalidClient {
			t.Errorf("error = %q, want %q", got, ErrorCodeInvalidClient)
		}
		if challenge := rec.Header().Get("WWW-Authenticate"); !strings.HasPrefix(challenge, "Basic") {
			t.Errorf("WWW-Authenticate = %q, want Basic challenge", challenge)
		}
	})

	t.Run("basic credentials", func(t *testing.T) {
		code, verifier := obtainCode(t, h, "tools:read")
		form := exchangeForm(code, verifier)
		form.Del("client_id")

		rec := tokenRequestBasic(t, h, form, testClientID, testClientSecret)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("basic credentials override form", func(t *testing.T) {
		code, verifier := obtainCode(t, h, "tools:read")
		form := exchangeForm(code, verifier)
		form.Set("client_secret", "wrong")

		rec := tokenRequestBasic(t, h, form, testClientID, testClientSecret)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}
	})
}

func TestServeToken_ResponseHeaders(t *testing.T) {
	h := setupTestHandler(t, &stubInvoker{}, nil)
	registerTestClient(t, h, "")

	code, verifier := obtainCode(t, h, "tools:read")
	rec := tokenRequest(t, h, exchangeForm(code, verifier))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
	if got := rec.Header().Get("Pragma"); got != "no-cache" {
		t.Errorf("Pragma = %q, want no-cache", got)
	}
}

func TestServeToken_CodeReplay(t *testing.T) {
	h := setupTestHandler(t, &stubInvoker{result: []byte(`{}`)}, nil)
	registerTestClient(t, h, "")

	code, verifier := obtainCode(t, h, "tools:read")
	form := exchangeForm(code, verifier)

	rec := tokenRequest(t, h, form)
	if rec.Code != http.StatusOK {
		t.Fatalf("first exchange status = %d, body %s", rec.Code, rec.Body.String())
	}
	var tokens TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &tokens); err != nil {
		t.Fatalf("unmarshal token response: %v", err)
	}

	replay := tokenRequest(t, h, form)
	if replay.Code != http.StatusBadRequest {
		t.Fatalf("replay status = %d, want %d", replay.Code, http.StatusBadRequest)
	}
	if got := decodeError(t, replay).Error; got != ErrorCodeInvalidGrant {
		t.Errorf("replay error = %q, want %q", got, ErrorCodeInvalidGrant)
	}

	// Replay revokes every access token issued to the client
	call := toolCall(t, h, tokens.AccessToken, `{"tool":"search"}`)
	if call.Code != http.StatusUnauthorized {
		t.Errorf("tool call with revoked token status = %d, want %d", call.Code, http.StatusUnauthorized)
	}
}

func TestServeToken_RefreshRotation(t *testing.T) {
	h := setupTestHandler(t, &stubInvoker{result: []byte(`{}`)}, nil)
	registerTestClient(t, h, "")

	tokens := obtainTokens(t, h, "tools:read tools:write")

	refreshForm := url.Values{
		"grant_type":    {grantTypeRefreshToken},
		"client_id":     {testClientID},
		"refresh_token": {tokens.RefreshToken},
	}

	rec := tokenRequest(t, h, refreshForm)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, body %s", rec.Code, rec.Body.String())
	}
	var refreshed TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &refreshed); err != nil {
		t.Fatalf("unmarshal refresh response: %v", err)
	}
	if refreshed.AccessToken == "" || refreshed.AccessToken == tokens.AccessToken {
		t.Error("refresh did not issue a fresh access token")
	}
	if refreshed.RefreshToken == "" || refreshed.RefreshToken == tokens.RefreshToken {
		t.Error("refresh did not rotate the refresh token")
	}

	// The consumed refresh token is gone
	replay := tokenRequest(t, h, refreshForm)
	if replay.Code != http.StatusBadRequest {
		t.Fatalf("rotated token replay status = %d, want %d", replay.Code, http.StatusBadRequest)
	}
	if got := decodeError(t, replay).Error; got != ErrorCodeInvalidGrant {
		t.Errorf("replay error = %q, want %q", got, ErrorCodeInvalidGrant)
	}

	call := toolCall(t, h, refreshed.AccessToken, `{"tool":"search"}`)
	if call.Code != http.StatusOK {
		t.Errorf("tool call with refreshed token status = %d, body %s", call.Code, call.Body.String())
	}
}

func TestServeToolCall_Errors(t *testing.T) {
	invoker := &stubInvoker{result: []byte(`{"ok":true}`)}
	h := setupTestHandler(t, invoker, nil)
	registerTestClient(t, h, "")

	tokens := obtainTokens(t, h, "tools:read tools:write")

	t.Run("missing token", func(t *testing.T) {
		rec := toolCall(t, h, "", `{"tool":"write"}`)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
		if got := decodeError(t, rec).Error; got != ErrorCodeInvalidToken {
			t.Errorf("error = %q, want %q", got, ErrorCodeInvalidToken)
		}
		challenge := rec.Header().Get("WWW-Authenticate")
		if !strings.Contains(challenge, `error="invalid_token"`) {
			t.Errorf("WWW-Authenticate = %q, want invalid_token challenge", challenge)
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		rec := toolCall(t, h, "garbage", `{"tool":"write"}`)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
		if got := decodeError(t, rec).Error; got != ErrorCodeInvalidToken {
			t.Errorf("error = %q, want %q", got, ErrorCodeInvalidToken)
		}
	})

	t.Run("lowercase scheme accepted", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, EndpointToolCall, strings.NewReader(`{"tool":"write"}`))
		req.Header.Set("Authorization", "bearer "+tokens.AccessToken)
		rec := httptest.NewRecorder()
		h.ServeToolCall(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, body %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		rec := toolCall(t, h, tokens.AccessToken, `{not json`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
		if got := decodeError(t, rec).Error; got != ErrorCodeInvalidRequest {
			t.Errorf("error = %q, want %q", got, ErrorCodeInvalidRequest)
		}
	})

	t.Run("missing tool name", func(t *testing.T) {
		rec := toolCall(t, h, tokens.AccessToken, `{"args":{"query":"x"}}`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
	})

	t.Run("invoker failure", func(t *testing.T) {
		invoker.setErr(errors.New("backend down"))
		defer invoker.setErr(nil)

		rec := toolCall(t, h, tokens.AccessToken, `{"tool":"write"}`)
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
		}
		if got := decodeError(t, rec).Error; got != ErrorCodeServerError {
			t.Errorf("error = %q, want %q", got, ErrorCodeServerError)
		}
	})
}

func TestServeToolCall_InsufficientScope(t *testing.T) {
	h := setupTestHandler(t, &stubInvoker{result: []byte(`{}`)}, nil)
	registerTestClient(t, h, "")

	tokens := obtainTokens(t, h, "tools:read")

	rec := toolCall(t, h, tokens.AccessToken, `{"tool":"write"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusForbidden, rec.Body.String())
	}
	if got := decodeError(t, rec).Error; got != ErrorCodeInsufficientScope {
		t.Errorf("error = %q, want %q", got, ErrorCodeInsufficientScope)
	}

	challenge := rec.Header().Get("WWW-Authenticate")
	if !strings.Contains(challenge, `scope="tools:write"`) {
		t.Errorf("WWW-Authenticate = %q, want required scope listed", challenge)
	}
	if !strings.Contains(challenge, `error="insufficient_scope"`) {
		t.Errorf("WWW-Authenticate = %q, want insufficient_scope", challenge)
	}
}

func TestServeToolCall_RateLimited(t *testing.T) {
	config := testConfig()
	config.RateLimit.Limit = 2

	h := setupTestHandler(t, &stubInvoker{result: []byte(`{}`)}, config)
	registerTestClient(t, h, "")

	tokens := obtainTokens(t, h, "tools:read tools:write")

	for i := 0; i < 2; i++ {
		rec := toolCall(t, h, tokens.AccessToken, `{"tool":"write"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("call %d status = %d, body %s", i+1, rec.Code, rec.Body.String())
		}
	}

	rec := toolCall(t, h, tokens.AccessToken, `{"tool":"write"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if got := decodeError(t, rec).Error; got != ErrorCodeRateLimitExceeded {
		t.Errorf("error = %q, want %q", got, ErrorCodeRateLimitExceeded)
	}

	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || retryAfter < 1 || retryAfter > 60 {
		t.Errorf("Retry-After = %q, want 1..60", rec.Header().Get("Retry-After"))
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "2" {
		t.Errorf("X-RateLimit-Limit = %q, want 2", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", got)
	}
	if reset, err := strconv.ParseInt(rec.Header().Get("X-RateLimit-Reset"), 10, 64); err != nil || reset <= 0 {
		t.Errorf("X-RateLimit-Reset = %q, want unix timestamp", rec.Header().Get("X-RateLimit-Reset"))
	}
}

func TestServeToolCall_CachedResponse(t *testing.T) {
	invoker := &stubInvoker{result: []byte(`{"cached":true}`)}
	h := setupTestHandler(t, invoker, nil)
	registerTestClient(t, h, "")

	tokens := obtainTokens(t, h, "tools:read")

	first := toolCall(t, h, tokens.AccessToken, `{"tool":"search","args":{"query":"x"}}`)
	if first.Code != http.StatusOK {
		t.Fatalf("first call status = %d, body %s", first.Code, first.Body.String())
	}
	second := toolCall(t, h, tokens.AccessToken, `{"tool":"search","args":{"query":"x"}}`)
	if second.Code != http.StatusOK {
		t.Fatalf("second call status = %d", second.Code)
	}
	if second.Body.String() != first.Body.String() {
		t.Errorf("cached body = %q, want %q", second.Body.String(), first.Body.String())
	}
	if invoker.callCount() != 1 {
		t.Errorf("invoker calls = %d, want 1 (second call served from cache)", invoker.callCount())
	}

	third := toolCall(t, h, tokens.AccessToken, `{"tool":"search","args":{"query":"y"}}`)
	if third.Code != http.StatusOK {
		t.Fatalf("third call status = %d", third.Code)
	}
	if invoker.callCount() != 2 {
		t.Errorf("invoker calls = %d, want 2 (different args miss the cache)", invoker.callCount())
	}
}

func TestServeMetadata(t *testing.T) {
	h := setupTestHandler(t, &stubInvoker{}, nil)

	req := httptest.NewRequest(http.MethodGet, EndpointMetadata, nil)
	rec := httptest.NewRecorder()
	h.ServeMetadata(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Cache-Control"); got != "public, max-age=3600" {
		t.Errorf("Cache-Control = %q, want public, max-age=3600", got)
	}

	var metadata AuthorizationServerMetadata
	if err := json.Unmarshal(rec.Body.Bytes(), &metadata); err != nil {
		t.Fatalf("unmarshal metadata: %v", err)
	}

	if metadata.Issuer != "https://gate.example.com" {
		t.Errorf("issuer = %q", metadata.Issuer)
	}
	if metadata.AuthorizationEndpoint != "https://gate.example.com/auth" {
		t.Errorf("authorization_endpoint = %q", metadata.AuthorizationEndpoint)
	}
	if metadata.TokenEndpoint != "https://gate.example.com/token" {
		t.Errorf("token_endpoint = %q", metadata.TokenEndpoint)
	}
	if len(metadata.ScopesSupported) != 2 {
		t.Errorf("scopes_supported = %v", metadata.ScopesSupported)
	}
	if len(metadata.ResponseTypesSupported) != 1 || metadata.ResponseTypesSupported[0] != "code" {
		t.Errorf("response_types_supported = %v, want [code]", metadata.ResponseTypesSupported)
	}
	if len(metadata.GrantTypesSupported) != 2 {
		t.Errorf("grant_types_supported = %v", metadata.GrantTypesSupported)
	}
	if len(metadata.CodeChallengeMethodsSupported) != 1 || metadata.CodeChallengeMethodsSupported[0] != "S256" {
		t.Errorf("code_challenge_methods_supported = %v, want [S256]", metadata.CodeChallengeMethodsSupported)
	}
	if len(metadata.TokenEndpointAuthMethodsSupported) != 3 {
		t.Errorf("token_endpoint_auth_methods_supported = %v", metadata.TokenEndpointAuthMethodsSupported)
	}
}

func TestServeMetadata_PlainAllowed(t *testing.T) {
	config := testConfig()
	config.Flows.AllowPKCEPlain = true

	h := setupTestHandler(t, &stubInvoker{}, config)

	rec := httptest.NewRecorder()
	h.ServeMetadata(rec, httptest.NewRequest(http.MethodGet, EndpointMetadata, nil))

	var metadata AuthorizationServerMetadata
	if err := json.Unmarshal(rec.Body.Bytes(), &metadata); err != nil {
		t.Fatalf("unmarshal metadata: %v", err)
	}
	if len(metadata.CodeChallengeMethodsSupported) != 2 {
		t.Fatalf("code_challenge_methods_supported = %v, want [S256 plain]", metadata.CodeChallengeMethodsSupported)
	}
	if metadata.CodeChallengeMethodsSupported[1] != "plain" {
		t.Errorf("code_challenge_methods_supported = %v, want plain listed", metadata.CodeChallengeMethodsSupported)
	}
}

func TestHandler_PreAuthThrottle(t *testing.T) {
	config := testConfig()
	config.Throttle = ThrottleConfig{Rate: 0.01, Burst: 2}

	h := setupTestHandler(t, &stubInvoker{}, config)

	// Burst of 2: the third request from the same source is rejected before
	// any parameter validation runs
	for i := 0; i < 2; i++ {
		rec := authorizeRequest(t, h, url.Values{})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("request %d status = %d, want %d", i+1, rec.Code, http.StatusBadRequest)
		}
	}

	rec := authorizeRequest(t, h, url.Values{})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want 1", got)
	}
	if got := decodeError(t, rec).Error; got != ErrorCodeRateLimitExceeded {
		t.Errorf("error = %q, want %q", got, ErrorCodeRateLimitExceeded)
	}
}

func TestHandler_Routes(t *testing.T) {
	h := setupTestHandler(t, &stubInvoker{}, nil)
	routes := h.Routes()

	t.Run("security headers and request ID", func(t *testing.T) {
		rec := httptest.NewRecorder()
		routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, EndpointMetadata, nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if rec.Header().Get("X-Request-ID") == "" {
			t.Error("missing X-Request-ID")
		}
		if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
			t.Errorf("X-Frame-Options = %q, want DENY", got)
		}
		if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
			t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
		}
		if got := rec.Header().Get("Referrer-Policy"); got != "no-referrer" {
			t.Errorf("Referrer-Policy = %q, want no-referrer", got)
		}
		if got := rec.Header().Get("Strict-Transport-Security"); got != "max-age=31536000; includeSubDomains" {
			t.Errorf("Strict-Transport-Security = %q", got)
		}
		// The metadata handler overrides the middleware's no-store directive
		if got := rec.Header().Get("Cache-Control"); got != "public, max-age=3600" {
			t.Errorf("Cache-Control = %q, want public, max-age=3600", got)
		}
	})

	t.Run("upstream request ID echoed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, EndpointMetadata, nil)
		req.Header.Set("X-Request-ID", "req-12345")
		rec := httptest.NewRecorder()
		routes.ServeHTTP(rec, req)

		if got := rec.Header().Get("X-Request-ID"); got != "req-12345" {
			t.Errorf("X-Request-ID = %q, want req-12345", got)
		}
	})

	t.Run("malformed request ID replaced", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, EndpointMetadata, nil)
		req.Header.Set("X-Request-ID", "bad id\r\nwith newline")
		rec := httptest.NewRecorder()
		routes.ServeHTTP(rec, req)

		got := rec.Header().Get("X-Request-ID")
		if got == "" || strings.Contains(got, " ") {
			t.Errorf("X-Request-ID = %q, want freshly minted ID", got)
		}
	})

	t.Run("unknown path", func(t *testing.T) {
		rec := httptest.NewRecorder()
		routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
		}
	})
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name      string
		header    string
		wantToken string
		wantOK    bool
	}{
		{"missing header", "", "", false},
		{"basic scheme", "Basic dXNlcjpwYXNz", "", false},
		{"bare scheme", "Bearer", "", false},
		{"empty token", "Bearer ", "", false},
		{"standard", "Bearer tok-123", "tok-123", true},
		{"lowercase scheme", "bearer tok-123", "tok-123", true},
		{"uppercase scheme", "BEARER tok-123", "tok-123", true},
		{"padded token", "Bearer   tok-123", "tok-123", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, EndpointToolCall, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			token, ok := bearerToken(req)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if token != tt.wantToken {
				t.Errorf("token = %q, want %q", token, tt.wantToken)
			}
		})
	}
}

func TestFormatWWWAuthenticate(t *testing.T) {
	tests := []struct {
		name        string
		errCode     string
		description string
		scopes      []string
		want        string
	}{
		{
			name: "bare challenge",
			want: "Bearer",
		},
		{
			name:    "error only",
			errCode: "invalid_token",
			want:    `Bearer error="invalid_token"`,
		},
		{
			name:        "error with description",
			errCode:     "invalid_token",
			description: "Token expired",
			want:        `Bearer error="invalid_token", error_description="Token expired"`,
		},
		{
			name:        "description with quotes escaped",
			errCode:     "invalid_token",
			description: `bad "token"`,
			want:        `Bearer error="invalid_token", error_description="bad \"token\""`,
		},
		{
			name:        "scope listed first",
			errCode:     "insufficient_scope",
			description: "need more",
			scopes:      []string{"tools:read", "tools:write"},
			want:        `Bearer scope="tools:read tools:write", error="insufficient_scope", error_description="need more"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatWWWAuthenticate(tt.errCode, tt.description, tt.scopes); got != tt.want {
				t.Errorf("formatWWWAuthenticate() = %q, want %q", got, tt.want)
			}
		})
	}
}
