package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gatewise/toolgate/internal/util"
	"github.com/gatewise/toolgate/pkce"
	"github.com/gatewise/toolgate/security"
	"github.com/gatewise/toolgate/storage"
)

// AuthorizeRequest carries the parameters of one authorize-endpoint call.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	Scope               string // space-separated requested scopes
	State               string
	CodeChallenge       string
	CodeChallengeMethod string

	// ClientIP is used for audit logging only.
	ClientIP string
}

// AuthorizeResult is a successfully issued authorization code together with
// where to send the client.
type AuthorizeResult struct {
	Code        string
	State       string
	RedirectURI string
}

// RedirectURL builds the redirect target carrying the code and the original
// state, preserving any query parameters the registered URI already has.
func (r *AuthorizeResult) RedirectURL() (string, error) {
	target, err := url.Parse(r.RedirectURI)
	if err != nil {
		return "", fmt.Errorf("invalid redirect URI: %w", err)
	}

	query := target.Query()
	query.Set("code", r.Code)
	query.Set("state", r.State)
	target.RawQuery = query.Encode()

	return target.String(), nil
}

// ExchangeRequest carries the parameters of an authorization_code token call.
type ExchangeRequest struct {
	Code         string
	CodeVerifier string
	ClientID     string
	RedirectURI  string
	ClientIP     string
}

// RefreshRequest carries the parameters of a refresh_token token call.
type RefreshRequest struct {
	RefreshToken string
	ClientID     string
	ClientIP     string
}

// TokenPair is an issued access/refresh token pair.
type TokenPair struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64 // seconds until the access token expires
	RefreshToken string
	Scope        string
}

// Principal identifies the authenticated caller behind a validated bearer
// token.
type Principal struct {
	ClientID string
	Scopes   []string
}

// HasScope reports whether the principal holds the given scope.
func (p *Principal) HasScope(scope string) bool {
	return containsScope(p.Scopes, scope)
}

// Authorize validates an authorization request and issues a single-use code.
// No state is persisted on any validation failure.
func (s *Server) Authorize(ctx context.Context, req *AuthorizeRequest) (*AuthorizeResult, error) {
	ctx, span := s.startSpan(ctx, "authorize")
	defer span.End()

	// Validate client
	client, err := s.store.GetClient(ctx, req.ClientID)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(req.ClientID, req.ClientIP, ErrorCodeInvalidClient)
		}
		s.recordAuthFailure(ctx, "unknown_client")
		return nil, flowError(ErrorCodeInvalidClient, "unknown client")
	}

	// Validate redirect URI before anything else; errors may only be
	// delivered by redirect once the URI is known to be registered
	if err := s.validateRedirectURI(client, req.RedirectURI); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(req.ClientID, req.ClientIP, "invalid_redirect_uri")
		}
		s.recordAuthFailure(ctx, "invalid_redirect_uri")
		return nil, flowError(ErrorCodeInvalidRequest, err.Error())
	}

	// CRITICAL SECURITY: Require state parameter from client for CSRF protection
	if err := s.validateStateParameter(req.State); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(req.ClientID, req.ClientIP, "invalid_state_parameter")
		}
		s.recordAuthFailure(ctx, "invalid_state_parameter")
		return nil, redirectableError(ErrorCodeInvalidRequest, err.Error())
	}

	// PKCE validation (secure by default, configurable for backward compatibility)
	if err := s.validateChallenge(req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(req.ClientID, req.ClientIP, "invalid_pkce_parameters")
		}
		s.recordAuthFailure(ctx, "invalid_pkce_parameters")
		return nil, redirectableError(ErrorCodeInvalidRequest, err.Error())
	}

	// Validate scopes against the server's and the client's allowed sets
	if err := s.validateScopes(req.Scope); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(req.ClientID, req.ClientIP, fmt.Sprintf("%s: %v", ErrorCodeInvalidScope, err))
		}
		s.recordAuthFailure(ctx, "unsupported_scope")
		return nil, redirectableError(ErrorCodeInvalidScope, err.Error())
	}
	if err := s.validateClientScopes(req.Scope, client.Scopes); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(req.ClientID, req.ClientIP, fmt.Sprintf("%s: %v", ErrorCodeInvalidScope, err))
		}
		s.recordAuthFailure(ctx, "scope_not_allowed_for_client")
		return nil, redirectableError(ErrorCodeInvalidScope, err.Error())
	}

	// Generate authorization code using oauth2.GenerateVerifier (same quality)
	code := generateRandomToken()
	now := time.Now()

	authCode := &storage.AuthorizationCode{
		Code:                code,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(time.Duration(s.Config.AuthorizationCodeTTL) * time.Second),
	}
	if err := s.store.SaveAuthorizationCode(ctx, authCode); err != nil {
		return nil, fmt.Errorf("failed to save authorization code: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      "authorization_code_issued",
			ClientID:  req.ClientID,
			IPAddress: req.ClientIP,
			Details: map[string]any{
				"scope":                 req.Scope,
				"code_challenge_method": req.CodeChallengeMethod,
			},
		})
	}
	if m := s.metrics(); m != nil {
		m.RecordAuthorizationGranted(ctx, req.ClientID)
	}

	s.Logger.Debug("Issued authorization code",
		"code_prefix", util.SafeTruncate(code, tokenLogLength),
		"client_id", req.ClientID)

	return &AuthorizeResult{
		Code:        code,
		State:       req.State,
		RedirectURI: req.RedirectURI,
	}, nil
}

// ExchangeCode exchanges an authorization code for a token pair.
//
// The code is atomically marked used before anything else, so exactly one of
// any number of concurrent exchanges can succeed. A code presented after it
// was already consumed is treated as an interception attack: every access
// token issued to the client is revoked and a generic invalid_grant is
// returned.
func (s *Server) ExchangeCode(ctx context.Context, req *ExchangeRequest) (*TokenPair, error) {
	ctx, span := s.startSpan(ctx, "exchange_code")
	defer span.End()

	authCode, err := s.store.AtomicCheckAndMarkCodeUsed(ctx, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrCodeUsed) && authCode != nil {
			return nil, s.handleCodeReuse(ctx, authCode, req.ClientIP)
		}

		// Not found or expired. Log the real reason, return a generic error
		// per RFC 6749 so callers cannot probe which it was
		s.Logger.Debug("Authorization code validation failed",
			"reason", err.Error(),
			"client_id", req.ClientID,
			"code_prefix", util.SafeTruncate(req.Code, tokenLogLength))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(req.ClientID, req.ClientIP, "invalid_authorization_code")
		}
		s.recordAuthFailure(ctx, "invalid_authorization_code")
		return nil, flowError(ErrorCodeInvalidGrant, "invalid grant")
	}

	// The code is consumed from here on; a failure below burns it rather
	// than handing an attacker a second attempt

	if authCode.ClientID != req.ClientID {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "client_id mismatch",
			"client_id", req.ClientID,
			"code_prefix", util.SafeTruncate(req.Code, tokenLogLength))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(req.ClientID, req.ClientIP, "authorization_code_client_mismatch")
		}
		s.recordAuthFailure(ctx, "authorization_code_client_mismatch")
		return nil, flowError(ErrorCodeInvalidGrant, "invalid grant")
	}

	if authCode.RedirectURI != req.RedirectURI {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "redirect_uri mismatch",
			"client_id", req.ClientID,
			"code_prefix", util.SafeTruncate(req.Code, tokenLogLength))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(req.ClientID, req.ClientIP, "authorization_code_redirect_mismatch")
		}
		s.recordAuthFailure(ctx, "authorization_code_redirect_mismatch")
		return nil, flowError(ErrorCodeInvalidGrant, "invalid grant")
	}

	if authCode.CodeChallenge != "" {
		if err := s.verifyPKCE(ctx, authCode, req.CodeVerifier, req.ClientIP); err != nil {
			return nil, err
		}
	}

	// Scope the tokens to the intersection of what the code granted and what
	// the client may hold now; the client's grants can have been narrowed
	// between authorize and exchange
	client, err := s.store.GetClient(ctx, authCode.ClientID)
	if err != nil {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "client no longer registered",
			"client_id", req.ClientID)
		s.recordAuthFailure(ctx, "unknown_client")
		return nil, flowError(ErrorCodeInvalidGrant, "invalid grant")
	}
	grantedScope := intersectScopes(authCode.Scope, client.Scopes)

	pair, err := s.issueTokens(ctx, authCode.ClientID, grantedScope)
	if err != nil {
		return nil, err
	}

	// The used code is kept in the store so a replay is recognized as reuse
	// rather than not-found; expiry cleanup removes it

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(authCode.ClientID, req.ClientIP, grantedScope)
	}
	if m := s.metrics(); m != nil {
		m.RecordCodeExchange(ctx, authCode.ClientID, authCode.CodeChallengeMethod)
	}

	s.Logger.Info("Authorization code exchanged",
		"client_id", authCode.ClientID,
		"scope", grantedScope)

	return pair, nil
}

// handleCodeReuse responds to a replayed authorization code: all access
// tokens issued to the client are revoked and the code is removed.
func (s *Server) handleCodeReuse(ctx context.Context, authCode *storage.AuthorizationCode, clientIP string) error {
	s.Logger.Error("Authorization code reuse detected - revoking all tokens for client",
		"client_id", authCode.ClientID,
		"code_prefix", util.SafeTruncate(authCode.Code, tokenLogLength))

	revoked, err := s.store.DeleteAccessTokensForClient(ctx, authCode.ClientID)
	if err != nil {
		s.Logger.Error("Failed to revoke tokens after code reuse",
			"error", err,
			"client_id", authCode.ClientID)
	}

	if err := s.store.DeleteAuthorizationCode(ctx, authCode.Code); err != nil {
		s.Logger.Warn("Failed to delete reused authorization code", "error", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogCodeReuse(authCode.ClientID, clientIP, revoked)
	}
	if m := s.metrics(); m != nil {
		m.RecordCodeReuseDetected(ctx)
		if revoked > 0 {
			m.RecordTokenRevocation(ctx, authCode.ClientID, revoked)
		}
	}

	// Return generic error per RFC 6749 (don't reveal security details to attacker)
	return flowError(ErrorCodeInvalidGrant, "invalid grant")
}

// verifyPKCE validates the presented code verifier against the challenge
// bound to the authorization code.
func (s *Server) verifyPKCE(ctx context.Context, authCode *storage.AuthorizationCode, verifier, clientIP string) error {
	method := authCode.CodeChallengeMethod

	// Policy may have been tightened since the code was issued
	if method == pkce.MethodPlain && !s.Config.AllowPKCEPlain {
		s.Logger.Warn("Rejecting 'plain' PKCE challenge issued before policy change",
			"client_id", authCode.ClientID)
		s.recordAuthFailure(ctx, "plain_pkce_not_allowed")
		return flowError(ErrorCodeInvalidGrant, "invalid grant")
	}

	if verifier == "" {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(authCode.ClientID, clientIP, "missing_code_verifier")
		}
		s.recordAuthFailure(ctx, "missing_code_verifier")
		return flowError(ErrorCodeInvalidGrant, "invalid grant")
	}

	if !pkce.Verify(verifier, authCode.CodeChallenge, method) {
		s.Logger.Debug("PKCE verification failed",
			"client_id", authCode.ClientID,
			"method", method)
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(authCode.ClientID, clientIP, "pkce_verification_failed")
		}
		if m := s.metrics(); m != nil {
			m.RecordPKCEValidationFailed(ctx, method)
		}
		s.recordAuthFailure(ctx, "pkce_verification_failed")
		return flowError(ErrorCodeInvalidGrant, "invalid grant")
	}

	return nil
}

// Refresh rotates a refresh token: the presented token is atomically
// consumed and a fresh pair is issued. Exactly one of any number of
// concurrent refreshes with the same token can succeed.
func (s *Server) Refresh(ctx context.Context, req *RefreshRequest) (*TokenPair, error) {
	ctx, span := s.startSpan(ctx, "refresh")
	defer span.End()

	refreshToken, err := s.store.AtomicGetAndDeleteRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrRefreshTokenNotFound) {
			// Either never issued or already rotated. A rotated token
			// showing up again is the reuse signature rotation exists to
			// catch, so it is logged as such with a correlatable hash
			s.Logger.Warn("Refresh token not found - possible reuse of rotated token",
				"client_id", req.ClientID,
				"token_hash", security.HashForLogging(req.RefreshToken))
			if s.Auditor != nil {
				s.Auditor.LogRefreshReuse(req.ClientID, req.ClientIP, req.RefreshToken)
			}
			if m := s.metrics(); m != nil {
				m.RecordTokenReuseDetected(ctx)
			}
			return nil, flowError(ErrorCodeInvalidGrant, "invalid grant")
		}

		s.Logger.Debug("Refresh token validation failed",
			"reason", err.Error(),
			"client_id", req.ClientID,
			"token_prefix", util.SafeTruncate(req.RefreshToken, tokenLogLength))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(req.ClientID, req.ClientIP, "invalid_refresh_token")
		}
		s.recordAuthFailure(ctx, "invalid_refresh_token")
		return nil, flowError(ErrorCodeInvalidGrant, "invalid grant")
	}

	// The old token is consumed from here on; a mismatch below burns it
	// rather than restoring it

	if refreshToken.ClientID != req.ClientID {
		s.Logger.Debug("Refresh token validation failed",
			"reason", "client_id mismatch",
			"client_id", req.ClientID,
			"token_prefix", util.SafeTruncate(req.RefreshToken, tokenLogLength))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(req.ClientID, req.ClientIP, "refresh_token_client_mismatch")
		}
		s.recordAuthFailure(ctx, "refresh_token_client_mismatch")
		return nil, flowError(ErrorCodeInvalidGrant, "invalid grant")
	}

	pair, err := s.issueTokens(ctx, refreshToken.ClientID, refreshToken.Scope)
	if err != nil {
		return nil, err
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(refreshToken.ClientID, req.ClientIP)
	}
	if m := s.metrics(); m != nil {
		m.RecordTokenRefresh(ctx, refreshToken.ClientID)
	}

	s.Logger.Info("Refresh token rotated", "client_id", refreshToken.ClientID)

	return pair, nil
}

// ValidateBearer validates a bearer token and checks it covers the required
// scopes. Read-only; safe to call concurrently from many requests.
func (s *Server) ValidateBearer(ctx context.Context, token string, requiredScopes []string) (*Principal, error) {
	ctx, span := s.startSpan(ctx, "validate_bearer")
	defer span.End()

	if token == "" {
		s.recordAuthFailure(ctx, "missing_token")
		return nil, &AuthenticationError{Reason: "missing bearer token"}
	}

	accessToken, err := s.store.GetAccessToken(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrTokenExpired) {
			if s.Auditor != nil {
				s.Auditor.LogAuthFailure("", "", "token_expired")
			}
			s.recordAuthFailure(ctx, "token_expired")
			return nil, &AuthenticationError{Reason: "token expired"}
		}
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", "", "unknown_token")
		}
		s.recordAuthFailure(ctx, "unknown_token")
		return nil, &AuthenticationError{Reason: "unknown token"}
	}

	// Re-check expiry with the configured grace; the store applies its own
	// default which may differ
	grace := time.Duration(s.Config.ClockSkewGracePeriod) * time.Second
	if security.IsExpiredWithGrace(accessToken.ExpiresAt, grace) {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(accessToken.ClientID, "", "token_expired")
		}
		s.recordAuthFailure(ctx, "token_expired")
		return nil, &AuthenticationError{Reason: "token expired"}
	}

	tokenScopes := strings.Fields(accessToken.Scope)
	for _, required := range requiredScopes {
		if !containsScope(tokenScopes, required) {
			if s.Auditor != nil {
				s.Auditor.LogAuthFailure(accessToken.ClientID, "", "insufficient_scope")
			}
			s.recordAuthFailure(ctx, "insufficient_scope")
			return nil, &AuthorizationError{RequiredScopes: requiredScopes}
		}
	}

	return &Principal{
		ClientID: accessToken.ClientID,
		Scopes:   tokenScopes,
	}, nil
}

// issueTokens creates and persists a fresh access/refresh pair for a client.
func (s *Server) issueTokens(ctx context.Context, clientID, scope string) (*TokenPair, error) {
	now := time.Now()

	accessToken := &storage.AccessToken{
		Token:     generateRandomToken(),
		ClientID:  clientID,
		Scope:     scope,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Duration(s.Config.AccessTokenTTL) * time.Second),
	}
	if err := s.store.SaveAccessToken(ctx, accessToken); err != nil {
		return nil, fmt.Errorf("failed to save access token: %w", err)
	}

	refreshToken := &storage.RefreshToken{
		Token:     generateRandomToken(),
		ClientID:  clientID,
		Scope:     scope,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Duration(s.Config.RefreshTokenTTL) * time.Second),
	}
	if err := s.store.SaveRefreshToken(ctx, refreshToken); err != nil {
		// Do not leave a half-issued pair behind
		_ = s.store.DeleteAccessToken(ctx, accessToken.Token)
		return nil, fmt.Errorf("failed to save refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  accessToken.Token,
		TokenType:    "Bearer",
		ExpiresIn:    s.Config.AccessTokenTTL,
		RefreshToken: refreshToken.Token,
		Scope:        scope,
	}, nil
}
