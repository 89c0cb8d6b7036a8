package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor emits security events through the structured logger. Bearer tokens
// and codes are never logged whole; identifiers that could be replayed are
// hashed first.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates an auditor. A nil logger falls back to slog.Default().
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event is one security-relevant occurrence.
type Event struct {
	Type      string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent records an event if auditing is enabled.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued records a successful code exchange.
func (a *Auditor) LogTokenIssued(clientID, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:      "token_issued",
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogTokenRefreshed records a refresh token rotation.
func (a *Auditor) LogTokenRefreshed(clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      "token_refreshed",
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"rotated": true,
		},
	})
}

// LogCodeReuse records an authorization code replay attempt. tokensRevoked is
// how many outstanding access tokens were revoked in response.
func (a *Auditor) LogCodeReuse(clientID, ipAddress string, tokensRevoked int) {
	a.LogEvent(Event{
		Type:      "authorization_code_reuse",
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"tokens_revoked": tokensRevoked,
		},
	})
}

// LogRefreshReuse records a replayed (already rotated) refresh token.
func (a *Auditor) LogRefreshReuse(clientID, ipAddress string, tokenPrefix string) {
	a.LogEvent(Event{
		Type:      "refresh_token_reuse",
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"token_hash": HashForLogging(tokenPrefix),
		},
	})
}

// LogAuthFailure records a failed bearer validation or client authentication.
func (a *Auditor) LogAuthFailure(clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      "auth_failure",
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded records a denied request.
func (a *Auditor) LogRateLimitExceeded(identifier, ipAddress string, limit int) {
	a.LogEvent(Event{
		Type:      "rate_limit_exceeded",
		ClientID:  identifier,
		IPAddress: ipAddress,
		Details: map[string]any{
			"limit": limit,
		},
	})
}

// HashForLogging returns a short SHA-256 digest of a sensitive value so log
// lines can be correlated without becoming replayable.
func HashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
