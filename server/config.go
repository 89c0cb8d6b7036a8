package server

import (
	"fmt"
	"log/slog"
	"net/url"
)

// Config holds authorization server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 86400 (24 hours)

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy (nginx, HAProxy, etc.)
	// When false, uses direct connection IP (secure by default)
	// Default: false
	TrustProxy bool // default: false

	// TrustedProxyCount is the number of trusted proxies in front of this server
	// Used with TrustProxy to correctly extract client IP from X-Forwarded-For
	// Example: If you have 2 proxies (CloudFlare + nginx), set this to 2
	// Default: 1
	TrustedProxyCount int // default: 1

	// ClockSkewGracePeriod is the grace period for token expiration checks (in seconds)
	// This prevents false expiration errors due to time synchronization issues
	// Default: 5 seconds
	ClockSkewGracePeriod int64 // seconds, default: 5

	// MinStateLength is the minimum accepted length of the state parameter
	// Short state values weaken CSRF protection and are brute-forceable
	// Default: 32 (192 bits of base64 entropy)
	MinStateLength int // default: 32

	// SupportedScopes lists the scopes that are allowed for clients
	// If empty, all scopes are allowed
	SupportedScopes []string

	// AllowPKCEPlain allows the 'plain' code_challenge_method (NOT RECOMMENDED)
	// WARNING: The 'plain' method is insecure and deprecated in OAuth 2.1
	// Only enable for backward compatibility with legacy clients
	// When false, only S256 method is accepted (secure by default)
	// Default: false
	AllowPKCEPlain bool // default: false

	// RequirePKCE enforces PKCE for all authorization requests
	// WARNING: Disabling this significantly weakens security
	// Only disable for backward compatibility with very old clients
	// When true, code_challenge parameter is mandatory (secure by default)
	// Default: true
	RequirePKCE bool // default: true

	// AllowInsecureHTTP allows the issuer to use plain HTTP outside localhost
	// WARNING: OAuth over HTTP exposes every credential to interception
	// Default: false (HTTPS enforced for non-loopback issuers)
	AllowInsecureHTTP bool // default: false
}

// Validate checks the configuration for values that can never be correct.
// Zero values are not errors; they are replaced by defaults at construction.
func (c *Config) Validate() error {
	if c.AuthorizationCodeTTL < 0 {
		return fmt.Errorf("AuthorizationCodeTTL must not be negative, got %d", c.AuthorizationCodeTTL)
	}
	if c.AccessTokenTTL < 0 {
		return fmt.Errorf("AccessTokenTTL must not be negative, got %d", c.AccessTokenTTL)
	}
	if c.RefreshTokenTTL < 0 {
		return fmt.Errorf("RefreshTokenTTL must not be negative, got %d", c.RefreshTokenTTL)
	}
	if c.ClockSkewGracePeriod < 0 {
		return fmt.Errorf("ClockSkewGracePeriod must not be negative, got %d", c.ClockSkewGracePeriod)
	}
	if c.MinStateLength < 0 {
		return fmt.Errorf("MinStateLength must not be negative, got %d", c.MinStateLength)
	}
	if c.TrustedProxyCount < 0 {
		return fmt.Errorf("TrustedProxyCount must not be negative, got %d", c.TrustedProxyCount)
	}
	if c.Issuer != "" {
		issuerURL, err := url.Parse(c.Issuer)
		if err != nil {
			return fmt.Errorf("invalid issuer URL: %w", err)
		}
		if issuerURL.Scheme != "http" && issuerURL.Scheme != "https" {
			return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
		}
	}
	return nil
}

// applySecureDefaults applies secure-by-default configuration values
// This follows the principle: secure by default, opt-in for less secure options
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	// Apply time-based defaults
	applyTimeDefaults(config)

	// Apply security defaults and log warnings for insecure settings
	applySecurityDefaults(config, logger)

	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600 // 10 minutes
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 86400 // 24 hours
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = 5
	}
	if config.MinStateLength == 0 {
		config.MinStateLength = 32
	}
}

// applySecurityDefaults sets secure defaults for security-related configuration
// Uses a heuristic to detect if config is new (all security bools false) vs explicitly configured
func applySecurityDefaults(config *Config, logger *slog.Logger) {
	// Heuristic: if all security bools are false, it's likely a fresh config
	isDefaultConfig := !config.RequirePKCE &&
		!config.AllowPKCEPlain &&
		!config.TrustProxy &&
		!config.AllowInsecureHTTP

	if isDefaultConfig {
		// Apply secure defaults for fresh config
		config.RequirePKCE = true
		config.AllowPKCEPlain = false
		config.TrustProxy = false
		return
	}

	// User has explicitly configured security - log warnings for insecure settings
	logSecurityWarnings(config, logger)
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if !config.RequirePKCE {
		logger.Warn("⚠️  SECURITY WARNING: PKCE is DISABLED",
			"risk", "Authorization code interception attacks",
			"recommendation", "Set RequirePKCE=true for OAuth 2.1 compliance",
			"learn_more", "https://datatracker.ietf.org/doc/html/draft-ietf-oauth-v2-1-10#section-7.6")
	}
	if config.AllowPKCEPlain {
		logger.Warn("⚠️  SECURITY WARNING: Plain PKCE method is ALLOWED",
			"risk", "Weak code challenge protection",
			"recommendation", "Set AllowPKCEPlain=false to require S256",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636#section-4.2")
	}
	if config.TrustProxy {
		logger.Warn("⚠️  SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"recommendation", "Only enable behind trusted reverse proxies",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
	if config.AllowInsecureHTTP {
		logger.Warn("⚠️  SECURITY WARNING: Insecure HTTP is ALLOWED",
			"risk", "Tokens and credentials exposed to network interception",
			"recommendation", "Set AllowInsecureHTTP=false and serve over HTTPS")
	}
}
