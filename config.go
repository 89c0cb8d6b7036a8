package toolgate

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gatewise/toolgate/cache"
	"github.com/gatewise/toolgate/gateway"
	"github.com/gatewise/toolgate/instrumentation"
	"github.com/gatewise/toolgate/ratelimit"
	"github.com/gatewise/toolgate/server"
	"github.com/gatewise/toolgate/storage"
)

// Defaults applied by NewHandler when the corresponding field is zero.
const (
	// DefaultCleanupInterval is how often the built-in store sweeps expired
	// credentials.
	DefaultCleanupInterval = time.Minute

	// DefaultRateLimitWindow is the dispatch limiter window.
	DefaultRateLimitWindow = time.Minute

	// DefaultCacheEntries bounds the in-process response cache.
	DefaultCacheEntries = 1024
)

// Cache eviction disciplines.
const (
	EvictionLRU  = "lru"
	EvictionFIFO = "fifo"
)

// Config holds the gateway configuration
// Structured using composition: each section maps onto one component
type Config struct {
	// Issuer is the server's issuer identifier (base URL). Required.
	Issuer string

	// SupportedScopes lists the scopes clients may request.
	// If empty, all scopes are allowed.
	SupportedScopes []string

	// Flows holds authorization flow settings (TTLs, PKCE policy).
	Flows FlowConfig

	// RateLimit holds the per-client dispatch limiter settings.
	RateLimit RateLimitConfig

	// Cache holds the tool response cache settings.
	Cache CacheConfig

	// Tools maps tool names to dispatch policies. Tools absent from the
	// map use DefaultPolicy.
	Tools map[string]gateway.CallPolicy

	// DefaultPolicy applies to tools without an entry in Tools. The zero
	// value requires no scopes and caches nothing.
	DefaultPolicy gateway.CallPolicy

	// Throttle holds the pre-auth per-IP throttle settings for the
	// authorize and token endpoints.
	Throttle ThrottleConfig

	// Security holds proxy trust and audit settings (secure by default).
	Security SecurityConfig

	// Instrumentation enables OpenTelemetry metrics and tracing. Disabled
	// means no-op providers with zero overhead.
	Instrumentation instrumentation.Config

	// Store overrides the built-in in-memory store. Required for
	// multi-instance deployments where credentials must be shared.
	Store storage.Store

	// CleanupInterval is how often the built-in store sweeps expired
	// credentials. Default: 1 minute.
	CleanupInterval time.Duration

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// FlowConfig holds authorization flow settings. Zero values take the secure
// defaults the server package applies.
type FlowConfig struct {
	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 86400 (24 hours)

	// RequirePKCE enforces PKCE for all authorization requests
	// Default: true
	RequirePKCE bool

	// AllowPKCEPlain allows the 'plain' code_challenge_method
	// WARNING: insecure, only for backward compatibility
	// Default: false
	AllowPKCEPlain bool

	// ClockSkewGracePeriod is the grace period for expiry checks
	// Default: 5 seconds
	ClockSkewGracePeriod int64 // seconds

	// MinStateLength is the minimum accepted state parameter length
	// Default: 32
	MinStateLength int
}

// RateLimitConfig holds the per-client dispatch limiter settings.
type RateLimitConfig struct {
	// Limit is the number of dispatches admitted per client per window.
	// Zero disables rate limiting.
	Limit int

	// Window is the fixed window length. Default: 1 minute.
	Window time.Duration

	// Store is an optional shared counting backend (valkeywindow.Store).
	// Leave nil for the in-process store, which is correct only for
	// single-instance deployments.
	Store ratelimit.Store

	// FailurePolicy decides what backend errors mean and is required when
	// Store is set: FailOpen admits the request, FailClosed denies it.
	FailurePolicy ratelimit.FailurePolicy
}

// CacheConfig holds the tool response cache settings.
type CacheConfig struct {
	// MaxEntries bounds the in-process cache. Default: 1024.
	MaxEntries int

	// Eviction selects the discipline, EvictionLRU or EvictionFIFO.
	// Default: EvictionLRU.
	Eviction string

	// Backend overrides the in-process cache with a caller-provided one
	// (valkeycache.Store for shared deployments).
	Backend cache.Cache

	// Disabled turns response caching off even for cacheable tools.
	Disabled bool
}

// ThrottleConfig holds the pre-auth per-IP throttle settings.
type ThrottleConfig struct {
	// Rate is requests per second allowed per IP. Zero takes the default.
	Rate float64

	// Burst is the short burst tolerated per IP. Zero takes the default.
	Burst int

	// MaxSources bounds the tracked addresses. Zero takes the default.
	MaxSources int

	// Disabled turns the throttle off.
	Disabled bool
}

// SecurityConfig holds proxy trust and audit settings (secure by default)
type SecurityConfig struct {
	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable behind a trusted reverse proxy
	// Default: false
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this
	// server. Default: 1.
	TrustedProxyCount int

	// AllowInsecureHTTP allows a plain-HTTP issuer outside localhost
	// WARNING: exposes every credential to interception
	// Default: false
	AllowInsecureHTTP bool

	// EnableAuditLogging enables the hashed-identifier security event log.
	EnableAuditLogging bool
}

// Validate checks the parts of the configuration the root package owns.
// Component settings are validated by their packages at construction.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	switch c.Cache.Eviction {
	case "", EvictionLRU, EvictionFIFO:
	default:
		return fmt.Errorf("unknown cache eviction discipline: %q", c.Cache.Eviction)
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache MaxEntries must not be negative, got %d", c.Cache.MaxEntries)
	}
	if c.RateLimit.Limit < 0 {
		return fmt.Errorf("rate limit must not be negative, got %d", c.RateLimit.Limit)
	}
	if c.RateLimit.Window < 0 {
		return fmt.Errorf("rate limit window must not be negative, got %s", c.RateLimit.Window)
	}
	return nil
}

// applyDefaults fills zero values the root package owns. Flow settings keep
// their zeros here; the server package applies its own secure defaults.
func (c *Config) applyDefaults() {
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = DefaultRateLimitWindow
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = DefaultCacheEntries
	}
	if c.Cache.Eviction == "" {
		c.Cache.Eviction = EvictionLRU
	}
	if c.Security.TrustedProxyCount == 0 {
		c.Security.TrustedProxyCount = 1
	}
}

// flowServerConfig maps the root sections onto the server package config.
func (c *Config) flowServerConfig() *server.Config {
	return &server.Config{
		Issuer:               c.Issuer,
		SupportedScopes:      c.SupportedScopes,
		AuthorizationCodeTTL: c.Flows.AuthorizationCodeTTL,
		AccessTokenTTL:       c.Flows.AccessTokenTTL,
		RefreshTokenTTL:      c.Flows.RefreshTokenTTL,
		RequirePKCE:          c.Flows.RequirePKCE,
		AllowPKCEPlain:       c.Flows.AllowPKCEPlain,
		ClockSkewGracePeriod: c.Flows.ClockSkewGracePeriod,
		MinStateLength:       c.Flows.MinStateLength,
		TrustProxy:           c.Security.TrustProxy,
		TrustedProxyCount:    c.Security.TrustedProxyCount,
		AllowInsecureHTTP:    c.Security.AllowInsecureHTTP,
	}
}
