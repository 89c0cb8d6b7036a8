package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/gatewise/toolgate/cache"
	"github.com/gatewise/toolgate/instrumentation"
	"github.com/gatewise/toolgate/ratelimit"
	"github.com/gatewise/toolgate/security"
	"github.com/gatewise/toolgate/server"
)

// DefaultCacheTTL is applied to cacheable policies that do not set their own.
const DefaultCacheTTL = 5 * time.Minute

// Authenticator validates bearer tokens. *server.Server satisfies it.
type Authenticator interface {
	ValidateBearer(ctx context.Context, token string, requiredScopes []string) (*server.Principal, error)
}

// Invoker executes one tool call against the backend. Implementations decide
// what a tool name means; the dispatcher treats results as opaque bytes.
type Invoker interface {
	Invoke(ctx context.Context, tool string, args map[string]any) ([]byte, error)
}

// Call is one tool invocation request.
type Call struct {
	// Token is the caller's bearer token, without the "Bearer " prefix.
	Token string

	// Tool names the operation to invoke.
	Tool string

	// Args are the tool's arguments. May be nil.
	Args map[string]any

	// ClientIP is used for audit logging only.
	ClientIP string
}

// CallPolicy declares the access rules for one tool.
type CallPolicy struct {
	// Scopes the bearer token must cover. Empty means any valid token.
	Scopes []string

	// Cacheable marks the tool's results as safe to cache. Only tools that
	// are idempotent reads should set this.
	Cacheable bool

	// TTL bounds how long a cached result stays fresh. Zero on a cacheable
	// policy falls back to DefaultCacheTTL.
	TTL time.Duration
}

// Config holds dispatcher configuration. Every field is optional; a zero
// Config dispatches with authentication only.
type Config struct {
	// Limiter enforces per-client rate limits. Nil disables limiting.
	Limiter *ratelimit.Limiter

	// Cache stores results of cacheable tools. Nil disables caching.
	Cache cache.Cache

	// Keyer derives cache keys. Nil falls back to cache.NewDefaultKeyer().
	Keyer cache.Keyer

	// Policies maps tool names to their access rules. Tools without an
	// entry use DefaultPolicy.
	Policies map[string]CallPolicy

	// DefaultPolicy applies to tools absent from Policies. The zero value
	// requires a valid token, forbids caching.
	DefaultPolicy CallPolicy
}

// Dispatcher routes authenticated tool calls through rate limiting and the
// response cache to the backend Invoker.
type Dispatcher struct {
	auth    Authenticator
	invoker Invoker
	limiter *ratelimit.Limiter
	cache   cache.Cache
	keyer   cache.Keyer

	policies      map[string]CallPolicy
	defaultPolicy CallPolicy

	// group collapses concurrent identical cache misses into one backend
	// call. Only cacheable tools pass through it; side-effectful calls
	// must each reach the backend.
	group singleflight.Group

	auditor         *security.Auditor
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	logger          *slog.Logger
}

// New creates a dispatcher. auth and invoker are required; a nil logger falls
// back to slog.Default().
func New(auth Authenticator, invoker Invoker, cfg Config, logger *slog.Logger) (*Dispatcher, error) {
	if auth == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	if invoker == nil {
		return nil, fmt.Errorf("invoker is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	keyer := cfg.Keyer
	if keyer == nil {
		keyer = cache.NewDefaultKeyer()
	}

	policies := make(map[string]CallPolicy, len(cfg.Policies))
	for tool, policy := range cfg.Policies {
		policies[tool] = normalizePolicy(policy)
	}

	return &Dispatcher{
		auth:          auth,
		invoker:       invoker,
		limiter:       cfg.Limiter,
		cache:         cfg.Cache,
		keyer:         keyer,
		policies:      policies,
		defaultPolicy: normalizePolicy(cfg.DefaultPolicy),
		logger:        logger,
	}, nil
}

func normalizePolicy(p CallPolicy) CallPolicy {
	if p.Cacheable && p.TTL <= 0 {
		p.TTL = DefaultCacheTTL
	}
	return p
}

// SetAuditor sets the security auditor.
func (d *Dispatcher) SetAuditor(aud *security.Auditor) {
	d.auditor = aud
}

// SetInstrumentation attaches OpenTelemetry instrumentation.
func (d *Dispatcher) SetInstrumentation(inst *instrumentation.Instrumentation) {
	d.instrumentation = inst
	if inst != nil {
		d.tracer = inst.Tracer("gateway")
	}
}

// Policy returns the effective policy for a tool.
func (d *Dispatcher) Policy(tool string) CallPolicy {
	if p, ok := d.policies[tool]; ok {
		return p
	}
	return d.defaultPolicy
}

// Dispatch runs one tool call through the access-control layers.
//
// Order is fixed: bearer validation first (failures return immediately, the
// limiter and cache are not touched), then the rate limit check keyed by the
// authenticated client ID, then the cache for cacheable tools, then the
// backend. Concurrent identical cache misses are collapsed into a single
// backend call.
//
// Errors pass through with their types intact: *server.AuthenticationError,
// *server.AuthorizationError, and *ratelimit.ExceededError let callers map
// the failure to a protocol response. Cache failures never fail the call.
//
// The returned bytes may be shared with other callers and must not be
// modified.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) ([]byte, error) {
	start := time.Now()
	ctx, span := d.startSpan(ctx, call.Tool)
	defer span.End()

	if call.Tool == "" {
		span.SetStatus(codes.Error, "missing tool name")
		return nil, fmt.Errorf("tool name is required")
	}

	policy := d.Policy(call.Tool)

	principal, err := d.auth.ValidateBearer(ctx, call.Token, policy.Scopes)
	if err != nil {
		span.SetStatus(codes.Error, "authentication failed")
		d.recordDispatch(ctx, call.Tool, "auth_failed", start)
		return nil, err
	}
	span.SetAttributes(attribute.String("client_id", principal.ClientID))

	if d.limiter != nil {
		if _, err := d.limiter.Check(ctx, principal.ClientID); err != nil {
			var exceeded *ratelimit.ExceededError
			if errors.As(err, &exceeded) {
				if d.auditor != nil {
					d.auditor.LogRateLimitExceeded(principal.ClientID, call.ClientIP, exceeded.Limit)
				}
				if m := d.metrics(); m != nil {
					m.RecordRateLimitExceeded(ctx, "principal")
				}
				span.SetStatus(codes.Error, "rate limited")
				d.recordDispatch(ctx, call.Tool, "rate_limited", start)
			}
			return nil, err
		}
	}

	if !policy.Cacheable || d.cache == nil {
		result, err := d.invoker.Invoke(ctx, call.Tool, call.Args)
		if err != nil {
			span.SetStatus(codes.Error, "invoke failed")
			d.recordDispatch(ctx, call.Tool, "invoke_failed", start)
			return nil, err
		}
		d.recordDispatch(ctx, call.Tool, "invoked", start)
		return result, nil
	}

	key, err := d.keyer.Key(call.Tool, call.Args)
	if err != nil {
		// Uncanonicalizable arguments are not an access failure; run the
		// call uncached
		d.logger.Warn("Failed to derive cache key, invoking uncached",
			"tool", call.Tool,
			"error", err)
		result, err := d.invoker.Invoke(ctx, call.Tool, call.Args)
		if err != nil {
			span.SetStatus(codes.Error, "invoke failed")
			d.recordDispatch(ctx, call.Tool, "invoke_failed", start)
			return nil, err
		}
		d.recordDispatch(ctx, call.Tool, "invoked", start)
		return result, nil
	}

	if value, ok := d.cache.Get(ctx, key); ok {
		if m := d.metrics(); m != nil {
			m.RecordCacheLookup(ctx, call.Tool, true)
		}
		span.SetAttributes(attribute.Bool("cache_hit", true))
		d.recordDispatch(ctx, call.Tool, "cache_hit", start)
		return value, nil
	}
	if m := d.metrics(); m != nil {
		m.RecordCacheLookup(ctx, call.Tool, false)
	}

	value, err, shared := d.group.Do(key, func() (any, error) {
		result, err := d.invoker.Invoke(ctx, call.Tool, call.Args)
		if err != nil {
			return nil, err
		}
		if err := d.cache.Set(ctx, key, result, policy.TTL); err != nil {
			d.logger.Warn("Failed to cache tool result",
				"tool", call.Tool,
				"error", err)
		}
		return result, nil
	})
	if err != nil {
		span.SetStatus(codes.Error, "invoke failed")
		d.recordDispatch(ctx, call.Tool, "invoke_failed", start)
		return nil, err
	}

	span.SetAttributes(attribute.Bool("singleflight_shared", shared))
	d.recordDispatch(ctx, call.Tool, "invoked", start)
	return value.([]byte), nil
}

func (d *Dispatcher) startSpan(ctx context.Context, tool string) (context.Context, trace.Span) {
	if d.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return d.tracer.Start(ctx, "gateway.dispatch",
		trace.WithAttributes(attribute.String("tool", tool)))
}

func (d *Dispatcher) metrics() *instrumentation.Metrics {
	if d.instrumentation == nil {
		return nil
	}
	return d.instrumentation.Metrics()
}

func (d *Dispatcher) recordDispatch(ctx context.Context, tool, outcome string, start time.Time) {
	if m := d.metrics(); m != nil {
		m.RecordDispatch(ctx, tool, outcome, float64(time.Since(start).Milliseconds()))
	}
}
