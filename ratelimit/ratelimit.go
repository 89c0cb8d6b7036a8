package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// FailurePolicy decides what happens when the counting backend fails or
// times out. There is no default: deployments with a shared store must pick
// one explicitly.
type FailurePolicy int

const (
	// FailurePolicyUnset is the zero value and is rejected at construction
	// when a shared store is configured.
	FailurePolicyUnset FailurePolicy = iota

	// FailOpen admits requests when the backend is unavailable.
	FailOpen

	// FailClosed denies requests when the backend is unavailable.
	FailClosed
)

// String returns the policy name.
func (p FailurePolicy) String() string {
	switch p {
	case FailOpen:
		return "fail_open"
	case FailClosed:
		return "fail_closed"
	default:
		return "unset"
	}
}

// Config holds rate limiter configuration.
type Config struct {
	// Enabled controls whether limits are enforced. When false, every
	// check passes.
	Enabled bool

	// Limit is the number of requests admitted per window.
	Limit int

	// Window is the fixed window length.
	Window time.Duration

	// Store is the counting backend. Leave nil to use an in-process
	// fallback, which is correct only for single-instance deployments.
	Store Store

	// FailurePolicy is required when Store is set. The in-process
	// fallback cannot fail, so the policy is not consulted there.
	FailurePolicy FailurePolicy

	// SweepInterval is the janitor interval for the in-process fallback.
	// Zero means a quarter of Window.
	SweepInterval time.Duration
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Limit <= 0 {
		return fmt.Errorf("rate limit must be positive, got %d", c.Limit)
	}
	if c.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive, got %s", c.Window)
	}
	if c.Store != nil && c.FailurePolicy == FailurePolicyUnset {
		return fmt.Errorf("failure policy must be set explicitly when a shared rate limit store is configured")
	}
	return nil
}

// Result describes the window state returned to an admitted caller.
type Result struct {
	// Allowed reports whether the request was admitted.
	Allowed bool

	// Remaining is how many more requests the identifier may make in the
	// current window.
	Remaining int

	// Limit is the configured per-window limit.
	Limit int

	// ResetTime is when the current window ends and the count resets.
	ResetTime time.Time
}

// ExceededError is returned when an identifier has used up its window.
// It carries what a well-behaved client needs to retry after ResetTime.
type ExceededError struct {
	Identifier string
	Limit      int
	Window     time.Duration
	ResetTime  time.Time
}

// Error implements the error interface.
func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: limit %d per %s, resets at %s",
		e.Identifier, e.Limit, e.Window, e.ResetTime.Format(time.RFC3339))
}

// RetryAfter returns how long the caller should wait before retrying,
// never negative.
func (e *ExceededError) RetryAfter(now time.Time) time.Duration {
	wait := e.ResetTime.Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// Limiter enforces fixed-window limits per identifier over its Store.
type Limiter struct {
	enabled       bool
	limit         int
	window        time.Duration
	store         Store
	failurePolicy FailurePolicy
	logger        *slog.Logger

	// ownedStore is the local fallback created by NewLimiter, stopped by
	// Stop. A caller-provided store is the caller's to stop.
	ownedStore *LocalStore
}

// NewLimiter creates a limiter from config. A nil logger falls back to
// slog.Default().
func NewLimiter(cfg Config, logger *slog.Logger) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &Limiter{
		enabled:       cfg.Enabled,
		limit:         cfg.Limit,
		window:        cfg.Window,
		store:         cfg.Store,
		failurePolicy: cfg.FailurePolicy,
		logger:        logger,
	}

	if l.enabled && l.store == nil {
		sweep := cfg.SweepInterval
		if sweep <= 0 {
			sweep = cfg.Window / 4
		}
		local := NewLocalStore(sweep)
		l.store = local
		l.ownedStore = local

		logger.Info("Rate limiter using in-process fallback store",
			"limit", cfg.Limit,
			"window", cfg.Window,
			"sweep_interval", sweep)
	}

	return l, nil
}

// Enabled reports whether limits are enforced.
func (l *Limiter) Enabled() bool {
	return l.enabled
}

// Check admits or denies one request for identifier. Denials are returned as
// an *ExceededError and do not consume the identifier's count. Backend
// failures follow the configured FailurePolicy.
func (l *Limiter) Check(ctx context.Context, identifier string) (*Result, error) {
	if !l.enabled {
		return l.freshResult(), nil
	}

	decision, err := l.store.AtomicCheckAndIncrement(ctx, identifier, l.limit, l.window)
	if err != nil {
		return l.applyFailurePolicy(identifier, err)
	}

	resetTime := decision.Window.Start.Add(l.window)

	if !decision.Allowed {
		return nil, &ExceededError{
			Identifier: identifier,
			Limit:      l.limit,
			Window:     l.window,
			ResetTime:  resetTime,
		}
	}

	return &Result{
		Allowed:   true,
		Remaining: l.remaining(decision.Window.Count),
		Limit:     l.limit,
		ResetTime: resetTime,
	}, nil
}

// Status reports the identifier's window without consuming from it. An
// absent or rolled-over window projects as a full fresh window.
func (l *Limiter) Status(ctx context.Context, identifier string) (*Result, error) {
	if !l.enabled {
		return l.freshResult(), nil
	}

	w, found, err := l.store.Peek(ctx, identifier)
	if err != nil {
		if l.failurePolicy == FailClosed {
			return nil, fmt.Errorf("rate limit status unavailable: %w", err)
		}
		l.logger.Warn("Rate limit store peek failed, reporting fresh window",
			"identifier", identifier,
			"error", err)
		return l.freshResult(), nil
	}

	if !found || time.Since(w.Start) >= l.window {
		return l.freshResult(), nil
	}

	return &Result{
		Allowed:   w.Count < int64(l.limit),
		Remaining: l.remaining(w.Count),
		Limit:     l.limit,
		ResetTime: w.Start.Add(l.window),
	}, nil
}

// Reset deletes the identifier's window. Administrative override.
func (l *Limiter) Reset(ctx context.Context, identifier string) error {
	if !l.enabled {
		return nil
	}
	return l.store.Reset(ctx, identifier)
}

// Stop terminates the in-process fallback store if this limiter created one.
func (l *Limiter) Stop() {
	if l.ownedStore != nil {
		l.ownedStore.Stop()
	}
}

// applyFailurePolicy resolves a backend failure into an admit or a deny.
func (l *Limiter) applyFailurePolicy(identifier string, err error) (*Result, error) {
	switch l.failurePolicy {
	case FailClosed:
		l.logger.Warn("Rate limit store unavailable, denying request",
			"identifier", identifier,
			"policy", l.failurePolicy.String(),
			"error", err)
		return nil, &ExceededError{
			Identifier: identifier,
			Limit:      l.limit,
			Window:     l.window,
			ResetTime:  time.Now().Add(l.window),
		}
	default:
		l.logger.Warn("Rate limit store unavailable, admitting request",
			"identifier", identifier,
			"policy", l.failurePolicy.String(),
			"error", err)
		return l.freshResult(), nil
	}
}

// freshResult is the projection of an untouched window.
func (l *Limiter) freshResult() *Result {
	return &Result{
		Allowed:   true,
		Remaining: l.limit,
		Limit:     l.limit,
		ResetTime: time.Now().Add(l.window),
	}
}

// remaining clamps limit minus count at zero.
func (l *Limiter) remaining(count int64) int {
	remaining := l.limit - int(count)
	if remaining < 0 {
		return 0
	}
	return remaining
}
