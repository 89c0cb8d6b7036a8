// Package valkeywindow provides a Valkey-backed counting store for the rate
// limiter, giving correct fixed-window limits across multiple gateway
// instances. The check-and-increment runs as a single server-side Lua script
// so concurrent requests against the same identifier cannot both be admitted
// on a stale count.
package valkeywindow

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/gatewise/toolgate/ratelimit"
)

const (
	// DefaultKeyPrefix is the default prefix for all rate limit keys.
	DefaultKeyPrefix = "toolgate:ratelimit:"

	// DefaultOpTimeout bounds each backend call so a slow Valkey degrades
	// into the limiter's failure policy instead of stalling requests.
	DefaultOpTimeout = 2 * time.Second

	// connectionVerifyTimeout is the timeout for initial connection verification.
	connectionVerifyTimeout = 5 * time.Second
)

// luaCheckAndIncrement atomically admits or denies one request against a
// fixed window stored as a JSON document.
//
// KEYS[1] = window key (e.g., "toolgate:ratelimit:window:client-1")
// ARGV[1] = current Unix time in milliseconds
// ARGV[2] = window length in milliseconds
// ARGV[3] = limit
//
// Returns a JSON object {"allowed": bool, "window_start": ms, "count": n}.
// A denial leaves the stored count untouched. A window older than the window
// length is replaced by a fresh one with count 1, keyed to expire with it.
const luaCheckAndIncrement = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local data = redis.call('GET', KEYS[1])
if data then
    local w = cjson.decode(data)
    if now - w.window_start < window then
        if w.count >= limit then
            return cjson.encode({allowed = false, window_start = w.window_start, count = w.count})
        end
        w.count = w.count + 1
        redis.call('SET', KEYS[1], cjson.encode(w), 'KEEPTTL')
        return cjson.encode({allowed = true, window_start = w.window_start, count = w.count})
    end
end

local fresh = {window_start = now, count = 1}
redis.call('SET', KEYS[1], cjson.encode(fresh), 'PX', window)
return cjson.encode({allowed = true, window_start = now, count = 1})
`

// Config holds configuration for the Valkey rate limit store.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "toolgate:ratelimit:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// OpTimeout bounds each backend call (default 2s)
	OpTimeout time.Duration

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of ratelimit.Store.
type Store struct {
	client    valkeygo.Client
	prefix    string
	opTimeout time.Duration
	logger    *slog.Logger
}

// Compile-time interface check.
var _ ratelimit.Store = (*Store)(nil)

// New creates a Valkey-backed rate limit store. Returns an error if the
// connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	opTimeout := cfg.OpTimeout
	if opTimeout <= 0 {
		opTimeout = DefaultOpTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey rate limit store",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:    client,
		prefix:    prefix,
		opTimeout: opTimeout,
		logger:    logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey rate limit store connection closed")
}

// windowKey returns the key for an identifier's window:
// {prefix}window:{identifier}
func (s *Store) windowKey(identifier string) string {
	return fmt.Sprintf("%swindow:%s", s.prefix, identifier)
}

// windowJSON is the stored window document. window_start is Unix milliseconds.
type windowJSON struct {
	WindowStart int64 `json:"window_start"`
	Count       int64 `json:"count"`
}

// decisionJSON is the script response.
type decisionJSON struct {
	Allowed     bool  `json:"allowed"`
	WindowStart int64 `json:"window_start"`
	Count       int64 `json:"count"`
}

// AtomicCheckAndIncrement implements ratelimit.Store via the Lua script.
func (s *Store) AtomicCheckAndIncrement(ctx context.Context, identifier string, limit int, window time.Duration) (ratelimit.Decision, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaCheckAndIncrement).
			Numkeys(1).
			Key(s.windowKey(identifier)).
			Arg(strconv.FormatInt(time.Now().UnixMilli(), 10)).
			Arg(strconv.FormatInt(window.Milliseconds(), 10)).
			Arg(strconv.Itoa(limit)).
			Build(),
	).ToString()
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("failed to execute atomic window check: %w", err)
	}

	var j decisionJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return ratelimit.Decision{}, fmt.Errorf("failed to unmarshal window state: %w", err)
	}

	return ratelimit.Decision{
		Allowed: j.Allowed,
		Window: ratelimit.Window{
			Start: time.UnixMilli(j.WindowStart),
			Count: j.Count,
		},
	}, nil
}

// Peek implements ratelimit.Store. The key's TTL matches the window length,
// so an expired window reads as absent.
func (s *Store) Peek(ctx context.Context, identifier string) (ratelimit.Window, bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.windowKey(identifier)).Build()).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return ratelimit.Window{}, false, nil
		}
		return ratelimit.Window{}, false, fmt.Errorf("failed to get window: %w", err)
	}

	var j windowJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return ratelimit.Window{}, false, fmt.Errorf("failed to unmarshal window state: %w", err)
	}

	return ratelimit.Window{
		Start: time.UnixMilli(j.WindowStart),
		Count: j.Count,
	}, true, nil
}

// Reset implements ratelimit.Store.
func (s *Store) Reset(ctx context.Context, identifier string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.client.Do(ctx, s.client.B().Del().Key(s.windowKey(identifier)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete window: %w", err)
	}
	return nil
}

// opContext bounds a backend call with the configured per-operation timeout.
func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}
