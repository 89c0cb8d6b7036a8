// Package valkeycache provides a Valkey-backed implementation of the cache
// contract for deployments where gateway instances should share memoized tool
// results. Reads are fail-open: any backend failure is logged and reported as
// a miss, never surfaced to the caller.
package valkeycache

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/gatewise/toolgate/cache"
)

const (
	// DefaultKeyPrefix is the default prefix for all cache keys.
	DefaultKeyPrefix = "toolgate:cache:"

	// DefaultOpTimeout bounds each backend call so a slow Valkey costs a
	// miss instead of a stalled request.
	DefaultOpTimeout = 2 * time.Second

	// connectionVerifyTimeout is the timeout for initial connection verification.
	connectionVerifyTimeout = 5 * time.Second

	// scanBatchSize is the number of keys to fetch per SCAN iteration.
	scanBatchSize = 100
)

// Config holds configuration for the Valkey cache backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "toolgate:cache:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// OpTimeout bounds each backend call (default 2s)
	OpTimeout time.Duration

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of cache.Cache.
type Store struct {
	client    valkeygo.Client
	prefix    string
	opTimeout time.Duration
	logger    *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// Compile-time interface check.
var _ cache.Cache = (*Store)(nil)

// New creates a Valkey-backed cache. Returns an error if the connection
// cannot be established.
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

	logger.Info("Connected to Valkey cache",
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
	s.logger.Info("Valkey cache connection closed")
}

// entryKey returns the storage key for a cache key: {prefix}{key}
func (s *Store) entryKey(key string) string {
	return s.prefix + key
}

// Get retrieves a cached value. Backend failures are logged and count as
// misses.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.entryKey(key)).Build()).AsBytes()
	if err != nil {
		if !valkeygo.IsValkeyNil(err) {
			s.logger.Warn("Valkey cache read failed, treating as miss",
				"key", key,
				"error", err)
		}
		s.misses.Add(1)
		return nil, false
	}

	s.hits.Add(1)
	return data, true
}

// Set stores a value with the given TTL. TTL <= 0 stores nothing.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := cache.ValidateKey(key); err != nil {
		return err
	}
	if ttl <= 0 {
		return nil
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	err := s.client.Do(ctx,
		s.client.B().Set().Key(s.entryKey(key)).Value(string(value)).Px(ttl).Build(),
	).Error()
	if err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}

	return nil
}

// Delete removes a cached value. Idempotent.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.client.Do(ctx, s.client.B().Del().Key(s.entryKey(key)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// Clear removes every entry under this cache's prefix using SCAN so large
// keyspaces are walked in batches.
func (s *Store) Clear(ctx context.Context) error {
	pattern := s.prefix + "*"

	var cursor uint64
	for {
		scanCtx, cancel := s.opContext(ctx)
		result, err := s.client.Do(scanCtx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		cancel()
		if err != nil {
			return fmt.Errorf("failed to scan cache keys: %w", err)
		}

		if len(result.Elements) > 0 {
			delCtx, cancel := s.opContext(ctx)
			err = s.client.Do(delCtx, s.client.B().Del().Key(result.Elements...).Build()).Error()
			cancel()
			if err != nil {
				return fmt.Errorf("failed to delete cache keys: %w", err)
			}
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}

	return nil
}

// Stats reports the hit and miss counters tracked by this instance. Entry
// count and capacity are not tracked for the shared backend.
func (s *Store) Stats() cache.Stats {
	return cache.Stats{
		Hits:   s.hits.Load(),
		Misses: s.misses.Load(),
	}
}

// opContext bounds a backend call with the configured per-operation timeout.
func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}
