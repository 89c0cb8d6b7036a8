package ratelimit

import (
	"context"
	"sync"
	"time"
)

// DefaultSweepInterval is the local janitor interval used when none is
// configured.
const DefaultSweepInterval = 30 * time.Second

type localWindow struct {
	start     time.Time
	count     int64
	expiresAt time.Time
}

// LocalStore is the in-process counting backend, used when no shared store is
// configured. A background sweep drops windows past their length so abandoned
// identifiers do not grow the map without bound.
//
// LocalStore never returns an error from its operations.
type LocalStore struct {
	mu      sync.Mutex
	windows map[string]*localWindow

	sweepInterval time.Duration
	stopSweep     chan struct{}
	stopOnce      sync.Once
}

// Compile-time check that LocalStore satisfies Store.
var _ Store = (*LocalStore)(nil)

// NewLocalStore creates a local counting backend and starts its sweep loop.
// A non-positive interval falls back to DefaultSweepInterval.
func NewLocalStore(sweepInterval time.Duration) *LocalStore {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}

	s := &LocalStore{
		windows:       make(map[string]*localWindow),
		sweepInterval: sweepInterval,
		stopSweep:     make(chan struct{}),
	}

	go s.sweepLoop()

	return s
}

// AtomicCheckAndIncrement implements Store. The whole fetch-roll-check-count
// sequence runs under one lock so concurrent requests serialize per store.
func (s *LocalStore) AtomicCheckAndIncrement(_ context.Context, identifier string, limit int, window time.Duration) (Decision, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[identifier]
	if !ok || now.Sub(w.start) >= window {
		w = &localWindow{
			start:     now,
			count:     1,
			expiresAt: now.Add(window),
		}
		s.windows[identifier] = w
		return Decision{Allowed: true, Window: Window{Start: w.start, Count: w.count}}, nil
	}

	if w.count >= int64(limit) {
		return Decision{Allowed: false, Window: Window{Start: w.start, Count: w.count}}, nil
	}

	w.count++
	return Decision{Allowed: true, Window: Window{Start: w.start, Count: w.count}}, nil
}

// Peek implements Store. Expired windows report found=false.
func (s *LocalStore) Peek(_ context.Context, identifier string) (Window, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[identifier]
	if !ok || time.Now().After(w.expiresAt) {
		return Window{}, false, nil
	}

	return Window{Start: w.start, Count: w.count}, true, nil
}

// Reset implements Store.
func (s *LocalStore) Reset(_ context.Context, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.windows, identifier)
	return nil
}

// Sweep removes expired windows and returns how many were dropped.
func (s *LocalStore) Sweep() int {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for identifier, w := range s.windows {
		if now.After(w.expiresAt) {
			delete(s.windows, identifier)
			removed++
		}
	}

	return removed
}

// Len returns the number of tracked windows, expired ones included until the
// next sweep.
func (s *LocalStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.windows)
}

func (s *LocalStore) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopSweep:
			return
		}
	}
}

// Stop terminates the background sweep. Safe to call more than once.
func (s *LocalStore) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopSweep)
	})
}
