package security

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultThrottleRate is requests per second allowed per source before
	// authentication has happened.
	DefaultThrottleRate = 5.0

	// DefaultThrottleBurst is the short burst tolerated per source.
	DefaultThrottleBurst = 10

	// DefaultThrottleMaxSources bounds the tracked sources so an address
	// sweep cannot grow memory without limit.
	DefaultThrottleMaxSources = 10000

	throttleSweepInterval = 5 * time.Minute
	throttleMaxIdle       = 30 * time.Minute
)

type throttleEntry struct {
	source     string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// EndpointThrottle is a per-source token bucket guard for endpoints that run
// before credentials are checked. Sources are tracked in an LRU so the table
// stays bounded under a spread of addresses.
type EndpointThrottle struct {
	mu         sync.Mutex
	sources    map[string]*list.Element
	lruList    *list.List
	maxSources int
	rate       float64
	burst      int

	totalEvictions int64
	totalSweeps    int64

	stopSweep chan struct{}
	stopOnce  sync.Once
}

// NewEndpointThrottle creates a throttle allowing ratePerSecond sustained
// requests with the given burst per source. Non-positive arguments fall back
// to the defaults.
func NewEndpointThrottle(ratePerSecond float64, burst, maxSources int) *EndpointThrottle {
	if ratePerSecond <= 0 {
		ratePerSecond = DefaultThrottleRate
	}
	if burst <= 0 {
		burst = DefaultThrottleBurst
	}
	if maxSources <= 0 {
		maxSources = DefaultThrottleMaxSources
	}

	t := &EndpointThrottle{
		sources:    make(map[string]*list.Element),
		lruList:    list.New(),
		maxSources: maxSources,
		rate:       ratePerSecond,
		burst:      burst,
		stopSweep:  make(chan struct{}),
	}

	go t.sweepLoop()

	return t
}

// Allow reports whether the source may proceed and consumes one token if so.
func (t *EndpointThrottle) Allow(source string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if elem, ok := t.sources[source]; ok {
		t.lruList.MoveToFront(elem)
		entry := elem.Value.(*throttleEntry)
		entry.lastAccess = time.Now()
		return entry.limiter.Allow()
	}

	entry := &throttleEntry{
		source:     source,
		limiter:    rate.NewLimiter(rate.Limit(t.rate), t.burst),
		lastAccess: time.Now(),
	}
	elem := t.lruList.PushFront(entry)
	t.sources[source] = elem

	if t.lruList.Len() > t.maxSources {
		t.evictOldest()
	}

	return entry.limiter.Allow()
}

// evictOldest removes the least recently seen source. Caller holds the lock.
func (t *EndpointThrottle) evictOldest() {
	elem := t.lruList.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*throttleEntry)
	t.lruList.Remove(elem)
	delete(t.sources, entry.source)
	t.totalEvictions++
}

// Sweep removes sources idle longer than maxIdle and returns how many were
// dropped.
func (t *EndpointThrottle) Sweep(maxIdle time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0

	for elem := t.lruList.Back(); elem != nil; {
		entry := elem.Value.(*throttleEntry)
		if entry.lastAccess.After(cutoff) {
			break
		}
		prev := elem.Prev()
		t.lruList.Remove(elem)
		delete(t.sources, entry.source)
		removed++
		elem = prev
	}

	if removed > 0 {
		t.totalSweeps++
	}

	return removed
}

func (t *EndpointThrottle) sweepLoop() {
	ticker := time.NewTicker(throttleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Sweep(throttleMaxIdle)
		case <-t.stopSweep:
			return
		}
	}
}

// Stop terminates the background sweep. Safe to call more than once.
func (t *EndpointThrottle) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopSweep)
	})
}

// ThrottleStats describes the current state of the throttle table.
type ThrottleStats struct {
	CurrentSources int
	MaxSources     int
	TotalEvictions int64
	TotalSweeps    int64
	Pressure       float64
}

// Stats returns a snapshot of the throttle table.
func (t *EndpointThrottle) Stats() ThrottleStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	pressure := 0.0
	if t.maxSources > 0 {
		pressure = float64(t.lruList.Len()) / float64(t.maxSources)
	}

	return ThrottleStats{
		CurrentSources: t.lruList.Len(),
		MaxSources:     t.maxSources,
		TotalEvictions: t.totalEvictions,
		TotalSweeps:    t.totalSweeps,
		Pressure:       pressure,
	}
}
