package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestLimiter(t *testing.T, cfg Config) *Limiter {
	t.Helper()
	l, err := NewLimiter(cfg, nil)
	if err != nil {
		t.Fatalf("NewLimiter() error = %v", err)
	}
	t.Cleanup(l.Stop)
	return l
}

func TestLimiterBoundary(t *testing.T) {
	l := newTestLimiter(t, Config{Enabled: true, Limit: 2, Window: time.Minute})
	ctx := context.Background()

	res, err := l.Check(ctx, "client-a")
	if err != nil {
		t.Fatalf("first Check() error = %v", err)
	}
	if !res.Allowed || res.Remaining != 1 {
		t.Errorf("first Check() = %+v, want allowed with remaining 1", res)
	}

	res, err = l.Check(ctx, "client-a")
	if err != nil {
		t.Fatalf("second Check() error = %v", err)
	}
	if !res.Allowed || res.Remaining != 0 {
		t.Errorf("second Check() = %+v, want allowed with remaining 0", res)
	}

	_, err = l.Check(ctx, "client-a")
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("third Check() error = %v, want ExceededError", err)
	}
	if exceeded.Limit != 2 {
		t.Errorf("ExceededError.Limit = %d, want 2", exceeded.Limit)
	}
	if exceeded.Identifier != "client-a" {
		t.Errorf("ExceededError.Identifier = %q, want %q", exceeded.Identifier, "client-a")
	}
	if exceeded.Window != time.Minute {
		t.Errorf("ExceededError.Window = %s, want 1m", exceeded.Window)
	}
}

func TestLimiterWindowRollover(t *testing.T) {
	l := newTestLimiter(t, Config{Enabled: true, Limit: 2, Window: 30 * time.Millisecond})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := l.Check(ctx, "client-a"); err != nil {
			t.Fatalf("Check() %d error = %v", i, err)
		}
	}
	if _, err := l.Check(ctx, "client-a"); err == nil {
		t.Fatal("expected denial once window is full")
	}

	time.Sleep(35 * time.Millisecond)

	res, err := l.Check(ctx, "client-a")
	if err != nil {
		t.Fatalf("Check() after rollover error = %v", err)
	}
	if !res.Allowed || res.Remaining != 1 {
		t.Errorf("Check() after rollover = %+v, want allowed with remaining limit-1", res)
	}
}

func TestLimiterIsolation(t *testing.T) {
	l := newTestLimiter(t, Config{Enabled: true, Limit: 1, Window: time.Minute})
	ctx := context.Background()

	if _, err := l.Check(ctx, "client-a"); err != nil {
		t.Fatalf("Check(client-a) error = %v", err)
	}
	if _, err := l.Check(ctx, "client-a"); err == nil {
		t.Fatal("client-a should be exhausted")
	}

	res, err := l.Check(ctx, "client-b")
	if err != nil {
		t.Fatalf("Check(client-b) error = %v", err)
	}
	if !res.Allowed {
		t.Error("client-b must not share client-a's counter")
	}
}

func TestLimiterResetTime(t *testing.T) {
	window := time.Minute
	l := newTestLimiter(t, Config{Enabled: true, Limit: 1, Window: window})
	ctx := context.Background()

	before := time.Now()
	res, err := l.Check(ctx, "client-a")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	after := time.Now()

	// resetTime is window start plus window length.
	if res.ResetTime.Before(before.Add(window)) || res.ResetTime.After(after.Add(window)) {
		t.Errorf("ResetTime = %s, want within [%s, %s]",
			res.ResetTime, before.Add(window), after.Add(window))
	}

	_, err = l.Check(ctx, "client-a")
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("second Check() error = %v, want ExceededError", err)
	}
	if exceeded.ResetTime != res.ResetTime {
		t.Errorf("denial ResetTime = %s, want same window end %s", exceeded.ResetTime, res.ResetTime)
	}
}

func TestLimiterStatusDoesNotConsume(t *testing.T) {
	l := newTestLimiter(t, Config{Enabled: true, Limit: 2, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := l.Status(ctx, "client-a")
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		if !res.Allowed || res.Remaining != 2 {
			t.Errorf("Status() before any check = %+v, want full window", res)
		}
	}

	if _, err := l.Check(ctx, "client-a"); err != nil {
		t.Fatalf("Check() error = %v", err)
	}

	res, err := l.Status(ctx, "client-a")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if res.Remaining != 1 {
		t.Errorf("Status() after one check: Remaining = %d, want 1", res.Remaining)
	}

	// The second slot must still be available after any number of reads.
	if _, err := l.Check(ctx, "client-a"); err != nil {
		t.Errorf("Check() error = %v, status reads must not consume", err)
	}
}

func TestLimiterReset(t *testing.T) {
	l := newTestLimiter(t, Config{Enabled: true, Limit: 1, Window: time.Minute})
	ctx := context.Background()

	if _, err := l.Check(ctx, "client-a"); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if _, err := l.Check(ctx, "client-a"); err == nil {
		t.Fatal("expected denial before reset")
	}

	if err := l.Reset(ctx, "client-a"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	if _, err := l.Check(ctx, "client-a"); err != nil {
		t.Errorf("Check() after reset error = %v", err)
	}
}

func TestLimiterDisabled(t *testing.T) {
	l := newTestLimiter(t, Config{Enabled: false})
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		res, err := l.Check(ctx, "client-a")
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		if !res.Allowed {
			t.Fatal("disabled limiter must always allow")
		}
	}
}

type failingStore struct {
	err error
}

func (f *failingStore) AtomicCheckAndIncrement(context.Context, string, int, time.Duration) (Decision, error) {
	return Decision{}, f.err
}

func (f *failingStore) Peek(context.Context, string) (Window, bool, error) {
	return Window{}, false, f.err
}

func (f *failingStore) Reset(context.Context, string) error {
	return f.err
}

func TestLimiterFailurePolicy(t *testing.T) {
	backendErr := errors.New("backend unavailable")

	tests := []struct {
		name      string
		policy    FailurePolicy
		wantAllow bool
	}{
		{name: "fail open admits", policy: FailOpen, wantAllow: true},
		{name: "fail closed denies", policy: FailClosed, wantAllow: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLimiter(t, Config{
				Enabled:       true,
				Limit:         5,
				Window:        time.Minute,
				Store:         &failingStore{err: backendErr},
				FailurePolicy: tt.policy,
			})

			res, err := l.Check(context.Background(), "client-a")
			if tt.wantAllow {
				if err != nil {
					t.Fatalf("Check() error = %v, want admit on backend failure", err)
				}
				if !res.Allowed {
					t.Error("fail-open check should report allowed")
				}
				return
			}

			var exceeded *ExceededError
			if !errors.As(err, &exceeded) {
				t.Fatalf("Check() error = %v, want ExceededError under fail-closed", err)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:    "disabled config always valid",
			config:  Config{Enabled: false},
			wantErr: false,
		},
		{
			name:    "valid local config",
			config:  Config{Enabled: true, Limit: 100, Window: time.Minute},
			wantErr: false,
		},
		{
			name:    "zero limit",
			config:  Config{Enabled: true, Limit: 0, Window: time.Minute},
			wantErr: true,
		},
		{
			name:    "negative window",
			config:  Config{Enabled: true, Limit: 10, Window: -time.Second},
			wantErr: true,
		},
		{
			name: "shared store without failure policy",
			config: Config{
				Enabled: true,
				Limit:   10,
				Window:  time.Minute,
				Store:   &failingStore{},
			},
			wantErr: true,
		},
		{
			name: "shared store with explicit policy",
			config: Config{
				Enabled:       true,
				Limit:         10,
				Window:        time.Minute,
				Store:         &failingStore{},
				FailurePolicy: FailClosed,
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestExceededErrorRetryAfter(t *testing.T) {
	now := time.Now()
	e := &ExceededError{ResetTime: now.Add(30 * time.Second)}

	if got := e.RetryAfter(now); got != 30*time.Second {
		t.Errorf("RetryAfter() = %s, want 30s", got)
	}
	if got := e.RetryAfter(now.Add(time.Minute)); got != 0 {
		t.Errorf("RetryAfter() past reset = %s, want 0", got)
	}
}
