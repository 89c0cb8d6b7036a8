package ratelimit

import (
	"context"
	"time"
)

// Window is one fixed counting window for an identifier.
type Window struct {
	// Start is when the window opened.
	Start time.Time

	// Count is the number of admitted requests in the window.
	Count int64
}

// Decision is the outcome of an atomic check-and-increment.
type Decision struct {
	// Allowed reports whether the request was admitted. When true, Window
	// reflects the count after the increment. When false, the counter was
	// left untouched.
	Allowed bool

	// Window is the state of the identifier's window after the operation.
	Window Window
}

// Store is the counting backend. Implementations must make
// AtomicCheckAndIncrement a single atomic step per identifier: fetch or
// create the window, roll it if older than the window length, deny without
// incrementing once the limit is reached, otherwise increment and admit.
type Store interface {
	// AtomicCheckAndIncrement admits or denies one request for identifier.
	AtomicCheckAndIncrement(ctx context.Context, identifier string, limit int, window time.Duration) (Decision, error)

	// Peek returns the identifier's current window without mutating it.
	// Absent and expired windows both report found=false.
	Peek(ctx context.Context, identifier string) (Window, bool, error)

	// Reset deletes the identifier's window. Deleting an absent window is
	// not an error.
	Reset(ctx context.Context, identifier string) error
}
