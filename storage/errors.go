package storage

import "errors"

// Sentinel errors returned by store implementations. Callers match them with
// errors.Is; implementations wrap them with identifying context via
// fmt.Errorf("%w: ...", ...).
var (
	// ErrClientNotFound indicates an unknown client ID.
	ErrClientNotFound = errors.New("client not found")

	// ErrInvalidClientSecret indicates the presented secret does not match
	// the stored hash.
	ErrInvalidClientSecret = errors.New("invalid client secret")

	// ErrCodeNotFound indicates an unknown authorization code.
	ErrCodeNotFound = errors.New("authorization code not found")

	// ErrCodeUsed indicates an authorization code that was already exchanged.
	// Callers treat this as a reuse attack signal.
	ErrCodeUsed = errors.New("authorization code already used")

	// ErrTokenNotFound indicates an unknown access token.
	ErrTokenNotFound = errors.New("access token not found")

	// ErrTokenExpired indicates a record past its expiry.
	ErrTokenExpired = errors.New("token expired")

	// ErrRefreshTokenNotFound indicates an unknown (or already rotated)
	// refresh token.
	ErrRefreshTokenNotFound = errors.New("refresh token not found")
)
