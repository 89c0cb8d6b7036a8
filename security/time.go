package security

import "time"

// DefaultClockSkewGrace is the grace period applied to expiry checks. It
// absorbs NTP drift between the machines issuing and validating credentials;
// a credential is treated as live until grace past its stated expiry.
const DefaultClockSkewGrace = 5 * time.Second

// IsExpired reports whether expiresAt has passed, with the default clock skew
// grace period. A zero time never expires.
func IsExpired(expiresAt time.Time) bool {
	return IsExpiredWithGrace(expiresAt, DefaultClockSkewGrace)
}

// IsExpiredWithGrace reports whether expiresAt has passed with a custom grace
// period.
func IsExpiredWithGrace(expiresAt time.Time, grace time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(grace))
}

// ExpiresWithin reports whether expiresAt falls inside the given threshold
// from now. Used to warn clients holding tokens about to lapse.
func ExpiresWithin(expiresAt time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().Add(threshold).After(expiresAt)
}
