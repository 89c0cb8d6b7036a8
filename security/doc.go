// Package security provides the cross-cutting protections used by the
// gateway: audit logging with hashed identifiers, client IP extraction behind
// proxies, security response headers, request ID propagation, clock-skew
// tolerant expiry checks, and a token-bucket throttle for unauthenticated
// endpoints.
package security
