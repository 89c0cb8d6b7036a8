// Package ratelimit enforces per-identifier fixed-window request limits.
//
// Counting runs over a pluggable Store so a single check-and-increment
// contract serves both the in-process fallback and a shared backend. The
// check and the increment happen as one atomic step per identifier; two
// concurrent requests can never both be admitted on the strength of the same
// stale count.
package ratelimit
