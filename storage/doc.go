// Package storage defines the persistence contracts for the authorization
// server: registered clients, authorization codes, and issued tokens.
//
// Implementations must be safe for concurrent use. Two operations carry
// atomicity contracts that implementations must honor exactly:
//
//   - AtomicCheckAndMarkCodeUsed: under concurrent exchange attempts for the
//     same code, exactly one caller wins; every other caller observes the
//     reuse error.
//   - AtomicGetAndDeleteRefreshToken: under concurrent refresh attempts for
//     the same token, exactly one caller receives the token; the rest observe
//     not-found.
//
// The in-memory implementation lives in storage/memory; storage/valkeystore
// provides a shared Valkey-backed implementation for multi-instance
// deployments.
package storage
