// Package server implements the OAuth 2.1 authorization server that guards
// the tool-call gateway.
//
// The Server type issues authorization codes, exchanges codes and refresh
// tokens for opaque bearer tokens, and validates bearer tokens against
// required scopes. It coordinates between the storage backends, the pkce
// package, and the security auditing features while staying transport
// agnostic; the HTTP endpoints live in the root package.
//
// Key properties:
//   - Mandatory PKCE (S256) by default
//   - Single-use authorization codes with reuse detection and revocation
//   - Refresh token rotation; a rotated token presented again is treated
//     as a reuse attack
//   - Generic invalid_grant responses that do not leak failure detail
//
// Example usage:
//
//	store := memory.New()
//
//	config := &server.Config{
//	    Issuer:      "https://auth.example.com",
//	    RequirePKCE: true,
//	}
//
//	srv, err := server.New(store, config, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
