// Package testutil provides shared test helpers: random credential material,
// PKCE pairs, and small assertion functions.
package testutil
