package server

import "strings"

// OAuth error codes used by flow operations. The root package carries the
// full taxonomy with HTTP status mapping; these are the codes the flows
// themselves can produce.
const (
	ErrorCodeInvalidClient  = "invalid_client"
	ErrorCodeInvalidRequest = "invalid_request"
	ErrorCodeInvalidScope   = "invalid_scope"
	ErrorCodeInvalidGrant   = "invalid_grant"
)

// FlowError is a protocol-level failure of a flow operation. Code is the
// OAuth 2.0 error code to relay; Description is safe to expose to clients.
// Redirectable reports whether the redirect URI had already been validated
// when the failure occurred, in which case the error may be delivered to it
// per RFC 6749 section 4.1.2.1.
type FlowError struct {
	Code         string
	Description  string
	Redirectable bool
}

// Error implements the error interface.
func (e *FlowError) Error() string {
	return e.Code + ": " + e.Description
}

func flowError(code, description string) *FlowError {
	return &FlowError{Code: code, Description: description}
}

func redirectableError(code, description string) *FlowError {
	return &FlowError{Code: code, Description: description, Redirectable: true}
}

// AuthenticationError reports a missing, unknown, or expired bearer token.
type AuthenticationError struct {
	Reason string
}

// Error implements the error interface.
func (e *AuthenticationError) Error() string {
	return "invalid_token: " + e.Reason
}

// AuthorizationError reports a valid bearer token that does not cover the
// scopes an operation requires.
type AuthorizationError struct {
	RequiredScopes []string
}

// Error implements the error interface.
func (e *AuthorizationError) Error() string {
	if len(e.RequiredScopes) == 0 {
		return "insufficient_scope: token does not cover the required scopes"
	}
	return "insufficient_scope: token does not cover " + strings.Join(e.RequiredScopes, " ")
}
