package toolgate

import (
	"net/http"
)

// Error codes returned on the protocol surface. The OAuth codes follow
// RFC 6749 section 5.2 and RFC 6750 section 3.1.
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidScope         = "invalid_scope"
	ErrorCodeInvalidToken         = "invalid_token"
	ErrorCodeInsufficientScope    = "insufficient_scope"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeRateLimitExceeded    = "rate_limit_exceeded"
	ErrorCodeServerError          = "server_error"
)

// Error represents a protocol error with its HTTP status mapping.
type Error struct {
	// Code is the error code relayed in the "error" response field.
	Code string

	// Description is a human-readable description safe to expose to clients.
	Description string

	// Status is the HTTP status code to respond with.
	Status int
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Code + ": " + e.Description
}

// NewError creates a new protocol error.
func NewError(code, description string, status int) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Error constructors for the codes the surface produces.
var (
	// ErrInvalidRequest indicates a malformed or incomplete request.
	ErrInvalidRequest = func(description string) *Error {
		return NewError(ErrorCodeInvalidRequest, description, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates failed client authentication.
	ErrInvalidClient = func(description string) *Error {
		return NewError(ErrorCodeInvalidClient, description, http.StatusUnauthorized)
	}

	// ErrInvalidGrant indicates an invalid or expired authorization grant.
	// Descriptions stay generic so callers cannot probe which check failed.
	ErrInvalidGrant = func(description string) *Error {
		return NewError(ErrorCodeInvalidGrant, description, http.StatusBadRequest)
	}

	// ErrInvalidScope indicates a scope outside what the server or client
	// is allowed to request.
	ErrInvalidScope = func(description string) *Error {
		return NewError(ErrorCodeInvalidScope, description, http.StatusBadRequest)
	}

	// ErrInvalidToken indicates a missing, unknown, or expired bearer token.
	ErrInvalidToken = func(description string) *Error {
		return NewError(ErrorCodeInvalidToken, description, http.StatusUnauthorized)
	}

	// ErrInsufficientScope indicates a valid token that does not cover the
	// scopes the operation requires.
	ErrInsufficientScope = func(description string) *Error {
		return NewError(ErrorCodeInsufficientScope, description, http.StatusForbidden)
	}

	// ErrUnsupportedGrantType indicates a grant_type the token endpoint
	// does not implement.
	ErrUnsupportedGrantType = func(description string) *Error {
		return NewError(ErrorCodeUnsupportedGrantType, description, http.StatusBadRequest)
	}

	// ErrRateLimitExceeded indicates the caller has used up its window.
	ErrRateLimitExceeded = func(description string) *Error {
		return NewError(ErrorCodeRateLimitExceeded, description, http.StatusTooManyRequests)
	}

	// ErrServerError indicates an internal failure. Details are logged,
	// never exposed.
	ErrServerError = func(description string) *Error {
		return NewError(ErrorCodeServerError, description, http.StatusInternalServerError)
	}
)
