package storage

import (
	"context"
	"time"
)

// Client is a registered caller application.
type Client struct {
	// ID is the public client identifier. Immutable once registered.
	ID string

	// SecretHash is the bcrypt hash of the client secret. Empty for public
	// clients, which authenticate via PKCE alone.
	SecretHash string

	// RedirectURIs is the exact-match set of allowed redirect URIs.
	RedirectURIs []string

	// Scopes lists the scopes this client may request. Empty means any
	// scope the server supports.
	Scopes []string

	// Name is a human-readable label for audit output.
	Name string

	CreatedAt time.Time
}

// AuthorizationCode is a short-lived single-use exchange credential issued by
// the authorize endpoint and consumed by the token endpoint.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time

	// Used flips to true exactly once, atomically, during exchange.
	Used bool
}

// AccessToken is an opaque bearer credential. Records are never mutated after
// issuance; they are superseded by refresh or left to expire.
type AccessToken struct {
	Token     string
	ClientID  string
	Scope     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// RefreshToken is a long-lived renewal credential. A successful refresh
// consumes the record (rotation); a second presentation finds nothing.
type RefreshToken struct {
	Token     string
	ClientID  string
	Scope     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ClientStore manages registered clients.
type ClientStore interface {
	// SaveClient registers or updates a client.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID. Returns ErrClientNotFound for
	// unknown IDs.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret verifies a client secret against the stored
	// bcrypt hash and returns the client on success. Implementations must
	// take the same time for unknown clients as for bad secrets.
	ValidateClientSecret(ctx context.Context, clientID, secret string) (*Client, error)

	// ListClients returns all registered clients.
	ListClients(ctx context.Context) ([]*Client, error)
}

// CodeStore manages authorization codes.
type CodeStore interface {
	// SaveAuthorizationCode stores an issued code.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode retrieves a code without consuming it. Exchange
	// paths must use AtomicCheckAndMarkCodeUsed instead.
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// AtomicCheckAndMarkCodeUsed atomically verifies a code is unused and
	// marks it used, so that exactly one concurrent exchange can succeed.
	//
	// The stored code is returned alongside ErrCodeUsed on reuse so callers
	// can revoke what the first exchange issued. For not-found and expired
	// codes the returned code is nil.
	AtomicCheckAndMarkCodeUsed(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes a code.
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// TokenStore manages issued access and refresh tokens.
type TokenStore interface {
	// SaveAccessToken stores an issued access token.
	SaveAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken retrieves an access token. Returns ErrTokenNotFound
	// for unknown tokens and ErrTokenExpired for expired ones.
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)

	// DeleteAccessToken removes an access token.
	DeleteAccessToken(ctx context.Context, token string) error

	// DeleteAccessTokensForClient removes every access token issued to a
	// client and reports how many were removed. Used when code reuse is
	// detected.
	DeleteAccessTokensForClient(ctx context.Context, clientID string) (int, error)

	// SaveRefreshToken stores an issued refresh token.
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken retrieves a refresh token without consuming it.
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// AtomicGetAndDeleteRefreshToken atomically retrieves and removes a
	// refresh token, so that exactly one concurrent refresh can rotate it.
	// Returns ErrRefreshTokenNotFound when the token is absent, which
	// includes the case where another caller already rotated it.
	AtomicGetAndDeleteRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// DeleteRefreshToken removes a refresh token.
	DeleteRefreshToken(ctx context.Context, token string) error
}

// Store is the composite contract the authorization server depends on.
type Store interface {
	ClientStore
	CodeStore
	TokenStore
}
