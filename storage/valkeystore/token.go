package valkeystore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gatewise/toolgate/internal/util"
	"github.com/gatewise/toolgate/security"
	"github.com/gatewise/toolgate/storage"
)

// SaveAccessToken stores an issued access token with a TTL matching its
// expiry, and records it in the owning client's token set so code-replay
// revocation can find every live token.
//
// All access tokens share the configured TTL, so refreshing the set's expiry
// on each save keeps the set alive at least as long as its newest member.
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("access token cannot be empty")
	}
	if err := validateStringLength(token.Token, MaxTokenLength, "access token"); err != nil {
		return err
	}

	ttl := calculateTTL(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("access token is already expired")
	}

	data, err := json.Marshal(toAccessTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal access token: %w", err)
	}

	key := s.accessTokenKey(token.Token)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}

	indexKey := s.clientTokensKey(token.ClientID)
	if err := s.client.Do(ctx, s.client.B().Sadd().Key(indexKey).Member(token.Token).Build()).Error(); err != nil {
		return fmt.Errorf("failed to index access token: %w", err)
	}
	ttlSeconds := int64(ttl.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}
	if err := s.client.Do(ctx, s.client.B().Expire().Key(indexKey).Seconds(ttlSeconds).Build()).Error(); err != nil {
		return fmt.Errorf("failed to set token index expiry: %w", err)
	}

	s.logger.Debug("Saved access token",
		"token_prefix", util.SafeTruncate(token.Token, tokenLogLength),
		"client_id", token.ClientID)
	return nil
}

// GetAccessToken retrieves an access token.
func (s *Store) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	accessToken, err := getAndUnmarshal(ctx, s, s.accessTokenKey(token), storage.ErrTokenNotFound, fromAccessTokenJSON)
	if err != nil {
		return nil, err
	}

	if security.IsExpired(accessToken.ExpiresAt) {
		return nil, fmt.Errorf("%w: access token expired", storage.ErrTokenExpired)
	}

	return accessToken, nil
}

// DeleteAccessToken removes an access token. The client's token set keeps
// the stale member until the set expires; deleting a missing key later
// counts as zero revocations, so the stale entry is harmless.
func (s *Store) DeleteAccessToken(ctx context.Context, token string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.accessTokenKey(token)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete access token: %w", err)
	}
	return nil
}

// DeleteAccessTokensForClient removes every live access token issued to a
// client and returns how many were revoked.
func (s *Store) DeleteAccessTokensForClient(ctx context.Context, clientID string) (int, error) {
	indexKey := s.clientTokensKey(clientID)

	tokens, err := s.client.Do(ctx, s.client.B().Smembers().Key(indexKey).Build()).AsStrSlice()
	if err != nil {
		if isNilError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list client tokens: %w", err)
	}
	if len(tokens) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(tokens))
	for _, token := range tokens {
		keys = append(keys, s.accessTokenKey(token))
	}

	removed, err := s.client.Do(ctx, s.client.B().Del().Key(keys...).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to delete client tokens: %w", err)
	}

	if err := s.client.Do(ctx, s.client.B().Del().Key(indexKey).Build()).Error(); err != nil {
		return int(removed), fmt.Errorf("failed to delete client token index: %w", err)
	}

	if removed > 0 {
		s.logger.Info("Revoked access tokens for client",
			"client_id", clientID,
			"count", removed)
	}
	return int(removed), nil
}

// SaveRefreshToken stores an issued refresh token with a TTL matching its
// expiry.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("refresh token cannot be empty")
	}
	if err := validateStringLength(token.Token, MaxTokenLength, "refresh token"); err != nil {
		return err
	}

	ttl := calculateTTL(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refresh token is already expired")
	}

	data, err := json.Marshal(toRefreshTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	key := s.refreshTokenKey(token.Token)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}

	s.logger.Debug("Saved refresh token",
		"token_prefix", util.SafeTruncate(token.Token, tokenLogLength),
		"client_id", token.ClientID)
	return nil
}

// GetRefreshToken retrieves a refresh token without consuming it.
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	refreshToken, err := getAndUnmarshal(ctx, s, s.refreshTokenKey(token), storage.ErrRefreshTokenNotFound, fromRefreshTokenJSON)
	if err != nil {
		return nil, err
	}

	if security.IsExpired(refreshToken.ExpiresAt) {
		return nil, fmt.Errorf("%w: refresh token expired", storage.ErrTokenExpired)
	}

	return refreshToken, nil
}

// AtomicGetAndDeleteRefreshToken atomically retrieves and removes a refresh
// token. The get-and-delete runs as a Lua script, so exactly one caller
// receives the token even across gateway instances; the rest observe
// ErrRefreshTokenNotFound. Expired tokens are removed and reported expired.
func (s *Store) AtomicGetAndDeleteRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	key := s.refreshTokenKey(token)

	result, err := s.client.Do(ctx, s.client.B().Eval().Script(luaGetAndDeleteRefreshToken).Numkeys(1).Key(key).Build()).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute refresh rotation script: %w", err)
	}

	if result == "NOT_FOUND" {
		return nil, storage.ErrRefreshTokenNotFound
	}

	var j refreshTokenJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}

	refreshToken := fromRefreshTokenJSON(&j)
	if security.IsExpired(refreshToken.ExpiresAt) {
		return nil, fmt.Errorf("%w: refresh token expired", storage.ErrTokenExpired)
	}

	s.logger.Debug("Consumed refresh token",
		"token_prefix", util.SafeTruncate(token, tokenLogLength))
	return refreshToken, nil
}

// DeleteRefreshToken removes a refresh token. Deleting an unknown token is
// not an error.
func (s *Store) DeleteRefreshToken(ctx context.Context, token string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.refreshTokenKey(token)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete refresh token: %w", err)
	}
	return nil
}
