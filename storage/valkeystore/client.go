package valkeystore

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/gatewise/toolgate/storage"
)

// dummySecretHash is a bcrypt hash compared against when the client does not
// exist, so lookup misses cost the same as real comparisons.
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// SaveClient stores a client registration. Client records do not expire.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil {
		return fmt.Errorf("client cannot be nil")
	}
	if client.ID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}
	if err := validateStringLength(client.ID, MaxIDLength, "client ID"); err != nil {
		return err
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	key := s.clientKey(client.ID)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ID)
	return nil
}

// GetClient retrieves a client by ID. Returns storage.ErrClientNotFound if
// no client with the given ID exists.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return getAndUnmarshal(ctx, s, s.clientKey(clientID), storage.ErrClientNotFound, fromClientJSON)
}

// ValidateClientSecret checks a client's credentials. Unknown clients still
// pay for a bcrypt comparison, and both failure modes return the same
// storage.ErrInvalidClientSecret. Public clients (no stored hash) accept any
// secret; the flow layer enforces PKCE for them instead.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, secret string) (*storage.Client, error) {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		_ = bcrypt.CompareHashAndPassword([]byte(dummySecretHash), []byte(secret))
		return nil, storage.ErrInvalidClientSecret
	}

	if client.SecretHash == "" {
		return client, nil
	}

	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(secret)); err != nil {
		return nil, storage.ErrInvalidClientSecret
	}

	return client, nil
}

// ListClients returns all registered clients.
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	pattern := s.clientKey("*")

	// SCAN can return duplicates across iterations; dedupe by key.
	seen := make(map[string]bool)
	var clients []*storage.Client

	var cursor uint64
	for {
		entry, err := s.client.Do(ctx, s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build()).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to scan clients: %w", err)
		}

		for _, key := range entry.Elements {
			if seen[key] {
				continue
			}
			seen[key] = true

			data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
			if err != nil {
				if isNilError(err) {
					continue
				}
				return nil, fmt.Errorf("failed to get client %s: %w", key, err)
			}

			var j clientJSON
			if err := json.Unmarshal([]byte(data), &j); err != nil {
				s.logger.Warn("Skipping malformed client record", "key", key, "error", err)
				continue
			}
			clients = append(clients, fromClientJSON(&j))
		}

		cursor = entry.Cursor
		if cursor == 0 {
			break
		}
	}

	return clients, nil
}
