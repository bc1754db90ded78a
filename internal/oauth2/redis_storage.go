package oauth2

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"metering-gateway/internal/crypto"
)

// TokenStore persists one TokenRecord per account.
type TokenStore interface {
	// Load returns nil, nil when the account has no token.
	Load(ctx context.Context, accountID string) (*TokenRecord, error)
	Save(ctx context.Context, record *TokenRecord) error
	Delete(ctx context.Context, accountID string) error
}

// RedisInterface defines the Redis operations needed for token storage.
type RedisInterface interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// DefaultTokenTTL bounds how long an unused record survives. Provider refresh
// tokens stay valid far longer than access tokens, so the TTL is not derived
// from ExpiresAt.
const DefaultTokenTTL = 90 * 24 * time.Hour

// RedisTokenStore stores records as JSON under "enedis:token:<account>", with
// both tokens passed through a crypto.Cipher first.
type RedisTokenStore struct {
	client RedisInterface
	cipher crypto.Cipher
	prefix string
	ttl    time.Duration
}

// NewRedisTokenStore creates a store. A nil cipher stores tokens in clear.
func NewRedisTokenStore(client RedisInterface, cipher crypto.Cipher) *RedisTokenStore {
	if cipher == nil {
		cipher = crypto.Plaintext{}
	}
	return &RedisTokenStore{
		client: client,
		cipher: cipher,
		prefix: "enedis:token:",
		ttl:    DefaultTokenTTL,
	}
}

func (s *RedisTokenStore) key(accountID string) string {
	return s.prefix + accountID
}

func (s *RedisTokenStore) Save(ctx context.Context, record *TokenRecord) error {
	sealed := *record

	var err error
	if sealed.AccessToken, err = s.cipher.Encrypt(record.AccessToken); err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	if sealed.RefreshToken, err = s.cipher.Encrypt(record.RefreshToken); err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	data, err := json.Marshal(&sealed)
	if err != nil {
		return fmt.Errorf("failed to serialize token: %w", err)
	}

	return s.client.Set(ctx, s.key(record.AccountID), string(data), s.ttl)
}

func (s *RedisTokenStore) Load(ctx context.Context, accountID string) (*TokenRecord, error) {
	data, err := s.client.Get(ctx, s.key(accountID))
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load token: %w", err)
	}
	if data == "" {
		return nil, nil
	}

	var record TokenRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to deserialize token: %w", err)
	}

	if record.AccessToken, err = s.cipher.Decrypt(record.AccessToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	if record.RefreshToken, err = s.cipher.Decrypt(record.RefreshToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	return &record, nil
}

// Delete is idempotent.
func (s *RedisTokenStore) Delete(ctx context.Context, accountID string) error {
	return s.client.Delete(ctx, s.key(accountID))
}
