package auth

import (
	"context"
	"time"

	"github.com/choregarden/choregarden-core/pkg/clients/redis"
	cgerr "github.com/choregarden/choregarden-core/pkg/errors"
)

// DefaultKeySetStoreTTL is how long a shared key set document lives in
// Redis before instances fall back to the provider.
const DefaultKeySetStoreTTL = 6 * time.Hour

const keySetKeyPrefix = "choregarden:jwks:"

// StringStore is the subset of [*redis.Client] the key set store needs.
type StringStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
}

var (
	_ StringStore = (*redis.Client)(nil)
	_ KeySetStore = (*RedisKeySetStore)(nil)
)

// RedisKeySetStore keeps raw key set documents in Redis under
// "choregarden:jwks:{issuer URL}".
type RedisKeySetStore struct {
	client StringStore
	ttl    time.Duration
}

// NewRedisKeySetStore returns a store over client. A non-positive ttl uses
// [DefaultKeySetStoreTTL].
func NewRedisKeySetStore(client StringStore, ttl time.Duration) *RedisKeySetStore {
	if ttl <= 0 {
		ttl = DefaultKeySetStoreTTL
	}
	return &RedisKeySetStore{client: client, ttl: ttl}
}

// Load returns the stored document, or (nil, nil) when the key is absent.
func (s *RedisKeySetStore) Load(ctx context.Context, cacheKey string) ([]byte, error) {
	v, err := s.client.Get(ctx, keySetKeyPrefix+cacheKey)
	if cgerr.HasCode(err, cgerr.CodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(v), nil
}

// Save stores doc with the store TTL.
func (s *RedisKeySetStore) Save(ctx context.Context, cacheKey string, doc []byte) error {
	return s.client.Set(ctx, keySetKeyPrefix+cacheKey, string(doc), s.ttl)
}
