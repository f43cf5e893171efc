package keypool

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// setCooldownScript mirrors the atomic SET+EXPIRE pattern the prior router
// implementation used for cooldown tracking: a single round trip writes the
// deadline and attaches its own TTL so an abandoned key never outlives its
// cooldown window.
const setCooldownScript = `
local key = KEYS[1]
local until_unix = ARGV[1]
local ttl_seconds = tonumber(ARGV[2])
redis.call('SET', key, until_unix)
redis.call('EXPIRE', key, ttl_seconds)
return redis.status_reply("OK")
`

// RedisStore is a SlotStore backed by Redis, for deployments that run more
// than one router replica behind the same set of provider keys.
type RedisStore struct {
	client      redis.UniversalClient
	keyPrefix   string
	setCooldown *redis.Script
}

// NewRedisStore wraps an existing Redis client. keyPrefix namespaces this
// router's keys (e.g. "routecore:cooldown:") in a shared Redis instance.
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "routecore:cooldown:"
	}
	return &RedisStore{
		client:      client,
		keyPrefix:   keyPrefix,
		setCooldown: redis.NewScript(setCooldownScript),
	}
}

func (s *RedisStore) cooldownKey(provider string, keyIndex int) string {
	return fmt.Sprintf("%s%s:%d", s.keyPrefix, provider, keyIndex)
}

// GetCooldown reads the distributed cooldown deadline, if any.
func (s *RedisStore) GetCooldown(ctx context.Context, provider string, keyIndex int) (time.Time, error) {
	ctx, cancel := withStoreTimeout(ctx)
	defer cancel()

	val, err := s.client.Get(ctx, s.cooldownKey(provider, keyIndex)).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("redis get cooldown: %w", err)
	}

	unixSeconds, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cooldown value %q: %w", val, err)
	}
	return time.Unix(unixSeconds, 0), nil
}

// SetCooldown writes the distributed cooldown deadline with a TTL bound to
// it, via a single atomic script.
func (s *RedisStore) SetCooldown(ctx context.Context, provider string, keyIndex int, until time.Time, ttl time.Duration) error {
	ctx, cancel := withStoreTimeout(ctx)
	defer cancel()

	if ttl <= 0 {
		ttl = maxCooldown
	}
	key := s.cooldownKey(provider, keyIndex)
	return s.setCooldown.Run(ctx, s.client, []string{key}, until.Unix(), int(ttl.Seconds())).Err()
}

// Close releases the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
