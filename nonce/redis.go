package nonce

import (
	"context"
	"fmt"
	"time"

	"github.com/certkiln/certkiln/acmecrypto"
	"github.com/certkiln/certkiln/internal"
	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "nonce:"

type redisManager struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisManager returns a Manager backed by redis so multiple nodes share
// one replay-protection domain. Single-use is enforced by the atomicity of
// DEL: exactly one caller observes the delete of a given key.
func NewRedisManager(addr string, ttl time.Duration) Manager {
	return &redisManager{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

func (m *redisManager) Issue(ctx context.Context) (string, error) {
	token, err := acmecrypto.GenToken()
	if err != nil {
		return "", err
	}
	err = m.client.Set(ctx, redisKeyPrefix+token, 1, m.ttl).Err()
	if err != nil {
		return "", fmt.Errorf("error in redis Set: %w", err)
	}
	internal.Metric_NoncesIssued.Inc()
	return token, nil
}

func (m *redisManager) Consume(ctx context.Context, token string) (bool, error) {
	deleted, err := m.client.Del(ctx, redisKeyPrefix+token).Result()
	if err != nil {
		return false, fmt.Errorf("error in redis Del: %w", err)
	}
	if deleted == 0 {
		internal.Metric_NoncesRejected.Inc()
		return false, nil
	}
	return true, nil
}
