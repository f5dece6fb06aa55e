package leaderelection

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisBackend implements leader election with Redis SET NX + TTL, for
// multi-host agent HA. Grounded near verbatim on the teacher's
// redisBackend, including its renew/release Lua scripts that check the
// stored instance ID before mutating the key so one instance never steps
// on another's lease.
type redisBackend struct {
	cfg     *Config
	client  *redis.Client
	lockKey string
}

func newRedisBackend(cfg *Config) *redisBackend {
	return &redisBackend{
		cfg:     cfg,
		client:  cfg.RedisClient,
		lockKey: fmt.Sprintf("%s%s", cfg.RedisKeyPrefix, cfg.NodeID),
	}
}

func (rb *redisBackend) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := rb.client.SetNX(ctx, rb.lockKey, rb.cfg.InstanceID, rb.cfg.LeaseDuration).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

var renewScript = redis.NewScript(`
	local current = redis.call('GET', KEYS[1])
	if current == ARGV[1] then
		redis.call('EXPIRE', KEYS[1], ARGV[2])
		return 1
	end
	return 0
`)

func (rb *redisBackend) Renew(ctx context.Context) error {
	result, err := renewScript.Run(ctx, rb.client, []string{rb.lockKey},
		rb.cfg.InstanceID, int(rb.cfg.LeaseDuration.Seconds())).Result()
	if err != nil {
		return fmt.Errorf("redis renew: %w", err)
	}
	renewed, ok := result.(int64)
	if !ok || renewed != 1 {
		return fmt.Errorf("not the current leader")
	}
	return nil
}

var releaseScript = redis.NewScript(`
	local current = redis.call('GET', KEYS[1])
	if current == ARGV[1] then
		redis.call('DEL', KEYS[1])
		return 1
	end
	return 0
`)

func (rb *redisBackend) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, rb.client, []string{rb.lockKey}, rb.cfg.InstanceID).Result()
	if err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

func (rb *redisBackend) GetLeader(ctx context.Context) (string, error) {
	leader, err := rb.client.Get(ctx, rb.lockKey).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", err
	}
	return leader, nil
}

func (rb *redisBackend) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return rb.Release(ctx)
}
