// Package lock elects a single active sweeper among replicas with a Redis
// lease.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects to addr and pings it. It returns nil when the
// server cannot be reached so callers can run without coordination.
func NewRedisClient(addr, password string, db int) *redis.Client {
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil
	}
	return client
}

// acquireScript takes the lease if free and renews it if already held by
// the caller's token.
var acquireScript = redis.NewScript(`
	local holder = redis.call('GET', KEYS[1])
	if holder == ARGV[1] then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
		return 1
	end
	if holder then
		return 0
	end
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
`)

var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// Leader is a renewable lease on one key.
type Leader struct {
	client redis.Scripter
	key    string
	token  string
	ttl    time.Duration
}

// NewLeader returns a lease on key held for ttl after each acquire.
func NewLeader(client redis.Scripter, key string, ttl time.Duration) *Leader {
	return &Leader{client: client, key: key, token: uuid.NewString(), ttl: ttl}
}

// Acquire takes or renews the lease and reports whether this process holds it.
func (l *Leader) Acquire(ctx context.Context) (bool, error) {
	n, err := acquireScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	return n == 1, nil
}

// Release gives the lease up if this process holds it.
func (l *Leader) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}
