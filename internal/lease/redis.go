// Package lease elects a single reconciliation runner across replicas.
package lease

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while this holder still owns it.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

type Redis struct {
	client redis.UniversalClient
	key    string
	owner  string
	ttl    time.Duration
}

func NewRedis(client redis.UniversalClient, key string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Redis{client: client, key: key, owner: uuid.NewString(), ttl: ttl}
}

// TryAcquire takes the lease if nobody holds it. The TTL bounds how long a
// crashed holder can block the other replicas.
func (l *Redis) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease: acquire %s: %w", l.key, err)
	}
	return ok, nil
}

func (l *Redis) Release(ctx context.Context) error {
	err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lease: release %s: %w", l.key, err)
	}
	return nil
}

// NewClient dials Redis and pings it. It returns nil when the server cannot
// be reached so callers can fall back to running without a lease.
func NewClient(addr, password string, db int, useTLS bool) *redis.Client {
	if addr == "" {
		return nil
	}
	opts := &redis.Options{Addr: addr, Password: password, DB: db}
	if useTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil
	}
	return client
}
