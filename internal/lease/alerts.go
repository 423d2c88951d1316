package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Alerts keeps reconciler alert state in one Redis hash so whichever
// replica holds the lease sees what was already reported.
type Alerts struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

func NewAlerts(client redis.UniversalClient, key string, ttl time.Duration) *Alerts {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Alerts{client: client, key: key, ttl: ttl}
}

func (a *Alerts) Load(ctx context.Context) (map[string]string, error) {
	m, err := a.client.HGetAll(ctx, a.key).Result()
	if err != nil {
		return nil, fmt.Errorf("lease: load %s: %w", a.key, err)
	}
	return m, nil
}

// Save replaces the stored hash with alerts.
func (a *Alerts) Save(ctx context.Context, alerts map[string]string) error {
	_, err := a.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, a.key)
		if len(alerts) > 0 {
			fields := make([]any, 0, 2*len(alerts))
			for k, v := range alerts {
				fields = append(fields, k, v)
			}
			p.HSet(ctx, a.key, fields...)
			p.Expire(ctx, a.key, a.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("lease: save %s: %w", a.key, err)
	}
	return nil
}
