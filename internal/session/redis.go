package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores sessions as JSON values with a server-side expiry.
type Redis struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
	Now    func() time.Time
}

func NewRedis(addr, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{
		Client: redis.NewClient(&redis.Options{Addr: addr}),
		Prefix: prefix,
		TTL:    ttl,
		Now:    time.Now,
	}
}

func (r *Redis) key(tenant, thread string) string {
	return r.Prefix + key(tenant, thread)
}

func (r *Redis) Get(ctx context.Context, tenant, thread string) (Session, error) {
	raw, err := r.Client.Get(ctx, r.key(tenant, thread)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("redis get session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	return s, nil
}

func (r *Redis) Put(ctx context.Context, s Session) error {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	s.UpdatedAt = now()
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := r.Client.Set(ctx, r.key(s.Tenant, s.ThreadKey), raw, r.TTL).Err(); err != nil {
		return fmt.Errorf("redis put session: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, tenant, thread string) error {
	return r.Client.Del(ctx, r.key(tenant, thread)).Err()
}

func (r *Redis) Close() error {
	return r.Client.Close()
}
