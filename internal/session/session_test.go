package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryExpiresAfterTTL(t *testing.T) {
	clock := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	m := NewMemory(time.Hour)
	m.Now = func() time.Time { return clock }
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, Session{Tenant: "acme", ThreadKey: "t1", BookingID: "b1"}))
	s, err := m.Get(ctx, "acme", "t1")
	require.NoError(t, err)
	assert.Equal(t, "b1", s.BookingID)
	assert.Equal(t, clock, s.UpdatedAt)

	_, err = m.Get(ctx, "other", "t1")
	assert.ErrorIs(t, err, ErrNotFound)

	clock = clock.Add(time.Hour)
	_, err = m.Get(ctx, "acme", "t1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, m.Len())
}

func TestTouchCountsTurns(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()
	s, err := Touch(ctx, m, "acme", "t1", "b1", "provide_info")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Turns)

	s, err = Touch(ctx, m, "acme", "t1", "b1", "")
	require.NoError(t, err)
	assert.Equal(t, 2, s.Turns)
	assert.Equal(t, "provide_info", s.LastIntent)

	// a different booking on the same thread starts over
	s, err = Touch(ctx, m, "acme", "t1", "b2", "question")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Turns)

	require.NoError(t, m.Delete(ctx, "acme", "t1"))
	_, err = m.Get(ctx, "acme", "t1")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestRedisIntegration requires a running Redis and is skipped otherwise.
func TestRedisIntegration(t *testing.T) {
	r := NewRedis("localhost:6379", "venueline-test:session:", time.Minute)
	defer r.Close()
	ctx := context.Background()
	if err := r.Client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	defer r.Delete(ctx, "acme", "t1")

	s, err := Touch(ctx, r, "acme", "t1", "b1", "provide_info")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Turns)
	got, err := r.Get(ctx, "acme", "t1")
	require.NoError(t, err)
	assert.Equal(t, "b1", got.BookingID)
	ttl, err := r.Client.TTL(ctx, r.key("acme", "t1")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
