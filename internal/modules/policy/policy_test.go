package policy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/streamgate/core/internal/pkg/redis"
	"go.uber.org/zap"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	clock := &testClock{t: time.Now()}
	store := NewStore(rc, zap.NewNop())
	store.now = clock.Now
	return store, mr, clock
}

func TestIntDefaultsAndValues(t *testing.T) {
	store, mr, _ := newTestStore(t)
	ctx := context.Background()

	assert.Equal(t, 15, store.Int(ctx, "access_ttl_minutes", 15))

	mr.HSet("gate:policy", "access_ttl_minutes", "30")
	mr.HSet("gate:policy", "online_ttl_seconds", "not-a-number")

	// Cached empty snapshot still serves until it expires.
	assert.Equal(t, 15, store.Int(ctx, "access_ttl_minutes", 15))
}

func TestIntCacheExpiry(t *testing.T) {
	store, mr, clock := newTestStore(t)
	ctx := context.Background()

	mr.HSet("gate:policy", "online_ttl_seconds", "90")
	assert.Equal(t, 90, store.Int(ctx, "online_ttl_seconds", 60))

	mr.HSet("gate:policy", "online_ttl_seconds", "120")
	assert.Equal(t, 90, store.Int(ctx, "online_ttl_seconds", 60), "within the cache window")

	clock.Advance(31 * time.Second)
	assert.Equal(t, 120, store.Int(ctx, "online_ttl_seconds", 60))
}

func TestIntMalformedValue(t *testing.T) {
	store, mr, _ := newTestStore(t)
	mr.HSet("gate:policy", "online_ttl_seconds", "ninety")
	assert.Equal(t, 60, store.Int(context.Background(), "online_ttl_seconds", 60))
}

func TestSetInvalidatesCache(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	assert.Equal(t, 15, store.Int(ctx, "access_ttl_minutes", 15))
	require.NoError(t, store.Set(ctx, "access_ttl_minutes", 45))
	assert.Equal(t, 45, store.Int(ctx, "access_ttl_minutes", 15))

	all, err := store.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, "45", all["access_ttl_minutes"])
}
