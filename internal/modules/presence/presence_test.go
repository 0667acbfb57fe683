package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	redisc "github.com/streamgate/core/internal/pkg/redis"
	"go.uber.org/zap"
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redisc.NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	clock := &testClock{t: time.Now()}
	return NewStore(rc, zap.NewNop(), WithClock(clock.now)), clock
}

func TestMarkOnlineAndIsOnline(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.MarkOnline(ctx, "s1", 30*time.Second))

	online, err := store.IsOnline(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, online)

	online, err = store.IsOnline(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestPresenceTTLDecay(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.MarkOnline(ctx, "s1", 5*time.Second))
	clock.advance(6 * time.Second)

	// Expired without any explicit MarkOffline.
	online, err := store.IsOnline(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, online)

	ccu, err := store.CCUEstimate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, ccu)
}

func TestMarkOffline(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.MarkOnline(ctx, "s1", time.Minute))
	require.NoError(t, store.MarkOffline(ctx, "s1"))

	online, err := store.IsOnline(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestCCUEstimatePrunesExpired(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.MarkOnline(ctx, "s1", 5*time.Second))
	require.NoError(t, store.MarkOnline(ctx, "s2", time.Minute))
	clock.advance(10 * time.Second)
	require.NoError(t, store.MarkOnline(ctx, "s3", time.Minute))

	ccu, err := store.CCUEstimate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, ccu)
}

func TestMarkEventOnlineCountsPerEvent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	n, err := store.MarkEventOnline(ctx, "s1", "ev1", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = store.MarkEventOnline(ctx, "s2", "ev1", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = store.MarkEventOnline(ctx, "s3", "ev2", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = store.EventCCU(ctx, "ev1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestFilterOffline(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.MarkOnline(ctx, "alive", time.Minute))
	require.NoError(t, store.MarkOnline(ctx, "stale", 5*time.Second))
	clock.advance(10 * time.Second)

	offline, err := store.FilterOffline(ctx, []string{"alive", "stale", "never-seen"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"stale", "never-seen"}, offline)
}
