package usage_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"stemsplit-backend/internal/usage"
)

func newLimiter(t *testing.T) (*usage.Limiter, *clock.Mock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC))

	store := usage.NewRedisStore(client, "test")
	return usage.NewLimiter(store, clk, 3, 1), clk, mr
}

func TestResolveIdentity(t *testing.T) {
	id, err := usage.ResolveIdentity("user-1", "fp-1")
	require.NoError(t, err)
	assert.Equal(t, usage.Identity{Value: "user-1", Registered: true}, id)

	id, err = usage.ResolveIdentity("", "fp-1")
	require.NoError(t, err)
	assert.Equal(t, usage.Identity{Value: "fp-1"}, id)

	_, err = usage.ResolveIdentity(" ", "")
	assert.ErrorIs(t, err, usage.ErrMissingIdentity)
}

func TestLimiter_Registered(t *testing.T) {
	limiter, _, _ := newLimiter(t)
	ctx := context.Background()
	id := usage.Identity{Value: "user-1", Registered: true}

	d, err := limiter.Check(ctx, id, "vocal_remover")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 3, d.Remaining)
	assert.Equal(t, 3, d.Limit)

	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Increment(ctx, id, "vocal_remover"))
	}

	d, err = limiter.Check(ctx, id, "vocal_remover")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, "You have reached your daily limit of 3 files. Please try again tomorrow.", d.Message)

	// tools are counted separately
	d, err = limiter.Check(ctx, id, "audio_splitter")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestLimiter_Anonymous(t *testing.T) {
	limiter, _, _ := newLimiter(t)
	ctx := context.Background()
	id := usage.Identity{Value: "fp-1"}

	require.NoError(t, limiter.Increment(ctx, id, "vocal_remover"))

	d, err := limiter.Check(ctx, id, "vocal_remover")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 1, d.Limit)
	assert.Equal(t, "You have reached your daily limit of 1 file. Please register for more usage.", d.Message)
}

func TestLimiter_CheckN(t *testing.T) {
	limiter, _, _ := newLimiter(t)
	ctx := context.Background()
	id := usage.Identity{Value: "user-2", Registered: true}

	require.NoError(t, limiter.Increment(ctx, id, "vocal_remover"))

	d, err := limiter.CheckN(ctx, id, "vocal_remover", 3)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)
	assert.NotEmpty(t, d.Message)

	d, err = limiter.CheckN(ctx, id, "vocal_remover", 2)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestLimiter_DailyReset(t *testing.T) {
	limiter, clk, _ := newLimiter(t)
	ctx := context.Background()
	id := usage.Identity{Value: "fp-2"}

	require.NoError(t, limiter.Increment(ctx, id, "vocal_remover"))
	d, err := limiter.Check(ctx, id, "vocal_remover")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	clk.Add(24 * time.Hour)
	assert.Equal(t, "2024-05-02", limiter.Today())

	d, err = limiter.Check(ctx, id, "vocal_remover")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Used)
	assert.Equal(t, 1, d.Remaining)
}

func TestLimiter_IncrementAfterDayChangeResets(t *testing.T) {
	limiter, clk, _ := newLimiter(t)
	ctx := context.Background()
	id := usage.Identity{Value: "user-3", Registered: true}

	require.NoError(t, limiter.Increment(ctx, id, "vocal_remover"))
	require.NoError(t, limiter.Increment(ctx, id, "vocal_remover"))

	clk.Add(24 * time.Hour)
	require.NoError(t, limiter.Increment(ctx, id, "vocal_remover"))

	d, err := limiter.Check(ctx, id, "vocal_remover")
	require.NoError(t, err)
	assert.Equal(t, 1, d.Used)
}

func TestLimiter_IncrementRecordsClockTime(t *testing.T) {
	limiter, clk, mr := newLimiter(t)
	id := usage.Identity{Value: "user-5", Registered: true}

	clk.Add(90 * time.Minute)
	require.NoError(t, limiter.Increment(context.Background(), id, "vocal_remover"))

	assert.Equal(t, "2024-05-01T11:00:00Z", mr.HGet("test:usage:vocal_remover:user-5", "last_used_at"))
	assert.Equal(t, "2024-05-01", mr.HGet("test:usage:vocal_remover:user-5", "reset_date"))
}

func TestLimiter_ConcurrentIncrements(t *testing.T) {
	limiter, _, _ := newLimiter(t)
	ctx := context.Background()
	id := usage.Identity{Value: "user-4", Registered: true}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, limiter.Increment(ctx, id, "vocal_remover"))
		}()
	}
	wg.Wait()

	d, err := limiter.Check(ctx, id, "vocal_remover")
	require.NoError(t, err)
	assert.Equal(t, 2, d.Used)
	assert.Equal(t, 1, d.Remaining)
}

func TestLimiter_MissingIdentity(t *testing.T) {
	limiter, _, _ := newLimiter(t)

	_, err := limiter.Check(context.Background(), usage.Identity{}, "vocal_remover")
	assert.ErrorIs(t, err, usage.ErrMissingIdentity)
	assert.ErrorIs(t, limiter.Increment(context.Background(), usage.Identity{}, "vocal_remover"), usage.ErrMissingIdentity)
}

func TestLimiter_StoreUnavailable(t *testing.T) {
	limiter, _, mr := newLimiter(t)
	mr.Close()

	_, err := limiter.Check(context.Background(), usage.Identity{Value: "fp-3"}, "vocal_remover")
	assert.Error(t, err)
}
