package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/testutil"
)

func counter(value any) (func(context.Context) (any, error), *int) {
	calls := 0
	return func(context.Context) (any, error) {
		calls++
		return value, nil
	}, &calls
}

func TestGetOrFetch_TTL(t *testing.T) {
	clock := testutil.NewFakeClock()
	c := New(WithClock(clock))
	ctx := context.Background()
	fetch, calls := counter("rows")

	v, err := c.GetOrFetch(ctx, "transactions_u1", fetch, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "rows", v)

	clock.Advance(999 * time.Millisecond)
	_, err = c.GetOrFetch(ctx, "transactions_u1", fetch, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, *calls, "hit within ttl must not fetch")

	clock.Advance(time.Millisecond)
	_, err = c.GetOrFetch(ctx, "transactions_u1", fetch, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, *calls, "expired entry must refetch")
}

func TestGet_ExpiredIsAbsent(t *testing.T) {
	clock := testutil.NewFakeClock()
	c := New(WithClock(clock))
	c.Set("k", 1, time.Minute)

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	clock.Advance(time.Minute)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestGetOrFetch_ErrorNotCached(t *testing.T) {
	c := New(WithClock(testutil.NewFakeClock()))
	boom := errors.New("remote down")

	_, err := c.GetOrFetch(context.Background(), "k", func(context.Context) (any, error) {
		return nil, boom
	}, time.Minute)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())
}

func TestInvalidate_Substring(t *testing.T) {
	c := New(WithClock(testutil.NewFakeClock()))
	c.Set("transactions_u1", 1, time.Minute)
	c.Set("transactions_u2", 2, time.Minute)
	c.Set("banks_u1", 3, time.Minute)

	assert.Equal(t, 2, c.Invalidate("transactions"))
	_, ok := c.Get("transactions_u1")
	assert.False(t, ok)
	_, ok = c.Get("banks_u1")
	assert.True(t, ok)

	fetch, calls := counter("fresh")
	v, err := c.GetOrFetch(context.Background(), "transactions_u1", fetch, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
	assert.Equal(t, 1, *calls)
}

func TestInvalidate_EmptyPatternClearsAll(t *testing.T) {
	c := New(WithClock(testutil.NewFakeClock()))
	c.Set("a", 1, time.Minute)
	c.Set("b", 2, time.Minute)

	c.Invalidate("")
	assert.Equal(t, 0, c.Len())
}

func TestFetch_Typed(t *testing.T) {
	c := New(WithClock(testutil.NewFakeClock()))
	ctx := context.Background()
	calls := 0
	fetch := func(context.Context) ([]string, error) {
		calls++
		return []string{"a", "b"}, nil
	}

	got, err := Fetch(ctx, c, "k", fetch, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)
	got, err = Fetch(ctx, c, "k", fetch, time.Minute)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 1, calls)
}

func TestClose_DisablesStores(t *testing.T) {
	c := New(WithClock(testutil.NewFakeClock()))
	c.Set("a", 1, time.Minute)
	c.Close()

	assert.Equal(t, 0, c.Len())
	c.Set("b", 2, time.Minute)
	assert.Equal(t, 0, c.Len())

	fetch, calls := counter("x")
	_, err := c.GetOrFetch(context.Background(), "b", fetch, time.Minute)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, *calls)
}

func TestGetOrFetch_ConcurrentMissesNotDeduplicated(t *testing.T) {
	c := New(WithClock(testutil.NewFakeClock()))
	release := make(chan struct{})
	var mu sync.Mutex
	calls := 0
	fetch := func(context.Context) (any, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		<-release
		return "v", nil
	}

	var wg sync.WaitGroup
	started := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started <- struct{}{}
			_, _ = c.GetOrFetch(context.Background(), "k", fetch, time.Minute)
		}()
	}
	<-started
	<-started
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	}, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, c.Len())
}

func TestGetOrFetch_InvalidatedMidFetchNotStored(t *testing.T) {
	c := New(WithClock(testutil.NewFakeClock()))
	ctx := context.Background()

	v, err := c.GetOrFetch(ctx, "banks_u1", func(context.Context) (any, error) {
		// A sync lands while the read is in flight.
		c.Invalidate("banks")
		return "pre-sync rows", nil
	}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "pre-sync rows", v, "the caller still gets its result")
	assert.Equal(t, 0, c.Len())

	fetch, calls := counter("post-sync rows")
	v, err = c.GetOrFetch(ctx, "banks_u1", fetch, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "post-sync rows", v)
	assert.Equal(t, 1, *calls)

	_, err = c.GetOrFetch(ctx, "banks_u1", fetch, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, *calls, "a fetch with no overlapping invalidation is stored")
}

func TestFetch_InvalidatedMidFetchNotStored(t *testing.T) {
	c := New(WithClock(testutil.NewFakeClock()))

	got, err := Fetch(context.Background(), c, "debts_u1", func(context.Context) ([]string, error) {
		c.Clear()
		return []string{"stale"}, nil
	}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, got)
	_, ok := c.Get("debts_u1")
	assert.False(t, ok)
}
