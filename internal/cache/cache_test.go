package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keysOf(c interface{ Keys() []int }) []int {
	k := c.Keys()
	sort.Ints(k)
	return k
}

func TestFIFOEvictionIgnoresReads(t *testing.T) {
	c := NewFIFO[int, string](2)
	c.Set(0, "a")
	c.Set(1, "b")
	_, ok := c.Get(1)
	require.True(t, ok)
	c.Set(2, "c")
	_, _ = c.Get(1)
	c.Set(3, "d")
	assert.Equal(t, []int{2, 3}, keysOf(c))
	assert.Equal(t, 2, c.Len())
}

func TestLRUEvictionFollowsReads(t *testing.T) {
	c := NewLRU[int, string](2)
	c.Set(0, "a")
	c.Set(1, "b")
	c.Set(2, "c")
	_, ok := c.Get(1)
	require.True(t, ok)
	c.Set(3, "d")
	assert.Equal(t, []int{1, 3}, keysOf(c))
}

func TestContainsDoesNotPromote(t *testing.T) {
	c := NewLRU[int, int](2)
	c.Set(1, 1)
	c.Set(2, 2)
	assert.True(t, c.Contains(1))
	c.Set(3, 3)
	assert.False(t, c.Contains(1))
}

func TestSetOverwrites(t *testing.T) {
	c := NewFIFO[string, int](2)
	c.Set("a", 1)
	c.Set("a", 2)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Len())
	c.Delete("a")
	assert.False(t, c.Contains("a"))
}

func TestLookupMiss(t *testing.T) {
	c := NewLRU[string, int](1)
	_, err := Lookup[string, int](c, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	c.Set("x", 5)
	v, err := Lookup[string, int](c, "x")
	require.NoError(t, err)
	assert.Equal(t, 5, v)
}

func TestZeroCapacityHoldsOne(t *testing.T) {
	c := NewFIFO[int, int](0)
	c.Set(1, 1)
	c.Set(2, 2)
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Contains(2))
}

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

func TestTTLZeroMaxAgeExpiresImmediately(t *testing.T) {
	c := NewTTL[string, int](NewFIFO[string, Stamped[int]](4), 0)
	c.Set("k", 1)
	_, ok := c.Get("k")
	assert.False(t, ok)
	_, err := Lookup[string, int](c, "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.False(t, c.Contains("k"))
}

func TestTTLExpiresAfterMaxAge(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	c := NewTTL[string, int](NewLRU[string, Stamped[int]](4), time.Second).WithClock(clk.Now)
	c.Set("k", 1)
	clk.now = clk.now.Add(999 * time.Millisecond)
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	clk.now = clk.now.Add(time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry dropped on read")
}

func TestTTLPurgesExpiredOnInsertBeyondCapacity(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	base := NewLRU[int, Stamped[string]](2)
	c := NewTTL[int, string](base, time.Second).WithClock(clk.Now)
	c.Set(1, "old")
	clk.now = clk.now.Add(800 * time.Millisecond)
	c.Set(2, "fresh")
	// Reading 1 makes 2 the LRU candidate, but 1 is about to expire.
	_, ok := c.Get(1)
	require.True(t, ok)
	clk.now = clk.now.Add(300 * time.Millisecond)
	c.Set(3, "new")
	assert.Equal(t, []int{2, 3}, keysOf(base))
	// Still-present expired entries are invisible.
	assert.Equal(t, 2, c.Len())
}

func TestTTLOverwriteRefreshesStamp(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	c := NewTTL[string, int](NewFIFO[string, Stamped[int]](2), time.Second).WithClock(clk.Now)
	c.Set("k", 1)
	clk.now = clk.now.Add(900 * time.Millisecond)
	c.Set("k", 2)
	clk.now = clk.now.Add(900 * time.Millisecond)
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestAutoPopulatesOnMiss(t *testing.T) {
	var calls atomic.Int32
	a := NewAuto[string, int](NewLRU[string, int](8), func(_ context.Context, k string) (int, error) {
		calls.Add(1)
		return len(k), nil
	})
	ctx := context.Background()
	v, err := a.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, 3, v)
	v, err = a.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, 3, v)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, a.Contains("abc"))
	assert.Equal(t, 1, a.Len())
}

func TestAutoSetOverrides(t *testing.T) {
	a := NewAuto[string, bool](NewLRU[string, bool](8), func(context.Context, string) (bool, error) {
		return false, nil
	})
	ctx := context.Background()
	v, _ := a.Get(ctx, "tenant")
	assert.False(t, v)
	a.Set("tenant", true)
	v, _ = a.Get(ctx, "tenant")
	assert.True(t, v)
	a.Delete("tenant")
	assert.False(t, a.Contains("tenant"))
}

func TestAutoFillErrorNotCached(t *testing.T) {
	boom := errors.New("backing store down")
	fail := true
	a := NewAuto[int, int](NewFIFO[int, int](2), func(context.Context, int) (int, error) {
		if fail {
			return 0, boom
		}
		return 7, nil
	})
	ctx := context.Background()
	_, err := a.Get(ctx, 1)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrKeyNotFound)
	assert.False(t, a.Contains(1))
	fail = false
	v, err := a.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestAutoConcurrentMissesShareFill(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	a := NewAuto[string, int](NewLRU[string, int](8), func(context.Context, string) (int, error) {
		calls.Add(1)
		<-release
		return 1, nil
	})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := a.Get(context.Background(), "k")
			assert.NoError(t, err)
			assert.Equal(t, 1, v)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.LessOrEqual(t, calls.Load(), int32(2))
}
