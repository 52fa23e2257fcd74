package cachegrid

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger { return zerolog.Nop() }

func newTestWorker(t *testing.T, opts ...Option) (*Worker, *ManualClock) {
	t.Helper()
	o, err := NewOptions("test", opts...)
	require.NoError(t, err)
	clock := NewManualClock(1_000_000)
	w := NewWorker(o, nil, clock, nil, testLogger(), nil)
	t.Cleanup(w.Stop)
	return w, clock
}

func TestSetAndGet(t *testing.T) {
	w, _ := newTestWorker(t)
	status, _, err := w.Set("a", 1)
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)

	status, val, err := w.Get("a")
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	require.Equal(t, 1, val)
}

func TestGetMissingWithoutFallbackIsMissing(t *testing.T) {
	w, _ := newTestWorker(t)
	status, val, err := w.Get("nope")
	require.NoError(t, err)
	require.Equal(t, StatusMissing, status)
	require.Nil(t, val)
}

func TestGetExpiresLazily(t *testing.T) {
	w, clock := newTestWorker(t)
	_, _, err := w.Set("a", "b", WithTTL(100))
	require.NoError(t, err)

	clock.Advance(200 * time.Millisecond)

	status, val, err := w.Get("a")
	require.NoError(t, err)
	require.Equal(t, StatusMissing, status)
	require.Nil(t, val)

	// lazily evicted on the Get above, so a fresh lookup also misses
	_, exists, _ := w.Exists("a")
	require.Equal(t, false, exists)
}

func TestGetFallbackLoadsAndCachesResult(t *testing.T) {
	w, _ := newTestWorker(t)
	var calls int32
	fb := Fallback(func(_ context.Context, key any, args ...any) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "loaded-" + key.(string), nil
	})

	status, val, err := w.Get("k", WithFallback(fb))
	require.NoError(t, err)
	require.Equal(t, StatusLoaded, status)
	require.Equal(t, "loaded-k", val)

	status, val, err = w.Get("k", WithFallback(fb))
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	require.Equal(t, "loaded-k", val)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestFallbackErrorIsWrapped(t *testing.T) {
	w, _ := newTestWorker(t)
	boom := errors.New("boom")
	fb := Fallback(func(_ context.Context, _ any, _ ...any) (any, error) { return nil, boom })

	status, _, err := w.Get("k", WithFallback(fb))
	require.Equal(t, StatusError, status)
	require.ErrorIs(t, err, boom)
	require.Equal(t, KindFallbackError, KindOf(err))
}

func TestFallbackPanicIsRecovered(t *testing.T) {
	w, _ := newTestWorker(t)
	fb := Fallback(func(_ context.Context, _ any, _ ...any) (any, error) { panic("kaboom") })

	status, _, err := w.Get("k", WithFallback(fb))
	require.Equal(t, StatusError, status)
	require.Equal(t, KindFallbackError, KindOf(err))
}

func TestCoalesceFallbacksDeduplicatesConcurrentMisses(t *testing.T) {
	w, _ := newTestWorker(t, WithCoalesceFallbacks())
	var calls int32
	release := make(chan struct{})
	fb := Fallback(func(_ context.Context, _ any, _ ...any) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "v", nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Requests issued through the queue are serialised by the
			// Worker's run goroutine and never overlap, so this exercises
			// invokeFallback directly and concurrently against the same key.
			_, _ = w.invokeFallback("shared", fb)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetAndUpdateNeverRefreshesTouched(t *testing.T) {
	w, clock := newTestWorker(t)
	_, _, err := w.Set("a", 1, WithTTL(1000))
	require.NoError(t, err)

	clock.Advance(500 * time.Millisecond)
	status, val, err := w.GetAndUpdate("a", func(v any) any { return v.(int) + 1 })
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	require.Equal(t, 2, val)

	status, remaining, err := w.TTL("a")
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	require.Less(t, remaining.(int64), int64(1000))
}

func TestUpdateMissingKeyIsMissing(t *testing.T) {
	w, _ := newTestWorker(t)
	status, val, err := w.Update("nope", "x")
	require.NoError(t, err)
	require.Equal(t, StatusMissing, status)
	require.Equal(t, false, val)
}

func TestDelIsIdempotent(t *testing.T) {
	w, _ := newTestWorker(t)
	_, _, err := w.Set("a", 1)
	require.NoError(t, err)

	status, val, err := w.Del("a")
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	require.Equal(t, true, val)

	status, val, err = w.Del("a")
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	require.Equal(t, true, val)
}

func TestClearReturnsCountAndEmptiesStore(t *testing.T) {
	w, _ := newTestWorker(t)
	w.Set("a", 1)
	w.Set("b", 2)

	status, n, err := w.Clear()
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	require.Equal(t, 2, n)

	_, empty, _ := w.Empty()
	require.Equal(t, true, empty)
}

func TestTakeRemovesOnHit(t *testing.T) {
	w, _ := newTestWorker(t)
	w.Set("a", "v")

	status, val, err := w.Take("a")
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	require.Equal(t, "v", val)

	status, _, _ = w.Get("a")
	require.Equal(t, StatusMissing, status)
}

func TestIncrAndDecr(t *testing.T) {
	w, _ := newTestWorker(t)

	status, val, err := w.Incr("counter", WithInitial(10))
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	require.Equal(t, int64(11), val)

	status, val, err = w.Decr("counter", WithAmount(5))
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	require.Equal(t, int64(6), val)
}

func TestIncrWithInitialOnMissingKey(t *testing.T) {
	w, _ := newTestWorker(t)
	status, val, err := w.Incr("new", WithAmount(5), WithInitial(0))
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	require.Equal(t, int64(5), val)
}

func TestIncrPreservesExistingTTL(t *testing.T) {
	w, clock := newTestWorker(t)
	w.Set("n", 10, WithTTL(5000))
	clock.Advance(time.Second)

	status, val, err := w.Incr("n")
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	require.Equal(t, int64(11), val)

	_, remaining, _ := w.TTL("n")
	require.Less(t, remaining.(int64), int64(5000))
	require.Greater(t, remaining.(int64), int64(3000))
}

func TestIncrOnNonNumberIsError(t *testing.T) {
	w, _ := newTestWorker(t)
	w.Set("s", "not a number")

	status, _, err := w.Incr("s")
	require.Equal(t, StatusError, status)
	require.ErrorIs(t, err, ErrNotANumber)
}

func TestExpireZeroOrNegativeEvictsImmediately(t *testing.T) {
	w, _ := newTestWorker(t)
	w.Set("a", 1, WithTTL(10_000))

	status, val, err := w.Expire("a", 0)
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	require.Equal(t, true, val)

	status, _, _ = w.Get("a")
	require.Equal(t, StatusMissing, status)
}

func TestExpireAtPastOrNowEvictsImmediately(t *testing.T) {
	w, clock := newTestWorker(t)
	w.Set("a", 1, WithTTL(10_000))

	status, val, err := w.ExpireAt("a", clock.NowMS())
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	require.Equal(t, true, val)

	status, _, _ = w.Get("a")
	require.Equal(t, StatusMissing, status)
}

func TestPersistRemovesTTL(t *testing.T) {
	w, _ := newTestWorker(t)
	w.Set("a", 1, WithTTL(50))

	status, val, err := w.Persist("a")
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	require.Equal(t, true, val)

	status, ttl, err := w.TTL("a")
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	require.Nil(t, ttl)
}

func TestRefreshResetsTouchedKeepsTTL(t *testing.T) {
	w, clock := newTestWorker(t)
	w.Set("a", 1, WithTTL(1000))
	clock.Advance(900 * time.Millisecond)

	status, val, err := w.Refresh("a")
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	require.Equal(t, true, val)

	_, remaining, _ := w.TTL("a")
	require.GreaterOrEqual(t, remaining.(int64), int64(999))
}

func TestAsyncSetRepliesImmediately(t *testing.T) {
	w, _ := newTestWorker(t)
	status, val, err := w.Set("a", 1, WithAsync())
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	require.Equal(t, true, val)

	require.Eventually(t, func() bool {
		status, v, _ := w.Get("a")
		return status == StatusOK && v == 1
	}, time.Second, time.Millisecond)
}

func TestSizeCountKeysExists(t *testing.T) {
	w, _ := newTestWorker(t)
	w.Set("a", 1)
	w.Set("b", 2, WithTTL(10))

	_, size, _ := w.Size()
	require.Equal(t, 2, size)

	_, count, _ := w.Count()
	require.Equal(t, 2, count)

	_, keys, _ := w.Keys()
	require.Len(t, keys.([]any), 2)

	_, exists, _ := w.Exists("a")
	require.Equal(t, true, exists)
	_, exists, _ = w.Exists("missing")
	require.Equal(t, false, exists)
}

func TestPurgeSweepsExpiredRecords(t *testing.T) {
	w, clock := newTestWorker(t)
	w.Set("a", 1, WithTTL(10))
	w.Set("b", 2)

	clock.Advance(50 * time.Millisecond)
	status, n, err := w.Purge()
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	require.Equal(t, 1, n)

	_, size, _ := w.Size()
	require.Equal(t, 1, size)
}

func TestStatsNotEnabledReturnsError(t *testing.T) {
	w, _ := newTestWorker(t)
	status, _, err := w.Stats()
	require.Equal(t, StatusError, status)
	require.ErrorIs(t, err, ErrStatsNotEnabled)
}

func TestStatsTracksHitsAndMisses(t *testing.T) {
	w, _ := newTestWorker(t, WithRecordStats())
	w.Set("a", 1)
	w.Get("a")
	w.Get("missing")

	require.Eventually(t, func() bool {
		status, v, _ := w.Stats()
		if status != StatusOK {
			return false
		}
		snap := v.(StatsSnapshot)
		return snap.HitCount == 1 && snap.MissCount == 1 && snap.SetCount == 1
	}, time.Second, 5*time.Millisecond)
}

func TestJanitorSweepsOnInterval(t *testing.T) {
	o, err := NewOptions("janitor-test", WithTTLInterval(10*time.Millisecond))
	require.NoError(t, err)
	clock := NewManualClock(0)
	w := NewWorker(o, nil, clock, nil, testLogger(), nil)
	defer w.Stop()

	w.Set("a", 1, WithTTL(1))
	clock.Advance(5 * time.Millisecond)

	require.Eventually(t, func() bool {
		_, size, _ := w.Size()
		return size.(int) == 0
	}, time.Second, 5*time.Millisecond)
}
