package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/ai-resilience/pkg/cache"
)

// statusErr is a collaborator error carrying an HTTP status.
type statusErr struct {
	code       int
	retryAfter time.Duration
}

func (e *statusErr) Error() string { return fmt.Sprintf("status %d", e.code) }

func (e *statusErr) StatusCode() int { return e.code }

func (e *statusErr) RetryAfter() time.Duration { return e.retryAfter }

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// newTestEngine returns an engine that never sleeps between attempts and adds
// no jitter.
func newTestEngine(t *testing.T, c *cache.Cache[string], mutate ...func(*Config)) *Engine[string] {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	cfg.Jitter = func(time.Duration) time.Duration { return 0 }
	for _, m := range mutate {
		m(&cfg)
	}

	e, err := New(c, cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func newTestCache(t *testing.T) *cache.Cache[string] {
	t.Helper()
	c, err := cache.New[string](cache.Config{
		Name:         strings.ReplaceAll(t.Name(), "/", "_"),
		MaxSizeBytes: 1 << 20,
	}, cache.StringSizer())
	require.NoError(t, err)
	return c
}

func retryOptions(maxRetries int) Options {
	opts := DefaultOptions()
	opts.Retry.MaxRetries = maxRetries
	return opts
}

func metricValue(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	out := &dto.Metric{}
	require.NoError(t, m.Write(out))
	if out.Counter != nil {
		return out.GetCounter().GetValue()
	}
	return out.GetGauge().GetValue()
}

// waitForWaiters blocks until n callers are attached to key.
func waitForWaiters(t *testing.T, e *Engine[string], key string, n int32) {
	t.Helper()
	require.Eventually(t, func() bool {
		p, ok := e.pending.get(key)
		return ok && p.waiters.Load() == n
	}, 2*time.Second, time.Millisecond)
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative staleness window", func(c *Config) { c.StalenessWindow = -time.Second }},
		{"negative batch concurrency", func(c *Config) { c.BatchConcurrency = -1 }},
		{"negative timeout", func(c *Config) { c.Defaults.Timeout = -time.Second }},
		{"backoff factor below one", func(c *Config) { c.Defaults.Retry.BackoffFactor = 0.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := New[string](nil, cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestNew_FillsDefaults(t *testing.T) {
	e, err := New[string](nil, Config{})
	require.NoError(t, err)
	defer e.Close()

	assert.Equal(t, DefaultOptions(), e.Options())
	assert.Equal(t, DefaultStalenessWindow, e.cfg.StalenessWindow)
	assert.Equal(t, DefaultBatchConcurrency, e.cfg.BatchConcurrency)
	assert.Nil(t, e.Cache())
}

func TestExecute_InvalidArguments(t *testing.T) {
	e := newTestEngine(t, nil)
	ok := func(context.Context) (string, error) { return "ok", nil }

	_, err := e.Execute(context.Background(), "", ok, Options{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = e.Execute(context.Background(), "k", nil, Options{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = e.Execute(context.Background(), "k", ok, Options{Timeout: -time.Second})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = e.Execute(context.Background(), "k", ok, Options{Cacheable: true, CacheTTL: -time.Second})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestExecute_Success(t *testing.T) {
	e := newTestEngine(t, nil)

	v, err := e.Execute(context.Background(), "k", func(context.Context) (string, error) {
		return "hello", nil
	}, Options{})

	require.NoError(t, err)
	assert.Equal(t, "hello", v)
	assert.Equal(t, 0, e.Pending())
}

func TestExecute_DeduplicatesConcurrentCalls(t *testing.T) {
	e := newTestEngine(t, nil)
	const callers = 20

	var calls atomic.Int32
	release := make(chan struct{})
	fn := func(context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "shared", nil
	}

	coalescedBefore := metricValue(t, EngineCoalesced)

	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = e.Execute(context.Background(), "dedup", fn, Options{})
		}()
	}

	waitForWaiters(t, e, "dedup", callers)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "fn must run once")
	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared", results[i])
	}
	assert.Equal(t, float64(callers-1), metricValue(t, EngineCoalesced)-coalescedBefore)
	assert.Equal(t, 0, e.Pending())
}

func TestExecute_DistinctKeysRunIndependently(t *testing.T) {
	e := newTestEngine(t, nil)
	var calls atomic.Int32

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := e.Execute(context.Background(), fmt.Sprintf("key-%d", i), func(context.Context) (string, error) {
				calls.Add(1)
				return fmt.Sprint(i), nil
			}, Options{})
			assert.NoError(t, err)
			assert.Equal(t, fmt.Sprint(i), v)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), calls.Load())
}

func TestExecute_ClientErrorNotRetried(t *testing.T) {
	e := newTestEngine(t, nil)
	var calls atomic.Int32

	_, err := e.Execute(context.Background(), "k", func(context.Context) (string, error) {
		calls.Add(1)
		return "", &statusErr{code: 400}
	}, retryOptions(5))

	assert.Equal(t, int32(1), calls.Load())

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, ErrorClassClient, reqErr.Class)
	assert.Equal(t, 400, reqErr.StatusCode)
	assert.Equal(t, 1, reqErr.Attempts)
	assert.NotErrorIs(t, err, ErrRetryExhausted)
}

func TestExecute_RetryableStatuses(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		class ErrorClass
	}{
		{"rate limited", &statusErr{code: 429}, ErrorClassRateLimit},
		{"server error", &statusErr{code: 502}, ErrorClassServer},
		{"network error", errors.New("connection reset by peer"), ErrorClassNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, nil)
			var calls atomic.Int32
			retriesBefore := metricValue(t, EngineRetries.WithLabelValues(string(tt.class)))

			v, err := e.Execute(context.Background(), "k", func(context.Context) (string, error) {
				if calls.Add(1) == 1 {
					return "", tt.err
				}
				return "ok", nil
			}, retryOptions(1))

			require.NoError(t, err)
			assert.Equal(t, "ok", v)
			assert.Equal(t, int32(2), calls.Load())
			assert.Equal(t, 1.0, metricValue(t, EngineRetries.WithLabelValues(string(tt.class)))-retriesBefore)
		})
	}
}

func TestExecute_FailTwiceThenSucceedReleasesAllCallers(t *testing.T) {
	e := newTestEngine(t, nil)
	const callers = 5

	var calls atomic.Int32
	release := make(chan struct{})
	fn := func(context.Context) (string, error) {
		n := calls.Add(1)
		if n == 1 {
			<-release
		}
		if n <= 2 {
			return "", &statusErr{code: 503}
		}
		return "third time lucky", nil
	}

	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = e.Execute(context.Background(), "flaky", fn, retryOptions(2))
		}()
	}

	waitForWaiters(t, e, "flaky", callers)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(3), calls.Load())
	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "third time lucky", results[i])
	}
}

func TestExecute_RetriesExhausted(t *testing.T) {
	e := newTestEngine(t, nil)
	var calls atomic.Int32
	exhaustedBefore := metricValue(t, EngineRetryExhausted.WithLabelValues(string(ErrorClassServer)))

	_, err := e.Execute(context.Background(), "k", func(context.Context) (string, error) {
		calls.Add(1)
		return "", &statusErr{code: 500}
	}, retryOptions(2))

	assert.Equal(t, int32(3), calls.Load(), "one attempt plus two retries")
	assert.ErrorIs(t, err, ErrRetryExhausted)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, ErrorClassServer, reqErr.Class)
	assert.Equal(t, 3, reqErr.Attempts)
	assert.True(t, reqErr.Exhausted)

	var last *statusErr
	require.ErrorAs(t, err, &last, "last underlying error is wrapped")
	assert.Equal(t, 500, last.code)
	assert.Equal(t, 1.0, metricValue(t, EngineRetryExhausted.WithLabelValues(string(ErrorClassServer)))-exhaustedBefore)
}

func TestExecute_BackoffSchedule(t *testing.T) {
	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	e := newTestEngine(t, nil, func(c *Config) {
		c.Sleep = func(_ context.Context, d time.Duration) error {
			mu.Lock()
			defer mu.Unlock()
			delays = append(delays, d)
			return nil
		}
		c.Jitter = func(time.Duration) time.Duration { return 10 * time.Millisecond }
	})

	opts := Options{Retry: RetryPolicy{
		MaxRetries:    3,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      250 * time.Millisecond,
		BackoffFactor: 2,
		MaxJitter:     50 * time.Millisecond,
	}}
	_, err := e.Execute(context.Background(), "k", func(context.Context) (string, error) {
		return "", errors.New("boom")
	}, opts)
	require.ErrorIs(t, err, ErrRetryExhausted)

	assert.Equal(t, []time.Duration{
		110 * time.Millisecond,
		210 * time.Millisecond,
		260 * time.Millisecond,
	}, delays)
}

func TestExecute_RetryAfter(t *testing.T) {
	tests := []struct {
		name       string
		retryAfter time.Duration
		want       time.Duration
	}{
		{"shorter than backoff is ignored", 10 * time.Millisecond, 100 * time.Millisecond},
		{"longer than backoff wins", 500 * time.Millisecond, 500 * time.Millisecond},
		{"capped at max delay", time.Hour, 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got time.Duration
			e := newTestEngine(t, nil, func(c *Config) {
				c.Sleep = func(_ context.Context, d time.Duration) error {
					got = d
					return nil
				}
			})

			opts := Options{Retry: RetryPolicy{
				MaxRetries:    1,
				BaseDelay:     100 * time.Millisecond,
				MaxDelay:      2 * time.Second,
				BackoffFactor: 2,
			}}
			var calls atomic.Int32
			_, err := e.Execute(context.Background(), "k", func(context.Context) (string, error) {
				if calls.Add(1) == 1 {
					return "", &statusErr{code: 429, retryAfter: tt.retryAfter}
				}
				return "ok", nil
			}, opts)

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExecute_AttemptTimeoutIsRetried(t *testing.T) {
	e := newTestEngine(t, nil)
	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })

	var calls atomic.Int32
	opts := retryOptions(1)
	opts.Timeout = 20 * time.Millisecond

	v, err := e.Execute(context.Background(), "k", func(context.Context) (string, error) {
		if calls.Add(1) == 1 {
			<-hang // ignores its context
			return "too late", nil
		}
		return "ok", nil
	}, opts)

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, int32(2), calls.Load())
}

func TestExecute_AttemptTimeoutClassification(t *testing.T) {
	e := newTestEngine(t, nil)

	opts := Options{Timeout: 10 * time.Millisecond, Retry: NoRetry()}
	_, err := e.Execute(context.Background(), "k", func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", &statusErr{code: 408}
	}, opts)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, ErrorClassTimeout, reqErr.Class, "a timeout is never a client error")
	assert.True(t, reqErr.Exhausted)
	assert.ErrorIs(t, err, ErrAttemptTimeout)
}

func TestExecute_PanicBecomesError(t *testing.T) {
	e := newTestEngine(t, nil)

	_, err := e.Execute(context.Background(), "k", func(context.Context) (string, error) {
		panic("kaboom")
	}, Options{Retry: NoRetry()})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Equal(t, 0, e.Pending())
}

func TestExecute_CachesSuccessfulResults(t *testing.T) {
	c := newTestCache(t)
	e := newTestEngine(t, c)
	var calls atomic.Int32

	opts := e.Options()
	opts.Cacheable = true
	opts.CacheTTL = time.Minute
	fn := func(context.Context) (string, error) {
		calls.Add(1)
		return "summary", nil
	}

	for range 3 {
		v, err := e.Execute(context.Background(), "cached", fn, opts)
		require.NoError(t, err)
		assert.Equal(t, "summary", v)
	}

	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, c.Has("cached"))

	assert.True(t, e.Invalidate("cached"))
	_, err := e.Execute(context.Background(), "cached", fn, opts)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestExecute_ReusedCacheEntryKeepsItsAge(t *testing.T) {
	clock := newFakeClock()
	c, err := cache.New[string](cache.Config{
		Name:         "reused_entry_age",
		MaxSizeBytes: 1 << 20,
		Clock:        clock.Now,
	}, cache.StringSizer())
	require.NoError(t, err)
	e := newTestEngine(t, c)

	created := clock.Now()
	require.NoError(t, c.Set("k", "cached", time.Minute))
	clock.Advance(40 * time.Second)

	opts := e.Options()
	opts.Cacheable = true
	opts.CacheTTL = time.Minute
	var calls atomic.Int32
	fn := func(context.Context) (string, error) {
		calls.Add(1)
		return "fresh", nil
	}

	// Start the execution directly, as a caller that missed just before the
	// entry was written would.
	p := e.acquire(context.Background(), "k", fn, opts)
	v, err := e.wait(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "cached", v)
	assert.Zero(t, calls.Load())

	entries := c.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, created, entries[0].CreatedAt)

	clock.Advance(21 * time.Second)
	assert.False(t, c.Has("k"), "entry must expire on its original schedule")
}

func TestExecute_FailuresAreNotCached(t *testing.T) {
	c := newTestCache(t)
	e := newTestEngine(t, c)

	opts := e.Options()
	opts.Cacheable = true
	_, err := e.Execute(context.Background(), "bad", func(context.Context) (string, error) {
		return "", &statusErr{code: 404}
	}, opts)

	require.Error(t, err)
	assert.False(t, c.Has("bad"))
}

func TestExecute_NonCacheableSkipsCache(t *testing.T) {
	c := newTestCache(t)
	e := newTestEngine(t, c)
	require.NoError(t, c.Set("k", "stale", time.Minute))

	v, err := e.Execute(context.Background(), "k", func(context.Context) (string, error) {
		return "fresh", nil
	}, Options{})

	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
}

func TestExecute_CancelledContextBeforeStart(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int32
	_, err := e.Execute(ctx, "k", func(context.Context) (string, error) {
		calls.Add(1)
		return "ok", nil
	}, Options{})

	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), calls.Load())
}

func TestExecute_CallerDetachKeepsSharedExecution(t *testing.T) {
	e := newTestEngine(t, nil)
	release := make(chan struct{})
	fn := func(context.Context) (string, error) {
		<-release
		return "done", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	detached := make(chan error, 1)
	go func() {
		_, err := e.Execute(ctx, "k", fn, Options{})
		detached <- err
	}()
	waitForWaiters(t, e, "k", 1)

	stayed := make(chan string, 1)
	go func() {
		v, _ := e.Execute(context.Background(), "k", fn, Options{})
		stayed <- v
	}()
	waitForWaiters(t, e, "k", 2)

	cancel()
	select {
	case err := <-detached:
		assert.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("detached caller did not return")
	}
	assert.Equal(t, 1, e.Pending(), "shared execution keeps running")

	close(release)
	select {
	case v := <-stayed:
		assert.Equal(t, "done", v)
	case <-time.After(2 * time.Second):
		t.Fatal("remaining caller did not return")
	}
}

func TestCancel_UnblocksAllWaiters(t *testing.T) {
	e := newTestEngine(t, nil)
	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })

	fn := func(context.Context) (string, error) {
		<-hang // ignores its context
		return "never", nil
	}

	const callers = 5
	errs := make(chan error, callers)
	for range callers {
		go func() {
			_, err := e.Execute(context.Background(), "k", fn, Options{})
			errs <- err
		}()
	}
	waitForWaiters(t, e, "k", callers)

	assert.True(t, e.Cancel("k"))
	assert.False(t, e.Cancel("missing"))

	for range callers {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrCancelled)
		case <-time.After(time.Second):
			t.Fatal("waiter still blocked after cancel")
		}
	}
	assert.Equal(t, 0, e.Pending())
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestCancel_LogsAttachedWaiters(t *testing.T) {
	var buf syncBuffer
	e := newTestEngine(t, nil, func(c *Config) {
		c.Logger = zerolog.New(&buf)
	})
	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })

	fn := func(context.Context) (string, error) {
		<-hang
		return "never", nil
	}

	const callers = 3
	errs := make(chan error, callers)
	for range callers {
		go func() {
			_, err := e.Execute(context.Background(), "k", fn, Options{})
			errs <- err
		}()
	}
	waitForWaiters(t, e, "k", callers)

	require.True(t, e.Cancel("k"))
	for range callers {
		<-errs
	}

	assert.Contains(t, buf.String(), `"message":"Cancelling pending request"`)
	assert.Contains(t, buf.String(), `"waiters":3`)
}

func TestExecute_StalePendingIsSuperseded(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, nil, func(c *Config) {
		c.Clock = clock.Now
		c.StalenessWindow = 30 * time.Second
	})

	firstErr := make(chan error, 1)
	go func() {
		_, err := e.Execute(context.Background(), "k", func(ctx context.Context) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}, Options{})
		firstErr <- err
	}()
	waitForWaiters(t, e, "k", 1)

	// Still fresh: a second caller attaches instead of starting over.
	clock.Advance(30 * time.Second)
	p, _ := e.pending.get("k")
	assert.False(t, p.isStale(clock.Now(), e.cfg.StalenessWindow))

	clock.Advance(time.Second)
	v, err := e.Execute(context.Background(), "k", func(context.Context) (string, error) {
		return "fresh", nil
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)

	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, ErrStaleSuperseded)
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("superseded caller did not return")
	}
	assert.Equal(t, 0, e.Pending())
}

func TestClose_CancelsPending(t *testing.T) {
	e, err := New[string](nil, DefaultConfig())
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := e.Execute(context.Background(), "k", func(ctx context.Context) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}, Options{})
		errs <- err
	}()
	require.Eventually(t, func() bool { return e.Pending() == 1 }, time.Second, time.Millisecond)

	e.Close()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("caller not released by Close")
	}
}
