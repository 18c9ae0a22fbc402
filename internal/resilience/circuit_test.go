package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(store StateStore, threshold int, timeout time.Duration, opts ...BreakerOption) (*Breaker, *fakeClock) {
	clock := newFakeClock()
	b := NewBreaker(store, map[string]BreakerConfig{
		"twilio": {Threshold: threshold, OpenTimeout: timeout},
	}, opts...)
	b.nowFunc = clock.Now
	return b, clock
}

var errUpstream = errors.New("upstream 503")

func fail(_ context.Context) error { return errUpstream }
func succeed(_ context.Context) error { return nil }

func tripBreaker(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_ = b.Execute(context.Background(), "twilio", fail)
	}
}

func TestBreaker_ClosedPassesThrough(t *testing.T) {
	b, _ := newTestBreaker(NewMemoryStateStore(), 3, time.Minute)

	val, err := Call(context.Background(), b, "twilio", func(_ context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", val)

	st, err := b.State(context.Background(), "twilio")
	require.NoError(t, err)
	assert.Equal(t, CircuitClosed, st.State)
	assert.Nil(t, st.OpenedAt)
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, clock := newTestBreaker(NewMemoryStateStore(), 3, time.Minute)

	tripBreaker(t, b, 2)
	st, _ := b.State(context.Background(), "twilio")
	assert.Equal(t, CircuitClosed, st.State)
	assert.Equal(t, int64(2), st.FailureCount)

	tripBreaker(t, b, 1)
	st, _ = b.State(context.Background(), "twilio")
	assert.Equal(t, CircuitOpen, st.State)
	require.NotNil(t, st.OpenedAt)
	assert.True(t, clock.Now().Equal(*st.OpenedAt))
	assert.Equal(t, time.Minute, st.RetryAfter)

	var calls int
	err := b.Execute(context.Background(), "twilio", func(_ context.Context) error {
		calls++
		return nil
	})
	assert.Zero(t, calls)
	require.ErrorIs(t, err, ErrCircuitOpen)

	fb, ok := AsFallback(err)
	require.True(t, ok)
	assert.Equal(t, "twilio", fb.ProviderID)
	assert.Equal(t, "circuit_open", fb.Reason)
	assert.Equal(t, time.Minute, fb.RetryAfter)
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(NewMemoryStateStore(), 3, time.Minute)

	tripBreaker(t, b, 2)
	require.NoError(t, b.Execute(context.Background(), "twilio", succeed))
	tripBreaker(t, b, 2)

	st, _ := b.State(context.Background(), "twilio")
	assert.Equal(t, CircuitClosed, st.State)
	assert.Equal(t, int64(2), st.FailureCount)
}

func TestBreaker_SuccessClearsFailuresCountedDuringCall(t *testing.T) {
	b, _ := newTestBreaker(NewMemoryStateStore(), 3, time.Minute)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(ctx, "twilio", func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	require.ErrorIs(t, b.Execute(ctx, "twilio", fail), errUpstream)
	close(release)
	require.NoError(t, <-done)

	st, err := b.State(ctx, "twilio")
	require.NoError(t, err)
	assert.Zero(t, st.FailureCount)

	// Two more failures stay below the threshold of three.
	tripBreaker(t, b, 2)
	st, err = b.State(ctx, "twilio")
	require.NoError(t, err)
	assert.Equal(t, CircuitClosed, st.State)
}

func TestBreaker_PermanentAndConfigErrorsNotCounted(t *testing.T) {
	b, _ := newTestBreaker(NewMemoryStateStore(), 2, time.Minute)

	for i := 0; i < 5; i++ {
		_ = b.Execute(context.Background(), "twilio", func(_ context.Context) error {
			return NewPermanentError(errors.New("no match"), 404)
		})
		_ = b.Execute(context.Background(), "twilio", func(_ context.Context) error {
			return NewConfigError("twilio", "missing token")
		})
	}

	st, _ := b.State(context.Background(), "twilio")
	assert.Equal(t, CircuitClosed, st.State)
	assert.Zero(t, st.FailureCount)
}

func TestBreaker_UnknownProviderBypasses(t *testing.T) {
	b, _ := newTestBreaker(NewMemoryStateStore(), 1, time.Minute)

	var calls int
	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), "unknown", func(_ context.Context) error {
			calls++
			return errUpstream
		})
	}
	assert.Equal(t, 3, calls)

	_, err := b.State(context.Background(), "unknown")
	assert.Error(t, err)
}

func TestBreaker_HalfOpenTrialSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker(NewMemoryStateStore(), 2, time.Minute)
	tripBreaker(t, b, 2)

	clock.Advance(59 * time.Second)
	assert.ErrorIs(t, b.Execute(context.Background(), "twilio", succeed), ErrCircuitOpen)

	clock.Advance(time.Second)
	st, _ := b.State(context.Background(), "twilio")
	assert.Equal(t, CircuitHalfOpen, st.State)
	assert.Zero(t, st.RetryAfter)

	require.NoError(t, b.Execute(context.Background(), "twilio", succeed))

	st, _ = b.State(context.Background(), "twilio")
	assert.Equal(t, CircuitClosed, st.State)
	assert.Zero(t, st.FailureCount)
}

func TestBreaker_HalfOpenTrialFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(NewMemoryStateStore(), 2, time.Minute)
	tripBreaker(t, b, 2)

	clock.Advance(90 * time.Second)
	err := b.Execute(context.Background(), "twilio", fail)
	assert.ErrorIs(t, err, errUpstream)

	st, _ := b.State(context.Background(), "twilio")
	assert.Equal(t, CircuitOpen, st.State)
	require.NotNil(t, st.OpenedAt)
	assert.True(t, clock.Now().Equal(*st.OpenedAt), "opened_at refreshed")
	assert.Equal(t, int64(2), st.FailureCount, "failure count unchanged")

	// A single trial failure reopens without re-accumulating failures.
	assert.ErrorIs(t, b.Execute(context.Background(), "twilio", succeed), ErrCircuitOpen)
}

func TestBreaker_HalfOpenAdmitsExactlyOneTrial(t *testing.T) {
	b, clock := newTestBreaker(NewMemoryStateStore(), 1, time.Minute)
	tripBreaker(t, b, 1)
	clock.Advance(time.Minute)

	const callers = 20
	var calls atomic.Int32
	release := make(chan struct{})
	results := make(chan error, callers)
	start := make(chan struct{})

	for i := 0; i < callers; i++ {
		go func() {
			<-start
			results <- b.Execute(context.Background(), "twilio", func(_ context.Context) error {
				calls.Add(1)
				<-release
				return nil
			})
		}()
	}
	close(start)

	for i := 0; i < callers-1; i++ {
		select {
		case err := <-results:
			assert.ErrorIs(t, err, ErrCircuitOpen)
		case <-time.After(5 * time.Second):
			t.Fatal("more than one caller was admitted as the trial")
		}
	}
	close(release)
	require.NoError(t, <-results)
	assert.Equal(t, int32(1), calls.Load())

	st, _ := b.State(context.Background(), "twilio")
	assert.Equal(t, CircuitClosed, st.State)
}

func TestBreaker_StaleTrialIsTakenOver(t *testing.T) {
	store := NewMemoryStateStore()
	b, clock := newTestBreaker(store, 1, time.Minute)

	// A trial claimed by a caller that never reported back.
	require.NoError(t, store.Store(context.Background(), "twilio", encodeToken(CircuitHalfOpen, clock.Now())))

	clock.Advance(30 * time.Second)
	assert.ErrorIs(t, b.Execute(context.Background(), "twilio", succeed), ErrCircuitOpen)

	clock.Advance(30 * time.Second)
	require.NoError(t, b.Execute(context.Background(), "twilio", succeed))

	st, _ := b.State(context.Background(), "twilio")
	assert.Equal(t, CircuitClosed, st.State)
}

func TestBreaker_CancelledTrialReleasesSlot(t *testing.T) {
	b, clock := newTestBreaker(NewMemoryStateStore(), 1, time.Minute)
	tripBreaker(t, b, 1)
	clock.Advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	err := b.Execute(ctx, "twilio", func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)

	// The circuit is open again with its original timeout elapsed, so the
	// next caller is admitted immediately.
	require.NoError(t, b.Execute(context.Background(), "twilio", succeed))
}

func TestBreaker_ResetAndForceOpen(t *testing.T) {
	ctx := context.Background()
	var changes []string
	b, _ := newTestBreaker(NewMemoryStateStore(), 2, time.Minute,
		WithStateChange(func(provider string, from, to CircuitState) {
			changes = append(changes, provider+":"+from.String()+"->"+to.String())
		}),
	)

	ok, err := b.ForceOpen(ctx, "twilio")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.ErrorIs(t, b.Execute(ctx, "twilio", succeed), ErrCircuitOpen)

	ok, err = b.Reset(ctx, "twilio")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.Execute(ctx, "twilio", succeed))

	ok, err = b.Reset(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = b.ForceOpen(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []string{"twilio:closed->open", "twilio:open->closed"}, changes)
}

func TestBreaker_States(t *testing.T) {
	b := NewBreaker(NewMemoryStateStore(), map[string]BreakerConfig{
		"twilio": {Threshold: 1, OpenTimeout: time.Minute},
		"hunter": {},
	})
	_ = b.Execute(context.Background(), "twilio", fail)

	states, err := b.States(context.Background())
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, CircuitOpen, states["twilio"].State)
	assert.Equal(t, CircuitClosed, states["hunter"].State)
	assert.Equal(t, 5, states["hunter"].Threshold)
	assert.Equal(t, 30*time.Second, states["hunter"].OpenTimeout)
	assert.Equal(t, []string{"hunter", "twilio"}, b.Providers())
}

type brokenStore struct{ MemoryStateStore }

func (*brokenStore) Load(context.Context, string) (string, int64, error) {
	return "", 0, errors.New("redis: connection refused")
}

func TestBreaker_StoreFailureFailsOpen(t *testing.T) {
	b, _ := newTestBreaker(&brokenStore{}, 1, time.Minute)

	var calls int
	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), "twilio", func(_ context.Context) error {
			calls++
			return errUpstream
		})
	}
	assert.Equal(t, 3, calls)
}

func TestBreaker_MalformedStateResetsToClosed(t *testing.T) {
	store := NewMemoryStateStore()
	b, _ := newTestBreaker(store, 1, time.Minute)
	require.NoError(t, store.Store(context.Background(), "twilio", "garbage"))

	require.NoError(t, b.Execute(context.Background(), "twilio", succeed))
	tok, _, err := store.Load(context.Background(), "twilio")
	require.NoError(t, err)
	assert.Equal(t, closedToken, tok)
}

func TestBreaker_TransitionMetric(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	b, clock := newTestBreaker(NewMemoryStateStore(), 1, time.Minute, WithMeterProvider(mp))

	tripBreaker(t, b, 1)
	clock.Advance(time.Minute)
	require.NoError(t, b.Execute(context.Background(), "twilio", succeed))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "circuit_breaker.transitions" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	// closed->open, open->half-open, half-open->closed
	assert.Equal(t, int64(3), total)
}

func TestCircuitState_MarshalText(t *testing.T) {
	b, err := CircuitHalfOpen.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "half-open", string(b))
	assert.Equal(t, "unknown", CircuitState(9).String())
}
