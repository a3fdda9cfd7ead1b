package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream 503")

func tripAfter(n uint32, timeout time.Duration) *CircuitBreaker {
	return New(&Config{
		Name:        "test",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= n },
	})
}

func TestBreakerTripsAndRecovers(t *testing.T) {
	cb := tripAfter(2, 20*time.Millisecond)
	ctx := context.Background()
	fail := func(context.Context) (int, error) { return 0, errUpstream }
	ok := func(context.Context) (int, error) { return 7, nil }

	_, err := Call(ctx, cb, fail)
	assert.ErrorIs(t, err, errUpstream)
	_, err = Call(ctx, cb, fail)
	assert.ErrorIs(t, err, errUpstream)
	assert.Equal(t, StateOpen, cb.State())

	calls := 0
	_, err = Call(ctx, cb, func(context.Context) (int, error) { calls++; return 1, nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, IsRejected(err))
	assert.Zero(t, calls)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	v, err := Call(ctx, cb, ok)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := tripAfter(1, 10*time.Millisecond)
	ctx := context.Background()

	_, _ = Call(ctx, cb, func(context.Context) (string, error) { return "", errUpstream })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	_, _ = Call(ctx, cb, func(context.Context) (string, error) { return "", errUpstream })
	assert.Equal(t, StateOpen, cb.State())
}

func TestIsFailureFilter(t *testing.T) {
	cb := New(&Config{
		Name:        "filtered",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
		IsFailure:   IgnoreCancellation,
	})

	_, err := Call(context.Background(), cb, func(context.Context) (int, error) { return 0, context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCallWithNilPointerResult(t *testing.T) {
	cb := tripAfter(3, time.Minute)
	v, err := Call(context.Background(), cb, func(context.Context) (*struct{}, error) { return nil, nil })
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestUpstreamsHealth(t *testing.T) {
	up := NewUpstreams(nil)

	status, states := up.HealthStatus()
	assert.Equal(t, "HEALTHY", status)
	assert.Equal(t, "CLOSED", states["facilitator"])
	assert.Len(t, states, 4)

	for i := 0; i < 3; i++ {
		_, _ = Call(context.Background(), up.Facilitator, func(context.Context) (bool, error) { return false, errUpstream })
	}
	status, states = up.HealthStatus()
	assert.Equal(t, "DEGRADED", status)
	assert.Equal(t, "OPEN", states["facilitator"])
}

func TestCountsFailureRatio(t *testing.T) {
	var c Counts
	assert.Zero(t, c.FailureRatio())
	c.Requests = 2
	c.record(true)
	c.record(false)
	assert.Equal(t, 0.5, c.FailureRatio())
	assert.Equal(t, uint32(1), c.ConsecutiveFailures)
	assert.Zero(t, c.ConsecutiveSuccesses)
}

func TestDefaultConfigTripsOnFailureRatio(t *testing.T) {
	cfg := DefaultConfig("ratio")
	cfg.OnStateChange = nil
	cb := New(cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _ = Call(ctx, cb, func(context.Context) (int, error) { return 1, nil })
	}
	for i := 0; i < 2; i++ {
		_, _ = Call(ctx, cb, func(context.Context) (int, error) { return 0, errUpstream })
	}
	assert.Equal(t, StateClosed, cb.State())

	_, _ = Call(ctx, cb, func(context.Context) (int, error) { return 0, errUpstream })
	assert.Equal(t, StateOpen, cb.State())
}

func TestHalfOpenCapsTrialCalls(t *testing.T) {
	cb := tripAfter(1, 10*time.Millisecond)
	ctx := context.Background()

	_, _ = Call(ctx, cb, func(context.Context) (int, error) { return 0, errUpstream })
	time.Sleep(20 * time.Millisecond)

	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := Call(ctx, cb, func(context.Context) (int, error) { <-release; return 1, nil })
		done <- err
	}()
	require.Eventually(t, func() bool {
		cb.mu.Lock()
		defer cb.mu.Unlock()
		return cb.counts.Requests == 1
	}, time.Second, time.Millisecond)

	_, err := Call(ctx, cb, func(context.Context) (int, error) { return 2, nil })
	assert.ErrorIs(t, err, ErrTooManyRequests)
	assert.True(t, IsRejected(err))

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.State())
}

func TestPanicCountsAsFailure(t *testing.T) {
	cb := tripAfter(1, time.Minute)

	assert.Panics(t, func() {
		_, _ = Call(context.Background(), cb, func(context.Context) (int, error) { panic("boom") })
	})
	assert.Equal(t, StateOpen, cb.State())
}

func TestStaleResultIsDiscarded(t *testing.T) {
	cb := tripAfter(1, time.Minute)
	ctx := context.Background()

	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = Call(ctx, cb, func(context.Context) (int, error) { <-release; return 0, errUpstream })
	}()
	require.Eventually(t, func() bool {
		cb.mu.Lock()
		defer cb.mu.Unlock()
		return cb.counts.Requests == 1
	}, time.Second, time.Millisecond)

	cb.mu.Lock()
	cb.resetLocked(time.Now())
	cb.mu.Unlock()

	close(release)
	<-done
	assert.Equal(t, StateClosed, cb.State())
}

func TestClosedIntervalClearsCounts(t *testing.T) {
	cb := New(&Config{
		Name:        "interval",
		MaxRequests: 1,
		Interval:    10 * time.Millisecond,
		Timeout:     time.Minute,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 2 },
	})
	ctx := context.Background()

	_, _ = Call(ctx, cb, func(context.Context) (int, error) { return 0, errUpstream })
	time.Sleep(20 * time.Millisecond)
	_, _ = Call(ctx, cb, func(context.Context) (int, error) { return 0, errUpstream })
	assert.Equal(t, StateClosed, cb.State())
}
