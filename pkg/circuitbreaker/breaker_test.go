package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUnavailable = errors.New("bucket unavailable")

type transition struct{ from, to State }

func newTestBreaker(t *testing.T, st Settings) (*CircuitBreaker, *time.Time, *[]transition) {
	t.Helper()
	clock := time.Unix(1700000000, 0)
	var changes []transition
	st.OnStateChange = func(_ string, from, to State) {
		changes = append(changes, transition{from, to})
	}
	cb := NewCircuitBreaker(st)
	cb.now = func() time.Time { return clock }
	cb.toNewGeneration(clock)
	return cb, &clock, &changes
}

func fail(context.Context) error    { return errUnavailable }
func succeed(context.Context) error { return nil }

func TestBreakerTripsAndRecovers(t *testing.T) {
	ctx := context.Background()
	cb, clock, changes := newTestBreaker(t, Settings{
		Name:    "s3",
		Timeout: 5 * time.Second,
		ReadyToTrip: func(c Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
	})

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Call(ctx, fail), errUnavailable)
	}
	require.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Call(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.False(t, called, "an open breaker does not call through")

	*clock = clock.Add(6 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Call(ctx, succeed))
	assert.Equal(t, StateClosed, cb.State())

	assert.Equal(t, []transition{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}, *changes)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	cb, clock, _ := newTestBreaker(t, Settings{
		Timeout:     time.Second,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	})

	assert.Error(t, cb.Call(ctx, fail))
	*clock = clock.Add(2 * time.Second)
	require.Equal(t, StateHalfOpen, cb.State())

	assert.ErrorIs(t, cb.Call(ctx, fail), errUnavailable)
	assert.Equal(t, StateOpen, cb.State())
}

func TestHalfOpenLimitsTrialCalls(t *testing.T) {
	ctx := context.Background()
	cb, clock, _ := newTestBreaker(t, Settings{
		MaxRequests: 1,
		Timeout:     time.Second,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	})
	assert.Error(t, cb.Call(ctx, fail))
	*clock = clock.Add(2 * time.Second)

	err := cb.Call(ctx, func(ctx context.Context) error {
		return cb.Call(ctx, succeed)
	})
	assert.ErrorIs(t, err, ErrTooManyRequests)
}

func TestAcceptedErrorsDoNotTrip(t *testing.T) {
	ctx := context.Background()
	errMissing := errors.New("no such key")
	cb, _, _ := newTestBreaker(t, Settings{
		ReadyToTrip:  func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
		IsSuccessful: func(err error) bool { return err == nil || errors.Is(err, errMissing) },
	})

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, cb.Call(ctx, func(context.Context) error { return errMissing }), errMissing)
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(5), cb.Counts().TotalSuccesses)
}

func TestIntervalResetsCounts(t *testing.T) {
	ctx := context.Background()
	cb, clock, _ := newTestBreaker(t, DefaultSettings("s3"))

	assert.Error(t, cb.Call(ctx, fail))
	assert.Error(t, cb.Call(ctx, fail))
	*clock = clock.Add(11 * time.Second)
	assert.Equal(t, Counts{}, cb.Counts())

	assert.Error(t, cb.Call(ctx, fail))
	assert.Equal(t, StateClosed, cb.State(), "failures from an old window do not count")
}

func TestPanicCountsAsFailure(t *testing.T) {
	cb, _, _ := newTestBreaker(t, Settings{})
	assert.Panics(t, func() {
		_ = cb.Call(context.Background(), func(context.Context) error { panic("boom") })
	})
	assert.Equal(t, uint32(1), cb.Counts().TotalFailures)
}
