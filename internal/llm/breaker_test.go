package llm_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/knath2000/klk-back-sub001/internal/llm"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(clock *fakeClock, transitions *[]string) *llm.CircuitBreaker {
	return llm.NewCircuitBreaker(
		llm.BreakerConfig{FailureThreshold: 3, TimeoutThreshold: 2, Cooldown: 10 * time.Second},
		llm.WithClock(clock.now),
		llm.WithTransitionHook(func(from, to llm.BreakerState) {
			if transitions != nil {
				*transitions = append(*transitions, from.String()+"->"+to.String())
			}
		}),
	)
}

func TestCircuitBreaker(t *testing.T) {
	t.Run("opens after consecutive failures", func(t *testing.T) {
		clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
		cb := newTestBreaker(clock, nil)

		for i := 0; i < 2; i++ {
			require.True(t, cb.Allow())
			cb.RecordFailure(llm.FailureGeneral)
		}
		require.Equal(t, llm.StateClosed, cb.State())

		cb.RecordFailure(llm.FailureGeneral)
		require.Equal(t, llm.StateOpen, cb.State())
		require.False(t, cb.Allow())
	})

	t.Run("success resets counters", func(t *testing.T) {
		clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
		cb := newTestBreaker(clock, nil)

		cb.RecordFailure(llm.FailureGeneral)
		cb.RecordFailure(llm.FailureTimeout)
		cb.RecordSuccess()

		snap := cb.Snapshot()
		require.Zero(t, snap.ConsecutiveFailures)
		require.Zero(t, snap.ConsecutiveTimeouts)

		cb.RecordFailure(llm.FailureGeneral)
		cb.RecordFailure(llm.FailureGeneral)
		require.Equal(t, llm.StateClosed, cb.State())
	})

	t.Run("timeouts use their own threshold", func(t *testing.T) {
		clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
		cb := newTestBreaker(clock, nil)

		cb.RecordFailure(llm.FailureTimeout)
		snap := cb.Snapshot()
		require.Equal(t, 1, snap.ConsecutiveTimeouts)
		require.Zero(t, snap.ConsecutiveFailures)

		cb.RecordFailure(llm.FailureTimeout)
		require.Equal(t, llm.StateOpen, cb.State())
	})

	t.Run("half-open admits exactly one probe", func(t *testing.T) {
		clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
		var transitions []string
		cb := newTestBreaker(clock, &transitions)

		cb.RecordFailure(llm.FailureTimeout)
		cb.RecordFailure(llm.FailureTimeout)
		require.False(t, cb.Allow())

		clock.advance(9 * time.Second)
		require.False(t, cb.Allow())

		clock.advance(time.Second)
		require.True(t, cb.Allow())
		require.Equal(t, llm.StateHalfOpen, cb.State())
		require.False(t, cb.Allow())

		cb.RecordSuccess()
		require.Equal(t, llm.StateClosed, cb.State())
		require.True(t, cb.Allow())
		require.Equal(t, []string{"closed->open", "open->half_open", "half_open->closed"}, transitions)
	})

	t.Run("failed probe reopens with a fresh cooldown", func(t *testing.T) {
		clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
		cb := newTestBreaker(clock, nil)

		for i := 0; i < 3; i++ {
			cb.RecordFailure(llm.FailureGeneral)
		}
		clock.advance(10 * time.Second)
		require.True(t, cb.Allow())

		cb.RecordFailure(llm.FailureGeneral)
		require.Equal(t, llm.StateOpen, cb.State())
		require.Equal(t, 4, cb.Snapshot().ConsecutiveFailures)

		clock.advance(5 * time.Second)
		require.False(t, cb.Allow())
		clock.advance(5 * time.Second)
		require.True(t, cb.Allow())
	})

	t.Run("released probe frees the half-open slot", func(t *testing.T) {
		clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
		cb := newTestBreaker(clock, nil)

		cb.RecordFailure(llm.FailureTimeout)
		cb.RecordFailure(llm.FailureTimeout)
		clock.advance(10 * time.Second)
		require.True(t, cb.Allow())
		require.False(t, cb.Allow())

		cb.Release()
		require.Equal(t, llm.StateHalfOpen, cb.State())
		require.True(t, cb.Allow())
	})
}
