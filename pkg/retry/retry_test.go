package retry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fleetstream/errors"
)

// fakeConn counts how often it is opened and closed.
type fakeConn struct {
	opened int32
	closed int32
}

func (f *fakeConn) acquire(_ context.Context) (*fakeConn, error) {
	atomic.AddInt32(&f.opened, 1)
	return f, nil
}

func (f *fakeConn) release(_ *fakeConn) {
	atomic.AddInt32(&f.closed, 1)
}

func TestRunCompletesFirstAttempt(t *testing.T) {
	conn := &fakeConn{}
	runner := NewRunner[*fakeConn](nil)

	calls := 0
	outcome, err := runner.Run(context.Background(), conn.acquire,
		func(_ context.Context, _ *fakeConn) error {
			calls++
			return nil
		},
		conn.release,
		Policy{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond})

	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, 1, calls)
	assert.Equal(t, int32(1), atomic.LoadInt32(&conn.opened))
	assert.Equal(t, int32(1), atomic.LoadInt32(&conn.closed))
}

func TestRunFailsTwiceThenSucceeds(t *testing.T) {
	conn := &fakeConn{}
	runner := NewRunner[*fakeConn](nil)

	var attemptTimes []time.Time
	attempts := 0
	outcome, err := runner.Run(context.Background(), conn.acquire,
		func(_ context.Context, _ *fakeConn) error {
			attemptTimes = append(attemptTimes, time.Now())
			attempts++
			if attempts <= 2 {
				return errors.ErrConnectionLost
			}
			return nil
		},
		conn.release,
		Policy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second})

	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, 3, attempts)

	// Every acquired resource was released, once each.
	assert.Equal(t, int32(3), atomic.LoadInt32(&conn.opened))
	assert.Equal(t, int32(3), atomic.LoadInt32(&conn.closed))

	// Gaps grow monotonically (ignoring jitter slack) and stay under max.
	require.Len(t, attemptTimes, 3)
	gap1 := attemptTimes[1].Sub(attemptTimes[0])
	gap2 := attemptTimes[2].Sub(attemptTimes[1])
	assert.Less(t, gap1, time.Second+200*time.Millisecond)
	assert.Less(t, gap2, time.Second+200*time.Millisecond)
	assert.Greater(t, gap1, time.Duration(0))
	// Jitter may subtract up to the initial backoff; allow that slack.
	assert.GreaterOrEqual(t, gap2+100*time.Millisecond, gap1)
}

func TestRunAbortsOnPermanentStatus(t *testing.T) {
	conn := &fakeConn{}
	runner := NewRunner[*fakeConn](nil)

	attempts := 0
	outcome, err := runner.Run(context.Background(), conn.acquire,
		func(_ context.Context, _ *fakeConn) error {
			attempts++
			return errors.WithStatus(errors.New("bad token"), errors.StatusUnauthenticated)
		},
		conn.release,
		Policy{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond})

	require.Error(t, err)
	assert.Equal(t, OutcomeAborted, outcome)
	assert.Equal(t, 1, attempts, "permanent failures must not be retried")
	assert.Equal(t, int32(1), atomic.LoadInt32(&conn.closed))
}

func TestRunBoundedAttempts(t *testing.T) {
	conn := &fakeConn{}
	runner := NewRunner[*fakeConn](nil)

	attempts := 0
	outcome, err := runner.Run(context.Background(), conn.acquire,
		func(_ context.Context, _ *fakeConn) error {
			attempts++
			return errors.ErrConnectionTimeout
		},
		conn.release,
		Policy{InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, MaxAttempts: 3})

	require.Error(t, err)
	assert.Equal(t, OutcomeAborted, outcome)
	assert.Equal(t, 3, attempts)
	assert.True(t, errors.Is(err, errors.ErrConnectionTimeout))
}

func TestRunScheduleIntervalRearms(t *testing.T) {
	conn := &fakeConn{}
	runner := NewRunner[*fakeConn](nil)

	var runs int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		outcome, err := runner.Run(context.Background(), conn.acquire,
			func(_ context.Context, _ *fakeConn) error {
				atomic.AddInt32(&runs, 1)
				return nil
			},
			conn.release,
			Policy{
				InitialBackoff:   time.Millisecond,
				MaxBackoff:       5 * time.Millisecond,
				ScheduleInterval: 10 * time.Millisecond,
			})
		assert.NoError(t, err)
		assert.Equal(t, OutcomeCancelled, outcome)
	}()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&runs) >= 3
	}, 2*time.Second, 5*time.Millisecond, "work unit should re-arm periodically")

	runner.Shutdown()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after shutdown")
	}
}

func TestShutdownCancelsInFlightWork(t *testing.T) {
	conn := &fakeConn{}
	runner := NewRunner[*fakeConn](nil)

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		outcome, err := runner.Run(context.Background(), conn.acquire,
			func(ctx context.Context, _ *fakeConn) error {
				close(started)
				<-ctx.Done()
				return errors.Cancelled(ctx.Err())
			},
			conn.release,
			Policy{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond})
		assert.NoError(t, err, "cancellation is an outcome, not an error")
		assert.Equal(t, OutcomeCancelled, outcome)
	}()

	<-started
	runner.Shutdown()
	runner.Shutdown() // idempotent

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after shutdown")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&conn.closed), "held resource released exactly once")
}

func TestRunContextCancellationIsCancelledOutcome(t *testing.T) {
	conn := &fakeConn{}
	runner := NewRunner[*fakeConn](nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	outcome, err := runner.Run(ctx, conn.acquire,
		func(ctx context.Context, _ *fakeConn) error {
			<-ctx.Done()
			return ctx.Err()
		},
		conn.release,
		Policy{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond})

	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, outcome)
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{"zero policy is valid", Policy{}, false},
		{"default policy is valid", DefaultPolicy(), false},
		{"negative backoff", Policy{InitialBackoff: -1}, true},
		{"initial above max", Policy{InitialBackoff: time.Second, MaxBackoff: time.Millisecond}, true},
		{"negative attempts", Policy{MaxAttempts: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBackOffDelaysCappedAtMax(t *testing.T) {
	p := Policy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}.withDefaults()
	limit := p.MaxBackoff + p.Jitter

	// Sample repeatedly: every delay, including the ones drawn at the
	// cap, must stay within MaxBackoff plus the jitter bound.
	for trial := 0; trial < 50; trial++ {
		b := p.newBackOff()
		for i := 0; i < 10; i++ {
			d := b.NextBackOff()
			assert.LessOrEqual(t, d, limit)
			assert.GreaterOrEqual(t, d, time.Duration(0))
		}
	}
}

func TestBackOffJitterIsAdditive(t *testing.T) {
	p := Policy{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		Jitter:         10 * time.Millisecond,
	}
	b := p.newBackOff()

	// First delay is drawn from InitialBackoff ± Jitter, not scaled by
	// the current interval.
	d := b.NextBackOff()
	assert.GreaterOrEqual(t, d, 90*time.Millisecond)
	assert.LessOrEqual(t, d, 110*time.Millisecond)

	b.Reset()
	d = b.NextBackOff()
	assert.GreaterOrEqual(t, d, 90*time.Millisecond)
	assert.LessOrEqual(t, d, 110*time.Millisecond)
}

func TestRunnerReleaseRaceWithShutdown(t *testing.T) {
	// Shutdown racing a normal exit must still release exactly once.
	for i := 0; i < 50; i++ {
		conn := &fakeConn{}
		runner := NewRunner[*fakeConn](nil)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = runner.Run(context.Background(), conn.acquire,
				func(_ context.Context, _ *fakeConn) error { return nil },
				conn.release,
				Policy{InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
		}()
		go func() {
			defer wg.Done()
			runner.Shutdown()
		}()
		wg.Wait()

		assert.LessOrEqual(t, atomic.LoadInt32(&conn.closed), atomic.LoadInt32(&conn.opened))
		if atomic.LoadInt32(&conn.opened) > 0 {
			assert.Equal(t, atomic.LoadInt32(&conn.opened), atomic.LoadInt32(&conn.closed))
		}
	}
}
