// Package retry provides the resilient execution primitives used to keep
// long-lived transport connections alive under failure. A Runner acquires
// a resource, executes a unit of work against it, and on failure decides
// to retry with exponential backoff, abort on permanent classification,
// or reschedule itself after a fixed interval. A StreamRunner layers an
// inner stream-break policy inside an outer acquisition policy for
// streaming transports.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/c360/fleetstream/errors"
)

// Outcome is the terminal result of a Runner execution.
type Outcome int

const (
	// OutcomeCompleted indicates the work unit finished cleanly
	OutcomeCompleted Outcome = iota
	// OutcomeAborted indicates retrying stopped on a permanent failure
	// or attempt exhaustion
	OutcomeAborted
	// OutcomeCancelled indicates an external shutdown or context
	// cancellation; not reported as an error
	OutcomeCancelled
)

// String returns the string representation of Outcome
func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeAborted:
		return "aborted"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Policy configures backoff and scheduling for a Runner.
type Policy struct {
	// InitialBackoff is the delay before the second attempt. Doubles
	// each attempt up to MaxBackoff.
	InitialBackoff time.Duration
	// MaxBackoff caps the per-attempt delay.
	MaxBackoff time.Duration
	// Jitter bounds the random adjustment added to or subtracted from
	// each delay. Defaults to InitialBackoff minus one millisecond.
	Jitter time.Duration
	// MaxAttempts bounds the number of attempts. Zero means unbounded.
	MaxAttempts int
	// ScheduleInterval, when positive, re-arms the work unit after each
	// clean completion instead of returning (poll-then-sleep).
	ScheduleInterval time.Duration
}

// DefaultPolicy returns sensible defaults for transport reconnection.
func DefaultPolicy() Policy {
	return Policy{
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
	}
}

// Validate checks the policy for internally inconsistent values.
func (p Policy) Validate() error {
	if p.InitialBackoff < 0 || p.MaxBackoff < 0 || p.Jitter < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Policy", "Validate", "negative duration check")
	}
	if p.MaxBackoff > 0 && p.InitialBackoff > p.MaxBackoff {
		return errors.WrapInvalid(
			fmt.Errorf("initial backoff %v exceeds max backoff %v", p.InitialBackoff, p.MaxBackoff),
			"Policy", "Validate", "backoff ordering check")
	}
	if p.MaxAttempts < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Policy", "Validate", "max attempts check")
	}
	return nil
}

// withDefaults fills zero values so the backoff engine always has a
// usable configuration.
func (p Policy) withDefaults() Policy {
	if p.InitialBackoff == 0 {
		p.InitialBackoff = 500 * time.Millisecond
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = 30 * time.Second
	}
	if p.Jitter == 0 && p.InitialBackoff > time.Millisecond {
		p.Jitter = p.InitialBackoff - time.Millisecond
	}
	return p
}

// newBackOff builds the delay engine for a policy. The base delay starts
// at InitialBackoff, doubles each attempt, and caps at MaxBackoff; the
// random adjustment in ±Jitter is applied on top of the capped base, so
// no delay ever exceeds MaxBackoff plus Jitter.
func (p Policy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.Multiplier = 2.0
	b.RandomizationFactor = 0 // jitter is additive, applied in jitteredBackOff
	b.MaxElapsedTime = 0      // attempts are bounded by MaxAttempts, not wall time
	b.Reset()
	return &jitteredBackOff{base: b, jitter: p.Jitter}
}

// jitteredBackOff layers a uniform random adjustment in ±jitter on the
// deterministic capped exponential base.
type jitteredBackOff struct {
	base   *backoff.ExponentialBackOff
	jitter time.Duration
}

func (j *jitteredBackOff) Reset() { j.base.Reset() }

func (j *jitteredBackOff) NextBackOff() time.Duration {
	d := j.base.NextBackOff()
	if j.jitter > 0 {
		d += time.Duration(rand.Int63n(int64(2*j.jitter)+1)) - j.jitter
		if d < 0 {
			d = 0
		}
	}
	return d
}

// AcquireFunc opens the resource a work unit runs against, for example a
// broker connection or a channel.
type AcquireFunc[R any] func(ctx context.Context) (R, error)

// WorkFunc executes one unit of work against an acquired resource.
type WorkFunc[R any] func(ctx context.Context, resource R) error

// ReleaseFunc releases an acquired resource. It is called exactly once
// per successful acquisition on every exit path.
type ReleaseFunc[R any] func(resource R)

// Runner executes a work unit against a freshly acquired resource with
// retry, permanent-failure classification, and optional rescheduling.
// A Runner is single-use: create one per long-lived task.
type Runner[R any] struct {
	logger *slog.Logger

	mu          sync.Mutex
	cancel      context.CancelFunc
	releaseHeld func()
	shutdown    bool
}

// NewRunner creates a Runner. A nil logger falls back to slog.Default.
func NewRunner[R any](logger *slog.Logger) *Runner[R] {
	if logger == nil {
		logger = slog.Default().With("component", "retry-runner")
	}
	return &Runner[R]{logger: logger}
}

// Shutdown cancels the in-flight work unit, any pending scheduled re-arm,
// and force-releases the currently held resource. It is idempotent and
// safe to call from any goroutine.
func (r *Runner[R]) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shutdown {
		return
	}
	r.shutdown = true
	if r.cancel != nil {
		r.cancel()
	}
	if r.releaseHeld != nil {
		r.releaseHeld()
		r.releaseHeld = nil
	}
}

// Run acquires a resource and executes work against it, retrying
// transient failures per the policy. Permanent failures (protocol status
// codes) and cancellation stop retrying immediately; cancellation is a
// distinct terminal outcome, not an error. When ScheduleInterval is set,
// a clean completion re-arms the work unit after the interval.
func (r *Runner[R]) Run(
	ctx context.Context,
	acquire AcquireFunc[R],
	work WorkFunc[R],
	release ReleaseFunc[R],
	policy Policy,
) (Outcome, error) {
	if err := policy.Validate(); err != nil {
		return OutcomeAborted, err
	}
	policy = policy.withDefaults()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return OutcomeCancelled, nil
	}
	r.cancel = cancel
	r.mu.Unlock()

	delays := policy.newBackOff()
	attempt := 0

	for {
		attempt++
		r.logger.Debug("attempt starting", "attempt", attempt)

		err := r.runOnce(runCtx, acquire, work, release)
		if err == nil {
			r.logger.Debug("attempt succeeded", "attempt", attempt)
			if policy.ScheduleInterval <= 0 {
				return OutcomeCompleted, nil
			}
			// Poll-then-sleep: re-arm after the fixed interval with a
			// fresh backoff budget for the next cycle.
			delays.Reset()
			attempt = 0
			r.logger.Debug("rescheduling work unit", "interval", policy.ScheduleInterval)
			if !r.sleep(runCtx, policy.ScheduleInterval) {
				return OutcomeCancelled, nil
			}
			continue
		}

		if r.isShutdown() || errors.IsCancelled(err) {
			r.logger.Info("work unit cancelled", "attempt", attempt)
			return OutcomeCancelled, nil
		}
		if errors.IsPermanent(err) {
			r.logger.Error("permanent failure, not retrying", "attempt", attempt, "error", err)
			return OutcomeAborted, err
		}
		if policy.MaxAttempts > 0 && attempt >= policy.MaxAttempts {
			r.logger.Error("giving up after final attempt", "attempts", attempt, "error", err)
			return OutcomeAborted, errors.Wrap(err, "Runner", "Run",
				fmt.Sprintf("all %d attempts", attempt))
		}

		delay := delays.NextBackOff()
		r.logger.Warn("attempt failed, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err)
		if !r.sleep(runCtx, delay) {
			return OutcomeCancelled, nil
		}
	}
}

// runOnce performs a single acquire-work-release cycle. The release is
// guaranteed exactly once, whether the cycle ends normally, in error, or
// through a concurrent Shutdown force-release.
func (r *Runner[R]) runOnce(
	ctx context.Context,
	acquire AcquireFunc[R],
	work WorkFunc[R],
	release ReleaseFunc[R],
) error {
	resource, err := acquire(ctx)
	if err != nil {
		return err
	}

	var once sync.Once
	releaseOnce := func() {
		if release != nil {
			once.Do(func() { release(resource) })
		}
	}
	defer releaseOnce()

	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return errors.Cancelled(errors.ErrShuttingDown)
	}
	r.releaseHeld = releaseOnce
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.releaseHeld = nil
		r.mu.Unlock()
	}()

	return work(ctx, resource)
}

// sleep waits for d, returning false when the context is cancelled first.
func (r *Runner[R]) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (r *Runner[R]) isShutdown() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shutdown
}
