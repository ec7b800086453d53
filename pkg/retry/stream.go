package retry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/fleetstream/errors"
)

// ConnectionStatus reports transport connection transitions to an
// observer.
type ConnectionStatus int

const (
	// StatusConnecting indicates a connection attempt is in progress
	StatusConnecting ConnectionStatus = iota
	// StatusConnected indicates the stream is established
	StatusConnected
	// StatusError indicates the last attempt or stream failed
	StatusError
)

// String returns the string representation of ConnectionStatus
func (cs ConnectionStatus) String() string {
	switch cs {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// StatusObserver receives connection-status transitions. The error is
// non-nil only for StatusError.
type StatusObserver func(status ConnectionStatus, err error)

// StreamPolicy configures the two retry layers of a StreamRunner.
type StreamPolicy struct {
	// Inner handles mid-stream breaks (errors.ErrStreamBreak) on an
	// established resource with its own exponential backoff.
	Inner Policy
	// OuterDelay is the fixed delay between failed resource
	// acquisitions.
	OuterDelay time.Duration
}

// DefaultStreamPolicy returns defaults suited to broker connections.
func DefaultStreamPolicy() StreamPolicy {
	return StreamPolicy{
		Inner: Policy{
			InitialBackoff: 250 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
		},
		OuterDelay: 2 * time.Second,
	}
}

// StreamRunner keeps a long-lived streaming connection alive. Acquisition
// failures are handled by the outer layer with a fixed delay; mid-stream
// breaks are handled by the inner layer with exponential backoff against
// the same acquired resource. Any other failure releases the resource
// and falls back to the outer layer.
type StreamRunner[R any] struct {
	logger   *slog.Logger
	observer StatusObserver

	mu          sync.Mutex
	cancel      context.CancelFunc
	releaseHeld func()
	shutdown    bool
}

// NewStreamRunner creates a StreamRunner. Logger and observer may be nil.
func NewStreamRunner[R any](logger *slog.Logger, observer StatusObserver) *StreamRunner[R] {
	if logger == nil {
		logger = slog.Default().With("component", "stream-runner")
	}
	return &StreamRunner[R]{logger: logger, observer: observer}
}

// Shutdown cancels the in-flight stream and force-releases the held
// resource. Idempotent and safe from any goroutine.
func (s *StreamRunner[R]) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return
	}
	s.shutdown = true
	if s.cancel != nil {
		s.cancel()
	}
	if s.releaseHeld != nil {
		s.releaseHeld()
		s.releaseHeld = nil
	}
}

// Run drives the two-layer retry loop until the work unit completes
// cleanly, a permanent failure aborts it, or the runner is cancelled.
func (s *StreamRunner[R]) Run(
	ctx context.Context,
	acquire AcquireFunc[R],
	work WorkFunc[R],
	release ReleaseFunc[R],
	policy StreamPolicy,
) (Outcome, error) {
	if err := policy.Inner.Validate(); err != nil {
		return OutcomeAborted, err
	}
	policy.Inner = policy.Inner.withDefaults()
	if policy.OuterDelay <= 0 {
		policy.OuterDelay = 2 * time.Second
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return OutcomeCancelled, nil
	}
	s.cancel = cancel
	s.mu.Unlock()

	for {
		s.notify(StatusConnecting, nil)

		outcome, err, done := s.runStream(runCtx, acquire, work, release, policy)
		if done {
			return outcome, err
		}

		// Acquire or non-break stream failure: fixed short delay before
		// building a fresh resource.
		if !s.sleep(runCtx, policy.OuterDelay) {
			return OutcomeCancelled, nil
		}
	}
}

// runStream performs one acquisition and drives the inner stream-break
// loop against it. done is false when the caller should re-acquire.
func (s *StreamRunner[R]) runStream(
	ctx context.Context,
	acquire AcquireFunc[R],
	work WorkFunc[R],
	release ReleaseFunc[R],
	policy StreamPolicy,
) (Outcome, error, bool) {
	resource, err := acquire(ctx)
	if err != nil {
		if s.isShutdown() || errors.IsCancelled(err) {
			return OutcomeCancelled, nil, true
		}
		if errors.IsPermanent(err) {
			s.logger.Error("permanent acquisition failure", "error", err)
			s.notify(StatusError, err)
			return OutcomeAborted, err, true
		}
		s.logger.Warn("acquisition failed, retrying", "delay", policy.OuterDelay, "error", err)
		s.notify(StatusError, err)
		return 0, nil, false
	}

	var once sync.Once
	releaseOnce := func() {
		if release != nil {
			once.Do(func() { release(resource) })
		}
	}
	defer releaseOnce()

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return OutcomeCancelled, nil, true
	}
	s.releaseHeld = releaseOnce
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.releaseHeld = nil
		s.mu.Unlock()
	}()

	s.notify(StatusConnected, nil)

	delays := policy.Inner.newBackOff()
	attempt := 0

	for {
		attempt++
		err := work(ctx, resource)
		if err == nil {
			return OutcomeCompleted, nil, true
		}

		if s.isShutdown() || errors.IsCancelled(err) {
			return OutcomeCancelled, nil, true
		}
		if errors.IsPermanent(err) {
			s.logger.Error("permanent stream failure", "error", err)
			s.notify(StatusError, err)
			return OutcomeAborted, err, true
		}
		if !errors.IsStreamBreak(err) {
			// The resource itself is suspect. Hand control back to the
			// outer layer for a fresh acquisition.
			s.logger.Warn("stream failed, reacquiring resource", "error", err)
			s.notify(StatusError, err)
			return 0, nil, false
		}
		if policy.Inner.MaxAttempts > 0 && attempt >= policy.Inner.MaxAttempts {
			s.logger.Warn("stream break budget exhausted, reacquiring resource",
				"attempts", attempt, "error", err)
			s.notify(StatusError, err)
			return 0, nil, false
		}

		delay := delays.NextBackOff()
		s.logger.Warn("stream break, resuming on same resource",
			"attempt", attempt,
			"delay", delay,
			"error", err)
		s.notify(StatusError, err)
		if !s.sleep(ctx, delay) {
			return OutcomeCancelled, nil, true
		}
	}
}

func (s *StreamRunner[R]) notify(status ConnectionStatus, err error) {
	if s.observer != nil {
		s.observer(status, err)
	}
}

func (s *StreamRunner[R]) sleep(ctx context.Context, d time.Duration) bool {
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

func (s *StreamRunner[R]) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}
