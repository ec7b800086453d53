package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/metric"
	"github.com/c360/fleetstream/telematics/message"
)

// QueueConfig sizes the ingestion queue.
type QueueConfig struct {
	// Size is the queue capacity. Submit blocks once the queue holds
	// Size envelopes, pushing backpressure onto the transports.
	Size int `json:"size"`
	// Consumers is the number of concurrent processing goroutines.
	Consumers int `json:"consumers"`
}

// DefaultQueueConfig returns the reference queue sizing.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{Size: 10000, Consumers: 4}
}

// Validate checks the queue sizing.
func (c QueueConfig) Validate() error {
	if c.Size <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: queue size must be positive", errors.ErrInvalidConfig),
			"QueueConfig", "Validate", "size check")
	}
	if c.Consumers <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: consumer count must be positive", errors.ErrInvalidConfig),
			"QueueConfig", "Validate", "consumer check")
	}
	return nil
}

// ProcessFunc handles one queued envelope. Errors are the handler's to
// report; the queue never sees them.
type ProcessFunc func(ctx context.Context, env *message.Envelope)

// IngestQueue is the bounded buffer between transport handlers and
// message processing. Submission blocks when the queue is full, so a
// slow pipeline slows the transports instead of dropping traffic.
type IngestQueue struct {
	config  QueueConfig
	logger  *slog.Logger
	metrics *metric.Metrics
	process ProcessFunc

	ch   chan *message.Envelope
	done chan struct{}

	lifecycleMu sync.Mutex
	started     bool
	stopped     atomic.Bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewIngestQueue creates a queue that feeds envelopes to process.
func NewIngestQueue(config QueueConfig, process ProcessFunc, logger *slog.Logger, metrics *metric.Metrics) (*IngestQueue, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if process == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: process func", errors.ErrMissingConfig),
			"IngestQueue", "NewIngestQueue", "process check")
	}
	if logger == nil {
		logger = slog.Default().With("component", "ingest-queue")
	}
	return &IngestQueue{
		config:  config,
		logger:  logger,
		metrics: metrics,
		process: process,
		ch:      make(chan *message.Envelope, config.Size),
		done:    make(chan struct{}),
	}, nil
}

// Submit enqueues an envelope, blocking while the queue is full. It
// returns when the envelope is queued, the context is cancelled, or the
// queue stops.
func (q *IngestQueue) Submit(ctx context.Context, env *message.Envelope) error {
	if q.stopped.Load() {
		return errors.Wrap(errors.ErrQueueStopped, "IngestQueue", "Submit", "enqueue")
	}
	select {
	case q.ch <- env:
		q.recordDepth()
		return nil
	case <-q.done:
		return errors.Wrap(errors.ErrQueueStopped, "IngestQueue", "Submit", "enqueue")
	case <-ctx.Done():
		return errors.Cancelled(ctx.Err())
	}
}

// TrySubmit enqueues without blocking, reporting whether the envelope
// was accepted. Used by transports that prefer shedding over waiting.
func (q *IngestQueue) TrySubmit(env *message.Envelope) bool {
	if q.stopped.Load() {
		return false
	}
	select {
	case q.ch <- env:
		q.recordDepth()
		return true
	default:
		return false
	}
}

// Depth returns the number of queued envelopes.
func (q *IngestQueue) Depth() int { return len(q.ch) }

// Start launches the consumer goroutines. Idempotent.
func (q *IngestQueue) Start(ctx context.Context) error {
	q.lifecycleMu.Lock()
	defer q.lifecycleMu.Unlock()

	if q.started {
		return nil
	}
	q.started = true

	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	for i := 0; i < q.config.Consumers; i++ {
		q.wg.Add(1)
		go q.consume(runCtx, i)
	}
	q.logger.Info("ingest queue started",
		"capacity", q.config.Size,
		"consumers", q.config.Consumers)
	return nil
}

// Stop closes the queue to new submissions, drains what is already
// queued, and waits up to timeout for the consumers to finish.
func (q *IngestQueue) Stop(timeout time.Duration) error {
	q.lifecycleMu.Lock()
	defer q.lifecycleMu.Unlock()

	if !q.started || q.stopped.Load() {
		return nil
	}
	q.stopped.Store(true)
	close(q.done)

	finished := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(finished)
	}()

	var err error
	select {
	case <-finished:
	case <-time.After(timeout):
		err = errors.Wrap(errors.ErrConnectionTimeout, "IngestQueue", "Stop", "consumer drain")
	}
	q.cancel()
	return err
}

func (q *IngestQueue) consume(ctx context.Context, id int) {
	defer q.wg.Done()
	logger := q.logger.With("consumer", id)
	for {
		select {
		case env := <-q.ch:
			q.process(ctx, env)
			q.recordDepth()
		case <-q.done:
			q.drain(ctx, logger)
			return
		case <-ctx.Done():
			return
		}
	}
}

// drain empties the queue on shutdown so accepted envelopes are still
// processed.
func (q *IngestQueue) drain(ctx context.Context, logger *slog.Logger) {
	drained := 0
	for {
		select {
		case env := <-q.ch:
			q.process(ctx, env)
			drained++
		default:
			if drained > 0 {
				logger.Info("drained queued envelopes on shutdown", "count", drained)
			}
			q.recordDepth()
			return
		}
	}
}

func (q *IngestQueue) recordDepth() {
	if q.metrics != nil {
		q.metrics.RecordQueueDepth(len(q.ch))
	}
}
