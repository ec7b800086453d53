package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/telematics/message"
)

func testEnvelope(t *testing.T, deviceID string) *message.Envelope {
	t.Helper()
	msg, err := message.NewBuilder(deviceID, "test-proto").
		WithAttribute(message.Attribute{Name: "speed", Value: 1.0, Timestamp: time.Now()}).
		Build()
	require.NoError(t, err)
	return message.NewEnvelope("test-vendor", message.TransportMQTT, msg)
}

func TestQueueConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultQueueConfig().Validate())
	assert.Error(t, QueueConfig{Size: 0, Consumers: 1}.Validate())
	assert.Error(t, QueueConfig{Size: 10, Consumers: 0}.Validate())
}

func TestSubmitAndProcess(t *testing.T) {
	var processed atomic.Int64
	q, err := NewIngestQueue(QueueConfig{Size: 8, Consumers: 2},
		func(_ context.Context, _ *message.Envelope) { processed.Add(1) }, nil, nil)
	require.NoError(t, err)
	require.NoError(t, q.Start(context.Background()))
	defer func() { _ = q.Stop(time.Second) }()

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Submit(context.Background(), testEnvelope(t, "DEV")))
	}
	assert.Eventually(t, func() bool { return processed.Load() == 5 },
		time.Second, 10*time.Millisecond)
}

func TestSubmitBlocksWhenFull(t *testing.T) {
	// Consumers not started: nothing drains the queue.
	q, err := NewIngestQueue(QueueConfig{Size: 1, Consumers: 1},
		func(_ context.Context, _ *message.Envelope) {}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, q.Submit(context.Background(), testEnvelope(t, "DEV")))
	assert.Equal(t, 1, q.Depth())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = q.Submit(ctx, testEnvelope(t, "DEV"))
	require.Error(t, err, "full queue blocks instead of dropping")
	assert.True(t, errors.IsCancelled(err))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestSubmitUnblocksWhenConsumerDrains(t *testing.T) {
	release := make(chan struct{})
	q, err := NewIngestQueue(QueueConfig{Size: 1, Consumers: 1},
		func(_ context.Context, _ *message.Envelope) { <-release }, nil, nil)
	require.NoError(t, err)
	require.NoError(t, q.Start(context.Background()))
	defer func() {
		close(release)
		_ = q.Stop(time.Second)
	}()

	// Fill the consumer and the buffer.
	require.NoError(t, q.Submit(context.Background(), testEnvelope(t, "DEV")))
	require.NoError(t, q.Submit(context.Background(), testEnvelope(t, "DEV")))

	unblocked := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		unblocked <- q.Submit(ctx, testEnvelope(t, "DEV"))
	}()

	select {
	case err := <-unblocked:
		t.Fatalf("submit returned before a slot freed: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	release <- struct{}{}
	select {
	case err := <-unblocked:
		assert.NoError(t, err, "submit completes once the consumer frees a slot")
	case <-time.After(time.Second):
		t.Fatal("submit never unblocked")
	}
}

func TestTrySubmitShedsWhenFull(t *testing.T) {
	q, err := NewIngestQueue(QueueConfig{Size: 1, Consumers: 1},
		func(_ context.Context, _ *message.Envelope) {}, nil, nil)
	require.NoError(t, err)

	assert.True(t, q.TrySubmit(testEnvelope(t, "DEV")))
	assert.False(t, q.TrySubmit(testEnvelope(t, "DEV")))
}

func TestStopDrainsQueuedEnvelopes(t *testing.T) {
	var processed atomic.Int64
	q, err := NewIngestQueue(QueueConfig{Size: 16, Consumers: 1},
		func(_ context.Context, _ *message.Envelope) { processed.Add(1) }, nil, nil)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, q.Submit(context.Background(), testEnvelope(t, "DEV")))
	}
	require.NoError(t, q.Start(context.Background()))
	require.NoError(t, q.Stop(time.Second))

	assert.Equal(t, int64(10), processed.Load(), "accepted envelopes survive shutdown")

	err = q.Submit(context.Background(), testEnvelope(t, "DEV"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrQueueStopped))
}
