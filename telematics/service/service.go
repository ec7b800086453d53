// Package service wires the telematics pipeline together: vendor
// registration, payload decoding, the bounded ingestion queue, session
// and connection tracking, and dispatch to vendor message handlers.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/metric"
	"github.com/c360/fleetstream/telematics/connection"
	"github.com/c360/fleetstream/telematics/message"
	"github.com/c360/fleetstream/telematics/protocol"
	"github.com/c360/fleetstream/telematics/session"
	"github.com/c360/fleetstream/telematics/vendor"
)

// Config composes the pipeline settings.
type Config struct {
	Queue   QueueConfig           `json:"queue"`
	Session session.ManagerConfig `json:"session"`
}

// DefaultConfig returns the reference pipeline settings.
func DefaultConfig() Config {
	return Config{
		Queue:   DefaultQueueConfig(),
		Session: session.DefaultManagerConfig(),
	}
}

// Validate checks the pipeline settings.
func (c Config) Validate() error {
	if err := c.Queue.Validate(); err != nil {
		return err
	}
	return c.Session.Validate()
}

// Deps holds runtime dependencies for the service.
type Deps struct {
	Config  Config
	Logger  *slog.Logger
	Metrics *metric.Metrics
}

// Service is the telematics engine: it owns the vendor registry, the
// ingestion queue, and the session and connection registries, and moves
// every inbound payload from raw bytes to a handled message.
type Service struct {
	config  Config
	logger  *slog.Logger
	metrics *metric.Metrics

	sessions    *session.Manager
	connections *connection.Registry
	queue       *IngestQueue

	mu      sync.RWMutex
	vendors map[string]*vendor.Vendor

	lifecycleMu sync.Mutex
	started     bool
}

// NewService creates the pipeline. Vendors register afterwards, before
// Start.
func NewService(deps Deps) (*Service, error) {
	config := deps.Config
	if config.Queue.Size == 0 && config.Queue.Consumers == 0 {
		config.Queue = DefaultQueueConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "telematics-service")
	}

	s := &Service{
		config:  config,
		logger:  logger,
		metrics: deps.Metrics,
		vendors: make(map[string]*vendor.Vendor),
		sessions: session.NewManager(session.ManagerDeps{
			Config:  config.Session,
			Logger:  logger.With("component", "session-manager"),
			Metrics: deps.Metrics,
		}),
		connections: connection.NewRegistry(connection.RegistryDeps{
			Logger:  logger.With("component", "connection-registry"),
			Metrics: deps.Metrics,
		}),
	}

	queue, err := NewIngestQueue(config.Queue, s.processEnvelope,
		logger.With("component", "ingest-queue"), deps.Metrics)
	if err != nil {
		return nil, err
	}
	s.queue = queue
	return s, nil
}

// RegisterVendor adds a vendor to the dispatch table. Vendor ids are
// unique; registering the same id twice is an error.
func (s *Service) RegisterVendor(v *vendor.Vendor) error {
	if v == nil {
		return errors.WrapInvalid(
			fmt.Errorf("nil vendor"), "Service", "RegisterVendor", "vendor validation")
	}
	if err := v.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.vendors[v.ID]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrDuplicateVendor, v.ID),
			"Service", "RegisterVendor", "uniqueness check")
	}
	s.vendors[v.ID] = v
	s.logger.Info("vendor registered",
		"vendor_id", v.ID,
		"name", v.Name,
		"codecs", len(v.Codecs))
	return nil
}

// Vendor returns a registered vendor by id.
func (s *Service) Vendor(id string) (*vendor.Vendor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vendors[id]
	return v, ok
}

// VendorIDs returns the registered vendor ids.
func (s *Service) VendorIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.vendors))
	for id := range s.vendors {
		out = append(out, id)
	}
	return out
}

// Sessions exposes the session manager to transports.
func (s *Service) Sessions() *session.Manager { return s.sessions }

// Connections exposes the connection registry to transports.
func (s *Service) Connections() *connection.Registry { return s.connections }

// HandleInbound decodes a raw payload through the vendor's codec and
// queues the resulting messages. It returns the number of messages
// queued. Decode failures count against the vendor and drop the
// payload without disturbing the connection.
func (s *Service) HandleInbound(ctx context.Context, vendorID string, raw []byte, pctx protocol.Context) (int, error) {
	v, ok := s.Vendor(vendorID)
	if !ok {
		return 0, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrVendorNotRegistered, vendorID),
			"Service", "HandleInbound", "vendor lookup")
	}
	if !v.SupportsTransport(pctx.Transport) {
		return 0, errors.WrapInvalid(
			fmt.Errorf("vendor %s does not accept transport %s", vendorID, pctx.Transport),
			"Service", "HandleInbound", "transport check")
	}

	codec, ok := v.CodecFor(raw, pctx)
	if !ok {
		if s.metrics != nil {
			s.metrics.RecordDecodeError(vendorID, string(pctx.Transport))
		}
		return 0, errors.WrapInvalid(
			fmt.Errorf("%w: no codec accepts payload", errors.ErrDecode),
			"Service", "HandleInbound", "codec selection")
	}

	if s.metrics != nil {
		s.metrics.RecordMessageReceived(vendorID, string(pctx.Transport))
	}
	s.connections.EnsureConnected(vendorID, pctx.DeviceID, pctx.Realm,
		codec.ProtocolID(), codec.ID(), pctx.Transport)

	msgs, err := codec.Decode(raw, pctx)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordDecodeError(vendorID, string(pctx.Transport))
		}
		s.logger.Warn("payload decode failed",
			"vendor_id", vendorID,
			"device_id", pctx.DeviceID,
			"transport", pctx.Transport,
			"error", err)
		return 0, err
	}

	queued := 0
	for _, msg := range msgs {
		env := message.NewEnvelope(vendorID, pctx.Transport, msg)
		if err := s.SubmitMessage(ctx, env); err != nil {
			return queued, err
		}
		queued++
	}
	return queued, nil
}

// SubmitMessage queues one decoded envelope for processing, blocking
// while the queue is full.
func (s *Service) SubmitMessage(ctx context.Context, env *message.Envelope) error {
	if env == nil || env.Message == nil {
		return errors.WrapInvalid(
			fmt.Errorf("empty envelope"), "Service", "SubmitMessage", "envelope validation")
	}
	return s.queue.Submit(ctx, env)
}

// processEnvelope is the queue consumer: it keeps session and
// connection state current and dispatches to the vendor handler.
// Handler failures drop the message and keep the pipeline moving.
func (s *Service) processEnvelope(ctx context.Context, env *message.Envelope) {
	start := time.Now()

	// A message from a device with no session means the transport never
	// reported a connect; track it as connecting until one arrives.
	s.sessions.GetOrCreate(env.DeviceID, env.ProtocolID, env.Realm, session.StateConnecting)
	s.sessions.OnMessage(env.DeviceID)
	s.connections.Touch(env.DeviceID)

	v, ok := s.Vendor(env.VendorID)
	if !ok {
		s.dropEnvelope(env, "vendor_unregistered", errors.ErrVendorNotRegistered)
		return
	}

	if err := v.Handler.HandleMessage(ctx, env); err != nil {
		s.dropEnvelope(env, "handler_error", err)
		return
	}

	if s.metrics != nil {
		s.metrics.RecordMessageProcessed(env.VendorID, "ok")
		s.metrics.RecordProcessingDuration(env.VendorID, time.Since(start))
	}
}

func (s *Service) dropEnvelope(env *message.Envelope, reason string, err error) {
	s.logger.Error("message dropped",
		"vendor_id", env.VendorID,
		"device_id", env.DeviceID,
		"envelope_id", env.ID,
		"reason", reason,
		"error", err)
	if s.metrics != nil {
		s.metrics.RecordMessageDropped(env.VendorID, reason)
		s.metrics.RecordMessageProcessed(env.VendorID, "error")
	}
}

// EncodeCommand serializes an outbound command through the vendor's
// codec for the given transport context.
func (s *Service) EncodeCommand(vendorID string, cmd protocol.DeviceCommand, pctx protocol.Context) ([]byte, error) {
	v, ok := s.Vendor(vendorID)
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrVendorNotRegistered, vendorID),
			"Service", "EncodeCommand", "vendor lookup")
	}
	codec, ok := v.CodecFor(nil, pctx)
	if !ok && len(v.Codecs) > 0 {
		// No inbound payload to sniff; fall back to the vendor's primary
		// codec for encoding.
		codec = v.Codecs[0]
		ok = true
	}
	if !ok {
		return nil, errors.Wrap(errors.ErrEncode, "Service", "EncodeCommand", "codec selection")
	}

	raw, err := codec.EncodeCommand(cmd, pctx)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordEncodeError(vendorID)
		}
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordCommandSent(vendorID)
	}
	return raw, nil
}

// Start launches the queue consumers and the session sweeper.
func (s *Service) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.started {
		return nil
	}
	if err := s.queue.Start(ctx); err != nil {
		return err
	}
	if err := s.sessions.Start(ctx); err != nil {
		return err
	}
	s.started = true
	s.logger.Info("telematics service started", "vendors", len(s.VendorIDs()))
	return nil
}

// Stop drains the queue, halts the sweeper, and clears the session and
// connection registries.
func (s *Service) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.started {
		return nil
	}
	s.started = false

	var firstErr error
	if err := s.queue.Stop(timeout); err != nil {
		firstErr = err
	}
	if err := s.sessions.Stop(timeout); err != nil && firstErr == nil {
		firstErr = err
	}
	s.sessions.Clear()
	s.connections.Clear()
	s.logger.Info("telematics service stopped")
	return firstErr
}

// Health reports pipeline state for liveness endpoints.
func (s *Service) Health() map[string]any {
	return map[string]any{
		"vendors":     len(s.VendorIDs()),
		"sessions":    s.sessions.Count(),
		"connections": s.connections.ConnectedCount(),
		"queue_depth": s.queue.Depth(),
	}
}
