// Package mqtt is the MQTT transport: it maintains the broker
// connection, routes device publishes into the telematics service, and
// publishes outbound commands back onto the device topic tree.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/metric"
	"github.com/c360/fleetstream/pkg/retry"
	"github.com/c360/fleetstream/telematics/message"
	"github.com/c360/fleetstream/telematics/protocol"
	"github.com/c360/fleetstream/telematics/service"
)

// HandlerConfig configures the broker connection.
type HandlerConfig struct {
	// BrokerURL is the broker address, e.g. tcp://localhost:1883.
	BrokerURL string `json:"brokerUrl"`
	// ClientID identifies this node to the broker.
	ClientID string `json:"clientId"`
	// Username and Password authenticate against the broker.
	Username string `json:"username"`
	Password string `json:"password"`
	// QoS is the quality of service for subscriptions and publishes.
	QoS byte `json:"qos"`
	// ConnectTimeout bounds one connection attempt.
	ConnectTimeout time.Duration `json:"connectTimeout"`
	// Retry governs reconnection after broker loss.
	Retry retry.StreamPolicy `json:"-"`
}

// DefaultHandlerConfig returns the reference broker settings.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		BrokerURL:      "tcp://localhost:1883",
		ClientID:       "fleetstream",
		QoS:            1,
		ConnectTimeout: 10 * time.Second,
		Retry:          retry.DefaultStreamPolicy(),
	}
}

// Validate checks the broker settings.
func (c HandlerConfig) Validate() error {
	if c.BrokerURL == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: broker url", errors.ErrMissingConfig),
			"HandlerConfig", "Validate", "broker url check")
	}
	if c.ClientID == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: client id", errors.ErrMissingConfig),
			"HandlerConfig", "Validate", "client id check")
	}
	if c.QoS > 2 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: qos %d", errors.ErrInvalidConfig, c.QoS),
			"HandlerConfig", "Validate", "qos check")
	}
	return nil
}

// HandlerDeps holds runtime dependencies for the transport.
type HandlerDeps struct {
	Service *service.Service
	Logger  *slog.Logger
	Metrics *metric.Metrics
}

// Handler bridges the MQTT broker and the telematics service. The
// broker link is owned by a stream runner: connection loss tears the
// client down and rebuilds it with backoff instead of trusting the
// broker library's own reconnect.
type Handler struct {
	config  HandlerConfig
	svc     *service.Service
	logger  *slog.Logger
	metrics *metric.Metrics

	runner *retry.StreamRunner[pahomqtt.Client]

	// lastTopic remembers where each device last published so commands
	// can address the same client subtree.
	lastTopic sync.Map // deviceID → Topic

	mu      sync.Mutex
	client  pahomqtt.Client
	lost    chan error
	started bool
	done    chan struct{}
}

// NewHandler creates the MQTT transport for a service.
func NewHandler(config HandlerConfig, deps HandlerDeps) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if deps.Service == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: service", errors.ErrMissingConfig),
			"Handler", "NewHandler", "service check")
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultHandlerConfig().ConnectTimeout
	}
	if config.Retry.Inner.InitialBackoff == 0 {
		config.Retry = retry.DefaultStreamPolicy()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "mqtt-transport")
	}

	h := &Handler{
		config:  config,
		svc:     deps.Service,
		logger:  logger,
		metrics: deps.Metrics,
	}
	h.runner = retry.NewStreamRunner[pahomqtt.Client](
		logger.With("component", "mqtt-stream"), h.observeStatus)
	return h, nil
}

// Start connects to the broker in the background and keeps the link
// alive until Stop.
func (h *Handler) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return nil
	}
	h.started = true
	h.done = make(chan struct{})

	go func() {
		defer close(h.done)
		outcome, err := h.runner.Run(ctx, h.connect, h.serve, h.disconnect, h.config.Retry)
		if err != nil {
			h.logger.Error("broker link ended", "outcome", outcome, "error", err)
			return
		}
		h.logger.Info("broker link ended", "outcome", outcome)
	}()
	return nil
}

// Stop tears down the broker link, waiting up to timeout.
func (h *Handler) Stop(timeout time.Duration) error {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = false
	done := h.done
	h.mu.Unlock()

	h.runner.Shutdown()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.Wrap(errors.ErrConnectionTimeout, "Handler", "Stop", "broker teardown")
	}
}

// connect is the stream acquisition: build a client, connect, and
// subscribe to the device topic tree.
func (h *Handler) connect(ctx context.Context) (pahomqtt.Client, error) {
	lost := make(chan error, 1)

	opts := pahomqtt.NewClientOptions().
		AddBroker(h.config.BrokerURL).
		SetClientID(h.config.ClientID).
		SetUsername(h.config.Username).
		SetPassword(h.config.Password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectTimeout(h.config.ConnectTimeout).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			select {
			case lost <- err:
			default:
			}
		})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(h.config.ConnectTimeout) {
		return nil, errors.WrapRetryable(errors.ErrConnectionTimeout,
			"Handler", "connect", "broker connection")
	}
	if err := token.Error(); err != nil {
		return nil, errors.WrapRetryable(err, "Handler", "connect", "broker connection")
	}

	sub := client.Subscribe(subscriptionFilter(), h.config.QoS, h.onMessage)
	if sub.Wait() && sub.Error() != nil {
		client.Disconnect(250)
		return nil, errors.WrapRetryable(sub.Error(), "Handler", "connect", "topic subscription")
	}

	h.mu.Lock()
	h.client = client
	h.lost = lost
	h.mu.Unlock()

	h.logger.Info("broker connected",
		"broker", h.config.BrokerURL,
		"filter", subscriptionFilter())
	return client, nil
}

// serve blocks until the broker connection drops or the context ends.
func (h *Handler) serve(ctx context.Context, _ pahomqtt.Client) error {
	h.mu.Lock()
	lost := h.lost
	h.mu.Unlock()

	select {
	case <-ctx.Done():
		return errors.Cancelled(ctx.Err())
	case err := <-lost:
		return errors.WrapRetryable(
			fmt.Errorf("%w: %v", errors.ErrConnectionLost, err),
			"Handler", "serve", "broker link")
	}
}

// disconnect is the stream release.
func (h *Handler) disconnect(client pahomqtt.Client) {
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
	h.mu.Lock()
	h.client = nil
	h.mu.Unlock()
}

// observeStatus mirrors broker state into metrics.
func (h *Handler) observeStatus(status retry.ConnectionStatus, err error) {
	if h.metrics == nil {
		return
	}
	switch status {
	case retry.StatusConnected:
		h.metrics.RecordBrokerStatus(true)
	case retry.StatusConnecting:
		h.metrics.RecordBrokerReconnect()
	case retry.StatusError:
		h.metrics.RecordBrokerStatus(false)
	}
}

// onMessage routes one device publish into the service.
func (h *Handler) onMessage(_ pahomqtt.Client, m pahomqtt.Message) {
	topic, err := ParseTopic(m.Topic())
	if err != nil {
		h.logger.Warn("unroutable publish", "topic", m.Topic(), "error", err)
		return
	}

	switch topic.Suffix {
	case SuffixConnect:
		h.deviceConnected(topic)
		return
	case SuffixDisconnect:
		h.deviceDisconnected(topic)
		return
	case SuffixData:
	default:
		h.logger.Debug("ignoring publish with unknown suffix",
			"topic", m.Topic(), "suffix", topic.Suffix)
		return
	}

	h.lastTopic.Store(topic.DeviceID, topic)

	pctx := protocol.Context{
		DeviceID:   topic.DeviceID,
		Realm:      topic.Realm,
		Transport:  message.TransportMQTT,
		Topic:      m.Topic(),
		ReceivedAt: time.Now(),
	}

	// Submission blocks while the queue is full; paho delivers each
	// subscription's messages serially, so this is the backpressure path.
	if _, err := h.svc.HandleInbound(context.Background(), topic.VendorToken, m.Payload(), pctx); err != nil {
		h.logger.Warn("inbound publish rejected",
			"topic", m.Topic(),
			"device_id", topic.DeviceID,
			"error", err)
	}
}

// deviceConnected marks a device online and flushes any queued
// commands for it.
func (h *Handler) deviceConnected(topic Topic) {
	h.lastTopic.Store(topic.DeviceID, topic)
	v, ok := h.svc.Vendor(topic.VendorToken)
	if !ok {
		h.logger.Warn("connect for unregistered vendor",
			"vendor", topic.VendorToken, "device_id", topic.DeviceID)
		return
	}

	// Label the session and connection with the codec's protocol id so
	// they agree with the messages the codec decodes.
	protocolID, codecID := "", ""
	if len(v.Codecs) > 0 {
		protocolID = v.Codecs[0].ProtocolID()
		codecID = v.Codecs[0].ID()
	}
	h.svc.Sessions().OnConnect(topic.DeviceID, protocolID, topic.Realm)
	h.svc.Connections().MarkConnected(v.ID, topic.DeviceID, topic.Realm, protocolID, codecID, message.TransportMQTT)
	h.logger.Info("device connected", "device_id", topic.DeviceID, "realm", topic.Realm)

	h.flushCommands(topic)
}

// deviceDisconnected marks a device offline.
func (h *Handler) deviceDisconnected(topic Topic) {
	h.svc.Sessions().OnDisconnect(topic.DeviceID)
	h.svc.Connections().MarkDisconnected(topic.DeviceID)
	h.logger.Info("device disconnected", "device_id", topic.DeviceID, "realm", topic.Realm)
}

// flushCommands publishes every command queued on the device session
// while it was offline.
func (h *Handler) flushCommands(topic Topic) {
	sess, ok := h.svc.Sessions().Get(topic.DeviceID)
	if !ok {
		return
	}
	for {
		cmd, ok := sess.Commands().TryTake()
		if !ok {
			return
		}
		dc, ok := cmd.(protocol.DeviceCommand)
		if !ok {
			continue
		}
		if err := h.publishCommand(topic, dc); err != nil {
			h.logger.Warn("queued command publish failed",
				"device_id", topic.DeviceID,
				"command", dc.Name,
				"error", err)
		}
	}
}

// SendCommand delivers a command to a device: immediately when the
// device is connected, otherwise queued on its session until the next
// connect.
func (h *Handler) SendCommand(_ context.Context, cmd protocol.DeviceCommand) error {
	raw, ok := h.lastTopic.Load(cmd.DeviceID)
	if !ok {
		return errors.Wrap(errors.ErrSessionNotFound, "Handler", "SendCommand", "device topic lookup")
	}
	topic := raw.(Topic)

	if !h.svc.Connections().IsConnected(cmd.DeviceID) {
		sess, ok := h.svc.Sessions().Get(cmd.DeviceID)
		if !ok {
			return errors.Wrap(errors.ErrSessionNotFound, "Handler", "SendCommand", "session lookup")
		}
		sess.Commands().Put(cmd)
		h.logger.Info("command queued for offline device",
			"device_id", cmd.DeviceID, "command", cmd.Name)
		return nil
	}
	return h.publishCommand(topic, cmd)
}

// publishCommand encodes and publishes one command on the device's
// command topic.
func (h *Handler) publishCommand(topic Topic, cmd protocol.DeviceCommand) error {
	pctx := protocol.Context{
		DeviceID:  topic.DeviceID,
		Realm:     topic.Realm,
		Transport: message.TransportMQTT,
		Topic:     topic.CommandTopic(),
	}
	payload, err := h.svc.EncodeCommand(topic.VendorToken, cmd, pctx)
	if err != nil {
		h.logger.Warn("command encode failed",
			"device_id", topic.DeviceID,
			"command", cmd.Name,
			"error", err)
		return err
	}

	h.mu.Lock()
	client := h.client
	h.mu.Unlock()
	if client == nil {
		return errors.WrapRetryable(errors.ErrConnectionLost, "Handler", "publishCommand", "broker link")
	}

	token := client.Publish(topic.CommandTopic(), h.config.QoS, false, payload)
	if token.Wait() && token.Error() != nil {
		return errors.WrapRetryable(token.Error(), "Handler", "publishCommand", "command publish")
	}
	h.logger.Debug("command published",
		"device_id", topic.DeviceID,
		"topic", topic.CommandTopic(),
		"command", cmd.Name)
	return nil
}
