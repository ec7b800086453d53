package asset

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/fleetstream/errors"
)

// AttributeEvent records one attribute update on an asset that already
// carried the attribute. First-time attribute writes are merges, not
// events.
type AttributeEvent struct {
	AssetID   string    `json:"assetId"`
	Realm     string    `json:"realm"`
	Name      string    `json:"name"`
	Value     any       `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// EventPublisher emits attribute update events for downstream
// consumers.
type EventPublisher interface {
	PublishAttributeEvent(ctx context.Context, event AttributeEvent) error
	Close() error
}

// NoopPublisher discards events. Used when no broker is configured.
type NoopPublisher struct{}

// PublishAttributeEvent implements EventPublisher
func (NoopPublisher) PublishAttributeEvent(context.Context, AttributeEvent) error { return nil }

// Close implements EventPublisher
func (NoopPublisher) Close() error { return nil }

// PublisherConfig configures the NATS event publisher.
type PublisherConfig struct {
	// URL is the NATS server URL.
	URL string `json:"url"`
	// SubjectPrefix is prepended to every event subject. Events publish
	// to <prefix>.attribute.<assetID>.
	SubjectPrefix string `json:"subjectPrefix"`
	// ReconnectWait is the delay between reconnect attempts.
	ReconnectWait time.Duration `json:"reconnectWait"`
	// MaxReconnects caps reconnect attempts; negative means unlimited.
	MaxReconnects int `json:"maxReconnects"`
}

// DefaultPublisherConfig returns the reference publisher settings.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "fleetstream.events",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Validate checks the publisher settings.
func (c PublisherConfig) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: nats url", errors.ErrMissingConfig),
			"PublisherConfig", "Validate", "url check")
	}
	if c.SubjectPrefix == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: subject prefix", errors.ErrMissingConfig),
			"PublisherConfig", "Validate", "subject prefix check")
	}
	return nil
}

// NATSPublisher publishes attribute events to NATS subjects keyed by
// asset id.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher connects to NATS and returns a publisher. The
// connection reconnects automatically per the config.
func NewNATSPublisher(config PublisherConfig, logger *slog.Logger) (*NATSPublisher, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default().With("component", "event-publisher")
	}

	conn, err := nats.Connect(config.URL,
		nats.Name("fleetstream-events"),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, errors.WrapRetryable(err, "NATSPublisher", "NewNATSPublisher", "broker connection")
	}

	return &NATSPublisher{
		conn:   conn,
		prefix: config.SubjectPrefix,
		logger: logger,
	}, nil
}

// PublishAttributeEvent implements EventPublisher
func (p *NATSPublisher) PublishAttributeEvent(ctx context.Context, event AttributeEvent) error {
	if err := ctx.Err(); err != nil {
		return errors.Cancelled(err)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return errors.WrapInvalid(err, "NATSPublisher", "PublishAttributeEvent", "event serialization")
	}

	subject := fmt.Sprintf("%s.attribute.%s", p.prefix, event.AssetID)
	if err := p.conn.Publish(subject, payload); err != nil {
		return errors.WrapRetryable(err, "NATSPublisher", "PublishAttributeEvent", "event publish")
	}
	return nil
}

// Close drains the connection so buffered events flush before shutdown.
func (p *NATSPublisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		return errors.Wrap(err, "NATSPublisher", "Close", "connection drain")
	}
	return nil
}
