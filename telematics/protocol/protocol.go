// Package protocol defines the per-vendor codec abstraction that turns
// raw transport bytes into canonical device messages and outbound
// commands back into wire payloads. Vendors plug in by implementing
// Codec and CommandMapper against their wire format.
package protocol

import (
	"time"

	"github.com/c360/fleetstream/telematics/message"
)

// Context carries the transport-level facts a codec needs to decode or
// encode a payload.
type Context struct {
	DeviceID   string
	Realm      string
	Transport  message.Transport
	Topic      string
	ReceivedAt time.Time
}

// DeviceCommand is an outbound instruction addressed to a device.
type DeviceCommand struct {
	ID         string         `json:"id"`
	DeviceID   string         `json:"deviceId"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// CommandID implements session.Command so commands can be queued on a
// device session with at-most-one-pending semantics.
func (c DeviceCommand) CommandID() string { return c.ID }

// Codec decodes and encodes one vendor's wire format on the transports
// it declares via CanHandle.
type Codec interface {
	// ID identifies the codec, unique within a vendor.
	ID() string

	// ProtocolID identifies the protocol stamped on decoded messages.
	// Sessions and connection records carry the same identifier.
	ProtocolID() string

	// CanHandle reports whether this codec accepts the payload in the
	// given transport context.
	CanHandle(raw []byte, pctx Context) bool

	// Decode parses raw bytes into canonical device messages. A payload
	// with no decodable fields or an invalid structure yields an invalid
	// decode error and no messages.
	Decode(raw []byte, pctx Context) ([]*message.DeviceMessage, error)

	// EncodeCommand serializes an outbound command for the wire.
	EncodeCommand(cmd DeviceCommand, pctx Context) ([]byte, error)

	// Acknowledgment returns the protocol-level ack payload for the
	// given message count, when the transport requires one.
	Acknowledgment(messageCount int, pctx Context) ([]byte, bool)
}

// CommandMapper translates between DeviceCommand and the vendor's
// key/value command representation.
type CommandMapper interface {
	// Supports reports whether the vendor can carry this command.
	Supports(cmd DeviceCommand) bool

	// ToOutboundPayload maps a command to the vendor's wire fields.
	ToOutboundPayload(cmd DeviceCommand) (map[string]any, error)

	// FromInboundResponse extracts a command response from a decoded
	// message, trying the vendor's primary response attribute and then
	// its fallback.
	FromInboundResponse(msg *message.DeviceMessage) (*DeviceCommand, bool)
}
