// Package message defines the canonical device message model that vendor
// codecs decode into and the ingestion pipeline carries. A DeviceMessage
// is immutable after construction; all mutation happens through the
// Builder at decode time.
package message

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/c360/fleetstream/errors"
)

// Transport identifies the wire transport a payload arrived on.
type Transport string

const (
	// TransportMQTT is MQTT pub/sub
	TransportMQTT Transport = "mqtt"
	// TransportTCP is a raw TCP stream
	TransportTCP Transport = "tcp"
	// TransportUDP is datagram delivery
	TransportUDP Transport = "udp"
	// TransportHTTP is request/response ingestion
	TransportHTTP Transport = "http"
)

// Attribute is a single named, typed value decoded from a device payload.
// Decoded attributes are read-only: they are device-reported and never
// user-writable.
type Attribute struct {
	Name      string    `json:"name"`
	Value     any       `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	ReadOnly  bool      `json:"readOnly"`
}

// DeviceMessage is the canonical decoded payload: device identifier,
// source protocol, optional realm, an ordered collection of attributes,
// and a producer-assigned timestamp. Immutable once built.
type DeviceMessage struct {
	deviceID   string
	protocolID string
	realm      string
	attributes []Attribute
	timestamp  time.Time
}

// DeviceID returns the device identifier.
func (m *DeviceMessage) DeviceID() string { return m.deviceID }

// ProtocolID returns the identifier of the protocol that decoded the
// payload.
func (m *DeviceMessage) ProtocolID() string { return m.protocolID }

// Realm returns the tenant realm, empty when unscoped.
func (m *DeviceMessage) Realm() string { return m.realm }

// Timestamp returns the producer-assigned timestamp.
func (m *DeviceMessage) Timestamp() time.Time { return m.timestamp }

// Attributes returns a copy of the ordered attribute collection.
func (m *DeviceMessage) Attributes() []Attribute {
	out := make([]Attribute, len(m.attributes))
	copy(out, m.attributes)
	return out
}

// Attribute looks up an attribute by name.
func (m *DeviceMessage) Attribute(name string) (Attribute, bool) {
	for _, attr := range m.attributes {
		if attr.Name == name {
			return attr, true
		}
	}
	return Attribute{}, false
}

// AttributeCount returns the number of decoded attributes.
func (m *DeviceMessage) AttributeCount() int { return len(m.attributes) }

// Builder assembles a DeviceMessage. Zero value is not usable; create
// one with NewBuilder.
type Builder struct {
	msg DeviceMessage
}

// NewBuilder starts a DeviceMessage for the given device and protocol.
func NewBuilder(deviceID, protocolID string) *Builder {
	return &Builder{msg: DeviceMessage{
		deviceID:   deviceID,
		protocolID: protocolID,
	}}
}

// WithRealm sets the tenant realm.
func (b *Builder) WithRealm(realm string) *Builder {
	b.msg.realm = realm
	return b
}

// WithTimestamp sets the producer-assigned timestamp.
func (b *Builder) WithTimestamp(ts time.Time) *Builder {
	b.msg.timestamp = ts
	return b
}

// WithAttribute appends a named value. Attributes retain insertion order.
func (b *Builder) WithAttribute(attr Attribute) *Builder {
	b.msg.attributes = append(b.msg.attributes, attr)
	return b
}

// Build validates and freezes the message. The timestamp defaults to the
// build instant when unset.
func (b *Builder) Build() (*DeviceMessage, error) {
	if b.msg.deviceID == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("empty device id"), "Builder", "Build", "device id validation")
	}
	if b.msg.protocolID == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("empty protocol id"), "Builder", "Build", "protocol id validation")
	}
	if b.msg.timestamp.IsZero() {
		b.msg.timestamp = time.Now()
	}
	msg := b.msg
	// Detach the builder's slice so later builder reuse cannot alias the
	// frozen message.
	msg.attributes = make([]Attribute, len(b.msg.attributes))
	copy(msg.attributes, b.msg.attributes)
	return &msg, nil
}

// Envelope is the queueable wrapper that carries a decoded message from
// a transport handler to the processing stage.
type Envelope struct {
	ID         string
	VendorID   string
	DeviceID   string
	Realm      string
	ProtocolID string
	Transport  Transport
	ReceivedAt time.Time
	Message    *DeviceMessage
}

// NewEnvelope wraps a decoded message for the ingestion queue.
func NewEnvelope(vendorID string, transport Transport, msg *DeviceMessage) *Envelope {
	return &Envelope{
		ID:         uuid.New().String(),
		VendorID:   vendorID,
		DeviceID:   msg.DeviceID(),
		Realm:      msg.Realm(),
		ProtocolID: msg.ProtocolID(),
		Transport:  transport,
		ReceivedAt: time.Now(),
		Message:    msg,
	}
}
