// Package teltrak implements the wire protocol of the Teltrak GPS
// tracker family: a JSON object of raw parameter identifiers over MQTT.
// Binary AVL framing for TCP/UDP is carried by a transport-owned Framer
// and is not part of this codec.
package teltrak

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/telematics/message"
	"github.com/c360/fleetstream/telematics/protocol"
)

const (
	// VendorID identifies the Teltrak vendor.
	VendorID = "teltrak"
	// CodecID identifies the JSON codec within the vendor.
	CodecID = "teltrak-json"
	// ProtocolID is the protocol identifier stamped on decoded messages.
	ProtocolID = "teltrak-mqtt"

	// timestampField is the explicit device timestamp in a payload,
	// unix seconds or milliseconds.
	timestampField = "ts"

	// responseAttribute is the primary attribute carrying a command
	// response; fallbackResponseAttribute is tried when it is absent.
	responseAttribute         = "RSP"
	fallbackResponseAttribute = "response"

	// commandField is the wire field carrying an outbound command text.
	commandField = "CMD"
)

// Framer frames binary AVL records from a TCP or UDP stream into
// individual payloads. Owned by the stream transport, not the codec.
type Framer interface {
	Next() ([]byte, error)
}

// Parameters is the built-in parameter table for the Teltrak AVL ids
// seen on the JSON path.
func Parameters() []protocol.Parameter {
	return []protocol.Parameter{
		{ID: "ts", Name: "timestamp", Type: protocol.TypeInteger, Unit: "ms"},
		{ID: "latlng", Name: "location", Type: protocol.TypeString},
		{ID: "alt", Name: "altitude", Type: protocol.TypeNumber, Unit: "m"},
		{ID: "ang", Name: "heading", Type: protocol.TypeNumber, Unit: "deg"},
		{ID: "sat", Name: "satellites", Type: protocol.TypeInteger},
		{ID: "sp", Name: "speed", Type: protocol.TypeNumber, Unit: "km/h"},
		{ID: "speed", Name: "speed", Type: protocol.TypeNumber, Unit: "km/h"},
		{ID: "16", Name: "totalOdometer", Type: protocol.TypeNumber, Unit: "m"},
		{ID: "21", Name: "gsmSignal", Type: protocol.TypeInteger},
		{ID: "66", Name: "externalVoltage", Type: protocol.TypeNumber, Unit: "V", Scale: 0.001},
		{ID: "67", Name: "batteryVoltage", Type: protocol.TypeNumber, Unit: "V", Scale: 0.001},
		{ID: "68", Name: "batteryCurrent", Type: protocol.TypeNumber, Unit: "A", Scale: 0.001},
		{ID: "181", Name: "gnssPdop", Type: protocol.TypeNumber, Scale: 0.1},
		{ID: "182", Name: "gnssHdop", Type: protocol.TypeNumber, Scale: 0.1},
		{ID: "239", Name: "ignition", Type: protocol.TypeBoolean},
		{ID: "240", Name: "movement", Type: protocol.TypeBoolean},
		{ID: "RSP", Name: responseAttribute, Type: protocol.TypeString},
	}
}

// Codec decodes Teltrak JSON payloads and encodes outbound commands.
type Codec struct {
	registry *protocol.ParameterRegistry
	mapper   protocol.CommandMapper
}

// NewCodec creates the JSON codec with the built-in parameter table.
func NewCodec() *Codec {
	return &Codec{
		registry: protocol.NewParameterRegistry(Parameters()),
		mapper:   NewCommandMapper(),
	}
}

// ID implements protocol.Codec
func (c *Codec) ID() string { return CodecID }

// ProtocolID implements protocol.Codec
func (c *Codec) ProtocolID() string { return ProtocolID }

// Registry exposes the parameter table for vendor registration.
func (c *Codec) Registry() *protocol.ParameterRegistry { return c.registry }

// Mapper exposes the command mapper for vendor registration.
func (c *Codec) Mapper() protocol.CommandMapper { return c.mapper }

// CanHandle accepts JSON object payloads arriving over MQTT.
func (c *Codec) CanHandle(raw []byte, pctx protocol.Context) bool {
	if pctx.Transport != message.TransportMQTT {
		return false
	}
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// Decode parses a JSON object of raw parameter ids into one canonical
// device message. The explicit ts field stamps the message when present,
// unix seconds or milliseconds; otherwise the ingestion instant is used.
func (c *Codec) Decode(raw []byte, pctx protocol.Context) ([]*message.DeviceMessage, error) {
	if pctx.DeviceID == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("no device id in decode context"), "teltrak", "Decode", "context validation")
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrDecode, err), "teltrak", "Decode", "payload parsing")
	}

	ts := pctx.ReceivedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	if rawTS, ok := fields[timestampField]; ok {
		if explicit, ok := deviceTimestamp(rawTS); ok {
			ts = explicit
		}
		delete(fields, timestampField)
	}

	builder := message.NewBuilder(pctx.DeviceID, ProtocolID).
		WithRealm(pctx.Realm).
		WithTimestamp(ts)

	decoded := 0
	for id, value := range fields {
		attr, err := c.registry.Resolve(id, value, ts)
		if err != nil {
			// One bad field does not poison the payload.
			continue
		}
		builder.WithAttribute(attr)
		decoded++
	}

	if decoded == 0 {
		return nil, errors.WrapInvalid(
			errors.ErrNoDecodableFields, "teltrak", "Decode", "attribute resolution")
	}

	msg, err := builder.Build()
	if err != nil {
		return nil, errors.Wrap(err, "teltrak", "Decode", "message construction")
	}
	return []*message.DeviceMessage{msg}, nil
}

// EncodeCommand serializes an outbound command to the vendor's JSON
// command envelope.
func (c *Codec) EncodeCommand(cmd protocol.DeviceCommand, _ protocol.Context) ([]byte, error) {
	payload, err := c.mapper.ToOutboundPayload(cmd)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrEncode, err), "teltrak", "EncodeCommand", "payload serialization")
	}
	return raw, nil
}

// Acknowledgment is absent on the MQTT path; the broker's QoS handles
// delivery.
func (c *Codec) Acknowledgment(_ int, _ protocol.Context) ([]byte, bool) {
	return nil, false
}

// deviceTimestamp interprets a ts field value as unix seconds or
// milliseconds.
func deviceTimestamp(raw any) (time.Time, bool) {
	f, ok := raw.(float64)
	if !ok || f <= 0 {
		return time.Time{}, false
	}
	n := int64(f)
	// Values above this are already in milliseconds.
	const millisThreshold = int64(1) << 40
	if n > millisThreshold {
		return time.UnixMilli(n), true
	}
	return time.Unix(n, 0), true
}

// CommandMapper maps DeviceCommands onto the Teltrak CMD/RSP convention.
type CommandMapper struct{}

// NewCommandMapper creates the Teltrak command mapper.
func NewCommandMapper() *CommandMapper { return &CommandMapper{} }

// Supports accepts any named command; the wire format carries free text.
func (m *CommandMapper) Supports(cmd protocol.DeviceCommand) bool {
	return cmd.Name != ""
}

// ToOutboundPayload maps a command to the CMD wire field. A "text"
// parameter overrides the command name as the transmitted text.
func (m *CommandMapper) ToOutboundPayload(cmd protocol.DeviceCommand) (map[string]any, error) {
	if !m.Supports(cmd) {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unnamed command", errors.ErrUnsupportedCmd),
			"teltrak", "ToOutboundPayload", "command validation")
	}
	text := cmd.Name
	if raw, ok := cmd.Parameters["text"]; ok {
		if s, ok := raw.(string); ok && s != "" {
			text = s
		}
	}
	return map[string]any{commandField: text}, nil
}

// FromInboundResponse extracts a command response from a decoded
// message, trying RSP first and the legacy response attribute second.
func (m *CommandMapper) FromInboundResponse(msg *message.DeviceMessage) (*protocol.DeviceCommand, bool) {
	attr, ok := msg.Attribute(responseAttribute)
	if !ok {
		attr, ok = msg.Attribute(fallbackResponseAttribute)
	}
	if !ok || attr.Value == nil {
		return nil, false
	}
	text := fmt.Sprintf("%v", attr.Value)
	if text == "" {
		return nil, false
	}
	return &protocol.DeviceCommand{
		DeviceID:   msg.DeviceID(),
		Name:       "response",
		Parameters: map[string]any{"text": text},
	}, true
}
