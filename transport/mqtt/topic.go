package mqtt

import (
	"fmt"
	"strings"

	"github.com/c360/fleetstream/errors"
)

// Topic suffixes recognized on the device topic tree.
const (
	// SuffixData carries telemetry payloads.
	SuffixData = "data"
	// SuffixConnect announces a device coming online.
	SuffixConnect = "connect"
	// SuffixDisconnect announces a device going offline, usually via LWT.
	SuffixDisconnect = "disconnect"
	// SuffixCommands is where the platform publishes outbound commands.
	SuffixCommands = "commands"
)

// Topic is a parsed device topic:
// {realm}/{clientID}/{vendorToken}/{deviceID}[/{suffix}].
// The suffix defaults to data when absent.
type Topic struct {
	Realm       string
	ClientID    string
	VendorToken string
	DeviceID    string
	Suffix      string
}

// ParseTopic splits a publish topic into its device addressing parts.
func ParseTopic(topic string) (Topic, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || len(parts) > 5 {
		return Topic{}, errors.WrapInvalid(
			fmt.Errorf("topic %q does not match realm/client/vendor/device", topic),
			"Topic", "ParseTopic", "segment count check")
	}
	for i, part := range parts {
		if part == "" || part == "+" || part == "#" {
			return Topic{}, errors.WrapInvalid(
				fmt.Errorf("topic %q has an empty or wildcard segment at position %d", topic, i),
				"Topic", "ParseTopic", "segment validation")
		}
	}

	t := Topic{
		Realm:       parts[0],
		ClientID:    parts[1],
		VendorToken: parts[2],
		DeviceID:    parts[3],
		Suffix:      SuffixData,
	}
	if len(parts) == 5 {
		t.Suffix = parts[4]
	}
	return t, nil
}

// String rebuilds the wire topic.
func (t Topic) String() string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", t.Realm, t.ClientID, t.VendorToken, t.DeviceID, t.Suffix)
}

// CommandTopic returns the outbound command topic for the same device.
func (t Topic) CommandTopic() string {
	out := t
	out.Suffix = SuffixCommands
	return out.String()
}

// CanSubscribe reports whether a client authenticated for realm and
// clientID may subscribe to this topic. Clients only see their own
// subtree. This is an ACL hook for an embedding broker's authorization
// plugin, which knows the authenticated identity; the transport handler
// itself has no client identity to check against.
func (t Topic) CanSubscribe(realm, clientID string) bool {
	return t.Realm == realm && t.ClientID == clientID && t.Suffix == SuffixCommands
}

// CanPublish reports whether a client authenticated for realm and
// clientID may publish to this topic. Devices publish telemetry and
// lifecycle announcements, never commands. Like CanSubscribe, this is
// an ACL hook for an embedding broker's authorization plugin.
func (t Topic) CanPublish(realm, clientID string) bool {
	if t.Realm != realm || t.ClientID != clientID {
		return false
	}
	switch t.Suffix {
	case SuffixData, SuffixConnect, SuffixDisconnect:
		return true
	default:
		return false
	}
}

// subscriptionFilter is the wildcard filter covering all device
// publishes in all realms.
func subscriptionFilter() string {
	return "+/+/+/+/+"
}
