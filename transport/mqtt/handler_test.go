package mqtt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fleetstream/telematics/asset"
	"github.com/c360/fleetstream/telematics/message"
	"github.com/c360/fleetstream/telematics/protocol"
	"github.com/c360/fleetstream/telematics/protocol/teltrak"
	"github.com/c360/fleetstream/telematics/service"
	"github.com/c360/fleetstream/telematics/session"
	"github.com/c360/fleetstream/telematics/vendor"
)

// fakeMessage satisfies the broker library's message interface for
// driving the publish path without a broker.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func newTestStack(t *testing.T) (*Handler, *service.Service, *asset.MemoryStore) {
	t.Helper()
	svc, err := service.NewService(service.Deps{Config: service.Config{
		Queue:   service.QueueConfig{Size: 64, Consumers: 1},
		Session: session.ManagerConfig{SessionTimeout: time.Minute},
	}})
	require.NoError(t, err)

	store := asset.NewMemoryStore()
	trackerHandler, err := vendor.NewTrackerHandler("teltrak", vendor.TrackerHandlerDeps{
		Store:       store,
		Sessions:    svc.Sessions(),
		Connections: svc.Connections(),
	})
	require.NoError(t, err)

	codec := teltrak.NewCodec()
	require.NoError(t, svc.RegisterVendor(&vendor.Vendor{
		ID:         "teltrak",
		Name:       "Teltrak",
		Transports: []message.Transport{message.TransportMQTT},
		Codecs:     []protocol.Codec{codec},
		Registry:   codec.Registry(),
		Mapper:     codec.Mapper(),
		Handler:    trackerHandler,
	}))
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Stop(time.Second) })

	h, err := NewHandler(DefaultHandlerConfig(), HandlerDeps{Service: svc})
	require.NoError(t, err)
	return h, svc, store
}

func TestHandlerConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultHandlerConfig().Validate())

	c := DefaultHandlerConfig()
	c.BrokerURL = ""
	assert.Error(t, c.Validate())

	c = DefaultHandlerConfig()
	c.ClientID = ""
	assert.Error(t, c.Validate())

	c = DefaultHandlerConfig()
	c.QoS = 3
	assert.Error(t, c.Validate())
}

func TestInboundPublishReachesHandler(t *testing.T) {
	h, svc, store := newTestStack(t)

	h.onMessage(nil, &fakeMessage{
		topic:   "fleet-a/client1/teltrak/IMEI123/data",
		payload: []byte(`{"sp":42,"239":1}`),
	})

	assert.Eventually(t, func() bool { return store.Count() == 1 },
		time.Second, 10*time.Millisecond)

	a, err := store.Get(context.Background(), vendor.AssetIDFor("teltrak", "IMEI123"))
	require.NoError(t, err)
	assert.Equal(t, "fleet-a", a.Realm)
	assert.Equal(t, 42.0, a.Attributes["speed"].Value)

	_, ok := svc.Sessions().Get("IMEI123")
	assert.True(t, ok)

	assert.Eventually(t, func() bool {
		rec, ok := svc.Connections().Get("IMEI123")
		return ok && rec.Connected && rec.MessageCount == 1
	}, time.Second, 10*time.Millisecond)

	rec, ok := svc.Connections().Get("IMEI123")
	require.True(t, ok)
	assert.Equal(t, teltrak.ProtocolID, rec.ProtocolID)
}

func TestUnroutablePublishIsDropped(t *testing.T) {
	h, _, store := newTestStack(t)

	h.onMessage(nil, &fakeMessage{topic: "bad", payload: []byte(`{"sp":1}`)})
	h.onMessage(nil, &fakeMessage{
		topic:   "fleet-a/client1/teltrak/IMEI123/unknown-suffix",
		payload: []byte(`{"sp":1}`),
	})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, store.Count())
}

func TestConnectAndDisconnectSuffixes(t *testing.T) {
	h, svc, _ := newTestStack(t)

	h.onMessage(nil, &fakeMessage{topic: "fleet-a/client1/teltrak/IMEI123/connect"})

	sess, ok := svc.Sessions().Get("IMEI123")
	require.True(t, ok)
	assert.Equal(t, session.StateConnected, sess.State())
	assert.True(t, svc.Connections().IsConnected("IMEI123"))

	// Session and connection carry the codec's protocol id, matching the
	// messages it decodes.
	assert.Equal(t, teltrak.ProtocolID, sess.ProtocolID())
	rec, ok := svc.Connections().Get("IMEI123")
	require.True(t, ok)
	assert.Equal(t, teltrak.ProtocolID, rec.ProtocolID)
	assert.Equal(t, teltrak.CodecID, rec.CodecID)

	h.onMessage(nil, &fakeMessage{topic: "fleet-a/client1/teltrak/IMEI123/disconnect"})
	assert.Equal(t, session.StateDisconnected, sess.State())
	assert.False(t, svc.Connections().IsConnected("IMEI123"))
}

func TestSendCommandQueuesForOfflineDevice(t *testing.T) {
	h, svc, _ := newTestStack(t)

	// Device has published before, then went offline.
	h.onMessage(nil, &fakeMessage{topic: "fleet-a/client1/teltrak/IMEI123/connect"})
	h.onMessage(nil, &fakeMessage{topic: "fleet-a/client1/teltrak/IMEI123/disconnect"})

	cmd := protocol.DeviceCommand{ID: "cmd-1", DeviceID: "IMEI123", Name: "getinfo"}
	require.NoError(t, h.SendCommand(context.Background(), cmd))

	sess, ok := svc.Sessions().Get("IMEI123")
	require.True(t, ok)
	assert.Equal(t, 1, sess.Commands().Size())

	// Same command id again stays a single pending instance.
	require.NoError(t, h.SendCommand(context.Background(), cmd))
	assert.Equal(t, 1, sess.Commands().Size())
}

func TestSendCommandUnknownDevice(t *testing.T) {
	h, _, _ := newTestStack(t)

	err := h.SendCommand(context.Background(),
		protocol.DeviceCommand{ID: "cmd-1", DeviceID: "NEVER-SEEN", Name: "getinfo"})
	assert.Error(t, err)
}
