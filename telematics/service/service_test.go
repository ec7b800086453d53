package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/telematics/asset"
	"github.com/c360/fleetstream/telematics/message"
	"github.com/c360/fleetstream/telematics/protocol"
	"github.com/c360/fleetstream/telematics/protocol/teltrak"
	"github.com/c360/fleetstream/telematics/session"
	"github.com/c360/fleetstream/telematics/vendor"
)

type countingHandler struct {
	handled atomic.Int64
	fail    atomic.Bool
}

func (h *countingHandler) HandleMessage(_ context.Context, _ *message.Envelope) error {
	h.handled.Add(1)
	if h.fail.Load() {
		return errors.New("handler boom")
	}
	return nil
}

func testVendor(id string, handler vendor.MessageHandler) *vendor.Vendor {
	codec := teltrak.NewCodec()
	return &vendor.Vendor{
		ID:         id,
		Name:       "Test Vendor",
		Transports: []message.Transport{message.TransportMQTT},
		Codecs:     []protocol.Codec{codec},
		Registry:   codec.Registry(),
		Mapper:     codec.Mapper(),
		Handler:    handler,
	}
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := NewService(Deps{Config: Config{
		Queue:   QueueConfig{Size: 64, Consumers: 2},
		Session: session.ManagerConfig{SessionTimeout: time.Minute},
	}})
	require.NoError(t, err)
	return s
}

func inboundContext(deviceID string) protocol.Context {
	return protocol.Context{
		DeviceID:   deviceID,
		Realm:      "fleet-a",
		Transport:  message.TransportMQTT,
		ReceivedAt: time.Now(),
	}
}

func TestRegisterVendorRejectsDuplicates(t *testing.T) {
	s := newTestService(t)
	h := &countingHandler{}

	require.NoError(t, s.RegisterVendor(testVendor("teltrak", h)))
	err := s.RegisterVendor(testVendor("teltrak", h))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDuplicateVendor))

	assert.Error(t, s.RegisterVendor(nil))
	assert.Error(t, s.RegisterVendor(&vendor.Vendor{ID: "empty"}))
}

func TestHandleInboundEndToEnd(t *testing.T) {
	s := newTestService(t)
	store := asset.NewMemoryStore()
	h, err := vendor.NewTrackerHandler("teltrak", vendor.TrackerHandlerDeps{
		Store:       store,
		Sessions:    s.Sessions(),
		Connections: s.Connections(),
	})
	require.NoError(t, err)
	require.NoError(t, s.RegisterVendor(testVendor("teltrak", h)))
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(time.Second) }()

	queued, err := s.HandleInbound(context.Background(), "teltrak",
		[]byte(`{"sp":42,"239":1}`), inboundContext("IMEI123"))
	require.NoError(t, err)
	assert.Equal(t, 1, queued)

	assert.Eventually(t, func() bool {
		return store.Count() == 1
	}, time.Second, 10*time.Millisecond)

	a, err := store.Get(context.Background(), vendor.AssetIDFor("teltrak", "IMEI123"))
	require.NoError(t, err)
	assert.Equal(t, 42.0, a.Attributes["speed"].Value)
}

func TestHandleInboundErrors(t *testing.T) {
	s := newTestService(t)
	require.NoError(t, s.RegisterVendor(testVendor("teltrak", &countingHandler{})))

	_, err := s.HandleInbound(context.Background(), "unknown",
		[]byte(`{"sp":1}`), inboundContext("IMEI123"))
	assert.True(t, errors.Is(err, errors.ErrVendorNotRegistered))

	tcp := inboundContext("IMEI123")
	tcp.Transport = message.TransportTCP
	_, err = s.HandleInbound(context.Background(), "teltrak", []byte(`{"sp":1}`), tcp)
	require.Error(t, err, "vendor only accepts MQTT")

	_, err = s.HandleInbound(context.Background(), "teltrak",
		[]byte(`garbage`), inboundContext("IMEI123"))
	assert.True(t, errors.Is(err, errors.ErrDecode), "no codec accepts non-JSON")

	_, err = s.HandleInbound(context.Background(), "teltrak",
		[]byte(`{}`), inboundContext("IMEI123"))
	assert.True(t, errors.Is(err, errors.ErrNoDecodableFields))
}

func TestProcessingCreatesConnectingSession(t *testing.T) {
	s := newTestService(t)
	require.NoError(t, s.RegisterVendor(testVendor("teltrak", &countingHandler{})))
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(time.Second) }()

	_, err := s.HandleInbound(context.Background(), "teltrak",
		[]byte(`{"sp":1}`), inboundContext("IMEI123"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		sess, ok := s.Sessions().Get("IMEI123")
		return ok && sess.State() == session.StateConnecting
	}, time.Second, 10*time.Millisecond, "a message without a connect tracks as connecting")
}

func TestHandlerFailureDropsAndContinues(t *testing.T) {
	s := newTestService(t)
	h := &countingHandler{}
	h.fail.Store(true)
	require.NoError(t, s.RegisterVendor(testVendor("teltrak", h)))
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(time.Second) }()

	_, err := s.HandleInbound(context.Background(), "teltrak",
		[]byte(`{"sp":1}`), inboundContext("IMEI123"))
	require.NoError(t, err, "handler failures do not surface to the transport")

	h.fail.Store(false)
	_, err = s.HandleInbound(context.Background(), "teltrak",
		[]byte(`{"sp":2}`), inboundContext("IMEI123"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return h.handled.Load() == 2 },
		time.Second, 10*time.Millisecond, "pipeline keeps moving after a drop")
}

func TestEncodeCommand(t *testing.T) {
	s := newTestService(t)
	require.NoError(t, s.RegisterVendor(testVendor("teltrak", &countingHandler{})))

	raw, err := s.EncodeCommand("teltrak",
		protocol.DeviceCommand{ID: "cmd-1", DeviceID: "IMEI123", Name: "getinfo"},
		inboundContext("IMEI123"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"CMD":"getinfo"}`, string(raw))

	_, err = s.EncodeCommand("unknown", protocol.DeviceCommand{Name: "x"}, inboundContext("IMEI123"))
	assert.True(t, errors.Is(err, errors.ErrVendorNotRegistered))
}

func TestStopClearsRegistries(t *testing.T) {
	s := newTestService(t)
	require.NoError(t, s.RegisterVendor(testVendor("teltrak", &countingHandler{})))
	require.NoError(t, s.Start(context.Background()))

	_, err := s.HandleInbound(context.Background(), "teltrak",
		[]byte(`{"sp":1}`), inboundContext("IMEI123"))
	require.NoError(t, err)
	s.Connections().MarkConnected("teltrak", "IMEI123", "fleet-a", "teltrak-mqtt", "json", message.TransportMQTT)

	require.NoError(t, s.Stop(time.Second))
	assert.Equal(t, 0, s.Sessions().Count())
	assert.Equal(t, 0, s.Connections().Count())

	health := s.Health()
	assert.Equal(t, 0, health["sessions"])
	assert.Equal(t, 1, health["vendors"])
}
