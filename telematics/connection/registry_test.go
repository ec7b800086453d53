package connection

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fleetstream/telematics/message"
)

func markTestDevice(r *Registry, deviceID string) {
	r.MarkConnected("teltrak", deviceID, "fleet-a", "teltrak-mqtt", "json", message.TransportMQTT)
}

func TestMarkConnectedUpsert(t *testing.T) {
	r := NewRegistry(RegistryDeps{})

	markTestDevice(r, "IMEI123")
	rec, ok := r.Get("IMEI123")
	require.True(t, ok)
	assert.True(t, rec.Connected)
	assert.Equal(t, int64(1), rec.ConnectionCount)
	assert.Equal(t, "teltrak", rec.VendorID)
	assert.Equal(t, message.TransportMQTT, rec.Transport)
	assert.False(t, rec.LastTouched.IsZero())

	markTestDevice(r, "IMEI123")
	rec, _ = r.Get("IMEI123")
	assert.Equal(t, int64(2), rec.ConnectionCount, "reconnect increments, does not reset")
}

func TestEnsureConnectedDoesNotInflateCount(t *testing.T) {
	r := NewRegistry(RegistryDeps{})

	for i := 0; i < 3; i++ {
		r.EnsureConnected("teltrak", "IMEI123", "fleet-a", "teltrak-mqtt", "json", message.TransportMQTT)
	}
	rec, ok := r.Get("IMEI123")
	require.True(t, ok)
	assert.True(t, rec.Connected)
	assert.Equal(t, int64(1), rec.ConnectionCount, "repeat traffic is not a reconnect")

	r.MarkDisconnected("IMEI123")
	r.EnsureConnected("teltrak", "IMEI123", "fleet-a", "teltrak-mqtt", "json", message.TransportMQTT)
	rec, _ = r.Get("IMEI123")
	assert.Equal(t, int64(2), rec.ConnectionCount, "traffic after disconnect is a reconnect")
}

func TestDisconnectRetainsHistory(t *testing.T) {
	r := NewRegistry(RegistryDeps{})

	markTestDevice(r, "IMEI123")
	r.MarkDisconnected("IMEI123")

	assert.False(t, r.IsConnected("IMEI123"))
	rec, ok := r.Get("IMEI123")
	require.True(t, ok, "record survives disconnect")
	assert.GreaterOrEqual(t, rec.ConnectionCount, int64(1))
}

func TestTouchCountsMessages(t *testing.T) {
	r := NewRegistry(RegistryDeps{})
	markTestDevice(r, "IMEI123")

	before, _ := r.Get("IMEI123")
	r.Touch("IMEI123")
	r.Touch("IMEI123")

	rec, _ := r.Get("IMEI123")
	assert.Equal(t, int64(2), rec.MessageCount)
	assert.False(t, rec.LastTouched.Before(before.LastTouched))
}

func TestUpdateAssetID(t *testing.T) {
	r := NewRegistry(RegistryDeps{})
	markTestDevice(r, "IMEI123")

	r.UpdateAssetID("IMEI123", "asset-1")
	rec, _ := r.Get("IMEI123")
	assert.Equal(t, "asset-1", rec.AssetID)
}

func TestRemove(t *testing.T) {
	r := NewRegistry(RegistryDeps{})
	markTestDevice(r, "IMEI123")

	assert.True(t, r.Remove("IMEI123"))
	assert.False(t, r.Remove("IMEI123"))
	_, ok := r.Get("IMEI123")
	assert.False(t, ok)
}

func TestSnapshotsAndCounts(t *testing.T) {
	r := NewRegistry(RegistryDeps{})
	markTestDevice(r, "DEV-A")
	markTestDevice(r, "DEV-B")
	r.MarkConnected("other", "DEV-C", "fleet-b", "other-proto", "binary", message.TransportTCP)
	r.MarkDisconnected("DEV-B")

	assert.Len(t, r.All(), 3)
	assert.Len(t, r.AllForVendor("teltrak"), 2)
	assert.Len(t, r.AllForVendor("other"), 1)
	assert.Equal(t, 2, r.ConnectedCount())
	assert.Equal(t, 3, r.Count())

	// Snapshots are copies, not live records.
	all := r.All()
	for i := range all {
		all[i].Connected = false
	}
	assert.Equal(t, 2, r.ConnectedCount())

	r.Clear()
	assert.Equal(t, 0, r.Count())
}

func TestConcurrentMarkConnectedSameDevice(t *testing.T) {
	r := NewRegistry(RegistryDeps{})

	const goroutines = 32
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			markTestDevice(r, "IMEI123")
		}()
	}
	wg.Wait()

	rec, ok := r.Get("IMEI123")
	require.True(t, ok)
	assert.Equal(t, int64(goroutines), rec.ConnectionCount, "no lost updates under contention")
}

func TestConcurrentMixedOperations(t *testing.T) {
	r := NewRegistry(RegistryDeps{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			device := fmt.Sprintf("DEV-%d", i%4)
			markTestDevice(r, device)
			r.Touch(device)
			r.IsConnected(device)
			r.All()
			r.MarkDisconnected(device)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 4, r.Count())
	for i := 0; i < 4; i++ {
		rec, ok := r.Get(fmt.Sprintf("DEV-%d", i))
		require.True(t, ok)
		assert.GreaterOrEqual(t, rec.ConnectionCount, int64(1))
		assert.GreaterOrEqual(t, rec.MessageCount, int64(1))
	}
}
