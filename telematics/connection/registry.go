// Package connection maintains the per-device connection records seen by
// transport handlers. Records are owned exclusively by the Registry; all
// mutation happens inside a single per-key compute under the registry
// lock so concurrent transport threads never lose updates.
package connection

import (
	"log/slog"
	"sync"
	"time"

	"github.com/c360/fleetstream/metric"
	"github.com/c360/fleetstream/telematics/message"
)

// Record is the mutable per-device connection record. Callers receive
// copies; the registry holds the only live instance.
type Record struct {
	VendorID        string
	DeviceID        string
	Realm           string
	ProtocolID      string
	CodecID         string
	Transport       message.Transport
	Connected       bool
	ConnectionCount int64
	MessageCount    int64
	LastTouched     time.Time
	AssetID         string
}

// RegistryDeps holds runtime dependencies for the connection registry.
type RegistryDeps struct {
	Logger  *slog.Logger
	Metrics *metric.Metrics
}

// Registry is a concurrent map of device id to connection record.
type Registry struct {
	logger  *slog.Logger
	metrics *metric.Metrics

	mu      sync.RWMutex
	records map[string]*Record
}

// NewRegistry creates an empty connection registry.
func NewRegistry(deps RegistryDeps) *Registry {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "connection-registry")
	}
	return &Registry{
		logger:  logger,
		metrics: deps.Metrics,
		records: make(map[string]*Record),
	}
}

// compute runs fn against the device's record under the registry lock,
// creating the record first when absent. This is the single
// read-modify-write primitive; no caller ever reads then writes across
// two locks.
func (r *Registry) compute(deviceID string, fn func(rec *Record)) {
	r.mu.Lock()
	rec, ok := r.records[deviceID]
	if !ok {
		rec = &Record{DeviceID: deviceID}
		r.records[deviceID] = rec
	}
	fn(rec)
	connected := r.connectedCountLocked()
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordConnectionCount(connected)
	}
}

// MarkConnected upserts the device's connection record: identity fields
// refreshed, connection count incremented, connected set, timestamp
// touched. Atomic per key.
func (r *Registry) MarkConnected(
	vendorID, deviceID, realm, protocolID, codecID string, transport message.Transport,
) {
	r.compute(deviceID, func(rec *Record) {
		rec.VendorID = vendorID
		rec.Realm = realm
		rec.ProtocolID = protocolID
		rec.CodecID = codecID
		rec.Transport = transport
		rec.Connected = true
		rec.ConnectionCount++
		rec.touch()
	})
	r.logger.Debug("device connected",
		"vendor_id", vendorID,
		"device_id", deviceID,
		"transport", string(transport))
}

// EnsureConnected marks the device connected unless it already is.
// Inbound traffic implies a live connection even when the transport
// never delivered an explicit connect; repeat messages do not inflate
// the connection count. Atomic per key.
func (r *Registry) EnsureConnected(
	vendorID, deviceID, realm, protocolID, codecID string, transport message.Transport,
) {
	r.compute(deviceID, func(rec *Record) {
		if rec.Connected {
			return
		}
		rec.VendorID = vendorID
		rec.Realm = realm
		rec.ProtocolID = protocolID
		rec.CodecID = codecID
		rec.Transport = transport
		rec.Connected = true
		rec.ConnectionCount++
		rec.touch()
	})
}

// MarkDisconnected clears the connected flag, retaining the record and
// its history.
func (r *Registry) MarkDisconnected(deviceID string) {
	r.compute(deviceID, func(rec *Record) {
		rec.Connected = false
		rec.touch()
	})
	r.logger.Debug("device disconnected", "device_id", deviceID)
}

// Touch records inbound traffic on the device's connection.
func (r *Registry) Touch(deviceID string) {
	r.compute(deviceID, func(rec *Record) {
		rec.MessageCount++
		rec.touch()
	})
}

// UpdateAssetID records the resolved backing asset id.
func (r *Registry) UpdateAssetID(deviceID, assetID string) {
	r.compute(deviceID, func(rec *Record) {
		rec.AssetID = assetID
	})
}

// Remove deletes the device's connection record entirely.
func (r *Registry) Remove(deviceID string) bool {
	r.mu.Lock()
	_, ok := r.records[deviceID]
	delete(r.records, deviceID)
	connected := r.connectedCountLocked()
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordConnectionCount(connected)
	}
	return ok
}

// Get returns a copy of the device's connection record.
func (r *Registry) Get(deviceID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[deviceID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// All returns a snapshot of every connection record.
func (r *Registry) All() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out
}

// AllForVendor returns a snapshot of the vendor's connection records.
func (r *Registry) AllForVendor(vendorID string) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Record
	for _, rec := range r.records {
		if rec.VendorID == vendorID {
			out = append(out, *rec)
		}
	}
	return out
}

// IsConnected reports whether the device is currently connected.
func (r *Registry) IsConnected(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[deviceID]
	return ok && rec.Connected
}

// ConnectedCount returns the number of currently connected devices.
func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connectedCountLocked()
}

// Count returns the total number of records, connected or not.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Clear removes all records. Used on service stop.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.records = make(map[string]*Record)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordConnectionCount(0)
	}
}

func (r *Registry) connectedCountLocked() int {
	count := 0
	for _, rec := range r.records {
		if rec.Connected {
			count++
		}
	}
	return count
}

// touch advances LastTouched, never backwards.
func (rec *Record) touch() {
	now := time.Now()
	if now.After(rec.LastTouched) {
		rec.LastTouched = now
	}
}
