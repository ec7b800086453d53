package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/metric"
)

// Listener receives session lifecycle notifications. Callbacks run
// outside the manager lock; implementations may call back into the
// manager.
type Listener interface {
	OnSessionCreated(session *Session)
	OnSessionRemoved(session *Session)
}

// ListenerFuncs adapts plain functions to the Listener interface.
type ListenerFuncs struct {
	Created func(session *Session)
	Removed func(session *Session)
}

// OnSessionCreated implements Listener
func (lf ListenerFuncs) OnSessionCreated(session *Session) {
	if lf.Created != nil {
		lf.Created(session)
	}
}

// OnSessionRemoved implements Listener
func (lf ListenerFuncs) OnSessionRemoved(session *Session) {
	if lf.Removed != nil {
		lf.Removed(session)
	}
}

// ManagerConfig configures session eviction.
type ManagerConfig struct {
	// SessionTimeout is the idle duration after which the sweeper
	// removes a session.
	SessionTimeout time.Duration `json:"sessionTimeout"`
	// SweepInterval is the period of the background eviction sweep.
	// Zero disables the sweeper.
	SweepInterval time.Duration `json:"sweepInterval"`
}

// DefaultManagerConfig returns the reference eviction settings.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		SessionTimeout: 5 * time.Minute,
		SweepInterval:  30 * time.Second,
	}
}

// Validate checks the eviction settings.
func (c ManagerConfig) Validate() error {
	if c.SessionTimeout < 0 || c.SweepInterval < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ManagerConfig", "Validate", "negative duration check")
	}
	return nil
}

// ManagerDeps holds runtime dependencies for the session manager.
type ManagerDeps struct {
	Config  ManagerConfig
	Logger  *slog.Logger
	Metrics *metric.Metrics
}

// Manager owns at most one Session per device id. All map mutations are
// single atomic per-key operations under the manager lock; per-session
// updates take the session lock, so a sweep never removes a session
// mid-update without observing its latest activity.
type Manager struct {
	config  ManagerConfig
	logger  *slog.Logger
	metrics *metric.Metrics

	mu        sync.RWMutex
	sessions  map[string]*Session
	listeners []Listener

	lifecycleMu sync.Mutex
	stopSweep   context.CancelFunc
	sweepDone   chan struct{}
}

// NewManager creates a session manager.
func NewManager(deps ManagerDeps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "session-manager")
	}
	config := deps.Config
	if config.SessionTimeout == 0 {
		config.SessionTimeout = DefaultManagerConfig().SessionTimeout
	}
	return &Manager{
		config:   config,
		logger:   logger,
		metrics:  deps.Metrics,
		sessions: make(map[string]*Session),
	}
}

// AddListener registers a lifecycle listener. Not safe to call
// concurrently with traffic; register listeners during wiring.
func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// GetOrCreate returns the session for deviceID, creating it in the given
// state on first contact. The created flag is true exactly once per
// session identity, and OnSessionCreated fires exactly once.
func (m *Manager) GetOrCreate(deviceID, protocolID, realm string, state State) (*Session, bool) {
	m.mu.Lock()
	if existing, ok := m.sessions[deviceID]; ok {
		m.mu.Unlock()
		return existing, false
	}
	created := newSession(deviceID, protocolID, realm, state)
	m.sessions[deviceID] = created
	listeners := m.snapshotListenersLocked()
	count := len(m.sessions)
	m.mu.Unlock()

	m.logger.Debug("session created",
		"device_id", deviceID,
		"protocol_id", protocolID,
		"realm", realm,
		"state", state.String())
	if m.metrics != nil {
		m.metrics.RecordSessionCount(count)
	}
	for _, l := range listeners {
		l.OnSessionCreated(created)
	}
	return created, true
}

// Get returns the session for deviceID.
func (m *Manager) Get(deviceID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[deviceID]
	return s, ok
}

// Remove deletes the session for deviceID, firing OnSessionRemoved when
// one existed.
func (m *Manager) Remove(deviceID string) bool {
	m.mu.Lock()
	removed, ok := m.sessions[deviceID]
	if ok {
		delete(m.sessions, deviceID)
	}
	listeners := m.snapshotListenersLocked()
	count := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return false
	}
	m.logger.Debug("session removed", "device_id", deviceID)
	if m.metrics != nil {
		m.metrics.RecordSessionCount(count)
	}
	for _, l := range listeners {
		l.OnSessionRemoved(removed)
	}
	return true
}

// OnConnect transitions the device's session to Connected, creating it
// when absent. Reconnects re-enter Connected preserving identity.
func (m *Manager) OnConnect(deviceID, protocolID, realm string) *Session {
	s, created := m.GetOrCreate(deviceID, protocolID, realm, StateConnected)
	if !created {
		s.onConnect()
	}
	return s
}

// OnDisconnect transitions the device's session to Disconnected.
func (m *Manager) OnDisconnect(deviceID string) {
	if s, ok := m.Get(deviceID); ok {
		s.onDisconnect()
	}
}

// OnMessage records inbound traffic on the device's session.
func (m *Manager) OnMessage(deviceID string) {
	if s, ok := m.Get(deviceID); ok {
		s.onMessage()
	}
}

// CleanupTimedOut removes every session idle longer than timeout and
// returns how many were removed. Safe to call concurrently with traffic:
// expiry is re-checked under the write lock so a session touched after
// the scan is retained.
func (m *Manager) CleanupTimedOut(timeout time.Duration) int {
	now := time.Now()

	m.mu.RLock()
	candidates := make([]*Session, 0)
	for _, s := range m.sessions {
		if s.expired(timeout, now) {
			candidates = append(candidates, s)
		}
	}
	m.mu.RUnlock()

	removed := 0
	for _, s := range candidates {
		m.mu.Lock()
		current, ok := m.sessions[s.deviceID]
		if !ok || current != s || !current.expired(timeout, time.Now()) {
			m.mu.Unlock()
			continue
		}
		delete(m.sessions, s.deviceID)
		listeners := m.snapshotListenersLocked()
		count := len(m.sessions)
		m.mu.Unlock()

		removed++
		m.logger.Info("session timed out",
			"device_id", s.deviceID,
			"last_seen", s.LastSeen())
		if m.metrics != nil {
			m.metrics.RecordSessionCount(count)
		}
		for _, l := range listeners {
			l.OnSessionRemoved(s)
		}
	}

	if removed > 0 && m.metrics != nil {
		m.metrics.RecordSessionsEvicted(removed)
	}
	return removed
}

// ByAssetID returns the session whose resolved asset id matches. Linear
// scan; asset lookups are rare compared to device-id lookups.
func (m *Manager) ByAssetID(assetID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.AssetID() == assetID {
			return s, true
		}
	}
	return nil, false
}

// ByRealm returns all sessions in a realm.
func (m *Manager) ByRealm(realm string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.realm == realm {
			out = append(out, s)
		}
	}
	return out
}

// ByProtocol returns all sessions bound to a protocol id.
func (m *Manager) ByProtocol(protocolID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.protocolID == protocolID {
			out = append(out, s)
		}
	}
	return out
}

// Count returns the number of tracked sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Clear removes all sessions without listener notification. Used on
// service stop.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[string]*Session)
	if m.metrics != nil {
		m.metrics.RecordSessionCount(0)
	}
}

// Start launches the background eviction sweeper when SweepInterval is
// configured. Idempotent.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.stopSweep != nil || m.config.SweepInterval <= 0 {
		return nil
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	m.stopSweep = cancel
	m.sweepDone = make(chan struct{})

	go func() {
		defer close(m.sweepDone)
		ticker := time.NewTicker(m.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if n := m.CleanupTimedOut(m.config.SessionTimeout); n > 0 {
					m.logger.Info("eviction sweep removed sessions", "count", n)
				}
			}
		}
	}()
	return nil
}

// Stop halts the eviction sweeper, waiting up to timeout.
func (m *Manager) Stop(timeout time.Duration) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.stopSweep == nil {
		return nil
	}
	m.stopSweep()
	m.stopSweep = nil

	select {
	case <-m.sweepDone:
		return nil
	case <-time.After(timeout):
		return errors.Wrap(errors.ErrConnectionTimeout, "Manager", "Stop", "sweeper shutdown")
	}
}

func (m *Manager) snapshotListenersLocked() []Listener {
	out := make([]Listener, len(m.listeners))
	copy(out, m.listeners)
	return out
}
