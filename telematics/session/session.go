// Package session tracks one logical session per device identifier: the
// connection state machine, last-seen bookkeeping, message counters and
// the outbound command queue. Sessions are owned by the Manager; all
// mutation goes through methods that are safe under concurrent access.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/c360/fleetstream/pkg/workqueue"
)

// State is the lifecycle state of a device session.
type State int

const (
	// StateConnecting indicates first contact before the transport
	// confirmed the connection
	StateConnecting State = iota
	// StateConnected indicates an active transport connection
	StateConnected
	// StateDisconnected indicates the transport reported a disconnect;
	// re-enterable to StateConnected on reconnect
	StateDisconnected
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Command is an outbound unit queued on a session. Commands deduplicate
// by their identifier: at most one instance of a command id is pending.
type Command interface {
	CommandID() string
}

// CommandQueue is the bounded outbound command queue of a session.
// Payloads are kept per id in arrival order: a Put racing a Take of the
// same id pairs each dequeued id with the payload that was queued for
// it, so a pending id always has its payload.
type CommandQueue struct {
	ids      *workqueue.Unique[string]
	mu       sync.Mutex
	payloads map[string][]Command
}

// NewCommandQueue creates an empty command queue.
func NewCommandQueue() *CommandQueue {
	return &CommandQueue{
		ids:      workqueue.NewUnique[string](),
		payloads: make(map[string][]Command),
	}
}

// Put queues a command unless one with the same id is already pending.
func (q *CommandQueue) Put(cmd Command) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := cmd.CommandID()
	if !q.ids.Put(id) {
		return false
	}
	q.payloads[id] = append(q.payloads[id], cmd)
	return true
}

// Take blocks until a command is available or ctx is cancelled.
func (q *CommandQueue) Take(ctx context.Context) (Command, error) {
	for {
		id, err := q.ids.Take(ctx)
		if err != nil {
			return nil, err
		}
		q.mu.Lock()
		cmd, ok := q.popPayloadLocked(id)
		q.mu.Unlock()
		if ok {
			return cmd, nil
		}
		// The queue was cleared between the id dequeue and the payload
		// pop; wait for the next command.
	}
}

// TryTake removes and returns the next command without blocking.
func (q *CommandQueue) TryTake() (Command, bool) {
	id, ok := q.ids.TryTake()
	if !ok {
		return nil, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popPayloadLocked(id)
}

// popPayloadLocked removes the oldest payload queued for id. Callers
// hold q.mu.
func (q *CommandQueue) popPayloadLocked(id string) (Command, bool) {
	list := q.payloads[id]
	if len(list) == 0 {
		return nil, false
	}
	cmd := list[0]
	if len(list) == 1 {
		delete(q.payloads, id)
	} else {
		q.payloads[id] = list[1:]
	}
	return cmd, true
}

// Size returns the number of pending commands.
func (q *CommandQueue) Size() int {
	return q.ids.Size()
}

// Clear drops all pending commands.
func (q *CommandQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids.Clear()
	q.payloads = make(map[string][]Command)
}

// Session is the per-device session state. All fields are guarded by the
// session mutex; timestamps are monotonically non-decreasing.
type Session struct {
	deviceID   string
	protocolID string
	realm      string
	createdAt  time.Time
	commands   *CommandQueue

	mu           sync.Mutex
	state        State
	lastSeen     time.Time
	messageCount int64
	assetID      string
}

func newSession(deviceID, protocolID, realm string, state State) *Session {
	now := time.Now()
	return &Session{
		deviceID:   deviceID,
		protocolID: protocolID,
		realm:      realm,
		createdAt:  now,
		commands:   NewCommandQueue(),
		state:      state,
		lastSeen:   now,
	}
}

// DeviceID returns the device identifier. Identity is immutable.
func (s *Session) DeviceID() string { return s.deviceID }

// ProtocolID returns the bound protocol identifier.
func (s *Session) ProtocolID() string { return s.protocolID }

// Realm returns the tenant realm.
func (s *Session) Realm() string { return s.realm }

// CreatedAt returns the session creation instant.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Commands returns the session's outbound command queue.
func (s *Session) Commands() *CommandQueue { return s.commands }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastSeen returns the last activity instant.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// MessageCount returns the number of messages observed on this session.
func (s *Session) MessageCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageCount
}

// AssetID returns the resolved backing asset id, empty until resolved.
func (s *Session) AssetID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assetID
}

// SetAssetID records the backing asset resolved by a message handler.
func (s *Session) SetAssetID(assetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assetID = assetID
}

// touch advances lastSeen, never backwards.
func (s *Session) touch() {
	now := time.Now()
	if now.After(s.lastSeen) {
		s.lastSeen = now
	}
}

func (s *Session) onConnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateConnected
	s.touch()
}

func (s *Session) onDisconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateDisconnected
	s.touch()
}

func (s *Session) onMessage() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageCount++
	s.touch()
}

// expired reports whether the session has been idle longer than timeout.
func (s *Session) expired(timeout time.Duration, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastSeen) > timeout
}
