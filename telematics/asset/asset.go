// Package asset holds the asset model the ingestion pipeline writes
// into: a store of assets keyed by id and an event stream of attribute
// changes.
package asset

import (
	"context"
	"sync"
	"time"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/telematics/message"
)

// Asset is the persistent projection of a device: identity plus the
// latest value of every attribute the device has ever reported.
type Asset struct {
	ID         string               `json:"id"`
	Name       string               `json:"name"`
	Realm      string               `json:"realm"`
	Type       string               `json:"type"`
	CreatedAt  time.Time            `json:"createdAt"`
	UpdatedAt  time.Time            `json:"updatedAt"`
	Attributes map[string]Attribute `json:"attributes"`
}

// Attribute is the stored form of a device-reported value.
type Attribute struct {
	Name      string    `json:"name"`
	Value     any       `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	ReadOnly  bool      `json:"readOnly"`
}

// FromMessageAttribute converts a decoded message attribute to its
// stored form.
func FromMessageAttribute(a message.Attribute) Attribute {
	return Attribute{
		Name:      a.Name,
		Value:     a.Value,
		Timestamp: a.Timestamp,
		ReadOnly:  a.ReadOnly,
	}
}

// Store persists assets. Implementations must be safe for concurrent
// use.
type Store interface {
	// Get returns the asset with the given id.
	Get(ctx context.Context, id string) (*Asset, error)

	// Put creates or replaces an asset.
	Put(ctx context.Context, a *Asset) error

	// Delete removes an asset. Deleting an absent asset is not an error.
	Delete(ctx context.Context, id string) error

	// ByRealm returns all assets in a realm.
	ByRealm(ctx context.Context, realm string) ([]*Asset, error)
}

// MemoryStore is an in-process Store for single-node deployments and
// tests.
type MemoryStore struct {
	mu     sync.RWMutex
	assets map[string]*Asset
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{assets: make(map[string]*Asset)}
}

// Get implements Store
func (s *MemoryStore) Get(_ context.Context, id string) (*Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[id]
	if !ok {
		return nil, errors.WithStatus(
			errors.Wrap(errors.ErrAssetNotFound, "MemoryStore", "Get", "asset lookup"),
			errors.StatusNotFound)
	}
	return cloneAsset(a), nil
}

// Put implements Store
func (s *MemoryStore) Put(_ context.Context, a *Asset) error {
	if a == nil || a.ID == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "MemoryStore", "Put", "asset validation")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[a.ID] = cloneAsset(a)
	return nil
}

// Delete implements Store
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.assets, id)
	return nil
}

// ByRealm implements Store
func (s *MemoryStore) ByRealm(_ context.Context, realm string) ([]*Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Asset
	for _, a := range s.assets {
		if a.Realm == realm {
			out = append(out, cloneAsset(a))
		}
	}
	return out, nil
}

// Count returns the number of stored assets.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.assets)
}

// cloneAsset deep-copies an asset so callers never share the stored
// map.
func cloneAsset(a *Asset) *Asset {
	out := *a
	out.Attributes = make(map[string]Attribute, len(a.Attributes))
	for k, v := range a.Attributes {
		out.Attributes[k] = v
	}
	return &out
}
