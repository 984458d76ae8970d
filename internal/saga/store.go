package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrInstanceNotFound is returned when a saga instance is not found
	ErrInstanceNotFound = errors.New("saga instance not found")
	// ErrInstanceExists is returned when saving a duplicate saga instance
	ErrInstanceExists = errors.New("saga instance already exists")
)

// Store persists saga instances so interrupted sagas can be resumed
// and compensated after a crash
type Store interface {
	Save(ctx context.Context, instance *Instance) error
	Get(ctx context.Context, id string) (*Instance, error)
	Update(ctx context.Context, instance *Instance) error
	Delete(ctx context.Context, id string) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Instance, error)
	// ListInterrupted returns instances a reconciler must pick up,
	// failed or stuck mid-compensation
	ListInterrupted(ctx context.Context, limit int) ([]*Instance, error)
}

// MemoryStore is an in-memory Store for tests
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*Instance
}

// NewMemoryStore creates an empty in-memory saga store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{instances: make(map[string]*Instance)}
}

func (s *MemoryStore) Save(ctx context.Context, instance *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[instance.ID]; exists {
		return ErrInstanceExists
	}

	copied, err := cloneInstance(instance)
	if err != nil {
		return err
	}
	s.instances[instance.ID] = copied
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instance, exists := s.instances[id]
	if !exists {
		return nil, ErrInstanceNotFound
	}
	return cloneInstance(instance)
}

func (s *MemoryStore) Update(ctx context.Context, instance *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[instance.ID]; !exists {
		return ErrInstanceNotFound
	}

	copied, err := cloneInstance(instance)
	if err != nil {
		return err
	}
	s.instances[instance.ID] = copied
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[id]; !exists {
		return ErrInstanceNotFound
	}
	delete(s.instances, id)
	return nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Instance
	for _, instance := range s.instances {
		if instance.Status != status {
			continue
		}
		copied, err := cloneInstance(instance)
		if err != nil {
			return nil, err
		}
		result = append(result, copied)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) ListInterrupted(ctx context.Context, limit int) ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Instance
	for _, instance := range s.instances {
		if instance.Status != StatusFailed && instance.Status != StatusCompensating {
			continue
		}
		copied, err := cloneInstance(instance)
		if err != nil {
			return nil, err
		}
		result = append(result, copied)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Count returns the number of stored instances, for test assertions
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

// cloneInstance round-trips through JSON so callers never share maps or
// slices with the stored copy
func cloneInstance(instance *Instance) (*Instance, error) {
	data, err := instance.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal saga instance: %w", err)
	}

	var copied Instance
	if err := json.Unmarshal(data, &copied); err != nil {
		return nil, fmt.Errorf("failed to unmarshal saga instance: %w", err)
	}
	return &copied, nil
}
