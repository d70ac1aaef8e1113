package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryInstanceStore is an in-memory implementation of InstanceStore.
// Suitable for development and testing. Data is lost on restart.
type MemoryInstanceStore struct {
	instances map[string]*InstanceRecord
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
	config    Config
}

// NewMemoryInstanceStore creates a new in-memory instance store
func NewMemoryInstanceStore(config Config) *MemoryInstanceStore {
	s := &MemoryInstanceStore{
		instances: make(map[string]*InstanceRecord),
		done:      make(chan struct{}),
		config:    config,
	}

	if config.Cleanup.Enabled {
		go s.cleanupLoop(config.Cleanup.Interval)
	}

	return s
}

// Close closes the store
func (s *MemoryInstanceStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

// Ping checks if the store is healthy
func (s *MemoryInstanceStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// SaveInstance persists an instance record
func (s *MemoryInstanceStore) SaveInstance(ctx context.Context, rec *InstanceRecord) error {
	if rec == nil {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	s.instances[rec.ID] = rec.Clone()
	return nil
}

// GetInstance retrieves an instance record by ID
func (s *MemoryInstanceStore) GetInstance(ctx context.Context, id string) (*InstanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rec, ok := s.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// UpdateStatus updates the lifecycle status of an instance
func (s *MemoryInstanceStore) UpdateStatus(ctx context.Context, id string, status InstanceStatus, output json.RawMessage, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	rec, ok := s.instances[id]
	if !ok {
		return ErrNotFound
	}

	applyStatusUpdate(rec, status, output, errMsg)
	return nil
}

// ListInstances retrieves instance records matching the filter criteria
func (s *MemoryInstanceStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*InstanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	result := make([]*InstanceRecord, 0)
	for _, rec := range s.instances {
		if matchesFilter(rec, filter) {
			result = append(result, rec.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}

	return result, nil
}

// RecoverableInstances retrieves instances that need to be relaunched after restart
func (s *MemoryInstanceStore) RecoverableInstances(ctx context.Context) ([]*InstanceRecord, error) {
	return s.ListInstances(ctx, InstanceFilter{
		Status: []InstanceStatus{InstanceStatusRunning, InstanceStatusPaused},
	})
}

// DeleteInstance removes an instance record from the store
func (s *MemoryInstanceStore) DeleteInstance(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, ok := s.instances[id]; !ok {
		return ErrNotFound
	}
	delete(s.instances, id)
	return nil
}

// Cleanup removes terminal instance records older than the given duration
func (s *MemoryInstanceStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	cutoff := time.Now().Add(-olderThan)
	count := 0
	for id, rec := range s.instances {
		if rec.IsTerminal() && rec.UpdatedAt.Before(cutoff) {
			delete(s.instances, id)
			count++
		}
	}
	return count, nil
}

// cleanupLoop periodically removes expired terminal records
func (s *MemoryInstanceStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.Cleanup(context.Background(), s.config.Cleanup.Retention)
		}
	}
}

// Ensure MemoryInstanceStore implements InstanceStore
var _ InstanceStore = (*MemoryInstanceStore)(nil)
