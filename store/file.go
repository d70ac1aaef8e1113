package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileInstanceStore is a file-based implementation of InstanceStore.
// Suitable for single-node production deployments. Records are kept in an
// in-memory cache and flushed to a single index file with atomic renames.
type FileInstanceStore struct {
	baseDir   string
	instances map[string]*InstanceRecord
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
	config    Config
}

// NewFileInstanceStore creates a new file-based instance store
func NewFileInstanceStore(config Config) (*FileInstanceStore, error) {
	baseDir := filepath.Join(config.BaseDir, "instances")
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create instance store directory: %w", err)
	}

	s := &FileInstanceStore{
		baseDir:   baseDir,
		instances: make(map[string]*InstanceRecord),
		done:      make(chan struct{}),
		config:    config,
	}

	if err := s.loadFromDisk(); err != nil {
		return nil, fmt.Errorf("failed to load instances from disk: %w", err)
	}

	if config.Cleanup.Enabled {
		go s.cleanupLoop(config.Cleanup.Interval)
	}

	return s, nil
}

// loadFromDisk loads all persisted records into the cache
func (s *FileInstanceStore) loadFromDisk() error {
	indexPath := filepath.Join(s.baseDir, "index.json")
	data, err := os.ReadFile(indexPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var instances map[string]*InstanceRecord
	if err := json.Unmarshal(data, &instances); err != nil {
		return err
	}

	s.instances = instances
	if s.instances == nil {
		s.instances = make(map[string]*InstanceRecord)
	}
	return nil
}

// saveToDisk flushes the cache to disk. Writes a temp file then renames so a
// crash mid-write never truncates the index. Caller must hold s.mu.
func (s *FileInstanceStore) saveToDisk() error {
	data, err := json.MarshalIndent(s.instances, "", "  ")
	if err != nil {
		return err
	}

	indexPath := filepath.Join(s.baseDir, "index.json")
	tempPath := indexPath + ".tmp"

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tempPath, indexPath)
}

// Close closes the store
func (s *FileInstanceStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)

	return s.saveToDisk()
}

// Ping checks if the store is healthy
func (s *FileInstanceStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// SaveInstance persists an instance record
func (s *FileInstanceStore) SaveInstance(ctx context.Context, rec *InstanceRecord) error {
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
	return s.saveToDisk()
}

// GetInstance retrieves an instance record by ID
func (s *FileInstanceStore) GetInstance(ctx context.Context, id string) (*InstanceRecord, error) {
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
func (s *FileInstanceStore) UpdateStatus(ctx context.Context, id string, status InstanceStatus, output json.RawMessage, errMsg string) error {
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
	return s.saveToDisk()
}

// ListInstances retrieves instance records matching the filter criteria
func (s *FileInstanceStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*InstanceRecord, error) {
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
func (s *FileInstanceStore) RecoverableInstances(ctx context.Context) ([]*InstanceRecord, error) {
	return s.ListInstances(ctx, InstanceFilter{
		Status: []InstanceStatus{InstanceStatusRunning, InstanceStatusPaused},
	})
}

// DeleteInstance removes an instance record from the store
func (s *FileInstanceStore) DeleteInstance(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, ok := s.instances[id]; !ok {
		return ErrNotFound
	}
	delete(s.instances, id)
	return s.saveToDisk()
}

// Cleanup removes terminal instance records older than the given duration
func (s *FileInstanceStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
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

	if count > 0 {
		if err := s.saveToDisk(); err != nil {
			return count, err
		}
	}
	return count, nil
}

// cleanupLoop periodically removes expired terminal records
func (s *FileInstanceStore) cleanupLoop(interval time.Duration) {
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

// Ensure FileInstanceStore implements InstanceStore
var _ InstanceStore = (*FileInstanceStore)(nil)
