package store

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisInstanceStore is a Redis-based implementation of InstanceStore.
// Suitable for distributed production deployments. Record bodies are stored
// as JSON strings with sorted sets for status and session indexing.
type RedisInstanceStore struct {
	client    *redis.Client
	keyPrefix string
	config    Config
}

// NewRedisInstanceStore creates a new Redis-based instance store
func NewRedisInstanceStore(config Config) (*RedisInstanceStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
		PoolSize: config.Redis.PoolSize,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	keyPrefix := config.Redis.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "taskflow:"
	}

	return &RedisInstanceStore{
		client:    client,
		keyPrefix: keyPrefix + "instance:",
		config:    config,
	}, nil
}

// Close closes the store
func (s *RedisInstanceStore) Close() error {
	return s.client.Close()
}

// Ping checks if the store is healthy
func (s *RedisInstanceStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// instanceKey returns the Redis key for an instance record
func (s *RedisInstanceStore) instanceKey(id string) string {
	return s.keyPrefix + "data:" + id
}

// statusKey returns the Redis key for a status index
func (s *RedisInstanceStore) statusKey(status InstanceStatus) string {
	return s.keyPrefix + "status:" + string(status)
}

// sessionKey returns the Redis key for a session index
func (s *RedisInstanceStore) sessionKey(session string) string {
	return s.keyPrefix + "session:" + session
}

// allKey returns the Redis key for the all-instances index
func (s *RedisInstanceStore) allKey() string {
	return s.keyPrefix + "all"
}

// SaveInstance persists an instance record
func (s *RedisInstanceStore) SaveInstance(ctx context.Context, rec *InstanceRecord) error {
	if rec == nil {
		return ErrInvalidInput
	}

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	// Get old record for index cleanup
	old, _ := s.GetInstance(ctx, rec.ID)

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.instanceKey(rec.ID), data, 0)

	score := float64(rec.CreatedAt.UnixNano())

	if old != nil && old.Status != rec.Status {
		pipe.ZRem(ctx, s.statusKey(old.Status), rec.ID)
	}
	pipe.ZAdd(ctx, s.statusKey(rec.Status), redis.Z{Score: score, Member: rec.ID})
	pipe.ZAdd(ctx, s.allKey(), redis.Z{Score: score, Member: rec.ID})

	if rec.Session != "" {
		pipe.ZAdd(ctx, s.sessionKey(rec.Session), redis.Z{Score: score, Member: rec.ID})
	}

	_, err = pipe.Exec(ctx)
	return err
}

// GetInstance retrieves an instance record by ID
func (s *RedisInstanceStore) GetInstance(ctx context.Context, id string) (*InstanceRecord, error) {
	data, err := s.client.Get(ctx, s.instanceKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec InstanceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpdateStatus updates the lifecycle status of an instance
func (s *RedisInstanceStore) UpdateStatus(ctx context.Context, id string, status InstanceStatus, output json.RawMessage, errMsg string) error {
	rec, err := s.GetInstance(ctx, id)
	if err != nil {
		return err
	}

	oldStatus := rec.Status
	applyStatusUpdate(rec, status, output, errMsg)

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.instanceKey(id), data, 0)

	if oldStatus != status {
		pipe.ZRem(ctx, s.statusKey(oldStatus), id)
		pipe.ZAdd(ctx, s.statusKey(status), redis.Z{
			Score:  float64(rec.CreatedAt.UnixNano()),
			Member: id,
		})
	}

	_, err = pipe.Exec(ctx)
	return err
}

// ListInstances retrieves instance records matching the filter criteria
func (s *RedisInstanceStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*InstanceRecord, error) {
	var ids []string
	var err error

	// Pick the narrowest index available
	if len(filter.Status) == 1 {
		ids, err = s.client.ZRange(ctx, s.statusKey(filter.Status[0]), 0, -1).Result()
	} else if filter.Session != "" {
		ids, err = s.client.ZRange(ctx, s.sessionKey(filter.Session), 0, -1).Result()
	} else {
		ids, err = s.client.ZRange(ctx, s.allKey(), 0, -1).Result()
	}
	if err != nil {
		return nil, err
	}

	result := make([]*InstanceRecord, 0)
	for _, id := range ids {
		rec, err := s.GetInstance(ctx, id)
		if err != nil {
			continue
		}
		if matchesFilter(rec, filter) {
			result = append(result, rec)
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
func (s *RedisInstanceStore) RecoverableInstances(ctx context.Context) ([]*InstanceRecord, error) {
	result := make([]*InstanceRecord, 0)

	for _, status := range []InstanceStatus{InstanceStatusRunning, InstanceStatusPaused} {
		ids, err := s.client.ZRange(ctx, s.statusKey(status), 0, -1).Result()
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			rec, err := s.GetInstance(ctx, id)
			if err != nil {
				continue
			}
			result = append(result, rec)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return result, nil
}

// DeleteInstance removes an instance record from the store
func (s *RedisInstanceStore) DeleteInstance(ctx context.Context, id string) error {
	rec, err := s.GetInstance(ctx, id)
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.instanceKey(id))
	pipe.ZRem(ctx, s.statusKey(rec.Status), id)
	pipe.ZRem(ctx, s.allKey(), id)
	if rec.Session != "" {
		pipe.ZRem(ctx, s.sessionKey(rec.Session), id)
	}

	_, err = pipe.Exec(ctx)
	return err
}

// Cleanup removes terminal instance records older than the given duration
func (s *RedisInstanceStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	count := 0

	for _, status := range []InstanceStatus{InstanceStatusCompleted, InstanceStatusFailed, InstanceStatusTerminated} {
		ids, err := s.client.ZRange(ctx, s.statusKey(status), 0, -1).Result()
		if err != nil {
			continue
		}
		for _, id := range ids {
			rec, err := s.GetInstance(ctx, id)
			if err != nil {
				continue
			}
			if rec.UpdatedAt.Before(cutoff) {
				if err := s.DeleteInstance(ctx, id); err == nil {
					count++
				}
			}
		}
	}

	return count, nil
}

// Ensure RedisInstanceStore implements InstanceStore
var _ InstanceStore = (*RedisInstanceStore)(nil)
