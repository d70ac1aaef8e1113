package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupRedisStore spins up an in-process redis and a store pointed at it
func setupRedisStore(t *testing.T) (*RedisInstanceStore, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	config := DefaultConfig()
	config.Type = StoreTypeRedis
	config.Cleanup.Enabled = false
	config.Redis.Addr = mr.Addr()

	s, err := NewRedisInstanceStore(config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s, mr
}

func TestRedisInstanceStore_SaveAndGet(t *testing.T) {
	s, _ := setupRedisStore(t)
	ctx := context.Background()

	rec := testRecord("r-1", "session-a")
	require.NoError(t, s.SaveInstance(ctx, rec))

	got, err := s.GetInstance(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, "pipeline", got.Workflow)
	assert.Equal(t, InstanceStatusRunning, got.Status)
	assert.JSONEq(t, `{"items":["a","b"]}`, string(got.Params))
}

func TestRedisInstanceStore_GetMissing(t *testing.T) {
	s, _ := setupRedisStore(t)

	_, err := s.GetInstance(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisInstanceStore_UpdateStatus(t *testing.T) {
	s, _ := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveInstance(ctx, testRecord("r-2", "session-a")))
	require.NoError(t, s.UpdateStatus(ctx, "r-2", InstanceStatusFailed, nil, "step exhausted retries"))

	got, err := s.GetInstance(ctx, "r-2")
	require.NoError(t, err)
	assert.Equal(t, InstanceStatusFailed, got.Status)
	assert.Equal(t, "step exhausted retries", got.Error)
	require.NotNil(t, got.CompletedAt)
}

func TestRedisInstanceStore_ListAndFilter(t *testing.T) {
	s, _ := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveInstance(ctx, testRecord("r-3", "session-b")))
	require.NoError(t, s.SaveInstance(ctx, testRecord("r-4", "session-b")))
	require.NoError(t, s.SaveInstance(ctx, testRecord("r-5", "session-c")))

	recs, err := s.ListInstances(ctx, InstanceFilter{Session: "session-b"})
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	recs, err = s.ListInstances(ctx, InstanceFilter{Session: "session-b", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestRedisInstanceStore_Recoverable(t *testing.T) {
	s, _ := setupRedisStore(t)
	ctx := context.Background()

	running := testRecord("r-run", "session-a")
	paused := testRecord("r-pause", "session-a")
	paused.Status = InstanceStatusPaused
	done := testRecord("r-done", "session-a")

	require.NoError(t, s.SaveInstance(ctx, running))
	require.NoError(t, s.SaveInstance(ctx, paused))
	require.NoError(t, s.SaveInstance(ctx, done))
	require.NoError(t, s.UpdateStatus(ctx, "r-done", InstanceStatusCompleted, nil, ""))

	recs, err := s.RecoverableInstances(ctx)
	require.NoError(t, err)

	ids := make(map[string]bool, len(recs))
	for _, rec := range recs {
		ids[rec.ID] = true
	}
	assert.True(t, ids["r-run"])
	assert.True(t, ids["r-pause"])
	assert.False(t, ids["r-done"])
}

func TestRedisInstanceStore_Delete(t *testing.T) {
	s, _ := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveInstance(ctx, testRecord("r-del", "session-a")))
	require.NoError(t, s.DeleteInstance(ctx, "r-del"))

	_, err := s.GetInstance(ctx, "r-del")
	assert.ErrorIs(t, err, ErrNotFound)

	recs, err := s.ListInstances(ctx, InstanceFilter{Session: "session-a"})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRedisInstanceStore_Cleanup(t *testing.T) {
	s, _ := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveInstance(ctx, testRecord("r-old", "session-a")))
	require.NoError(t, s.UpdateStatus(ctx, "r-old", InstanceStatusTerminated, nil, ""))

	count, err := s.Cleanup(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	count, err = s.Cleanup(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = s.GetInstance(ctx, "r-old")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisInstanceStore_StepsRoundTrip(t *testing.T) {
	s, _ := setupRedisStore(t)
	ctx := context.Background()

	rec := testRecord("r-steps", "session-a")
	rec.Steps = map[string]StepRecord{
		"process-item-1": {
			Name:        "process-item-1",
			Output:      json.RawMessage(`{"item":"a"}`),
			Attempts:    2,
			CompletedAt: time.Now().UTC(),
		},
	}
	require.NoError(t, s.SaveInstance(ctx, rec))

	got, err := s.GetInstance(ctx, "r-steps")
	require.NoError(t, err)
	require.Contains(t, got.Steps, "process-item-1")
	assert.Equal(t, 2, got.Steps["process-item-1"].Attempts)
}

func TestRedisInstanceStore_PingAfterServerGone(t *testing.T) {
	s, mr := setupRedisStore(t)

	require.NoError(t, s.Ping(context.Background()))
	mr.Close()
	assert.Error(t, s.Ping(context.Background()))
}
