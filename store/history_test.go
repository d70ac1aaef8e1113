package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupHistoryStore(t *testing.T) *HistoryStore {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	h, err := NewHistoryStore(db, nil)
	require.NoError(t, err)
	return h
}

func terminalRecord(id, session string, status InstanceStatus) *InstanceRecord {
	now := time.Now().UTC()
	return &InstanceRecord{
		ID:          id,
		Workflow:    "pipeline",
		TaskID:      "task-" + id,
		Session:     session,
		Params:      json.RawMessage(`{"items":["a"]}`),
		Status:      status,
		Output:      json.RawMessage(`{"processed":1}`),
		Steps:       map[string]StepRecord{"initialize": {Name: "initialize"}},
		CreatedAt:   now.Add(-time.Minute),
		CompletedAt: &now,
	}
}

func TestHistoryStore_ArchiveAndGet(t *testing.T) {
	h := setupHistoryStore(t)
	ctx := context.Background()

	require.NoError(t, h.Archive(ctx, terminalRecord("h-1", "session-a", InstanceStatusCompleted)))

	row, err := h.Get(ctx, "h-1")
	require.NoError(t, err)
	assert.Equal(t, "pipeline", row.Workflow)
	assert.Equal(t, string(InstanceStatusCompleted), row.Status)
	assert.Equal(t, 1, row.StepCount)
	require.NotNil(t, row.CompletedAt)
}

func TestHistoryStore_ArchiveRejectsLiveInstance(t *testing.T) {
	h := setupHistoryStore(t)

	rec := terminalRecord("h-live", "session-a", InstanceStatusRunning)
	err := h.Archive(context.Background(), rec)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestHistoryStore_ArchiveIsIdempotent(t *testing.T) {
	h := setupHistoryStore(t)
	ctx := context.Background()

	rec := terminalRecord("h-dup", "session-a", InstanceStatusFailed)
	rec.Error = "first"
	require.NoError(t, h.Archive(ctx, rec))

	// Second archive of the same instance updates in place
	rec.Error = "second"
	require.NoError(t, h.Archive(ctx, rec))

	rows, err := h.List(ctx, HistoryFilter{Session: "session-a"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "second", rows[0].Error)
}

func TestHistoryStore_ListFilters(t *testing.T) {
	h := setupHistoryStore(t)
	ctx := context.Background()

	require.NoError(t, h.Archive(ctx, terminalRecord("h-2", "session-a", InstanceStatusCompleted)))
	require.NoError(t, h.Archive(ctx, terminalRecord("h-3", "session-a", InstanceStatusFailed)))
	require.NoError(t, h.Archive(ctx, terminalRecord("h-4", "session-b", InstanceStatusCompleted)))

	rows, err := h.List(ctx, HistoryFilter{Session: "session-a"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = h.List(ctx, HistoryFilter{Status: string(InstanceStatusFailed)})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "h-3", rows[0].InstanceID)

	rows, err = h.List(ctx, HistoryFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestHistoryStore_GetMissing(t *testing.T) {
	h := setupHistoryStore(t)

	_, err := h.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHistoryStore_Prune(t *testing.T) {
	h := setupHistoryStore(t)
	ctx := context.Background()

	require.NoError(t, h.Archive(ctx, terminalRecord("h-old", "session-a", InstanceStatusCompleted)))

	count, err := h.Prune(ctx, time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)

	count, err = h.Prune(ctx, -time.Second)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}
