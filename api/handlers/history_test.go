package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/taskflow/store"
)

func newHistoryMux(t *testing.T) (*http.ServeMux, *store.HistoryStore) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	history, err := store.NewHistoryStore(db, nil)
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewHistoryHandler(history, nil).Register(mux)
	return mux, history
}

func archiveRun(t *testing.T, history *store.HistoryStore, id, session string, status store.InstanceStatus) {
	t.Helper()
	now := time.Now().UTC()
	rec := &store.InstanceRecord{
		ID:          id,
		Workflow:    "pipeline",
		TaskID:      "task-" + id,
		Session:     session,
		Status:      status,
		Output:      json.RawMessage(`{"processed":1}`),
		CreatedAt:   now.Add(-time.Minute),
		CompletedAt: &now,
	}
	require.NoError(t, history.Archive(context.Background(), rec))
}

func TestHistoryHandler_ListBySession(t *testing.T) {
	mux, history := newHistoryMux(t)
	archiveRun(t, history, "inst-1", "session-a", store.InstanceStatusCompleted)
	archiveRun(t, history, "inst-2", "session-a", store.InstanceStatusFailed)
	archiveRun(t, history, "inst-3", "session-b", store.InstanceStatusCompleted)

	rec, resp := doJSON(t, mux, http.MethodGet, "/v1/sessions/session-a/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, resp.Success)
	rows, ok := resp.Data.([]any)
	require.True(t, ok)
	assert.Len(t, rows, 2)
}

func TestHistoryHandler_ListStatusFilter(t *testing.T) {
	mux, history := newHistoryMux(t)
	archiveRun(t, history, "inst-1", "session-a", store.InstanceStatusCompleted)
	archiveRun(t, history, "inst-2", "session-a", store.InstanceStatusFailed)

	rec, resp := doJSON(t, mux, http.MethodGet, "/v1/sessions/session-a/history?status=failed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rows := resp.Data.([]any)
	require.Len(t, rows, 1)
	row := rows[0].(map[string]any)
	assert.Equal(t, "inst-2", row["instance_id"])
}

func TestHistoryHandler_ListBadLimit(t *testing.T) {
	mux, _ := newHistoryMux(t)

	rec, resp := doJSON(t, mux, http.MethodGet, "/v1/sessions/session-a/history?limit=9999", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "INVALID_REQUEST", resp.Error.Code)
}

func TestHistoryHandler_GetByInstance(t *testing.T) {
	mux, history := newHistoryMux(t)
	archiveRun(t, history, "inst-1", "session-a", store.InstanceStatusCompleted)

	rec, resp := doJSON(t, mux, http.MethodGet, "/v1/history/inst-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	row := resp.Data.(map[string]any)
	assert.Equal(t, "inst-1", row["instance_id"])
	assert.Equal(t, "completed", row["status"])
}

func TestHistoryHandler_GetMissing(t *testing.T) {
	mux, _ := newHistoryMux(t)

	rec, resp := doJSON(t, mux, http.MethodGet, "/v1/history/absent", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
}
