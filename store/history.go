package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RunRecord is the relational archive row for a finished workflow run.
// Live instance state stays in the InstanceStore; terminal runs are copied
// here so operators can query history after cleanup has pruned the hot store.
type RunRecord struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	InstanceID  string `gorm:"size:64;uniqueIndex" json:"instance_id"`
	Workflow    string `gorm:"size:128;index" json:"workflow"`
	TaskID      string `gorm:"size:64;index" json:"task_id"`
	Session     string `gorm:"size:128;index" json:"session"`
	Status      string `gorm:"size:32;index" json:"status"`
	Params      string `gorm:"type:text" json:"params,omitempty"`
	Output      string `gorm:"type:text" json:"output,omitempty"`
	Error       string `gorm:"type:text" json:"error,omitempty"`
	StepCount   int    `json:"step_count"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// TableName sets the archive table name.
func (RunRecord) TableName() string {
	return "run_history"
}

// HistoryStore archives terminal workflow runs into a relational database.
type HistoryStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewHistoryStore migrates the archive table and returns a store bound to db.
func NewHistoryStore(db *gorm.DB, logger *zap.Logger) (*HistoryStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := db.AutoMigrate(&RunRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate run history: %w", err)
	}

	return &HistoryStore{
		db:     db,
		logger: logger.With(zap.String("component", "history_store")),
	}, nil
}

// Archive copies a terminal instance into the history table. Re-archiving
// the same instance updates the existing row, so the terminal hook can fire
// more than once without duplicating history.
func (h *HistoryStore) Archive(ctx context.Context, rec *InstanceRecord) error {
	if rec == nil {
		return ErrInvalidInput
	}
	if !rec.Status.IsTerminal() {
		return fmt.Errorf("instance %s is not terminal: %w", rec.ID, ErrInvalidInput)
	}

	row := &RunRecord{
		InstanceID:  rec.ID,
		Workflow:    rec.Workflow,
		TaskID:      rec.TaskID,
		Session:     rec.Session,
		Status:      string(rec.Status),
		Params:      rawToString(rec.Params),
		Output:      rawToString(rec.Output),
		Error:       rec.Error,
		StepCount:   len(rec.Steps),
		StartedAt:   rec.CreatedAt,
		CompletedAt: rec.CompletedAt,
	}

	err := h.db.WithContext(ctx).
		Where("instance_id = ?", rec.ID).
		Assign(row).
		FirstOrCreate(&RunRecord{}).Error
	if err != nil {
		return fmt.Errorf("failed to archive run %s: %w", rec.ID, err)
	}

	h.logger.Debug("run archived",
		zap.String("instance_id", rec.ID),
		zap.String("status", string(rec.Status)),
	)
	return nil
}

// HistoryFilter narrows List results.
type HistoryFilter struct {
	Session  string
	Workflow string
	Status   string
	Limit    int
}

// List returns archived runs, newest first.
func (h *HistoryStore) List(ctx context.Context, filter HistoryFilter) ([]*RunRecord, error) {
	query := h.db.WithContext(ctx).Model(&RunRecord{})

	if filter.Session != "" {
		query = query.Where("session = ?", filter.Session)
	}
	if filter.Workflow != "" {
		query = query.Where("workflow = ?", filter.Workflow)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var rows []*RunRecord
	if err := query.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list run history: %w", err)
	}
	return rows, nil
}

// Get returns a single archived run by instance ID.
func (h *HistoryStore) Get(ctx context.Context, instanceID string) (*RunRecord, error) {
	var row RunRecord
	err := h.db.WithContext(ctx).Where("instance_id = ?", instanceID).First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get run %s: %w", instanceID, err)
	}
	return &row, nil
}

// Prune deletes archived runs older than the retention window.
func (h *HistoryStore) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	result := h.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&RunRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune run history: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	return string(raw)
}
