package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/taskflow/config"
)

func setupTestDB(t *testing.T) (sqlmock.Sqlmock, *gorm.DB) {
	t.Helper()

	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	// gorm.Open pings the database on initialization.
	mock.ExpectPing()
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{})
	require.NoError(t, err)

	return mock, gormDB
}

func newTestPool(t *testing.T, gormDB *gorm.DB) *PoolManager {
	t.Helper()
	manager, err := NewPoolManager(gormDB, PoolConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
	}, zap.NewNop())
	require.NoError(t, err)
	return manager
}

func TestNewPoolManager(t *testing.T) {
	_, gormDB := setupTestDB(t)

	manager := newTestPool(t, gormDB)
	assert.NotNil(t, manager.DB())
	assert.Equal(t, gormDB, manager.DB())
}

func TestNewPoolManager_NilDB(t *testing.T) {
	_, err := NewPoolManager(nil, DefaultPoolConfig(), zap.NewNop())
	require.Error(t, err)
}

func TestPoolManager_Ping(t *testing.T) {
	mock, gormDB := setupTestDB(t)
	manager := newTestPool(t, gormDB)

	mock.ExpectPing()
	assert.NoError(t, manager.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_PingFailure(t *testing.T) {
	mock, gormDB := setupTestDB(t)
	manager := newTestPool(t, gormDB)

	mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	assert.Error(t, manager.Ping(context.Background()))
}

func TestPoolManager_PingAfterClose(t *testing.T) {
	mock, gormDB := setupTestDB(t)
	manager := newTestPool(t, gormDB)

	mock.ExpectClose()
	require.NoError(t, manager.Close())
	// idempotent
	require.NoError(t, manager.Close())

	err := manager.Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}

func TestPoolManager_Stats(t *testing.T) {
	_, gormDB := setupTestDB(t)
	manager := newTestPool(t, gormDB)

	stats := manager.Stats()
	assert.GreaterOrEqual(t, stats.OpenConnections, 0)
	assert.Equal(t, 10, stats.MaxOpenConnections)
}

func TestPoolManager_WithTransaction(t *testing.T) {
	mock, gormDB := setupTestDB(t)
	manager := newTestPool(t, gormDB)

	mock.ExpectBegin()
	mock.ExpectCommit()

	err := manager.WithTransaction(context.Background(), func(tx *gorm.DB) error {
		return nil
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_WithTransactionRollback(t *testing.T) {
	mock, gormDB := setupTestDB(t)
	manager := newTestPool(t, gormDB)

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := manager.WithTransaction(context.Background(), func(tx *gorm.DB) error {
		return assert.AnError
	})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_WithTransactionRetry_NonRetryable(t *testing.T) {
	mock, gormDB := setupTestDB(t)
	manager := newTestPool(t, gormDB)

	// assert.AnError is not a transient failure, so one attempt only.
	mock.ExpectBegin()
	mock.ExpectRollback()

	err := manager.WithTransactionRetry(context.Background(), 3, func(tx *gorm.DB) error {
		return assert.AnError
	})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"deadlock detected", true},
		{"ERROR: could not serialize access (SQLSTATE 40001)", true},
		{"read tcp: connection reset by peer", true},
		{"dial tcp: connection refused", true},
		{"write: broken pipe", true},
		{"Lock wait timeout exceeded", true},
		{"driver: bad connection", true},
		{"duplicate key value violates unique constraint", false},
		{"syntax error at or near", false},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryableError(errors.New(tt.msg)))
		})
	}
	assert.False(t, isRetryableError(nil))
}

func TestDialectorFor(t *testing.T) {
	cfg := config.DefaultDatabaseConfig()

	cfg.Driver = "postgres"
	d, err := dialectorFor(cfg)
	require.NoError(t, err)
	assert.Equal(t, "postgres", d.Name())

	cfg.Driver = "mysql"
	cfg.Port = 3306
	d, err = dialectorFor(cfg)
	require.NoError(t, err)
	assert.Equal(t, "mysql", d.Name())

	cfg.Driver = "sqlite"
	cfg.Name = ":memory:"
	d, err = dialectorFor(cfg)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", d.Name())

	cfg.Driver = "oracle"
	_, err = dialectorFor(cfg)
	require.Error(t, err)
}
