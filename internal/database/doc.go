// Package database manages the gorm connection behind the run-history
// archive: driver selection, pool tuning, background health checks, and
// retryable transactions.
package database
