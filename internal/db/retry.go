package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mescon/Pollarr/internal/logger"
)

// sleep is swapped out by tests.
var sleep = time.Sleep

// IsBusy reports whether err is SQLite's "database is locked" condition.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withRetry runs op until it succeeds, fails with a non-busy error, or
// MaxRetries attempts are used. Backoff doubles from RetryDelay.
func withRetry[T any](what string, op func() (T, error)) (T, error) {
	var (
		out T
		err error
	)
	for attempt := 0; attempt < MaxRetries; attempt++ {
		out, err = op()
		if err == nil {
			return out, nil
		}
		if !IsBusy(err) {
			return out, err
		}
		if attempt < MaxRetries-1 {
			delay := RetryDelay << attempt
			logger.Debugf("Database busy on %s, retrying in %v (attempt %d/%d)", what, delay, attempt+1, MaxRetries)
			sleep(delay)
		}
	}
	var zero T
	return zero, fmt.Errorf("database busy after %d retries: %w", MaxRetries, err)
}

// ExecWithRetry executes a statement, retrying on SQLITE_BUSY.
func ExecWithRetry(db *sql.DB, query string, args ...interface{}) (sql.Result, error) {
	return withRetry("exec", func() (sql.Result, error) {
		return db.Exec(query, args...)
	})
}

// QueryWithRetry runs a query, retrying on SQLITE_BUSY.
func QueryWithRetry(db *sql.DB, query string, args ...interface{}) (*sql.Rows, error) {
	return withRetry("query", func() (*sql.Rows, error) {
		return db.Query(query, args...)
	})
}
