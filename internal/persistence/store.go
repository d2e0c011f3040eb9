// Package persistence records tasks, execution records and alerts in SQLite.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite"

	"github.com/aristath/taskrouter/internal/runner"
	"github.com/aristath/taskrouter/internal/task"
	"github.com/aristath/taskrouter/internal/tracker"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

const (
	// opTimeout bounds every store operation.
	opTimeout = 5 * time.Second
	// busyRetries bounds retries of writes that hit a locked database.
	busyRetries = 5
)

// Store defines the persistence interface for the router's outputs.
type Store interface {
	// Tasks
	RecordTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, taskID string) (*TaskRow, error)
	ListTasks(ctx context.Context) ([]*TaskRow, error)

	// Execution records
	RecordExecution(ctx context.Context, rec runner.ExecutionRecord) error
	ListExecutions(ctx context.Context, taskID string) ([]runner.ExecutionRecord, error)
	ListExecutionsByAgent(ctx context.Context, agentName string) ([]runner.ExecutionRecord, error)

	// Alerts
	RecordAlert(ctx context.Context, a tracker.Alert) error
	ListAlerts(ctx context.Context) ([]tracker.Alert, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)
	return open(ctx, connStr)
}

var memoryStores atomic.Int64

// NewMemoryStore creates an in-memory SQLite store for testing.
// Each call gets its own database, shared by that store's connections.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:taskrouter-mem-%d?mode=memory&cache=shared&_pragma=busy_timeout(5000)", memoryStores.Add(1))
	return open(ctx, connStr)
}

// open connects to connStr and creates the schema.
func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection for queries, one for writes issued while rows are open
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withTimeout bounds a store operation.
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, opTimeout)
}

// exec runs a write statement, retrying with backoff while SQLite reports the
// database busy or locked.
func (s *SQLiteStore) exec(ctx context.Context, query string, args ...any) error {
	// Short intervals: busy_timeout already waited inside SQLite
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		if err != nil && !isBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, busyRetries), ctx))
}

// isBusy reports whether err is SQLite's BUSY or LOCKED condition.
func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// timeLayout is RFC 3339 with a fixed nine-digit fraction. Unlike
// time.RFC3339Nano it keeps trailing zeros, so stored values sort as text in
// time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

// parseTime reads values written by formatTime. RFC3339Nano accepts any
// fraction length when parsing.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
