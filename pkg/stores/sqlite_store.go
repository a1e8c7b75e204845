package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const memoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	path   string
	config Config
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens a separate database
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		path:   cfg.Path,
		config: cfg,
	}, nil
}

func (s *SQLiteStore) dsn() string {
	dsn := s.path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if s.path != memoryPath {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}
	return dsn
}

// Init opens the database connection. File databases use WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.config.MaxOpenConns)
	db.SetMaxIdleConns(s.config.MaxIdleConns)
	db.SetConnMaxLifetime(s.config.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// CreateProcess records a detached process handle
func (s *SQLiteStore) CreateProcess(ctx context.Context, process *Process) error {
	query := `
		INSERT INTO processes (
			id, host_name, address, port, user_name, command, status,
			exit_status, started_at, stopped_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now().UTC()
	if process.Status == "" {
		process.Status = ProcessStatusRunning
	}
	if process.StartedAt.IsZero() {
		process.StartedAt = now
	}
	process.CreatedAt = now
	process.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, query,
		process.ID,
		process.HostName,
		process.Address,
		process.Port,
		process.User,
		process.Command,
		process.Status,
		process.ExitStatus,
		process.StartedAt.UTC(),
		utcPtr(process.StoppedAt),
		process.CreatedAt,
		process.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create process: %w", err)
	}

	return nil
}

const processColumns = `id, host_name, address, port, user_name, command, status,
	exit_status, started_at, stopped_at, created_at, updated_at`

func scanProcess(row interface{ Scan(...any) error }) (*Process, error) {
	process := &Process{}
	err := row.Scan(
		&process.ID,
		&process.HostName,
		&process.Address,
		&process.Port,
		&process.User,
		&process.Command,
		&process.Status,
		&process.ExitStatus,
		&process.StartedAt,
		&process.StoppedAt,
		&process.CreatedAt,
		&process.UpdatedAt,
	)
	return process, err
}

// GetProcess retrieves a process by ID
func (s *SQLiteStore) GetProcess(ctx context.Context, id string) (*Process, error) {
	query := `SELECT ` + processColumns + ` FROM processes WHERE id = ?`

	process, err := scanProcess(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("process %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get process: %w", err)
	}

	return process, nil
}

// ListProcesses lists processes, newest first, optionally filtered by status
func (s *SQLiteStore) ListProcesses(ctx context.Context, status *ProcessStatus, limit, offset int) ([]*Process, error) {
	query := `
		SELECT ` + processColumns + `
		FROM processes
		WHERE (? IS NULL OR status = ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, status, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}
	defer rows.Close()

	processes := []*Process{}
	for rows.Next() {
		process, err := scanProcess(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan process: %w", err)
		}
		processes = append(processes, process)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating processes: %w", err)
	}

	return processes, nil
}

// MarkProcessStopped records that a process was stopped
func (s *SQLiteStore) MarkProcessStopped(ctx context.Context, id string, exitStatus *int) error {
	query := `
		UPDATE processes
		SET status = ?, exit_status = ?, stopped_at = ?, updated_at = ?
		WHERE id = ?
	`

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, query, ProcessStatusStopped, exitStatus, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to update process status: %w", err)
	}

	return expectOneRow(result, "process", id)
}

// DeleteProcess deletes a process by ID
func (s *SQLiteStore) DeleteProcess(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM processes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete process: %w", err)
	}

	return expectOneRow(result, "process", id)
}

// RecordExecution appends an entry to the execution journal
func (s *SQLiteStore) RecordExecution(ctx context.Context, execution *Execution) error {
	query := `
		INSERT INTO executions (
			id, host, mode, command, exit_status, stdout, stderr, error,
			process_id, started_at, finished_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if execution.StartedAt.IsZero() {
		execution.StartedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		execution.ID,
		execution.Host,
		execution.Mode,
		execution.Command,
		execution.ExitStatus,
		execution.Stdout,
		execution.Stderr,
		execution.Error,
		execution.ProcessID,
		execution.StartedAt.UTC(),
		utcPtr(execution.FinishedAt),
		execution.Duration.Milliseconds(),
	)

	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}

	return nil
}

const executionColumns = `id, host, mode, command, exit_status, stdout, stderr, error,
	process_id, started_at, finished_at, duration_ms`

func scanExecution(row interface{ Scan(...any) error }) (*Execution, error) {
	execution := &Execution{}
	var durationMs int64
	err := row.Scan(
		&execution.ID,
		&execution.Host,
		&execution.Mode,
		&execution.Command,
		&execution.ExitStatus,
		&execution.Stdout,
		&execution.Stderr,
		&execution.Error,
		&execution.ProcessID,
		&execution.StartedAt,
		&execution.FinishedAt,
		&durationMs,
	)
	execution.Duration = time.Duration(durationMs) * time.Millisecond
	return execution, err
}

// GetExecution retrieves a journal entry by ID
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = ?`

	execution, err := scanExecution(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	return execution, nil
}

// ListExecutions lists journal entries, newest first, optionally for one host
func (s *SQLiteStore) ListExecutions(ctx context.Context, host *string, limit, offset int) ([]*Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE (? IS NULL OR host = ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, host, host, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	executions := []*Execution{}
	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

// PruneExecutions deletes journal entries started before the given time
func (s *SQLiteStore) PruneExecutions(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE started_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune executions: %w", err)
	}

	return result.RowsAffected()
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func expectOneRow(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}

	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}
