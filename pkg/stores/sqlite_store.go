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

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration. Zero pool values select the
// defaults (25 open, 5 idle, 5m lifetime).
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
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	return &SQLiteStore{cfg: cfg}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Foreign keys are a connection-level setting.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
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

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (id, pipeline_name, trigger_kind, commit_sha, branch, status,
			started_at, completed_at, error, hosts_total, hosts_changed, hosts_failed,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.PipelineName,
		run.Trigger,
		run.Commit,
		run.Branch,
		run.Status,
		run.StartedAt,
		run.CompletedAt,
		run.Error,
		run.HostsTotal,
		run.HostsChanged,
		run.HostsFailed,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id, pipeline_name, trigger_kind, commit_sha, branch, status,
			started_at, completed_at, error, hosts_total, hosts_changed, hosts_failed,
			created_at, updated_at
		FROM runs
		WHERE id = ?
	`

	run := &Run{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID,
		&run.PipelineName,
		&run.Trigger,
		&run.Commit,
		&run.Branch,
		&run.Status,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Error,
		&run.HostsTotal,
		&run.HostsChanged,
		&run.HostsFailed,
		&run.CreatedAt,
		&run.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// UpdateRunStatus updates the status of a run
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id string, status RunStatus, errMsg *string) error {
	query := `
		UPDATE runs
		SET status = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`

	now := time.Now()
	var completedAt *time.Time
	if status.Terminal() {
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx, query, status, errMsg, completedAt, now, id)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s", id)
	}

	return nil
}

// UpdateRunCounts records the host outcome totals for a run
func (s *SQLiteStore) UpdateRunCounts(ctx context.Context, id string, total, changed, failed int) error {
	query := `
		UPDATE runs
		SET hosts_total = ?, hosts_changed = ?, hosts_failed = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, total, changed, failed, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update run counts: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s", id)
	}

	return nil
}

// ListRuns lists runs with pagination, newest first
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	query := `
		SELECT id, pipeline_name, trigger_kind, commit_sha, branch, status,
			started_at, completed_at, error, hosts_total, hosts_changed, hosts_failed,
			created_at, updated_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run := &Run{}
		err := rows.Scan(
			&run.ID,
			&run.PipelineName,
			&run.Trigger,
			&run.Commit,
			&run.Branch,
			&run.Status,
			&run.StartedAt,
			&run.CompletedAt,
			&run.Error,
			&run.HostsTotal,
			&run.HostsChanged,
			&run.HostsFailed,
			&run.CreatedAt,
			&run.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// DeleteRun deletes a run and its host records and events via cascade
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s", id)
	}

	return nil
}

// CreateHostRecord records the outcome for one host in a run
func (s *SQLiteStore) CreateHostRecord(ctx context.Context, rec *HostRecord) error {
	query := `
		INSERT INTO host_records (id, run_id, host_id, address, status,
			tasks_total, tasks_failed, detail, error, started_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.RunID,
		rec.HostID,
		rec.Address,
		rec.Status,
		rec.TasksTotal,
		rec.TasksFailed,
		rec.Detail,
		rec.Error,
		rec.StartedAt,
		rec.CompletedAt,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create host record: %w", err)
	}

	return nil
}

// ListHostRecordsByRun lists the host outcomes for a run
func (s *SQLiteStore) ListHostRecordsByRun(ctx context.Context, runID string) ([]*HostRecord, error) {
	query := `
		SELECT id, run_id, host_id, address, status,
			tasks_total, tasks_failed, detail, error, started_at, completed_at, created_at
		FROM host_records
		WHERE run_id = ?
		ORDER BY address
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list host records: %w", err)
	}
	defer rows.Close()

	records := []*HostRecord{}
	for rows.Next() {
		rec := &HostRecord{}
		err := rows.Scan(
			&rec.ID,
			&rec.RunID,
			&rec.HostID,
			&rec.Address,
			&rec.Status,
			&rec.TasksTotal,
			&rec.TasksFailed,
			&rec.Detail,
			&rec.Error,
			&rec.StartedAt,
			&rec.CompletedAt,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan host record: %w", err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// AppendEvent appends an event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (run_id, level, stage, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.RunID,
		event.Level,
		event.Stage,
		event.Message,
		event.Details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}
	event.ID = id

	return nil
}

// GetEvents retrieves events with optional filters
func (s *SQLiteStore) GetEvents(ctx context.Context, runID *string, level *EventLevel, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, run_id, level, stage, message, details, timestamp
		FROM events
		WHERE 1=1
	`
	args := []interface{}{}

	if runID != nil {
		query += " AND run_id = ?"
		args = append(args, *runID)
	}
	if level != nil {
		query += " AND level = ?"
		args = append(args, *level)
	}

	query += " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.Level,
			&event.Stage,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	return events, rows.Err()
}

// UpsertInventory stores or refreshes a resolved inventory for a filter
func (s *SQLiteStore) UpsertInventory(ctx context.Context, entry *InventoryEntry) error {
	query := `
		INSERT INTO inventory_cache (filter_key, provider, hosts, host_count, resolved_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(filter_key) DO UPDATE SET
			provider = excluded.provider,
			hosts = excluded.hosts,
			host_count = excluded.host_count,
			resolved_at = excluded.resolved_at
	`

	_, err := s.db.ExecContext(ctx, query,
		entry.FilterKey,
		entry.Provider,
		entry.Hosts,
		entry.HostCount,
		entry.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert inventory: %w", err)
	}

	return nil
}

// GetInventory retrieves a cached inventory no older than maxAge.
// Returns nil without error on a cache miss.
func (s *SQLiteStore) GetInventory(ctx context.Context, filterKey string, maxAge time.Duration) (*InventoryEntry, error) {
	query := `
		SELECT filter_key, provider, hosts, host_count, resolved_at
		FROM inventory_cache
		WHERE filter_key = ?
	`

	entry := &InventoryEntry{}
	err := s.db.QueryRowContext(ctx, query, filterKey).Scan(
		&entry.FilterKey,
		&entry.Provider,
		&entry.Hosts,
		&entry.HostCount,
		&entry.ResolvedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get inventory: %w", err)
	}

	if maxAge > 0 && time.Since(entry.ResolvedAt) > maxAge {
		return nil, nil
	}

	return entry, nil
}

// HealthCheck verifies the database connection
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}
