package stores

import (
	"context"
	"database/sql"
	"time"
)

// RunStatus represents the status of a pipeline run
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// HostStatus represents the outcome for one host in a run
type HostStatus string

const (
	HostStatusChanged     HostStatus = "changed"
	HostStatusUnchanged   HostStatus = "unchanged"
	HostStatusFailed      HostStatus = "failed"
	HostStatusUnreachable HostStatus = "unreachable"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Run represents one pipeline execution
type Run struct {
	ID           string     `json:"id"`
	PipelineName string     `json:"pipeline_name"`
	Trigger      string     `json:"trigger"` // webhook, manual, watch
	Commit       string     `json:"commit,omitempty"`
	Branch       string     `json:"branch,omitempty"`
	Status       RunStatus  `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Error        *string    `json:"error,omitempty"`
	HostsTotal   int        `json:"hosts_total"`
	HostsChanged int        `json:"hosts_changed"`
	HostsFailed  int        `json:"hosts_failed"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// HostRecord represents the outcome for one host in one run
type HostRecord struct {
	ID          string     `json:"id"`
	RunID       string     `json:"run_id"`
	HostID      string     `json:"host_id"`
	Address     string     `json:"address"`
	Status      HostStatus `json:"status"`
	TasksTotal  int        `json:"tasks_total"`
	TasksFailed int        `json:"tasks_failed"`
	Detail      string     `json:"detail"` // JSON blob of per-task results
	Error       *string    `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Event represents an append-only log event
type Event struct {
	ID        int64      `json:"id"`
	RunID     *string    `json:"run_id,omitempty"`
	Level     EventLevel `json:"level"`
	Stage     string     `json:"stage"` // credentials, inventory, apply
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// InventoryEntry caches one resolved inventory for a filter.
type InventoryEntry struct {
	FilterKey  string    `json:"filter_key"` // canonical filter string
	Provider   string    `json:"provider"`
	Hosts      string    `json:"hosts"` // JSON array of resolved hosts
	HostCount  int       `json:"host_count"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRunStatus(ctx context.Context, id string, status RunStatus, err *string) error
	UpdateRunCounts(ctx context.Context, id string, total, changed, failed int) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Host record operations
	CreateHostRecord(ctx context.Context, rec *HostRecord) error
	ListHostRecordsByRun(ctx context.Context, runID string) ([]*HostRecord, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID *string, level *EventLevel, limit, offset int) ([]*Event, error)

	// Inventory cache operations
	UpsertInventory(ctx context.Context, entry *InventoryEntry) error
	GetInventory(ctx context.Context, filterKey string, maxAge time.Duration) (*InventoryEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
