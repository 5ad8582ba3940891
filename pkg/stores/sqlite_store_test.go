package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { store.Close() })
	return store
}

func testRun(pipeline string) *Run {
	now := time.Now()
	return &Run{
		ID:           uuid.New().String(),
		PipelineName: pipeline,
		Trigger:      "webhook",
		Commit:       "0123abc",
		Branch:       "main",
		Status:       RunStatusPending,
		StartedAt:    now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestRunLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := testRun("deploy-web")
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.PipelineName != "deploy-web" || got.Trigger != "webhook" || got.Status != RunStatusPending {
		t.Errorf("unexpected run: %+v", got)
	}

	if err := store.UpdateRunStatus(ctx, run.ID, RunStatusRunning, nil); err != nil {
		t.Fatalf("failed to update status: %v", err)
	}

	if err := store.UpdateRunCounts(ctx, run.ID, 3, 2, 0); err != nil {
		t.Fatalf("failed to update counts: %v", err)
	}

	if err := store.UpdateRunStatus(ctx, run.ID, RunStatusCompleted, nil); err != nil {
		t.Fatalf("failed to complete run: %v", err)
	}

	got, err = store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Status != RunStatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at to be set on terminal status")
	}
	if got.HostsTotal != 3 || got.HostsChanged != 2 {
		t.Errorf("unexpected counts: %+v", got)
	}
}

func TestGetRunNotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetRun(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error for missing run")
	}
}

func TestUpdateRunStatusNotFound(t *testing.T) {
	store := setupTestStore(t)

	err := store.UpdateRunStatus(context.Background(), "missing", RunStatusFailed, nil)
	if err == nil {
		t.Fatal("expected error for missing run")
	}
}

func TestListRunsOrder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		run := testRun("deploy-web")
		run.StartedAt = time.Now().Add(time.Duration(i) * time.Minute)
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("failed to create run: %v", err)
		}
	}

	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	if !runs[0].StartedAt.After(runs[2].StartedAt) {
		t.Error("expected newest run first")
	}

	limited, err := store.ListRuns(ctx, 2, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected limit respected, got %d", len(limited))
	}
}

func TestHostRecords(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := testRun("deploy-web")
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	now := time.Now()
	for i, spec := range []struct {
		addr   string
		status HostStatus
	}{
		{"10.0.0.2", HostStatusFailed},
		{"10.0.0.1", HostStatusChanged},
	} {
		rec := &HostRecord{
			ID:         uuid.New().String(),
			RunID:      run.ID,
			HostID:     uuid.New().String(),
			Address:    spec.addr,
			Status:     spec.status,
			TasksTotal: 3,
			Detail:     "[]",
			StartedAt:  now.Add(time.Duration(i) * time.Second),
			CreatedAt:  now,
		}
		if err := store.CreateHostRecord(ctx, rec); err != nil {
			t.Fatalf("failed to create host record: %v", err)
		}
	}

	records, err := store.ListHostRecordsByRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list host records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	// Ordered by address.
	if records[0].Address != "10.0.0.1" {
		t.Errorf("expected address order, got %s first", records[0].Address)
	}
}

func TestHostRecordCascadeDelete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := testRun("deploy-web")
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	rec := &HostRecord{
		ID:        uuid.New().String(),
		RunID:     run.ID,
		HostID:    "i-0aa",
		Address:   "10.0.0.1",
		Status:    HostStatusUnchanged,
		Detail:    "[]",
		StartedAt: time.Now(),
		CreatedAt: time.Now(),
	}
	if err := store.CreateHostRecord(ctx, rec); err != nil {
		t.Fatalf("failed to create host record: %v", err)
	}

	if err := store.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}

	records, err := store.ListHostRecordsByRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list host records: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected cascade delete, got %d records", len(records))
	}
}

func TestEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := testRun("deploy-web")
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	levels := []EventLevel{EventLevelInfo, EventLevelError, EventLevelInfo}
	for i, level := range levels {
		event := &Event{
			RunID:     &run.ID,
			Level:     level,
			Stage:     "apply",
			Message:   "event",
			Timestamp: time.Now().Add(time.Duration(i) * time.Second),
		}
		if err := store.AppendEvent(ctx, event); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
		if event.ID == 0 {
			t.Error("expected event ID to be set")
		}
	}

	all, err := store.GetEvents(ctx, &run.ID, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}

	errLevel := EventLevelError
	filtered, err := store.GetEvents(ctx, &run.ID, &errLevel, 10, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(filtered) != 1 {
		t.Errorf("expected 1 error event, got %d", len(filtered))
	}
}

func TestInventoryCache(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	entry := &InventoryEntry{
		FilterKey:  "region=eu-west-1 tag:role=web",
		Provider:   "ec2",
		Hosts:      `[{"id":"i-0aa","address":"10.0.0.1"}]`,
		HostCount:  1,
		ResolvedAt: time.Now(),
	}
	if err := store.UpsertInventory(ctx, entry); err != nil {
		t.Fatalf("failed to upsert inventory: %v", err)
	}

	got, err := store.GetInventory(ctx, entry.FilterKey, time.Hour)
	if err != nil {
		t.Fatalf("failed to get inventory: %v", err)
	}
	if got == nil || got.HostCount != 1 || got.Provider != "ec2" {
		t.Errorf("unexpected entry: %+v", got)
	}

	// Refresh overwrites in place.
	entry.HostCount = 2
	entry.Hosts = `[{"id":"i-0aa"},{"id":"i-0bb"}]`
	if err := store.UpsertInventory(ctx, entry); err != nil {
		t.Fatalf("failed to refresh inventory: %v", err)
	}
	got, err = store.GetInventory(ctx, entry.FilterKey, time.Hour)
	if err != nil {
		t.Fatalf("failed to get inventory: %v", err)
	}
	if got.HostCount != 2 {
		t.Errorf("expected refreshed entry, got %+v", got)
	}
}

func TestInventoryCacheExpiry(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	entry := &InventoryEntry{
		FilterKey:  "region=eu-west-1",
		Provider:   "ec2",
		Hosts:      "[]",
		ResolvedAt: time.Now().Add(-2 * time.Hour),
	}
	if err := store.UpsertInventory(ctx, entry); err != nil {
		t.Fatalf("failed to upsert inventory: %v", err)
	}

	got, err := store.GetInventory(ctx, entry.FilterKey, time.Hour)
	if err != nil {
		t.Fatalf("failed to get inventory: %v", err)
	}
	if got != nil {
		t.Error("stale entry must be treated as a miss")
	}

	got, err = store.GetInventory(ctx, "unknown", time.Hour)
	if err != nil {
		t.Fatalf("cache miss must not be an error: %v", err)
	}
	if got != nil {
		t.Error("expected nil for unknown filter")
	}
}

func TestHealthCheck(t *testing.T) {
	store := setupTestStore(t)

	if err := store.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}
}

func TestPoolConfigHonored(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path:            filepath.Join(t.TempDir(), "test.db"),
		MaxOpenConns:    3,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if got := store.db.Stats().MaxOpenConnections; got != 3 {
		t.Errorf("MaxOpenConnections = %d, want 3", got)
	}
}

func TestPoolConfigDefaults(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if store.cfg.MaxOpenConns != 25 || store.cfg.MaxIdleConns != 5 {
		t.Errorf("unexpected pool defaults: %+v", store.cfg)
	}
	if store.cfg.ConnMaxLifetime != 5*time.Minute {
		t.Errorf("unexpected lifetime default: %s", store.cfg.ConnMaxLifetime)
	}
}
