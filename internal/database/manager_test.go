package database

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"rollcall/pkg/database"
	"rollcall/pkg/interfaces"
	"rollcall/pkg/types"
)

// Test database setup helpers
func setupTestDB(t *testing.T) *Manager {
	t.Helper()
	config := database.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "test.db")
	config.RetryDelay = 0

	manager, err := NewManager(config, nil)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

// seedClass creates teacher T1 owning class 10A with students S1..S3.
func seedClass(t *testing.T, m *Manager) {
	t.Helper()
	ctx := context.Background()
	must := func(err error) {
		if err != nil {
			t.Fatalf("Seed failed: %v", err)
		}
	}
	must(m.CreateUser(ctx, "T1", "teacher1", types.RoleTeacher))
	must(m.CreateUser(ctx, "T2", "teacher2", types.RoleTeacher))
	for _, id := range []string{"S1", "S2", "S3"} {
		must(m.CreateUser(ctx, id, "student-"+id, types.RoleStudent))
	}
	must(m.CreateClass(ctx, "10A", "Class 10A", "T1"))
	for _, id := range []string{"S1", "S2", "S3"} {
		must(m.AddStudent(ctx, "10A", id))
	}
}

// Architectural Validation Tests
func TestManager_InterfaceCompliance(t *testing.T) {
	var _ interfaces.DurableStore = &Manager{}
	var _ interfaces.Roster = &Manager{}
	var _ interfaces.PrincipalResolver = &Manager{}
}

// Functional Validation Tests - Roster
func TestManager_RosterQueries(t *testing.T) {
	manager := setupTestDB(t)
	seedClass(t, manager)
	ctx := context.Background()

	if ok, err := manager.IsTeacherOf(ctx, "10A", "T1"); err != nil || !ok {
		t.Errorf("T1 should own 10A: ok=%v err=%v", ok, err)
	}
	if ok, _ := manager.IsTeacherOf(ctx, "10A", "T2"); ok {
		t.Error("T2 should not own 10A")
	}
	if ok, _ := manager.IsMemberOf(ctx, "10A", "S2"); !ok {
		t.Error("S2 should be enrolled in 10A")
	}
	if ok, _ := manager.IsMemberOf(ctx, "10A", "S9"); ok {
		t.Error("S9 should not be enrolled")
	}

	size, err := manager.RosterSize(ctx, "10A")
	if err != nil || size != 3 {
		t.Errorf("Expected roster size 3, got %d (%v)", size, err)
	}

	members, err := manager.RosterMembers(ctx, "10A")
	if err != nil {
		t.Fatalf("RosterMembers failed: %v", err)
	}
	if len(members) != 3 || members[0] != "S1" || members[2] != "S3" {
		t.Errorf("Unexpected members: %v", members)
	}

	// Enrolling twice is a no-op.
	if err := manager.AddStudent(ctx, "10A", "S1"); err != nil {
		t.Errorf("Re-enrolling should not fail: %v", err)
	}
	if size, _ := manager.RosterSize(ctx, "10A"); size != 3 {
		t.Errorf("Expected roster size to stay 3, got %d", size)
	}
}

func TestManager_LookupPrincipal(t *testing.T) {
	manager := setupTestDB(t)
	seedClass(t, manager)
	ctx := context.Background()

	p, err := manager.LookupPrincipal(ctx, "T1")
	if err != nil {
		t.Fatalf("LookupPrincipal failed: %v", err)
	}
	if p.ID != "T1" || p.Role != types.RoleTeacher {
		t.Errorf("Unexpected principal: %+v", p)
	}

	if _, err := manager.LookupPrincipal(ctx, "ghost"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown user, got %v", err)
	}
}

// Functional Validation Tests - Commit
func TestManager_CommitAttendance(t *testing.T) {
	manager := setupTestDB(t)
	seedClass(t, manager)
	ctx := context.Background()

	commit := types.Commit{
		ClassID:     "10A",
		SessionID:   "sess-1",
		SessionTime: time.Now(),
		Records: []types.AttendanceRecord{
			{StudentID: "S1", Status: types.StatusPresent},
			{StudentID: "S2", Status: types.StatusAbsent},
			{StudentID: "S3", Status: types.StatusAbsent},
		},
	}
	if err := manager.CommitAttendance(ctx, commit); err != nil {
		t.Fatalf("CommitAttendance failed: %v", err)
	}

	records, err := manager.SessionRecords(ctx, "sess-1")
	if err != nil {
		t.Fatalf("SessionRecords failed: %v", err)
	}
	want := map[string]types.Status{"S1": types.StatusPresent, "S2": types.StatusAbsent, "S3": types.StatusAbsent}
	if len(records) != len(want) {
		t.Fatalf("Expected %d records, got %d", len(want), len(records))
	}
	for _, r := range records {
		if want[r.StudentID] != r.Status {
			t.Errorf("Student %s: expected %s, got %s", r.StudentID, want[r.StudentID], r.Status)
		}
	}
}

func TestManager_CommitAttendanceIsIdempotent(t *testing.T) {
	manager := setupTestDB(t)
	seedClass(t, manager)
	ctx := context.Background()

	commit := types.Commit{
		ClassID:     "10A",
		SessionID:   "sess-1",
		SessionTime: time.Now(),
		Records:     []types.AttendanceRecord{{StudentID: "S1", Status: types.StatusAbsent}},
	}
	if err := manager.CommitAttendance(ctx, commit); err != nil {
		t.Fatalf("First commit failed: %v", err)
	}

	commit.Records = []types.AttendanceRecord{
		{StudentID: "S1", Status: types.StatusPresent},
		{StudentID: "S2", Status: types.StatusAbsent},
	}
	if err := manager.CommitAttendance(ctx, commit); err != nil {
		t.Fatalf("Retried commit failed: %v", err)
	}

	records, _ := manager.SessionRecords(ctx, "sess-1")
	if len(records) != 2 {
		t.Fatalf("Expected 2 rows after retry, got %d", len(records))
	}
	if records[0].StudentID != "S1" || records[0].Status != types.StatusPresent {
		t.Errorf("Retry should overwrite S1, got %+v", records[0])
	}
}

func TestManager_CommitAttendanceFailureIsPersistenceFailed(t *testing.T) {
	manager := setupTestDB(t)
	seedClass(t, manager)

	// Foreign key on class_id rejects the whole transaction.
	commit := types.Commit{
		ClassID:     "no-such-class",
		SessionID:   "sess-x",
		SessionTime: time.Now(),
		Records: []types.AttendanceRecord{
			{StudentID: "S1", Status: types.StatusPresent},
		},
	}
	err := manager.CommitAttendance(context.Background(), commit)
	if !errors.Is(err, types.ErrPersistenceFailed) {
		t.Fatalf("Expected ErrPersistenceFailed, got %v", err)
	}

	records, _ := manager.SessionRecords(context.Background(), "sess-x")
	if len(records) != 0 {
		t.Errorf("Failed commit must leave no rows, got %d", len(records))
	}
}

func TestManager_ConcurrentCommits(t *testing.T) {
	manager := setupTestDB(t)
	seedClass(t, manager)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			errs <- manager.CommitAttendance(ctx, types.Commit{
				ClassID:     "10A",
				SessionID:   "sess-" + string(rune('a'+n)),
				SessionTime: time.Now(),
				Records:     []types.AttendanceRecord{{StudentID: "S1", Status: types.StatusPresent}},
			})
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Concurrent commit failed: %v", err)
		}
	}
}

// Technical Validation Tests - Lifecycle
func TestManager_HealthCheckAndClose(t *testing.T) {
	manager := setupTestDB(t)

	if err := manager.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck should pass: %v", err)
	}
	if err := manager.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := manager.Close(); err != nil {
		t.Errorf("Second Close should be a no-op: %v", err)
	}

	err := manager.CreateUser(context.Background(), "U1", "user1", types.RoleStudent)
	if !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Expected ErrManagerClosed after Close, got %v", err)
	}
}

func TestManager_MigrationsAreIdempotentAcrossRestarts(t *testing.T) {
	config := database.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "restart.db")

	first, err := NewManager(config, nil)
	if err != nil {
		t.Fatalf("First open failed: %v", err)
	}
	if err := first.CreateUser(context.Background(), "T1", "teacher1", types.RoleTeacher); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	_ = first.Close()

	second, err := NewManager(config, nil)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer func() { _ = second.Close() }()

	if _, err := second.LookupPrincipal(context.Background(), "T1"); err != nil {
		t.Errorf("Data should survive restart: %v", err)
	}
}
