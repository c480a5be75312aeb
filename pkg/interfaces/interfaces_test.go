package interfaces_test

import (
	"context"
	"testing"
	"time"

	"rollcall/pkg/interfaces"
	"rollcall/pkg/types"
)

// Mock implementations for testing

type mockConnection struct{}

func (m *mockConnection) ID() string                 { return "c1" }
func (m *mockConnection) Principal() types.Principal { return types.Principal{} }
func (m *mockConnection) WriteJSON(v any) error      { return nil }
func (m *mockConnection) Close() error               { return nil }

type mockRoster struct{}

func (m *mockRoster) IsTeacherOf(ctx context.Context, classID, userID string) (bool, error) {
	return false, nil
}
func (m *mockRoster) IsMemberOf(ctx context.Context, classID, studentID string) (bool, error) {
	return false, nil
}
func (m *mockRoster) RosterSize(ctx context.Context, classID string) (int, error) { return 0, nil }
func (m *mockRoster) RosterMembers(ctx context.Context, classID string) ([]string, error) {
	return nil, nil
}

type mockDurable struct{}

func (m *mockDurable) CommitAttendance(ctx context.Context, c types.Commit) error { return nil }
func (m *mockDurable) LookupPrincipal(ctx context.Context, userID string) (types.Principal, error) {
	return types.Principal{}, types.ErrNotFound
}

type mockStore struct{}

func (m *mockStore) OpenSession(ctx context.Context, s types.Session) error { return nil }
func (m *mockStore) GetSession(ctx context.Context, classID string) (*types.Session, error) {
	return nil, types.ErrNotFound
}
func (m *mockStore) ClaimOwner(ctx context.Context, classID, sessionID string, owner types.OwnerRef) (types.OwnerRef, error) {
	return types.OwnerRef{}, types.ErrNotFound
}
func (m *mockStore) UpsertMark(ctx context.Context, classID string, fence types.Fence, mark types.AttendanceMark) error {
	return nil
}
func (m *mockStore) GetMark(ctx context.Context, classID, studentID string) (types.AttendanceMark, bool, error) {
	return types.AttendanceMark{}, false, nil
}
func (m *mockStore) GetAllMarks(ctx context.Context, classID string) (types.FinalAttendanceMap, error) {
	return types.FinalAttendanceMap{}, nil
}
func (m *mockStore) BeginClose(ctx context.Context, classID, sessionID, token string, lease time.Duration) error {
	return nil
}
func (m *mockStore) AbortClose(ctx context.Context, classID, token string) error { return nil }
func (m *mockStore) ClearSession(ctx context.Context, classID, sessionID, token string) error {
	return nil
}
func (m *mockStore) ListSessions(ctx context.Context) ([]types.Session, error) {
	return nil, nil
}
func (m *mockStore) HealthCheck(ctx context.Context) error { return nil }

type mockSubscription struct{ ch chan types.BusMessage }

func (m *mockSubscription) Messages() <-chan types.BusMessage { return m.ch }
func (m *mockSubscription) Close() error                      { close(m.ch); return nil }

type mockBus struct{}

func (m *mockBus) Publish(ctx context.Context, msg types.BusMessage) error { return nil }
func (m *mockBus) Subscribe(ctx context.Context) (interfaces.Subscription, error) {
	return &mockSubscription{ch: make(chan types.BusMessage)}, nil
}

// Architectural Validation Tests - Ensure interfaces are properly defined

func TestInterfaces_ArchitecturalCompliance(t *testing.T) {
	var _ interfaces.Connection = &mockConnection{}
	var _ interfaces.Roster = &mockRoster{}
	var _ interfaces.DurableStore = &mockDurable{}
	var _ interfaces.PrincipalResolver = &mockDurable{}
	var _ interfaces.StateStore = &mockStore{}
	var _ interfaces.Bus = &mockBus{}
}

func TestStateStore_InterfaceContract(t *testing.T) {
	var store interfaces.StateStore = &mockStore{}
	ctx := context.Background()

	if _, err := store.GetSession(ctx, "10A"); err != types.ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, ok, err := store.GetMark(ctx, "10A", "S1"); ok || err != nil {
		t.Errorf("Expected unmarked, got ok=%v err=%v", ok, err)
	}
}

func TestBus_SubscriptionClose(t *testing.T) {
	var bus interfaces.Bus = &mockBus{}

	sub, err := bus.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, open := <-sub.Messages(); open {
		t.Error("Messages channel should be closed after Close")
	}
}
