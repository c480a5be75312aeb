// Package markstore holds open attendance sessions and their marks in the
// fast shared store. Redis backs multi-instance deployments; the in-memory
// store serves single-node runs and tests.
package markstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"rollcall/pkg/types"
)

// memorySession is one open session with its marks and close fence.
type memorySession struct {
	session      types.Session
	marks        map[string]types.AttendanceMark
	closing      string
	closingUntil time.Time
}

// fence returns the active close token, or "" once the lease has lapsed.
func (s *memorySession) fence(now time.Time) string {
	if s.closing != "" && now.Before(s.closingUntil) {
		return s.closing
	}
	return ""
}

// MemoryStore is a process-local StateStore.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*memorySession),
		now:      time.Now,
	}
}

// lookup returns classID's entry if it is sessionID's incarnation. Caller holds m.mu.
func (m *MemoryStore) lookup(classID, sessionID string) (*memorySession, bool) {
	entry, ok := m.sessions[classID]
	if !ok || entry.session.SessionID != sessionID {
		return nil, false
	}
	return entry, true
}

// OpenSession records s unless the class already has an open session.
func (m *MemoryStore) OpenSession(ctx context.Context, s types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.ClassID]; exists {
		return types.ErrAlreadyOpen
	}
	m.sessions[s.ClassID] = &memorySession{
		session: s,
		marks:   make(map[string]types.AttendanceMark),
	}
	return nil
}

// GetSession returns the open session for classID.
func (m *MemoryStore) GetSession(ctx context.Context, classID string) (*types.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.sessions[classID]
	if !exists {
		return nil, types.ErrNotFound
	}
	s := entry.session
	return &s, nil
}

// ClaimOwner moves the teacher attachment to owner.
func (m *MemoryStore) ClaimOwner(ctx context.Context, classID, sessionID string, owner types.OwnerRef) (types.OwnerRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.lookup(classID, sessionID)
	if !ok {
		return types.OwnerRef{}, types.ErrNotFound
	}
	if entry.fence(m.now()) != "" {
		return types.OwnerRef{}, types.ErrSessionClosing
	}
	prev := types.OwnerRef{Instance: entry.session.OwnerInstance, Conn: entry.session.OwnerConn}
	entry.session.OwnerInstance = owner.Instance
	entry.session.OwnerConn = owner.Conn
	return prev, nil
}

// UpsertMark replaces the student's mark.
func (m *MemoryStore) UpsertMark(ctx context.Context, classID string, fence types.Fence, mark types.AttendanceMark) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.lookup(classID, fence.SessionID)
	if !ok {
		return types.ErrNotFound
	}
	if entry.fence(m.now()) != "" {
		return types.ErrSessionClosing
	}
	if entry.session.OwnerConn != fence.OwnerConn {
		return types.ErrOwnerMoved
	}
	entry.marks[mark.StudentID] = mark
	return nil
}

// GetMark returns the student's mark if one exists.
func (m *MemoryStore) GetMark(ctx context.Context, classID, studentID string) (types.AttendanceMark, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.sessions[classID]
	if !exists {
		return types.AttendanceMark{}, false, nil
	}
	mark, ok := entry.marks[studentID]
	return mark, ok, nil
}

// GetAllMarks returns a copy of every mark in the session.
func (m *MemoryStore) GetAllMarks(ctx context.Context, classID string) (types.FinalAttendanceMap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(types.FinalAttendanceMap)
	if entry, exists := m.sessions[classID]; exists {
		for id, mark := range entry.marks {
			result[id] = mark
		}
	}
	return result, nil
}

// BeginClose takes the close fence for token.
func (m *MemoryStore) BeginClose(ctx context.Context, classID, sessionID, token string, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.lookup(classID, sessionID)
	if !ok {
		return types.ErrNotFound
	}
	now := m.now()
	if held := entry.fence(now); held != "" && held != token {
		return types.ErrSessionClosing
	}
	entry.closing = token
	entry.closingUntil = now.Add(lease)
	return nil
}

// AbortClose releases token's fence.
func (m *MemoryStore) AbortClose(ctx context.Context, classID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.sessions[classID]; ok && entry.closing == token {
		entry.closing = ""
		entry.closingUntil = time.Time{}
	}
	return nil
}

// ClearSession removes the session and its marks.
func (m *MemoryStore) ClearSession(ctx context.Context, classID, sessionID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.lookup(classID, sessionID)
	if !ok {
		return types.ErrNotFound
	}
	if entry.fence(m.now()) != token {
		return types.ErrSessionClosing
	}
	delete(m.sessions, classID)
	return nil
}

// ListSessions returns open sessions ordered by class ID.
func (m *MemoryStore) ListSessions(ctx context.Context) ([]types.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]types.Session, 0, len(m.sessions))
	for _, entry := range m.sessions {
		sessions = append(sessions, entry.session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ClassID < sessions[j].ClassID
	})
	return sessions, nil
}

// HealthCheck always succeeds.
func (m *MemoryStore) HealthCheck(ctx context.Context) error {
	return nil
}
