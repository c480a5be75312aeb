package interfaces

import (
	"context"

	"rollcall/pkg/types"
)

// Roster answers class membership questions
// ARCHITECTURAL DISCOVERY: Class and roster CRUD live outside the coordinator;
// only these read-only queries cross the boundary
type Roster interface {
	// IsTeacherOf reports whether userID owns classID
	IsTeacherOf(ctx context.Context, classID, userID string) (bool, error)

	// IsMemberOf reports whether studentID is enrolled in classID
	IsMemberOf(ctx context.Context, classID, studentID string) (bool, error)

	// RosterSize returns the number of enrolled students
	RosterSize(ctx context.Context, classID string) (int, error)

	// RosterMembers returns the enrolled student IDs
	// FUNCTIONAL DISCOVERY: Needed at finalization to record unmarked students
	RosterMembers(ctx context.Context, classID string) ([]string, error)
}

// DurableStore persists finalized attendance
type DurableStore interface {
	// CommitAttendance writes every record of c in one transaction
	// TECHNICAL DISCOVERY: Rows are keyed by (session, student) so a retried
	// commit after a partial failure converges on the same result
	CommitAttendance(ctx context.Context, c types.Commit) error
}

// PrincipalResolver maps a verified token subject to a Principal
type PrincipalResolver interface {
	// LookupPrincipal returns types.ErrNotFound for unknown users
	LookupPrincipal(ctx context.Context, userID string) (types.Principal, error)
}
