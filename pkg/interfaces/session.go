package interfaces

import (
	"context"
	"time"

	"rollcall/pkg/types"
)

// StateStore is the fast shared keyed store holding open sessions and marks
// ARCHITECTURAL DISCOVERY: Shared by every coordinator instance, so "at most
// one open session per class" is enforced here and not in process memory
type StateStore interface {
	// OpenSession records s, or fails with types.ErrAlreadyOpen
	OpenSession(ctx context.Context, s types.Session) error

	// GetSession returns the open session or types.ErrNotFound
	GetSession(ctx context.Context, classID string) (*types.Session, error)

	// ClaimOwner records owner as the session's teacher attachment and returns
	// the previous holder. types.ErrNotFound unless sessionID is open and not closing
	ClaimOwner(ctx context.Context, classID, sessionID string, owner types.OwnerRef) (types.OwnerRef, error)

	// UpsertMark stores mark if fence still matches the open session;
	// types.ErrNotFound once the session is gone or closing, types.ErrOwnerMoved
	// when another connection holds the teacher attachment
	UpsertMark(ctx context.Context, classID string, fence types.Fence, mark types.AttendanceMark) error

	// GetMark returns the student's mark; ok is false when unmarked
	GetMark(ctx context.Context, classID, studentID string) (mark types.AttendanceMark, ok bool, err error)

	// GetAllMarks returns every mark of the open session
	GetAllMarks(ctx context.Context, classID string) (types.FinalAttendanceMap, error)

	// BeginClose fences sessionID against further marks and attachments for
	// lease. Only one token holds the fence at a time; others get
	// types.ErrSessionClosing
	BeginClose(ctx context.Context, classID, sessionID, token string, lease time.Duration) error

	// AbortClose lifts the fence if token still holds it
	AbortClose(ctx context.Context, classID, token string) error

	// ClearSession removes the session record and all of its marks, only if
	// sessionID is still open and token holds the close fence
	ClearSession(ctx context.Context, classID, sessionID, token string) error

	// ListSessions returns every open session
	ListSessions(ctx context.Context) ([]types.Session, error)

	// HealthCheck verifies the store is reachable
	HealthCheck(ctx context.Context) error
}

// Subscription delivers bus messages until closed
type Subscription interface {
	Messages() <-chan types.BusMessage
	Close() error
}

// Bus is the fan-out channel between coordinator instances
// FUNCTIONAL DISCOVERY: Publish reaches every subscribed instance including
// the publisher, so local and remote viewers follow one delivery path
type Bus interface {
	Publish(ctx context.Context, msg types.BusMessage) error

	// Subscribe returns once the subscription is live
	Subscribe(ctx context.Context) (Subscription, error)
}
