package types

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Inbound event names. The wire names are shared with existing web clients.
const (
	EventMark         = "ATTENDANCE_MARKED"
	EventSummary      = "TODAY_SUMMARY"
	EventMyAttendance = "MY_ATTENDANCE"
	EventDone         = "DONE"
	EventStartSession = "START_SESSION"
	EventJoin         = "JOIN"
	EventLeave        = "LEAVE"
)

// Outbound-only event names.
const (
	EventConnected     = "CONNECTED"
	EventError         = "ERROR"
	EventSummaryUpdate = "SUMMARY"
	EventSessionEnded  = "SESSION_ENDED"
	EventDetached      = "DETACHED"
)

// Role is the coarse authorization role carried by a Principal.
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
	RoleAdmin   Role = "admin"
)

// ParseRole accepts the stored role spelling in any case ("TEACHER", "teacher").
func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleTeacher:
		return RoleTeacher, true
	case RoleStudent:
		return RoleStudent, true
	case RoleAdmin:
		return RoleAdmin, true
	default:
		return "", false
	}
}

// Principal is the authenticated identity bound to a connection.
// FUNCTIONAL DISCOVERY: Derived once at handshake and never mutated afterwards
type Principal struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Status is a student's attendance status within a session.
type Status string

const (
	StatusPresent  Status = "present"
	StatusAbsent   Status = "absent"
	StatusUnmarked Status = "unmarked"
)

// ParseStatus accepts only markable statuses; "unmarked" is never a valid mark.
func ParseStatus(s string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusPresent:
		return StatusPresent, true
	case StatusAbsent:
		return StatusAbsent, true
	default:
		return "", false
	}
}

// Session is the ephemeral record of an open attendance session.
// A session is open exactly while this record exists in the state store.
type Session struct {
	ClassID   string    `json:"classId" cbor:"1,keyasint"`
	SessionID string    `json:"sessionId" cbor:"2,keyasint"`
	OwnerID   string    `json:"ownerId" cbor:"3,keyasint"`
	StartedAt time.Time `json:"startedAt" cbor:"4,keyasint"`

	// OwnerConn and OwnerInstance name the connection holding the teacher
	// attachment across all instances. Empty until the owner attaches.
	OwnerConn     string `json:"ownerConnection,omitempty" cbor:"5,keyasint,omitempty"`
	OwnerInstance string `json:"ownerInstance,omitempty" cbor:"6,keyasint,omitempty"`
}

// OwnerRef identifies one connection on one coordinator instance.
type OwnerRef struct {
	Instance string
	Conn     string
}

// Fence pins a mark to one session incarnation and its current teacher
// attachment. The state store refuses the write if either has moved on.
type Fence struct {
	SessionID string
	OwnerConn string
}

// AttendanceMark is one student's latest mark inside an open session.
// FUNCTIONAL DISCOVERY: Last write wins; a repeated mark only moves UpdatedAt
type AttendanceMark struct {
	StudentID string    `json:"studentId" cbor:"1,keyasint"`
	Status    Status    `json:"status" cbor:"2,keyasint"`
	UpdatedAt time.Time `json:"updatedAt" cbor:"3,keyasint"`
	UpdatedBy string    `json:"updatedBy" cbor:"4,keyasint"`
}

// FinalAttendanceMap is the full ephemeral mark set handed to finalization.
type FinalAttendanceMap map[string]AttendanceMark

// SessionSummary is derived from the mark set on demand and never stored.
type SessionSummary struct {
	PresentCount int `json:"presentCount" cbor:"1,keyasint"`
	AbsentCount  int `json:"absentCount" cbor:"2,keyasint"`
	TotalMarked  int `json:"totalMarked" cbor:"3,keyasint"`
	TotalRoster  int `json:"totalRoster" cbor:"4,keyasint"`
}

// Summarize counts marks by status.
func Summarize(marks map[string]AttendanceMark, rosterSize int) SessionSummary {
	summary := SessionSummary{TotalRoster: rosterSize}
	for _, mark := range marks {
		switch mark.Status {
		case StatusPresent:
			summary.PresentCount++
		case StatusAbsent:
			summary.AbsentCount++
		}
	}
	summary.TotalMarked = summary.PresentCount + summary.AbsentCount
	return summary
}

// AttendanceRecord is one durable row written at finalization.
type AttendanceRecord struct {
	StudentID string `json:"studentId"`
	Status    Status `json:"status"`
}

// Commit is the batch handed to the durable store in one transaction.
type Commit struct {
	ClassID     string
	SessionID   string
	SessionTime time.Time
	Records     []AttendanceRecord
}

// FinalReport describes a finalized session.
type FinalReport struct {
	ClassID     string         `json:"classId" cbor:"1,keyasint"`
	SessionID   string         `json:"sessionId" cbor:"2,keyasint"`
	SessionTime time.Time      `json:"sessionTime" cbor:"3,keyasint"`
	Recorded    int            `json:"recorded" cbor:"4,keyasint"`
	Summary     SessionSummary `json:"summary" cbor:"5,keyasint"`
}

// FlexID is an identifier that clients may send as a JSON string or number.
type FlexID string

// UnmarshalJSON accepts "10A", 10, or null.
func (f *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return ErrInvalidID
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return ErrInvalidID
	}
	*f = FlexID(n.String())
	return nil
}

// String returns the normalized identifier.
func (f FlexID) String() string { return string(f) }

// Envelope is the inbound message shape.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// EventData carries the kind-specific fields of every inbound event.
// ARCHITECTURAL DISCOVERY: One struct for all kinds; Validate enforces
// which fields each kind requires
type EventData struct {
	ClassID   FlexID `json:"classId"`
	StudentID FlexID `json:"studentId,omitempty"`
	Status    string `json:"status,omitempty"`
}

// Outbound is every message written to a client connection.
type Outbound struct {
	Event   string          `json:"event"`
	ClassID string          `json:"classId,omitempty"`
	Result  any             `json:"result,omitempty"`
	Summary *SessionSummary `json:"summary,omitempty"`
	Error   *ErrorPayload   `json:"error,omitempty"`
	Time    time.Time       `json:"timestamp"`
}

// ErrorPayload is the private error body sent to the originating connection.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConnectedInfo is the result of the CONNECTED greeting.
type ConnectedInfo struct {
	UserID       string `json:"userId"`
	Role         Role   `json:"role"`
	ConnectionID string `json:"connectionId"`
}

// SelfStatus is the reply to MY_ATTENDANCE.
type SelfStatus struct {
	StudentID string     `json:"studentId"`
	Status    Status     `json:"status"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// Bus message kinds.
const (
	BusSummary       = "summary"
	BusSessionEnded  = "session_ended"
	BusOwnerReplaced = "owner_replaced"
)

// BusMessage is the payload carried on the fan-out bus between instances.
// TECHNICAL DISCOVERY: Kept as typed data rather than pre-rendered JSON so each
// instance stamps its own delivery time
type BusMessage struct {
	Kind    string          `cbor:"1,keyasint"`
	ClassID string          `cbor:"2,keyasint"`
	Summary *SessionSummary `cbor:"3,keyasint,omitempty"`
	Report  *FinalReport    `cbor:"4,keyasint,omitempty"`
	Origin  string          `cbor:"5,keyasint,omitempty"`

	// SessionID scopes the message to one session incarnation of the class.
	SessionID string `cbor:"6,keyasint,omitempty"`
	// ConnID is the displaced teacher connection of an owner_replaced message.
	ConnID string `cbor:"7,keyasint,omitempty"`
}

// NewDetachedMessage tells a teacher connection another connection took over classID.
func NewDetachedMessage(classID string, now time.Time) Outbound {
	return Outbound{
		Event:   EventDetached,
		ClassID: classID,
		Result:  map[string]string{"reason": "replaced by a newer connection"},
		Time:    now,
	}
}
