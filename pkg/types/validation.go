package types

import (
	"regexp"
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
// for high-frequency validation on every inbound event
var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// MaxEventBytes is the largest inbound frame the read loop accepts.
const MaxEventBytes = 64 * 1024

// IsValidID checks if a class, student or user ID meets format requirements.
func IsValidID(id string) bool {
	if len(id) < 1 || len(id) > 64 {
		return false
	}
	return idRegex.MatchString(id)
}

// Validate checks that data carries the fields event requires and
// normalizes the status spelling.
func (d *EventData) Validate(event string) error {
	if d.ClassID == "" {
		return ErrMissingClassID
	}
	if !IsValidID(d.ClassID.String()) {
		return ErrInvalidID
	}

	switch event {
	case EventMark:
		if d.StudentID == "" {
			return ErrMissingStudent
		}
		if !IsValidID(d.StudentID.String()) {
			return ErrInvalidID
		}
		status, ok := ParseStatus(d.Status)
		if !ok {
			return ErrInvalidStatus
		}
		d.Status = string(status)
	case EventSummary, EventMyAttendance, EventDone, EventStartSession, EventJoin, EventLeave:
	default:
		return ErrUnknownEvent
	}
	return nil
}

// IsInboundEvent reports whether event is accepted from clients.
func IsInboundEvent(event string) bool {
	switch event {
	case EventMark,
		EventSummary,
		EventMyAttendance,
		EventDone,
		EventStartSession,
		EventJoin,
		EventLeave:
		return true
	default:
		return false
	}
}
