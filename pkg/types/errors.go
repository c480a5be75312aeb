package types

import (
	"errors"
	"fmt"
)

// ARCHITECTURAL DISCOVERY: The coordinator's error taxonomy. Every component
// wraps one of these with %w so the wire code survives any amount of context
var (
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyOpen       = errors.New("session already open")
	ErrBadRequest        = errors.New("bad request")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrPersistenceFailed = errors.New("persistence failed")
	ErrRateLimited       = errors.New("rate limit exceeded")
)

// Fencing errors returned by the state store.
var (
	ErrOwnerMoved     = fmt.Errorf("%w: teacher attachment is held by another connection", ErrForbidden)
	ErrSessionClosing = fmt.Errorf("%w: session is being closed", ErrNotFound)
)

// Validation errors are all BadRequest.
var (
	ErrInvalidID       = fmt.Errorf("%w: id must be 1-64 characters, alphanumeric + underscore/hyphen/dot only", ErrBadRequest)
	ErrInvalidStatus   = fmt.Errorf("%w: status must be 'present' or 'absent'", ErrBadRequest)
	ErrMissingClassID  = fmt.Errorf("%w: classId is required", ErrBadRequest)
	ErrMissingStudent  = fmt.Errorf("%w: studentId is required", ErrBadRequest)
	ErrUnknownEvent    = fmt.Errorf("%w: unknown event", ErrBadRequest)
	ErrMalformedJSON   = fmt.Errorf("%w: invalid JSON format", ErrBadRequest)
	ErrPayloadTooLarge = fmt.Errorf("%w: event exceeds 64KB limit", ErrBadRequest)
)

// Wire codes, one per taxonomy entry.
const (
	CodeUnauthenticated   = "Unauthenticated"
	CodeForbidden         = "Forbidden"
	CodeNotFound          = "NotFound"
	CodeAlreadyOpen       = "AlreadyOpen"
	CodeBadRequest        = "BadRequest"
	CodeStoreUnavailable  = "StoreUnavailable"
	CodePersistenceFailed = "PersistenceFailed"
	CodeRateLimited       = "RateLimited"
	CodeInternal          = "Internal"
)

// ErrorCode maps a (possibly wrapped) error to its wire code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrAlreadyOpen):
		return CodeAlreadyOpen
	case errors.Is(err, ErrBadRequest):
		return CodeBadRequest
	case errors.Is(err, ErrPersistenceFailed):
		return CodePersistenceFailed
	case errors.Is(err, ErrStoreUnavailable):
		return CodeStoreUnavailable
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	default:
		return CodeInternal
	}
}

// NewErrorMessage builds the private ERROR reply for err.
func NewErrorMessage(classID string, err error) Outbound {
	return Outbound{
		Event:   EventError,
		ClassID: classID,
		Error: &ErrorPayload{
			Code:    ErrorCode(err),
			Message: err.Error(),
		},
	}
}
