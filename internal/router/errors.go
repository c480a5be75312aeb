package router

import (
	"fmt"

	"rollcall/pkg/types"
)

// Router-specific errors, each wrapping its wire code
var (
	ErrRateLimitExceeded  = fmt.Errorf("%w: too many events, slow down", types.ErrRateLimited)
	ErrTeacherOnly        = fmt.Errorf("%w: only the class teacher may send this event", types.ErrForbidden)
	ErrStudentOnly        = fmt.Errorf("%w: only students may request their own attendance", types.ErrForbidden)
	ErrNotEnrolled        = fmt.Errorf("%w: not enrolled in this class", types.ErrForbidden)
	ErrNotTeacherAttached = fmt.Errorf("%w: connection is not attached as this class's teacher", types.ErrForbidden)
	ErrStudentNotOnRoster = fmt.Errorf("%w: student is not on the class roster", types.ErrBadRequest)
)
