package session

import (
	"fmt"

	"rollcall/pkg/types"
)

// Session registry errors
var (
	ErrSessionNotOpen = fmt.Errorf("%w: no open session for class", types.ErrNotFound)
	ErrNotOwner       = fmt.Errorf("%w: only the owning teacher may do this", types.ErrForbidden)
	ErrNotOnRoster    = fmt.Errorf("%w: not enrolled in this class", types.ErrForbidden)
	ErrNotTeacher     = fmt.Errorf("%w: only teachers may open sessions", types.ErrForbidden)
)
