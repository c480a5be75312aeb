package auth

import (
	"fmt"

	"rollcall/pkg/types"
)

// Authentication failures. All of them are Unauthenticated on the wire.
var (
	ErrMissingToken     = fmt.Errorf("%w: no access token provided", types.ErrUnauthenticated)
	ErrMalformedHeader  = fmt.Errorf("%w: invalid Authorization header format", types.ErrUnauthenticated)
	ErrInvalidToken     = fmt.Errorf("%w: invalid or expired token", types.ErrUnauthenticated)
	ErrMissingSubject   = fmt.Errorf("%w: token has no user id", types.ErrUnauthenticated)
	ErrUnknownPrincipal = fmt.Errorf("%w: unknown user", types.ErrUnauthenticated)
)
