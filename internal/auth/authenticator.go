// Package auth turns the credential presented at connection handshake into
// a Principal. Tokens are issued elsewhere; this package only validates them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"rollcall/pkg/interfaces"
	"rollcall/pkg/types"
)

// Authenticator validates HMAC-signed access tokens.
type Authenticator struct {
	secret   []byte
	leeway   time.Duration
	resolver interfaces.PrincipalResolver
	logger   *slog.Logger
}

// NewAuthenticator creates an Authenticator. A nil logger discards output.
func NewAuthenticator(secret []byte, leeway time.Duration, resolver interfaces.PrincipalResolver, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Authenticator{
		secret:   secret,
		leeway:   leeway,
		resolver: resolver,
		logger:   logger,
	}
}

// TokenFromRequest extracts the credential: the "token" query parameter
// first, then an "Authorization: Bearer" header.
// FUNCTIONAL DISCOVERY: Browsers cannot set headers on websocket handshakes,
// so the query parameter takes precedence
func TokenFromRequest(r *http.Request) (string, error) {
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMalformedHeader
	}
	return strings.TrimSpace(token), nil
}

// Authenticate validates the request's credential and resolves its Principal.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (types.Principal, error) {
	token, err := TokenFromRequest(r)
	if err != nil {
		return types.Principal{}, err
	}
	return a.AuthenticateToken(ctx, token)
}

// AuthenticateToken validates token and resolves its Principal.
func (a *Authenticator) AuthenticateToken(ctx context.Context, token string) (types.Principal, error) {
	subject, err := a.VerifyToken(token)
	if err != nil {
		return types.Principal{}, err
	}

	principal, err := a.resolver.LookupPrincipal(ctx, subject)
	if errors.Is(err, types.ErrNotFound) {
		a.logger.Info("token subject not found", "user_id", subject)
		return types.Principal{}, ErrUnknownPrincipal
	}
	if err != nil {
		return types.Principal{}, fmt.Errorf("resolve principal %s: %w", subject, err)
	}
	return principal, nil
}

// VerifyToken checks signature and expiry and returns the user id subject.
func (a *Authenticator) VerifyToken(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	},
		jwt.WithLeeway(a.leeway),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		a.logger.Debug("token rejected", "error", err)
		return "", ErrInvalidToken
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	return subjectFromClaims(claims)
}

// subjectFromClaims reads user_id (string or number), falling back to sub.
func subjectFromClaims(claims jwt.MapClaims) (string, error) {
	switch v := claims["user_id"].(type) {
	case string:
		if v != "" {
			return v, nil
		}
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10), nil
		}
		return "", ErrMissingSubject
	}

	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, nil
	}
	return "", ErrMissingSubject
}
