package guard

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/vantage-api/vantage/internal/auth"
	"github.com/vantage-api/vantage/internal/authz"
)

// RateLimitGuard checks a fixed-window limiter keyed by the request's source
// address before anything else runs. Denials carry the retry hint; limiter
// backend failures surface as internal errors rather than silently admitting
// traffic.
type RateLimitGuard struct {
	Limiter *auth.Limiter
	KeyFunc func(r *http.Request) string
}

// Name implements Guard.
func (g RateLimitGuard) Name() string { return "rate_limit" }

// Evaluate implements Guard.
func (g RateLimitGuard) Evaluate(ctx context.Context, r *http.Request) (context.Context, error) {
	decision, err := g.Limiter.Check(ctx, g.KeyFunc(r))
	if err != nil {
		return ctx, err
	}
	if !decision.Allowed {
		return ctx, &Rejection{
			Status:     http.StatusTooManyRequests,
			Title:      "Rate Limited",
			Code:       "rate_limited",
			RetryAfter: decision.RetryAfter,
		}
	}
	return ctx, nil
}

// AuthenticateGuard resolves the bearer access token into a Principal. The
// token is validated statelessly; permission overrides are read live from the
// store on every request so admin edits apply immediately, not at next login.
type AuthenticateGuard struct {
	Tokens    *auth.TokenService
	Overrides authz.OverrideSource
}

// Name implements Guard.
func (g AuthenticateGuard) Name() string { return "authenticate" }

// Evaluate implements Guard.
func (g AuthenticateGuard) Evaluate(ctx context.Context, r *http.Request) (context.Context, error) {
	token, ok := BearerToken(r)
	if !ok {
		return ctx, unauthorized("unauthorized")
	}
	claims, err := g.Tokens.ValidateAccess(token)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			return ctx, unauthorized("expired")
		}
		return ctx, unauthorized("unauthorized")
	}
	role, err := authz.ParseRole(claims.Role)
	if err != nil {
		return ctx, unauthorized("unauthorized")
	}

	overrides, err := g.Overrides.Overrides(ctx, claims.UserID)
	if err != nil {
		return ctx, err
	}

	principal := authz.Principal{
		UserID:  claims.UserID,
		Role:    role,
		Granted: overrides.Granted,
		Denied:  overrides.Denied,
	}
	return authz.ContextWithPrincipal(ctx, principal), nil
}

// AuthorizeGuard runs the decision engine against an endpoint-declared
// requirement. It must be chained after AuthenticateGuard.
type AuthorizeGuard struct {
	Engine      *authz.Engine
	Requirement authz.Requirement
}

// Name implements Guard.
func (g AuthorizeGuard) Name() string { return "authorize" }

// Evaluate implements Guard.
func (g AuthorizeGuard) Evaluate(ctx context.Context, r *http.Request) (context.Context, error) {
	principal, ok := authz.PrincipalFromContext(ctx)
	if !ok {
		return ctx, unauthorized("unauthorized")
	}
	decision := g.Engine.Decide(principal, g.Requirement)
	if !decision.Allowed {
		return ctx, &Rejection{
			Status: http.StatusForbidden,
			Title:  "Forbidden",
			Code:   "forbidden",
			Detail: string(decision.Reason),
		}
	}
	return ctx, nil
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	value := r.Header.Get("Authorization")
	if !strings.HasPrefix(value, prefix) {
		return "", false
	}
	token := value[len(prefix):]
	return token, token != ""
}

func unauthorized(code string) *Rejection {
	return &Rejection{
		Status: http.StatusUnauthorized,
		Title:  "Unauthorized",
		Code:   code,
	}
}
