package guard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantage-api/vantage/internal/auth"
	"github.com/vantage-api/vantage/internal/authz"
	"github.com/vantage-api/vantage/internal/platform/httpx"
)

// ============================================================================
// TEST DOUBLES
// ============================================================================

type fakeGuard struct {
	name   string
	err    error
	ctxKey any
	ctxVal any
	calls  *[]string
}

func (g fakeGuard) Name() string { return g.name }

func (g fakeGuard) Evaluate(ctx context.Context, r *http.Request) (context.Context, error) {
	if g.calls != nil {
		*g.calls = append(*g.calls, g.name)
	}
	if g.err != nil {
		return ctx, g.err
	}
	if g.ctxKey != nil {
		return context.WithValue(ctx, g.ctxKey, g.ctxVal), nil
	}
	return ctx, nil
}

type memorySessionStore struct {
	sessions map[string]*auth.Session
}

func (m *memorySessionStore) Create(ctx context.Context, sess *auth.Session) error {
	m.sessions[sess.ID] = sess
	return nil
}

func (m *memorySessionStore) Get(ctx context.Context, id string) (*auth.Session, error) {
	sess, ok := m.sessions[id]
	if !ok {
		return nil, auth.ErrSessionNotFound
	}
	return sess, nil
}

func (m *memorySessionStore) Rotate(ctx context.Context, oldID string, next *auth.Session) (bool, error) {
	return false, nil
}

func (m *memorySessionStore) Revoke(ctx context.Context, id string) (bool, error) { return false, nil }
func (m *memorySessionStore) RevokeFamily(ctx context.Context, familyID string) error {
	return nil
}
func (m *memorySessionStore) RevokeAllForUser(ctx context.Context, userID int64) error { return nil }
func (m *memorySessionStore) HasSuccessor(ctx context.Context, id string) (bool, error) {
	return false, nil
}

type staticVerifier struct {
	identity auth.Identity
}

func (s staticVerifier) Verify(ctx context.Context, identifier, password string) (auth.Identity, error) {
	return s.identity, nil
}

type staticOverrides struct {
	overrides authz.Overrides
	err       error
}

func (s staticOverrides) Overrides(ctx context.Context, userID int64) (authz.Overrides, error) {
	if s.err != nil {
		return authz.Overrides{}, s.err
	}
	return s.overrides, nil
}

func newGuardTokenService(role authz.Role) *auth.TokenService {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := &memorySessionStore{sessions: make(map[string]*auth.Session)}
	return auth.NewTokenService(store, staticVerifier{identity: auth.Identity{UserID: 42, Role: role}},
		nil, logger, auth.TokenConfig{
			Secret:     []byte("guard-test-secret-guard-test-secret"),
			Issuer:     "vantage-test",
			AccessTTL:  15 * time.Minute,
			RefreshTTL: time.Hour,
		})
}

func decodeProblem(t *testing.T, rr *httptest.ResponseRecorder) httpx.ProblemDetail {
	t.Helper()
	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &problem))
	return problem
}

// ============================================================================
// CHAIN
// ============================================================================

func TestChainRunsGuardsInOrder(t *testing.T) {
	var calls []string
	handlerRan := false

	handler := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerRan = true
		w.WriteHeader(http.StatusOK)
	}),
		fakeGuard{name: "first", calls: &calls},
		fakeGuard{name: "second", calls: &calls},
	)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.True(t, handlerRan)
	assert.Equal(t, []string{"first", "second"}, calls)
}

func TestChainShortCircuitsOnRejection(t *testing.T) {
	var calls []string
	handlerRan := false

	handler := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerRan = true
	}),
		fakeGuard{name: "first", calls: &calls, err: &Rejection{
			Status: http.StatusTooManyRequests,
			Title:  "Rate Limited",
			Code:   "rate_limited",
		}},
		fakeGuard{name: "second", calls: &calls},
	)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.False(t, handlerRan)
	assert.Equal(t, []string{"first"}, calls)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "rate_limited", decodeProblem(t, rr).Code)
}

type chainCtxKey struct{}

func TestChainThreadsContextToHandler(t *testing.T) {
	var seen any
	handler := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Context().Value(chainCtxKey{})
	}),
		fakeGuard{name: "enrich", ctxKey: chainCtxKey{}, ctxVal: "threaded"},
	)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "threaded", seen)
}

func TestWriteRejection(t *testing.T) {
	t.Run("rejection with retry hint", func(t *testing.T) {
		rr := httptest.NewRecorder()
		WriteRejection(rr, &Rejection{
			Status:     http.StatusTooManyRequests,
			Title:      "Rate Limited",
			Code:       "rate_limited",
			RetryAfter: 42 * time.Second,
		})
		assert.Equal(t, http.StatusTooManyRequests, rr.Code)
		assert.Equal(t, "42", rr.Header().Get("Retry-After"))
		assert.Equal(t, "rate_limited", decodeProblem(t, rr).Code)
	})

	t.Run("sub-second retry rounds up", func(t *testing.T) {
		rr := httptest.NewRecorder()
		WriteRejection(rr, &Rejection{
			Status:     http.StatusTooManyRequests,
			Title:      "Rate Limited",
			Code:       "rate_limited",
			RetryAfter: 200 * time.Millisecond,
		})
		assert.Equal(t, "1", rr.Header().Get("Retry-After"))
	})

	t.Run("unexpected error hides detail", func(t *testing.T) {
		rr := httptest.NewRecorder()
		WriteRejection(rr, errors.New("pg: connection refused"))
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.NotContains(t, rr.Body.String(), "connection refused")
	})
}

// ============================================================================
// AUTHENTICATE
// ============================================================================

func TestAuthenticateGuard(t *testing.T) {
	tokens := newGuardTokenService(authz.RoleAdmin)
	pair, err := tokens.Login(context.Background(), "admin@vantage.local", "secret")
	require.NoError(t, err)

	t.Run("valid token yields principal with live overrides", func(t *testing.T) {
		g := AuthenticateGuard{Tokens: tokens, Overrides: staticOverrides{overrides: authz.Overrides{
			Granted: authz.NewPermissionSet(authz.PermManageUserPermissions),
			Denied:  authz.NewPermissionSet(authz.PermViewUser),
		}}}

		req := httptest.NewRequest(http.MethodGet, "/users", nil)
		req.Header.Set("Authorization", "Bearer "+pair.AccessToken)

		ctx, err := g.Evaluate(req.Context(), req)
		require.NoError(t, err)

		principal, ok := authz.PrincipalFromContext(ctx)
		require.True(t, ok)
		assert.Equal(t, int64(42), principal.UserID)
		assert.Equal(t, authz.RoleAdmin, principal.Role)
		assert.True(t, principal.Granted.Has(authz.PermManageUserPermissions))
		assert.True(t, principal.Denied.Has(authz.PermViewUser))
	})

	t.Run("missing header", func(t *testing.T) {
		g := AuthenticateGuard{Tokens: tokens, Overrides: staticOverrides{}}
		req := httptest.NewRequest(http.MethodGet, "/users", nil)

		_, err := g.Evaluate(req.Context(), req)
		var rej *Rejection
		require.ErrorAs(t, err, &rej)
		assert.Equal(t, http.StatusUnauthorized, rej.Status)
		assert.Equal(t, "unauthorized", rej.Code)
	})

	t.Run("garbage token", func(t *testing.T) {
		g := AuthenticateGuard{Tokens: tokens, Overrides: staticOverrides{}}
		req := httptest.NewRequest(http.MethodGet, "/users", nil)
		req.Header.Set("Authorization", "Bearer not-a-jwt")

		_, err := g.Evaluate(req.Context(), req)
		var rej *Rejection
		require.ErrorAs(t, err, &rej)
		assert.Equal(t, http.StatusUnauthorized, rej.Status)
	})

	t.Run("override lookup failure is not a rejection", func(t *testing.T) {
		g := AuthenticateGuard{Tokens: tokens, Overrides: staticOverrides{err: errors.New("pg down")}}
		req := httptest.NewRequest(http.MethodGet, "/users", nil)
		req.Header.Set("Authorization", "Bearer "+pair.AccessToken)

		_, err := g.Evaluate(req.Context(), req)
		require.Error(t, err)
		var rej *Rejection
		assert.False(t, errors.As(err, &rej))
	})
}

// ============================================================================
// AUTHORIZE
// ============================================================================

func TestAuthorizeGuard(t *testing.T) {
	engine := authz.NewEngine()

	t.Run("allowed", func(t *testing.T) {
		g := AuthorizeGuard{Engine: engine, Requirement: authz.Require(authz.PermViewUser, authz.RoleAdmin)}
		ctx := authz.ContextWithPrincipal(context.Background(), authz.Principal{UserID: 1, Role: authz.RoleAdmin})

		_, err := g.Evaluate(ctx, httptest.NewRequest(http.MethodGet, "/users", nil))
		assert.NoError(t, err)
	})

	t.Run("role denied with reason in detail", func(t *testing.T) {
		g := AuthorizeGuard{Engine: engine, Requirement: authz.Require(authz.PermViewUser, authz.RoleAdmin)}
		ctx := authz.ContextWithPrincipal(context.Background(), authz.Principal{UserID: 1, Role: authz.RoleUser})

		_, err := g.Evaluate(ctx, httptest.NewRequest(http.MethodGet, "/users", nil))
		var rej *Rejection
		require.ErrorAs(t, err, &rej)
		assert.Equal(t, http.StatusForbidden, rej.Status)
		assert.Equal(t, "forbidden", rej.Code)
		assert.Equal(t, string(authz.DenyRoleNotAllowed), rej.Detail)
	})

	t.Run("no principal in context", func(t *testing.T) {
		g := AuthorizeGuard{Engine: engine, Requirement: authz.Require(authz.PermViewUser, authz.RoleAdmin)}

		_, err := g.Evaluate(context.Background(), httptest.NewRequest(http.MethodGet, "/users", nil))
		var rej *Rejection
		require.ErrorAs(t, err, &rej)
		assert.Equal(t, http.StatusUnauthorized, rej.Status)
	})
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := BearerToken(req)
	assert.False(t, ok)

	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	_, ok = BearerToken(req)
	assert.False(t, ok)

	req.Header.Set("Authorization", "Bearer ")
	_, ok = BearerToken(req)
	assert.False(t, ok)

	req.Header.Set("Authorization", "Bearer abc.def.ghi")
	token, ok := BearerToken(req)
	require.True(t, ok)
	assert.Equal(t, "abc.def.ghi", token)
}
