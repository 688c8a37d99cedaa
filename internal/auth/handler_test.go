package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantage-api/vantage/internal/authz"
	"github.com/vantage-api/vantage/internal/platform/httpx"
)

func newTestHandler(t *testing.T, verifier CredentialVerifier) (*Handler, *TokenService, *mockSessionStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := newMockSessionStore()
	tokens := newTestService(store, verifier, nil)
	limiter := NewLimiter(client, "rl:login", 5, time.Minute)
	return NewHandler(testLogger(), tokens, limiter), tokens, store
}

func postJSON(path, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodePair(t *testing.T, rr *httptest.ResponseRecorder) tokenPairResponse {
	t.Helper()
	var pair tokenPairResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &pair))
	return pair
}

func problemCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &problem))
	return problem.Code
}

func TestHandlerLogin(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		h, tokens, _ := newTestHandler(t, stubVerifier{identity: Identity{UserID: 7, Role: authz.RoleAdmin}})

		rr := httptest.NewRecorder()
		h.Login(rr, postJSON("/auth/login", `{"email":"admin@vantage.local","password":"secret"}`))

		require.Equal(t, http.StatusOK, rr.Code)
		pair := decodePair(t, rr)
		assert.Equal(t, "Bearer", pair.TokenType)
		assert.Greater(t, pair.ExpiresIn, int64(0))

		claims, err := tokens.ValidateAccess(pair.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, int64(7), claims.UserID)
	})

	t.Run("bad credentials", func(t *testing.T) {
		h, _, _ := newTestHandler(t, stubVerifier{err: ErrInvalidCredentials})

		rr := httptest.NewRecorder()
		h.Login(rr, postJSON("/auth/login", `{"email":"admin@vantage.local","password":"wrong"}`))

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, "invalid_credentials", problemCode(t, rr))
	})

	t.Run("malformed body", func(t *testing.T) {
		h, _, _ := newTestHandler(t, stubVerifier{})

		rr := httptest.NewRecorder()
		h.Login(rr, postJSON("/auth/login", `{not json`))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("missing fields", func(t *testing.T) {
		h, _, _ := newTestHandler(t, stubVerifier{})

		rr := httptest.NewRecorder()
		h.Login(rr, postJSON("/auth/login", `{"email":"admin@vantage.local"}`))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("account limiter kicks in", func(t *testing.T) {
		h, _, _ := newTestHandler(t, stubVerifier{err: ErrInvalidCredentials})

		var rr *httptest.ResponseRecorder
		for i := 0; i < 6; i++ {
			rr = httptest.NewRecorder()
			h.Login(rr, postJSON("/auth/login", `{"email":"victim@vantage.local","password":"guess"}`))
		}

		assert.Equal(t, http.StatusTooManyRequests, rr.Code)
		assert.Equal(t, "rate_limited", problemCode(t, rr))
		assert.NotEmpty(t, rr.Header().Get("Retry-After"))

		// A different account from the same address is unaffected.
		rr = httptest.NewRecorder()
		h.Login(rr, postJSON("/auth/login", `{"email":"other@vantage.local","password":"guess"}`))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func TestHandlerRefresh(t *testing.T) {
	h, tokens, _ := newTestHandler(t, stubVerifier{identity: Identity{UserID: 7, Role: authz.RoleUser}})
	pair, err := tokens.Login(context.Background(), "user@vantage.local", "secret")
	require.NoError(t, err)

	t.Run("success rotates the token", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.Refresh(rr, postJSON("/auth/refresh", `{"refresh_token":"`+pair.RefreshToken+`"}`))

		require.Equal(t, http.StatusOK, rr.Code)
		next := decodePair(t, rr)
		assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)
	})

	t.Run("reuse reports replay", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.Refresh(rr, postJSON("/auth/refresh", `{"refresh_token":"`+pair.RefreshToken+`"}`))

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, "replay_detected", problemCode(t, rr))
	})

	t.Run("invalid token", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.Refresh(rr, postJSON("/auth/refresh", `{"refresh_token":"garbage"}`))

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, "invalid_token", problemCode(t, rr))
	})

	t.Run("missing token", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.Refresh(rr, postJSON("/auth/refresh", `{}`))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestHandlerRefreshRevoked(t *testing.T) {
	h, tokens, _ := newTestHandler(t, stubVerifier{identity: Identity{UserID: 7, Role: authz.RoleUser}})
	pair, err := tokens.Login(context.Background(), "user@vantage.local", "secret")
	require.NoError(t, err)
	require.NoError(t, tokens.Logout(context.Background(), pair.RefreshToken))

	rr := httptest.NewRecorder()
	h.Refresh(rr, postJSON("/auth/refresh", `{"refresh_token":"`+pair.RefreshToken+`"}`))

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "revoked", problemCode(t, rr))
}

func TestHandlerRefreshExpired(t *testing.T) {
	h, tokens, _ := newTestHandler(t, stubVerifier{identity: Identity{UserID: 7, Role: authz.RoleUser}})
	pair, err := tokens.Login(context.Background(), "user@vantage.local", "secret")
	require.NoError(t, err)

	tokens.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	rr := httptest.NewRecorder()
	h.Refresh(rr, postJSON("/auth/refresh", `{"refresh_token":"`+pair.RefreshToken+`"}`))

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "expired", problemCode(t, rr))
}

func TestHandlerLogout(t *testing.T) {
	t.Run("with refresh token body", func(t *testing.T) {
		h, tokens, store := newTestHandler(t, stubVerifier{identity: Identity{UserID: 7, Role: authz.RoleUser}})
		pair, err := tokens.Login(context.Background(), "user@vantage.local", "secret")
		require.NoError(t, err)

		rr := httptest.NewRecorder()
		h.Logout(rr, postJSON("/auth/logout", `{"refresh_token":"`+pair.RefreshToken+`"}`))

		assert.Equal(t, http.StatusNoContent, rr.Code)
		assert.Zero(t, store.activeCount(7))
	})

	t.Run("with bearer access token", func(t *testing.T) {
		h, tokens, store := newTestHandler(t, stubVerifier{identity: Identity{UserID: 7, Role: authz.RoleUser}})
		pair, err := tokens.Login(context.Background(), "user@vantage.local", "secret")
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
		req.Header.Set("Authorization", "Bearer "+pair.AccessToken)

		rr := httptest.NewRecorder()
		h.Logout(rr, req)

		assert.Equal(t, http.StatusNoContent, rr.Code)
		assert.Zero(t, store.activeCount(7))
	})

	t.Run("no credentials at all", func(t *testing.T) {
		h, _, _ := newTestHandler(t, stubVerifier{})

		rr := httptest.NewRecorder()
		h.Logout(rr, httptest.NewRequest(http.MethodPost, "/auth/logout", nil))

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func TestHandlerLogoutAll(t *testing.T) {
	h, tokens, store := newTestHandler(t, stubVerifier{identity: Identity{UserID: 7, Role: authz.RoleUser}})
	for i := 0; i < 3; i++ {
		_, err := tokens.Login(context.Background(), "user@vantage.local", "secret")
		require.NoError(t, err)
	}

	t.Run("requires an authenticated principal", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.LogoutAll(rr, httptest.NewRequest(http.MethodPost, "/auth/logout_all", nil))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("revokes every session", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/auth/logout_all", nil)
		req = req.WithContext(authz.ContextWithPrincipal(req.Context(), authz.Principal{UserID: 7, Role: authz.RoleUser}))

		rr := httptest.NewRecorder()
		h.LogoutAll(rr, req)

		assert.Equal(t, http.StatusNoContent, rr.Code)
		assert.Zero(t, store.activeCount(7))
	})
}
