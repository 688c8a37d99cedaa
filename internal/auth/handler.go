package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/vantage-api/vantage/internal/authz"
	"github.com/vantage-api/vantage/internal/platform/httpx"
)

// Handler wires HTTP endpoints for the token lifecycle.
type Handler struct {
	logger      *slog.Logger
	tokens      *TokenService
	acctLimiter *Limiter
	validator   *validator.Validate
}

// NewHandler constructs a Handler instance. acctLimiter guards individual
// accounts against targeted credential stuffing; it runs after the body is
// decoded but before any credential verification.
func NewHandler(logger *slog.Logger, tokens *TokenService, acctLimiter *Limiter) *Handler {
	return &Handler{
		logger:      logger,
		tokens:      tokens,
		acctLimiter: acctLimiter,
		validator:   validator.New(),
	}
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenPairResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Login handles POST /auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "email and password are required")
		return
	}

	// The targeted limiter keys on (ip, identifier) and must run before the
	// verifier so a flood of bad logins never reaches it.
	ip := httpx.ClientIP(r)
	decision, err := h.acctLimiter.Check(r.Context(), LoginAccountKey(ip, req.Email))
	if err != nil {
		h.logger.Error("login limiter", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	if !decision.Allowed {
		writeRateLimited(w, decision.RetryAfter)
		return
	}

	pair, err := h.tokens.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			httpx.ProblemCode(w, http.StatusUnauthorized, "Unauthorized", "invalid_credentials")
			return
		}
		h.logger.Error("login", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}

	h.writePair(w, pair)
}

// Refresh handles POST /auth/refresh, rotating the presented refresh token.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "refresh_token is required")
		return
	}

	pair, err := h.tokens.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, ErrTokenExpired):
			httpx.ProblemCode(w, http.StatusUnauthorized, "Unauthorized", "expired")
		case errors.Is(err, ErrTokenReplay):
			httpx.ProblemCode(w, http.StatusUnauthorized, "Unauthorized", "replay_detected")
		case errors.Is(err, ErrTokenRevoked):
			httpx.ProblemCode(w, http.StatusUnauthorized, "Unauthorized", "revoked")
		case errors.Is(err, ErrTokenInvalid), errors.Is(err, ErrSessionNotFound):
			httpx.ProblemCode(w, http.StatusUnauthorized, "Unauthorized", "invalid_token")
		default:
			h.logger.Error("refresh", slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		}
		return
	}

	h.writePair(w, pair)
}

// Logout handles POST /auth/logout. The caller may present either the refresh
// token in the body or a valid access token; the matching session is revoked.
// Revoking an already-revoked or unknown session is not an error.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	// The body is optional; an absent or malformed body means the caller is
	// logging out with a bearer token instead.
	var req logoutRequest
	_ = httpx.DecodeJSON(r, &req)

	if req.RefreshToken != "" {
		if err := h.tokens.Logout(r.Context(), req.RefreshToken); err != nil {
			h.logger.Error("logout", slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	token, ok := bearerToken(r)
	if !ok {
		httpx.ProblemCode(w, http.StatusUnauthorized, "Unauthorized", "unauthorized")
		return
	}
	claims, err := h.tokens.ValidateAccess(token)
	if err != nil {
		httpx.ProblemCode(w, http.StatusUnauthorized, "Unauthorized", "unauthorized")
		return
	}
	if err := h.tokens.LogoutSession(r.Context(), claims.SessionID); err != nil {
		h.logger.Error("logout session", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LogoutAll handles POST /auth/logout_all. The authentication guard must have
// run; every session for the caller's user is revoked.
func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	principal, ok := authz.PrincipalFromContext(r.Context())
	if !ok {
		httpx.ProblemCode(w, http.StatusUnauthorized, "Unauthorized", "unauthorized")
		return
	}
	if err := h.tokens.LogoutAll(r.Context(), principal.UserID); err != nil {
		h.logger.Error("logout all", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writePair(w http.ResponseWriter, pair TokenPair) {
	expiresIn := int64(time.Until(pair.AccessExpiresAt) / time.Second)
	httpx.JSON(w, http.StatusOK, tokenPairResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
	})
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	seconds := int64(retryAfter / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	httpx.ProblemCode(w, http.StatusTooManyRequests, "Rate Limited", "rate_limited")
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	value := r.Header.Get("Authorization")
	if len(value) <= len(prefix) || value[:len(prefix)] != prefix {
		return "", false
	}
	return value[len(prefix):], true
}
