package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vantage-api/vantage/internal/authz"
)

// Sentinel errors for the token lifecycle.
var (
	// ErrInvalidCredentials indicates login failure. Unknown identifier and
	// wrong password both map here so responses never reveal which it was.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrTokenInvalid indicates a malformed or unverifiable token.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrTokenExpired indicates a token past its expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenRevoked indicates a refresh token whose session was revoked.
	ErrTokenRevoked = errors.New("token revoked")
	// ErrTokenReplay indicates reuse of a refresh token that was already
	// rotated; the session family is revoked as a consequence.
	ErrTokenReplay = errors.New("token replay detected")
	// ErrSessionNotFound indicates the referenced session does not exist.
	ErrSessionNotFound = errors.New("session not found")
)

// Identity is the result of credential verification: who logged in and with
// which role. Permission overrides are deliberately absent; they are looked up
// fresh on every authorized request, not at login.
type Identity struct {
	UserID int64
	Role   authz.Role
}

// Session is one entry in a refresh-token family. Rotation creates a new row
// linked through RotatedFrom and revokes the old one; the chain sharing a
// FamilyID is used to tell a stale retry apart from a stolen-token replay.
type Session struct {
	ID          string
	UserID      int64
	Role        authz.Role
	FamilyID    string
	RefreshHash string
	RotatedFrom string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Revoked     bool
}

// Expired reports whether the session is past its expiry at the given instant.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// TokenPair is the access/refresh pair returned by login and refresh.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// AccessClaims are the JWT claims carried by an access token. Access tokens
// are validated statelessly; they stay trusted until expiry even if the
// session behind them is revoked (revocation applies to refresh tokens).
type AccessClaims struct {
	UserID    int64  `json:"uid"`
	Role      string `json:"role"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}
