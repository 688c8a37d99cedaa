package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// EventRecorder receives security-relevant events from the token service.
// Implementations must tolerate being called on the request path.
type EventRecorder interface {
	TokenReplayDetected(ctx context.Context, userID int64, sessionID, familyID string)
}

// TokenConfig holds token issuance parameters.
type TokenConfig struct {
	Secret     []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// TokenService issues signed token pairs, validates access tokens statelessly
// and performs refresh-token rotation against the session store.
type TokenService struct {
	store    SessionStore
	verifier CredentialVerifier
	events   EventRecorder
	logger   *slog.Logger
	cfg      TokenConfig
	now      func() time.Time
}

// NewTokenService constructs a TokenService. events may be nil.
func NewTokenService(store SessionStore, verifier CredentialVerifier, events EventRecorder, logger *slog.Logger, cfg TokenConfig) *TokenService {
	return &TokenService{
		store:    store,
		verifier: verifier,
		events:   events,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Login verifies credentials, opens a new session family and issues a pair.
func (t *TokenService) Login(ctx context.Context, identifier, password string) (TokenPair, error) {
	identity, err := t.verifier.Verify(ctx, identifier, password)
	if err != nil {
		return TokenPair{}, err
	}

	sessionID := uuid.NewString()
	secret, hash, err := newRefreshSecret()
	if err != nil {
		return TokenPair{}, err
	}

	now := t.now().UTC()
	sess := &Session{
		ID:          sessionID,
		UserID:      identity.UserID,
		Role:        identity.Role,
		FamilyID:    uuid.NewString(),
		RefreshHash: hash,
		IssuedAt:    now,
		ExpiresAt:   now.Add(t.cfg.RefreshTTL),
	}
	if err := t.store.Create(ctx, sess); err != nil {
		return TokenPair{}, err
	}

	return t.issuePair(sess, secret)
}

// Refresh exchanges a refresh token for a new pair, rotating the session. A
// refresh token is single-use: the losing side of a concurrent exchange, and
// any later reuse of a superseded token, fails with ErrTokenReplay and the
// whole session family is revoked.
func (t *TokenService) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	sessionID, secret, err := decodeRefreshToken(refreshToken)
	if err != nil {
		return TokenPair{}, ErrTokenInvalid
	}

	sess, err := t.store.Get(ctx, sessionID)
	if err != nil {
		return TokenPair{}, err
	}
	if !matchesRefreshSecret(sess.RefreshHash, secret) {
		return TokenPair{}, ErrTokenInvalid
	}
	if sess.Expired(t.now()) {
		return TokenPair{}, ErrTokenExpired
	}
	if sess.Revoked {
		return TokenPair{}, t.classifyRevoked(ctx, sess)
	}

	nextSecret, nextHash, err := newRefreshSecret()
	if err != nil {
		return TokenPair{}, err
	}
	now := t.now().UTC()
	next := &Session{
		ID:          uuid.NewString(),
		UserID:      sess.UserID,
		Role:        sess.Role,
		FamilyID:    sess.FamilyID,
		RefreshHash: nextHash,
		RotatedFrom: sess.ID,
		IssuedAt:    now,
		ExpiresAt:   now.Add(t.cfg.RefreshTTL),
	}

	rotated, err := t.store.Rotate(ctx, sess.ID, next)
	if err != nil {
		return TokenPair{}, err
	}
	if !rotated {
		// Lost a rotation race: someone else already spent this token. Two
		// distinct holders of one refresh token is the theft scenario, since a
		// single client never races itself.
		return TokenPair{}, t.raiseReplay(ctx, sess)
	}

	return t.issuePair(next, nextSecret)
}

// Logout revokes exactly the session matching the refresh token. It is
// idempotent: unknown and already-revoked sessions are not errors.
func (t *TokenService) Logout(ctx context.Context, refreshToken string) error {
	sessionID, secret, err := decodeRefreshToken(refreshToken)
	if err != nil {
		return nil
	}
	sess, err := t.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return err
	}
	if !matchesRefreshSecret(sess.RefreshHash, secret) {
		return nil
	}
	_, err = t.store.Revoke(ctx, sessionID)
	return err
}

// LogoutSession revokes the session named by an access token's sid claim.
func (t *TokenService) LogoutSession(ctx context.Context, sessionID string) error {
	_, err := t.store.Revoke(ctx, sessionID)
	return err
}

// LogoutAll revokes every active session for the user.
func (t *TokenService) LogoutAll(ctx context.Context, userID int64) error {
	return t.store.RevokeAllForUser(ctx, userID)
}

// ValidateAccess checks an access token's signature and expiry. It never
// consults the session store: access tokens stay valid until they expire,
// which is the documented trade-off for stateless per-request checks.
func (t *TokenService) ValidateAccess(token string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (any, error) {
		return t.cfg.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(t.cfg.Issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func (t *TokenService) issuePair(sess *Session, refreshSecret []byte) (TokenPair, error) {
	now := t.now().UTC()
	accessExpiry := now.Add(t.cfg.AccessTTL)
	claims := AccessClaims{
		UserID:    sess.UserID,
		Role:      string(sess.Role),
		SessionID: sess.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.cfg.Issuer,
			Subject:   strconv.FormatInt(sess.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExpiry),
			ID:        uuid.NewString(),
		},
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.cfg.Secret)
	if err != nil {
		return TokenPair{}, fmt.Errorf("auth: sign access token: %w", err)
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     encodeRefreshToken(sess.ID, refreshSecret),
		AccessExpiresAt:  accessExpiry,
		RefreshExpiresAt: sess.ExpiresAt,
	}, nil
}

// classifyRevoked distinguishes a stale client retry from a stolen token
// reused after a legitimate rotation. Only the latter has a successor in the
// family, and only the latter escalates to a family-wide revoke.
func (t *TokenService) classifyRevoked(ctx context.Context, sess *Session) error {
	hasSuccessor, err := t.store.HasSuccessor(ctx, sess.ID)
	if err != nil {
		return err
	}
	if hasSuccessor {
		return t.raiseReplay(ctx, sess)
	}
	return ErrTokenRevoked
}

func (t *TokenService) raiseReplay(ctx context.Context, sess *Session) error {
	if err := t.store.RevokeFamily(ctx, sess.FamilyID); err != nil {
		return err
	}
	if t.logger != nil {
		t.logger.Warn("refresh token replay detected",
			slog.Int64("user_id", sess.UserID),
			slog.String("session_id", sess.ID),
			slog.String("family_id", sess.FamilyID))
	}
	if t.events != nil {
		t.events.TokenReplayDetected(ctx, sess.UserID, sess.ID, sess.FamilyID)
	}
	return ErrTokenReplay
}

const refreshSecretLen = 32

// newRefreshSecret returns a random secret and the hex SHA-256 stored for it.
// Only the hash ever reaches the store.
func newRefreshSecret() ([]byte, string, error) {
	secret := make([]byte, refreshSecretLen)
	if _, err := rand.Read(secret); err != nil {
		return nil, "", fmt.Errorf("auth: refresh secret: %w", err)
	}
	return secret, hashRefreshSecret(secret), nil
}

func hashRefreshSecret(secret []byte) string {
	sum := sha256.Sum256(secret)
	return hex.EncodeToString(sum[:])
}

func matchesRefreshSecret(storedHash string, secret []byte) bool {
	computed := hashRefreshSecret(secret)
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(computed)) == 1
}

// encodeRefreshToken packs the session ID (the lookup fingerprint) together
// with the opaque secret.
func encodeRefreshToken(sessionID string, secret []byte) string {
	return sessionID + "." + base64.RawURLEncoding.EncodeToString(secret)
}

func decodeRefreshToken(token string) (string, []byte, error) {
	sessionID, encoded, ok := strings.Cut(token, ".")
	if !ok || sessionID == "" {
		return "", nil, ErrTokenInvalid
	}
	secret, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil || len(secret) != refreshSecretLen {
		return "", nil, ErrTokenInvalid
	}
	return sessionID, secret, nil
}
