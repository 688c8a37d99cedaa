package auth

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/vantage-api/vantage/internal/authz"
)

// CredentialVerifier validates submitted credentials and resolves the account
// identity. Every failure mode returns ErrInvalidCredentials so callers cannot
// distinguish an unknown identifier from a wrong password.
type CredentialVerifier interface {
	Verify(ctx context.Context, identifier, password string) (Identity, error)
}

// PGCredentialVerifier verifies credentials against the users table.
type PGCredentialVerifier struct {
	pool *pgxpool.Pool
}

// NewCredentialVerifier constructs a PostgreSQL credential verifier.
func NewCredentialVerifier(pool *pgxpool.Pool) *PGCredentialVerifier {
	return &PGCredentialVerifier{pool: pool}
}

// Verify checks the identifier/password pair and returns the account identity.
func (v *PGCredentialVerifier) Verify(ctx context.Context, identifier, password string) (Identity, error) {
	var (
		userID       int64
		passwordHash string
		role         string
		isActive     bool
	)
	err := v.pool.QueryRow(ctx,
		`SELECT id, password_hash, role, is_active FROM users WHERE email = $1`,
		identifier).Scan(&userID, &passwordHash, &role, &isActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Identity{}, ErrInvalidCredentials
		}
		return Identity{}, err
	}
	if !isActive {
		return Identity{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		return Identity{}, ErrInvalidCredentials
	}
	parsed, err := authz.ParseRole(role)
	if err != nil {
		return Identity{}, ErrInvalidCredentials
	}
	return Identity{UserID: userID, Role: parsed}, nil
}

var _ CredentialVerifier = (*PGCredentialVerifier)(nil)
