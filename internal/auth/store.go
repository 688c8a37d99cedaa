package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vantage-api/vantage/internal/authz"
	"github.com/vantage-api/vantage/internal/platform/db"
)

// SessionStore defines persistence operations for refresh-token sessions.
type SessionStore interface {
	Create(ctx context.Context, sess *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	// Rotate atomically revokes the old session (iff it is not yet revoked)
	// and creates the successor. It returns false when the old session was
	// already revoked, in which case no successor is created; concurrent
	// rotations of the same session therefore produce exactly one winner.
	Rotate(ctx context.Context, oldID string, next *Session) (bool, error)
	// Revoke marks the session revoked iff it is not already; reports whether
	// this call performed the revocation.
	Revoke(ctx context.Context, id string) (bool, error)
	RevokeFamily(ctx context.Context, familyID string) error
	RevokeAllForUser(ctx context.Context, userID int64) error
	// HasSuccessor reports whether any session was rotated from the given one.
	HasSuccessor(ctx context.Context, id string) (bool, error)
}

// PGSessionStore implements SessionStore using PostgreSQL.
type PGSessionStore struct {
	pool *pgxpool.Pool
}

// NewSessionStore constructs a PostgreSQL session store.
func NewSessionStore(pool *pgxpool.Pool) *PGSessionStore {
	return &PGSessionStore{pool: pool}
}

const sessionColumns = `id, user_id, role, family_id, refresh_hash, rotated_from, issued_at, expires_at, revoked`

// Create persists a new session row.
func (s *PGSessionStore) Create(ctx context.Context, sess *Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, role, family_id, refresh_hash, rotated_from, issued_at, expires_at, revoked)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9)`,
		sess.ID, sess.UserID, string(sess.Role), sess.FamilyID, sess.RefreshHash,
		sess.RotatedFrom, sess.IssuedAt, sess.ExpiresAt, sess.Revoked)
	if err != nil {
		return fmt.Errorf("auth: create session: %w", err)
	}
	return nil
}

// Get fetches a session by ID.
func (s *PGSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("auth: get session: %w", err)
	}
	return sess, nil
}

// Rotate revokes the old session and inserts its successor in one transaction.
// ReadCommitted isolation lets the loser of a concurrent rotation observe the
// winner's committed revoke after the row lock clears instead of failing with
// a serialization error.
func (s *PGSessionStore) Rotate(ctx context.Context, oldID string, next *Session) (bool, error) {
	rotated := false
	err := db.WithTxOptions(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE sessions SET revoked = TRUE WHERE id = $1 AND NOT revoked`, oldID)
		if err != nil {
			return fmt.Errorf("auth: revoke for rotation: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO sessions (id, user_id, role, family_id, refresh_hash, rotated_from, issued_at, expires_at, revoked)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE)`,
			next.ID, next.UserID, string(next.Role), next.FamilyID, next.RefreshHash,
			next.RotatedFrom, next.IssuedAt, next.ExpiresAt)
		if err != nil {
			return fmt.Errorf("auth: create rotated session: %w", err)
		}
		rotated = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return rotated, nil
}

// Revoke marks a single session revoked.
func (s *PGSessionStore) Revoke(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET revoked = TRUE WHERE id = $1 AND NOT revoked`, id)
	if err != nil {
		return false, fmt.Errorf("auth: revoke session: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RevokeFamily revokes every session in a rotation family.
func (s *PGSessionStore) RevokeFamily(ctx context.Context, familyID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET revoked = TRUE WHERE family_id = $1 AND NOT revoked`, familyID)
	if err != nil {
		return fmt.Errorf("auth: revoke family: %w", err)
	}
	return nil
}

// RevokeAllForUser revokes every active session belonging to the user. A
// single statement keeps the sweep atomic with respect to concurrent
// rotations: a rotation either commits its successor before the sweep (and the
// successor is swept too) or after it (and the old row is already revoked, so
// the rotation loses).
func (s *PGSessionStore) RevokeAllForUser(ctx context.Context, userID int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET revoked = TRUE WHERE user_id = $1 AND NOT revoked`, userID)
	if err != nil {
		return fmt.Errorf("auth: revoke all for user: %w", err)
	}
	return nil
}

// HasSuccessor reports whether the session has been rotated.
func (s *PGSessionStore) HasSuccessor(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM sessions WHERE rotated_from = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("auth: successor lookup: %w", err)
	}
	return exists, nil
}

func scanSession(row pgx.Row) (*Session, error) {
	var (
		sess        Session
		role        string
		rotatedFrom *string
	)
	err := row.Scan(&sess.ID, &sess.UserID, &role, &sess.FamilyID, &sess.RefreshHash,
		&rotatedFrom, &sess.IssuedAt, &sess.ExpiresAt, &sess.Revoked)
	if err != nil {
		return nil, err
	}
	sess.Role = authz.Role(role)
	if rotatedFrom != nil {
		sess.RotatedFrom = *rotatedFrom
	}
	return &sess, nil
}

var _ SessionStore = (*PGSessionStore)(nil)
