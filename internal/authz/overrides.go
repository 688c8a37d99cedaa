package authz

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Overrides holds a user's explicit permission overrides. Denied entries take
// precedence over both the role baseline and granted entries.
type Overrides struct {
	Granted PermissionSet
	Denied  PermissionSet
}

// OverrideSource reads per-user permission overrides. Implementations must
// return the live record; decisions are never made from a cached copy because
// admin edits must take effect on the next request.
type OverrideSource interface {
	Overrides(ctx context.Context, userID int64) (Overrides, error)
}

// OverrideRepository extends OverrideSource with the mutations used by the
// permission-grant/deny handlers.
type OverrideRepository interface {
	OverrideSource
	Grant(ctx context.Context, userID int64, perm Permission) error
	Deny(ctx context.Context, userID int64, perm Permission) error
	Clear(ctx context.Context, userID int64, perm Permission) error
}

// PGOverrideRepository implements OverrideRepository on PostgreSQL.
type PGOverrideRepository struct {
	pool *pgxpool.Pool
}

// NewOverrideRepository constructs a PostgreSQL override repository.
func NewOverrideRepository(pool *pgxpool.Pool) *PGOverrideRepository {
	return &PGOverrideRepository{pool: pool}
}

// Overrides returns the user's granted and denied permission sets.
func (r *PGOverrideRepository) Overrides(ctx context.Context, userID int64) (Overrides, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT permission, effect FROM user_permission_overrides WHERE user_id = $1`, userID)
	if err != nil {
		return Overrides{}, fmt.Errorf("authz: query overrides: %w", err)
	}
	defer rows.Close()

	out := Overrides{Granted: NewPermissionSet(), Denied: NewPermissionSet()}
	for rows.Next() {
		var permission, effect string
		if err := rows.Scan(&permission, &effect); err != nil {
			return Overrides{}, fmt.Errorf("authz: scan override: %w", err)
		}
		perm, err := ParsePermission(permission)
		if err != nil {
			// Unknown names can appear after a permission is retired; skip them.
			continue
		}
		switch effect {
		case "GRANT":
			out.Granted[perm] = struct{}{}
		case "DENY":
			out.Denied[perm] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return Overrides{}, fmt.Errorf("authz: iterate overrides: %w", err)
	}
	return out, nil
}

// Grant upserts a GRANT override for the user and permission.
func (r *PGOverrideRepository) Grant(ctx context.Context, userID int64, perm Permission) error {
	return r.upsert(ctx, userID, perm, "GRANT")
}

// Deny upserts a DENY override for the user and permission.
func (r *PGOverrideRepository) Deny(ctx context.Context, userID int64, perm Permission) error {
	return r.upsert(ctx, userID, perm, "DENY")
}

// Clear removes any override for the user and permission.
func (r *PGOverrideRepository) Clear(ctx context.Context, userID int64, perm Permission) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM user_permission_overrides WHERE user_id = $1 AND permission = $2`,
		userID, string(perm))
	if err != nil {
		return fmt.Errorf("authz: clear override: %w", err)
	}
	return nil
}

func (r *PGOverrideRepository) upsert(ctx context.Context, userID int64, perm Permission, effect string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_permission_overrides (user_id, permission, effect, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (user_id, permission) DO UPDATE SET effect = $3, updated_at = now()`,
		userID, string(perm), effect)
	if err != nil {
		return fmt.Errorf("authz: upsert override: %w", err)
	}
	return nil
}

var _ OverrideRepository = (*PGOverrideRepository)(nil)
