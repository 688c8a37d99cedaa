package users

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vantage-api/vantage/internal/authz"
	"github.com/vantage-api/vantage/internal/platform/httpx"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const userColumns = `id, email, name, role, is_active, created_at, updated_at`

// ListUsers returns one page of users ordered by id.
func (r *Repository) ListUsers(ctx context.Context, limit, offset int) ([]User, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

// CountUsers returns the total number of users.
func (r *Repository) CountUsers(ctx context.Context) (int, error) {
	var total int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM users`).Scan(&total)
	return total, err
}

// GetUser fetches a single user by ID.
func (r *Repository) GetUser(ctx context.Context, id int64) (User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, httpx.ErrNotFound
		}
		return User{}, err
	}
	return user, nil
}

// CreateUser inserts a user with the given bcrypt password hash.
func (r *Repository) CreateUser(ctx context.Context, email, name, passwordHash string, role authz.Role) (User, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO users (email, name, password_hash, role, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, TRUE, now(), now())
		 RETURNING `+userColumns,
		email, name, passwordHash, string(role))
	user, err := scanUser(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return User{}, httpx.ErrDuplicate
		}
		return User{}, err
	}
	return user, nil
}

// UpdateRole changes a user's role. Returns httpx.ErrNotFound when no row
// matched.
func (r *Repository) UpdateRole(ctx context.Context, id int64, role authz.Role) (User, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE users SET role = $2, updated_at = now() WHERE id = $1 RETURNING `+userColumns,
		id, string(role))
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, httpx.ErrNotFound
		}
		return User{}, err
	}
	return user, nil
}

func scanUser(row pgx.Row) (User, error) {
	var (
		user User
		role string
	)
	err := row.Scan(&user.ID, &user.Email, &user.Name, &role, &user.IsActive, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	user.Role = authz.Role(role)
	return user, nil
}
