package users

import (
	"context"

	"golang.org/x/crypto/bcrypt"

	"github.com/vantage-api/vantage/internal/authz"
	"github.com/vantage-api/vantage/internal/shared"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	ListUsers(ctx context.Context, limit, offset int) ([]User, error)
	CountUsers(ctx context.Context) (int, error)
	GetUser(ctx context.Context, id int64) (User, error)
	CreateUser(ctx context.Context, email, name, passwordHash string, role authz.Role) (User, error)
	UpdateRole(ctx context.Context, id int64, role authz.Role) (User, error)
}

// Service handles user business logic.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// ListUsers returns one page of users plus pagination metadata.
func (s *Service) ListUsers(ctx context.Context, page, perPage int) ([]User, shared.Pagination, error) {
	total, err := s.repo.CountUsers(ctx)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	meta := shared.NewPagination(page, perPage, total)
	list, err := s.repo.ListUsers(ctx, meta.PerPage, meta.Offset())
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return list, meta, nil
}

// GetUser returns one user.
func (s *Service) GetUser(ctx context.Context, id int64) (User, error) {
	return s.repo.GetUser(ctx, id)
}

// CreateUser hashes the password and stores the account.
func (s *Service) CreateUser(ctx context.Context, email, name, password string, role authz.Role) (User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, err
	}
	return s.repo.CreateUser(ctx, email, name, string(hash), role)
}

// ChangeRole updates a user's role.
func (s *Service) ChangeRole(ctx context.Context, id int64, role authz.Role) (User, error) {
	return s.repo.UpdateRole(ctx, id, role)
}
