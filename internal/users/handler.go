package users

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/vantage-api/vantage/internal/authz"
	"github.com/vantage-api/vantage/internal/guard"
	"github.com/vantage-api/vantage/internal/platform/httpx"
	"github.com/vantage-api/vantage/internal/shared"
)

// Handler manages user management endpoints. Every route is gated by the
// authentication guard plus an endpoint-declared authorization requirement;
// handler code only ever runs for an allowed principal.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	overrides authz.OverrideRepository
	engine    *authz.Engine
	authn     guard.Guard
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, overrides authz.OverrideRepository, engine *authz.Engine, authn guard.Guard) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		overrides: overrides,
		engine:    engine,
		authn:     authn,
		validator: validator.New(),
	}
}

// MountRoutes registers user routes.
func (h *Handler) MountRoutes(r chi.Router) {
	admin := []authz.Role{authz.RoleAdmin, authz.RoleSuperadmin}
	super := []authz.Role{authz.RoleSuperadmin}

	r.Method(http.MethodGet, "/",
		h.gate(h.listUsers, authz.Requirement{Permissions: []authz.Permission{authz.PermViewUser}, Roles: admin}))
	r.Method(http.MethodPost, "/",
		h.gate(h.createUser, authz.Requirement{Permissions: []authz.Permission{authz.PermCreateUser}, Roles: admin}))
	r.Method(http.MethodGet, "/{id}",
		h.gate(h.getUser, authz.Requirement{Permissions: []authz.Permission{authz.PermViewUser}, Roles: admin}))
	r.Method(http.MethodPatch, "/{id}/role",
		h.gate(h.patchRole, authz.Requirement{Permissions: []authz.Permission{authz.PermEditUserRole}, Roles: super}))
	r.Method(http.MethodGet, "/{id}/permissions",
		h.gate(h.listPermissions, authz.Requirement{Permissions: []authz.Permission{authz.PermViewUserPermissions}, Roles: admin}))
	r.Method(http.MethodPost, "/{id}/permissions/grant",
		h.gate(h.grantPermission, authz.Requirement{Permissions: []authz.Permission{authz.PermManageUserPermissions}, Roles: super}))
	r.Method(http.MethodPost, "/{id}/permissions/deny",
		h.gate(h.denyPermission, authz.Requirement{Permissions: []authz.Permission{authz.PermManageUserPermissions}, Roles: super}))
	r.Method(http.MethodDelete, "/{id}/permissions/{permission}",
		h.gate(h.clearPermission, authz.Requirement{Permissions: []authz.Permission{authz.PermManageUserPermissions}, Roles: super}))
}

// MountRoleRoutes registers the role baseline listing.
func (h *Handler) MountRoleRoutes(r chi.Router) {
	r.Method(http.MethodGet, "/permissions",
		h.gate(h.listRolePermissions, authz.Requirement{
			Permissions: []authz.Permission{authz.PermViewUserRolePermissions},
			Roles:       []authz.Role{authz.RoleAdmin, authz.RoleSuperadmin},
		}))
}

func (h *Handler) gate(handler http.HandlerFunc, req authz.Requirement) http.Handler {
	return guard.Chain(handler, h.authn, guard.AuthorizeGuard{Engine: h.engine, Requirement: req})
}

type userResponse struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toUserResponse(u User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		Role:      string(u.Role),
		IsActive:  u.IsActive,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

type listUsersResponse struct {
	Data       []userResponse    `json:"data"`
	Pagination shared.Pagination `json:"pagination"`
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	list, meta, err := h.service.ListUsers(r.Context(), page, perPage)
	if err != nil {
		h.logger.Error("list users", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]userResponse, len(list))
	for i, u := range list {
		out[i] = toUserResponse(u)
	}
	httpx.JSON(w, http.StatusOK, listUsersResponse{Data: out, Pagination: meta})
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	user, err := h.service.GetUser(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toUserResponse(user))
}

type createUserRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name" validate:"required"`
	Password string `json:"password" validate:"required,min=8"`
	Role     string `json:"role" validate:"required"`
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	role, err := authz.ParseRole(req.Role)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unknown role")
		return
	}
	user, err := h.service.CreateUser(r.Context(), req.Email, req.Name, req.Password, role)
	if err != nil {
		h.logger.Error("create user", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toUserResponse(user))
}

type patchRoleRequest struct {
	Role string `json:"role" validate:"required"`
}

func (h *Handler) patchRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req patchRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed body")
		return
	}
	role, err := authz.ParseRole(req.Role)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unknown role")
		return
	}
	user, err := h.service.ChangeRole(r.Context(), id, role)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toUserResponse(user))
}

type permissionsResponse struct {
	Role      string   `json:"role"`
	Baseline  []string `json:"baseline"`
	Granted   []string `json:"granted"`
	Denied    []string `json:"denied"`
	Effective []string `json:"effective"`
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	user, err := h.service.GetUser(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	overrides, err := h.overrides.Overrides(r.Context(), id)
	if err != nil {
		h.logger.Error("list permissions", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	principal := authz.Principal{
		UserID:  user.ID,
		Role:    user.Role,
		Granted: overrides.Granted,
		Denied:  overrides.Denied,
	}
	httpx.JSON(w, http.StatusOK, permissionsResponse{
		Role:      string(user.Role),
		Baseline:  authz.Baseline(user.Role).Names(),
		Granted:   overrides.Granted.Names(),
		Denied:    overrides.Denied.Names(),
		Effective: principal.EffectivePermissions().Names(),
	})
}

type overrideRequest struct {
	Permission string `json:"permission" validate:"required"`
}

func (h *Handler) grantPermission(w http.ResponseWriter, r *http.Request) {
	h.applyOverride(w, r, h.overrides.Grant)
}

func (h *Handler) denyPermission(w http.ResponseWriter, r *http.Request) {
	h.applyOverride(w, r, h.overrides.Deny)
}

func (h *Handler) applyOverride(w http.ResponseWriter, r *http.Request, apply func(context.Context, int64, authz.Permission) error) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req overrideRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "permission is required")
		return
	}
	perm, err := authz.ParsePermission(req.Permission)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unknown permission")
		return
	}
	if _, err := h.service.GetUser(r.Context(), id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := apply(r.Context(), id, perm); err != nil {
		h.logger.Error("apply override", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) clearPermission(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	perm, err := authz.ParsePermission(chi.URLParam(r, "permission"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unknown permission")
		return
	}
	if _, err := h.service.GetUser(r.Context(), id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.overrides.Clear(r.Context(), id, perm); err != nil {
		h.logger.Error("clear override", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rolePermissionsResponse struct {
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

func (h *Handler) listRolePermissions(w http.ResponseWriter, r *http.Request) {
	out := make([]rolePermissionsResponse, 0, len(authz.Roles()))
	for _, role := range authz.Roles() {
		out = append(out, rolePermissionsResponse{
			Role:        string(role),
			Permissions: authz.Baseline(role).Names(),
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid user id")
		return 0, false
	}
	return id, true
}
