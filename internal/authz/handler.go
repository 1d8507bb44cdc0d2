package authz

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/opsdeck/opsdeck/internal/platform/httpx"
)

// Handler exposes the permission administration endpoints under
// /admin/permissions. The request gate restricts the whole subtree to
// admins before any handler runs.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(),
	}
}

// MountRoutes registers the permission admin routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.matrix)
	r.Post("/grant", h.grant)
	r.Post("/revoke", h.revoke)
	r.Post("/copy", h.copyPermissions)
	r.Post("/bulk/grant", h.bulkGrant)
	r.Post("/bulk/revoke", h.bulkRevoke)
	r.Post("/cleanup", h.cleanup)
	r.Get("/users/{id}", h.userPermissions)
	r.Get("/resources/{type}/{id}", h.resourcePermissions)
}

func (h *Handler) matrix(w http.ResponseWriter, r *http.Request) {
	typeFilter := ResourceType(r.URL.Query().Get("resource_type"))
	matrix, err := h.service.PermissionMatrix(r.Context(), typeFilter)
	if err != nil {
		h.respondServiceError(w, "build permission matrix", err)
		return
	}
	httpx.Success(w, "permission matrix", map[string]any{"matrix": matrix})
}

type grantRequest struct {
	UserID         int64  `json:"user_id" validate:"required"`
	ResourceType   string `json:"resource_type" validate:"required"`
	ResourceID     string `json:"resource_id"`
	PermissionType string `json:"permission_type" validate:"required"`
}

func (h *Handler) grant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "user_id, resource_type and permission_type are required")
		return
	}

	perm, err := h.service.Grant(r.Context(), req.UserID,
		ResourceType(req.ResourceType), req.ResourceID,
		PermissionType(req.PermissionType), actorID(r))
	if err != nil {
		h.respondServiceError(w, "grant permission", err)
		return
	}
	httpx.Success(w, "permission granted", perm)
}

type revokeRequest struct {
	UserID       int64  `json:"user_id" validate:"required"`
	ResourceType string `json:"resource_type" validate:"required"`
	ResourceID   string `json:"resource_id"`
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "user_id and resource_type are required")
		return
	}

	found, err := h.service.Revoke(r.Context(), req.UserID,
		ResourceType(req.ResourceType), req.ResourceID, actorID(r))
	if err != nil {
		h.respondServiceError(w, "revoke permission", err)
		return
	}
	if !found {
		httpx.Success(w, "no matching permission", map[string]any{"revoked": false})
		return
	}
	httpx.Success(w, "permission revoked", map[string]any{"revoked": true})
}

type copyRequest struct {
	FromUserID   int64  `json:"from_user_id" validate:"required"`
	ToUserID     int64  `json:"to_user_id" validate:"required"`
	ResourceType string `json:"resource_type"`
}

func (h *Handler) copyPermissions(w http.ResponseWriter, r *http.Request) {
	var req copyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "from_user_id and to_user_id are required")
		return
	}

	copied, err := h.service.CopyPermissions(r.Context(), req.FromUserID, req.ToUserID,
		ResourceType(req.ResourceType), actorID(r))
	if err != nil {
		h.respondServiceError(w, "copy permissions", err)
		return
	}
	httpx.Success(w, "permissions copied", map[string]any{"copied": copied})
}

type bulkRequest struct {
	UserIDs        []int64 `json:"user_ids" validate:"required,min=1"`
	ResourceType   string  `json:"resource_type" validate:"required"`
	ResourceID     string  `json:"resource_id"`
	PermissionType string  `json:"permission_type"`
}

func (h *Handler) bulkGrant(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil || req.PermissionType == "" {
		httpx.Error(w, http.StatusBadRequest, "user_ids, resource_type and permission_type are required")
		return
	}

	succeeded := h.service.BulkGrant(r.Context(), req.UserIDs,
		ResourceType(req.ResourceType), req.ResourceID,
		PermissionType(req.PermissionType), actorID(r))
	httpx.Success(w, "bulk grant finished", map[string]any{
		"requested": len(req.UserIDs),
		"succeeded": succeeded,
	})
}

func (h *Handler) bulkRevoke(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "user_ids and resource_type are required")
		return
	}

	succeeded := h.service.BulkRevoke(r.Context(), req.UserIDs,
		ResourceType(req.ResourceType), req.ResourceID, actorID(r))
	httpx.Success(w, "bulk revoke finished", map[string]any{
		"requested": len(req.UserIDs),
		"succeeded": succeeded,
	})
}

func (h *Handler) cleanup(w http.ResponseWriter, r *http.Request) {
	counts, err := h.service.CleanupOrphanedPermissions(r.Context())
	if err != nil {
		h.respondServiceError(w, "cleanup orphaned permissions", err)
		return
	}
	httpx.Success(w, "orphaned permissions removed", map[string]any{"removed": counts})
}

func (h *Handler) userPermissions(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid user id")
		return
	}
	perms, err := h.service.ListUserPermissions(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, "list user permissions", err)
		return
	}
	httpx.Success(w, "user permissions", map[string]any{"permissions": perms})
}

func (h *Handler) resourcePermissions(w http.ResponseWriter, r *http.Request) {
	t := ResourceType(chi.URLParam(r, "type"))
	grants, err := h.service.ListResourcePermissions(r.Context(), t, chi.URLParam(r, "id"))
	if err != nil {
		h.respondServiceError(w, "list resource permissions", err)
		return
	}
	httpx.Success(w, "resource permissions", map[string]any{"permissions": grants})
}

func (h *Handler) respondServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrInvalidResourceType), errors.Is(err, ErrInvalidPermissionType):
		httpx.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrUserNotFound):
		httpx.Error(w, http.StatusNotFound, err.Error())
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.Error(w, http.StatusInternalServerError, "internal error")
	}
}

// actorID pulls the acting principal's id from the request context, set by
// the request gate after authentication.
func actorID(r *http.Request) *int64 {
	if p, ok := PrincipalFromContext(r.Context()); ok {
		id := p.ID
		return &id
	}
	return nil
}
