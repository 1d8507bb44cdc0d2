package projects

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/opsdeck/opsdeck/internal/authz"
	"github.com/opsdeck/opsdeck/internal/platform/httpx"
)

// Handler exposes project CRUD under /projects.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers the project routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/{id}", h.show)
	r.Put("/{id}", h.update)
	r.Delete("/{id}", h.remove)
}

type projectRequest struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
	RepoURL     string `json:"repo_url" validate:"omitempty,url"`
	Branch      string `json:"branch"`
	WorkspaceID int64  `json:"workspace_id"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	principal, ok := authz.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	list, err := h.service.List(r.Context(), principal)
	if err != nil {
		h.logger.Error("list projects", slog.Any("error", err))
		httpx.Error(w, http.StatusInternalServerError, "failed to list projects")
		return
	}
	httpx.Success(w, "projects retrieved", map[string]any{"projects": list})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	principal, ok := authz.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req projectRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "name is required and repo_url must be a URL")
		return
	}

	project, err := h.service.Create(r.Context(), principal, Input(req))
	if err != nil {
		h.respondError(w, "create project", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, httpx.Envelope{Success: true, Message: "project created", Data: project})
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	principal, ok := authz.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	id, err := pathID(r)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid project id")
		return
	}
	project, err := h.service.ByID(r.Context(), principal, id)
	if err != nil {
		h.respondError(w, "load project", err)
		return
	}
	httpx.Success(w, "project retrieved", project)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	principal, ok := authz.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	id, err := pathID(r)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid project id")
		return
	}
	var req projectRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "name is required and repo_url must be a URL")
		return
	}

	project, err := h.service.Update(r.Context(), principal, id, Input(req))
	if err != nil {
		h.respondError(w, "update project", err)
		return
	}
	httpx.Success(w, "project updated", project)
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	principal, ok := authz.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	id, err := pathID(r)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid project id")
		return
	}
	if err := h.service.Delete(r.Context(), principal, id); err != nil {
		h.respondError(w, "delete project", err)
		return
	}
	httpx.Success(w, "project deleted", nil)
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	if httpx.RespondError(w, err) {
		return
	}
	h.logger.Error(op, slog.Any("error", err))
	httpx.Error(w, http.StatusInternalServerError, "internal error")
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}
