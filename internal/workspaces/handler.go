package workspaces

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/opsdeck/opsdeck/internal/authz"
	"github.com/opsdeck/opsdeck/internal/platform/httpx"
)

// Handler exposes workspace CRUD under /workspaces.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers the workspace routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/{id}", h.show)
	r.Put("/{id}", h.update)
	r.Delete("/{id}", h.remove)
}

type workspaceRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	principal, ok := authz.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	list, err := h.service.List(r.Context(), principal)
	if err != nil {
		h.logger.Error("list workspaces", slog.Any("error", err))
		httpx.Error(w, http.StatusInternalServerError, "failed to list workspaces")
		return
	}
	httpx.Success(w, "workspaces retrieved", map[string]any{"workspaces": list})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	principal, ok := authz.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req workspaceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ws, err := h.service.Create(r.Context(), principal, Input(req))
	if err != nil {
		h.respondError(w, "create workspace", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, httpx.Envelope{Success: true, Message: "workspace created", Data: ws})
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	principal, ok := authz.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid workspace id")
		return
	}
	ws, err := h.service.ByID(r.Context(), principal, id)
	if err != nil {
		h.respondError(w, "load workspace", err)
		return
	}
	httpx.Success(w, "workspace retrieved", ws)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	principal, ok := authz.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid workspace id")
		return
	}
	var req workspaceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ws, err := h.service.Update(r.Context(), principal, id, Input(req))
	if err != nil {
		h.respondError(w, "update workspace", err)
		return
	}
	httpx.Success(w, "workspace updated", ws)
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	principal, ok := authz.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid workspace id")
		return
	}
	if err := h.service.Delete(r.Context(), principal, id); err != nil {
		h.respondError(w, "delete workspace", err)
		return
	}
	httpx.Success(w, "workspace deleted", nil)
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	if httpx.RespondError(w, err) {
		return
	}
	h.logger.Error(op, slog.Any("error", err))
	httpx.Error(w, http.StatusInternalServerError, "internal error")
}
