package machines

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/opsdeck/opsdeck/internal/authz"
	"github.com/opsdeck/opsdeck/internal/platform/httpx"
)

// Handler exposes the machine inventory under /machines.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers the machine routes. Per-machine authorization on
// /machines/{id} is enforced by the request gate.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/{id}", h.show)
	r.Put("/{id}", h.update)
	r.Delete("/{id}", h.remove)
}

type machineRequest struct {
	Name    string `json:"name" validate:"required"`
	Host    string `json:"host" validate:"required,hostname|ip"`
	Port    int    `json:"port" validate:"required,min=1,max=65535"`
	SSHUser string `json:"ssh_user"`
	KeyRef  string `json:"key_ref"`
	Enabled bool   `json:"enabled"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	principal, ok := authz.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	list, err := h.service.List(r.Context(), principal)
	if err != nil {
		h.logger.Error("list machines", slog.Any("error", err))
		httpx.Error(w, http.StatusInternalServerError, "failed to list machines")
		return
	}
	httpx.Success(w, "machines retrieved", map[string]any{"machines": list})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	principal, ok := authz.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req machineRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "name, host and a valid port are required")
		return
	}

	machine, err := h.service.Create(r.Context(), principal, Input(req))
	if err != nil {
		h.respondError(w, "create machine", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, httpx.Envelope{Success: true, Message: "machine created", Data: machine})
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid machine id")
		return
	}
	machine, err := h.service.ByID(r.Context(), id)
	if err != nil {
		h.respondError(w, "load machine", err)
		return
	}
	httpx.Success(w, "machine retrieved", machine)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	principal, ok := authz.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid machine id")
		return
	}
	var req machineRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "name, host and a valid port are required")
		return
	}

	machine, err := h.service.Update(r.Context(), principal, id, Input(req))
	if err != nil {
		h.respondError(w, "update machine", err)
		return
	}
	httpx.Success(w, "machine updated", machine)
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	principal, ok := authz.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid machine id")
		return
	}
	if err := h.service.Delete(r.Context(), principal, id); err != nil {
		h.respondError(w, "delete machine", err)
		return
	}
	httpx.Success(w, "machine deleted", nil)
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	if httpx.RespondError(w, err) {
		return
	}
	h.logger.Error(op, slog.Any("error", err))
	httpx.Error(w, http.StatusInternalServerError, "internal error")
}
