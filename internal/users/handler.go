package users

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/opsdeck/opsdeck/internal/authz"
	"github.com/opsdeck/opsdeck/internal/platform/httpx"
)

// Handler exposes account administration under /admin/users. The request
// gate restricts the subtree to admins.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers the user admin routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/{id}", h.show)
	r.Put("/{id}", h.update)
	r.Post("/{id}/password", h.setPassword)
	r.Delete("/{id}", h.remove)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.List(r.Context())
	if err != nil {
		h.logger.Error("list users", slog.Any("error", err))
		httpx.Error(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	httpx.Success(w, "users retrieved", map[string]any{"users": list})
}

type createRequest struct {
	Username string `json:"username" validate:"required"`
	Email    string `json:"email" validate:"omitempty,email"`
	Password string `json:"password" validate:"required"`
	Role     string `json:"role"`
	Active   *bool  `json:"active"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "username and password are required")
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	user, err := h.service.Create(r.Context(), CreateInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Role:     req.Role,
		Active:   active,
	}, actorID(r))
	if err != nil {
		h.respondError(w, "create user", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, httpx.Envelope{Success: true, Message: "user created", Data: user})
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid user id")
		return
	}
	user, err := h.service.ByID(r.Context(), id)
	if err != nil {
		h.respondError(w, "load user", err)
		return
	}
	httpx.Success(w, "user retrieved", user)
}

type updateRequest struct {
	Email  string `json:"email" validate:"omitempty,email"`
	Role   string `json:"role" validate:"required"`
	Active bool   `json:"active"`
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid user id")
		return
	}
	var req updateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "role is required")
		return
	}

	user, err := h.service.Update(r.Context(), id, UpdateInput(req), actorID(r))
	if err != nil {
		h.respondError(w, "update user", err)
		return
	}
	httpx.Success(w, "user updated", user)
}

type passwordRequest struct {
	Password string `json:"password" validate:"required"`
}

func (h *Handler) setPassword(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid user id")
		return
	}
	var req passwordRequest
	if err := httpx.DecodeJSON(r, &req); err != nil || req.Password == "" {
		httpx.Error(w, http.StatusBadRequest, "password is required")
		return
	}
	if err := h.service.SetPassword(r.Context(), id, req.Password, actorID(r)); err != nil {
		h.respondError(w, "set password", err)
		return
	}
	httpx.Success(w, "password updated", nil)
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if err := h.service.Delete(r.Context(), id, actorID(r)); err != nil {
		h.respondError(w, "delete user", err)
		return
	}
	httpx.Success(w, "user deleted", nil)
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

func actorID(r *http.Request) *int64 {
	if p, ok := authz.PrincipalFromContext(r.Context()); ok {
		id := p.ID
		return &id
	}
	return nil
}
