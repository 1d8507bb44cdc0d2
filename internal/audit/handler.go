package audit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opsdeck/opsdeck/internal/platform/httpx"
)

// Handler exposes the system log view.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers log routes. Access is enforced by the request gate
// via the log_view system feature.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.listLogs)
	r.Delete("/", h.pruneLogs)
}

func (h *Handler) listLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := Filters{
		Type:   q.Get("type"),
		Level:  q.Get("level"),
		Source: q.Get("source"),
		Search: q.Get("search"),
	}
	if raw := q.Get("user_id"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			filters.UserID = id
		}
	}
	if raw := q.Get("from"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			filters.From = t
		}
	}
	if raw := q.Get("to"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			filters.To = t
		}
	}
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))

	result, err := h.service.List(r.Context(), filters, page, perPage)
	if err != nil {
		h.logger.Error("list logs", slog.Any("error", err))
		httpx.Error(w, http.StatusInternalServerError, "failed to list logs")
		return
	}
	httpx.Success(w, "logs retrieved", result)
}

func (h *Handler) pruneLogs(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	deleted, err := h.service.PruneOlderThan(r.Context(), days)
	if err != nil {
		h.logger.Error("prune logs", slog.Any("error", err))
		httpx.Error(w, http.StatusInternalServerError, "failed to prune logs")
		return
	}
	httpx.Success(w, "old logs removed", map[string]any{"deleted": deleted})
}
