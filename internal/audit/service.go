package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/opsdeck/opsdeck/internal/shared"
)

// Service records and queries audit events. Record failures never propagate
// to callers on the Emit path; they are reported to the fallback logger only.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService constructs a Service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Record persists the event synchronously.
func (s *Service) Record(ctx context.Context, event Event) error {
	if s == nil || s.store == nil {
		return errors.New("audit: service not configured")
	}
	if event.Type == "" || event.Level == "" || event.Message == "" {
		return errors.New("audit: event requires type/level/message")
	}
	return s.store.Insert(ctx, event)
}

// Emit writes the event in the background. The write is detached from the
// request context so an aborted request cannot cancel it, and failures are
// swallowed into the fallback logger.
func (s *Service) Emit(ctx context.Context, event Event) {
	if s == nil {
		return
	}
	go func() {
		writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Record(writeCtx, event); err != nil {
			s.logger.Warn("audit write failed",
				slog.Any("error", err),
				slog.String("type", event.Type),
				slog.String("message", event.Message))
		}
	}()
}

// ListResult bundles a page of entries with pagination metadata.
type ListResult struct {
	Entries []Entry           `json:"entries"`
	Paging  shared.Pagination `json:"paging"`
}

// List returns a page of log entries matching the filters, newest first.
func (s *Service) List(ctx context.Context, filters Filters, page, perPage int) (ListResult, error) {
	if perPage <= 0 {
		perPage = 50
	}
	if perPage > 100 {
		perPage = 100
	}
	if page <= 0 {
		page = 1
	}
	entries, total, err := s.store.List(ctx, filters, perPage, (page-1)*perPage)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Entries: entries, Paging: shared.NewPagination(page, perPage, total)}, nil
}

// PruneOlderThan removes entries older than the given number of days and
// records the sweep itself.
func (s *Service) PruneOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		days = 30
	}
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
	deleted, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	s.Emit(ctx, Event{
		Type:    TypeSystem,
		Level:   LevelInfo,
		Message: "pruned old log entries",
		Source:  "system",
		Details: map[string]any{"deleted": deleted, "retention_days": days},
	})
	return deleted, nil
}
