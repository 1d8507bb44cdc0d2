package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/opsdeck/opsdeck/internal/audit"
)

// NewAuditPruneHandler builds the Asynq handler for the audit retention
// prune.
func NewAuditPruneHandler(svc *audit.Service, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload AuditPrunePayload
		if len(t.Payload()) > 0 {
			if err := json.Unmarshal(t.Payload(), &payload); err != nil {
				return asynq.SkipRetry
			}
		}
		deleted, err := svc.PruneOlderThan(ctx, payload.Days)
		if err != nil {
			logger.Error("audit prune failed", slog.Any("error", err))
			return err
		}
		logger.Info("audit prune finished", slog.Int64("deleted", deleted))
		return nil
	}
}
