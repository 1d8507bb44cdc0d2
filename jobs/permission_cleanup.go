package jobs

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/opsdeck/opsdeck/internal/authz"
)

// NewPermissionCleanupHandler builds the Asynq handler for the orphaned
// permission sweep.
func NewPermissionCleanupHandler(svc *authz.Service, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		counts, err := svc.CleanupOrphanedPermissions(ctx)
		if err != nil {
			logger.Error("permission cleanup failed", slog.Any("error", err))
			return err
		}
		logger.Info("permission cleanup finished", slog.Any("removed", counts))
		return nil
	}
}
