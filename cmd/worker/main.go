package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/opsdeck/opsdeck/internal/app"
	"github.com/opsdeck/opsdeck/internal/audit"
	"github.com/opsdeck/opsdeck/internal/authz"
	"github.com/opsdeck/opsdeck/internal/machines"
	"github.com/opsdeck/opsdeck/internal/platform/db"
	"github.com/opsdeck/opsdeck/internal/projects"
	"github.com/opsdeck/opsdeck/internal/users"
	"github.com/opsdeck/opsdeck/internal/workspaces"
	"github.com/opsdeck/opsdeck/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	auditStore := audit.NewPGStore(pool)
	auditService := audit.NewService(auditStore, logger)

	userRepo := users.NewRepository(pool)
	projectRepo := projects.NewRepository(pool)
	workspaceRepo := workspaces.NewRepository(pool)
	machineRepo := machines.NewRepository(pool)

	registry := authz.NewRegistry()
	registry.Register(authz.TypeProject, authz.EntityLookup{Exists: projectRepo.Exists})
	registry.Register(authz.TypeWorkspace, authz.EntityLookup{Exists: workspaceRepo.Exists})
	registry.Register(authz.TypeResource, authz.EntityLookup{Exists: machineRepo.Exists})

	permissionStore := authz.NewPGStore(pool)
	authzService := authz.NewService(permissionStore, userRepo, projectRepo, registry, auditService, logger)

	pruneTask, err := jobs.NewAuditPruneTask(jobs.AuditPrunePayload{Days: cfg.AuditRetentionDays})
	if err != nil {
		logger.Error("build prune task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskPermissionCleanup, Handler: jobs.NewPermissionCleanupHandler(authzService, logger)},
			{Type: jobs.TaskAuditPrune, Handler: jobs.NewAuditPruneHandler(auditService, logger)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.CleanupCron, Task: jobs.NewPermissionCleanupTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "30 3 * * *", Task: pruneTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
