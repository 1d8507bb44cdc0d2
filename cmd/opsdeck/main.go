package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/opsdeck/opsdeck/internal/app"
	"github.com/opsdeck/opsdeck/internal/audit"
	"github.com/opsdeck/opsdeck/internal/auth"
	"github.com/opsdeck/opsdeck/internal/authz"
	"github.com/opsdeck/opsdeck/internal/gate"
	"github.com/opsdeck/opsdeck/internal/guard"
	"github.com/opsdeck/opsdeck/internal/machines"
	"github.com/opsdeck/opsdeck/internal/observability"
	"github.com/opsdeck/opsdeck/internal/platform/cache"
	"github.com/opsdeck/opsdeck/internal/platform/db"
	"github.com/opsdeck/opsdeck/internal/projects"
	"github.com/opsdeck/opsdeck/internal/shared"
	"github.com/opsdeck/opsdeck/internal/users"
	"github.com/opsdeck/opsdeck/internal/workspaces"
	"github.com/opsdeck/opsdeck/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, "opsdeck_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)
	metrics := observability.NewMetrics()

	auditStore := audit.NewPGStore(pool)
	auditService := audit.NewService(auditStore, logger)
	auditHandler := audit.NewHandler(logger, auditService)

	userRepo := users.NewRepository(pool)
	userService := users.NewService(userRepo, auditService, logger)
	userHandler := users.NewHandler(logger, userService)

	projectRepo := projects.NewRepository(pool)
	workspaceRepo := workspaces.NewRepository(pool)
	machineRepo := machines.NewRepository(pool)

	registry := authz.NewRegistry()
	registry.Register(authz.TypeProject, authz.EntityLookup{Exists: projectRepo.Exists})
	registry.Register(authz.TypeWorkspace, authz.EntityLookup{Exists: workspaceRepo.Exists})
	registry.Register(authz.TypeResource, authz.EntityLookup{Exists: machineRepo.Exists})

	permissionStore := authz.NewPGStore(pool)
	authzService := authz.NewService(permissionStore, userRepo, projectRepo, registry, auditService, logger)
	permissionsHandler := authz.NewHandler(logger, authzService)

	projectService := projects.NewService(projectRepo, authzService, auditService, logger)
	projectHandler := projects.NewHandler(logger, projectService)

	workspaceService := workspaces.NewService(workspaceRepo, authzService, auditService, logger)
	workspaceHandler := workspaces.NewHandler(logger, workspaceService)

	machineService := machines.NewService(machineRepo, authzService, auditService, logger)
	machineHandler := machines.NewHandler(logger, machineService)

	authService := auth.NewService(userRepo, auditService, logger)
	authHandler := auth.NewHandler(logger, authService, csrfManager)

	loginGuard := guard.New(guard.Config{
		FailureLimit:  cfg.LoginFailureLimit,
		FailureWindow: cfg.LoginFailureWindow,
		BlockDuration: cfg.LoginBlockDuration,
	}, auditService, logger)
	loginGuard.OnBlock(metrics.RecordLoginBlock)

	requestGate := gate.New(authzService, userRepo, projectRepo, auditService, logger)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, jobClient, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		SessionManager:     sessionManager,
		CSRFManager:        csrfManager,
		Guard:              loginGuard,
		Gate:               requestGate,
		AuthHandler:        authHandler,
		UsersHandler:       userHandler,
		PermissionsHandler: permissionsHandler,
		ProjectsHandler:    projectHandler,
		WorkspacesHandler:  workspaceHandler,
		MachinesHandler:    machineHandler,
		AuditHandler:       auditHandler,
		JobHandler:         jobHandler,
		Pool:               pool,
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.AppRequestTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", slog.Any("error", err))
		}
	}()

	logger.Info("opsdeck listening", slog.String("addr", cfg.AppAddr), slog.String("env", cfg.AppEnv))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server run", slog.Any("error", err))
		os.Exit(1)
	}
}
