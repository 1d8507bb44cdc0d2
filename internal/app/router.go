package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opsdeck/opsdeck/internal/audit"
	"github.com/opsdeck/opsdeck/internal/auth"
	"github.com/opsdeck/opsdeck/internal/authz"
	"github.com/opsdeck/opsdeck/internal/gate"
	"github.com/opsdeck/opsdeck/internal/guard"
	"github.com/opsdeck/opsdeck/internal/machines"
	"github.com/opsdeck/opsdeck/internal/observability"
	"github.com/opsdeck/opsdeck/internal/projects"
	"github.com/opsdeck/opsdeck/internal/shared"
	"github.com/opsdeck/opsdeck/internal/users"
	"github.com/opsdeck/opsdeck/internal/workspaces"
	"github.com/opsdeck/opsdeck/jobs"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	CSRFManager    *shared.CSRFManager
	Guard          *guard.BruteForceGuard
	Gate           *gate.Gate

	AuthHandler        *auth.Handler
	UsersHandler       *users.Handler
	PermissionsHandler *authz.Handler
	ProjectsHandler    *projects.Handler
	WorkspacesHandler  *workspaces.Handler
	MachinesHandler    *machines.Handler
	AuditHandler       *audit.Handler
	JobHandler         *jobs.Handler

	Pool    *pgxpool.Pool
	Metrics *observability.Metrics
}

// NewRouter constructs the chi.Router with console defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		CSRFManager:    params.CSRFManager,
		Guard:          params.Guard,
		Gate:           params.Gate,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if params.Pool != nil {
			if err := params.Pool.Ping(req.Context()); err != nil {
				http.Error(w, "database unreachable", http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/version", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"version":"` + Version + `"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, "/projects", http.StatusFound)
	})

	if params.AuthHandler != nil {
		r.Route("/auth", params.AuthHandler.MountRoutes)
	}
	if params.ProjectsHandler != nil {
		r.Route("/projects", params.ProjectsHandler.MountRoutes)
	}
	if params.WorkspacesHandler != nil {
		r.Route("/workspaces", params.WorkspacesHandler.MountRoutes)
	}
	if params.MachinesHandler != nil {
		r.Route("/machines", params.MachinesHandler.MountRoutes)
	}
	if params.AuditHandler != nil {
		r.Route("/system/logs", params.AuditHandler.MountRoutes)
	}
	r.Route("/admin", func(admin chi.Router) {
		if params.UsersHandler != nil {
			admin.Route("/users", params.UsersHandler.MountRoutes)
		}
		if params.PermissionsHandler != nil {
			admin.Route("/permissions", params.PermissionsHandler.MountRoutes)
		}
		if params.JobHandler != nil {
			admin.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	return r
}
