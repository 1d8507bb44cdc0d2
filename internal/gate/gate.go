// Package gate enforces authentication and authorization on every inbound
// request before any business handler runs. It resolves the principal from
// the session, classifies the route, consults the policy engine, and emits
// an access audit event on allowed requests.
package gate

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/opsdeck/opsdeck/internal/audit"
	"github.com/opsdeck/opsdeck/internal/authz"
	"github.com/opsdeck/opsdeck/internal/platform/httpx"
	"github.com/opsdeck/opsdeck/internal/shared"
)

// Authorizer is the slice of the policy engine the gate consults.
type Authorizer interface {
	Check(ctx context.Context, principal authz.Principal, t authz.ResourceType, resourceID string, perm authz.PermissionType) (bool, error)
	CheckProjectAccess(ctx context.Context, principal authz.Principal, project authz.ProjectRef, perm authz.PermissionType) (bool, error)
	CheckSystemAccess(ctx context.Context, principal authz.Principal, feature string) (bool, error)
}

// PrincipalResolver loads the principal for a session user id.
type PrincipalResolver interface {
	PrincipalByID(ctx context.Context, id int64) (authz.Principal, error)
}

// ProjectResolver loads the project a project-scoped route refers to.
type ProjectResolver interface {
	ProjectByID(ctx context.Context, id int64) (authz.ProjectRef, error)
}

// Auditor receives access events; emission must never block the request.
type Auditor interface {
	Emit(ctx context.Context, event audit.Event)
}

// Gate is the request-gating middleware. Construct one at startup and
// mount it after the session middleware.
type Gate struct {
	authorizer Authorizer
	principals PrincipalResolver
	projects   ProjectResolver
	auditor    Auditor
	logger     *slog.Logger
}

// New constructs a Gate.
func New(authorizer Authorizer, principals PrincipalResolver, projects ProjectResolver, auditor Auditor, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		authorizer: authorizer,
		principals: principals,
		projects:   projects,
		auditor:    auditor,
		logger:     logger,
	}
}

// Routes reachable without a session.
var publicPaths = map[string]bool{
	"/":            true,
	"/auth/login":  true,
	"/auth/logout": true,
	"/healthz":     true,
	"/version":     true,
	"/metrics":     true,
	"/favicon.ico": true,
	"/robots.txt":  true,
}

var publicPrefixes = []string{"/static/", "/assets/"}

func isPublic(path string) bool {
	if publicPaths[path] {
		return true
	}
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// methodPermission maps the HTTP method to the required permission level.
// Unrecognized methods require read, the weakest level; chi rejects them
// with 405 before any handler runs anyway.
func methodPermission(method string) authz.PermissionType {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return authz.PermWrite
	case http.MethodDelete:
		return authz.PermAdmin
	default:
		return authz.PermRead
	}
}

var (
	projectPathRe = regexp.MustCompile(`^/projects/(\d+)(/|$)`)
	machinePathRe = regexp.MustCompile(`^/machines/(\d+)(/|$)`)
)

// System feature keys by route prefix, first match wins. The bare /system
// entry catches every other path under the subtree so nothing below it can
// fall through to the default-allow branch.
var systemFeaturePrefixes = []struct {
	prefix  string
	feature string
}{
	{"/system/logs", authz.FeatureLogView},
	{"/system/config", authz.FeatureSystemConfig},
	{"/system/monitor", authz.FeatureSystemMonitor},
	{"/system", authz.FeatureSystemConfig},
}

// Middleware runs the authentication and authorization decision.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublic(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		principal, ok := g.resolvePrincipal(r)
		if !ok {
			g.denyUnauthenticated(w, r)
			return
		}

		allowed, err := g.authorize(r, principal)
		if err != nil {
			g.logger.Error("authorization check failed",
				slog.String("path", r.URL.Path), slog.Any("error", err))
			httpx.Error(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !allowed {
			g.denyForbidden(w, r, principal)
			return
		}

		g.emitAccess(r, principal)
		next.ServeHTTP(w, r.WithContext(authz.ContextWithPrincipal(r.Context(), principal)))
	})
}

// resolvePrincipal loads the session's user and rejects inactive accounts.
func (g *Gate) resolvePrincipal(r *http.Request) (authz.Principal, bool) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil || sess.User() == "" {
		return authz.Principal{}, false
	}
	id, err := strconv.ParseInt(sess.User(), 10, 64)
	if err != nil {
		return authz.Principal{}, false
	}
	principal, err := g.principals.PrincipalByID(r.Context(), id)
	if err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			g.logger.Error("resolve principal", slog.Int64("user_id", id), slog.Any("error", err))
		}
		return authz.Principal{}, false
	}
	if !principal.Active {
		return authz.Principal{}, false
	}
	return principal, true
}

// authorize classifies the route and runs the matching policy check.
// Admins short-circuit every check. Unclassified authenticated routes are
// allowed, matching the console's original enforcement surface.
func (g *Gate) authorize(r *http.Request, principal authz.Principal) (bool, error) {
	if principal.IsAdmin() {
		return true, nil
	}

	path := r.URL.Path
	perm := methodPermission(r.Method)

	if strings.HasPrefix(path, "/admin") {
		return false, nil
	}

	for _, sf := range systemFeaturePrefixes {
		if strings.HasPrefix(path, sf.prefix) {
			return g.authorizer.CheckSystemAccess(r.Context(), principal, sf.feature)
		}
	}

	if m := projectPathRe.FindStringSubmatch(path); m != nil {
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return false, nil
		}
		project, err := g.projects.ProjectByID(r.Context(), id)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				// Let the handler produce its own 404.
				return true, nil
			}
			return false, fmt.Errorf("load project %d: %w", id, err)
		}
		return g.authorizer.CheckProjectAccess(r.Context(), principal, project, perm)
	}

	if m := machinePathRe.FindStringSubmatch(path); m != nil {
		return g.authorizer.Check(r.Context(), principal, authz.TypeResource, m[1], perm)
	}

	return true, nil
}

func (g *Gate) denyUnauthenticated(w http.ResponseWriter, r *http.Request) {
	if httpx.WantsJSON(r) {
		httpx.JSON(w, http.StatusUnauthorized, httpx.Envelope{
			Success:  false,
			Message:  "authentication required",
			Redirect: "/auth/login",
		})
		return
	}
	target := "/auth/login?redirect=" + url.QueryEscape(r.URL.RequestURI())
	http.Redirect(w, r, target, http.StatusFound)
}

var forbiddenPage = template.Must(template.New("forbidden").Parse(`<!DOCTYPE html>
<html>
<head><title>Access denied</title></head>
<body>
<h1>403 &mdash; Access denied</h1>
<p>You do not have permission to view {{.Path}}.</p>
<p><a href="/">Back to dashboard</a></p>
</body>
</html>
`))

func (g *Gate) denyForbidden(w http.ResponseWriter, r *http.Request, principal authz.Principal) {
	g.logger.Warn("access denied",
		slog.String("path", r.URL.Path),
		slog.String("method", r.Method),
		slog.String("username", principal.Username))
	if g.auditor != nil {
		id := principal.ID
		g.auditor.Emit(r.Context(), audit.Event{
			Type:      audit.TypeSecurity,
			Level:     audit.LevelWarn,
			Message:   fmt.Sprintf("access denied: %s %s", r.Method, r.URL.Path),
			UserID:    &id,
			IPAddress: r.RemoteAddr,
			Source:    "gate",
		})
	}

	if httpx.WantsJSON(r) {
		httpx.Error(w, http.StatusForbidden, "you do not have permission to perform this action")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	_ = forbiddenPage.Execute(w, map[string]string{"Path": r.URL.Path})
}

func (g *Gate) emitAccess(r *http.Request, principal authz.Principal) {
	if g.auditor == nil {
		return
	}
	g.auditor.Emit(r.Context(), audit.AccessEvent(
		fmt.Sprintf("%s %s", r.Method, r.URL.Path),
		principal.ID, r.RemoteAddr,
		map[string]any{"username": principal.Username}))
}
