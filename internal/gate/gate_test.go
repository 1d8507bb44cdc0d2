package gate

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdeck/opsdeck/internal/audit"
	"github.com/opsdeck/opsdeck/internal/authz"
	"github.com/opsdeck/opsdeck/internal/shared"
)

type stubAuthorizer struct {
	grants map[string]bool
}

func grantKey(t authz.ResourceType, id string, perm authz.PermissionType) string {
	return string(t) + "|" + id + "|" + string(perm)
}

func (s *stubAuthorizer) Check(ctx context.Context, principal authz.Principal, t authz.ResourceType, resourceID string, perm authz.PermissionType) (bool, error) {
	if principal.IsAdmin() {
		return true, nil
	}
	return s.grants[grantKey(t, resourceID, perm)], nil
}

func (s *stubAuthorizer) CheckProjectAccess(ctx context.Context, principal authz.Principal, project authz.ProjectRef, perm authz.PermissionType) (bool, error) {
	if principal.IsAdmin() || project.OwnerID == principal.ID {
		return true, nil
	}
	return s.grants[grantKey(authz.TypeProject, strconv.FormatInt(project.ID, 10), perm)], nil
}

func (s *stubAuthorizer) CheckSystemAccess(ctx context.Context, principal authz.Principal, feature string) (bool, error) {
	if principal.IsAdmin() {
		return true, nil
	}
	return s.grants[grantKey(authz.TypeSystem, feature, authz.PermRead)], nil
}

type stubPrincipals struct {
	principals map[int64]authz.Principal
}

func (s *stubPrincipals) PrincipalByID(ctx context.Context, id int64) (authz.Principal, error) {
	if p, ok := s.principals[id]; ok {
		return p, nil
	}
	return authz.Principal{}, shared.ErrNotFound
}

type stubProjects struct {
	projects map[int64]authz.ProjectRef
}

func (s *stubProjects) ProjectByID(ctx context.Context, id int64) (authz.ProjectRef, error) {
	if p, ok := s.projects[id]; ok {
		return p, nil
	}
	return authz.ProjectRef{}, shared.ErrNotFound
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *recordingAuditor) Emit(ctx context.Context, event audit.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *recordingAuditor) byType(t string) []audit.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []audit.Event
	for _, e := range a.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	gate       *Gate
	authorizer *stubAuthorizer
	auditor    *recordingAuditor
	handler    http.Handler
	reached    *bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	authorizer := &stubAuthorizer{grants: map[string]bool{}}
	principals := &stubPrincipals{principals: map[int64]authz.Principal{
		1: {ID: 1, Username: "root", Role: authz.RoleAdmin, Active: true},
		7: {ID: 7, Username: "dev", Role: authz.RoleUser, Active: true},
		8: {ID: 8, Username: "gone", Role: authz.RoleUser, Active: false},
	}}
	projects := &stubProjects{projects: map[int64]authz.ProjectRef{
		10: {ID: 10, Name: "api", OwnerID: 7},
		11: {ID: 11, Name: "web", OwnerID: 2},
	}}
	auditor := &recordingAuditor{}
	g := New(authorizer, principals, projects, auditor, slog.New(slog.NewTextHandler(io.Discard, nil)))

	reached := false
	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusOK)
	}))
	return &fixture{gate: g, authorizer: authorizer, auditor: auditor, handler: handler, reached: &reached}
}

func requestAs(method, path string, userID int64) *http.Request {
	r := httptest.NewRequest(method, path, nil)
	if userID != 0 {
		sess := &shared.Session{}
		sess.SetUser(strconv.FormatInt(userID, 10))
		r = r.WithContext(shared.ContextWithSession(r.Context(), sess))
	}
	return r
}

func TestPublicPathsSkipAuthentication(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/auth/login", "/healthz", "/version", "/static/app.css"} {
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestAnonymousBrowserRedirectsToLogin(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/projects/10", nil)
	r.Header.Set("Accept", "text/html")

	f.handler.ServeHTTP(rec, r)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/auth/login?redirect=%2Fprojects%2F10", rec.Header().Get("Location"))
	assert.False(t, *f.reached)
}

func TestAnonymousAPICallerGets401(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/projects/10", nil)
	r.Header.Set("Accept", "application/json")

	f.handler.ServeHTTP(rec, r)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"redirect":"/auth/login"`)
	assert.False(t, *f.reached)
}

func TestInactiveUserIsUnauthenticated(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, requestAs(http.MethodGet, "/projects/10", 8))
	assert.Equal(t, http.StatusFound, rec.Code)
}

func TestAdminShortCircuits(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/admin/users", "/projects/11", "/system/logs", "/machines/5"} {
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, requestAs(http.MethodDelete, path, 1))
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestAdminPathsDenyNonAdmins(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	r := requestAs(http.MethodGet, "/admin/permissions", 7)
	r.Header.Set("Accept", "application/json")

	f.handler.ServeHTTP(rec, r)

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.False(t, *f.reached)
	require.Len(t, f.auditor.byType(audit.TypeSecurity), 1)
}

func TestForbiddenBrowserGetsHTML(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	r := requestAs(http.MethodGet, "/admin/permissions", 7)
	r.Header.Set("Accept", "text/html")

	f.handler.ServeHTTP(rec, r)

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "Access denied")
}

func TestProjectRouteUsesProjectAccess(t *testing.T) {
	f := newFixture(t)

	// Owner of project 10, no grant on project 11.
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, requestAs(http.MethodGet, "/projects/10", 7))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	r := requestAs(http.MethodGet, "/projects/11", 7)
	r.Header.Set("Accept", "application/json")
	f.handler.ServeHTTP(rec, r)
	require.Equal(t, http.StatusForbidden, rec.Code)

	// A direct read grant opens GET but not DELETE.
	f.authorizer.grants[grantKey(authz.TypeProject, "11", authz.PermRead)] = true
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, requestAs(http.MethodGet, "/projects/11", 7))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	r = requestAs(http.MethodDelete, "/projects/11", 7)
	r.Header.Set("Accept", "application/json")
	f.handler.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMissingProjectFallsThroughToHandler(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, requestAs(http.MethodGet, "/projects/999", 7))
	assert.Equal(t, http.StatusOK, rec.Code, "the handler owns the 404")
}

func TestMachineRouteUsesResourceGrant(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	r := requestAs(http.MethodPost, "/machines/5/exec", 7)
	r.Header.Set("Accept", "application/json")
	f.handler.ServeHTTP(rec, r)
	require.Equal(t, http.StatusForbidden, rec.Code)

	f.authorizer.grants[grantKey(authz.TypeResource, "5", authz.PermWrite)] = true
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, requestAs(http.MethodPost, "/machines/5/exec", 7))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSystemRouteChecksFeatureKey(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	r := requestAs(http.MethodGet, "/system/logs", 7)
	r.Header.Set("Accept", "application/json")
	f.handler.ServeHTTP(rec, r)
	require.Equal(t, http.StatusForbidden, rec.Code)

	f.authorizer.grants[grantKey(authz.TypeSystem, authz.FeatureLogView, authz.PermRead)] = true
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, requestAs(http.MethodGet, "/system/logs", 7))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnlistedSystemPathRequiresSystemConfig(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	r := requestAs(http.MethodGet, "/system/backup", 7)
	r.Header.Set("Accept", "application/json")
	f.handler.ServeHTTP(rec, r)
	require.Equal(t, http.StatusForbidden, rec.Code, "paths under /system never fall through to default allow")

	f.authorizer.grants[grantKey(authz.TypeSystem, authz.FeatureSystemConfig, authz.PermRead)] = true
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, requestAs(http.MethodGet, "/system/backup", 7))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownMethodRequiresRead(t *testing.T) {
	f := newFixture(t)
	f.authorizer.grants[grantKey(authz.TypeProject, "11", authz.PermRead)] = true

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, requestAs("PROPFIND", "/projects/11", 7))
	assert.Equal(t, http.StatusOK, rec.Code, "unrecognized methods need only read")
}

func TestUnmatchedProtectedRouteIsAllowed(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, requestAs(http.MethodGet, "/dashboard", 7))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAllowedRequestEmitsAccessEvent(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, requestAs(http.MethodGet, "/projects/10", 7))
	require.Equal(t, http.StatusOK, rec.Code)

	events := f.auditor.byType(audit.TypeUser)
	require.Len(t, events, 1)
	assert.Equal(t, "GET /projects/10", events[0].Message)
}

func TestPrincipalAttachedToContext(t *testing.T) {
	authorizer := &stubAuthorizer{grants: map[string]bool{}}
	principals := &stubPrincipals{principals: map[int64]authz.Principal{
		7: {ID: 7, Username: "dev", Role: authz.RoleUser, Active: true},
	}}
	g := New(authorizer, principals, &stubProjects{}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var got authz.Principal
	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = authz.PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestAs(http.MethodGet, "/dashboard", 7))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "dev", got.Username)
}
