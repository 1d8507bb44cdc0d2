package authz

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opsdeck/opsdeck/internal/audit"
	"github.com/opsdeck/opsdeck/internal/shared"
)

type memoryStore struct {
	mu     sync.Mutex
	perms  map[string]Permission
	nextID int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{perms: make(map[string]Permission)}
}

func storeKey(userID int64, t ResourceType, resourceID string) string {
	return strconv.FormatInt(userID, 10) + "|" + string(t) + "|" + resourceID
}

func (m *memoryStore) Upsert(ctx context.Context, p Permission) (Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := storeKey(p.UserID, p.ResourceType, p.ResourceID)
	if existing, ok := m.perms[key]; ok {
		existing.PermissionType = p.PermissionType
		m.perms[key] = existing
		return existing, nil
	}
	m.nextID++
	p.ID = m.nextID
	p.CreatedAt = time.Now()
	m.perms[key] = p
	return p, nil
}

func (m *memoryStore) Remove(ctx context.Context, userID int64, t ResourceType, resourceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := storeKey(userID, t, resourceID)
	if _, ok := m.perms[key]; !ok {
		return false, nil
	}
	delete(m.perms, key)
	return true, nil
}

func (m *memoryStore) Find(ctx context.Context, userID int64, t ResourceType, resourceID string) (*Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.perms[storeKey(userID, t, resourceID)]; ok {
		return &p, nil
	}
	return nil, nil
}

func (m *memoryStore) ListByUser(ctx context.Context, userID int64) ([]Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Permission
	for _, p := range m.perms {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memoryStore) ListByResource(ctx context.Context, t ResourceType, resourceID string) ([]Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Permission
	for _, p := range m.perms {
		if p.ResourceType == t && p.ResourceID == resourceID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memoryStore) ListAll(ctx context.Context, t ResourceType) ([]Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Permission
	for _, p := range m.perms {
		if t == "" || p.ResourceType == t {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memoryStore) Delete(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, p := range m.perms {
		if p.ID == id {
			delete(m.perms, key)
			return nil
		}
	}
	return nil
}

func (m *memoryStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.perms)
}

type stubUsers struct {
	users map[int64]Principal
}

func (s *stubUsers) PrincipalByID(ctx context.Context, id int64) (Principal, error) {
	if p, ok := s.users[id]; ok {
		return p, nil
	}
	return Principal{}, shared.ErrNotFound
}

type stubProjects struct {
	projects []ProjectRef
}

func (s *stubProjects) ProjectByID(ctx context.Context, id int64) (ProjectRef, error) {
	for _, p := range s.projects {
		if p.ID == id {
			return p, nil
		}
	}
	return ProjectRef{}, shared.ErrNotFound
}

func (s *stubProjects) ProjectsOwnedBy(ctx context.Context, userID int64) ([]ProjectRef, error) {
	var out []ProjectRef
	for _, p := range s.projects {
		if p.OwnerID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *stubProjects) ProjectsByIDs(ctx context.Context, ids []int64) ([]ProjectRef, error) {
	wanted := make(map[int64]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	var out []ProjectRef
	for _, p := range s.projects {
		if wanted[p.ID] {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *stubProjects) ProjectsInWorkspaces(ctx context.Context, workspaceIDs []int64) ([]ProjectRef, error) {
	wanted := make(map[int64]bool, len(workspaceIDs))
	for _, id := range workspaceIDs {
		wanted[id] = true
	}
	var out []ProjectRef
	for _, p := range s.projects {
		if p.WorkspaceID != 0 && wanted[p.WorkspaceID] {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *stubProjects) AllProjects(ctx context.Context) ([]ProjectRef, error) {
	return s.projects, nil
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

func (a *recordingAuditor) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

func newTestService(t *testing.T, users *stubUsers, projects *stubProjects) (*Service, *memoryStore, *recordingAuditor) {
	t.Helper()
	if users == nil {
		users = &stubUsers{users: map[int64]Principal{}}
	}
	if projects == nil {
		projects = &stubProjects{}
	}
	store := newMemoryStore()
	auditor := &recordingAuditor{}
	svc := NewService(store, users, projects, NewRegistry(), auditor, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return svc, store, auditor
}

func TestAdminBypassesAllChecks(t *testing.T) {
	svc, _, _ := newTestService(t, nil, nil)
	admin := Principal{ID: 1, Role: RoleAdmin}

	for _, rt := range ResourceTypes() {
		ok, err := svc.Check(context.Background(), admin, rt, "42", PermAdmin)
		require.NoError(t, err)
		require.True(t, ok, "admin must pass %s checks", rt)
	}
}

func TestGrantUpsertsInPlace(t *testing.T) {
	users := &stubUsers{users: map[int64]Principal{7: {ID: 7, Username: "deploy"}}}
	svc, store, _ := newTestService(t, users, nil)
	ctx := context.Background()

	_, err := svc.Grant(ctx, 7, TypeProject, "3", PermWrite, nil)
	require.NoError(t, err)
	_, err = svc.Grant(ctx, 7, TypeProject, "3", PermRead, nil)
	require.NoError(t, err)

	require.Equal(t, 1, store.count())
	p, err := store.Find(ctx, 7, TypeProject, "3")
	require.NoError(t, err)
	require.Equal(t, PermRead, p.PermissionType)
}

func TestGrantRejectsInvalidInput(t *testing.T) {
	users := &stubUsers{users: map[int64]Principal{7: {ID: 7}}}
	svc, store, _ := newTestService(t, users, nil)
	ctx := context.Background()

	_, err := svc.Grant(ctx, 7, "galaxy", "3", PermRead, nil)
	require.ErrorIs(t, err, ErrInvalidResourceType)

	_, err = svc.Grant(ctx, 7, TypeProject, "3", "superuser", nil)
	require.ErrorIs(t, err, ErrInvalidPermissionType)

	_, err = svc.Grant(ctx, 99, TypeProject, "3", PermRead, nil)
	require.ErrorIs(t, err, ErrUserNotFound)

	require.Equal(t, 0, store.count())
}

func TestPermissionTypesAreNotHierarchical(t *testing.T) {
	users := &stubUsers{users: map[int64]Principal{7: {ID: 7, Role: RoleUser}}}
	svc, _, _ := newTestService(t, users, nil)
	ctx := context.Background()
	user := Principal{ID: 7, Role: RoleUser}

	_, err := svc.Grant(ctx, 7, TypeWorkspace, "3", PermWrite, nil)
	require.NoError(t, err)

	ok, err := svc.Check(ctx, user, TypeWorkspace, "3", PermWrite)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = svc.Check(ctx, user, TypeWorkspace, "3", PermRead)
	require.NoError(t, err)
	require.False(t, ok, "write grant must not satisfy a read check")
}

func TestRevokeMissingGrantIsNoOp(t *testing.T) {
	svc, store, auditor := newTestService(t, nil, nil)

	found, err := svc.Revoke(context.Background(), 7, TypeProject, "3", nil)
	require.NoError(t, err)
	require.False(t, found)
	require.Equal(t, 0, store.count())
	require.Equal(t, 0, auditor.count())
}

func TestRevokeDeletesAndAudits(t *testing.T) {
	users := &stubUsers{users: map[int64]Principal{7: {ID: 7}}}
	svc, store, auditor := newTestService(t, users, nil)
	ctx := context.Background()

	_, err := svc.Grant(ctx, 7, TypeProject, "3", PermRead, nil)
	require.NoError(t, err)

	found, err := svc.Revoke(ctx, 7, TypeProject, "3", nil)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 0, store.count())
	require.Equal(t, 2, auditor.count())
}

func TestCopyPermissionsIsIdempotent(t *testing.T) {
	users := &stubUsers{users: map[int64]Principal{
		1: {ID: 1, Username: "alice"},
		2: {ID: 2, Username: "bob"},
	}}
	svc, _, _ := newTestService(t, users, nil)
	ctx := context.Background()

	_, err := svc.Grant(ctx, 1, TypeProject, "10", PermRead, nil)
	require.NoError(t, err)
	_, err = svc.Grant(ctx, 1, TypeResource, "20", PermWrite, nil)
	require.NoError(t, err)
	// Bob already holds a different level on project 10; it must survive.
	_, err = svc.Grant(ctx, 2, TypeProject, "10", PermAdmin, nil)
	require.NoError(t, err)

	copied, err := svc.CopyPermissions(ctx, 1, 2, "", nil)
	require.NoError(t, err)
	require.Equal(t, 1, copied)

	p, err := svc.store.Find(ctx, 2, TypeProject, "10")
	require.NoError(t, err)
	require.Equal(t, PermAdmin, p.PermissionType, "existing destination grant must not be overwritten")

	copied, err = svc.CopyPermissions(ctx, 1, 2, "", nil)
	require.NoError(t, err)
	require.Equal(t, 0, copied, "second run must copy nothing")
}

func TestCopyPermissionsTypeFilter(t *testing.T) {
	users := &stubUsers{users: map[int64]Principal{1: {ID: 1}, 2: {ID: 2}}}
	svc, _, _ := newTestService(t, users, nil)
	ctx := context.Background()

	_, err := svc.Grant(ctx, 1, TypeProject, "10", PermRead, nil)
	require.NoError(t, err)
	_, err = svc.Grant(ctx, 1, TypeResource, "20", PermWrite, nil)
	require.NoError(t, err)

	copied, err := svc.CopyPermissions(ctx, 1, 2, TypeResource, nil)
	require.NoError(t, err)
	require.Equal(t, 1, copied)

	p, err := svc.store.Find(ctx, 2, TypeProject, "10")
	require.NoError(t, err)
	require.Nil(t, p)
}

func TestBulkGrantPartialFailure(t *testing.T) {
	users := &stubUsers{users: map[int64]Principal{1: {ID: 1}, 3: {ID: 3}}}
	svc, store, _ := newTestService(t, users, nil)

	// User 2 does not exist; the batch must continue past it.
	succeeded := svc.BulkGrant(context.Background(), []int64{1, 2, 3}, TypeScript, "5", PermRead, nil)
	require.Equal(t, 2, succeeded)
	require.Equal(t, 2, store.count())
}

func TestBulkRevokeCountsOnlyDeletions(t *testing.T) {
	users := &stubUsers{users: map[int64]Principal{1: {ID: 1}, 2: {ID: 2}}}
	svc, _, _ := newTestService(t, users, nil)
	ctx := context.Background()

	_, err := svc.Grant(ctx, 1, TypeScript, "5", PermRead, nil)
	require.NoError(t, err)

	succeeded := svc.BulkRevoke(ctx, []int64{1, 2}, TypeScript, "5", nil)
	require.Equal(t, 1, succeeded)
}

func TestCheckProjectAccessPaths(t *testing.T) {
	users := &stubUsers{users: map[int64]Principal{7: {ID: 7, Role: RoleUser}}}
	svc, _, _ := newTestService(t, users, nil)
	ctx := context.Background()
	user := Principal{ID: 7, Role: RoleUser}

	owned := ProjectRef{ID: 1, OwnerID: 7}
	granted := ProjectRef{ID: 2, OwnerID: 9}
	viaWorkspace := ProjectRef{ID: 3, OwnerID: 9, WorkspaceID: 30}
	unrelated := ProjectRef{ID: 4, OwnerID: 9}

	_, err := svc.Grant(ctx, 7, TypeProject, "2", PermRead, nil)
	require.NoError(t, err)
	_, err = svc.Grant(ctx, 7, TypeWorkspace, "30", PermRead, nil)
	require.NoError(t, err)

	for _, tc := range []struct {
		name    string
		project ProjectRef
		want    bool
	}{
		{"ownership", owned, true},
		{"direct grant", granted, true},
		{"workspace grant", viaWorkspace, true},
		{"no relation", unrelated, false},
	} {
		ok, err := svc.CheckProjectAccess(ctx, user, tc.project, PermRead)
		require.NoError(t, err)
		require.Equal(t, tc.want, ok, tc.name)
	}
}

func TestAccessibleProjectsUnion(t *testing.T) {
	users := &stubUsers{users: map[int64]Principal{7: {ID: 7, Role: RoleUser}}}
	projects := &stubProjects{projects: []ProjectRef{
		{ID: 1, Name: "p1", OwnerID: 7},                  // owned
		{ID: 2, Name: "p2", OwnerID: 9},                  // direct grant
		{ID: 3, Name: "p3", OwnerID: 9, WorkspaceID: 30}, // workspace grant
		{ID: 4, Name: "p4", OwnerID: 9},                  // unreachable
	}}
	svc, _, _ := newTestService(t, users, projects)
	ctx := context.Background()
	user := Principal{ID: 7, Role: RoleUser}

	_, err := svc.Grant(ctx, 7, TypeProject, "2", PermRead, nil)
	require.NoError(t, err)
	// Project 1 also granted directly; it must still appear once.
	_, err = svc.Grant(ctx, 7, TypeProject, "1", PermWrite, nil)
	require.NoError(t, err)
	_, err = svc.Grant(ctx, 7, TypeWorkspace, "30", PermRead, nil)
	require.NoError(t, err)

	accessible, err := svc.AccessibleProjects(ctx, user)
	require.NoError(t, err)

	ids := make([]int64, 0, len(accessible))
	for _, p := range accessible {
		ids = append(ids, p.ID)
	}
	require.ElementsMatch(t, []int64{1, 2, 3}, ids)
}

func TestAccessibleProjectsAdminSeesAll(t *testing.T) {
	projects := &stubProjects{projects: []ProjectRef{{ID: 1}, {ID: 2}, {ID: 3}}}
	svc, _, _ := newTestService(t, nil, projects)

	accessible, err := svc.AccessibleProjects(context.Background(), Principal{ID: 1, Role: RoleAdmin})
	require.NoError(t, err)
	require.Len(t, accessible, 3)
}

func TestCleanupRemovesUserOrphans(t *testing.T) {
	users := &stubUsers{users: map[int64]Principal{1: {ID: 1}, 2: {ID: 2}}}
	svc, store, _ := newTestService(t, users, nil)
	ctx := context.Background()

	_, err := svc.Grant(ctx, 1, TypeProject, "10", PermRead, nil)
	require.NoError(t, err)
	_, err = svc.Grant(ctx, 2, TypeProject, "10", PermRead, nil)
	require.NoError(t, err)
	_, err = svc.Grant(ctx, 2, TypeScript, "5", PermWrite, nil)
	require.NoError(t, err)
	_, err = svc.Grant(ctx, 2, TypeSystem, FeatureLogView, PermRead, nil)
	require.NoError(t, err)

	// User 2 disappears with three grants outstanding.
	delete(users.users, 2)

	counts, err := svc.CleanupOrphanedPermissions(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, counts["users"])
	require.Equal(t, 1, store.count())

	p, err := store.Find(ctx, 1, TypeProject, "10")
	require.NoError(t, err)
	require.NotNil(t, p, "grants of existing users must survive")
}

func TestCleanupRemovesResourceOrphans(t *testing.T) {
	users := &stubUsers{users: map[int64]Principal{1: {ID: 1}}}
	svc, store, _ := newTestService(t, users, nil)
	ctx := context.Background()

	live := map[string]bool{"10": true}
	svc.registry.Register(TypeProject, EntityLookup{
		Exists: func(ctx context.Context, id string) (bool, error) {
			return live[id], nil
		},
	})

	_, err := svc.Grant(ctx, 1, TypeProject, "10", PermRead, nil)
	require.NoError(t, err)
	_, err = svc.Grant(ctx, 1, TypeProject, "11", PermRead, nil)
	require.NoError(t, err)
	// Unregistered type: never swept regardless of id.
	_, err = svc.Grant(ctx, 1, TypeScript, "99", PermRead, nil)
	require.NoError(t, err)

	counts, err := svc.CleanupOrphanedPermissions(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[string(TypeProject)])
	require.Equal(t, 2, store.count())
}

func TestPermissionMatrix(t *testing.T) {
	users := &stubUsers{users: map[int64]Principal{
		1: {ID: 1, Username: "alice"},
		2: {ID: 2, Username: "bob"},
	}}
	svc, _, _ := newTestService(t, users, nil)
	ctx := context.Background()

	_, err := svc.Grant(ctx, 1, TypeProject, "10", PermRead, nil)
	require.NoError(t, err)
	_, err = svc.Grant(ctx, 1, TypeSystem, FeatureLogView, PermRead, nil)
	require.NoError(t, err)
	_, err = svc.Grant(ctx, 2, TypeProject, "10", PermWrite, nil)
	require.NoError(t, err)

	matrix, err := svc.PermissionMatrix(ctx, "")
	require.NoError(t, err)
	require.Equal(t, PermRead, matrix["alice"]["project:10"])
	require.Equal(t, PermRead, matrix["alice"]["system:log_view"])
	require.Equal(t, PermWrite, matrix["bob"]["project:10"])

	filtered, err := svc.PermissionMatrix(ctx, TypeSystem)
	require.NoError(t, err)
	require.Len(t, filtered["alice"], 1)
	require.NotContains(t, filtered, "bob")
}

func TestSystemFeatureLevels(t *testing.T) {
	users := &stubUsers{users: map[int64]Principal{7: {ID: 7, Role: RoleUser}}}
	svc, _, _ := newTestService(t, users, nil)
	ctx := context.Background()
	user := Principal{ID: 7, Role: RoleUser}

	_, err := svc.Grant(ctx, 7, TypeSystem, FeatureLogView, PermRead, nil)
	require.NoError(t, err)
	_, err = svc.Grant(ctx, 7, TypeSystem, FeatureUserManagement, PermRead, nil)
	require.NoError(t, err)

	ok, err := svc.CheckSystemAccess(ctx, user, FeatureLogView)
	require.NoError(t, err)
	require.True(t, ok)

	// user_management requires an admin-level grant; a read grant fails.
	ok, err = svc.CheckSystemAccess(ctx, user, FeatureUserManagement)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = svc.Grant(ctx, 7, TypeSystem, FeatureSystemMonitor, PermAdmin, nil)
	require.NoError(t, err)
	ok, err = svc.CheckSystemAccess(ctx, user, FeatureSystemMonitor)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = svc.CheckSystemAccess(ctx, user, "telemetry_export")
	require.NoError(t, err)
	require.False(t, ok, "unknown features are denied")
}
