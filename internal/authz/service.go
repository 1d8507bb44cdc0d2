package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/opsdeck/opsdeck/internal/audit"
	"github.com/opsdeck/opsdeck/internal/shared"
)

// Auditor receives fire-and-forget authorization events.
type Auditor interface {
	Emit(ctx context.Context, event audit.Event)
}

// Service is the policy engine: point checks, hierarchical project access,
// grant lifecycle, batch operations and reporting. It holds no request
// state and performs no side effects beyond store writes and audit events
// on explicit mutations.
type Service struct {
	store    Store
	users    UserDirectory
	projects ProjectDirectory
	registry *Registry
	auditor  Auditor
	logger   *slog.Logger
}

// NewService constructs a Service.
func NewService(store Store, users UserDirectory, projects ProjectDirectory, registry *Registry, auditor Auditor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Service{
		store:    store,
		users:    users,
		projects: projects,
		registry: registry,
		auditor:  auditor,
		logger:   logger,
	}
}

// Check reports whether the principal holds exactly perm on the resource.
// Admins pass unconditionally. Permission levels do not imply each other:
// a write grant does not satisfy a read check.
func (s *Service) Check(ctx context.Context, principal Principal, t ResourceType, resourceID string, perm PermissionType) (bool, error) {
	if principal.IsAdmin() {
		return true, nil
	}
	p, err := s.store.Find(ctx, principal.ID, t, resourceID)
	if err != nil {
		return false, fmt.Errorf("find permission: %w", err)
	}
	return p != nil && p.PermissionType == perm, nil
}

// HasAnyGrant reports whether the principal holds a grant of any level on
// the resource. Used for container visibility, e.g. listing a workspace a
// user can reach through any of its grants.
func (s *Service) HasAnyGrant(ctx context.Context, principal Principal, t ResourceType, resourceID string) (bool, error) {
	if principal.IsAdmin() {
		return true, nil
	}
	p, err := s.store.Find(ctx, principal.ID, t, resourceID)
	if err != nil {
		return false, fmt.Errorf("find permission: %w", err)
	}
	return p != nil, nil
}

// CheckProjectAccess resolves project access across the three independent
// paths: ownership, a direct project grant, or a workspace grant on the
// project's workspace. Any one suffices.
func (s *Service) CheckProjectAccess(ctx context.Context, principal Principal, project ProjectRef, perm PermissionType) (bool, error) {
	if principal.IsAdmin() {
		return true, nil
	}
	if project.OwnerID == principal.ID {
		return true, nil
	}
	ok, err := s.Check(ctx, principal, TypeProject, strconv.FormatInt(project.ID, 10), perm)
	if err != nil || ok {
		return ok, err
	}
	if project.WorkspaceID != 0 {
		return s.Check(ctx, principal, TypeWorkspace, strconv.FormatInt(project.WorkspaceID, 10), perm)
	}
	return false, nil
}

// CheckMachineAccess checks the principal against a machine grant.
func (s *Service) CheckMachineAccess(ctx context.Context, principal Principal, machineID int64, perm PermissionType) (bool, error) {
	return s.Check(ctx, principal, TypeResource, strconv.FormatInt(machineID, 10), perm)
}

// System feature checks use a fixed level per feature rather than the
// method-derived level the request gate applies to its routes.
var featureLevels = map[string]PermissionType{
	FeatureUserManagement: PermAdmin,
	FeatureSystemConfig:   PermAdmin,
	FeatureSystemMonitor:  PermAdmin,
	FeatureLogView:        PermRead,
}

// CheckSystemAccess reports whether the principal may use a system feature.
// Unknown features are denied.
func (s *Service) CheckSystemAccess(ctx context.Context, principal Principal, feature string) (bool, error) {
	level, ok := featureLevels[feature]
	if !ok {
		return false, nil
	}
	return s.Check(ctx, principal, TypeSystem, feature, level)
}

// AccessibleProjects returns the set of projects the principal can reach:
// owned projects, directly granted projects, and projects inside granted
// workspaces, deduplicated by project id. Admins see everything.
func (s *Service) AccessibleProjects(ctx context.Context, principal Principal) ([]ProjectRef, error) {
	if principal.IsAdmin() {
		return s.projects.AllProjects(ctx)
	}

	owned, err := s.projects.ProjectsOwnedBy(ctx, principal.ID)
	if err != nil {
		return nil, fmt.Errorf("owned projects: %w", err)
	}

	grants, err := s.store.ListByUser(ctx, principal.ID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	var projectIDs, workspaceIDs []int64
	for _, g := range grants {
		id, err := strconv.ParseInt(g.ResourceID, 10, 64)
		if err != nil {
			continue
		}
		switch g.ResourceType {
		case TypeProject:
			projectIDs = append(projectIDs, id)
		case TypeWorkspace:
			workspaceIDs = append(workspaceIDs, id)
		}
	}

	var granted, viaWorkspace []ProjectRef
	if len(projectIDs) > 0 {
		granted, err = s.projects.ProjectsByIDs(ctx, projectIDs)
		if err != nil {
			return nil, fmt.Errorf("granted projects: %w", err)
		}
	}
	if len(workspaceIDs) > 0 {
		viaWorkspace, err = s.projects.ProjectsInWorkspaces(ctx, workspaceIDs)
		if err != nil {
			return nil, fmt.Errorf("workspace projects: %w", err)
		}
	}

	seen := make(map[int64]bool)
	var result []ProjectRef
	for _, group := range [][]ProjectRef{owned, granted, viaWorkspace} {
		for _, p := range group {
			if seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			result = append(result, p)
		}
	}
	return result, nil
}

// AccessibleMachineIDs returns the machine ids the principal holds any
// grant on. The second return is true when the principal is an admin and
// the caller should skip filtering entirely.
func (s *Service) AccessibleMachineIDs(ctx context.Context, principal Principal) ([]int64, bool, error) {
	if principal.IsAdmin() {
		return nil, true, nil
	}
	grants, err := s.store.ListByUser(ctx, principal.ID)
	if err != nil {
		return nil, false, fmt.Errorf("list grants: %w", err)
	}
	var ids []int64
	for _, g := range grants {
		if g.ResourceType != TypeResource {
			continue
		}
		id, err := strconv.ParseInt(g.ResourceID, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, false, nil
}

// Grant validates and upserts a permission. A re-grant with a different
// level updates the existing row in place.
func (s *Service) Grant(ctx context.Context, userID int64, t ResourceType, resourceID string, perm PermissionType, grantedBy *int64) (Permission, error) {
	if !t.Valid() {
		return Permission{}, fmt.Errorf("%w: %q", ErrInvalidResourceType, t)
	}
	if !perm.Valid() {
		return Permission{}, fmt.Errorf("%w: %q", ErrInvalidPermissionType, perm)
	}
	if _, err := s.users.PrincipalByID(ctx, userID); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return Permission{}, fmt.Errorf("%w: id %d", ErrUserNotFound, userID)
		}
		return Permission{}, fmt.Errorf("lookup user: %w", err)
	}

	created, err := s.store.Upsert(ctx, Permission{
		UserID:         userID,
		ResourceType:   t,
		ResourceID:     resourceID,
		PermissionType: perm,
	})
	if err != nil {
		return Permission{}, fmt.Errorf("upsert permission: %w", err)
	}

	s.emit(ctx, grantedBy, "permission granted", map[string]any{
		"user_id":         userID,
		"resource_type":   string(t),
		"resource_id":     resourceID,
		"permission_type": string(perm),
	})
	return created, nil
}

// Revoke deletes a grant, reporting whether one existed. Revoking a
// missing grant is a no-op and emits no audit event.
func (s *Service) Revoke(ctx context.Context, userID int64, t ResourceType, resourceID string, revokedBy *int64) (bool, error) {
	if !t.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidResourceType, t)
	}
	found, err := s.store.Remove(ctx, userID, t, resourceID)
	if err != nil {
		return false, fmt.Errorf("remove permission: %w", err)
	}
	if !found {
		return false, nil
	}
	s.emit(ctx, revokedBy, "permission revoked", map[string]any{
		"user_id":       userID,
		"resource_type": string(t),
		"resource_id":   resourceID,
	})
	return true, nil
}

// CopyPermissions replicates fromUser's grants onto toUser, skipping any
// (type, id) pair toUser already holds. Existing destination grants are
// never overwritten. Returns the number of newly created rows, so a second
// run returns zero.
func (s *Service) CopyPermissions(ctx context.Context, fromUser, toUser int64, typeFilter ResourceType, copiedBy *int64) (int, error) {
	if typeFilter != "" && !typeFilter.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidResourceType, typeFilter)
	}
	if _, err := s.users.PrincipalByID(ctx, toUser); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return 0, fmt.Errorf("%w: id %d", ErrUserNotFound, toUser)
		}
		return 0, fmt.Errorf("lookup user: %w", err)
	}

	source, err := s.store.ListByUser(ctx, fromUser)
	if err != nil {
		return 0, fmt.Errorf("list source grants: %w", err)
	}

	copied := 0
	for _, g := range source {
		if typeFilter != "" && g.ResourceType != typeFilter {
			continue
		}
		existing, err := s.store.Find(ctx, toUser, g.ResourceType, g.ResourceID)
		if err != nil {
			return copied, fmt.Errorf("find destination grant: %w", err)
		}
		if existing != nil {
			continue
		}
		if _, err := s.store.Upsert(ctx, Permission{
			UserID:         toUser,
			ResourceType:   g.ResourceType,
			ResourceID:     g.ResourceID,
			PermissionType: g.PermissionType,
		}); err != nil {
			return copied, fmt.Errorf("copy grant: %w", err)
		}
		copied++
	}

	if copied > 0 {
		s.emit(ctx, copiedBy, "permissions copied", map[string]any{
			"from_user": fromUser,
			"to_user":   toUser,
			"copied":    copied,
		})
	}
	return copied, nil
}

// BulkGrant applies Grant per user. Individual failures are logged and do
// not abort the batch; only the success count is returned.
func (s *Service) BulkGrant(ctx context.Context, userIDs []int64, t ResourceType, resourceID string, perm PermissionType, grantedBy *int64) int {
	succeeded := 0
	for _, id := range userIDs {
		if _, err := s.Grant(ctx, id, t, resourceID, perm, grantedBy); err != nil {
			s.logger.Warn("bulk grant item failed",
				slog.Int64("user_id", id),
				slog.String("resource_type", string(t)),
				slog.Any("error", err))
			continue
		}
		succeeded++
	}
	return succeeded
}

// BulkRevoke applies Revoke per user with the same partial-failure
// semantics as BulkGrant. Missing grants count as failures, not successes.
func (s *Service) BulkRevoke(ctx context.Context, userIDs []int64, t ResourceType, resourceID string, revokedBy *int64) int {
	succeeded := 0
	for _, id := range userIDs {
		found, err := s.Revoke(ctx, id, t, resourceID, revokedBy)
		if err != nil {
			s.logger.Warn("bulk revoke item failed",
				slog.Int64("user_id", id),
				slog.String("resource_type", string(t)),
				slog.Any("error", err))
			continue
		}
		if found {
			succeeded++
		}
	}
	return succeeded
}

// CleanupOrphanedPermissions sweeps grants whose user no longer exists,
// then grants whose resource id no longer resolves for each registered
// resource type. Returns deletion counts keyed by category.
func (s *Service) CleanupOrphanedPermissions(ctx context.Context) (map[string]int, error) {
	counts := map[string]int{"users": 0}

	all, err := s.store.ListAll(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}

	userExists := make(map[int64]bool)
	for _, g := range all {
		exists, ok := userExists[g.UserID]
		if !ok {
			_, err := s.users.PrincipalByID(ctx, g.UserID)
			switch {
			case err == nil:
				exists = true
			case errors.Is(err, shared.ErrNotFound):
				exists = false
			default:
				return counts, fmt.Errorf("lookup user %d: %w", g.UserID, err)
			}
			userExists[g.UserID] = exists
		}
		if !exists {
			if err := s.store.Delete(ctx, g.ID); err != nil {
				return counts, fmt.Errorf("delete orphan %d: %w", g.ID, err)
			}
			counts["users"]++
		}
	}

	for _, t := range s.registry.Types() {
		lookup, _ := s.registry.Lookup(t)
		if lookup.Exists == nil {
			continue
		}
		counts[string(t)] = 0

		grants, err := s.store.ListAll(ctx, t)
		if err != nil {
			return counts, fmt.Errorf("list %s permissions: %w", t, err)
		}
		resourceExists := make(map[string]bool)
		for _, g := range grants {
			if g.ResourceID == "" {
				continue // type-wide grants have no entity to dangle from
			}
			if !userExists[g.UserID] {
				continue // already removed by the user sweep
			}
			exists, ok := resourceExists[g.ResourceID]
			if !ok {
				exists, err = lookup.Exists(ctx, g.ResourceID)
				if err != nil {
					return counts, fmt.Errorf("check %s %s: %w", t, g.ResourceID, err)
				}
				resourceExists[g.ResourceID] = exists
			}
			if !exists {
				if err := s.store.Delete(ctx, g.ID); err != nil {
					return counts, fmt.Errorf("delete orphan %d: %w", g.ID, err)
				}
				counts[string(t)]++
			}
		}
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	if total > 0 {
		s.emit(ctx, nil, "orphaned permissions removed", map[string]any{"counts": counts})
	}
	return counts, nil
}

// PermissionMatrix builds the reporting view: username to "type:id" to
// permission level. Grants held by since-deleted users are skipped.
func (s *Service) PermissionMatrix(ctx context.Context, typeFilter ResourceType) (map[string]map[string]PermissionType, error) {
	if typeFilter != "" && !typeFilter.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidResourceType, typeFilter)
	}
	all, err := s.store.ListAll(ctx, typeFilter)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}

	usernames := make(map[int64]string)
	matrix := make(map[string]map[string]PermissionType)
	for _, g := range all {
		name, ok := usernames[g.UserID]
		if !ok {
			principal, err := s.users.PrincipalByID(ctx, g.UserID)
			if err != nil {
				if errors.Is(err, shared.ErrNotFound) {
					usernames[g.UserID] = ""
					continue
				}
				return nil, fmt.Errorf("lookup user %d: %w", g.UserID, err)
			}
			name = principal.Username
			usernames[g.UserID] = name
		}
		if name == "" {
			continue
		}
		if matrix[name] == nil {
			matrix[name] = make(map[string]PermissionType)
		}
		matrix[name][g.ResourceKey()] = g.PermissionType
	}
	return matrix, nil
}

// ListUserPermissions returns every grant a user holds.
func (s *Service) ListUserPermissions(ctx context.Context, userID int64) ([]Permission, error) {
	return s.store.ListByUser(ctx, userID)
}

// ResourceGrant is a grant on one resource annotated with the holder's
// username for display.
type ResourceGrant struct {
	Permission
	Username string `json:"username"`
}

// ListResourcePermissions returns every grant on one resource with the
// holding user's name resolved.
func (s *Service) ListResourcePermissions(ctx context.Context, t ResourceType, resourceID string) ([]ResourceGrant, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidResourceType, t)
	}
	grants, err := s.store.ListByResource(ctx, t, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list resource grants: %w", err)
	}
	result := make([]ResourceGrant, 0, len(grants))
	for _, g := range grants {
		rg := ResourceGrant{Permission: g}
		if principal, err := s.users.PrincipalByID(ctx, g.UserID); err == nil {
			rg.Username = principal.Username
		}
		result = append(result, rg)
	}
	return result, nil
}

func (s *Service) emit(ctx context.Context, actor *int64, message string, details map[string]any) {
	if s.auditor == nil {
		return
	}
	event := audit.Event{
		Type:    audit.TypeAudit,
		Level:   audit.LevelInfo,
		Message: message,
		UserID:  actor,
		Source:  "authz",
		Details: details,
	}
	s.auditor.Emit(ctx, event)
}
