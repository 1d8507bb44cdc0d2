// Package authz implements the permission model and policy engine for the
// console: grants stored per (user, resource type, resource id), point
// checks, and hierarchical project access resolution.
package authz

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ResourceType is the closed category a grant applies to.
type ResourceType string

// Grantable resource types.
const (
	TypeProject   ResourceType = "project"
	TypeWorkspace ResourceType = "workspace"
	TypeResource  ResourceType = "resource"
	TypeScript    ResourceType = "script"
	TypeSystem    ResourceType = "system"
	TypeNode      ResourceType = "node"
)

// ResourceTypes lists every grantable type.
func ResourceTypes() []ResourceType {
	return []ResourceType{TypeProject, TypeWorkspace, TypeResource, TypeScript, TypeSystem, TypeNode}
}

// Valid reports whether t is a known resource type.
func (t ResourceType) Valid() bool {
	switch t {
	case TypeProject, TypeWorkspace, TypeResource, TypeScript, TypeSystem, TypeNode:
		return true
	}
	return false
}

// PermissionType is the level a grant carries. Levels are flat: holding
// write does not imply read, each level must be granted separately.
type PermissionType string

// Permission levels.
const (
	PermRead  PermissionType = "read"
	PermWrite PermissionType = "write"
	PermAdmin PermissionType = "admin"
)

// Valid reports whether p is a known permission type.
func (p PermissionType) Valid() bool {
	switch p {
	case PermRead, PermWrite, PermAdmin:
		return true
	}
	return false
}

// System feature keys grantable under TypeSystem.
const (
	FeatureUserManagement = "user_management"
	FeatureSystemConfig   = "system_config"
	FeatureSystemMonitor  = "system_monitor"
	FeatureLogView        = "log_view"
)

// Permission is a stored authorization fact. ResourceID is empty for
// type-wide grants; for TypeSystem it carries the feature key.
type Permission struct {
	ID             int64          `json:"id"`
	UserID         int64          `json:"user_id"`
	ResourceType   ResourceType   `json:"resource_type"`
	ResourceID     string         `json:"resource_id,omitempty"`
	PermissionType PermissionType `json:"permission_type"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ResourceKey renders the "type:id" key used in the permission matrix.
func (p Permission) ResourceKey() string {
	return fmt.Sprintf("%s:%s", p.ResourceType, p.ResourceID)
}

// User roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Principal is the authenticated actor attached to a request.
type Principal struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	Active   bool   `json:"active"`
}

// IsAdmin reports whether the principal bypasses all permission checks.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// Validation and lookup errors.
var (
	ErrInvalidResourceType   = errors.New("authz: invalid resource type")
	ErrInvalidPermissionType = errors.New("authz: invalid permission type")
	ErrUserNotFound          = errors.New("authz: user not found")
)

// ProjectRef is the slice of a project the policy engine needs: identity,
// owner and optional workspace membership (0 means none).
type ProjectRef struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	OwnerID     int64  `json:"owner_id"`
	WorkspaceID int64  `json:"workspace_id,omitempty"`
}

// UserDirectory provides read-only principal lookups. Implementations
// return shared.ErrNotFound for missing users.
type UserDirectory interface {
	PrincipalByID(ctx context.Context, id int64) (Principal, error)
}

// ProjectDirectory provides the read-only project lookups used by
// hierarchical access resolution.
type ProjectDirectory interface {
	ProjectByID(ctx context.Context, id int64) (ProjectRef, error)
	ProjectsOwnedBy(ctx context.Context, userID int64) ([]ProjectRef, error)
	ProjectsByIDs(ctx context.Context, ids []int64) ([]ProjectRef, error)
	ProjectsInWorkspaces(ctx context.Context, workspaceIDs []int64) ([]ProjectRef, error)
	AllProjects(ctx context.Context) ([]ProjectRef, error)
}
