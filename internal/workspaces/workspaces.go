// Package workspaces manages project containers. A workspace-level grant
// extends to every project inside the workspace.
package workspaces

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opsdeck/opsdeck/internal/audit"
	"github.com/opsdeck/opsdeck/internal/authz"
	"github.com/opsdeck/opsdeck/internal/shared"
)

// Workspace groups projects under one owner.
type Workspace struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	OwnerID      int64     `json:"owner_id"`
	ProjectCount int64     `json:"project_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Repository persists workspaces in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// The project count rides along as a scalar subquery so single-row
// fetches and RETURNING clauses share one column list.
const workspaceColumns = `id, name, COALESCE(description, ''), owner_id, created_at, updated_at,
	(SELECT COUNT(*) FROM projects p WHERE p.workspace_id = workspaces.id)`

func scanWorkspace(row pgx.Row) (Workspace, error) {
	var ws Workspace
	err := row.Scan(&ws.ID, &ws.Name, &ws.Description, &ws.OwnerID, &ws.CreatedAt, &ws.UpdatedAt, &ws.ProjectCount)
	return ws, err
}

// Create inserts a workspace.
func (r *Repository) Create(ctx context.Context, ws Workspace) (Workspace, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO workspaces (name, description, owner_id, created_at, updated_at)
		 VALUES ($1, NULLIF($2, ''), $3, NOW(), NOW()) RETURNING `+workspaceColumns,
		ws.Name, ws.Description, ws.OwnerID)
	return scanWorkspace(row)
}

// ByID fetches one workspace.
func (r *Repository) ByID(ctx context.Context, id int64) (Workspace, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE id = $1`, id)
	ws, err := scanWorkspace(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Workspace{}, shared.ErrNotFound
	}
	return ws, err
}

// List returns all workspaces ordered by name.
func (r *Repository) List(ctx context.Context) ([]Workspace, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+workspaceColumns+` FROM workspaces ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

// Update rewrites the mutable workspace fields.
func (r *Repository) Update(ctx context.Context, ws Workspace) (Workspace, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE workspaces SET name = $2, description = NULLIF($3, ''), updated_at = NOW()
		 WHERE id = $1 RETURNING `+workspaceColumns,
		ws.ID, ws.Name, ws.Description)
	updated, err := scanWorkspace(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Workspace{}, shared.ErrNotFound
	}
	return updated, err
}

// Delete removes a workspace. Projects inside keep running; their
// workspace_id is cleared by the schema's ON DELETE SET NULL.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM workspaces WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// Exists reports whether a workspace id resolves, for the orphan sweep.
func (r *Repository) Exists(ctx context.Context, id string) (bool, error) {
	wid, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return false, nil
	}
	var exists bool
	err = r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM workspaces WHERE id = $1)`, wid).Scan(&exists)
	return exists, err
}

// Auditor receives workspace lifecycle events.
type Auditor interface {
	Emit(ctx context.Context, event audit.Event)
}

// PolicyEngine is the slice of the authorization service workspaces use.
type PolicyEngine interface {
	HasAnyGrant(ctx context.Context, principal authz.Principal, t authz.ResourceType, resourceID string) (bool, error)
	Check(ctx context.Context, principal authz.Principal, t authz.ResourceType, resourceID string, perm authz.PermissionType) (bool, error)
}

// Service implements workspace CRUD. Visibility is owner, admin, or any
// workspace grant.
type Service struct {
	repo    *Repository
	policy  PolicyEngine
	auditor Auditor
	logger  *slog.Logger
}

// NewService constructs a Service.
func NewService(repo *Repository, policy PolicyEngine, auditor Auditor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, policy: policy, auditor: auditor, logger: logger}
}

// Input carries the mutable workspace fields.
type Input struct {
	Name        string
	Description string
}

// Create stores a workspace owned by the caller.
func (s *Service) Create(ctx context.Context, principal authz.Principal, in Input) (Workspace, error) {
	if strings.TrimSpace(in.Name) == "" {
		return Workspace{}, fmt.Errorf("%w: workspace name is required", shared.ErrValidation)
	}
	created, err := s.repo.Create(ctx, Workspace{Name: in.Name, Description: in.Description, OwnerID: principal.ID})
	if err != nil {
		return Workspace{}, err
	}
	s.emit(ctx, principal, "workspace created", created.Name)
	return created, nil
}

// List returns workspaces visible to the caller.
func (s *Service) List(ctx context.Context, principal authz.Principal) ([]Workspace, error) {
	all, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	if principal.IsAdmin() {
		return all, nil
	}
	var visible []Workspace
	for _, ws := range all {
		ok, err := s.visible(ctx, principal, ws)
		if err != nil {
			return nil, err
		}
		if ok {
			visible = append(visible, ws)
		}
	}
	return visible, nil
}

// ByID returns one workspace the caller can see.
func (s *Service) ByID(ctx context.Context, principal authz.Principal, id int64) (Workspace, error) {
	ws, err := s.repo.ByID(ctx, id)
	if err != nil {
		return Workspace{}, err
	}
	ok, err := s.visible(ctx, principal, ws)
	if err != nil {
		return Workspace{}, err
	}
	if !ok {
		return Workspace{}, shared.ErrNotFound
	}
	return ws, nil
}

// Update rewrites a workspace; callers need ownership, admin role, or a
// write grant on the workspace.
func (s *Service) Update(ctx context.Context, principal authz.Principal, id int64, in Input) (Workspace, error) {
	if strings.TrimSpace(in.Name) == "" {
		return Workspace{}, fmt.Errorf("%w: workspace name is required", shared.ErrValidation)
	}
	existing, err := s.repo.ByID(ctx, id)
	if err != nil {
		return Workspace{}, err
	}
	if !principal.IsAdmin() && existing.OwnerID != principal.ID {
		ok, err := s.policy.Check(ctx, principal, authz.TypeWorkspace, strconv.FormatInt(id, 10), authz.PermWrite)
		if err != nil {
			return Workspace{}, err
		}
		if !ok {
			return Workspace{}, shared.ErrForbidden
		}
	}

	existing.Name = in.Name
	existing.Description = in.Description
	updated, err := s.repo.Update(ctx, existing)
	if err != nil {
		return Workspace{}, err
	}
	s.emit(ctx, principal, "workspace updated", updated.Name)
	return updated, nil
}

// Delete removes a workspace; only admins and owners may delete.
func (s *Service) Delete(ctx context.Context, principal authz.Principal, id int64) error {
	existing, err := s.repo.ByID(ctx, id)
	if err != nil {
		return err
	}
	if !principal.IsAdmin() && existing.OwnerID != principal.ID {
		return shared.ErrForbidden
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.emit(ctx, principal, "workspace deleted", existing.Name)
	return nil
}

func (s *Service) visible(ctx context.Context, principal authz.Principal, ws Workspace) (bool, error) {
	if principal.IsAdmin() || ws.OwnerID == principal.ID {
		return true, nil
	}
	return s.policy.HasAnyGrant(ctx, principal, authz.TypeWorkspace, strconv.FormatInt(ws.ID, 10))
}

func (s *Service) emit(ctx context.Context, principal authz.Principal, message, name string) {
	if s.auditor == nil {
		return
	}
	id := principal.ID
	s.auditor.Emit(ctx, audit.ChangeEvent(message, &id, "workspace_admin", map[string]any{"workspace": name}))
}
