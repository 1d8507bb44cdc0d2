package projects

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/opsdeck/opsdeck/internal/audit"
	"github.com/opsdeck/opsdeck/internal/authz"
	"github.com/opsdeck/opsdeck/internal/shared"
)

// Auditor receives project lifecycle events.
type Auditor interface {
	Emit(ctx context.Context, event audit.Event)
}

// PolicyEngine is the slice of the authorization service projects consult.
type PolicyEngine interface {
	CheckProjectAccess(ctx context.Context, principal authz.Principal, project authz.ProjectRef, perm authz.PermissionType) (bool, error)
	AccessibleProjects(ctx context.Context, principal authz.Principal) ([]authz.ProjectRef, error)
}

// Service implements project CRUD with per-object authorization.
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

// Input carries the mutable project fields.
type Input struct {
	Name        string
	Description string
	RepoURL     string
	Branch      string
	WorkspaceID int64
}

func (in Input) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: project name is required", shared.ErrValidation)
	}
	return nil
}

// Create stores a new project owned by the caller.
func (s *Service) Create(ctx context.Context, principal authz.Principal, in Input) (Project, error) {
	if err := in.validate(); err != nil {
		return Project{}, err
	}
	created, err := s.repo.Create(ctx, Project{
		Name:        in.Name,
		Description: in.Description,
		RepoURL:     in.RepoURL,
		Branch:      in.Branch,
		OwnerID:     principal.ID,
		WorkspaceID: in.WorkspaceID,
	})
	if err != nil {
		return Project{}, err
	}
	s.emit(ctx, principal, "project created", created.Name)
	return created, nil
}

// List returns the projects the caller can access.
func (s *Service) List(ctx context.Context, principal authz.Principal) ([]Project, error) {
	refs, err := s.policy.AccessibleProjects(ctx, principal)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(refs))
	for i, ref := range refs {
		ids[i] = ref.ID
	}
	return s.repo.ListByIDs(ctx, ids)
}

// ByID returns one project. Route-level access is enforced by the gate;
// this re-checks for callers arriving through other paths.
func (s *Service) ByID(ctx context.Context, principal authz.Principal, id int64) (Project, error) {
	p, err := s.repo.ByID(ctx, id)
	if err != nil {
		return Project{}, err
	}
	ok, err := s.policy.CheckProjectAccess(ctx, principal, toRef(p), authz.PermRead)
	if err != nil {
		return Project{}, err
	}
	if !ok {
		return Project{}, shared.ErrNotFound
	}
	return p, nil
}

// Update rewrites a project the caller may write to.
func (s *Service) Update(ctx context.Context, principal authz.Principal, id int64, in Input) (Project, error) {
	if err := in.validate(); err != nil {
		return Project{}, err
	}
	existing, err := s.repo.ByID(ctx, id)
	if err != nil {
		return Project{}, err
	}
	ok, err := s.policy.CheckProjectAccess(ctx, principal, toRef(existing), authz.PermWrite)
	if err != nil {
		return Project{}, err
	}
	if !ok {
		return Project{}, shared.ErrForbidden
	}

	existing.Name = in.Name
	existing.Description = in.Description
	existing.RepoURL = in.RepoURL
	existing.Branch = in.Branch
	existing.WorkspaceID = in.WorkspaceID
	updated, err := s.repo.Update(ctx, existing)
	if err != nil {
		return Project{}, err
	}
	s.emit(ctx, principal, "project updated", updated.Name)
	return updated, nil
}

// Delete removes a project; only admins and owners may delete.
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
	s.emit(ctx, principal, "project deleted", existing.Name)
	return nil
}

func (s *Service) emit(ctx context.Context, principal authz.Principal, message, name string) {
	if s.auditor == nil {
		return
	}
	id := principal.ID
	s.auditor.Emit(ctx, audit.ChangeEvent(message, &id, "project_admin", map[string]any{"project": name}))
}
