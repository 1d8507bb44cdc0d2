package projects

import (
	"context"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opsdeck/opsdeck/internal/authz"
	"github.com/opsdeck/opsdeck/internal/shared"
)

// Repository persists projects in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const projectColumns = "id, name, COALESCE(description, ''), COALESCE(repo_url, ''), COALESCE(branch, ''), owner_id, COALESCE(workspace_id, 0), created_at, updated_at"

func scanProject(row pgx.Row) (Project, error) {
	var p Project
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.RepoURL, &p.Branch,
		&p.OwnerID, &p.WorkspaceID, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// Create inserts a project.
func (r *Repository) Create(ctx context.Context, p Project) (Project, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO projects (name, description, repo_url, branch, owner_id, workspace_id, created_at, updated_at)
		 VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), $5, NULLIF($6, 0), NOW(), NOW())
		 RETURNING `+projectColumns,
		p.Name, p.Description, p.RepoURL, p.Branch, p.OwnerID, p.WorkspaceID)
	return scanProject(row)
}

// ByID fetches one project.
func (r *Repository) ByID(ctx context.Context, id int64) (Project, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)
	p, err := scanProject(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Project{}, shared.ErrNotFound
	}
	return p, err
}

// Update rewrites the mutable project fields.
func (r *Repository) Update(ctx context.Context, p Project) (Project, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE projects SET name = $2, description = NULLIF($3, ''), repo_url = NULLIF($4, ''),
		        branch = NULLIF($5, ''), workspace_id = NULLIF($6, 0), updated_at = NOW()
		 WHERE id = $1 RETURNING `+projectColumns,
		p.ID, p.Name, p.Description, p.RepoURL, p.Branch, p.WorkspaceID)
	updated, err := scanProject(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Project{}, shared.ErrNotFound
	}
	return updated, err
}

// Delete removes a project.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// List returns all projects ordered by name.
func (r *Repository) List(ctx context.Context) ([]Project, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY name`)
	if err != nil {
		return nil, err
	}
	return collectProjects(rows)
}

// ListByIDs returns the projects with the given ids.
func (r *Repository) ListByIDs(ctx context.Context, ids []int64) ([]Project, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = ANY($1) ORDER BY name`, ids)
	if err != nil {
		return nil, err
	}
	return collectProjects(rows)
}

func collectProjects(rows pgx.Rows) ([]Project, error) {
	defer rows.Close()
	var out []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func toRef(p Project) authz.ProjectRef {
	return authz.ProjectRef{ID: p.ID, Name: p.Name, OwnerID: p.OwnerID, WorkspaceID: p.WorkspaceID}
}

func toRefs(list []Project) []authz.ProjectRef {
	refs := make([]authz.ProjectRef, len(list))
	for i, p := range list {
		refs[i] = toRef(p)
	}
	return refs
}

// ProjectByID implements authz.ProjectDirectory.
func (r *Repository) ProjectByID(ctx context.Context, id int64) (authz.ProjectRef, error) {
	p, err := r.ByID(ctx, id)
	if err != nil {
		return authz.ProjectRef{}, err
	}
	return toRef(p), nil
}

// ProjectsOwnedBy implements authz.ProjectDirectory.
func (r *Repository) ProjectsOwnedBy(ctx context.Context, userID int64) ([]authz.ProjectRef, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE owner_id = $1 ORDER BY name`, userID)
	if err != nil {
		return nil, err
	}
	list, err := collectProjects(rows)
	if err != nil {
		return nil, err
	}
	return toRefs(list), nil
}

// ProjectsByIDs implements authz.ProjectDirectory.
func (r *Repository) ProjectsByIDs(ctx context.Context, ids []int64) ([]authz.ProjectRef, error) {
	list, err := r.ListByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	return toRefs(list), nil
}

// ProjectsInWorkspaces implements authz.ProjectDirectory.
func (r *Repository) ProjectsInWorkspaces(ctx context.Context, workspaceIDs []int64) ([]authz.ProjectRef, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE workspace_id = ANY($1) ORDER BY name`, workspaceIDs)
	if err != nil {
		return nil, err
	}
	list, err := collectProjects(rows)
	if err != nil {
		return nil, err
	}
	return toRefs(list), nil
}

// AllProjects implements authz.ProjectDirectory.
func (r *Repository) AllProjects(ctx context.Context) ([]authz.ProjectRef, error) {
	list, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	return toRefs(list), nil
}

// Exists reports whether a project id resolves, for the orphan sweep.
func (r *Repository) Exists(ctx context.Context, id string) (bool, error) {
	pid, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return false, nil
	}
	var exists bool
	err = r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM projects WHERE id = $1)`, pid).Scan(&exists)
	return exists, err
}

var _ authz.ProjectDirectory = (*Repository)(nil)
