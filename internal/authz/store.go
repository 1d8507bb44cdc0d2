package authz

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists permission grants. Upsert must be atomic with respect to
// the (user_id, resource_type, resource_id) uniqueness key.
type Store interface {
	Upsert(ctx context.Context, p Permission) (Permission, error)
	Remove(ctx context.Context, userID int64, t ResourceType, resourceID string) (bool, error)
	Find(ctx context.Context, userID int64, t ResourceType, resourceID string) (*Permission, error)
	ListByUser(ctx context.Context, userID int64) ([]Permission, error)
	ListByResource(ctx context.Context, t ResourceType, resourceID string) ([]Permission, error)
	ListAll(ctx context.Context, t ResourceType) ([]Permission, error)
	Delete(ctx context.Context, id int64) error
}

// PGStore implements Store on PostgreSQL. The uniqueness invariant is
// enforced by the permissions table's unique index, with ON CONFLICT
// turning a re-grant into an in-place update.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a PostgreSQL backed store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const permissionColumns = "id, user_id, resource_type, resource_id, permission_type, created_at"

// Upsert creates the grant or updates the permission type of an existing one.
func (s *PGStore) Upsert(ctx context.Context, p Permission) (Permission, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO permissions (user_id, resource_type, resource_id, permission_type, created_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (user_id, resource_type, resource_id)
		 DO UPDATE SET permission_type = EXCLUDED.permission_type
		 RETURNING `+permissionColumns,
		p.UserID, p.ResourceType, p.ResourceID, p.PermissionType)
	return scanPermission(row)
}

// Remove deletes the grant, reporting whether a row existed.
func (s *PGStore) Remove(ctx context.Context, userID int64, t ResourceType, resourceID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM permissions WHERE user_id = $1 AND resource_type = $2 AND resource_id = $3`,
		userID, t, resourceID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Find returns the grant for the key, or nil when absent.
func (s *PGStore) Find(ctx context.Context, userID int64, t ResourceType, resourceID string) (*Permission, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+permissionColumns+` FROM permissions
		 WHERE user_id = $1 AND resource_type = $2 AND resource_id = $3`,
		userID, t, resourceID)
	p, err := scanPermission(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// ListByUser returns all grants held by the user, ordered by resource.
func (s *PGStore) ListByUser(ctx context.Context, userID int64) ([]Permission, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+permissionColumns+` FROM permissions
		 WHERE user_id = $1 ORDER BY resource_type, resource_id`, userID)
	if err != nil {
		return nil, err
	}
	return collectPermissions(rows)
}

// ListByResource returns all grants on one resource.
func (s *PGStore) ListByResource(ctx context.Context, t ResourceType, resourceID string) ([]Permission, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+permissionColumns+` FROM permissions
		 WHERE resource_type = $1 AND resource_id = $2 ORDER BY user_id`, t, resourceID)
	if err != nil {
		return nil, err
	}
	return collectPermissions(rows)
}

// ListAll returns every grant, optionally filtered by type.
func (s *PGStore) ListAll(ctx context.Context, t ResourceType) ([]Permission, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if t == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT `+permissionColumns+` FROM permissions ORDER BY user_id, resource_type, resource_id`)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+permissionColumns+` FROM permissions
			 WHERE resource_type = $1 ORDER BY user_id, resource_id`, t)
	}
	if err != nil {
		return nil, err
	}
	return collectPermissions(rows)
}

// Delete removes a grant by primary key.
func (s *PGStore) Delete(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM permissions WHERE id = $1`, id)
	return err
}

func scanPermission(row pgx.Row) (Permission, error) {
	var p Permission
	err := row.Scan(&p.ID, &p.UserID, &p.ResourceType, &p.ResourceID, &p.PermissionType, &p.CreatedAt)
	return p, err
}

func collectPermissions(rows pgx.Rows) ([]Permission, error) {
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

var _ Store = (*PGStore)(nil)
