package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opsdeck/opsdeck/internal/authz"
	"github.com/opsdeck/opsdeck/internal/shared"
)

// Repository persists users in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const userColumns = "id, username, COALESCE(email, ''), role, active, password_hash, COALESCE(last_login_at, 'epoch'::timestamptz), created_at, updated_at"

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Role, &u.Active,
		&u.PasswordHash, &u.LastLoginAt, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

// Create inserts a new user.
func (r *Repository) Create(ctx context.Context, u User) (User, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO users (username, email, role, active, password_hash, created_at, updated_at)
		 VALUES ($1, NULLIF($2, ''), $3, $4, $5, NOW(), NOW())
		 RETURNING `+userColumns,
		u.Username, u.Email, u.Role, u.Active, u.PasswordHash)
	created, err := scanUser(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return User{}, fmt.Errorf("username %q: %w", u.Username, shared.ErrDuplicate)
		}
		return User{}, err
	}
	return created, nil
}

// ByID fetches one user.
func (r *Repository) ByID(ctx context.Context, id int64) (User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, shared.ErrNotFound
	}
	return u, err
}

// ByUsername fetches one user by name.
func (r *Repository) ByUsername(ctx context.Context, username string) (User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, shared.ErrNotFound
	}
	return u, err
}

// List returns all users ordered by name.
func (r *Repository) List(ctx context.Context) ([]User, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Update rewrites the mutable profile fields.
func (r *Repository) Update(ctx context.Context, u User) (User, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE users SET email = NULLIF($2, ''), role = $3, active = $4, updated_at = NOW()
		 WHERE id = $1 RETURNING `+userColumns,
		u.ID, u.Email, u.Role, u.Active)
	updated, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, shared.ErrNotFound
	}
	return updated, err
}

// UpdatePassword replaces the stored credential hash.
func (r *Repository) UpdatePassword(ctx context.Context, id int64, hash string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1`, id, hash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// TouchLastLogin stamps a successful login.
func (r *Repository) TouchLastLogin(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `UPDATE users SET last_login_at = NOW() WHERE id = $1`, id)
	return err
}

// Delete removes the user. Their permission grants become orphans swept by
// the cleanup job.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// PrincipalByID implements authz.UserDirectory.
func (r *Repository) PrincipalByID(ctx context.Context, id int64) (authz.Principal, error) {
	row := r.pool.QueryRow(ctx, `SELECT id, username, role, active FROM users WHERE id = $1`, id)
	var p authz.Principal
	if err := row.Scan(&p.ID, &p.Username, &p.Role, &p.Active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return authz.Principal{}, shared.ErrNotFound
		}
		return authz.Principal{}, err
	}
	return p, nil
}

var _ authz.UserDirectory = (*Repository)(nil)
