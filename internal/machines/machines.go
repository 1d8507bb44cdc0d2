// Package machines manages the SSH host inventory. Machine access is
// granted per machine through resource-typed permissions.
package machines

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

// Machine is a managed SSH host. Credentials are referenced, not stored.
type Machine struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Host       string    `json:"host"`
	Port       int       `json:"port"`
	SSHUser    string    `json:"ssh_user,omitempty"`
	KeyRef     string    `json:"key_ref,omitempty"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Repository persists machines in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const machineColumns = "id, name, host, port, COALESCE(ssh_user, ''), COALESCE(key_ref, ''), enabled, created_at, updated_at"

func scanMachine(row pgx.Row) (Machine, error) {
	var m Machine
	err := row.Scan(&m.ID, &m.Name, &m.Host, &m.Port, &m.SSHUser, &m.KeyRef,
		&m.Enabled, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}

// Create inserts a machine.
func (r *Repository) Create(ctx context.Context, m Machine) (Machine, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO machines (name, host, port, ssh_user, key_ref, enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, NOW(), NOW())
		 RETURNING `+machineColumns,
		m.Name, m.Host, m.Port, m.SSHUser, m.KeyRef, m.Enabled)
	return scanMachine(row)
}

// ByID fetches one machine.
func (r *Repository) ByID(ctx context.Context, id int64) (Machine, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+machineColumns+` FROM machines WHERE id = $1`, id)
	m, err := scanMachine(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Machine{}, shared.ErrNotFound
	}
	return m, err
}

// List returns all machines ordered by name.
func (r *Repository) List(ctx context.Context) ([]Machine, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+machineColumns+` FROM machines ORDER BY name`)
	if err != nil {
		return nil, err
	}
	return collectMachines(rows)
}

// ListByIDs returns the machines with the given ids.
func (r *Repository) ListByIDs(ctx context.Context, ids []int64) ([]Machine, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+machineColumns+` FROM machines WHERE id = ANY($1) ORDER BY name`, ids)
	if err != nil {
		return nil, err
	}
	return collectMachines(rows)
}

func collectMachines(rows pgx.Rows) ([]Machine, error) {
	defer rows.Close()
	var out []Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Update rewrites the mutable machine fields.
func (r *Repository) Update(ctx context.Context, m Machine) (Machine, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE machines SET name = $2, host = $3, port = $4, ssh_user = NULLIF($5, ''),
		        key_ref = NULLIF($6, ''), enabled = $7, updated_at = NOW()
		 WHERE id = $1 RETURNING `+machineColumns,
		m.ID, m.Name, m.Host, m.Port, m.SSHUser, m.KeyRef, m.Enabled)
	updated, err := scanMachine(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Machine{}, shared.ErrNotFound
	}
	return updated, err
}

// Delete removes a machine.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM machines WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// Exists reports whether a machine id resolves, for the orphan sweep.
func (r *Repository) Exists(ctx context.Context, id string) (bool, error) {
	mid, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return false, nil
	}
	var exists bool
	err = r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM machines WHERE id = $1)`, mid).Scan(&exists)
	return exists, err
}

// Auditor receives machine lifecycle events.
type Auditor interface {
	Emit(ctx context.Context, event audit.Event)
}

// PolicyEngine is the slice of the authorization service machines use.
type PolicyEngine interface {
	AccessibleMachineIDs(ctx context.Context, principal authz.Principal) ([]int64, bool, error)
}

// Service implements machine inventory administration. Mutations are
// admin-only; reads are filtered to granted machines.
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

// Input carries the mutable machine fields.
type Input struct {
	Name    string
	Host    string
	Port    int
	SSHUser string
	KeyRef  string
	Enabled bool
}

func (in Input) validate() error {
	if strings.TrimSpace(in.Name) == "" || strings.TrimSpace(in.Host) == "" {
		return fmt.Errorf("%w: machine name and host are required", shared.ErrValidation)
	}
	if in.Port <= 0 || in.Port > 65535 {
		return fmt.Errorf("%w: port must be between 1 and 65535", shared.ErrValidation)
	}
	return nil
}

// Create registers a machine; admin only.
func (s *Service) Create(ctx context.Context, principal authz.Principal, in Input) (Machine, error) {
	if !principal.IsAdmin() {
		return Machine{}, shared.ErrForbidden
	}
	if err := in.validate(); err != nil {
		return Machine{}, err
	}
	created, err := s.repo.Create(ctx, Machine{
		Name: in.Name, Host: in.Host, Port: in.Port,
		SSHUser: in.SSHUser, KeyRef: in.KeyRef, Enabled: in.Enabled,
	})
	if err != nil {
		return Machine{}, err
	}
	s.emit(ctx, principal, "machine created", created.Name)
	return created, nil
}

// List returns the machines the caller holds any grant on; admins see all.
func (s *Service) List(ctx context.Context, principal authz.Principal) ([]Machine, error) {
	ids, all, err := s.policy.AccessibleMachineIDs(ctx, principal)
	if err != nil {
		return nil, err
	}
	if all {
		return s.repo.List(ctx)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return s.repo.ListByIDs(ctx, ids)
}

// ByID returns one machine. Per-machine access is enforced by the gate on
// /machines/{id} routes.
func (s *Service) ByID(ctx context.Context, id int64) (Machine, error) {
	return s.repo.ByID(ctx, id)
}

// Update rewrites a machine; admin only.
func (s *Service) Update(ctx context.Context, principal authz.Principal, id int64, in Input) (Machine, error) {
	if !principal.IsAdmin() {
		return Machine{}, shared.ErrForbidden
	}
	if err := in.validate(); err != nil {
		return Machine{}, err
	}
	existing, err := s.repo.ByID(ctx, id)
	if err != nil {
		return Machine{}, err
	}
	existing.Name = in.Name
	existing.Host = in.Host
	existing.Port = in.Port
	existing.SSHUser = in.SSHUser
	existing.KeyRef = in.KeyRef
	existing.Enabled = in.Enabled
	updated, err := s.repo.Update(ctx, existing)
	if err != nil {
		return Machine{}, err
	}
	s.emit(ctx, principal, "machine updated", updated.Name)
	return updated, nil
}

// Delete removes a machine; admin only.
func (s *Service) Delete(ctx context.Context, principal authz.Principal, id int64) error {
	if !principal.IsAdmin() {
		return shared.ErrForbidden
	}
	existing, err := s.repo.ByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.emit(ctx, principal, "machine deleted", existing.Name)
	return nil
}

func (s *Service) emit(ctx context.Context, principal authz.Principal, message, name string) {
	if s.auditor == nil {
		return
	}
	id := principal.ID
	s.auditor.Emit(ctx, audit.ChangeEvent(message, &id, "machine_admin", map[string]any{"machine": name}))
}
