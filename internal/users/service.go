package users

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/bcrypt"

	"github.com/opsdeck/opsdeck/internal/audit"
	"github.com/opsdeck/opsdeck/internal/authz"
	"github.com/opsdeck/opsdeck/internal/shared"
)

// Auditor receives account lifecycle events.
type Auditor interface {
	Emit(ctx context.Context, event audit.Event)
}

// Service implements account administration.
type Service struct {
	repo    *Repository
	auditor Auditor
	logger  *slog.Logger
}

// NewService constructs a Service.
func NewService(repo *Repository, auditor Auditor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, auditor: auditor, logger: logger}
}

// CreateInput carries the fields for a new account.
type CreateInput struct {
	Username string
	Email    string
	Password string
	Role     string
	Active   bool
}

// Create validates and stores a new account with a bcrypt credential.
func (s *Service) Create(ctx context.Context, in CreateInput, actor *int64) (User, error) {
	if !ValidUsername(in.Username) {
		return User{}, fmt.Errorf("%w: username must be 3-32 characters of letters, digits, dot, dash or underscore", shared.ErrValidation)
	}
	if len(in.Password) < 8 {
		return User{}, fmt.Errorf("%w: password must be at least 8 characters", shared.ErrValidation)
	}
	if in.Role == "" {
		in.Role = authz.RoleUser
	}
	if in.Role != authz.RoleUser && in.Role != authz.RoleAdmin {
		return User{}, fmt.Errorf("%w: unknown role %q", shared.ErrValidation, in.Role)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	created, err := s.repo.Create(ctx, User{
		Username:     in.Username,
		Email:        in.Email,
		Role:         in.Role,
		Active:       in.Active,
		PasswordHash: string(hash),
	})
	if err != nil {
		return User{}, err
	}

	s.emit(ctx, actor, "user created", map[string]any{"username": created.Username, "role": created.Role})
	return created, nil
}

// UpdateInput carries the mutable profile fields.
type UpdateInput struct {
	Email  string
	Role   string
	Active bool
}

// Update rewrites a user's profile.
func (s *Service) Update(ctx context.Context, id int64, in UpdateInput, actor *int64) (User, error) {
	if in.Role != authz.RoleUser && in.Role != authz.RoleAdmin {
		return User{}, fmt.Errorf("%w: unknown role %q", shared.ErrValidation, in.Role)
	}
	updated, err := s.repo.Update(ctx, User{ID: id, Email: in.Email, Role: in.Role, Active: in.Active})
	if err != nil {
		return User{}, err
	}
	s.emit(ctx, actor, "user updated", map[string]any{"username": updated.Username, "role": updated.Role, "active": updated.Active})
	return updated, nil
}

// SetPassword replaces a user's credential.
func (s *Service) SetPassword(ctx context.Context, id int64, password string, actor *int64) error {
	if len(password) < 8 {
		return fmt.Errorf("%w: password must be at least 8 characters", shared.ErrValidation)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.repo.UpdatePassword(ctx, id, string(hash)); err != nil {
		return err
	}
	s.emit(ctx, actor, "user password reset", map[string]any{"user_id": id})
	return nil
}

// Delete removes an account. Grants left behind are swept by the orphan
// cleanup job.
func (s *Service) Delete(ctx context.Context, id int64, actor *int64) error {
	user, err := s.repo.ByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.emit(ctx, actor, "user deleted", map[string]any{"username": user.Username})
	return nil
}

// List returns every account.
func (s *Service) List(ctx context.Context) ([]User, error) {
	return s.repo.List(ctx)
}

// ByID returns one account.
func (s *Service) ByID(ctx context.Context, id int64) (User, error) {
	return s.repo.ByID(ctx, id)
}

func (s *Service) emit(ctx context.Context, actor *int64, message string, details map[string]any) {
	if s.auditor == nil {
		return
	}
	s.auditor.Emit(ctx, audit.ChangeEvent(message, actor, "user_admin", details))
}
