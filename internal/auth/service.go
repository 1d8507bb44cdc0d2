// Package auth implements session login, logout and self-service profile
// operations. Failed logins surface as 4xx responses so the brute-force
// guard can count them from the response status.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/bcrypt"

	"github.com/opsdeck/opsdeck/internal/audit"
	"github.com/opsdeck/opsdeck/internal/shared"
	"github.com/opsdeck/opsdeck/internal/users"
)

// Auditor receives authentication events.
type Auditor interface {
	Emit(ctx context.Context, event audit.Event)
}

// Service verifies credentials against the user repository.
type Service struct {
	repo    *users.Repository
	auditor Auditor
	logger  *slog.Logger
}

// NewService constructs a Service.
func NewService(repo *users.Repository, auditor Auditor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, auditor: auditor, logger: logger}
}

// Authenticate verifies the username and password. It returns
// shared.ErrInvalidCredentials for unknown users and wrong passwords
// alike, and shared.ErrAccountDisabled for deactivated accounts.
func (s *Service) Authenticate(ctx context.Context, username, password, ip string) (users.User, error) {
	user, err := s.repo.ByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			s.emitFailure(ctx, username, ip, "unknown user")
			return users.User{}, shared.ErrInvalidCredentials
		}
		return users.User{}, fmt.Errorf("lookup user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		s.emitFailure(ctx, username, ip, "wrong password")
		return users.User{}, shared.ErrInvalidCredentials
	}

	if !user.Active {
		s.emitFailure(ctx, username, ip, "account disabled")
		return users.User{}, shared.ErrAccountDisabled
	}

	if err := s.repo.TouchLastLogin(ctx, user.ID); err != nil {
		s.logger.Warn("touch last login", slog.Int64("user_id", user.ID), slog.Any("error", err))
	}
	if s.auditor != nil {
		id := user.ID
		s.auditor.Emit(ctx, audit.Event{
			Type:      audit.TypeSecurity,
			Level:     audit.LevelInfo,
			Message:   fmt.Sprintf("user %s logged in", user.Username),
			UserID:    &id,
			IPAddress: ip,
			Source:    "auth",
		})
	}
	return user, nil
}

// ChangePassword verifies the current credential before storing a new one.
func (s *Service) ChangePassword(ctx context.Context, userID int64, current, next string) error {
	user, err := s.repo.ByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(current)); err != nil {
		return shared.ErrInvalidCredentials
	}
	if len(next) < 8 {
		return fmt.Errorf("%w: password must be at least 8 characters", shared.ErrValidation)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(next), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return s.repo.UpdatePassword(ctx, userID, string(hash))
}

// Profile returns the caller's own account.
func (s *Service) Profile(ctx context.Context, userID int64) (users.User, error) {
	return s.repo.ByID(ctx, userID)
}

// UpdateProfile stores the caller's self-service contact fields.
func (s *Service) UpdateProfile(ctx context.Context, userID int64, email string) (users.User, error) {
	user, err := s.repo.ByID(ctx, userID)
	if err != nil {
		return users.User{}, err
	}
	user.Email = email
	updated, err := s.repo.Update(ctx, user)
	if err != nil {
		return users.User{}, err
	}
	if s.auditor != nil {
		id := userID
		s.auditor.Emit(ctx, audit.ChangeEvent(
			fmt.Sprintf("user %s updated profile", user.Username),
			&id, "update_profile", map[string]any{"email": email}))
	}
	return updated, nil
}

func (s *Service) emitFailure(ctx context.Context, username, ip, reason string) {
	if s.auditor == nil {
		return
	}
	s.auditor.Emit(ctx, audit.SecurityEvent(audit.LevelWarn,
		fmt.Sprintf("login failed for %s", username), ip,
		map[string]any{"reason": reason}))
}
