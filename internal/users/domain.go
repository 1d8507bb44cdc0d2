// Package users manages console accounts and provides the principal
// lookups the authorization layer depends on.
package users

import (
	"regexp"
	"time"
)

// User is a console account. PasswordHash never leaves the package.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	Role         string    `json:"role"`
	Active       bool      `json:"active"`
	PasswordHash string    `json:"-"`
	LastLoginAt  time.Time `json:"last_login_at,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

var usernameRe = regexp.MustCompile(`^[a-zA-Z0-9_.-]{3,32}$`)

// ValidUsername reports whether the name fits the account naming rules.
func ValidUsername(name string) bool {
	return usernameRe.MatchString(name)
}
