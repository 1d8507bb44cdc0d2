// Package projects manages deployable projects and implements the project
// lookups used by hierarchical access resolution.
package projects

import "time"

// Project is a deployable unit of work.
type Project struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	RepoURL     string    `json:"repo_url,omitempty"`
	Branch      string    `json:"branch,omitempty"`
	OwnerID     int64     `json:"owner_id"`
	WorkspaceID int64     `json:"workspace_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
