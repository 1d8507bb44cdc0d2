// Package jobs runs the console's background maintenance through Asynq:
// the orphaned-permission sweep and the audit log retention prune.
package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPermissionCleanup sweeps grants whose user or resource is gone.
	TaskPermissionCleanup = "authz:cleanup_orphans"
	// TaskAuditPrune removes audit entries past the retention window.
	TaskAuditPrune = "audit:prune_logs"
)

// AuditPrunePayload carries the retention override for a prune run.
// Days of zero means the configured default.
type AuditPrunePayload struct {
	Days int `json:"days"`
}

// NewPermissionCleanupTask constructs an orphan sweep task.
func NewPermissionCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskPermissionCleanup, nil)
}

// NewAuditPruneTask constructs a retention prune task.
func NewAuditPruneTask(payload AuditPrunePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditPrune, data), nil
}
