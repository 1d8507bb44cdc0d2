// Package audit provides the append-only event log shared by the request
// gate, the brute-force guard and the authorization service.
package audit

import "time"

// Event types stored in the logs table.
const (
	TypeSystem   = "system"
	TypeUser     = "user"
	TypeSecurity = "security"
	TypeAudit    = "audit"
)

// Event levels.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
	LevelFatal = "fatal"
)

// Event is a single authorization-relevant record.
type Event struct {
	Type      string         `json:"type"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	UserID    *int64         `json:"user_id,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	Source    string         `json:"source,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Entry is a persisted event as read back from the store.
type Entry struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	UserID    *int64         `json:"user_id,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	Source    string         `json:"source,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Filters narrows log listings.
type Filters struct {
	Type   string
	Level  string
	UserID int64
	Source string
	Search string
	From   time.Time
	To     time.Time
}

// SecurityEvent builds a security-typed event.
func SecurityEvent(level, message, ip string, details map[string]any) Event {
	return Event{Type: TypeSecurity, Level: level, Message: message, IPAddress: ip, Source: "security", Details: details}
}

// AccessEvent builds a user-typed page access event.
func AccessEvent(message string, userID int64, ip string, details map[string]any) Event {
	uid := userID
	return Event{Type: TypeUser, Level: LevelInfo, Message: message, UserID: &uid, IPAddress: ip, Source: "user_action", Details: details}
}

// ChangeEvent builds an audit-typed record for a permission mutation.
func ChangeEvent(message string, actorID *int64, action string, details map[string]any) Event {
	if details == nil {
		details = map[string]any{}
	}
	details["action"] = action
	return Event{Type: TypeAudit, Level: LevelInfo, Message: message, UserID: actorID, Source: "audit", Details: details}
}
