package domain

import "time"

// AuditLogEntry is one row of a shipping order's history. Actor is a resource reference such as
// /users/{uid} or carrier:{name}. IPHash never holds the raw address.
type AuditLogEntry struct {
	ID        string
	Action    string
	TargetRef string
	Actor     string
	ActorType string
	Severity  string
	Metadata  map[string]any
	Diff      map[string]any
	RequestID string
	IPHash    string
	UserAgent string
	CreatedAt time.Time
}
