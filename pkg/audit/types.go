package audit

import (
	"encoding/json"
	"time"
)

// EventType represents the category of audit event
type EventType string

const (
	// Super-admin ledger events
	EventTypeSuperAdminBootstrap   EventType = "superadmin.bootstrap"
	EventTypeSuperAdminGrant       EventType = "superadmin.grant"
	EventTypeSuperAdminRevoke      EventType = "superadmin.revoke"
	EventTypeSuperAdminGrantDenied EventType = "superadmin.grant_denied"

	// Organization role events
	EventTypeOrgRoleDefine          EventType = "orgrole.define"
	EventTypeOrgRolePermissionGrant EventType = "orgrole.permission_grant"
	EventTypeOrgRoleActivation      EventType = "orgrole.activation"
	EventTypeOrgRoleDelete          EventType = "orgrole.delete"
	EventTypeOrgRoleMemberAssign    EventType = "orgrole.member_assign"
	EventTypeOrgRoleMemberRemove    EventType = "orgrole.member_remove"

	// Reconciliation events
	EventTypeReconcileRun EventType = "reconcile.run"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// ResourceType represents the type of resource being changed
type ResourceType string

const (
	ResourceTypeSuperAdminRole   ResourceType = "super_admin_role"
	ResourceTypeOrganizationRole ResourceType = "organization_role"
	ResourceTypeSystemRole       ResourceType = "system_role"
	ResourceTypeManifest         ResourceType = "manifest"
)

// AuditEvent represents a single audit log entry
type AuditEvent struct {
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// ActorID is the user who performed the action, nil for system actions.
	ActorID        *int64 `json:"actor_id,omitempty"`
	TargetUserID   *int64 `json:"target_user_id,omitempty"`
	OrganizationID *int64 `json:"organization_id,omitempty"`

	ResourceType ResourceType `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`

	RequestID string `json:"request_id,omitempty"`

	Message      string                 `json:"message,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`

	Changes *ChangeDetails `json:"changes,omitempty"`
}

// ChangeDetails tracks before/after values for updates
type ChangeDetails struct {
	Before map[string]interface{} `json:"before,omitempty"`
	After  map[string]interface{} `json:"after,omitempty"`
}

// ToJSON converts the audit event to JSON
func (e *AuditEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// SearchFilter represents filters for searching audit logs
type SearchFilter struct {
	StartTime *time.Time
	EndTime   *time.Time

	ActorID        *int64
	TargetUserID   *int64
	OrganizationID *int64

	EventTypes []EventType
	Status     *EventStatus

	Limit  int
	Offset int
}
