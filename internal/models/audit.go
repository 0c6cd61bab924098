package models

import (
	"fmt"
	"strings"
	"time"
)

// AuditAction is the closed set of actions an audit event may carry.
type AuditAction string

const (
	// Authentication lifecycle
	ActionLogin          AuditAction = "LOGIN"
	ActionLogout         AuditAction = "LOGOUT"
	ActionOtpRequested   AuditAction = "OTP_REQUESTED"
	ActionOtpVerified    AuditAction = "OTP_VERIFIED"
	ActionSessionInvalid AuditAction = "SESSION_INVALID"
	ActionRateLimited    AuditAction = "RATE_LIMITED"

	// Authorization
	ActionForbidden       AuditAction = "FORBIDDEN"
	ActionActionPerformed AuditAction = "ACTION_PERFORMED"

	// Administration
	ActionPasswordChanged    AuditAction = "PASSWORD_CHANGED"
	ActionPermissionsChanged AuditAction = "PERMISSIONS_CHANGED"

	// Business events reported by collaborators
	ActionEntityCreated  AuditAction = "ENTITY_CREATED"
	ActionEntityUpdated  AuditAction = "ENTITY_UPDATED"
	ActionEntityDeleted  AuditAction = "ENTITY_DELETED"
	ActionEntityViewed   AuditAction = "ENTITY_VIEWED"
	ActionReportExported AuditAction = "REPORT_EXPORTED"
	ActionFileUploaded   AuditAction = "FILE_UPLOADED"
)

var knownActions = map[AuditAction]struct{}{
	ActionLogin: {}, ActionLogout: {}, ActionOtpRequested: {}, ActionOtpVerified: {},
	ActionSessionInvalid: {}, ActionRateLimited: {}, ActionForbidden: {},
	ActionActionPerformed: {}, ActionPasswordChanged: {}, ActionPermissionsChanged: {},
	ActionEntityCreated: {}, ActionEntityUpdated: {}, ActionEntityDeleted: {},
	ActionEntityViewed: {}, ActionReportExported: {}, ActionFileUploaded: {},
}

// Known reports whether the action belongs to the closed enumeration.
func (a AuditAction) Known() bool {
	_, ok := knownActions[a]
	return ok
}

// ParseAuditAction validates an action supplied by a collaborator.
func ParseAuditAction(s string) (AuditAction, error) {
	a := AuditAction(strings.ToUpper(strings.TrimSpace(s)))
	if !a.Known() {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
	return a, nil
}

// ShouldForward returns true for security-relevant actions that downstream consumers
// subscribe to. High-volume business events stay local to the audit table.
func (a AuditAction) ShouldForward() bool {
	switch a {
	case ActionEntityViewed, ActionActionPerformed:
		return false
	default:
		return a.Known()
	}
}

// AuditEvent is an immutable audit record.
type AuditEvent struct {
	ID              string         `json:"id"`
	Timestamp       time.Time      `json:"timestamp"`
	ActorID         *string        `json:"actor_id,omitempty"` // nil for system-initiated events
	ActorIdentifier string         `json:"actor_identifier,omitempty"`
	Role            Role           `json:"role,omitempty"`
	Action          AuditAction    `json:"action"`
	EntityType      string         `json:"entity_type,omitempty"`
	EntityID        string         `json:"entity_id,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Success         bool           `json:"success"`
	ErrorMessage    *string        `json:"error_message,omitempty"`
	IPAddress       string         `json:"ip_address,omitempty"`
	UserAgent       string         `json:"user_agent,omitempty"`
	RequestID       string         `json:"request_id,omitempty"`
	Signature       string         `json:"signature,omitempty"`
}

// AuditFilter selects audit events for reporting collaborators.
type AuditFilter struct {
	ActorID    string
	Action     AuditAction
	EntityType string
	EntityID   string
	Success    *bool
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
	Ascending  bool
}

const (
	DefaultAuditPageSize = 50
	MaxAuditPageSize     = 500
)

// Normalize clamps pagination to sane bounds.
func (f AuditFilter) Normalize() AuditFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultAuditPageSize
	}
	if f.Limit > MaxAuditPageSize {
		f.Limit = MaxAuditPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Matches reports whether e satisfies every set field of the filter.
func (f AuditFilter) Matches(e *AuditEvent) bool {
	if f.ActorID != "" && (e.ActorID == nil || *e.ActorID != f.ActorID) {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.Success != nil && e.Success != *f.Success {
		return false
	}
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !e.Timestamp.Before(*f.Until) {
		return false
	}
	return true
}

// Origin carries request provenance for audit records.
type Origin struct {
	IPAddress string
	UserAgent string
	RequestID string
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
