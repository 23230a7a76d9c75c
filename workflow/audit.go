/*
audit.go - Immutable audit events for workflow transitions

PURPOSE:
  The engine emits one audit event per state transition (submit, approve,
  reject, auto-approve, guarded update/delete). Events are best-effort:
  a failed audit write is logged by the caller and never aborts the
  underlying business operation. Immutability is the sink's contract;
  the engine only appends.

SEE ALSO:
  - store.go: AuditLog interface implemented by the stores
  - engine.go: Emission points
*/
package workflow

import (
	"context"
	"time"
)

// =============================================================================
// AUDIT EVENT
// =============================================================================

type AuditAction string

const (
	AuditExpenseCreated      AuditAction = "expense_created"
	AuditExpenseUpdated      AuditAction = "expense_updated"
	AuditExpenseDeleted      AuditAction = "expense_deleted"
	AuditExpenseApproved     AuditAction = "expense_approved"
	AuditExpenseRejected     AuditAction = "expense_rejected"
	AuditExpenseAutoApproved AuditAction = "expense_auto_approved"
	AuditRuleCreated         AuditAction = "approval_rule_created"
	AuditRuleUpdated         AuditAction = "approval_rule_updated"
	AuditRuleDeleted         AuditAction = "approval_rule_deleted"
	AuditSettingsUpdated     AuditAction = "company_settings_updated"
)

type AuditSeverity string

const (
	SeverityLow      AuditSeverity = "low"
	SeverityMedium   AuditSeverity = "medium"
	SeverityHigh     AuditSeverity = "high"
	SeverityCritical AuditSeverity = "critical"
)

// AuditChanges captures the before/after snapshots of a transition.
// Values are opaque to the sink.
type AuditChanges struct {
	Before any
	After  any
}

// AuditEvent records who did what to which resource, when.
type AuditEvent struct {
	ID           string
	CompanyID    CompanyID
	UserID       UserID // empty for system-initiated transitions
	Action       AuditAction
	ResourceType string
	ResourceID   string
	Changes      AuditChanges
	Severity     AuditSeverity
	Description  string
	Timestamp    time.Time
}

// AuditFilter narrows audit queries. Nil/empty members match everything.
type AuditFilter struct {
	CompanyID CompanyID
	UserID    UserID
	Action    AuditAction
	Resource  string
	Severity  AuditSeverity
	From      *time.Time
	To        *time.Time
	Limit     int
}

// AuditLog is the write-only sink plus an administrative read side.
// Record failures must not abort workflow operations.
type AuditLog interface {
	Record(ctx context.Context, event AuditEvent) error
	Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
}
