/*
store.go - Persistence interfaces for the workflow engine

PURPOSE:
  Defines the boundary between the engine and the database. The engine
  mutates exactly one entity (the expense document); rules, company
  policy, and the user directory are read-only inputs. Different
  implementations back these with SQLite or in-memory maps.

CONCURRENCY CONTRACT:
  ExpenseStore.Update takes the version the caller read. If the stored
  version differs, the write is rejected with ErrVersionConflict and
  nothing changes. This is how two racing Decide calls on the same
  expense are serialized: exactly one wins the "satisfies completion"
  transition, the loser retries with fresh state.

APPEND-ONLY AUDIT:
  The audit sink has no update or delete operations. Corrections are new
  events.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - workflow/store/memory.go: In-memory for tests and demos

SEE ALSO:
  - engine.go: The only writer of expenses
  - audit.go: AuditLog interface
*/
package workflow

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// EXPENSE STORE - The one mutable entity
// =============================================================================

// ExpenseFilter narrows listing queries. Nil/empty members match all.
type ExpenseFilter struct {
	CompanyID   CompanyID
	EmployeeIDs []UserID // restrict to these submitters (role scoping)
	Status      ExpenseStatus
	Category    string
	DateFrom    *time.Time
	DateTo      *time.Time
	AmountMin   *decimal.Decimal
	AmountMax   *decimal.Decimal
	Limit       int
	Offset      int
}

// ExpenseStore persists expense documents. All operations are scoped by
// company: a Get with the wrong tenant behaves as not-found.
type ExpenseStore interface {
	// Create persists a new expense at version 1.
	Create(ctx context.Context, e *Expense) error

	// Get returns the expense within the tenant, or ErrExpenseNotFound.
	Get(ctx context.Context, companyID CompanyID, id ExpenseID) (*Expense, error)

	// Update writes the expense if the stored version equals
	// expectedVersion, then increments it. Returns ErrVersionConflict on
	// a stale token; the document is left untouched.
	Update(ctx context.Context, e *Expense, expectedVersion int) error

	// Delete removes a pending, undecided expense. State guards run in
	// the engine before this is called.
	Delete(ctx context.Context, companyID CompanyID, id ExpenseID) error

	// List returns expenses matching the filter, newest first.
	List(ctx context.Context, filter ExpenseFilter) ([]*Expense, error)
}

// =============================================================================
// READ-ONLY SOURCES
// =============================================================================

// RuleStore supplies a tenant's approval rules. The engine only reads
// active rules; administration mutates through its own path.
type RuleStore interface {
	ActiveRules(ctx context.Context, companyID CompanyID) ([]ApprovalRule, error)
	GetRule(ctx context.Context, companyID CompanyID, id RuleID) (*ApprovalRule, error)
	ListRules(ctx context.Context, companyID CompanyID) ([]ApprovalRule, error)
	SaveRule(ctx context.Context, rule *ApprovalRule) error
	DeactivateRule(ctx context.Context, companyID CompanyID, id RuleID) error
}

// PolicyStore supplies tenant settings.
type PolicyStore interface {
	GetPolicy(ctx context.Context, companyID CompanyID) (*CompanyPolicy, error)
	SavePolicy(ctx context.Context, policy *CompanyPolicy) error
}

// UserDirectory supplies the slim user records needed for role scoping
// and department-conditioned rules.
type UserDirectory interface {
	GetUser(ctx context.Context, companyID CompanyID, id UserID) (*User, error)
	ListUsers(ctx context.Context, companyID CompanyID) ([]*User, error)
	TeamOf(ctx context.Context, companyID CompanyID, managerID UserID) ([]*User, error)
	SaveUser(ctx context.Context, u *User) error
}
