/*
Package workflow provides the expense approval workflow engine.

PURPOSE:
  This package contains the tenant-scoped domain types and algorithms that
  govern an expense's lifecycle: submission, rule-based approver selection,
  multi-step approval/rejection, and terminal resolution. Everything else in
  the system (HTTP handlers, dashboards, currency display) is plumbing
  around this package.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: An exact decimal amount with an ISO currency code
  - Expense: The single shared mutable entity, with embedded approval log
  - ApprovalDecision: An immutable, append-only history entry
  - Entity IDs: Type-safe identifiers for users, companies, expenses, rules

DESIGN PRINCIPLES:
  1. Immutability: ApprovalHistory is append-only, never edited or trimmed
  2. Precision: Uses decimal.Decimal so threshold boundaries are exact
  3. Type Safety: Strong typing for IDs prevents mixing user/company IDs
  4. Derivation: The current-approver pointer is recomputed from the
     history on every transition, never hand-advanced

USAGE:
  exp := workflow.Expense{
      EmployeeID: "emp-123",
      CompanyID:  "acme",
      Amount:     workflow.NewMoney(120.50, "USD"),
      Category:   "Travel",
  }

SEE ALSO:
  - rule.go: Approval rule variants and matching conditions
  - evaluator.go: Approver selection from active rules
  - engine.go: The state machine consuming these types
*/
package workflow

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Exact decimal amount with currency
// =============================================================================

type Money struct {
	Value    decimal.Decimal
	Currency string // ISO 4217 code, upper case
}

func NewMoney(value float64, currency string) Money {
	return Money{Value: decimal.NewFromFloat(value), Currency: currency}
}

func NewMoneyFromString(value, currency string) (Money, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return Money{}, err
	}
	return Money{Value: d, Currency: currency}, nil
}

func (m Money) IsNegative() bool            { return m.Value.IsNegative() }
func (m Money) IsZero() bool                { return m.Value.IsZero() }
func (m Money) GreaterThan(d decimal.Decimal) bool { return m.Value.GreaterThan(d) }
func (m Money) LessThan(d decimal.Decimal) bool    { return m.Value.LessThan(d) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ExpenseID string
type UserID string
type CompanyID string
type RuleID string

// Role is the actor's role within a tenant.
type Role string

const (
	RoleEmployee Role = "employee"
	RoleManager  Role = "manager"
	RoleAdmin    Role = "admin"
	RoleFinance  Role = "finance"
	RoleDirector Role = "director"
)

// Actor is the already-authenticated identity performing an operation.
// Authentication itself happens outside this package; the engine only
// consumes the result.
type Actor struct {
	ID        UserID
	Role      Role
	CompanyID CompanyID
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// =============================================================================
// EXPENSE - The shared mutable entity owned by the engine
// =============================================================================

type ExpenseStatus string

const (
	StatusPending    ExpenseStatus = "pending"
	StatusApproved   ExpenseStatus = "approved"
	StatusRejected   ExpenseStatus = "rejected"
	StatusReimbursed ExpenseStatus = "reimbursed"
)

// Terminal reports whether no further decisions may be recorded.
func (s ExpenseStatus) Terminal() bool { return s != StatusPending }

type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// ApprovalDecision is one entry in an expense's append-only approval log.
type ApprovalDecision struct {
	ApproverID UserID
	Decision   Decision
	Comment    string
	DecidedAt  time.Time
}

// FinalDecision mirrors the terminal outcome on the expense document.
type FinalDecision string

const (
	FinalPending  FinalDecision = "pending"
	FinalApproved FinalDecision = "approved"
	FinalRejected FinalDecision = "rejected"
)

// Expense is one submitted cost claim. All workflow state lives on this
// single document; no cross-document transaction is ever needed.
type Expense struct {
	ID         ExpenseID
	EmployeeID UserID
	CompanyID  CompanyID

	Amount      Money
	Category    string
	Description string
	Date        time.Time
	Tags        []string
	Notes       string

	Status ExpenseStatus

	// Approver routing, computed once at submission by the evaluator.
	Approvers        []UserID
	CompletionPolicy CompletionPolicy

	// Append-only decision log. Never mutated, never truncated.
	ApprovalHistory []ApprovalDecision

	// Pointer into Approvers for sequential routing. Derived from the
	// history on every transition; persisted for uniformity even when the
	// completion policy is not sequential.
	CurrentApproverIndex int

	// Terminal outcome, set exactly once. FinalDecisionBy is nil when the
	// system resolved the expense (auto-approve).
	FinalDecision   FinalDecision
	FinalDecisionBy *UserID
	FinalDecisionAt *time.Time

	// Optimistic concurrency token. Incremented by the store on every
	// successful update; a stale token fails the write.
	Version int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CurrentApprover returns the approver whose decision is awaited under a
// sequential policy, or nil when routing is exhausted or non-sequential.
func (e *Expense) CurrentApprover() *UserID {
	if e.CurrentApproverIndex < len(e.Approvers) {
		id := e.Approvers[e.CurrentApproverIndex]
		return &id
	}
	return nil
}

// HasDecided reports whether the given approver already appears in the log.
func (e *Expense) HasDecided(approver UserID) bool {
	for _, d := range e.ApprovalHistory {
		if d.ApproverID == approver {
			return true
		}
	}
	return false
}

// DecisionCounts tallies the log. Rejections count toward the denominator
// of percentage policies.
func (e *Expense) DecisionCounts() (approved, rejected int) {
	for _, d := range e.ApprovalHistory {
		switch d.Decision {
		case DecisionApproved:
			approved++
		case DecisionRejected:
			rejected++
		}
	}
	return approved, rejected
}

// IsApprover reports membership in the required approver set.
func (e *Expense) IsApprover(id UserID) bool {
	for _, a := range e.Approvers {
		if a == id {
			return true
		}
	}
	return false
}

// Editable reports whether external CRUD (update/delete) is still allowed:
// only while pending and before any decision has been recorded.
func (e *Expense) Editable() bool {
	return e.Status == StatusPending && len(e.ApprovalHistory) == 0
}

// =============================================================================
// COMPLETION POLICY - When do accumulated decisions resolve the expense?
// =============================================================================

type CompletionMode string

const (
	// CompleteAll: every listed approver must approve; any rejection is
	// immediately terminal. Sequential rules additionally enforce order.
	CompleteAll CompletionMode = "all"

	// CompleteAny: the first decision by any listed approver is final.
	CompleteAny CompletionMode = "any"

	// CompletePercentage: approved once the approving fraction of the
	// approver set reaches Threshold. A rejection is terminal only once it
	// makes the threshold unreachable.
	CompletePercentage CompletionMode = "percentage"
)

// CompletionPolicy is the rule-specific predicate the engine evaluates
// after each recorded decision.
type CompletionPolicy struct {
	Mode CompletionMode

	// Sequential forces decisions in Approvers order (CompleteAll only).
	Sequential bool

	// Threshold is the required approving fraction in [0,1] for
	// CompletePercentage. Ignored otherwise.
	Threshold decimal.Decimal
}

// User is the slim directory record the workflow needs for role scoping
// and rule validation. Account management is out of scope.
type User struct {
	ID         UserID
	CompanyID  CompanyID
	Name       string
	Email      string
	Role       Role
	Department string
	ManagerID  *UserID
}
