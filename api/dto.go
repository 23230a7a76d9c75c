/*
dto.go - Request/response data structures for the HTTP API

PURPOSE:
  Defines the JSON shapes crossing the HTTP boundary. Domain types stay
  internal; handlers convert to and from these DTOs so wire format and
  domain model can evolve independently.

CONVENTIONS:
  - Dates:      YYYY-MM-DD
  - Timestamps: RFC3339
  - Amounts:    decimal strings ("120.50"), never floats

SEE ALSO:
  - handlers.go: Conversion helpers and endpoint implementations
*/
package api

// =============================================================================
// EXPENSES
// =============================================================================

// SubmitExpenseRequest creates a new expense claim.
type SubmitExpenseRequest struct {
	Amount      string   `json:"amount"`
	Currency    string   `json:"currency,omitempty"` // defaults to company currency
	Category    string   `json:"category"`
	Description string   `json:"description"`
	Date        string   `json:"date,omitempty"` // YYYY-MM-DD, defaults to today
	Tags        []string `json:"tags,omitempty"`
	Notes       string   `json:"notes,omitempty"`
}

// UpdateExpenseRequest edits a pending, undecided expense. Absent fields
// are left unchanged.
type UpdateExpenseRequest struct {
	Amount      *string  `json:"amount,omitempty"`
	Category    *string  `json:"category,omitempty"`
	Description *string  `json:"description,omitempty"`
	Date        *string  `json:"date,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Notes       *string  `json:"notes,omitempty"`
}

// DecisionRequest records an approve or reject.
type DecisionRequest struct {
	Comment string `json:"comment,omitempty"`
}

// ApprovalDecisionDTO is one entry of the approval log.
type ApprovalDecisionDTO struct {
	ApproverID string `json:"approver_id"`
	Decision   string `json:"decision"`
	Comment    string `json:"comment,omitempty"`
	DecidedAt  string `json:"decided_at"`
}

// ExpenseDTO is the wire form of an expense document.
type ExpenseDTO struct {
	ID          string   `json:"id"`
	EmployeeID  string   `json:"employee_id"`
	CompanyID   string   `json:"company_id"`
	Amount      string   `json:"amount"`
	Currency    string   `json:"currency"`
	Category    string   `json:"category"`
	Description string   `json:"description"`
	Date        string   `json:"date"`
	Tags        []string `json:"tags,omitempty"`
	Notes       string   `json:"notes,omitempty"`

	Status               string                `json:"status"`
	Approvers            []string              `json:"approvers,omitempty"`
	CompletionMode       string                `json:"completion_mode,omitempty"`
	Sequential           bool                  `json:"sequential,omitempty"`
	ApprovalHistory      []ApprovalDecisionDTO `json:"approval_history"`
	CurrentApprover      *string               `json:"current_approver,omitempty"`
	CurrentApproverIndex int                   `json:"current_approver_index"`

	FinalDecision   string  `json:"final_decision"`
	FinalDecisionBy *string `json:"final_decision_by,omitempty"`
	FinalDecisionAt *string `json:"final_decision_at,omitempty"`

	Version   int    `json:"version"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// =============================================================================
// COMPANY
// =============================================================================

// CompanyDTO exposes tenant policy settings.
type CompanyDTO struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Country           string   `json:"country,omitempty"`
	DefaultCurrency   string   `json:"default_currency"`
	MaxExpenseAmount  string   `json:"max_expense_amount,omitempty"`
	ApprovalRequired  bool     `json:"approval_required"`
	ExpenseCategories []string `json:"expense_categories"`
	DefaultApproverID string   `json:"default_approver_id,omitempty"`
}

// UpdateCategoriesRequest replaces the tenant category list.
type UpdateCategoriesRequest struct {
	Categories []string `json:"categories"`
}

// =============================================================================
// USERS
// =============================================================================

type UserDTO struct {
	ID         string  `json:"id"`
	CompanyID  string  `json:"company_id"`
	Name       string  `json:"name"`
	Email      string  `json:"email,omitempty"`
	Role       string  `json:"role"`
	Department string  `json:"department,omitempty"`
	ManagerID  *string `json:"manager_id,omitempty"`
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditEventDTO struct {
	ID           string `json:"id"`
	CompanyID    string `json:"company_id"`
	UserID       string `json:"user_id,omitempty"`
	Action       string `json:"action"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	Changes      any    `json:"changes,omitempty"`
	Severity     string `json:"severity"`
	Description  string `json:"description,omitempty"`
	Timestamp    string `json:"timestamp"`
}

// =============================================================================
// DASHBOARD
// =============================================================================

// StatusTotal aggregates count and amount for one expense status.
type StatusTotal struct {
	Count  int    `json:"count"`
	Amount string `json:"amount"`
}

// MonthlyTotal is one point of the six-month trend.
type MonthlyTotal struct {
	Month  string `json:"month"` // YYYY-MM
	Count  int    `json:"count"`
	Amount string `json:"amount"`
}

// CategoryTotal aggregates per expense category.
type CategoryTotal struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
	Amount   string `json:"amount"`
}

// DashboardStats is the full dashboard payload, all amounts in Currency.
type DashboardStats struct {
	Currency     string         `json:"currency"`
	ByStatus     map[string]StatusTotal `json:"by_status"`
	MonthlyTrend []MonthlyTotal `json:"monthly_trend"`
	ByCategory   []CategoryTotal `json:"by_category"`
	PendingCount int            `json:"pending_count"`
	AwaitingMe   int            `json:"awaiting_me"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the uniform error body. Code is a stable machine
// identifier; Error is human-readable.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
