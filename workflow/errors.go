/*
errors.go - Centralized error taxonomy for the workflow engine

PURPOSE:
  All error kinds in one place for consistency and discoverability.
  Every engine operation fails with exactly one of these kinds; callers
  map them to stable machine-readable codes at the HTTP boundary.

ERROR CATEGORIES:
  1. Validation errors  - malformed or missing input fields
  2. Policy violations  - business-rule breaches (amount over ceiling)
  3. Authorization      - actor not eligible for the requested action
  4. State errors       - operation invalid for current lifecycle stage
  5. Configuration      - tenant rules internally inconsistent
  6. Conflict           - concurrent modification detected, retryable

USAGE:
  Callers classify with errors.Is/errors.As:

    if errors.Is(err, workflow.ErrVersionConflict) {
        // retry the Decide with fresh state
    }

SEE ALSO:
  - engine.go: Raises these errors
  - api/handlers.go: Maps them to HTTP statuses and codes
*/
package workflow

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrExpenseNotFound is returned when no matching expense exists within
	// the actor's tenant. Cross-tenant IDs are indistinguishable from
	// missing ones on purpose.
	ErrExpenseNotFound = errors.New("expense not found")

	// ErrCompanyNotFound is returned when the tenant itself is absent.
	ErrCompanyNotFound = errors.New("company not found")

	// ErrRuleNotFound is returned when a referenced approval rule is absent.
	ErrRuleNotFound = errors.New("approval rule not found")

	// ErrUserNotFound is returned when a referenced user is absent from
	// the tenant's directory.
	ErrUserNotFound = errors.New("user not found")

	// ErrNotAuthorized is returned when the actor may not act on the
	// expense now (wrong approver, wrong turn, not in approver set).
	ErrNotAuthorized = errors.New("not authorized")

	// ErrInvalidState is returned for operations against a terminal
	// expense, or CRUD against an expense with recorded decisions.
	ErrInvalidState = errors.New("invalid expense state")

	// ErrVersionConflict is returned when optimistic locking detects a
	// concurrent write. Callers should reload and retry.
	ErrVersionConflict = errors.New("concurrent modification detected")

	// ErrMisconfiguredRule is returned when a tenant's rules cannot yield
	// a usable approver set (empty sequence, exhausted routing, missing
	// fallback). Surfaced to admins, not end users.
	ErrMisconfiguredRule = errors.New("approval rule misconfigured")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports a malformed or missing input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

// PolicyViolation reports a business-rule breach, e.g. an amount over the
// tenant ceiling. Never retried.
type PolicyViolation struct {
	Rule    string
	Message string
}

func (e *PolicyViolation) Error() string {
	return fmt.Sprintf("policy violation (%s): %s", e.Rule, e.Message)
}

// AuthorizationError identifies who attempted what.
type AuthorizationError struct {
	ActorID UserID
	Message string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("actor %s: %s", e.ActorID, e.Message)
}

func (e *AuthorizationError) Unwrap() error { return ErrNotAuthorized }

// StateError reports an operation invalid for the expense's current
// lifecycle stage.
type StateError struct {
	ExpenseID ExpenseID
	Status    ExpenseStatus
	Message   string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("expense %s is %s: %s", e.ExpenseID, e.Status, e.Message)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// ConfigurationError reports internally inconsistent tenant rules. This is
// tenant misconfiguration, not user error.
type ConfigurationError struct {
	RuleID  RuleID
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.RuleID != "" {
		return fmt.Sprintf("rule %s: %s", e.RuleID, e.Message)
	}
	return e.Message
}

func (e *ConfigurationError) Unwrap() error { return ErrMisconfiguredRule }

// ConflictError reports a lost optimistic-concurrency race on an expense.
type ConflictError struct {
	ExpenseID ExpenseID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("expense %s was modified concurrently", e.ExpenseID)
}

func (e *ConflictError) Unwrap() error { return ErrVersionConflict }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry with fresh
// state.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsClientError returns true if the error is due to invalid client input
// or an action the client may not take.
func IsClientError(err error) bool {
	var ve *ValidationError
	var pv *PolicyViolation
	return errors.As(err, &ve) ||
		errors.As(err, &pv) ||
		errors.Is(err, ErrNotAuthorized) ||
		errors.Is(err, ErrInvalidState)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrExpenseNotFound) ||
		errors.Is(err, ErrCompanyNotFound) ||
		errors.Is(err, ErrRuleNotFound) ||
		errors.Is(err, ErrUserNotFound)
}
