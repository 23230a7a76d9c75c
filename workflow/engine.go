/*
engine.go - Approval workflow state machine

PURPOSE:
  Orchestrates the expense lifecycle: submission with policy validation
  and approver routing, decision recording with eligibility checks, and
  terminal resolution via the completion policy. This is the ONLY writer
  of expense documents.

STATE MACHINE:
  pending(awaiting approver i) -> pending(awaiting approver i+1) -> ...
                               -> approved | rejected        (terminal)

  `reimbursed` exists as a post-terminal status mutated by an external
  payout process; the engine never sets it and refuses decisions on it.

ELIGIBILITY:
  - Admins of the tenant are always eligible. An admin outside the
    approver set acts as an override: their decision is immediately final.
  - Sequential policies require the actor to be the approver the derived
    index points at.
  - Non-sequential policies require set membership and no prior decision
    by the same actor.

ATOMICITY:
  Every transition is a single read-modify-write of one expense document
  guarded by an optimistic version token. A lost race surfaces as
  ConflictError; nothing is partially written. The history entry and the
  status change always land together.

AUDIT:
  One event per transition, best-effort. A failed audit write is logged
  and swallowed so a logging fault cannot block business operations.

SEE ALSO:
  - evaluator.go: Routing and completion predicates
  - store.go: Persistence contracts the engine relies on
*/
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// ENGINE
// =============================================================================

// Engine coordinates all expense state transitions.
type Engine struct {
	Expenses ExpenseStore
	Rules    RuleStore
	Policies PolicyStore
	Users    UserDirectory
	Audit    AuditLog

	// Now is the clock, injectable for tests. Defaults to time.Now.
	Now func() time.Time

	evaluator Evaluator
}

// NewEngine wires an engine over the given stores.
func NewEngine(expenses ExpenseStore, rules RuleStore, policies PolicyStore, users UserDirectory, audit AuditLog) *Engine {
	return &Engine{
		Expenses: expenses,
		Rules:    rules,
		Policies: policies,
		Users:    users,
		Audit:    audit,
		Now:      time.Now,
	}
}

// =============================================================================
// SUBMIT
// =============================================================================

// SubmitInput carries the validated fields of a new expense claim.
type SubmitInput struct {
	Amount      decimal.Decimal
	Currency    string
	Category    string
	Description string
	Date        time.Time
	Tags        []string
	Notes       string
}

// Submit validates the claim against company policy, routes it through
// the rule evaluator, and persists it. Auto-approved expenses are created
// already terminal with an empty history and no attributed decider.
func (en *Engine) Submit(ctx context.Context, actor Actor, in SubmitInput) (*Expense, error) {
	if in.Amount.IsNegative() {
		return nil, &ValidationError{Field: "amount", Message: "amount cannot be negative"}
	}
	if in.Amount.IsZero() {
		return nil, &ValidationError{Field: "amount", Message: "amount is required"}
	}
	if in.Category == "" {
		return nil, &ValidationError{Field: "category", Message: "category is required"}
	}
	if in.Description == "" {
		return nil, &ValidationError{Field: "description", Message: "description is required"}
	}

	policy, err := en.Policies.GetPolicy(ctx, actor.CompanyID)
	if err != nil {
		return nil, err
	}

	currency := in.Currency
	if currency == "" {
		currency = policy.DefaultCurrency
	}
	// Thresholds are denominated in the tenant's default currency and
	// compared without conversion, so every claim must be stated in it.
	if currency != policy.DefaultCurrency {
		return nil, &ValidationError{
			Field:   "currency",
			Message: fmt.Sprintf("expenses must be submitted in %s", policy.DefaultCurrency),
		}
	}
	if !policy.HasCategory(in.Category) {
		return nil, &ValidationError{Field: "category", Message: "category is not configured for this company"}
	}
	if policy.MaxExpenseAmount.IsPositive() && in.Amount.GreaterThan(policy.MaxExpenseAmount) {
		return nil, &PolicyViolation{
			Rule:    "max_expense_amount",
			Message: fmt.Sprintf("amount exceeds maximum limit of %s", policy.MaxExpenseAmount.String()),
		}
	}

	rules, err := en.Rules.ActiveRules(ctx, actor.CompanyID)
	if err != nil {
		return nil, err
	}

	now := en.Now()
	date := in.Date
	if date.IsZero() {
		date = now
	}

	expense := &Expense{
		ID:            ExpenseID(uuid.NewString()),
		EmployeeID:    actor.ID,
		CompanyID:     actor.CompanyID,
		Amount:        Money{Value: in.Amount, Currency: currency},
		Category:      in.Category,
		Description:   in.Description,
		Date:          date,
		Tags:          in.Tags,
		Notes:         in.Notes,
		Status:        StatusPending,
		FinalDecision: FinalPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	routing, err := en.evaluator.SelectApprovers(expense, policy, rules, en.departmentOf(ctx, actor))
	if err != nil {
		return nil, err
	}

	if routing.AutoApproved {
		expense.Status = StatusApproved
		expense.FinalDecision = FinalApproved
		expense.FinalDecisionBy = nil // system
		at := now
		expense.FinalDecisionAt = &at
	} else {
		expense.Approvers = routing.Approvers
		expense.CompletionPolicy = routing.Policy
		expense.CurrentApproverIndex = 0
	}

	if err := en.Expenses.Create(ctx, expense); err != nil {
		return nil, err
	}

	action := AuditExpenseCreated
	desc := fmt.Sprintf("expense submitted for %s %s", expense.Amount.Value.String(), expense.Amount.Currency)
	if routing.AutoApproved {
		action = AuditExpenseAutoApproved
		desc = fmt.Sprintf("expense auto-approved for %s %s", expense.Amount.Value.String(), expense.Amount.Currency)
	}
	en.emitAudit(ctx, AuditEvent{
		CompanyID:    actor.CompanyID,
		UserID:       actor.ID,
		Action:       action,
		ResourceType: "Expense",
		ResourceID:   string(expense.ID),
		Changes:      AuditChanges{After: snapshot(expense)},
		Severity:     SeverityLow,
		Description:  desc,
		Timestamp:    now,
	})

	return expense, nil
}

// =============================================================================
// DECIDE
// =============================================================================

// Decide records one approver decision and resolves or advances the
// expense. Exactly one transition per call; concurrent calls on the same
// expense are serialized by the store's version check.
func (en *Engine) Decide(ctx context.Context, actor Actor, id ExpenseID, decision Decision, comment string) (*Expense, error) {
	if decision != DecisionApproved && decision != DecisionRejected {
		return nil, &ValidationError{Field: "decision", Message: "decision must be approved or rejected"}
	}

	expense, err := en.Expenses.Get(ctx, actor.CompanyID, id)
	if err != nil {
		return nil, err
	}
	readVersion := expense.Version

	if expense.Status.Terminal() {
		return nil, &StateError{
			ExpenseID: expense.ID,
			Status:    expense.Status,
			Message:   "cannot decide a resolved expense",
		}
	}

	override, err := en.checkEligibility(expense, actor)
	if err != nil {
		return nil, err
	}

	before := snapshot(expense)
	now := en.Now()
	expense.ApprovalHistory = append(expense.ApprovalHistory, ApprovalDecision{
		ApproverID: actor.ID,
		Decision:   decision,
		Comment:    comment,
		DecidedAt:  now,
	})

	outcome := OutcomePending
	switch {
	case override:
		// Admin outside the approver set: decision is immediately final.
		if decision == DecisionApproved {
			outcome = OutcomeApproved
		} else {
			outcome = OutcomeRejected
		}
	default:
		outcome = EvaluateCompletion(expense)
	}

	switch outcome {
	case OutcomeApproved:
		en.resolve(expense, FinalApproved, actor.ID, now)
	case OutcomeRejected:
		en.resolve(expense, FinalRejected, actor.ID, now)
	case OutcomePending:
		expense.CurrentApproverIndex = DeriveApproverIndex(expense)
		if expense.CompletionPolicy.Sequential && expense.CurrentApproverIndex >= len(expense.Approvers) {
			// Routing exhausted without the completion predicate firing.
			// Surfacing this beats leaving the expense pending forever.
			return nil, &ConfigurationError{
				Message: fmt.Sprintf("expense %s exhausted its approver sequence without resolution", expense.ID),
			}
		}
	}
	expense.UpdatedAt = now

	if err := en.Expenses.Update(ctx, expense, readVersion); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return nil, &ConflictError{ExpenseID: expense.ID}
		}
		return nil, err
	}

	action := AuditExpenseApproved
	severity := SeverityLow
	if decision == DecisionRejected {
		action = AuditExpenseRejected
		severity = SeverityMedium
	}
	en.emitAudit(ctx, AuditEvent{
		CompanyID:    actor.CompanyID,
		UserID:       actor.ID,
		Action:       action,
		ResourceType: "Expense",
		ResourceID:   string(expense.ID),
		Changes:      AuditChanges{Before: before, After: snapshot(expense)},
		Severity:     severity,
		Description:  fmt.Sprintf("expense %s by %s", decision, actor.ID),
		Timestamp:    now,
	})

	return expense, nil
}

// checkEligibility enforces who may decide now. The bool result reports
// admin-override mode (admin deciding from outside the approver set).
func (en *Engine) checkEligibility(expense *Expense, actor Actor) (bool, error) {
	if actor.IsAdmin() {
		if !expense.IsApprover(actor.ID) {
			return true, nil
		}
		// Admins listed as approvers follow the normal routing rules.
	}

	if !expense.IsApprover(actor.ID) {
		return false, &AuthorizationError{ActorID: actor.ID, Message: "not an approver for this expense"}
	}
	if expense.HasDecided(actor.ID) {
		return false, &AuthorizationError{ActorID: actor.ID, Message: "has already decided on this expense"}
	}
	if expense.CompletionPolicy.Sequential {
		current := expense.CurrentApprover()
		if current == nil || *current != actor.ID {
			return false, &AuthorizationError{ActorID: actor.ID, Message: "not the current approver in the sequence"}
		}
	}
	return false, nil
}

func (en *Engine) resolve(expense *Expense, final FinalDecision, by UserID, at time.Time) {
	if final == FinalApproved {
		expense.Status = StatusApproved
	} else {
		expense.Status = StatusRejected
	}
	expense.FinalDecision = final
	decider := by
	expense.FinalDecisionBy = &decider
	t := at
	expense.FinalDecisionAt = &t
	expense.CurrentApproverIndex = DeriveApproverIndex(expense)
}

// =============================================================================
// GUARDED CRUD - External operations the engine gatekeeps
// =============================================================================

// UpdateInput carries the mutable fields of a pending, undecided expense.
// Nil members are left unchanged.
type UpdateInput struct {
	Amount      *decimal.Decimal
	Category    *string
	Description *string
	Date        *time.Time
	Tags        []string
	Notes       *string
}

// Update edits a pending expense that nobody has decided on yet. The
// routing is re-evaluated afterwards because amount or category changes
// can select a different rule.
func (en *Engine) Update(ctx context.Context, actor Actor, id ExpenseID, in UpdateInput) (*Expense, error) {
	expense, err := en.Expenses.Get(ctx, actor.CompanyID, id)
	if err != nil {
		return nil, err
	}
	readVersion := expense.Version

	if actor.ID != expense.EmployeeID && !actor.IsAdmin() {
		return nil, &AuthorizationError{ActorID: actor.ID, Message: "may only update own expenses"}
	}
	if !expense.Editable() {
		return nil, &StateError{
			ExpenseID: expense.ID,
			Status:    expense.Status,
			Message:   "only pending expenses with no recorded decisions can be updated",
		}
	}

	policy, err := en.Policies.GetPolicy(ctx, actor.CompanyID)
	if err != nil {
		return nil, err
	}

	before := snapshot(expense)
	if in.Amount != nil {
		if in.Amount.IsNegative() || in.Amount.IsZero() {
			return nil, &ValidationError{Field: "amount", Message: "amount must be positive"}
		}
		if policy.MaxExpenseAmount.IsPositive() && in.Amount.GreaterThan(policy.MaxExpenseAmount) {
			return nil, &PolicyViolation{
				Rule:    "max_expense_amount",
				Message: fmt.Sprintf("amount exceeds maximum limit of %s", policy.MaxExpenseAmount.String()),
			}
		}
		expense.Amount.Value = *in.Amount
	}
	if in.Category != nil {
		if !policy.HasCategory(*in.Category) {
			return nil, &ValidationError{Field: "category", Message: "category is not configured for this company"}
		}
		expense.Category = *in.Category
	}
	if in.Description != nil {
		if *in.Description == "" {
			return nil, &ValidationError{Field: "description", Message: "description is required"}
		}
		expense.Description = *in.Description
	}
	if in.Date != nil {
		expense.Date = *in.Date
	}
	if in.Tags != nil {
		expense.Tags = in.Tags
	}
	if in.Notes != nil {
		expense.Notes = *in.Notes
	}

	// Amount or category edits can change which rule applies, so the
	// approver set is recomputed while the history is still empty.
	rules, err := en.Rules.ActiveRules(ctx, actor.CompanyID)
	if err != nil {
		return nil, err
	}
	routing, err := en.evaluator.SelectApprovers(expense, policy, rules, en.departmentOf(ctx, actor))
	if err != nil {
		return nil, err
	}
	now := en.Now()
	if routing.AutoApproved {
		expense.Approvers = nil
		expense.CompletionPolicy = CompletionPolicy{}
		en.resolve(expense, FinalApproved, "", now)
		expense.FinalDecisionBy = nil // system
	} else {
		expense.Approvers = routing.Approvers
		expense.CompletionPolicy = routing.Policy
		expense.CurrentApproverIndex = 0
	}
	expense.UpdatedAt = now

	if err := en.Expenses.Update(ctx, expense, readVersion); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return nil, &ConflictError{ExpenseID: expense.ID}
		}
		return nil, err
	}

	en.emitAudit(ctx, AuditEvent{
		CompanyID:    actor.CompanyID,
		UserID:       actor.ID,
		Action:       AuditExpenseUpdated,
		ResourceType: "Expense",
		ResourceID:   string(expense.ID),
		Changes:      AuditChanges{Before: before, After: snapshot(expense)},
		Severity:     SeverityLow,
		Description:  "expense updated",
		Timestamp:    now,
	})

	return expense, nil
}

// Delete removes a pending expense that nobody has decided on yet.
func (en *Engine) Delete(ctx context.Context, actor Actor, id ExpenseID) error {
	expense, err := en.Expenses.Get(ctx, actor.CompanyID, id)
	if err != nil {
		return err
	}

	if actor.ID != expense.EmployeeID && !actor.IsAdmin() {
		return &AuthorizationError{ActorID: actor.ID, Message: "may only delete own expenses"}
	}
	if !expense.Editable() {
		return &StateError{
			ExpenseID: expense.ID,
			Status:    expense.Status,
			Message:   "only pending expenses with no recorded decisions can be deleted",
		}
	}

	if err := en.Expenses.Delete(ctx, actor.CompanyID, id); err != nil {
		return err
	}

	en.emitAudit(ctx, AuditEvent{
		CompanyID:    actor.CompanyID,
		UserID:       actor.ID,
		Action:       AuditExpenseDeleted,
		ResourceType: "Expense",
		ResourceID:   string(id),
		Changes:      AuditChanges{Before: snapshot(expense)},
		Severity:     SeverityMedium,
		Description:  "expense deleted",
		Timestamp:    en.Now(),
	})
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// departmentOf resolves the actor's department for rule conditions.
// Unknown users fall back to no department, which only matches rules
// without a department restriction.
func (en *Engine) departmentOf(ctx context.Context, actor Actor) string {
	if en.Users == nil {
		return ""
	}
	u, err := en.Users.GetUser(ctx, actor.CompanyID, actor.ID)
	if err != nil || u == nil {
		return ""
	}
	return u.Department
}

// emitAudit records best-effort. Failures are logged, never propagated.
func (en *Engine) emitAudit(ctx context.Context, event AuditEvent) {
	if en.Audit == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if err := en.Audit.Record(ctx, event); err != nil {
		log.Printf("audit: failed to record %s on %s/%s: %v",
			event.Action, event.ResourceType, event.ResourceID, err)
	}
}

// snapshot captures the workflow-relevant fields for audit diffs.
func snapshot(e *Expense) map[string]any {
	s := map[string]any{
		"status":         string(e.Status),
		"amount":         e.Amount.Value.String(),
		"currency":       e.Amount.Currency,
		"category":       e.Category,
		"final_decision": string(e.FinalDecision),
		"approvers":      len(e.Approvers),
		"decisions":      len(e.ApprovalHistory),
	}
	if e.FinalDecisionBy != nil {
		s["final_decision_by"] = string(*e.FinalDecisionBy)
	}
	return s
}
