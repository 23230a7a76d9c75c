/*
rule.go - Approval rule variants and matching conditions

PURPOSE:
  Defines the closed set of approval rule kinds a tenant can configure and
  the predicate deciding whether a rule applies to a given expense. Rules
  are created and edited by admins; the engine only ever reads them.

RULE KINDS (closed set):
  sequence:     ordered approver chain, each must approve in turn
  specific:     a single designated approver decides alone
  amount-based: threshold bands, each with its own approver set
  percentage:   committee, approved once a fraction has approved
  hybrid:       ordered composition of sub-rules, first match wins

Each kind carries only its own payload; the evaluator switches on Kind
exhaustively, so adding a kind is a compile-visible change rather than a
silent default-case fallthrough.

SEE ALSO:
  - evaluator.go: Turns a matched rule into approvers + completion policy
  - factory/rules.go: JSON parsing and payload validation for admins
*/
package workflow

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RULE KIND - Closed tagged variant
// =============================================================================

type RuleKind string

const (
	RuleSequence    RuleKind = "sequence"
	RulePercentage  RuleKind = "percentage"
	RuleSpecific    RuleKind = "specific"
	RuleHybrid      RuleKind = "hybrid"
	RuleAmountBased RuleKind = "amount-based"
)

// =============================================================================
// APPROVAL RULE
// =============================================================================

// SequenceStep is one link in an ordered approver chain.
type SequenceStep struct {
	UserID UserID
	Level  int // ascending; ties keep configuration order
}

// AmountBand is one threshold band of an amount-based rule. Bands are
// matched in configuration order; Min is inclusive, Max inclusive when set.
type AmountBand struct {
	Min                  decimal.Decimal
	Max                  *decimal.Decimal // nil = unbounded
	Approvers            []UserID
	RequiresAllApprovals bool
}

// RuleConditions is the applicability predicate. Empty/nil members mean
// "no restriction".
type RuleConditions struct {
	Categories  []string
	Departments []string
	MinAmount   *decimal.Decimal
	MaxAmount   *decimal.Decimal
}

// AutoApprove bypasses approver assignment entirely for small expenses
// from trusted submitters. Checked before any rule matching.
type AutoApprove struct {
	Enabled          bool
	MaxAmount        decimal.Decimal
	TrustedEmployees []UserID
}

// ApprovalRule defines how approvers are assigned for matching expenses.
// At most one rule is selected per expense; hybrid composes sub-rules but
// is still selected as a single rule.
type ApprovalRule struct {
	ID          RuleID
	CompanyID   CompanyID
	Name        string
	Description string
	Kind        RuleKind

	Conditions RuleConditions

	// Kind-specific payloads. Exactly the payload for Kind is consulted;
	// the factory rejects rules missing their required payload.
	ApproverSequence    []SequenceStep  // sequence
	SpecificApproverID  *UserID         // specific
	AmountBands         []AmountBand    // amount-based
	PercentageThreshold decimal.Decimal // percentage, fraction in [0,1]
	PercentageApprovers []UserID        // percentage
	SubRules            []ApprovalRule  // hybrid, ordered

	// Highest priority wins among matching rules; ties broken by CreatedAt.
	Priority int

	AutoApprove AutoApprove

	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AppliesTo reports whether the rule's conditions match the expense.
// Department is the submitting employee's department, resolved by the
// caller; empty means unknown and only matches rules with no department
// restriction.
func (r *ApprovalRule) AppliesTo(e *Expense, department string) bool {
	c := r.Conditions

	if len(c.Categories) > 0 && !contains(c.Categories, e.Category) {
		return false
	}
	if len(c.Departments) > 0 && !contains(c.Departments, department) {
		return false
	}
	if c.MinAmount != nil && e.Amount.Value.LessThan(*c.MinAmount) {
		return false
	}
	if c.MaxAmount != nil && e.Amount.Value.GreaterThan(*c.MaxAmount) {
		return false
	}
	return true
}

// MatchBand returns the first amount band covering the expense amount.
// Min is inclusive and Max inclusive, so a band {1000, 5000} matches both
// boundary amounts exactly.
func (r *ApprovalRule) MatchBand(amount decimal.Decimal) *AmountBand {
	for i := range r.AmountBands {
		b := &r.AmountBands[i]
		if amount.LessThan(b.Min) {
			continue
		}
		if b.Max != nil && amount.GreaterThan(*b.Max) {
			continue
		}
		return b
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
