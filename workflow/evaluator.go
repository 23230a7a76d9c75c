/*
evaluator.go - Approval rule evaluation

PURPOSE:
  Turns a submitted expense plus the tenant's active rules into a routing
  decision: either "auto-approved, no approvers needed" or an ordered
  approver set with a completion policy. The engine calls this exactly
  once per submission and persists the result on the expense.

SELECTION:
  1. Auto-approve is checked first, independent of rule matching: if any
     active rule enables it, the amount is within its ceiling, and the
     submitter is trusted, the expense resolves immediately.
  2. Otherwise rules are filtered by their conditions and the single rule
     with the highest priority wins; ties go to the earliest-created rule.
  3. No matching rule: if the tenant does not require approval the expense
     auto-resolves; if it does, the tenant's explicit default approver is
     used, and a missing default is a ConfigurationError rather than a
     silently empty approver set.

PER-KIND ROUTING:
  sequence:     approvers by ascending level; all must approve, in order
  specific:     single approver, first decision final
  amount-based: first matching band; its flag picks all-vs-any
  percentage:   committee with a fractional threshold
  hybrid:       first sub-rule whose conditions match, resolved as above

SEE ALSO:
  - rule.go: Rule payloads and condition matching
  - engine.go: Consumes Routing at submission time
*/
package workflow

import (
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ROUTING - The evaluator's output
// =============================================================================

// Routing is the evaluator's answer for one expense.
type Routing struct {
	// AutoApproved means no approvers are needed; the engine resolves the
	// expense to approved immediately with an empty history.
	AutoApproved bool

	Approvers []UserID
	Policy    CompletionPolicy

	// RuleID identifies the selected rule, empty for the fallback path.
	RuleID RuleID
}

// Evaluator selects approvers for expenses. Stateless; safe for
// concurrent use.
type Evaluator struct{}

// SelectApprovers computes routing for the expense. department is the
// submitting employee's department (empty if unknown). Only active rules
// must be passed in.
func (ev *Evaluator) SelectApprovers(
	expense *Expense,
	policy *CompanyPolicy,
	rules []ApprovalRule,
	department string,
) (*Routing, error) {
	// Auto-approve short-circuit, before any rule matching.
	for i := range rules {
		if autoApproves(&rules[i], expense) {
			return &Routing{AutoApproved: true, RuleID: rules[i].ID}, nil
		}
	}

	rule := pickRule(rules, expense, department)
	if rule == nil {
		return ev.fallback(policy)
	}

	routing, ok, err := ev.resolve(rule, expense, department)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Hybrid rule with no matching sub-rule behaves as if no rule
		// had matched at all.
		return ev.fallback(policy)
	}
	return routing, nil
}

// fallback handles the no-matching-rule path.
func (ev *Evaluator) fallback(policy *CompanyPolicy) (*Routing, error) {
	if !policy.ApprovalRequired {
		return &Routing{AutoApproved: true}, nil
	}
	if policy.DefaultApproverID == "" {
		return nil, &ConfigurationError{
			Message: "approval required but no rule matches and no default approver is configured",
		}
	}
	return &Routing{
		Approvers: []UserID{policy.DefaultApproverID},
		Policy:    CompletionPolicy{Mode: CompleteAny},
	}, nil
}

// resolve maps a selected rule to approvers + completion policy.
// ok=false means the rule yields no routing (hybrid with no sub-match).
func (ev *Evaluator) resolve(rule *ApprovalRule, expense *Expense, department string) (*Routing, bool, error) {
	switch rule.Kind {
	case RuleSequence:
		if len(rule.ApproverSequence) == 0 {
			return nil, false, &ConfigurationError{RuleID: rule.ID, Message: "sequence rule has no approver sequence"}
		}
		steps := make([]SequenceStep, len(rule.ApproverSequence))
		copy(steps, rule.ApproverSequence)
		sort.SliceStable(steps, func(i, j int) bool { return steps[i].Level < steps[j].Level })
		approvers := make([]UserID, 0, len(steps))
		for _, s := range steps {
			if s.UserID != "" {
				approvers = append(approvers, s.UserID)
			}
		}
		if len(approvers) == 0 {
			return nil, false, &ConfigurationError{RuleID: rule.ID, Message: "sequence rule resolves to zero approvers"}
		}
		return &Routing{
			Approvers: approvers,
			Policy:    CompletionPolicy{Mode: CompleteAll, Sequential: true},
			RuleID:    rule.ID,
		}, true, nil

	case RuleSpecific:
		if rule.SpecificApproverID == nil || *rule.SpecificApproverID == "" {
			return nil, false, &ConfigurationError{RuleID: rule.ID, Message: "specific rule has no approver"}
		}
		return &Routing{
			Approvers: []UserID{*rule.SpecificApproverID},
			Policy:    CompletionPolicy{Mode: CompleteAny},
			RuleID:    rule.ID,
		}, true, nil

	case RuleAmountBased:
		if len(rule.AmountBands) == 0 {
			return nil, false, &ConfigurationError{RuleID: rule.ID, Message: "amount-based rule has no threshold bands"}
		}
		band := rule.MatchBand(expense.Amount.Value)
		if band == nil {
			return nil, false, &ConfigurationError{RuleID: rule.ID, Message: "no threshold band covers the expense amount"}
		}
		if len(band.Approvers) == 0 {
			return nil, false, &ConfigurationError{RuleID: rule.ID, Message: "matched threshold band has no approvers"}
		}
		mode := CompleteAny
		if band.RequiresAllApprovals {
			mode = CompleteAll
		}
		return &Routing{
			Approvers: append([]UserID(nil), band.Approvers...),
			Policy:    CompletionPolicy{Mode: mode},
			RuleID:    rule.ID,
		}, true, nil

	case RulePercentage:
		if len(rule.PercentageApprovers) == 0 {
			return nil, false, &ConfigurationError{RuleID: rule.ID, Message: "percentage rule has no approvers"}
		}
		t := rule.PercentageThreshold
		if t.LessThanOrEqual(decimal.Zero) || t.GreaterThan(decimal.NewFromInt(1)) {
			return nil, false, &ConfigurationError{RuleID: rule.ID, Message: "percentage threshold must be in (0,1]"}
		}
		return &Routing{
			Approvers: append([]UserID(nil), rule.PercentageApprovers...),
			Policy:    CompletionPolicy{Mode: CompletePercentage, Threshold: t},
			RuleID:    rule.ID,
		}, true, nil

	case RuleHybrid:
		if len(rule.SubRules) == 0 {
			return nil, false, &ConfigurationError{RuleID: rule.ID, Message: "hybrid rule has no sub-rules"}
		}
		// Deterministic composition: first sub-rule whose conditions match,
		// in configuration order.
		for i := range rule.SubRules {
			sub := &rule.SubRules[i]
			if sub.Kind == RuleHybrid {
				return nil, false, &ConfigurationError{RuleID: rule.ID, Message: "hybrid rules cannot nest"}
			}
			if sub.AppliesTo(expense, department) {
				return ev.resolve(sub, expense, department)
			}
		}
		return nil, false, nil
	}

	return nil, false, &ConfigurationError{RuleID: rule.ID, Message: "unknown rule kind " + string(rule.Kind)}
}

// pickRule filters by conditions and picks the highest-priority match,
// breaking ties by creation time (stable).
func pickRule(rules []ApprovalRule, expense *Expense, department string) *ApprovalRule {
	var best *ApprovalRule
	for i := range rules {
		r := &rules[i]
		if !r.AppliesTo(expense, department) {
			continue
		}
		if best == nil ||
			r.Priority > best.Priority ||
			(r.Priority == best.Priority && r.CreatedAt.Before(best.CreatedAt)) {
			best = r
		}
	}
	return best
}

func autoApproves(rule *ApprovalRule, expense *Expense) bool {
	aa := rule.AutoApprove
	if !aa.Enabled {
		return false
	}
	if expense.Amount.Value.GreaterThan(aa.MaxAmount) {
		return false
	}
	for _, id := range aa.TrustedEmployees {
		if id == expense.EmployeeID {
			return true
		}
	}
	return false
}

// =============================================================================
// COMPLETION EVALUATION - Shared by the engine after each decision
// =============================================================================

// Outcome is the engine's verdict after a decision is appended.
type Outcome int

const (
	// OutcomePending means more decisions are needed.
	OutcomePending Outcome = iota
	// OutcomeApproved means the completion predicate is satisfied.
	OutcomeApproved
	// OutcomeRejected means the expense is terminally rejected.
	OutcomeRejected
)

// EvaluateCompletion applies the completion policy to the decision log.
// Called after the new decision has been appended.
func EvaluateCompletion(e *Expense) Outcome {
	approved, rejected := e.DecisionCounts()

	switch e.CompletionPolicy.Mode {
	case CompleteAny:
		if rejected > 0 {
			return OutcomeRejected
		}
		if approved > 0 {
			return OutcomeApproved
		}
		return OutcomePending

	case CompleteAll:
		if rejected > 0 {
			return OutcomeRejected
		}
		if approved >= len(e.Approvers) {
			return OutcomeApproved
		}
		return OutcomePending

	case CompletePercentage:
		total := decimal.NewFromInt(int64(len(e.Approvers)))
		if total.IsZero() {
			return OutcomePending
		}
		required := e.CompletionPolicy.Threshold.Mul(total)
		got := decimal.NewFromInt(int64(approved))
		if got.GreaterThanOrEqual(required) {
			return OutcomeApproved
		}
		// A rejection is terminal only once it makes the threshold
		// unreachable: even if every undecided approver approved, the
		// required count could not be met.
		undecided := len(e.Approvers) - approved - rejected
		reachable := decimal.NewFromInt(int64(approved + undecided))
		if reachable.LessThan(required) {
			return OutcomeRejected
		}
		return OutcomePending
	}

	return OutcomePending
}

// DeriveApproverIndex recomputes the sequential pointer from the decision
// log. The index is the count of approvers, in order, who have approved.
// Non-sequential policies keep it maintained for uniformity.
func DeriveApproverIndex(e *Expense) int {
	idx := 0
	for _, approver := range e.Approvers {
		decided := false
		for _, d := range e.ApprovalHistory {
			if d.ApproverID == approver && d.Decision == DecisionApproved {
				decided = true
				break
			}
		}
		if !decided {
			break
		}
		idx++
	}
	return idx
}
