package workflow_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/expense-engine/workflow"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testExpense(amount string) *workflow.Expense {
	return &workflow.Expense{
		ID:         "exp-1",
		EmployeeID: "emp-1",
		CompanyID:  "acme",
		Amount:     workflow.Money{Value: dec(amount), Currency: "USD"},
		Category:   "Travel",
		Status:     workflow.StatusPending,
	}
}

func testPolicy() *workflow.CompanyPolicy {
	return &workflow.CompanyPolicy{
		CompanyID:         "acme",
		Name:              "Acme",
		DefaultCurrency:   "USD",
		ApprovalRequired:  true,
		DefaultApproverID: "default-mgr",
	}
}

func bandRule(id workflow.RuleID, priority int) workflow.ApprovalRule {
	max1 := dec("1000")
	max2 := dec("5000")
	return workflow.ApprovalRule{
		ID:       id,
		Kind:     workflow.RuleAmountBased,
		Priority: priority,
		IsActive: true,
		AmountBands: []workflow.AmountBand{
			{Min: dec("0"), Max: &max1, Approvers: []workflow.UserID{"mgr-1"}},
			{Min: dec("1000"), Max: &max2, Approvers: []workflow.UserID{"mgr-1", "fin-1"}, RequiresAllApprovals: true},
			{Min: dec("5000"), Approvers: []workflow.UserID{"fin-1", "dir-1"}, RequiresAllApprovals: true},
		},
	}
}

// =============================================================================
// AMOUNT BAND BOUNDARY TESTS
// =============================================================================

func TestMatchBand_BoundariesAreInclusive(t *testing.T) {
	// GIVEN: A band spanning [1000, 5000], both ends inclusive
	// WHEN: Matching amounts around the boundaries
	// THEN: 1000 and 5000 match; 999.99 and 5000.01 land in neighbors

	max := dec("5000")
	rule := workflow.ApprovalRule{
		Kind: workflow.RuleAmountBased,
		AmountBands: []workflow.AmountBand{
			{Min: dec("1000"), Max: &max, Approvers: []workflow.UserID{"fin-1"}},
		},
	}

	cases := []struct {
		amount  string
		matches bool
	}{
		{"999.99", false},
		{"1000", true},
		{"3000", true},
		{"5000", true},
		{"5000.01", false},
	}
	for _, tc := range cases {
		band := rule.MatchBand(dec(tc.amount))
		if (band != nil) != tc.matches {
			t.Errorf("amount %s: matched=%v, want %v", tc.amount, band != nil, tc.matches)
		}
	}
}

func TestSelectApprovers_BandPicksApproverSet(t *testing.T) {
	// GIVEN: Three bands with increasing approver requirements
	// WHEN: Routing an expense of exactly 1000
	// THEN: The middle band is selected with all-must-approve semantics

	var ev workflow.Evaluator
	rules := []workflow.ApprovalRule{bandRule("bands", 0)}

	routing, err := ev.SelectApprovers(testExpense("1000"), testPolicy(), rules, "")
	if err != nil {
		t.Fatalf("SelectApprovers: %v", err)
	}
	if len(routing.Approvers) != 2 {
		t.Fatalf("approvers = %v, want [mgr-1 fin-1]", routing.Approvers)
	}
	if routing.Policy.Mode != workflow.CompleteAll {
		t.Errorf("mode = %s, want all", routing.Policy.Mode)
	}

	// The small band still wins just below the boundary.
	routing, err = ev.SelectApprovers(testExpense("999.99"), testPolicy(), rules, "")
	if err != nil {
		t.Fatalf("SelectApprovers: %v", err)
	}
	if len(routing.Approvers) != 1 || routing.Approvers[0] != "mgr-1" {
		t.Errorf("approvers = %v, want [mgr-1]", routing.Approvers)
	}
}

// =============================================================================
// RULE SELECTION TESTS
// =============================================================================

func TestSelectApprovers_SequenceOrdersByLevel(t *testing.T) {
	// GIVEN: A sequence rule with levels configured out of order
	// WHEN: Routing any expense
	// THEN: Approvers come back sorted by ascending level, sequential mode

	var ev workflow.Evaluator
	rules := []workflow.ApprovalRule{{
		ID:       "seq",
		Kind:     workflow.RuleSequence,
		IsActive: true,
		ApproverSequence: []workflow.SequenceStep{
			{UserID: "dir-1", Level: 3},
			{UserID: "mgr-1", Level: 1},
			{UserID: "fin-1", Level: 2},
		},
	}}

	routing, err := ev.SelectApprovers(testExpense("100"), testPolicy(), rules, "")
	if err != nil {
		t.Fatalf("SelectApprovers: %v", err)
	}
	want := []workflow.UserID{"mgr-1", "fin-1", "dir-1"}
	for i, id := range want {
		if routing.Approvers[i] != id {
			t.Fatalf("approvers = %v, want %v", routing.Approvers, want)
		}
	}
	if !routing.Policy.Sequential || routing.Policy.Mode != workflow.CompleteAll {
		t.Errorf("policy = %+v, want sequential all", routing.Policy)
	}
}

func TestSelectApprovers_HighestPriorityWins(t *testing.T) {
	// GIVEN: Two applicable rules with different priorities
	// WHEN: Routing an expense both rules match
	// THEN: The higher-priority rule is selected; ties go to the older rule

	var ev workflow.Evaluator
	low := workflow.UserID("low-approver")
	high := workflow.UserID("high-approver")
	rules := []workflow.ApprovalRule{
		{ID: "low", Kind: workflow.RuleSpecific, SpecificApproverID: &low, Priority: 1, IsActive: true},
		{ID: "high", Kind: workflow.RuleSpecific, SpecificApproverID: &high, Priority: 10, IsActive: true},
	}

	routing, err := ev.SelectApprovers(testExpense("100"), testPolicy(), rules, "")
	if err != nil {
		t.Fatalf("SelectApprovers: %v", err)
	}
	if routing.RuleID != "high" {
		t.Errorf("selected rule = %s, want high", routing.RuleID)
	}

	// Same priority: the earlier-created rule wins.
	older := workflow.UserID("older-approver")
	newer := workflow.UserID("newer-approver")
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tied := []workflow.ApprovalRule{
		{ID: "newer", Kind: workflow.RuleSpecific, SpecificApproverID: &newer, Priority: 5, IsActive: true, CreatedAt: t0.Add(time.Hour)},
		{ID: "older", Kind: workflow.RuleSpecific, SpecificApproverID: &older, Priority: 5, IsActive: true, CreatedAt: t0},
	}
	routing, err = ev.SelectApprovers(testExpense("100"), testPolicy(), tied, "")
	if err != nil {
		t.Fatalf("SelectApprovers: %v", err)
	}
	if routing.RuleID != "older" {
		t.Errorf("selected rule = %s, want older", routing.RuleID)
	}
}

func TestSelectApprovers_ConditionsFilterRules(t *testing.T) {
	// GIVEN: A rule restricted to the Engineering department
	// WHEN: Routing for a Sales submitter
	// THEN: The rule does not apply and routing falls back

	var ev workflow.Evaluator
	eng := workflow.UserID("eng-lead")
	rules := []workflow.ApprovalRule{{
		ID:                 "eng-only",
		Kind:               workflow.RuleSpecific,
		SpecificApproverID: &eng,
		IsActive:           true,
		Conditions:         workflow.RuleConditions{Departments: []string{"Engineering"}},
	}}

	routing, err := ev.SelectApprovers(testExpense("100"), testPolicy(), rules, "Sales")
	if err != nil {
		t.Fatalf("SelectApprovers: %v", err)
	}
	if routing.RuleID != "" || routing.Approvers[0] != "default-mgr" {
		t.Errorf("routing = %+v, want default approver fallback", routing)
	}
}

// =============================================================================
// AUTO-APPROVE TESTS
// =============================================================================

func TestSelectApprovers_AutoApproveShortCircuits(t *testing.T) {
	// GIVEN: A rule enabling auto-approve up to 50 for a trusted employee
	// WHEN: The trusted employee submits 40
	// THEN: Routing is AutoApproved without consulting the rule payload

	var ev workflow.Evaluator
	mgr := workflow.UserID("mgr-1")
	rules := []workflow.ApprovalRule{{
		ID:                 "with-auto",
		Kind:               workflow.RuleSpecific,
		SpecificApproverID: &mgr,
		IsActive:           true,
		AutoApprove: workflow.AutoApprove{
			Enabled:          true,
			MaxAmount:        dec("50"),
			TrustedEmployees: []workflow.UserID{"emp-1"},
		},
	}}

	routing, err := ev.SelectApprovers(testExpense("40"), testPolicy(), rules, "")
	if err != nil {
		t.Fatalf("SelectApprovers: %v", err)
	}
	if !routing.AutoApproved {
		t.Fatal("expected auto-approval for trusted employee under ceiling")
	}

	// Above the ceiling the normal route applies.
	routing, err = ev.SelectApprovers(testExpense("50.01"), testPolicy(), rules, "")
	if err != nil {
		t.Fatalf("SelectApprovers: %v", err)
	}
	if routing.AutoApproved {
		t.Fatal("amount above ceiling must not auto-approve")
	}

	// Untrusted submitters never auto-approve.
	untrusted := testExpense("40")
	untrusted.EmployeeID = "emp-2"
	routing, err = ev.SelectApprovers(untrusted, testPolicy(), rules, "")
	if err != nil {
		t.Fatalf("SelectApprovers: %v", err)
	}
	if routing.AutoApproved {
		t.Fatal("untrusted submitter must not auto-approve")
	}
}

// =============================================================================
// FALLBACK TESTS
// =============================================================================

func TestSelectApprovers_FallbackRequiresConfiguredDefault(t *testing.T) {
	// GIVEN: No rule matches and approval is required
	// WHEN: The tenant has no default approver configured
	// THEN: Routing fails with a ConfigurationError instead of producing
	//       a zero-approver expense

	var ev workflow.Evaluator
	policy := testPolicy()
	policy.DefaultApproverID = ""

	_, err := ev.SelectApprovers(testExpense("100"), policy, nil, "")
	var cfgErr *workflow.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
}

func TestSelectApprovers_NoApprovalRequiredAutoResolves(t *testing.T) {
	// GIVEN: The tenant does not require approval
	// WHEN: No rule matches
	// THEN: The expense auto-resolves

	var ev workflow.Evaluator
	policy := testPolicy()
	policy.ApprovalRequired = false

	routing, err := ev.SelectApprovers(testExpense("100"), policy, nil, "")
	if err != nil {
		t.Fatalf("SelectApprovers: %v", err)
	}
	if !routing.AutoApproved {
		t.Fatal("expected auto-approval when approval is not required")
	}
}

// =============================================================================
// HYBRID TESTS
// =============================================================================

func TestSelectApprovers_HybridFirstMatchingSubRule(t *testing.T) {
	// GIVEN: A hybrid rule composing a big-amount committee and a
	//        catch-all specific approver, in that order
	// WHEN: Routing a small expense
	// THEN: The first sub-rule whose conditions match wins

	var ev workflow.Evaluator
	min := dec("10000")
	mgr := workflow.UserID("mgr-1")
	rules := []workflow.ApprovalRule{{
		ID:       "hybrid",
		Kind:     workflow.RuleHybrid,
		IsActive: true,
		SubRules: []workflow.ApprovalRule{
			{
				ID:                  "big",
				Kind:                workflow.RulePercentage,
				PercentageThreshold: dec("0.6"),
				PercentageApprovers: []workflow.UserID{"a", "b", "c"},
				Conditions:          workflow.RuleConditions{MinAmount: &min},
			},
			{ID: "catch-all", Kind: workflow.RuleSpecific, SpecificApproverID: &mgr},
		},
	}}

	routing, err := ev.SelectApprovers(testExpense("200"), testPolicy(), rules, "")
	if err != nil {
		t.Fatalf("SelectApprovers: %v", err)
	}
	if routing.RuleID != "catch-all" {
		t.Errorf("selected sub-rule = %s, want catch-all", routing.RuleID)
	}

	big, err := ev.SelectApprovers(testExpense("15000"), testPolicy(), rules, "")
	if err != nil {
		t.Fatalf("SelectApprovers: %v", err)
	}
	if big.RuleID != "big" || big.Policy.Mode != workflow.CompletePercentage {
		t.Errorf("routing = %+v, want percentage committee", big)
	}
}

func TestSelectApprovers_HybridNoSubMatchFallsBack(t *testing.T) {
	// GIVEN: A hybrid rule whose only sub-rule does not match
	// WHEN: Routing the expense
	// THEN: Behaves as if no rule matched: the default approver is used

	var ev workflow.Evaluator
	min := dec("10000")
	rules := []workflow.ApprovalRule{{
		ID:       "hybrid",
		Kind:     workflow.RuleHybrid,
		IsActive: true,
		SubRules: []workflow.ApprovalRule{{
			ID:                  "big",
			Kind:                workflow.RulePercentage,
			PercentageThreshold: dec("0.6"),
			PercentageApprovers: []workflow.UserID{"a", "b", "c"},
			Conditions:          workflow.RuleConditions{MinAmount: &min},
		}},
	}}

	routing, err := ev.SelectApprovers(testExpense("200"), testPolicy(), rules, "")
	if err != nil {
		t.Fatalf("SelectApprovers: %v", err)
	}
	if routing.Approvers[0] != "default-mgr" {
		t.Errorf("approvers = %v, want default approver fallback", routing.Approvers)
	}
}

// =============================================================================
// COMPLETION EVALUATION TESTS
// =============================================================================

func decided(e *workflow.Expense, approver workflow.UserID, d workflow.Decision) {
	e.ApprovalHistory = append(e.ApprovalHistory, workflow.ApprovalDecision{
		ApproverID: approver,
		Decision:   d,
		DecidedAt:  time.Now(),
	})
}

func TestEvaluateCompletion_PercentageThreshold(t *testing.T) {
	// GIVEN: A five-member committee with a 60% threshold (3 approvals)
	// WHEN: Decisions accumulate
	// THEN: Approved at 3 approvals; rejections count in the denominator
	//       and are terminal only once 3 approvals become unreachable

	base := func() *workflow.Expense {
		e := testExpense("1500")
		e.Approvers = []workflow.UserID{"a", "b", "c", "d", "e"}
		e.CompletionPolicy = workflow.CompletionPolicy{
			Mode:      workflow.CompletePercentage,
			Threshold: dec("0.6"),
		}
		return e
	}

	// Two approvals: still pending.
	e := base()
	decided(e, "a", workflow.DecisionApproved)
	decided(e, "b", workflow.DecisionApproved)
	if got := workflow.EvaluateCompletion(e); got != workflow.OutcomePending {
		t.Errorf("2 approvals: outcome = %v, want pending", got)
	}

	// Third approval crosses the threshold.
	decided(e, "c", workflow.DecisionApproved)
	if got := workflow.EvaluateCompletion(e); got != workflow.OutcomeApproved {
		t.Errorf("3 approvals: outcome = %v, want approved", got)
	}

	// Two rejections leave the threshold reachable (1+2 undecided = 3).
	e = base()
	decided(e, "a", workflow.DecisionApproved)
	decided(e, "b", workflow.DecisionRejected)
	decided(e, "c", workflow.DecisionRejected)
	if got := workflow.EvaluateCompletion(e); got != workflow.OutcomePending {
		t.Errorf("2 rejections, reachable: outcome = %v, want pending", got)
	}

	// A third rejection makes 3 approvals unreachable.
	decided(e, "d", workflow.DecisionRejected)
	if got := workflow.EvaluateCompletion(e); got != workflow.OutcomeRejected {
		t.Errorf("3 rejections: outcome = %v, want rejected", got)
	}
}

func TestEvaluateCompletion_AllAndAny(t *testing.T) {
	// GIVEN: Two approvers under each completion mode
	// WHEN: Decisions arrive
	// THEN: "all" needs both, any rejection is terminal; "any" takes the
	//       first decision as final

	e := testExpense("100")
	e.Approvers = []workflow.UserID{"a", "b"}
	e.CompletionPolicy = workflow.CompletionPolicy{Mode: workflow.CompleteAll}

	decided(e, "a", workflow.DecisionApproved)
	if got := workflow.EvaluateCompletion(e); got != workflow.OutcomePending {
		t.Errorf("all, 1/2: outcome = %v, want pending", got)
	}
	decided(e, "b", workflow.DecisionApproved)
	if got := workflow.EvaluateCompletion(e); got != workflow.OutcomeApproved {
		t.Errorf("all, 2/2: outcome = %v, want approved", got)
	}

	e = testExpense("100")
	e.Approvers = []workflow.UserID{"a", "b"}
	e.CompletionPolicy = workflow.CompletionPolicy{Mode: workflow.CompleteAll}
	decided(e, "a", workflow.DecisionRejected)
	if got := workflow.EvaluateCompletion(e); got != workflow.OutcomeRejected {
		t.Errorf("all, rejection: outcome = %v, want rejected", got)
	}

	e = testExpense("100")
	e.Approvers = []workflow.UserID{"a", "b"}
	e.CompletionPolicy = workflow.CompletionPolicy{Mode: workflow.CompleteAny}
	decided(e, "b", workflow.DecisionApproved)
	if got := workflow.EvaluateCompletion(e); got != workflow.OutcomeApproved {
		t.Errorf("any, 1 approval: outcome = %v, want approved", got)
	}
}

func TestDeriveApproverIndex_CountsOrderedApprovals(t *testing.T) {
	// GIVEN: A three-approver sequence with the first two approved
	// WHEN: Deriving the index from the history
	// THEN: The index points at the third approver, regardless of the
	//       order entries were appended

	e := testExpense("100")
	e.Approvers = []workflow.UserID{"a", "b", "c"}

	if got := workflow.DeriveApproverIndex(e); got != 0 {
		t.Errorf("empty history: index = %d, want 0", got)
	}

	decided(e, "b", workflow.DecisionApproved)
	// "a" has not decided, so the chain stops immediately.
	if got := workflow.DeriveApproverIndex(e); got != 0 {
		t.Errorf("b only: index = %d, want 0", got)
	}

	decided(e, "a", workflow.DecisionApproved)
	if got := workflow.DeriveApproverIndex(e); got != 2 {
		t.Errorf("a and b approved: index = %d, want 2", got)
	}
}
