/*
engine_test.go - State machine behavior tests

PURPOSE:
  Exercises the full engine against the in-memory store: submission
  validation, routing, eligibility, ordered approvals, rejection
  short-circuit, auto-approve, guarded CRUD, and the optimistic
  concurrency guarantee for racing decisions.

READING THESE TESTS:
  Each test has GIVEN/WHEN/THEN comments explaining the scenario and
  assertions with explanatory messages. Tests run against the memory
  store, which enforces the same version-check contract as SQLite.
*/
package workflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/warp/expense-engine/workflow"
	"github.com/warp/expense-engine/workflow/store"
)

// =============================================================================
// TEST FIXTURE
// =============================================================================

const company = workflow.CompanyID("acme")

var (
	employee = workflow.Actor{ID: "emp-1", Role: workflow.RoleEmployee, CompanyID: company}
	manager  = workflow.Actor{ID: "mgr-1", Role: workflow.RoleManager, CompanyID: company}
	finance  = workflow.Actor{ID: "fin-1", Role: workflow.RoleFinance, CompanyID: company}
	admin    = workflow.Actor{ID: "adm-1", Role: workflow.RoleAdmin, CompanyID: company}
)

// newTestEngine seeds a tenant and returns an engine over a memory store.
func newTestEngine(t *testing.T, rules ...workflow.ApprovalRule) (*workflow.Engine, *store.Memory) {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()

	policy := &workflow.CompanyPolicy{
		CompanyID:         company,
		Name:              "Acme",
		DefaultCurrency:   "USD",
		MaxExpenseAmount:  dec("25000"),
		ApprovalRequired:  true,
		ExpenseCategories: []string{"Travel", "Meals", "Software"},
		DefaultApproverID: "mgr-1",
	}
	if err := mem.SavePolicy(ctx, policy); err != nil {
		t.Fatalf("SavePolicy: %v", err)
	}
	for i := range rules {
		rules[i].CompanyID = company
		rules[i].IsActive = true
		if err := mem.SaveRule(ctx, &rules[i]); err != nil {
			t.Fatalf("SaveRule: %v", err)
		}
	}
	return workflow.NewEngine(mem, mem, mem, mem, mem), mem
}

func sequenceRule(approvers ...workflow.UserID) workflow.ApprovalRule {
	steps := make([]workflow.SequenceStep, len(approvers))
	for i, a := range approvers {
		steps[i] = workflow.SequenceStep{UserID: a, Level: i + 1}
	}
	return workflow.ApprovalRule{ID: "seq", Kind: workflow.RuleSequence, ApproverSequence: steps}
}

func allOfRule(approvers ...workflow.UserID) workflow.ApprovalRule {
	return workflow.ApprovalRule{
		ID:   "all-band",
		Kind: workflow.RuleAmountBased,
		AmountBands: []workflow.AmountBand{
			{Min: dec("0"), Approvers: approvers, RequiresAllApprovals: true},
		},
	}
}

func submit(t *testing.T, en *workflow.Engine, amount string) *workflow.Expense {
	t.Helper()
	e, err := en.Submit(context.Background(), employee, workflow.SubmitInput{
		Amount:      dec(amount),
		Category:    "Travel",
		Description: "test claim",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return e
}

// =============================================================================
// SUBMISSION TESTS
// =============================================================================

func TestSubmit_ValidationAndPolicyGuards(t *testing.T) {
	// GIVEN: A tenant with a category list, a 25000 ceiling, and USD
	// WHEN: Submitting invalid claims
	// THEN: Each guard raises its own typed error

	en, _ := newTestEngine(t, sequenceRule("mgr-1"))
	ctx := context.Background()

	cases := []struct {
		name string
		in   workflow.SubmitInput
		want any
	}{
		{
			name: "negative amount",
			in:   workflow.SubmitInput{Amount: dec("-5"), Category: "Travel", Description: "x"},
			want: &workflow.ValidationError{},
		},
		{
			name: "unknown category",
			in:   workflow.SubmitInput{Amount: dec("10"), Category: "Yachts", Description: "x"},
			want: &workflow.ValidationError{},
		},
		{
			name: "wrong currency",
			in:   workflow.SubmitInput{Amount: dec("10"), Currency: "EUR", Category: "Travel", Description: "x"},
			want: &workflow.ValidationError{},
		},
		{
			name: "over ceiling",
			in:   workflow.SubmitInput{Amount: dec("25000.01"), Category: "Travel", Description: "x"},
			want: &workflow.PolicyViolation{},
		},
	}
	for _, tc := range cases {
		_, err := en.Submit(ctx, employee, tc.in)
		if err == nil {
			t.Errorf("%s: expected error", tc.name)
			continue
		}
		switch tc.want.(type) {
		case *workflow.ValidationError:
			var ve *workflow.ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("%s: err = %v, want ValidationError", tc.name, err)
			}
		case *workflow.PolicyViolation:
			var pv *workflow.PolicyViolation
			if !errors.As(err, &pv) {
				t.Errorf("%s: err = %v, want PolicyViolation", tc.name, err)
			}
		}
	}
}

func TestSubmit_PendingInvariants(t *testing.T) {
	// GIVEN: A routed submission
	// WHEN: Reading it back
	// THEN: pending status, pending final decision, no decided-at, and a
	//       version token of 1

	en, mem := newTestEngine(t, sequenceRule("mgr-1", "fin-1"))
	e := submit(t, en, "250")

	got, err := mem.Get(context.Background(), company, e.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != workflow.StatusPending || got.FinalDecision != workflow.FinalPending {
		t.Errorf("status=%s final=%s, want pending/pending", got.Status, got.FinalDecision)
	}
	if got.FinalDecisionAt != nil || got.FinalDecisionBy != nil {
		t.Error("pending expense must have no final decision attribution")
	}
	if got.Version != 1 {
		t.Errorf("version = %d, want 1", got.Version)
	}
	if len(got.Approvers) != 2 {
		t.Errorf("approvers = %v, want the two-step sequence", got.Approvers)
	}
}

// =============================================================================
// SEQUENTIAL ORDERING TESTS
// =============================================================================

func TestDecide_SequenceEnforcesOrder(t *testing.T) {
	// GIVEN: A sequence rule [mgr-1, fin-1]
	// WHEN: fin-1 tries to approve before mgr-1 has decided
	// THEN: AuthorizationError; after mgr-1 approves, fin-1's approval
	//       resolves the expense

	en, _ := newTestEngine(t, sequenceRule("mgr-1", "fin-1"))
	ctx := context.Background()
	e := submit(t, en, "250")

	_, err := en.Decide(ctx, finance, e.ID, workflow.DecisionApproved, "")
	var authErr *workflow.AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("out-of-order approval: err = %v, want AuthorizationError", err)
	}

	first, err := en.Decide(ctx, manager, e.ID, workflow.DecisionApproved, "ok")
	if err != nil {
		t.Fatalf("manager approval: %v", err)
	}
	if first.Status != workflow.StatusPending {
		t.Fatalf("after first approval status = %s, want pending", first.Status)
	}
	if cur := first.CurrentApprover(); cur == nil || *cur != "fin-1" {
		t.Fatalf("current approver = %v, want fin-1", cur)
	}

	final, err := en.Decide(ctx, finance, e.ID, workflow.DecisionApproved, "ok")
	if err != nil {
		t.Fatalf("finance approval: %v", err)
	}
	if final.Status != workflow.StatusApproved {
		t.Errorf("status = %s, want approved", final.Status)
	}
	if final.FinalDecisionBy == nil || *final.FinalDecisionBy != "fin-1" {
		t.Errorf("final decision by = %v, want fin-1", final.FinalDecisionBy)
	}
	if len(final.ApprovalHistory) != 2 {
		t.Errorf("history length = %d, want 2", len(final.ApprovalHistory))
	}
}

// =============================================================================
// REJECTION SHORT-CIRCUIT TESTS
// =============================================================================

func TestDecide_RejectionShortCircuits(t *testing.T) {
	// GIVEN: An all-must-approve band with approvers [mgr-1, fin-1]
	// WHEN: mgr-1 rejects
	// THEN: Immediately rejected; fin-1's later call fails with StateError
	//       and adds no history entry

	en, _ := newTestEngine(t, allOfRule("mgr-1", "fin-1"))
	ctx := context.Background()
	e := submit(t, en, "250")

	rejected, err := en.Decide(ctx, manager, e.ID, workflow.DecisionRejected, "no receipt")
	if err != nil {
		t.Fatalf("rejection: %v", err)
	}
	if rejected.Status != workflow.StatusRejected || rejected.FinalDecision != workflow.FinalRejected {
		t.Fatalf("status = %s/%s, want rejected", rejected.Status, rejected.FinalDecision)
	}

	_, err = en.Decide(ctx, finance, e.ID, workflow.DecisionApproved, "")
	var stateErr *workflow.StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("post-terminal decision: err = %v, want StateError", err)
	}

	// Idempotence: the same late call fails the same way, with no
	// duplicate history entries.
	_, err = en.Decide(ctx, finance, e.ID, workflow.DecisionApproved, "")
	if !errors.As(err, &stateErr) {
		t.Fatalf("repeated post-terminal decision: err = %v, want StateError", err)
	}
	got, _ := en.Expenses.Get(ctx, company, e.ID)
	if len(got.ApprovalHistory) != 1 {
		t.Errorf("history length = %d, want 1", len(got.ApprovalHistory))
	}
}

// =============================================================================
// AUTO-APPROVE TESTS
// =============================================================================

func TestSubmit_AutoApprove(t *testing.T) {
	// GIVEN: auto-approve enabled, ceiling 50, submitter trusted
	// WHEN: Submitting a 40 claim
	// THEN: Immediately approved with an empty history and no attributed
	//       decider (system resolution)

	rule := sequenceRule("mgr-1")
	rule.AutoApprove = workflow.AutoApprove{
		Enabled:          true,
		MaxAmount:        dec("50"),
		TrustedEmployees: []workflow.UserID{employee.ID},
	}
	en, _ := newTestEngine(t, rule)

	e := submit(t, en, "40")
	if e.Status != workflow.StatusApproved || e.FinalDecision != workflow.FinalApproved {
		t.Fatalf("status = %s/%s, want approved", e.Status, e.FinalDecision)
	}
	if len(e.ApprovalHistory) != 0 {
		t.Errorf("history length = %d, want 0", len(e.ApprovalHistory))
	}
	if e.FinalDecisionBy != nil {
		t.Errorf("final decision by = %v, want nil (system)", e.FinalDecisionBy)
	}
	if e.FinalDecisionAt == nil {
		t.Error("final decision at must be set")
	}
}

// =============================================================================
// ELIGIBILITY TESTS
// =============================================================================

func TestDecide_NonApproverRejected(t *testing.T) {
	// GIVEN: A pending expense routed to mgr-1
	// WHEN: An unrelated employee tries to decide
	// THEN: AuthorizationError, nothing recorded

	en, _ := newTestEngine(t, sequenceRule("mgr-1"))
	ctx := context.Background()
	e := submit(t, en, "250")

	outsider := workflow.Actor{ID: "emp-9", Role: workflow.RoleEmployee, CompanyID: company}
	_, err := en.Decide(ctx, outsider, e.ID, workflow.DecisionApproved, "")
	var authErr *workflow.AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want AuthorizationError", err)
	}
	got, _ := en.Expenses.Get(ctx, company, e.ID)
	if len(got.ApprovalHistory) != 0 {
		t.Errorf("history length = %d, want 0", len(got.ApprovalHistory))
	}
}

func TestDecide_AdminOverrideIsFinal(t *testing.T) {
	// GIVEN: A two-step sequence awaiting its first approver
	// WHEN: An admin outside the approver set rejects
	// THEN: The decision is immediately terminal

	en, _ := newTestEngine(t, sequenceRule("mgr-1", "fin-1"))
	ctx := context.Background()
	e := submit(t, en, "250")

	got, err := en.Decide(ctx, admin, e.ID, workflow.DecisionRejected, "policy breach")
	if err != nil {
		t.Fatalf("admin override: %v", err)
	}
	if got.Status != workflow.StatusRejected {
		t.Errorf("status = %s, want rejected", got.Status)
	}
	if got.FinalDecisionBy == nil || *got.FinalDecisionBy != admin.ID {
		t.Errorf("final decision by = %v, want the admin", got.FinalDecisionBy)
	}
}

func TestDecide_ApproverCannotDecideTwice(t *testing.T) {
	// GIVEN: A 2-of-2 band where mgr-1 has already approved
	// WHEN: mgr-1 approves again
	// THEN: AuthorizationError, history stays at one entry

	en, _ := newTestEngine(t, allOfRule("mgr-1", "fin-1"))
	ctx := context.Background()
	e := submit(t, en, "250")

	if _, err := en.Decide(ctx, manager, e.ID, workflow.DecisionApproved, ""); err != nil {
		t.Fatalf("first approval: %v", err)
	}
	_, err := en.Decide(ctx, manager, e.ID, workflow.DecisionApproved, "")
	var authErr *workflow.AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("second approval: err = %v, want AuthorizationError", err)
	}
}

// =============================================================================
// GUARDED CRUD TESTS
// =============================================================================

func TestUpdate_ReroutesAndGuards(t *testing.T) {
	// GIVEN: A pending undecided expense under an amount-banded rule
	// WHEN: The owner raises the amount across a band boundary
	// THEN: The approver set is recomputed; once a decision exists the
	//       expense is no longer editable

	max := dec("1000")
	rule := workflow.ApprovalRule{
		ID:   "bands",
		Kind: workflow.RuleAmountBased,
		AmountBands: []workflow.AmountBand{
			{Min: dec("0"), Max: &max, Approvers: []workflow.UserID{"mgr-1"}},
			{Min: dec("1000"), Approvers: []workflow.UserID{"mgr-1", "fin-1"}, RequiresAllApprovals: true},
		},
	}
	en, _ := newTestEngine(t, rule)
	ctx := context.Background()
	e := submit(t, en, "500")
	if len(e.Approvers) != 1 {
		t.Fatalf("initial approvers = %v, want [mgr-1]", e.Approvers)
	}

	bigger := dec("2000")
	updated, err := en.Update(ctx, employee, e.ID, workflow.UpdateInput{Amount: &bigger})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(updated.Approvers) != 2 {
		t.Errorf("rerouted approvers = %v, want [mgr-1 fin-1]", updated.Approvers)
	}

	if _, err := en.Decide(ctx, manager, e.ID, workflow.DecisionApproved, ""); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	smaller := dec("100")
	_, err = en.Update(ctx, employee, e.ID, workflow.UpdateInput{Amount: &smaller})
	var stateErr *workflow.StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("update after decision: err = %v, want StateError", err)
	}
}

func TestDelete_OwnerOnlyWhileUndecided(t *testing.T) {
	// GIVEN: A pending expense
	// WHEN: A non-owner deletes, then the owner deletes
	// THEN: AuthorizationError for the stranger, success for the owner

	en, _ := newTestEngine(t, sequenceRule("mgr-1"))
	ctx := context.Background()
	e := submit(t, en, "250")

	outsider := workflow.Actor{ID: "emp-9", Role: workflow.RoleEmployee, CompanyID: company}
	err := en.Delete(ctx, outsider, e.ID)
	var authErr *workflow.AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("stranger delete: err = %v, want AuthorizationError", err)
	}

	if err := en.Delete(ctx, employee, e.ID); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	_, err = en.Expenses.Get(ctx, company, e.ID)
	if !workflow.IsNotFound(err) {
		t.Errorf("after delete: err = %v, want not-found", err)
	}
}

// =============================================================================
// AUDIT TESTS
// =============================================================================

func TestAudit_OneEventPerTransition(t *testing.T) {
	// GIVEN: A submit followed by two approvals
	// WHEN: Querying the audit log
	// THEN: Three events in the expected action order

	en, mem := newTestEngine(t, sequenceRule("mgr-1", "fin-1"))
	ctx := context.Background()
	e := submit(t, en, "250")
	if _, err := en.Decide(ctx, manager, e.ID, workflow.DecisionApproved, ""); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if _, err := en.Decide(ctx, finance, e.ID, workflow.DecisionApproved, ""); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	events, err := mem.Query(ctx, workflow.AuditFilter{CompanyID: company, Resource: "Expense"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("event count = %d, want 3", len(events))
	}
}

// =============================================================================
// CONCURRENCY TESTS
// =============================================================================

func TestDecide_ConcurrentApprovalsSerialize(t *testing.T) {
	// GIVEN: A 2-of-2 all-must-approve expense and both approvers deciding
	//        simultaneously
	// WHEN: Both approve, retrying on version conflict
	// THEN: Exactly one transition to approved and exactly two history
	//       entries; no lost update, no duplicate entries

	en, _ := newTestEngine(t, allOfRule("mgr-1", "fin-1"))
	ctx := context.Background()
	e := submit(t, en, "250")

	var wg sync.WaitGroup
	decide := func(actor workflow.Actor) {
		defer wg.Done()
		for {
			_, err := en.Decide(ctx, actor, e.ID, workflow.DecisionApproved, "")
			var conflict *workflow.ConflictError
			if errors.As(err, &conflict) {
				continue // lost the race, retry with fresh state
			}
			if err != nil {
				t.Errorf("%s: unexpected error: %v", actor.ID, err)
			}
			return
		}
	}
	wg.Add(2)
	go decide(manager)
	go decide(finance)
	wg.Wait()

	got, err := en.Expenses.Get(ctx, company, e.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != workflow.StatusApproved {
		t.Errorf("status = %s, want approved", got.Status)
	}
	if len(got.ApprovalHistory) != 2 {
		t.Errorf("history length = %d, want exactly 2", len(got.ApprovalHistory))
	}
	if got.FinalDecisionAt == nil || got.FinalDecisionBy == nil {
		t.Error("terminal expense must carry final decision attribution")
	}
	// Version 3: one increment per successful decision write.
	if got.Version != 3 {
		t.Errorf("version = %d, want 3", got.Version)
	}
}

func TestStore_StaleVersionRejected(t *testing.T) {
	// GIVEN: An expense at version 1 read by two writers
	// WHEN: Both write back with the version they read
	// THEN: The second write fails with ErrVersionConflict and changes
	//       nothing

	en, mem := newTestEngine(t, sequenceRule("mgr-1"))
	ctx := context.Background()
	e := submit(t, en, "250")

	first, _ := mem.Get(ctx, company, e.ID)
	second, _ := mem.Get(ctx, company, e.ID)

	first.Notes = "writer one"
	if err := mem.Update(ctx, first, first.Version); err != nil {
		t.Fatalf("first write: %v", err)
	}

	second.Notes = "writer two"
	err := mem.Update(ctx, second, second.Version)
	if !errors.Is(err, workflow.ErrVersionConflict) {
		t.Fatalf("second write: err = %v, want ErrVersionConflict", err)
	}

	got, _ := mem.Get(ctx, company, e.ID)
	if got.Notes != "writer one" {
		t.Errorf("notes = %q, the losing write must not land", got.Notes)
	}
}
