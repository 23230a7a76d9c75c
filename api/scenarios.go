/*
scenarios.go - Seedable demo scenarios

PURPOSE:
  Loads self-contained demo tenants so every rule variant can be explored
  from a fresh checkout without hand-crafting data. Each scenario is its
  own company, which keeps loads idempotent in spirit: reloading writes
  into an isolated tenant rather than polluting real data.

SCENARIOS:
  sequence-chain        Manager -> Finance -> Director ordered approvals
  amount-bands          Routing by amount band with boundary thresholds
  percentage-committee  60% of a five-member committee
  auto-approve          Trusted employees below a small-amount ceiling

SEE ALSO:
  - handlers.go: Handler context these loaders run in
  - workflow/rule.go: The rule variants being demonstrated
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/expense-engine/factory"
	"github.com/warp/expense-engine/workflow"
)

// Scenario describes one loadable demo.
type Scenario struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	CompanyID   string `json:"company_id"`
}

var scenarios = []Scenario{
	{
		ID:          "sequence-chain",
		Name:        "Sequential approval chain",
		Description: "Expenses walk an ordered Manager -> Finance -> Director chain; any rejection short-circuits.",
		CompanyID:   "demo-sequence",
	},
	{
		ID:          "amount-bands",
		Name:        "Amount-based routing",
		Description: "Small claims need one manager, mid-range adds finance (all must approve), large claims go to a committee.",
		CompanyID:   "demo-bands",
	},
	{
		ID:          "percentage-committee",
		Name:        "Percentage committee",
		Description: "A five-member committee approves once 60% have said yes; rejection is terminal only when 60% becomes unreachable.",
		CompanyID:   "demo-percentage",
	},
	{
		ID:          "auto-approve",
		Name:        "Auto-approve trusted employees",
		Description: "Claims under 50 from trusted employees bypass the approval flow entirely.",
		CompanyID:   "demo-auto",
	},
}

// ListScenarios returns the available demo scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the most recently loaded scenario, if any.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"scenario": h.currentScenario})
}

// LoadScenario seeds the named scenario's tenant.
// POST /api/scenarios/load {"scenario": "sequence-chain"}
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scenario string `json:"scenario"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body", err)
		return
	}

	var loader func(context.Context) (Scenario, error)
	switch req.Scenario {
	case "sequence-chain":
		loader = h.loadSequenceChain
	case "amount-bands":
		loader = h.loadAmountBands
	case "percentage-committee":
		loader = h.loadPercentageCommittee
	case "auto-approve":
		loader = h.loadAutoApprove
	default:
		writeError(w, http.StatusBadRequest, "validation_error",
			fmt.Sprintf("unknown scenario %q", req.Scenario), nil)
		return
	}

	scenario, err := loader(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	h.currentScenario = scenario.ID

	writeJSON(w, http.StatusOK, map[string]any{
		"loaded":     scenario.ID,
		"company_id": scenario.CompanyID,
		"hint":       "send X-Company-Id: " + scenario.CompanyID + " to explore this tenant",
	})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadSequenceChain(ctx context.Context) (Scenario, error) {
	s := scenarios[0]
	companyID := workflow.CompanyID(s.CompanyID)

	if err := h.seedCompany(ctx, companyID, "Sequence Demo Co", "mgr-1"); err != nil {
		return s, err
	}
	if err := h.seedUsers(ctx, companyID, []workflow.User{
		{ID: "emp-1", Name: "Erin Employee", Role: workflow.RoleEmployee, Department: "Sales", ManagerID: userRef("mgr-1")},
		{ID: "mgr-1", Name: "Morgan Manager", Role: workflow.RoleManager, Department: "Sales"},
		{ID: "fin-1", Name: "Frankie Finance", Role: workflow.RoleFinance, Department: "Finance"},
		{ID: "dir-1", Name: "Devon Director", Role: workflow.RoleDirector, Department: "Executive"},
		{ID: "adm-1", Name: "Alex Admin", Role: workflow.RoleAdmin, Department: "Operations"},
	}); err != nil {
		return s, err
	}

	if err := h.seedRule(ctx, companyID, factory.RuleJSON{
		ID:   "demo-seq-rule",
		Name: "Manager then finance then director",
		Kind: string(workflow.RuleSequence),
		ApproverSequence: []factory.SequenceStepJSON{
			{UserID: "mgr-1", Level: 1},
			{UserID: "fin-1", Level: 2},
			{UserID: "dir-1", Level: 3},
		},
	}); err != nil {
		return s, err
	}

	employee := workflow.Actor{ID: "emp-1", Role: workflow.RoleEmployee, CompanyID: companyID}
	_, err := h.Engine.Submit(ctx, employee, workflow.SubmitInput{
		Amount:      dec("340.00"),
		Category:    "Travel",
		Description: "Client visit, train tickets",
	})
	return s, err
}

func (h *Handler) loadAmountBands(ctx context.Context) (Scenario, error) {
	s := scenarios[1]
	companyID := workflow.CompanyID(s.CompanyID)

	if err := h.seedCompany(ctx, companyID, "Band Demo Co", "mgr-1"); err != nil {
		return s, err
	}
	if err := h.seedUsers(ctx, companyID, []workflow.User{
		{ID: "emp-1", Name: "Erin Employee", Role: workflow.RoleEmployee, Department: "Engineering", ManagerID: userRef("mgr-1")},
		{ID: "mgr-1", Name: "Morgan Manager", Role: workflow.RoleManager, Department: "Engineering"},
		{ID: "fin-1", Name: "Frankie Finance", Role: workflow.RoleFinance, Department: "Finance"},
		{ID: "dir-1", Name: "Devon Director", Role: workflow.RoleDirector, Department: "Executive"},
		{ID: "dir-2", Name: "Dana Director", Role: workflow.RoleDirector, Department: "Executive"},
	}); err != nil {
		return s, err
	}

	if err := h.seedRule(ctx, companyID, factory.RuleJSON{
		ID:   "demo-band-rule",
		Name: "Routing by amount",
		Kind: string(workflow.RuleAmountBased),
		AmountBands: []factory.AmountBandJSON{
			{MinAmount: "0", MaxAmount: "1000", Approvers: []string{"mgr-1"}},
			{MinAmount: "1000", MaxAmount: "5000", Approvers: []string{"mgr-1", "fin-1"}, RequiresAllApprovals: true},
			{MinAmount: "5000", Approvers: []string{"fin-1", "dir-1", "dir-2"}, RequiresAllApprovals: true},
		},
	}); err != nil {
		return s, err
	}

	employee := workflow.Actor{ID: "emp-1", Role: workflow.RoleEmployee, CompanyID: companyID}
	for _, amt := range []string{"240.00", "2500.00", "8200.00"} {
		if _, err := h.Engine.Submit(ctx, employee, workflow.SubmitInput{
			Amount:      dec(amt),
			Category:    "Software",
			Description: "License purchase",
		}); err != nil {
			return s, err
		}
	}
	return s, nil
}

func (h *Handler) loadPercentageCommittee(ctx context.Context) (Scenario, error) {
	s := scenarios[2]
	companyID := workflow.CompanyID(s.CompanyID)

	if err := h.seedCompany(ctx, companyID, "Committee Demo Co", "mgr-1"); err != nil {
		return s, err
	}
	users := []workflow.User{
		{ID: "emp-1", Name: "Erin Employee", Role: workflow.RoleEmployee, Department: "Marketing", ManagerID: userRef("mgr-1")},
		{ID: "mgr-1", Name: "Morgan Manager", Role: workflow.RoleManager, Department: "Marketing"},
	}
	committee := make([]string, 5)
	for i := range committee {
		id := fmt.Sprintf("cmte-%d", i+1)
		committee[i] = id
		users = append(users, workflow.User{
			ID:         workflow.UserID(id),
			Name:       fmt.Sprintf("Committee Member %d", i+1),
			Role:       workflow.RoleManager,
			Department: "Committee",
		})
	}
	if err := h.seedUsers(ctx, companyID, users); err != nil {
		return s, err
	}

	if err := h.seedRule(ctx, companyID, factory.RuleJSON{
		ID:                  "demo-pct-rule",
		Name:                "60% committee approval",
		Kind:                string(workflow.RulePercentage),
		PercentageThreshold: "60",
		PercentageApprovers: committee,
	}); err != nil {
		return s, err
	}

	employee := workflow.Actor{ID: "emp-1", Role: workflow.RoleEmployee, CompanyID: companyID}
	_, err := h.Engine.Submit(ctx, employee, workflow.SubmitInput{
		Amount:      dec("1500.00"),
		Category:    "Training",
		Description: "Conference attendance",
	})
	return s, err
}

func (h *Handler) loadAutoApprove(ctx context.Context) (Scenario, error) {
	s := scenarios[3]
	companyID := workflow.CompanyID(s.CompanyID)

	if err := h.seedCompany(ctx, companyID, "Auto Demo Co", "mgr-1"); err != nil {
		return s, err
	}
	if err := h.seedUsers(ctx, companyID, []workflow.User{
		{ID: "emp-trusted", Name: "Taylor Trusted", Role: workflow.RoleEmployee, Department: "Support", ManagerID: userRef("mgr-1")},
		{ID: "emp-new", Name: "Noor Newhire", Role: workflow.RoleEmployee, Department: "Support", ManagerID: userRef("mgr-1")},
		{ID: "mgr-1", Name: "Morgan Manager", Role: workflow.RoleManager, Department: "Support"},
	}); err != nil {
		return s, err
	}

	if err := h.seedRule(ctx, companyID, factory.RuleJSON{
		ID:                 "demo-auto-rule",
		Name:               "Manager approval with trusted bypass",
		Kind:               string(workflow.RuleSpecific),
		SpecificApproverID: "mgr-1",
		AutoApprove: &factory.AutoApproveJSON{
			Enabled:          true,
			MaxAmount:        "50",
			TrustedEmployees: []string{"emp-trusted"},
		},
	}); err != nil {
		return s, err
	}

	// One claim lands auto-approved, one waits on the manager.
	trusted := workflow.Actor{ID: "emp-trusted", Role: workflow.RoleEmployee, CompanyID: companyID}
	if _, err := h.Engine.Submit(ctx, trusted, workflow.SubmitInput{
		Amount:      dec("18.50"),
		Category:    "Meals",
		Description: "Working lunch",
	}); err != nil {
		return s, err
	}
	newHire := workflow.Actor{ID: "emp-new", Role: workflow.RoleEmployee, CompanyID: companyID}
	_, err := h.Engine.Submit(ctx, newHire, workflow.SubmitInput{
		Amount:      dec("18.50"),
		Category:    "Meals",
		Description: "Working lunch",
	})
	return s, err
}

// =============================================================================
// SEED HELPERS
// =============================================================================

func (h *Handler) seedCompany(ctx context.Context, id workflow.CompanyID, name, defaultApprover string) error {
	policy, err := h.PolicyFactory.FromJSON(id, factory.PolicyJSON{
		Name:              name,
		Country:           "US",
		DefaultCurrency:   "USD",
		MaxExpenseAmount:  "25000",
		DefaultApproverID: defaultApprover,
	})
	if err != nil {
		return err
	}
	return h.Backend.SavePolicy(ctx, policy)
}

func (h *Handler) seedUsers(ctx context.Context, companyID workflow.CompanyID, users []workflow.User) error {
	for i := range users {
		u := users[i]
		u.CompanyID = companyID
		if u.Email == "" {
			u.Email = string(u.ID) + "@" + string(companyID) + ".example.com"
		}
		if err := h.Backend.SaveUser(ctx, &u); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) seedRule(ctx context.Context, companyID workflow.CompanyID, rj factory.RuleJSON) error {
	rule, err := h.RuleFactory.FromJSON(companyID, rj)
	if err != nil {
		return err
	}
	return h.Backend.SaveRule(ctx, rule)
}

func userRef(id string) *workflow.UserID {
	u := workflow.UserID(id)
	return &u
}

// dec panics on malformed literals; scenario amounts are compile-time
// constants.
func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
