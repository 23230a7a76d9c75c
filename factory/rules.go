/*
Package factory provides JSON to Go approval-rule conversion.

PURPOSE:
  Converts JSON rule definitions into workflow.ApprovalRule values. This
  enables rule configuration without code changes - admins define rules
  in JSON through the API, and the factory validates and creates the
  proper Go structs before anything reaches the evaluator.

WHY JSON?
  - Non-developers can modify rules
  - Easy integration with the admin UI
  - Version control for rule definitions
  - Database storage of rule configs

JSON SCHEMA:
  {
    "id": "managers-chain",
    "name": "Manager then finance",
    "kind": "sequence",
    "priority": 10,
    "conditions": {"categories": ["Travel"], "min_amount": "100"},
    "approver_sequence": [
      {"user_id": "mgr-1", "level": 1},
      {"user_id": "fin-1", "level": 2}
    ],
    "auto_approve": {
      "enabled": true,
      "max_amount": "50",
      "trusted_employees": ["emp-7"]
    }
  }

VALIDATION:
  A rule missing its kind-specific payload (e.g. a sequence rule with an
  empty approver_sequence) is rejected here with a ConfigurationError so
  the misconfiguration surfaces to the admin instead of later producing a
  zero-approver expense.

USAGE:
  f := factory.NewRuleFactory()
  rule, err := f.ParseRule(companyID, jsonStr)

SEE ALSO:
  - workflow/rule.go: Rule type definitions
  - api/handlers.go: Rule admin endpoints using this factory
*/
package factory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/expense-engine/workflow"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// RuleJSON is the JSON representation of an approval rule.
type RuleJSON struct {
	ID          string          `json:"id,omitempty"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Kind        string          `json:"kind"`
	Priority    int             `json:"priority,omitempty"`
	IsActive    *bool           `json:"is_active,omitempty"`
	Conditions  *ConditionsJSON `json:"conditions,omitempty"`

	ApproverSequence    []SequenceStepJSON `json:"approver_sequence,omitempty"`
	SpecificApproverID  string             `json:"specific_approver_id,omitempty"`
	AmountBands         []AmountBandJSON   `json:"amount_bands,omitempty"`
	PercentageThreshold string             `json:"percentage_threshold,omitempty"`
	PercentageApprovers []string           `json:"percentage_approvers,omitempty"`
	SubRules            []RuleJSON         `json:"sub_rules,omitempty"`

	AutoApprove *AutoApproveJSON `json:"auto_approve,omitempty"`
}

type ConditionsJSON struct {
	Categories  []string `json:"categories,omitempty"`
	Departments []string `json:"departments,omitempty"`
	MinAmount   string   `json:"min_amount,omitempty"`
	MaxAmount   string   `json:"max_amount,omitempty"`
}

type SequenceStepJSON struct {
	UserID string `json:"user_id"`
	Level  int    `json:"level"`
}

type AmountBandJSON struct {
	MinAmount            string   `json:"min_amount"`
	MaxAmount            string   `json:"max_amount,omitempty"` // empty = unbounded
	Approvers            []string `json:"approvers"`
	RequiresAllApprovals bool     `json:"requires_all_approvals"`
}

type AutoApproveJSON struct {
	Enabled          bool     `json:"enabled"`
	MaxAmount        string   `json:"max_amount,omitempty"`
	TrustedEmployees []string `json:"trusted_employees,omitempty"`
}

// =============================================================================
// RULE FACTORY
// =============================================================================

// RuleFactory converts JSON rules to Go structs.
type RuleFactory struct{}

// NewRuleFactory creates a new rule factory.
func NewRuleFactory() *RuleFactory {
	return &RuleFactory{}
}

// ParseRule parses a JSON string into a validated ApprovalRule for the
// given tenant.
func (f *RuleFactory) ParseRule(companyID workflow.CompanyID, jsonStr string) (*workflow.ApprovalRule, error) {
	var rj RuleJSON
	if err := json.Unmarshal([]byte(jsonStr), &rj); err != nil {
		return nil, fmt.Errorf("failed to parse rule JSON: %w", err)
	}
	return f.FromJSON(companyID, rj)
}

// FromJSON converts RuleJSON to a validated workflow.ApprovalRule.
func (f *RuleFactory) FromJSON(companyID workflow.CompanyID, rj RuleJSON) (*workflow.ApprovalRule, error) {
	rule, err := f.fromJSON(companyID, rj, false)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if rule.ID == "" {
		rule.ID = workflow.RuleID(uuid.NewString())
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	return rule, nil
}

func (f *RuleFactory) fromJSON(companyID workflow.CompanyID, rj RuleJSON, nested bool) (*workflow.ApprovalRule, error) {
	if rj.Name == "" && !nested {
		return nil, &workflow.ConfigurationError{Message: "rule name is required"}
	}

	kind := workflow.RuleKind(rj.Kind)
	rule := &workflow.ApprovalRule{
		ID:          workflow.RuleID(rj.ID),
		CompanyID:   companyID,
		Name:        rj.Name,
		Description: rj.Description,
		Kind:        kind,
		Priority:    rj.Priority,
		IsActive:    true,
	}
	if rj.IsActive != nil {
		rule.IsActive = *rj.IsActive
	}

	if rj.Conditions != nil {
		cond, err := parseConditions(*rj.Conditions)
		if err != nil {
			return nil, err
		}
		rule.Conditions = cond
	}

	switch kind {
	case workflow.RuleSequence:
		if len(rj.ApproverSequence) == 0 {
			return nil, &workflow.ConfigurationError{
				RuleID:  rule.ID,
				Message: "sequence rule requires a non-empty approver_sequence",
			}
		}
		for _, s := range rj.ApproverSequence {
			if s.UserID == "" {
				return nil, &workflow.ConfigurationError{
					RuleID:  rule.ID,
					Message: "approver_sequence entries require a user_id",
				}
			}
			rule.ApproverSequence = append(rule.ApproverSequence, workflow.SequenceStep{
				UserID: workflow.UserID(s.UserID),
				Level:  s.Level,
			})
		}

	case workflow.RuleSpecific:
		if rj.SpecificApproverID == "" {
			return nil, &workflow.ConfigurationError{
				RuleID:  rule.ID,
				Message: "specific rule requires specific_approver_id",
			}
		}
		id := workflow.UserID(rj.SpecificApproverID)
		rule.SpecificApproverID = &id

	case workflow.RuleAmountBased:
		if len(rj.AmountBands) == 0 {
			return nil, &workflow.ConfigurationError{
				RuleID:  rule.ID,
				Message: "amount-based rule requires amount_bands",
			}
		}
		for i, bj := range rj.AmountBands {
			band, err := parseBand(rule.ID, i, bj)
			if err != nil {
				return nil, err
			}
			rule.AmountBands = append(rule.AmountBands, band)
		}

	case workflow.RulePercentage:
		if len(rj.PercentageApprovers) == 0 {
			return nil, &workflow.ConfigurationError{
				RuleID:  rule.ID,
				Message: "percentage rule requires percentage_approvers",
			}
		}
		t, err := parseDecimal(rj.PercentageThreshold)
		if err != nil {
			return nil, &workflow.ConfigurationError{
				RuleID:  rule.ID,
				Message: "percentage rule requires a valid percentage_threshold",
			}
		}
		// Accept either a fraction ("0.6") or a percentage ("60").
		if t.GreaterThan(decimal.NewFromInt(1)) {
			t = t.Div(decimal.NewFromInt(100))
		}
		if t.LessThanOrEqual(decimal.Zero) || t.GreaterThan(decimal.NewFromInt(1)) {
			return nil, &workflow.ConfigurationError{
				RuleID:  rule.ID,
				Message: "percentage_threshold must be in (0,100]",
			}
		}
		rule.PercentageThreshold = t
		for _, id := range rj.PercentageApprovers {
			rule.PercentageApprovers = append(rule.PercentageApprovers, workflow.UserID(id))
		}

	case workflow.RuleHybrid:
		if nested {
			return nil, &workflow.ConfigurationError{
				RuleID:  rule.ID,
				Message: "hybrid rules cannot nest",
			}
		}
		if len(rj.SubRules) == 0 {
			return nil, &workflow.ConfigurationError{
				RuleID:  rule.ID,
				Message: "hybrid rule requires sub_rules",
			}
		}
		for _, sj := range rj.SubRules {
			sub, err := f.fromJSON(companyID, sj, true)
			if err != nil {
				return nil, err
			}
			rule.SubRules = append(rule.SubRules, *sub)
		}

	default:
		return nil, &workflow.ConfigurationError{
			RuleID:  rule.ID,
			Message: fmt.Sprintf("unknown rule kind %q", rj.Kind),
		}
	}

	if rj.AutoApprove != nil && rj.AutoApprove.Enabled {
		max, err := parseDecimal(rj.AutoApprove.MaxAmount)
		if err != nil {
			return nil, &workflow.ConfigurationError{
				RuleID:  rule.ID,
				Message: "auto_approve requires a valid max_amount",
			}
		}
		aa := workflow.AutoApprove{Enabled: true, MaxAmount: max}
		for _, id := range rj.AutoApprove.TrustedEmployees {
			aa.TrustedEmployees = append(aa.TrustedEmployees, workflow.UserID(id))
		}
		rule.AutoApprove = aa
	}

	return rule, nil
}

// ToJSON converts an ApprovalRule back to its JSON shape.
func (f *RuleFactory) ToJSON(rule *workflow.ApprovalRule) RuleJSON {
	active := rule.IsActive
	rj := RuleJSON{
		ID:          string(rule.ID),
		Name:        rule.Name,
		Description: rule.Description,
		Kind:        string(rule.Kind),
		Priority:    rule.Priority,
		IsActive:    &active,
	}

	if !emptyConditions(rule.Conditions) {
		cj := ConditionsJSON{
			Categories:  rule.Conditions.Categories,
			Departments: rule.Conditions.Departments,
		}
		if rule.Conditions.MinAmount != nil {
			cj.MinAmount = rule.Conditions.MinAmount.String()
		}
		if rule.Conditions.MaxAmount != nil {
			cj.MaxAmount = rule.Conditions.MaxAmount.String()
		}
		rj.Conditions = &cj
	}

	for _, s := range rule.ApproverSequence {
		rj.ApproverSequence = append(rj.ApproverSequence, SequenceStepJSON{
			UserID: string(s.UserID),
			Level:  s.Level,
		})
	}
	if rule.SpecificApproverID != nil {
		rj.SpecificApproverID = string(*rule.SpecificApproverID)
	}
	for _, b := range rule.AmountBands {
		bj := AmountBandJSON{
			MinAmount:            b.Min.String(),
			RequiresAllApprovals: b.RequiresAllApprovals,
		}
		if b.Max != nil {
			bj.MaxAmount = b.Max.String()
		}
		for _, id := range b.Approvers {
			bj.Approvers = append(bj.Approvers, string(id))
		}
		rj.AmountBands = append(rj.AmountBands, bj)
	}
	if !rule.PercentageThreshold.IsZero() {
		rj.PercentageThreshold = rule.PercentageThreshold.String()
	}
	for _, id := range rule.PercentageApprovers {
		rj.PercentageApprovers = append(rj.PercentageApprovers, string(id))
	}
	for i := range rule.SubRules {
		rj.SubRules = append(rj.SubRules, f.ToJSON(&rule.SubRules[i]))
	}
	if rule.AutoApprove.Enabled {
		aj := AutoApproveJSON{Enabled: true, MaxAmount: rule.AutoApprove.MaxAmount.String()}
		for _, id := range rule.AutoApprove.TrustedEmployees {
			aj.TrustedEmployees = append(aj.TrustedEmployees, string(id))
		}
		rj.AutoApprove = &aj
	}
	return rj
}

// =============================================================================
// PARSE HELPERS
// =============================================================================

func parseConditions(cj ConditionsJSON) (workflow.RuleConditions, error) {
	cond := workflow.RuleConditions{
		Categories:  cj.Categories,
		Departments: cj.Departments,
	}
	if cj.MinAmount != "" {
		d, err := parseDecimal(cj.MinAmount)
		if err != nil {
			return cond, &workflow.ConfigurationError{Message: "conditions.min_amount is not a valid amount"}
		}
		cond.MinAmount = &d
	}
	if cj.MaxAmount != "" {
		d, err := parseDecimal(cj.MaxAmount)
		if err != nil {
			return cond, &workflow.ConfigurationError{Message: "conditions.max_amount is not a valid amount"}
		}
		cond.MaxAmount = &d
	}
	return cond, nil
}

func parseBand(ruleID workflow.RuleID, idx int, bj AmountBandJSON) (workflow.AmountBand, error) {
	var band workflow.AmountBand
	min, err := parseDecimal(bj.MinAmount)
	if err != nil {
		return band, &workflow.ConfigurationError{
			RuleID:  ruleID,
			Message: fmt.Sprintf("amount_bands[%d].min_amount is not a valid amount", idx),
		}
	}
	band.Min = min
	if bj.MaxAmount != "" {
		max, err := parseDecimal(bj.MaxAmount)
		if err != nil {
			return band, &workflow.ConfigurationError{
				RuleID:  ruleID,
				Message: fmt.Sprintf("amount_bands[%d].max_amount is not a valid amount", idx),
			}
		}
		if max.LessThan(min) {
			return band, &workflow.ConfigurationError{
				RuleID:  ruleID,
				Message: fmt.Sprintf("amount_bands[%d] has max_amount below min_amount", idx),
			}
		}
		band.Max = &max
	}
	if len(bj.Approvers) == 0 {
		return band, &workflow.ConfigurationError{
			RuleID:  ruleID,
			Message: fmt.Sprintf("amount_bands[%d] requires approvers", idx),
		}
	}
	for _, id := range bj.Approvers {
		band.Approvers = append(band.Approvers, workflow.UserID(id))
	}
	band.RequiresAllApprovals = bj.RequiresAllApprovals
	return band, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("empty amount")
	}
	return decimal.NewFromString(s)
}

func emptyConditions(c workflow.RuleConditions) bool {
	return len(c.Categories) == 0 && len(c.Departments) == 0 &&
		c.MinAmount == nil && c.MaxAmount == nil
}
