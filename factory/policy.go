package factory

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/expense-engine/workflow"
)

// PolicyJSON is the JSON representation of a company expense policy.
type PolicyJSON struct {
	CompanyID         string   `json:"company_id,omitempty"`
	Name              string   `json:"name"`
	Country           string   `json:"country,omitempty"`
	DefaultCurrency   string   `json:"default_currency"`
	MaxExpenseAmount  string   `json:"max_expense_amount,omitempty"`
	ApprovalRequired  *bool    `json:"approval_required,omitempty"`
	ExpenseCategories []string `json:"expense_categories,omitempty"`
	DefaultApproverID string   `json:"default_approver_id,omitempty"`
}

// DefaultCategories seeds new companies that do not provide their own.
var DefaultCategories = []string{
	"Travel", "Meals", "Office Supplies", "Software", "Training", "Other",
}

// PolicyFactory converts JSON policies to Go structs.
type PolicyFactory struct{}

func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{}
}

// ParsePolicy parses a JSON string into a validated CompanyPolicy.
func (f *PolicyFactory) ParsePolicy(companyID workflow.CompanyID, jsonStr string) (*workflow.CompanyPolicy, error) {
	var pj PolicyJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return nil, fmt.Errorf("failed to parse policy JSON: %w", err)
	}
	return f.FromJSON(companyID, pj)
}

// FromJSON converts PolicyJSON to a validated workflow.CompanyPolicy.
func (f *PolicyFactory) FromJSON(companyID workflow.CompanyID, pj PolicyJSON) (*workflow.CompanyPolicy, error) {
	if pj.Name == "" {
		return nil, &workflow.ValidationError{Field: "name", Message: "company name is required"}
	}
	if pj.DefaultCurrency == "" {
		return nil, &workflow.ValidationError{Field: "default_currency", Message: "default currency is required"}
	}
	if len(pj.DefaultCurrency) != 3 {
		return nil, &workflow.ValidationError{Field: "default_currency", Message: "currency must be a 3-letter ISO code"}
	}

	policy := &workflow.CompanyPolicy{
		CompanyID:         companyID,
		Name:              pj.Name,
		Country:           pj.Country,
		DefaultCurrency:   pj.DefaultCurrency,
		ApprovalRequired:  true,
		ExpenseCategories: pj.ExpenseCategories,
		DefaultApproverID: workflow.UserID(pj.DefaultApproverID),
	}
	if pj.ApprovalRequired != nil {
		policy.ApprovalRequired = *pj.ApprovalRequired
	}
	if len(policy.ExpenseCategories) == 0 {
		policy.ExpenseCategories = append([]string(nil), DefaultCategories...)
	}

	if pj.MaxExpenseAmount != "" {
		max, err := decimal.NewFromString(pj.MaxExpenseAmount)
		if err != nil || max.LessThanOrEqual(decimal.Zero) {
			return nil, &workflow.ValidationError{
				Field:   "max_expense_amount",
				Message: "max expense amount must be a positive decimal",
			}
		}
		policy.MaxExpenseAmount = max
	}

	return policy, nil
}

// ToJSON converts a CompanyPolicy back to its JSON shape.
func (f *PolicyFactory) ToJSON(p *workflow.CompanyPolicy) PolicyJSON {
	required := p.ApprovalRequired
	pj := PolicyJSON{
		CompanyID:         string(p.CompanyID),
		Name:              p.Name,
		Country:           p.Country,
		DefaultCurrency:   p.DefaultCurrency,
		ApprovalRequired:  &required,
		ExpenseCategories: p.ExpenseCategories,
		DefaultApproverID: string(p.DefaultApproverID),
	}
	if p.MaxExpenseAmount.IsPositive() {
		pj.MaxExpenseAmount = p.MaxExpenseAmount.String()
	}
	return pj
}
