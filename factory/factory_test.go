package factory

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/expense-engine/workflow"
)

const company = workflow.CompanyID("acme")

func configErr(t *testing.T, err error) *workflow.ConfigurationError {
	t.Helper()
	var ce *workflow.ConfigurationError
	require.True(t, errors.As(err, &ce), "expected ConfigurationError, got %v", err)
	return ce
}

// =============================================================================
// RULE FACTORY
// =============================================================================

func TestParseRule_Sequence(t *testing.T) {
	f := NewRuleFactory()

	rule, err := f.ParseRule(company, `{
		"name": "Chain",
		"kind": "sequence",
		"priority": 5,
		"conditions": {"categories": ["Travel"], "min_amount": "100"},
		"approver_sequence": [
			{"user_id": "mgr-1", "level": 1},
			{"user_id": "fin-1", "level": 2}
		]
	}`)
	require.NoError(t, err)

	assert.NotEmpty(t, rule.ID, "missing id gets generated")
	assert.Equal(t, company, rule.CompanyID)
	assert.Equal(t, workflow.RuleSequence, rule.Kind)
	assert.True(t, rule.IsActive, "active unless told otherwise")
	require.Len(t, rule.ApproverSequence, 2)
	assert.Equal(t, workflow.UserID("fin-1"), rule.ApproverSequence[1].UserID)
	require.NotNil(t, rule.Conditions.MinAmount)
	assert.True(t, rule.Conditions.MinAmount.Equal(decimal.NewFromInt(100)))
	assert.False(t, rule.CreatedAt.IsZero())
}

func TestParseRule_SequenceNeedsApprovers(t *testing.T) {
	f := NewRuleFactory()

	_, err := f.ParseRule(company, `{"name": "Empty", "kind": "sequence"}`)
	configErr(t, err)

	_, err = f.ParseRule(company, `{
		"name": "Blank step", "kind": "sequence",
		"approver_sequence": [{"user_id": "", "level": 1}]
	}`)
	configErr(t, err)
}

func TestParseRule_Specific(t *testing.T) {
	f := NewRuleFactory()

	rule, err := f.ParseRule(company, `{
		"name": "CFO signs", "kind": "specific", "specific_approver_id": "cfo-1"
	}`)
	require.NoError(t, err)
	require.NotNil(t, rule.SpecificApproverID)
	assert.Equal(t, workflow.UserID("cfo-1"), *rule.SpecificApproverID)

	_, err = f.ParseRule(company, `{"name": "Nobody", "kind": "specific"}`)
	configErr(t, err)
}

func TestParseRule_AmountBands(t *testing.T) {
	f := NewRuleFactory()

	rule, err := f.ParseRule(company, `{
		"name": "Tiers", "kind": "amount-based",
		"amount_bands": [
			{"min_amount": "0", "max_amount": "1000", "approvers": ["mgr-1"]},
			{"min_amount": "1000", "approvers": ["mgr-1", "fin-1"], "requires_all_approvals": true}
		]
	}`)
	require.NoError(t, err)
	require.Len(t, rule.AmountBands, 2)
	assert.Nil(t, rule.AmountBands[1].Max, "missing max means unbounded")
	assert.True(t, rule.AmountBands[1].RequiresAllApprovals)
}

func TestParseRule_BandValidation(t *testing.T) {
	f := NewRuleFactory()

	// Inverted bounds.
	_, err := f.ParseRule(company, `{
		"name": "Bad", "kind": "amount-based",
		"amount_bands": [{"min_amount": "500", "max_amount": "100", "approvers": ["mgr-1"]}]
	}`)
	configErr(t, err)

	// Band with nobody to approve.
	_, err = f.ParseRule(company, `{
		"name": "Bad", "kind": "amount-based",
		"amount_bands": [{"min_amount": "0", "max_amount": "100"}]
	}`)
	configErr(t, err)
}

func TestParseRule_PercentageThresholdForms(t *testing.T) {
	f := NewRuleFactory()

	// Fraction form.
	rule, err := f.ParseRule(company, `{
		"name": "Committee", "kind": "percentage",
		"percentage_threshold": "0.6",
		"percentage_approvers": ["a", "b", "c"]
	}`)
	require.NoError(t, err)
	assert.True(t, rule.PercentageThreshold.Equal(decimal.RequireFromString("0.6")))

	// Percent form normalizes to the same fraction.
	rule, err = f.ParseRule(company, `{
		"name": "Committee", "kind": "percentage",
		"percentage_threshold": "60",
		"percentage_approvers": ["a", "b", "c"]
	}`)
	require.NoError(t, err)
	assert.True(t, rule.PercentageThreshold.Equal(decimal.RequireFromString("0.6")))

	for _, bad := range []string{"", "0", "-5", "150", "abc"} {
		_, err = f.ParseRule(company, `{
			"name": "Committee", "kind": "percentage",
			"percentage_threshold": "`+bad+`",
			"percentage_approvers": ["a"]
		}`)
		configErr(t, err)
	}

	_, err = f.ParseRule(company, `{
		"name": "Committee", "kind": "percentage", "percentage_threshold": "0.6"
	}`)
	configErr(t, err)
}

func TestParseRule_Hybrid(t *testing.T) {
	f := NewRuleFactory()

	rule, err := f.ParseRule(company, `{
		"name": "Layered", "kind": "hybrid",
		"sub_rules": [
			{"kind": "specific", "specific_approver_id": "mgr-1",
			 "conditions": {"max_amount": "500"}},
			{"kind": "sequence",
			 "approver_sequence": [{"user_id": "mgr-1", "level": 1}, {"user_id": "fin-1", "level": 2}]}
		]
	}`)
	require.NoError(t, err)
	require.Len(t, rule.SubRules, 2)
	assert.Equal(t, workflow.RuleSpecific, rule.SubRules[0].Kind)

	// A hybrid inside a hybrid is rejected.
	_, err = f.ParseRule(company, `{
		"name": "Turtles", "kind": "hybrid",
		"sub_rules": [{"kind": "hybrid", "sub_rules": [
			{"kind": "specific", "specific_approver_id": "mgr-1"}
		]}]
	}`)
	configErr(t, err)

	_, err = f.ParseRule(company, `{"name": "Hollow", "kind": "hybrid"}`)
	configErr(t, err)
}

func TestParseRule_UnknownKind(t *testing.T) {
	f := NewRuleFactory()
	_, err := f.ParseRule(company, `{"name": "Huh", "kind": "majority-vote"}`)
	ce := configErr(t, err)
	assert.Contains(t, ce.Message, "majority-vote")
}

func TestParseRule_AutoApprove(t *testing.T) {
	f := NewRuleFactory()

	rule, err := f.ParseRule(company, `{
		"name": "Petty cash", "kind": "specific", "specific_approver_id": "mgr-1",
		"auto_approve": {"enabled": true, "max_amount": "50", "trusted_employees": ["emp-7"]}
	}`)
	require.NoError(t, err)
	assert.True(t, rule.AutoApprove.Enabled)
	assert.True(t, rule.AutoApprove.MaxAmount.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, []workflow.UserID{"emp-7"}, rule.AutoApprove.TrustedEmployees)

	// Enabled without a ceiling is a misconfiguration.
	_, err = f.ParseRule(company, `{
		"name": "Petty cash", "kind": "specific", "specific_approver_id": "mgr-1",
		"auto_approve": {"enabled": true}
	}`)
	configErr(t, err)
}

func TestRule_JSONRoundTrip(t *testing.T) {
	f := NewRuleFactory()

	original, err := f.ParseRule(company, `{
		"id": "r-1", "name": "Tiers", "kind": "amount-based", "priority": 7,
		"is_active": false,
		"conditions": {"departments": ["Sales"]},
		"amount_bands": [{"min_amount": "0", "max_amount": "1000", "approvers": ["mgr-1"]}]
	}`)
	require.NoError(t, err)

	rj := f.ToJSON(original)
	assert.Equal(t, "r-1", rj.ID)
	assert.Equal(t, 7, rj.Priority)
	require.NotNil(t, rj.IsActive)
	assert.False(t, *rj.IsActive)
	require.Len(t, rj.AmountBands, 1)
	assert.Equal(t, "1000", rj.AmountBands[0].MaxAmount)

	reparsed, err := f.FromJSON(company, rj)
	require.NoError(t, err)
	assert.Equal(t, original.Kind, reparsed.Kind)
	assert.Equal(t, original.Conditions.Departments, reparsed.Conditions.Departments)
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

func TestParsePolicy_DefaultsAndValidation(t *testing.T) {
	f := NewPolicyFactory()

	policy, err := f.ParsePolicy(company, `{"name": "Acme", "default_currency": "USD"}`)
	require.NoError(t, err)
	assert.True(t, policy.ApprovalRequired, "approval required by default")
	assert.Equal(t, DefaultCategories, policy.ExpenseCategories)
	assert.False(t, policy.MaxExpenseAmount.IsPositive(), "no ceiling unless configured")

	policy, err = f.ParsePolicy(company, `{
		"name": "Acme", "default_currency": "EUR", "country": "DE",
		"approval_required": false, "max_expense_amount": "10000",
		"expense_categories": ["Hardware"], "default_approver_id": "mgr-1"
	}`)
	require.NoError(t, err)
	assert.False(t, policy.ApprovalRequired)
	assert.True(t, policy.MaxExpenseAmount.Equal(decimal.NewFromInt(10000)))
	assert.Equal(t, []string{"Hardware"}, policy.ExpenseCategories)

	var ve *workflow.ValidationError
	for _, bad := range []string{
		`{"default_currency": "USD"}`,
		`{"name": "Acme"}`,
		`{"name": "Acme", "default_currency": "DOLLARS"}`,
		`{"name": "Acme", "default_currency": "USD", "max_expense_amount": "-1"}`,
	} {
		_, err = f.ParsePolicy(company, bad)
		require.True(t, errors.As(err, &ve), "expected ValidationError for %s", bad)
	}
}

func TestPolicy_JSONRoundTrip(t *testing.T) {
	f := NewPolicyFactory()

	pj := f.ToJSON(&workflow.CompanyPolicy{
		CompanyID:         company,
		Name:              "Acme",
		DefaultCurrency:   "USD",
		MaxExpenseAmount:  decimal.NewFromInt(5000),
		ApprovalRequired:  true,
		ExpenseCategories: []string{"Travel"},
	})
	assert.Equal(t, "5000", pj.MaxExpenseAmount)

	policy, err := f.FromJSON(company, pj)
	require.NoError(t, err)
	assert.True(t, policy.MaxExpenseAmount.Equal(decimal.NewFromInt(5000)))
}
