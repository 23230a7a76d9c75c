/*
policy.go - Tenant-scoped company policy

PURPOSE:
  Holds the per-tenant settings the engine consults at submission time:
  the expense amount ceiling, whether approval is required at all, the
  configured category list, and the explicit default approver used when no
  rule matches. Read-only from the engine's perspective; admins mutate it
  through their own endpoints.

FALLBACK POLICY:
  When approval is required but no rule matches an expense, routing falls
  back to DefaultApproverID. An empty default in that situation is a
  ConfigurationError - there is no hidden "first manager found" behavior.

CURRENCY:
  Thresholds and the ceiling are denominated in DefaultCurrency. The
  engine rejects submissions in any other currency rather than comparing
  across currencies; conversion exists only for dashboard display.
*/
package workflow

import "github.com/shopspring/decimal"

// CompanyPolicy is the tenant configuration read by the engine.
type CompanyPolicy struct {
	CompanyID       CompanyID
	Name            string
	Country         string
	DefaultCurrency string

	MaxExpenseAmount  decimal.Decimal
	ApprovalRequired  bool
	ExpenseCategories []string

	// Explicit fallback approver when approval is required and no rule
	// matches. Empty means the tenant has not configured one.
	DefaultApproverID UserID
}

// HasCategory reports whether the category is configured for the tenant.
// An empty category list means the tenant accepts any category.
func (p *CompanyPolicy) HasCategory(category string) bool {
	if len(p.ExpenseCategories) == 0 {
		return true
	}
	return contains(p.ExpenseCategories, category)
}
