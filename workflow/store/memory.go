// Package store provides in-memory implementations of the workflow
// persistence interfaces, used in tests and demo scenarios.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/expense-engine/workflow"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements ExpenseStore, RuleStore, PolicyStore, UserDirectory
// and AuditLog behind a single mutex. The version check on expense
// updates is enforced the same way the SQLite store enforces it, so
// concurrency tests behave identically against either backend.
type Memory struct {
	mu       sync.RWMutex
	expenses map[expenseKey]*workflow.Expense
	rules    map[workflow.CompanyID][]workflow.ApprovalRule
	policies map[workflow.CompanyID]*workflow.CompanyPolicy
	users    map[userKey]*workflow.User
	audit    []workflow.AuditEvent
}

type expenseKey struct {
	CompanyID workflow.CompanyID
	ID        workflow.ExpenseID
}

type userKey struct {
	CompanyID workflow.CompanyID
	ID        workflow.UserID
}

func NewMemory() *Memory {
	return &Memory{
		expenses: make(map[expenseKey]*workflow.Expense),
		rules:    make(map[workflow.CompanyID][]workflow.ApprovalRule),
		policies: make(map[workflow.CompanyID]*workflow.CompanyPolicy),
		users:    make(map[userKey]*workflow.User),
	}
}

// =============================================================================
// EXPENSE STORE
// =============================================================================

func (m *Memory) Create(_ context.Context, e *workflow.Expense) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := cloneExpense(e)
	cp.Version = 1
	m.expenses[expenseKey{e.CompanyID, e.ID}] = cp
	e.Version = 1
	return nil
}

func (m *Memory) Get(_ context.Context, companyID workflow.CompanyID, id workflow.ExpenseID) (*workflow.Expense, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.expenses[expenseKey{companyID, id}]
	if !ok {
		return nil, workflow.ErrExpenseNotFound
	}
	return cloneExpense(e), nil
}

func (m *Memory) Update(_ context.Context, e *workflow.Expense, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := expenseKey{e.CompanyID, e.ID}
	stored, ok := m.expenses[k]
	if !ok {
		return workflow.ErrExpenseNotFound
	}
	if stored.Version != expectedVersion {
		return workflow.ErrVersionConflict
	}
	cp := cloneExpense(e)
	cp.Version = expectedVersion + 1
	m.expenses[k] = cp
	e.Version = cp.Version
	return nil
}

func (m *Memory) Delete(_ context.Context, companyID workflow.CompanyID, id workflow.ExpenseID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := expenseKey{companyID, id}
	if _, ok := m.expenses[k]; !ok {
		return workflow.ErrExpenseNotFound
	}
	delete(m.expenses, k)
	return nil
}

func (m *Memory) List(_ context.Context, filter workflow.ExpenseFilter) ([]*workflow.Expense, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*workflow.Expense
	for k, e := range m.expenses {
		if filter.CompanyID != "" && k.CompanyID != filter.CompanyID {
			continue
		}
		if !matchesFilter(e, filter) {
			continue
		}
		result = append(result, cloneExpense(e))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func matchesFilter(e *workflow.Expense, f workflow.ExpenseFilter) bool {
	if len(f.EmployeeIDs) > 0 {
		found := false
		for _, id := range f.EmployeeIDs {
			if e.EmployeeID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.DateFrom != nil && e.Date.Before(*f.DateFrom) {
		return false
	}
	if f.DateTo != nil && e.Date.After(*f.DateTo) {
		return false
	}
	if f.AmountMin != nil && e.Amount.Value.LessThan(*f.AmountMin) {
		return false
	}
	if f.AmountMax != nil && e.Amount.Value.GreaterThan(*f.AmountMax) {
		return false
	}
	return true
}

// =============================================================================
// RULE STORE
// =============================================================================

func (m *Memory) ActiveRules(_ context.Context, companyID workflow.CompanyID) ([]workflow.ApprovalRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []workflow.ApprovalRule
	for _, r := range m.rules[companyID] {
		if r.IsActive {
			result = append(result, r)
		}
	}
	return result, nil
}

func (m *Memory) GetRule(_ context.Context, companyID workflow.CompanyID, id workflow.RuleID) (*workflow.ApprovalRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.rules[companyID] {
		if r.ID == id {
			rule := r
			return &rule, nil
		}
	}
	return nil, workflow.ErrRuleNotFound
}

func (m *Memory) ListRules(_ context.Context, companyID workflow.CompanyID) ([]workflow.ApprovalRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := append([]workflow.ApprovalRule(nil), m.rules[companyID]...)
	sort.SliceStable(result, func(i, j int) bool { return result[i].Priority > result[j].Priority })
	return result, nil
}

func (m *Memory) SaveRule(_ context.Context, rule *workflow.ApprovalRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rules := m.rules[rule.CompanyID]
	for i := range rules {
		if rules[i].ID == rule.ID {
			rules[i] = *rule
			return nil
		}
	}
	m.rules[rule.CompanyID] = append(rules, *rule)
	return nil
}

func (m *Memory) DeactivateRule(_ context.Context, companyID workflow.CompanyID, id workflow.RuleID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rules := m.rules[companyID]
	for i := range rules {
		if rules[i].ID == id {
			rules[i].IsActive = false
			return nil
		}
	}
	return workflow.ErrRuleNotFound
}

// =============================================================================
// POLICY STORE
// =============================================================================

func (m *Memory) GetPolicy(_ context.Context, companyID workflow.CompanyID) (*workflow.CompanyPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.policies[companyID]
	if !ok {
		return nil, workflow.ErrCompanyNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) SavePolicy(_ context.Context, policy *workflow.CompanyPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *policy
	m.policies[policy.CompanyID] = &cp
	return nil
}

// =============================================================================
// USER DIRECTORY
// =============================================================================

func (m *Memory) GetUser(_ context.Context, companyID workflow.CompanyID, id workflow.UserID) (*workflow.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[userKey{companyID, id}]
	if !ok {
		return nil, workflow.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) ListUsers(_ context.Context, companyID workflow.CompanyID) ([]*workflow.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*workflow.User
	for k, u := range m.users {
		if k.CompanyID == companyID {
			cp := *u
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) TeamOf(_ context.Context, companyID workflow.CompanyID, managerID workflow.UserID) ([]*workflow.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*workflow.User
	for k, u := range m.users {
		if k.CompanyID == companyID && u.ManagerID != nil && *u.ManagerID == managerID {
			cp := *u
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) SaveUser(_ context.Context, u *workflow.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *u
	m.users[userKey{u.CompanyID, u.ID}] = &cp
	return nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (m *Memory) Record(_ context.Context, event workflow.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.audit = append(m.audit, event)
	return nil
}

func (m *Memory) Query(_ context.Context, filter workflow.AuditFilter) ([]workflow.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []workflow.AuditEvent
	for _, ev := range m.audit {
		if filter.CompanyID != "" && ev.CompanyID != filter.CompanyID {
			continue
		}
		if filter.UserID != "" && ev.UserID != filter.UserID {
			continue
		}
		if filter.Action != "" && ev.Action != filter.Action {
			continue
		}
		if filter.Resource != "" && ev.ResourceType != filter.Resource {
			continue
		}
		if filter.Severity != "" && ev.Severity != filter.Severity {
			continue
		}
		if filter.From != nil && ev.Timestamp.Before(*filter.From) {
			continue
		}
		if filter.To != nil && ev.Timestamp.After(*filter.To) {
			continue
		}
		result = append(result, ev)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Timestamp.After(result[j].Timestamp) })
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// cloneExpense deep-copies the mutable slices so callers cannot alias the
// stored document.
func cloneExpense(e *workflow.Expense) *workflow.Expense {
	cp := *e
	cp.Approvers = append([]workflow.UserID(nil), e.Approvers...)
	cp.ApprovalHistory = append([]workflow.ApprovalDecision(nil), e.ApprovalHistory...)
	cp.Tags = append([]string(nil), e.Tags...)
	if e.FinalDecisionBy != nil {
		v := *e.FinalDecisionBy
		cp.FinalDecisionBy = &v
	}
	if e.FinalDecisionAt != nil {
		t := *e.FinalDecisionAt
		cp.FinalDecisionAt = &t
	}
	return &cp
}
