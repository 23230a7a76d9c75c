/*
Package sqlite provides a SQLite-backed implementation of the workflow
storage interfaces.

PURPOSE:
  Implements ExpenseStore, RuleStore, PolicyStore, UserDirectory and
  AuditLog using SQLite. In production the same patterns apply to
  PostgreSQL - only minor SQL dialect differences.

OPTIMISTIC CONCURRENCY:
  Expense updates carry a version token:

    UPDATE expenses SET ..., version = version + 1
    WHERE id = ? AND company_id = ? AND version = ?

  Zero affected rows with an existing document means a concurrent writer
  won the race; the caller sees ErrVersionConflict and retries with fresh
  state. This is what keeps two simultaneous Decide calls from both
  firing the "satisfies completion" transition.

APPEND-ONLY AUDIT:
  The audit_log table has INSERT and SELECT paths only. No UPDATE, no
  DELETE. Corrections are new events.

DOCUMENT COLUMNS:
  Queryable expense fields get their own columns; the approver routing,
  decision history and rule payloads are stored as JSON documents, the
  same way the reference deployment kept them embedded. A stored-then-
  reloaded expense compares equal on every field including history order.

WAL MODE:
  SQLite is opened with WAL for better concurrency: readers don't block,
  one writer at a time, better crash recovery.

USAGE:
  store, err := sqlite.New("./data/expenses.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - workflow/store.go: Interface definitions
  - workflow/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/expense-engine/workflow"
)

// Store implements all workflow storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Expenses: the one mutable workflow document
	CREATE TABLE IF NOT EXISTS expenses (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		employee_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		category TEXT NOT NULL,
		description TEXT NOT NULL,
		expense_date TEXT NOT NULL,
		tags_json TEXT,
		notes TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		routing_json TEXT NOT NULL,
		history_json TEXT NOT NULL,
		current_approver_index INTEGER NOT NULL DEFAULT 0,
		final_decision TEXT NOT NULL DEFAULT 'pending',
		final_decision_by TEXT,
		final_decision_at TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_expenses_company_status
		ON expenses(company_id, status);
	CREATE INDEX IF NOT EXISTS idx_expenses_employee_status
		ON expenses(employee_id, status);
	CREATE INDEX IF NOT EXISTS idx_expenses_company_date
		ON expenses(company_id, expense_date DESC);
	CREATE INDEX IF NOT EXISTS idx_expenses_created
		ON expenses(created_at DESC);

	-- Approval rules: read-only for the engine, JSON payload per kind
	CREATE TABLE IF NOT EXISTS approval_rules (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		config_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rules_company_active
		ON approval_rules(company_id, is_active);
	CREATE INDEX IF NOT EXISTS idx_rules_priority
		ON approval_rules(priority DESC);

	-- Companies: tenant policy settings
	CREATE TABLE IF NOT EXISTS companies (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		country TEXT,
		default_currency TEXT NOT NULL DEFAULT 'USD',
		max_expense_amount TEXT NOT NULL,
		approval_required BOOLEAN NOT NULL DEFAULT TRUE,
		categories_json TEXT,
		default_approver_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Users: slim directory for role scoping and rule conditions
	CREATE TABLE IF NOT EXISTS users (
		id TEXT NOT NULL,
		company_id TEXT NOT NULL,
		name TEXT NOT NULL,
		email TEXT,
		role TEXT NOT NULL,
		department TEXT,
		manager_id TEXT,
		PRIMARY KEY (company_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_users_manager
		ON users(company_id, manager_id);

	-- Audit log: append-only. No UPDATE or DELETE paths exist.
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		user_id TEXT,
		action TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT,
		changes_json TEXT,
		severity TEXT NOT NULL DEFAULT 'low',
		description TEXT NOT NULL,
		timestamp TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_company_time
		ON audit_log(company_id, timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_resource
		ON audit_log(resource_type, resource_id);
	CREATE INDEX IF NOT EXISTS idx_audit_action
		ON audit_log(action, timestamp DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// JSON DOCUMENT SHAPES
// =============================================================================

// routingDoc embeds the approver routing on the expense row.
type routingDoc struct {
	Approvers  []workflow.UserID `json:"approvers,omitempty"`
	Mode       string            `json:"mode,omitempty"`
	Sequential bool              `json:"sequential,omitempty"`
	Threshold  decimal.Decimal   `json:"threshold"`
}

// =============================================================================
// EXPENSE STORE (workflow.ExpenseStore interface)
// =============================================================================

// Create persists a new expense at version 1.
func (s *Store) Create(ctx context.Context, e *workflow.Expense) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	routing, history, tags, err := marshalExpenseDocs(e)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO expenses
		(id, company_id, employee_id, amount, currency, category, description,
		 expense_date, tags_json, notes, status, routing_json, history_json,
		 current_approver_index, final_decision, final_decision_by,
		 final_decision_at, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		e.ID,
		e.CompanyID,
		e.EmployeeID,
		e.Amount.Value.String(),
		e.Amount.Currency,
		e.Category,
		e.Description,
		e.Date.UTC().Format(time.RFC3339Nano),
		tags,
		e.Notes,
		e.Status,
		routing,
		history,
		e.CurrentApproverIndex,
		e.FinalDecision,
		nullableUser(e.FinalDecisionBy),
		nullableTime(e.FinalDecisionAt),
		1,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
		e.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to create expense: %w", err)
	}
	e.Version = 1
	return nil
}

// Get returns the expense scoped to the tenant.
func (s *Store) Get(ctx context.Context, companyID workflow.CompanyID, id workflow.ExpenseID) (*workflow.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := expenseColumns + ` FROM expenses WHERE id = ? AND company_id = ?`
	row := s.db.QueryRowContext(ctx, query, id, companyID)
	e, err := scanExpense(row)
	if err == sql.ErrNoRows {
		return nil, workflow.ErrExpenseNotFound
	}
	return e, err
}

// Update writes the expense if the stored version matches, incrementing it.
func (s *Store) Update(ctx context.Context, e *workflow.Expense, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	routing, history, tags, err := marshalExpenseDocs(e)
	if err != nil {
		return err
	}

	query := `
		UPDATE expenses SET
			amount = ?, currency = ?, category = ?, description = ?,
			expense_date = ?, tags_json = ?, notes = ?, status = ?,
			routing_json = ?, history_json = ?, current_approver_index = ?,
			final_decision = ?, final_decision_by = ?, final_decision_at = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND company_id = ? AND version = ?
	`

	res, err := s.db.ExecContext(ctx, query,
		e.Amount.Value.String(),
		e.Amount.Currency,
		e.Category,
		e.Description,
		e.Date.UTC().Format(time.RFC3339Nano),
		tags,
		e.Notes,
		e.Status,
		routing,
		history,
		e.CurrentApproverIndex,
		e.FinalDecision,
		nullableUser(e.FinalDecisionBy),
		nullableTime(e.FinalDecisionAt),
		e.UpdatedAt.UTC().Format(time.RFC3339Nano),
		e.ID,
		e.CompanyID,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update expense: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update expense: %w", err)
	}
	if n == 0 {
		// Distinguish a missing document from a lost race.
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM expenses WHERE id = ? AND company_id = ?`, e.ID, e.CompanyID).Scan(&exists)
		if err == sql.ErrNoRows {
			return workflow.ErrExpenseNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to update expense: %w", err)
		}
		return workflow.ErrVersionConflict
	}
	e.Version = expectedVersion + 1
	return nil
}

// Delete removes an expense. Engine guards run before this is called.
func (s *Store) Delete(ctx context.Context, companyID workflow.CompanyID, id workflow.ExpenseID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM expenses WHERE id = ? AND company_id = ?`, id, companyID)
	if err != nil {
		return fmt.Errorf("failed to delete expense: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return workflow.ErrExpenseNotFound
	}
	return nil
}

// List returns expenses matching the filter, newest first.
func (s *Store) List(ctx context.Context, filter workflow.ExpenseFilter) ([]*workflow.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := expenseColumns + ` FROM expenses WHERE 1=1`
	var args []any

	if filter.CompanyID != "" {
		query += ` AND company_id = ?`
		args = append(args, filter.CompanyID)
	}
	if len(filter.EmployeeIDs) > 0 {
		query += ` AND employee_id IN (?` + repeat(",?", len(filter.EmployeeIDs)-1) + `)`
		for _, id := range filter.EmployeeIDs {
			args = append(args, id)
		}
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.Category != "" {
		query += ` AND category = ?`
		args = append(args, filter.Category)
	}
	if filter.DateFrom != nil {
		query += ` AND expense_date >= ?`
		args = append(args, filter.DateFrom.UTC().Format(time.RFC3339Nano))
	}
	if filter.DateTo != nil {
		query += ` AND expense_date <= ?`
		args = append(args, filter.DateTo.UTC().Format(time.RFC3339Nano))
	}
	// Amount bounds are applied after scanning: amounts are stored as
	// decimal strings, and SQLite string comparison is not numeric.

	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list expenses: %w", err)
	}
	defer rows.Close()

	var result []*workflow.Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, err
		}
		if filter.AmountMin != nil && e.Amount.Value.LessThan(*filter.AmountMin) {
			continue
		}
		if filter.AmountMax != nil && e.Amount.Value.GreaterThan(*filter.AmountMax) {
			continue
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

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

const expenseColumns = `
	SELECT id, company_id, employee_id, amount, currency, category, description,
	       expense_date, tags_json, notes, status, routing_json, history_json,
	       current_approver_index, final_decision, final_decision_by,
	       final_decision_at, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExpense(row rowScanner) (*workflow.Expense, error) {
	var (
		e           workflow.Expense
		amount      string
		dateStr     string
		tagsJSON    sql.NullString
		routingJSON string
		historyJSON string
		finalBy     sql.NullString
		finalAt     sql.NullString
		createdAt   string
		updatedAt   string
	)

	err := row.Scan(
		&e.ID, &e.CompanyID, &e.EmployeeID, &amount, &e.Amount.Currency,
		&e.Category, &e.Description, &dateStr, &tagsJSON, &e.Notes,
		&e.Status, &routingJSON, &historyJSON, &e.CurrentApproverIndex,
		&e.FinalDecision, &finalBy, &finalAt, &e.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Amount.Value, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt amount on expense %s: %w", e.ID, err)
	}
	if e.Date, err = time.Parse(time.RFC3339Nano, dateStr); err != nil {
		return nil, fmt.Errorf("corrupt date on expense %s: %w", e.ID, err)
	}
	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("corrupt created_at on expense %s: %w", e.ID, err)
	}
	if e.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("corrupt updated_at on expense %s: %w", e.ID, err)
	}

	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &e.Tags); err != nil {
			return nil, fmt.Errorf("corrupt tags on expense %s: %w", e.ID, err)
		}
	}

	var routing routingDoc
	if err := json.Unmarshal([]byte(routingJSON), &routing); err != nil {
		return nil, fmt.Errorf("corrupt routing on expense %s: %w", e.ID, err)
	}
	e.Approvers = routing.Approvers
	e.CompletionPolicy = workflow.CompletionPolicy{
		Mode:       workflow.CompletionMode(routing.Mode),
		Sequential: routing.Sequential,
		Threshold:  routing.Threshold,
	}

	if err := json.Unmarshal([]byte(historyJSON), &e.ApprovalHistory); err != nil {
		return nil, fmt.Errorf("corrupt history on expense %s: %w", e.ID, err)
	}
	if len(e.ApprovalHistory) == 0 {
		e.ApprovalHistory = nil
	}

	if finalBy.Valid {
		id := workflow.UserID(finalBy.String)
		e.FinalDecisionBy = &id
	}
	if finalAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, finalAt.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt final_decision_at on expense %s: %w", e.ID, err)
		}
		e.FinalDecisionAt = &t
	}

	return &e, nil
}

func marshalExpenseDocs(e *workflow.Expense) (routing, history, tags string, err error) {
	r, err := json.Marshal(routingDoc{
		Approvers:  e.Approvers,
		Mode:       string(e.CompletionPolicy.Mode),
		Sequential: e.CompletionPolicy.Sequential,
		Threshold:  e.CompletionPolicy.Threshold,
	})
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal routing: %w", err)
	}

	hist := e.ApprovalHistory
	if hist == nil {
		hist = []workflow.ApprovalDecision{}
	}
	h, err := json.Marshal(hist)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal history: %w", err)
	}

	t := ""
	if len(e.Tags) > 0 {
		b, err := json.Marshal(e.Tags)
		if err != nil {
			return "", "", "", fmt.Errorf("failed to marshal tags: %w", err)
		}
		t = string(b)
	}
	return string(r), string(h), t, nil
}

// =============================================================================
// RULE STORE (workflow.RuleStore interface)
// =============================================================================

// ruleConfig is the JSON payload column. Kind-specific members only.
type ruleConfig struct {
	Description         string                  `json:"description,omitempty"`
	Conditions          workflow.RuleConditions `json:"conditions"`
	ApproverSequence    []workflow.SequenceStep `json:"approver_sequence,omitempty"`
	SpecificApproverID  *workflow.UserID        `json:"specific_approver_id,omitempty"`
	AmountBands         []workflow.AmountBand   `json:"amount_bands,omitempty"`
	PercentageThreshold decimal.Decimal         `json:"percentage_threshold"`
	PercentageApprovers []workflow.UserID       `json:"percentage_approvers,omitempty"`
	SubRules            []workflow.ApprovalRule `json:"sub_rules,omitempty"`
	AutoApprove         workflow.AutoApprove    `json:"auto_approve"`
}

// SaveRule inserts or replaces a rule.
func (s *Store) SaveRule(ctx context.Context, rule *workflow.ApprovalRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	config, err := json.Marshal(ruleConfig{
		Description:         rule.Description,
		Conditions:          rule.Conditions,
		ApproverSequence:    rule.ApproverSequence,
		SpecificApproverID:  rule.SpecificApproverID,
		AmountBands:         rule.AmountBands,
		PercentageThreshold: rule.PercentageThreshold,
		PercentageApprovers: rule.PercentageApprovers,
		SubRules:            rule.SubRules,
		AutoApprove:         rule.AutoApprove,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal rule config: %w", err)
	}

	query := `
		INSERT INTO approval_rules
		(id, company_id, name, kind, priority, is_active, config_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, kind = excluded.kind,
			priority = excluded.priority, is_active = excluded.is_active,
			config_json = excluded.config_json, updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		rule.ID, rule.CompanyID, rule.Name, rule.Kind, rule.Priority,
		rule.IsActive, string(config),
		rule.CreatedAt.UTC().Format(time.RFC3339Nano),
		rule.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	return nil
}

// ActiveRules returns the tenant's active rules.
func (s *Store) ActiveRules(ctx context.Context, companyID workflow.CompanyID) ([]workflow.ApprovalRule, error) {
	return s.queryRules(ctx,
		`SELECT id, company_id, name, kind, priority, is_active, config_json, created_at, updated_at
		 FROM approval_rules WHERE company_id = ? AND is_active = TRUE
		 ORDER BY priority DESC, created_at ASC`, companyID)
}

// ListRules returns all rules for the tenant, priority order.
func (s *Store) ListRules(ctx context.Context, companyID workflow.CompanyID) ([]workflow.ApprovalRule, error) {
	return s.queryRules(ctx,
		`SELECT id, company_id, name, kind, priority, is_active, config_json, created_at, updated_at
		 FROM approval_rules WHERE company_id = ?
		 ORDER BY priority DESC, created_at ASC`, companyID)
}

// GetRule returns a single rule scoped to the tenant.
func (s *Store) GetRule(ctx context.Context, companyID workflow.CompanyID, id workflow.RuleID) (*workflow.ApprovalRule, error) {
	rules, err := s.queryRules(ctx,
		`SELECT id, company_id, name, kind, priority, is_active, config_json, created_at, updated_at
		 FROM approval_rules WHERE company_id = ? AND id = ?`, companyID, id)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, workflow.ErrRuleNotFound
	}
	return &rules[0], nil
}

// DeactivateRule soft-deletes a rule; history referencing it stays valid.
func (s *Store) DeactivateRule(ctx context.Context, companyID workflow.CompanyID, id workflow.RuleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE approval_rules SET is_active = FALSE, updated_at = ?
		 WHERE company_id = ? AND id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), companyID, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate rule: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return workflow.ErrRuleNotFound
	}
	return nil
}

func (s *Store) queryRules(ctx context.Context, query string, args ...any) ([]workflow.ApprovalRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var result []workflow.ApprovalRule
	for rows.Next() {
		var (
			r          workflow.ApprovalRule
			configJSON string
			createdAt  string
			updatedAt  string
		)
		if err := rows.Scan(&r.ID, &r.CompanyID, &r.Name, &r.Kind, &r.Priority,
			&r.IsActive, &configJSON, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		var config ruleConfig
		if err := json.Unmarshal([]byte(configJSON), &config); err != nil {
			return nil, fmt.Errorf("corrupt config on rule %s: %w", r.ID, err)
		}
		r.Description = config.Description
		r.Conditions = config.Conditions
		r.ApproverSequence = config.ApproverSequence
		r.SpecificApproverID = config.SpecificApproverID
		r.AmountBands = config.AmountBands
		r.PercentageThreshold = config.PercentageThreshold
		r.PercentageApprovers = config.PercentageApprovers
		r.SubRules = config.SubRules
		r.AutoApprove = config.AutoApprove
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("corrupt created_at on rule %s: %w", r.ID, err)
		}
		if r.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, fmt.Errorf("corrupt updated_at on rule %s: %w", r.ID, err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// =============================================================================
// POLICY STORE (workflow.PolicyStore interface)
// =============================================================================

// GetPolicy returns the tenant settings.
func (s *Store) GetPolicy(ctx context.Context, companyID workflow.CompanyID) (*workflow.CompanyPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		p          workflow.CompanyPolicy
		maxAmount  string
		categories sql.NullString
		defaultApp sql.NullString
		country    sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, country, default_currency, max_expense_amount,
		        approval_required, categories_json, default_approver_id
		 FROM companies WHERE id = ?`, companyID).
		Scan(&p.CompanyID, &p.Name, &country, &p.DefaultCurrency,
			&maxAmount, &p.ApprovalRequired, &categories, &defaultApp)
	if err == sql.ErrNoRows {
		return nil, workflow.ErrCompanyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get company: %w", err)
	}

	p.Country = country.String
	if p.MaxExpenseAmount, err = decimal.NewFromString(maxAmount); err != nil {
		return nil, fmt.Errorf("corrupt max_expense_amount on company %s: %w", companyID, err)
	}
	if categories.Valid && categories.String != "" {
		if err := json.Unmarshal([]byte(categories.String), &p.ExpenseCategories); err != nil {
			return nil, fmt.Errorf("corrupt categories on company %s: %w", companyID, err)
		}
	}
	if defaultApp.Valid {
		p.DefaultApproverID = workflow.UserID(defaultApp.String)
	}
	return &p, nil
}

// SavePolicy inserts or replaces the tenant settings.
func (s *Store) SavePolicy(ctx context.Context, policy *workflow.CompanyPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	categories := ""
	if len(policy.ExpenseCategories) > 0 {
		b, err := json.Marshal(policy.ExpenseCategories)
		if err != nil {
			return fmt.Errorf("failed to marshal categories: %w", err)
		}
		categories = string(b)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	query := `
		INSERT INTO companies
		(id, name, country, default_currency, max_expense_amount,
		 approval_required, categories_json, default_approver_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, country = excluded.country,
			default_currency = excluded.default_currency,
			max_expense_amount = excluded.max_expense_amount,
			approval_required = excluded.approval_required,
			categories_json = excluded.categories_json,
			default_approver_id = excluded.default_approver_id,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		policy.CompanyID, policy.Name, policy.Country, policy.DefaultCurrency,
		policy.MaxExpenseAmount.String(), policy.ApprovalRequired,
		categories, string(policy.DefaultApproverID), now, now)
	if err != nil {
		return fmt.Errorf("failed to save company: %w", err)
	}
	return nil
}

// =============================================================================
// USER DIRECTORY (workflow.UserDirectory interface)
// =============================================================================

// GetUser returns a user scoped to the tenant.
func (s *Store) GetUser(ctx context.Context, companyID workflow.CompanyID, id workflow.UserID) (*workflow.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		u       workflow.User
		email   sql.NullString
		dept    sql.NullString
		manager sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, company_id, name, email, role, department, manager_id
		 FROM users WHERE company_id = ? AND id = ?`, companyID, id).
		Scan(&u.ID, &u.CompanyID, &u.Name, &email, &u.Role, &dept, &manager)
	if err == sql.ErrNoRows {
		return nil, workflow.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.Email = email.String
	u.Department = dept.String
	if manager.Valid && manager.String != "" {
		m := workflow.UserID(manager.String)
		u.ManagerID = &m
	}
	return &u, nil
}

// ListUsers returns all users of the tenant.
func (s *Store) ListUsers(ctx context.Context, companyID workflow.CompanyID) ([]*workflow.User, error) {
	return s.queryUsers(ctx,
		`SELECT id, company_id, name, email, role, department, manager_id
		 FROM users WHERE company_id = ? ORDER BY id`, companyID)
}

// TeamOf returns the direct reports of a manager.
func (s *Store) TeamOf(ctx context.Context, companyID workflow.CompanyID, managerID workflow.UserID) ([]*workflow.User, error) {
	return s.queryUsers(ctx,
		`SELECT id, company_id, name, email, role, department, manager_id
		 FROM users WHERE company_id = ? AND manager_id = ? ORDER BY id`,
		companyID, managerID)
}

// SaveUser inserts or replaces a user record.
func (s *Store) SaveUser(ctx context.Context, u *workflow.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	manager := ""
	if u.ManagerID != nil {
		manager = string(*u.ManagerID)
	}
	query := `
		INSERT INTO users (id, company_id, name, email, role, department, manager_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(company_id, id) DO UPDATE SET
			name = excluded.name, email = excluded.email, role = excluded.role,
			department = excluded.department, manager_id = excluded.manager_id
	`
	_, err := s.db.ExecContext(ctx, query,
		u.ID, u.CompanyID, u.Name, u.Email, u.Role, u.Department, manager)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

func (s *Store) queryUsers(ctx context.Context, query string, args ...any) ([]*workflow.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var result []*workflow.User
	for rows.Next() {
		var (
			u       workflow.User
			email   sql.NullString
			dept    sql.NullString
			manager sql.NullString
		)
		if err := rows.Scan(&u.ID, &u.CompanyID, &u.Name, &email, &u.Role, &dept, &manager); err != nil {
			return nil, err
		}
		u.Email = email.String
		u.Department = dept.String
		if manager.Valid && manager.String != "" {
			m := workflow.UserID(manager.String)
			u.ManagerID = &m
		}
		result = append(result, &u)
	}
	return result, rows.Err()
}

// =============================================================================
// AUDIT LOG (workflow.AuditLog interface) - append-only
// =============================================================================

// Record appends an audit event. There is no update or delete path.
func (s *Store) Record(ctx context.Context, event workflow.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	changes := ""
	if event.Changes.Before != nil || event.Changes.After != nil {
		b, err := json.Marshal(map[string]any{
			"before": event.Changes.Before,
			"after":  event.Changes.After,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal audit changes: %w", err)
		}
		changes = string(b)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log
		 (id, company_id, user_id, action, resource_type, resource_id,
		  changes_json, severity, description, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.CompanyID, event.UserID, event.Action,
		event.ResourceType, event.ResourceID, changes, event.Severity,
		event.Description, event.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}

// Query returns audit events matching the filter, newest first.
func (s *Store) Query(ctx context.Context, filter workflow.AuditFilter) ([]workflow.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, company_id, user_id, action, resource_type, resource_id,
		       changes_json, severity, description, timestamp
		FROM audit_log WHERE 1=1`
	var args []any

	if filter.CompanyID != "" {
		query += ` AND company_id = ?`
		args = append(args, filter.CompanyID)
	}
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.Action != "" {
		query += ` AND action = ?`
		args = append(args, filter.Action)
	}
	if filter.Resource != "" {
		query += ` AND resource_type = ?`
		args = append(args, filter.Resource)
	}
	if filter.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, filter.Severity)
	}
	if filter.From != nil {
		query += ` AND timestamp >= ?`
		args = append(args, filter.From.UTC().Format(time.RFC3339Nano))
	}
	if filter.To != nil {
		query += ` AND timestamp <= ?`
		args = append(args, filter.To.UTC().Format(time.RFC3339Nano))
	}
	query += ` ORDER BY timestamp DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var result []workflow.AuditEvent
	for rows.Next() {
		var (
			ev      workflow.AuditEvent
			changes sql.NullString
			ts      string
		)
		if err := rows.Scan(&ev.ID, &ev.CompanyID, &ev.UserID, &ev.Action,
			&ev.ResourceType, &ev.ResourceID, &changes, &ev.Severity,
			&ev.Description, &ts); err != nil {
			return nil, err
		}
		if changes.Valid && changes.String != "" {
			var doc struct {
				Before any `json:"before"`
				After  any `json:"after"`
			}
			if err := json.Unmarshal([]byte(changes.String), &doc); err == nil {
				ev.Changes = workflow.AuditChanges{Before: doc.Before, After: doc.After}
			}
		}
		if ev.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("corrupt timestamp on audit event %s: %w", ev.ID, err)
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullableUser(id *workflow.UserID) any {
	if id == nil {
		return nil
	}
	return string(*id)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
