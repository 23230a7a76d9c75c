/*
handlers.go - HTTP API handlers for the expense workflow engine

PURPOSE:
  Exposes the approval workflow engine via REST API. Handles HTTP
  request/response, JSON serialization, actor extraction, and delegates
  every state transition to the engine.

ENDPOINTS:
  Expenses:
    GET    /api/expenses               List (role-scoped, filterable)
    POST   /api/expenses               Submit a claim
    GET    /api/expenses/pending       Approval queue for the actor
    GET    /api/expenses/{id}          Get one expense
    PUT    /api/expenses/{id}          Guarded update
    DELETE /api/expenses/{id}          Guarded delete
    POST   /api/expenses/{id}/approve  Record approval
    POST   /api/expenses/{id}/reject   Record rejection

  Company:
    GET    /api/company                Policy settings
    PUT    /api/company                Update settings (admin)
    GET    /api/company/categories     Category list
    PUT    /api/company/categories     Replace categories (admin)

  Rules:
    GET    /api/rules                  List rules, priority order
    POST   /api/rules                  Create from JSON (admin)
    PUT    /api/rules/{id}             Update (admin)
    DELETE /api/rules/{id}             Deactivate (admin)

  Other:
    GET    /api/users                  User directory
    POST   /api/users                  Create user (admin)
    GET    /api/audit                  Filtered audit query (admin)
    GET    /api/dashboard/stats        Aggregates for the actor
    GET    /api/currencies             Supported display currencies
    GET    /api/scenarios              Demo scenarios
    POST   /api/scenarios/load         Load a demo scenario

ACTOR IDENTITY:
  No authentication layer. The already-authenticated identity arrives in
  X-Actor-Id / X-Actor-Role / X-Company-Id headers; requests without them
  are rejected with 400.

ERROR HANDLING:
  Typed engine errors map to stable HTTP statuses and machine codes:
    400  validation_error, policy_violation
    403  not_authorized
    404  not_found
    409  invalid_state, version_conflict
    422  misconfigured_rule
    500  internal (storage error text never leaks to clients)

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario seeders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/expense-engine/currency"
	"github.com/warp/expense-engine/factory"
	"github.com/warp/expense-engine/workflow"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Backend bundles the persistence interfaces the API needs. Satisfied by
// both the SQLite store and the in-memory store.
type Backend interface {
	workflow.ExpenseStore
	workflow.RuleStore
	workflow.PolicyStore
	workflow.UserDirectory
	workflow.AuditLog
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Backend       Backend
	Engine        *workflow.Engine
	RuleFactory   *factory.RuleFactory
	PolicyFactory *factory.PolicyFactory
	Converter     *currency.Converter

	// Track currently loaded scenario
	currentScenario string
}

// NewHandler creates a handler over the given backend.
func NewHandler(backend Backend) *Handler {
	return &Handler{
		Backend:       backend,
		Engine:        workflow.NewEngine(backend, backend, backend, backend, backend),
		RuleFactory:   factory.NewRuleFactory(),
		PolicyFactory: factory.NewPolicyFactory(),
		Converter:     currency.NewConverter(nil),
	}
}

// actorFrom extracts the authenticated identity from request headers.
func actorFrom(r *http.Request) (workflow.Actor, bool) {
	actor := workflow.Actor{
		ID:        workflow.UserID(r.Header.Get("X-Actor-Id")),
		Role:      workflow.Role(r.Header.Get("X-Actor-Role")),
		CompanyID: workflow.CompanyID(r.Header.Get("X-Company-Id")),
	}
	return actor, actor.ID != "" && actor.CompanyID != ""
}

// requireActor writes a 400 and returns false when identity headers are
// missing.
func requireActor(w http.ResponseWriter, r *http.Request) (workflow.Actor, bool) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing_identity",
			"X-Actor-Id and X-Company-Id headers are required", nil)
	}
	return actor, ok
}

// requireAdmin additionally enforces the admin role.
func requireAdmin(w http.ResponseWriter, r *http.Request) (workflow.Actor, bool) {
	actor, ok := requireActor(w, r)
	if !ok {
		return actor, false
	}
	if !actor.IsAdmin() {
		writeError(w, http.StatusForbidden, "not_authorized", "admin role required", nil)
		return actor, false
	}
	return actor, true
}

// =============================================================================
// EXPENSE HANDLERS
// =============================================================================

// ListExpenses returns expenses visible to the actor: employees see their
// own, managers their own plus their team's, admins and finance the whole
// tenant.
func (h *Handler) ListExpenses(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	filter := workflow.ExpenseFilter{CompanyID: actor.CompanyID}
	q := r.URL.Query()
	filter.Status = workflow.ExpenseStatus(q.Get("status"))
	filter.Category = q.Get("category")
	if v := q.Get("date_from"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			filter.DateFrom = &t
		}
	}
	if v := q.Get("date_to"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			filter.DateTo = &t
		}
	}
	if v := q.Get("amount_min"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			filter.AmountMin = &d
		}
	}
	if v := q.Get("amount_max"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			filter.AmountMax = &d
		}
	}
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}

	switch actor.Role {
	case workflow.RoleAdmin, workflow.RoleFinance, workflow.RoleDirector:
		// Whole tenant.
	case workflow.RoleManager:
		ids := []workflow.UserID{actor.ID}
		team, err := h.Backend.TeamOf(ctx, actor.CompanyID, actor.ID)
		if err == nil {
			for _, u := range team {
				ids = append(ids, u.ID)
			}
		}
		filter.EmployeeIDs = ids
	default:
		filter.EmployeeIDs = []workflow.UserID{actor.ID}
	}

	expenses, err := h.Backend.List(ctx, filter)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	dtos := make([]ExpenseDTO, len(expenses))
	for i, e := range expenses {
		dtos[i] = toExpenseDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SubmitExpense creates a new claim through the engine.
func (h *Handler) SubmitExpense(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req SubmitExpenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body", err)
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "amount must be a decimal string", err)
		return
	}

	in := workflow.SubmitInput{
		Amount:      amount,
		Currency:    req.Currency,
		Category:    req.Category,
		Description: req.Description,
		Tags:        req.Tags,
		Notes:       req.Notes,
	}
	if req.Date != "" {
		d, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "date must be YYYY-MM-DD", err)
			return
		}
		in.Date = d
	}

	expense, err := h.Engine.Submit(r.Context(), actor, in)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toExpenseDTO(expense))
}

// GetExpense returns one expense. Visibility follows the list scoping:
// submitters always see their own, approvers see what awaits them.
func (h *Handler) GetExpense(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id := workflow.ExpenseID(chi.URLParam(r, "id"))

	expense, err := h.Backend.Get(r.Context(), actor.CompanyID, id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if !h.canView(r, actor, expense) {
		// Indistinguishable from absent to keep tenant data private.
		writeError(w, http.StatusNotFound, "not_found", "Expense not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toExpenseDTO(expense))
}

// UpdateExpense edits a pending, undecided expense through the engine.
func (h *Handler) UpdateExpense(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id := workflow.ExpenseID(chi.URLParam(r, "id"))

	var req UpdateExpenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body", err)
		return
	}

	var in workflow.UpdateInput
	if req.Amount != nil {
		d, err := decimal.NewFromString(*req.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "amount must be a decimal string", err)
			return
		}
		in.Amount = &d
	}
	if req.Date != nil {
		d, err := time.Parse("2006-01-02", *req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "date must be YYYY-MM-DD", err)
			return
		}
		in.Date = &d
	}
	in.Category = req.Category
	in.Description = req.Description
	in.Tags = req.Tags
	in.Notes = req.Notes

	expense, err := h.Engine.Update(r.Context(), actor, id, in)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toExpenseDTO(expense))
}

// DeleteExpense removes a pending, undecided expense through the engine.
func (h *Handler) DeleteExpense(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id := workflow.ExpenseID(chi.URLParam(r, "id"))

	if err := h.Engine.Delete(r.Context(), actor, id); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": string(id)})
}

// ApproveExpense records an approval decision.
func (h *Handler) ApproveExpense(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, workflow.DecisionApproved)
}

// RejectExpense records a rejection decision.
func (h *Handler) RejectExpense(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, workflow.DecisionRejected)
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request, decision workflow.Decision) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id := workflow.ExpenseID(chi.URLParam(r, "id"))

	var req DecisionRequest
	if r.Body != nil {
		// Body is optional; a bare POST means "no comment".
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	expense, err := h.Engine.Decide(r.Context(), actor, id, decision, req.Comment)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toExpenseDTO(expense))
}

// ListPendingApprovals returns the pending expenses awaiting a decision
// the actor may currently make. Admins see the whole pending queue.
func (h *Handler) ListPendingApprovals(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	pending, err := h.Backend.List(r.Context(), workflow.ExpenseFilter{
		CompanyID: actor.CompanyID,
		Status:    workflow.StatusPending,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	dtos := make([]ExpenseDTO, 0, len(pending))
	for _, e := range pending {
		if actor.IsAdmin() || awaitsDecisionBy(e, actor.ID) {
			dtos = append(dtos, toExpenseDTO(e))
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// awaitsDecisionBy reports whether the approver can act on the expense
// right now: listed, not yet decided, and at the front of a sequential
// chain when order is enforced.
func awaitsDecisionBy(e *workflow.Expense, approver workflow.UserID) bool {
	if !e.IsApprover(approver) || e.HasDecided(approver) {
		return false
	}
	if e.CompletionPolicy.Sequential {
		current := e.CurrentApprover()
		return current != nil && *current == approver
	}
	return true
}

// canView mirrors the list scoping for single-document reads.
func (h *Handler) canView(r *http.Request, actor workflow.Actor, e *workflow.Expense) bool {
	switch {
	case actor.Role == workflow.RoleAdmin,
		actor.Role == workflow.RoleFinance,
		actor.Role == workflow.RoleDirector:
		return true
	case e.EmployeeID == actor.ID:
		return true
	case e.IsApprover(actor.ID):
		return true
	case actor.Role == workflow.RoleManager:
		team, err := h.Backend.TeamOf(r.Context(), actor.CompanyID, actor.ID)
		if err != nil {
			return false
		}
		for _, u := range team {
			if u.ID == e.EmployeeID {
				return true
			}
		}
	}
	return false
}

// =============================================================================
// COMPANY HANDLERS
// =============================================================================

// GetCompany returns the tenant policy settings.
func (h *Handler) GetCompany(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	policy, err := h.Backend.GetPolicy(r.Context(), actor.CompanyID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCompanyDTO(policy))
}

// UpdateCompany replaces the tenant settings from factory-validated JSON.
func (h *Handler) UpdateCompany(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireAdmin(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	var pj factory.PolicyJSON
	if err := json.NewDecoder(r.Body).Decode(&pj); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body", err)
		return
	}

	policy, err := h.PolicyFactory.FromJSON(actor.CompanyID, pj)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if err := h.Backend.SavePolicy(ctx, policy); err != nil {
		writeEngineError(w, err)
		return
	}

	h.recordAudit(r, actor, workflow.AuditSettingsUpdated, "Company", string(actor.CompanyID),
		"company settings updated")
	writeJSON(w, http.StatusOK, toCompanyDTO(policy))
}

// GetCategories returns the tenant expense category list.
func (h *Handler) GetCategories(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	policy, err := h.Backend.GetPolicy(r.Context(), actor.CompanyID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": policy.ExpenseCategories})
}

// UpdateCategories replaces the tenant category list.
func (h *Handler) UpdateCategories(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireAdmin(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	var req UpdateCategoriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body", err)
		return
	}
	if len(req.Categories) == 0 {
		writeError(w, http.StatusBadRequest, "validation_error", "categories cannot be empty", nil)
		return
	}

	policy, err := h.Backend.GetPolicy(ctx, actor.CompanyID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	policy.ExpenseCategories = req.Categories
	if err := h.Backend.SavePolicy(ctx, policy); err != nil {
		writeEngineError(w, err)
		return
	}

	h.recordAudit(r, actor, workflow.AuditSettingsUpdated, "Company", string(actor.CompanyID),
		"expense categories updated")
	writeJSON(w, http.StatusOK, map[string]any{"categories": policy.ExpenseCategories})
}

// =============================================================================
// RULE HANDLERS
// =============================================================================

// ListRules returns the tenant's rules in evaluation order.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	rules, err := h.Backend.ListRules(r.Context(), actor.CompanyID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })

	dtos := make([]factory.RuleJSON, len(rules))
	for i := range rules {
		dtos[i] = h.RuleFactory.ToJSON(&rules[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateRule creates an approval rule from factory-validated JSON.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireAdmin(w, r)
	if !ok {
		return
	}

	var rj factory.RuleJSON
	if err := json.NewDecoder(r.Body).Decode(&rj); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body", err)
		return
	}
	rj.ID = "" // server-assigned

	rule, err := h.RuleFactory.FromJSON(actor.CompanyID, rj)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if err := h.Backend.SaveRule(r.Context(), rule); err != nil {
		writeEngineError(w, err)
		return
	}

	h.recordAudit(r, actor, workflow.AuditRuleCreated, "ApprovalRule", string(rule.ID),
		"approval rule created: "+rule.Name)
	writeJSON(w, http.StatusCreated, h.RuleFactory.ToJSON(rule))
}

// UpdateRule replaces an existing rule from factory-validated JSON.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireAdmin(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	id := workflow.RuleID(chi.URLParam(r, "id"))

	existing, err := h.Backend.GetRule(ctx, actor.CompanyID, id)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	var rj factory.RuleJSON
	if err := json.NewDecoder(r.Body).Decode(&rj); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body", err)
		return
	}
	rj.ID = string(id)

	rule, err := h.RuleFactory.FromJSON(actor.CompanyID, rj)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	rule.CreatedAt = existing.CreatedAt
	if err := h.Backend.SaveRule(ctx, rule); err != nil {
		writeEngineError(w, err)
		return
	}

	h.recordAudit(r, actor, workflow.AuditRuleUpdated, "ApprovalRule", string(rule.ID),
		"approval rule updated: "+rule.Name)
	writeJSON(w, http.StatusOK, h.RuleFactory.ToJSON(rule))
}

// DeleteRule deactivates a rule. Rules are never hard-deleted so audit
// references stay resolvable.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireAdmin(w, r)
	if !ok {
		return
	}
	id := workflow.RuleID(chi.URLParam(r, "id"))

	if err := h.Backend.DeactivateRule(r.Context(), actor.CompanyID, id); err != nil {
		writeEngineError(w, err)
		return
	}

	h.recordAudit(r, actor, workflow.AuditRuleDeleted, "ApprovalRule", string(id),
		"approval rule deactivated")
	writeJSON(w, http.StatusOK, map[string]any{"deactivated": string(id)})
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// ListUsers returns the tenant user directory.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	users, err := h.Backend.ListUsers(r.Context(), actor.CompanyID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	dtos := make([]UserDTO, len(users))
	for i, u := range users {
		dtos[i] = toUserDTO(u)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateUser adds a directory record.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireAdmin(w, r)
	if !ok {
		return
	}

	var req UserDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body", err)
		return
	}
	if req.ID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "id and name are required", nil)
		return
	}

	u := &workflow.User{
		ID:         workflow.UserID(req.ID),
		CompanyID:  actor.CompanyID,
		Name:       req.Name,
		Email:      req.Email,
		Role:       workflow.Role(req.Role),
		Department: req.Department,
	}
	if u.Role == "" {
		u.Role = workflow.RoleEmployee
	}
	if req.ManagerID != nil {
		mid := workflow.UserID(*req.ManagerID)
		u.ManagerID = &mid
	}

	if err := h.Backend.SaveUser(r.Context(), u); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserDTO(u))
}

// =============================================================================
// AUDIT HANDLERS
// =============================================================================

// QueryAudit returns audit events matching the query parameters.
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireAdmin(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := workflow.AuditFilter{
		CompanyID: actor.CompanyID,
		UserID:    workflow.UserID(q.Get("user_id")),
		Action:    workflow.AuditAction(q.Get("action")),
		Resource:  q.Get("resource"),
		Severity:  workflow.AuditSeverity(q.Get("severity")),
	}
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.From = &t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.To = &t
		}
	}
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}

	events, err := h.Backend.Query(r.Context(), filter)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	dtos := make([]AuditEventDTO, len(events))
	for i, ev := range events {
		dtos[i] = AuditEventDTO{
			ID:           ev.ID,
			CompanyID:    string(ev.CompanyID),
			UserID:       string(ev.UserID),
			Action:       string(ev.Action),
			ResourceType: ev.ResourceType,
			ResourceID:   ev.ResourceID,
			Changes:      ev.Changes,
			Severity:     string(ev.Severity),
			Description:  ev.Description,
			Timestamp:    ev.Timestamp.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": dtos})
}

// =============================================================================
// DASHBOARD HANDLERS
// =============================================================================

// GetDashboardStats aggregates the expenses visible to the actor. The
// optional ?currency= parameter converts display totals from the tenant
// default; routing thresholds are never converted.
func (h *Handler) GetDashboardStats(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	policy, err := h.Backend.GetPolicy(ctx, actor.CompanyID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	filter := workflow.ExpenseFilter{CompanyID: actor.CompanyID}
	if actor.Role == workflow.RoleEmployee {
		filter.EmployeeIDs = []workflow.UserID{actor.ID}
	}
	expenses, err := h.Backend.List(ctx, filter)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	target := r.URL.Query().Get("currency")
	if target == "" || !currency.IsValid(target) {
		target = policy.DefaultCurrency
	}
	convert := func(d decimal.Decimal) decimal.Decimal {
		out, err := h.Converter.Convert(d, policy.DefaultCurrency, target)
		if err != nil {
			return d
		}
		return out
	}

	stats := DashboardStats{
		Currency: target,
		ByStatus: make(map[string]StatusTotal),
	}
	statusAmounts := map[string]decimal.Decimal{}
	categoryAmounts := map[string]decimal.Decimal{}
	categoryCounts := map[string]int{}
	monthAmounts := map[string]decimal.Decimal{}
	monthCounts := map[string]int{}

	for _, e := range expenses {
		s := string(e.Status)
		st := stats.ByStatus[s]
		st.Count++
		statusAmounts[s] = statusAmounts[s].Add(e.Amount.Value)
		stats.ByStatus[s] = st

		categoryCounts[e.Category]++
		categoryAmounts[e.Category] = categoryAmounts[e.Category].Add(e.Amount.Value)

		month := e.Date.Format("2006-01")
		monthCounts[month]++
		monthAmounts[month] = monthAmounts[month].Add(e.Amount.Value)

		if e.Status == workflow.StatusPending {
			stats.PendingCount++
			if awaitsDecisionBy(e, actor.ID) {
				stats.AwaitingMe++
			}
		}
	}

	for s, st := range stats.ByStatus {
		st.Amount = convert(statusAmounts[s]).String()
		stats.ByStatus[s] = st
	}

	for cat, count := range categoryCounts {
		stats.ByCategory = append(stats.ByCategory, CategoryTotal{
			Category: cat,
			Count:    count,
			Amount:   convert(categoryAmounts[cat]).String(),
		})
	}
	sort.Slice(stats.ByCategory, func(i, j int) bool {
		return stats.ByCategory[i].Category < stats.ByCategory[j].Category
	})

	// Six-month trend ending at the current month, zero-filled.
	now := time.Now()
	for i := 5; i >= 0; i-- {
		m := now.AddDate(0, -i, 0).Format("2006-01")
		stats.MonthlyTrend = append(stats.MonthlyTrend, MonthlyTotal{
			Month:  m,
			Count:  monthCounts[m],
			Amount: convert(monthAmounts[m]).String(),
		})
	}

	writeJSON(w, http.StatusOK, stats)
}

// ListCurrencies returns the supported display currencies.
func (h *Handler) ListCurrencies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"currencies": currency.Supported()})
}

// =============================================================================
// DTO CONVERSION
// =============================================================================

func toExpenseDTO(e *workflow.Expense) ExpenseDTO {
	dto := ExpenseDTO{
		ID:          string(e.ID),
		EmployeeID:  string(e.EmployeeID),
		CompanyID:   string(e.CompanyID),
		Amount:      e.Amount.Value.String(),
		Currency:    e.Amount.Currency,
		Category:    e.Category,
		Description: e.Description,
		Date:        e.Date.Format("2006-01-02"),
		Tags:        e.Tags,
		Notes:       e.Notes,

		Status:               string(e.Status),
		CompletionMode:       string(e.CompletionPolicy.Mode),
		Sequential:           e.CompletionPolicy.Sequential,
		ApprovalHistory:      make([]ApprovalDecisionDTO, 0, len(e.ApprovalHistory)),
		CurrentApproverIndex: e.CurrentApproverIndex,

		FinalDecision: string(e.FinalDecision),
		Version:       e.Version,
		CreatedAt:     e.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     e.UpdatedAt.Format(time.RFC3339),
	}
	for _, a := range e.Approvers {
		dto.Approvers = append(dto.Approvers, string(a))
	}
	for _, d := range e.ApprovalHistory {
		dto.ApprovalHistory = append(dto.ApprovalHistory, ApprovalDecisionDTO{
			ApproverID: string(d.ApproverID),
			Decision:   string(d.Decision),
			Comment:    d.Comment,
			DecidedAt:  d.DecidedAt.Format(time.RFC3339),
		})
	}
	if e.Status == workflow.StatusPending && e.CompletionPolicy.Sequential {
		if cur := e.CurrentApprover(); cur != nil {
			dto.CurrentApprover = strPtr(string(*cur))
		}
	}
	if e.FinalDecisionBy != nil {
		dto.FinalDecisionBy = strPtr(string(*e.FinalDecisionBy))
	}
	if e.FinalDecisionAt != nil {
		dto.FinalDecisionAt = strPtr(e.FinalDecisionAt.Format(time.RFC3339))
	}
	return dto
}

func toCompanyDTO(p *workflow.CompanyPolicy) CompanyDTO {
	dto := CompanyDTO{
		ID:                string(p.CompanyID),
		Name:              p.Name,
		Country:           p.Country,
		DefaultCurrency:   p.DefaultCurrency,
		ApprovalRequired:  p.ApprovalRequired,
		ExpenseCategories: p.ExpenseCategories,
		DefaultApproverID: string(p.DefaultApproverID),
	}
	if p.MaxExpenseAmount.IsPositive() {
		dto.MaxExpenseAmount = p.MaxExpenseAmount.String()
	}
	return dto
}

func toUserDTO(u *workflow.User) UserDTO {
	dto := UserDTO{
		ID:         string(u.ID),
		CompanyID:  string(u.CompanyID),
		Name:       u.Name,
		Email:      u.Email,
		Role:       string(u.Role),
		Department: u.Department,
	}
	if u.ManagerID != nil {
		dto.ManagerID = strPtr(string(*u.ManagerID))
	}
	return dto
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps typed workflow errors to HTTP statuses with
// stable machine codes. Unknown errors become an opaque 500; their text
// is logged server-side, never sent to the client.
func writeEngineError(w http.ResponseWriter, err error) {
	var (
		ve  *workflow.ValidationError
		pv  *workflow.PolicyViolation
		ae  *workflow.AuthorizationError
		se  *workflow.StateError
		cfe *workflow.ConfigurationError
		cce *workflow.ConflictError
	)
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, "validation_error", ve.Message, nil)
	case errors.As(err, &pv):
		writeError(w, http.StatusBadRequest, "policy_violation", pv.Message, nil)
	case errors.As(err, &ae):
		writeError(w, http.StatusForbidden, "not_authorized", ae.Message, nil)
	case workflow.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.As(err, &cce):
		writeError(w, http.StatusConflict, "version_conflict",
			"the expense changed while you were deciding; reload and retry", nil)
	case errors.As(err, &se):
		writeError(w, http.StatusConflict, "invalid_state", se.Message, nil)
	case errors.As(err, &cfe):
		writeError(w, http.StatusUnprocessableEntity, "misconfigured_rule", cfe.Message, nil)
	default:
		log.Printf("api: internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "Internal server error", nil)
	}
}

// recordAudit emits an administrative audit event, best-effort.
func (h *Handler) recordAudit(r *http.Request, actor workflow.Actor, action workflow.AuditAction, resourceType, resourceID, desc string) {
	err := h.Backend.Record(r.Context(), workflow.AuditEvent{
		ID:           uuid.NewString(),
		CompanyID:    actor.CompanyID,
		UserID:       actor.ID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Severity:     workflow.SeverityMedium,
		Description:  desc,
		Timestamp:    time.Now(),
	})
	if err != nil {
		log.Printf("api: failed to record audit %s on %s/%s: %v", action, resourceType, resourceID, err)
	}
}

func strPtr(s string) *string {
	return &s
}
