package handlers

import (
	"context"
	"log"
	"time"

	"helixgate/internal/approval"
	"helixgate/internal/audit"
	"helixgate/internal/jobs"
	"helixgate/internal/ledger"
	"helixgate/internal/models"
	"helixgate/internal/routeconfig"
	"helixgate/internal/toggleadmin"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
)

// SchedulerControl is the subset of jobs.JobScheduler the admin surface uses
type SchedulerControl interface {
	GetStatus() map[string]jobs.JobStatus
	RunNow(name string) error
}

// AuditVerifyRunner verifies the audit hash chain on demand
type AuditVerifyRunner interface {
	VerifyNow(ctx context.Context) ([]audit.Violation, error)
}

// AdminDeps are the collaborators of the admin surface. Scheduler and
// Verifier may be nil.
type AdminDeps struct {
	Routes    routeconfig.Store
	Cache     *routeconfig.Cache
	Ledger    *ledger.Ledger
	Toggles   *toggleadmin.Admin
	Approvals *approval.Gate
	Scheduler SchedulerControl
	Verifier  AuditVerifyRunner
}

// AdminHandler handles operator endpoints
type AdminHandler struct {
	deps AdminDeps
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(deps AdminDeps) *AdminHandler {
	return &AdminHandler{deps: deps}
}

func actor(c *fiber.Ctx) toggleadmin.Actor {
	return toggleadmin.Actor{ID: callerID(c), Admin: true}
}

// ListRoutes returns every configured route
// GET /api/admin/routes
func (h *AdminHandler) ListRoutes(c *fiber.Ctx) error {
	routes, err := h.deps.Routes.ListRoutes(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	if routes == nil {
		routes = []models.OperationRoute{}
	}
	return c.JSON(fiber.Map{
		"routes": routes,
		"count":  len(routes),
		"cache":  h.deps.Cache.Stats(),
	})
}

// UpsertRoute writes a route and drops its cache entry
// PUT /api/admin/routes/:id
func (h *AdminHandler) UpsertRoute(c *fiber.Ctx) error {
	var route models.OperationRoute
	if err := c.BodyParser(&route); err != nil {
		return badRequest(c, "Invalid request body")
	}
	route.OperationID = utils.CopyString(c.Params("id"))
	if route.PrimaryModel == "" {
		return badRequest(c, "primary_model is required")
	}
	if route.CostCriticality == "" {
		route.CostCriticality = models.CostCriticalityLow
	}
	if !route.CostCriticality.Valid() {
		return badRequest(c, "cost_criticality must be LOW, MEDIUM or HIGH")
	}

	if err := h.applyRoute(c.UserContext(), &route); err != nil {
		return respondError(c, err)
	}

	log.Printf("🛠️  [ADMIN] Route %s updated by %s (model=%s enabled=%v criticality=%s)",
		route.OperationID, callerID(c), route.PrimaryModel, route.Enabled, route.CostCriticality)
	return c.JSON(route)
}

// RefreshRoutes reloads every route into the cache
// POST /api/admin/routes/refresh
func (h *AdminHandler) RefreshRoutes(c *fiber.Ctx) error {
	if err := h.deps.Cache.Refresh(c.UserContext()); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"message": "Route cache refreshed",
		"cache":   h.deps.Cache.Stats(),
	})
}

type setBudgetRequest struct {
	DailyLimitUSD       float64 `json:"daily_limit_usd"`
	WarningThresholdUSD float64 `json:"warning_threshold_usd"`
}

// SetBudget changes a user's daily limit and warning threshold
// PUT /api/admin/budgets/:user
func (h *AdminHandler) SetBudget(c *fiber.Ctx) error {
	var req setBudgetRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	budget, err := h.deps.Ledger.SetBudget(c.UserContext(), utils.CopyString(c.Params("user")), req.DailyLimitUSD, req.WarningThresholdUSD)
	if err != nil {
		return respondError(c, err)
	}

	log.Printf("💰 [ADMIN] Budget for %s set to $%.2f (warn $%.2f) by %s",
		budget.UserID, budget.DailyLimitUSD, budget.WarningThresholdUSD, callerID(c))
	return c.JSON(budget)
}

// ListToggles returns every toggle
// GET /api/admin/toggles
func (h *AdminHandler) ListToggles(c *fiber.Ctx) error {
	list, err := h.deps.Toggles.List(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	if list == nil {
		list = []models.FeatureToggle{}
	}
	return c.JSON(fiber.Map{"toggles": list, "count": len(list)})
}

// CreateToggle adds a toggle, typically a per-operation kill switch. An
// existing toggle keeps its state.
// POST /api/admin/toggles
func (h *AdminHandler) CreateToggle(c *fiber.Ctx) error {
	var t models.FeatureToggle
	if err := c.BodyParser(&t); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if t.Name == "" {
		return badRequest(c, "name is required")
	}
	if t.ControlledBy == "" {
		t.ControlledBy = models.ToggleControllerAdminOnly
	}

	if err := h.deps.Toggles.Seed(c.UserContext(), []models.FeatureToggle{t}); err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"name": t.Name})
}

type setToggleRequest struct {
	Enabled bool `json:"enabled"`
}

// SetToggle enables or disables a toggle
// PUT /api/admin/toggles/:name
func (h *AdminHandler) SetToggle(c *fiber.Ctx) error {
	var req setToggleRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	t, err := h.deps.Toggles.SetEnabled(c.UserContext(), c.Params("name"), req.Enabled, actor(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(t)
}

// LockToggle freezes a toggle
// POST /api/admin/toggles/:name/lock
func (h *AdminHandler) LockToggle(c *fiber.Ctx) error {
	t, err := h.deps.Toggles.Lock(c.UserContext(), c.Params("name"), actor(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(t)
}

// UnlockToggle releases a lock
// POST /api/admin/toggles/:name/unlock
func (h *AdminHandler) UnlockToggle(c *fiber.Ctx) error {
	t, err := h.deps.Toggles.Unlock(c.UserContext(), c.Params("name"), actor(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(t)
}

type resolveApprovalRequest struct {
	Status models.ApprovalStatus `json:"status"`
	Note   string                `json:"note"`
}

// ResolveApproval approves or rejects a PENDING request. An approved request
// carrying a proposed config applies it to the route store.
// POST /api/admin/approvals/:id/resolve
func (h *AdminHandler) ResolveApproval(c *fiber.Ctx) error {
	var req resolveApprovalRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	resolved, err := h.deps.Approvals.Resolve(c.UserContext(), c.Params("id"), req.Status, callerID(c), req.Note)
	if err != nil {
		return respondError(c, err)
	}

	applied := false
	if resolved.Status == models.ApprovalStatusApproved && resolved.ProposedConfig != nil {
		route := *resolved.ProposedConfig
		route.OperationID = resolved.OperationID
		if err := h.applyRoute(c.UserContext(), &route); err != nil {
			log.Printf("❌ [ADMIN] Approved config for %s could not be applied: %v", resolved.OperationID, err)
			return respondError(c, err)
		}
		applied = true
		log.Printf("✅ [ADMIN] Applied approved config for %s (request %s)", resolved.OperationID, resolved.ID)
	}

	return c.JSON(fiber.Map{
		"approval":       resolved,
		"config_applied": applied,
	})
}

// SchedulerStatus lists background jobs
// GET /api/admin/scheduler
func (h *AdminHandler) SchedulerStatus(c *fiber.Ctx) error {
	if h.deps.Scheduler == nil {
		return c.JSON(fiber.Map{"jobs": fiber.Map{}})
	}
	return c.JSON(fiber.Map{"jobs": h.deps.Scheduler.GetStatus()})
}

// RunScheduledJob runs a background job immediately
// POST /api/admin/scheduler/:name/run
func (h *AdminHandler) RunScheduledJob(c *fiber.Ctx) error {
	if h.deps.Scheduler == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Scheduler not running"})
	}
	if err := h.deps.Scheduler.RunNow(c.Params("name")); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Job completed", "name": c.Params("name")})
}

// VerifyAudit checks the audit hash chain now
// POST /api/admin/audit/verify
func (h *AdminHandler) VerifyAudit(c *fiber.Ctx) error {
	if h.deps.Verifier == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Audit stream is not readable"})
	}
	violations, err := h.deps.Verifier.VerifyNow(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	if violations == nil {
		violations = []audit.Violation{}
	}
	return c.JSON(fiber.Map{
		"intact":     len(violations) == 0,
		"violations": violations,
	})
}

func (h *AdminHandler) applyRoute(ctx context.Context, route *models.OperationRoute) error {
	route.UpdatedAt = time.Now().UTC()
	if err := h.deps.Routes.UpsertRoute(ctx, route); err != nil {
		return err
	}
	h.deps.Cache.Invalidate(route.OperationID)
	return nil
}
