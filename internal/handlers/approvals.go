package handlers

import (
	"log"

	"helixgate/internal/approval"
	"helixgate/internal/models"
	"helixgate/internal/routeconfig"

	"github.com/gofiber/fiber/v2"
)

// ApprovalHandler handles approval requests. Resolution lives on the admin
// surface.
type ApprovalHandler struct {
	gate   *approval.Gate
	routes routeconfig.Store
}

// NewApprovalHandler creates a new approval handler
func NewApprovalHandler(gate *approval.Gate, routes routeconfig.Store) *ApprovalHandler {
	return &ApprovalHandler{gate: gate, routes: routes}
}

type createApprovalRequest struct {
	OperationID       string                 `json:"operation_id"`
	ChangeDescription string                 `json:"change_description"`
	ProposedConfig    *models.OperationRoute `json:"proposed_config"`
}

// Create opens a PENDING approval request
// POST /api/approvals
func (h *ApprovalHandler) Create(c *fiber.Ctx) error {
	userID, err := requireCaller(c)
	if userID == "" {
		return err
	}

	var req createApprovalRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if req.OperationID == "" || req.ChangeDescription == "" {
		return badRequest(c, "operation_id and change_description are required")
	}
	if req.ProposedConfig != nil {
		req.ProposedConfig.OperationID = req.OperationID
		if req.ProposedConfig.CostCriticality != "" && !req.ProposedConfig.CostCriticality.Valid() {
			return badRequest(c, "proposed_config.cost_criticality must be LOW, MEDIUM or HIGH")
		}
	}

	current, err := h.routes.GetRoute(c.UserContext(), req.OperationID)
	if err != nil {
		return respondError(c, err)
	}

	created, err := h.gate.RequestApproval(c.UserContext(), req.OperationID, req.ChangeDescription, approval.RequestOptions{
		RequestedBy:    userID,
		CurrentConfig:  current,
		ProposedConfig: req.ProposedConfig,
	})
	if err != nil {
		return respondError(c, err)
	}

	log.Printf("📝 [APPROVAL] %s requested approval for %s (%s)", userID, req.OperationID, created.ID)
	return c.Status(fiber.StatusCreated).JSON(created)
}

// Get returns the governing request and recent history of an operation
// GET /api/approvals/:operationId
func (h *ApprovalHandler) Get(c *fiber.Ctx) error {
	operationID := c.Params("operationId")

	approved, err := h.gate.CheckApproval(c.UserContext(), operationID)
	if err != nil {
		return respondError(c, err)
	}
	history, err := h.gate.History(c.UserContext(), operationID, c.QueryInt("limit", 20))
	if err != nil {
		return respondError(c, err)
	}
	if history == nil {
		history = []models.ApprovalRequest{}
	}

	var latest *models.ApprovalRequest
	if len(history) > 0 {
		latest = &history[0]
	}

	return c.JSON(fiber.Map{
		"operation_id": operationID,
		"approved":     approved,
		"latest":       latest,
		"history":      history,
	})
}

// ListPending returns every request waiting for review
// GET /api/approvals/pending
func (h *ApprovalHandler) ListPending(c *fiber.Ctx) error {
	pending, err := h.gate.ListPending(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	if pending == nil {
		pending = []models.ApprovalRequest{}
	}
	return c.JSON(fiber.Map{
		"pending": pending,
		"count":   len(pending),
	})
}
