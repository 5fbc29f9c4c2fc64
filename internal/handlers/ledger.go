package handlers

import (
	"time"

	"helixgate/internal/ledger"
	"helixgate/internal/models"

	"github.com/gofiber/fiber/v2"
)

// LedgerHandler exposes operation logging and budget reads
type LedgerHandler struct {
	ledger *ledger.Ledger
}

// NewLedgerHandler creates a new ledger handler
func NewLedgerHandler(l *ledger.Ledger) *LedgerHandler {
	return &LedgerHandler{ledger: l}
}

type logOperationRequest struct {
	OperationType string  `json:"operation_type"`
	ModelUsed     string  `json:"model_used"`
	JobID         string  `json:"job_id"`
	InputTokens   int     `json:"input_tokens"`
	OutputTokens  int     `json:"output_tokens"`
	Cost          float64 `json:"cost"`
	LatencyMs     int64   `json:"latency_ms"`
	Success       bool    `json:"success"`
	Error         string  `json:"error"`
}

// LogOperation appends the outcome of an executed operation
// POST /api/operations
func (h *LedgerHandler) LogOperation(c *fiber.Ctx) error {
	userID, err := requireCaller(c)
	if userID == "" {
		return err
	}

	var req logOperationRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if req.InputTokens < 0 || req.OutputTokens < 0 || req.Cost < 0 {
		return badRequest(c, "token counts and cost must not be negative")
	}

	record, err := h.ledger.LogOperation(c.UserContext(), userID, models.OperationMetrics{
		OperationType: req.OperationType,
		ModelUsed:     req.ModelUsed,
		JobID:         req.JobID,
		InputTokens:   req.InputTokens,
		OutputTokens:  req.OutputTokens,
		Cost:          req.Cost,
		Latency:       time.Duration(req.LatencyMs) * time.Millisecond,
		Success:       req.Success,
		Error:         req.Error,
	})
	if err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(record)
}

// GetBudget returns a user's budget for the current UTC day
// GET /api/users/:id/budget
func (h *LedgerHandler) GetBudget(c *fiber.Ctx) error {
	userID := c.Params("id")
	if !canAccess(c, userID) {
		return forbidden(c)
	}

	budget, err := h.ledger.GetBudget(c.UserContext(), userID)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"budget":    budget,
		"remaining": budget.Remaining(),
	})
}

// ListOperations returns a user's most recent ledger records
// GET /api/users/:id/operations?limit=50
func (h *LedgerHandler) ListOperations(c *fiber.Ctx) error {
	userID := c.Params("id")
	if !canAccess(c, userID) {
		return forbidden(c)
	}

	limit := c.QueryInt("limit", 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	records, err := h.ledger.ListOperations(c.UserContext(), userID, limit)
	if err != nil {
		return respondError(c, err)
	}
	if records == nil {
		records = []models.OperationRecord{}
	}

	return c.JSON(fiber.Map{
		"operations": records,
		"count":      len(records),
	})
}
