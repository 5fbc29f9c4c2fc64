package handlers

import (
	"log"

	"helixgate/internal/router"

	"github.com/gofiber/fiber/v2"
)

// RouteHandler serves routing decisions
type RouteHandler struct {
	router *router.Router
}

// NewRouteHandler creates a new route handler
func NewRouteHandler(r *router.Router) *RouteHandler {
	return &RouteHandler{router: r}
}

type routeRequest struct {
	OperationID      string `json:"operation_id"`
	Input            string `json:"input"`
	RequiresApproval bool   `json:"requires_approval"`
	JobID            string `json:"job_id"`
}

// Route returns the model to call for an operation
// POST /api/route
func (h *RouteHandler) Route(c *fiber.Ctx) error {
	userID := callerID(c)

	var req routeRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if req.OperationID == "" {
		return badRequest(c, "operation_id is required")
	}

	decision, err := h.router.Route(c.UserContext(), router.Request{
		OperationID:      req.OperationID,
		Input:            []byte(req.Input),
		UserID:           userID,
		RequiresApproval: req.RequiresApproval,
		JobID:            req.JobID,
	})
	if err != nil {
		log.Printf("🚫 [API] Route %s refused for %s: %v", req.OperationID, userID, err)
		return respondError(c, err)
	}

	return c.JSON(decision)
}

// Estimate prices an operation without reserving budget or writing audit
// POST /api/route/estimate
func (h *RouteHandler) Estimate(c *fiber.Ctx) error {
	var req routeRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if req.OperationID == "" {
		return badRequest(c, "operation_id is required")
	}

	est, err := h.router.Estimate(c.UserContext(), req.OperationID, []byte(req.Input))
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"operation_id":            req.OperationID,
		"model":                   est.Model,
		"estimated_input_tokens":  est.InputTokens,
		"estimated_output_tokens": est.OutputTokens,
		"estimated_cost":          est.Cost,
		"cost_criticality":        est.Route.CostCriticality,
	})
}
