package handlers

import (
	"encoding/json"
	"log"
	"strconv"
	"time"

	"helixgate/internal/agentgraph"
	"helixgate/internal/models"

	"github.com/gofiber/fiber/v2"
)

// JobHandler serves orchestration jobs
type JobHandler struct {
	executor *agentgraph.Executor
}

// NewJobHandler creates a new job handler
func NewJobHandler(executor *agentgraph.Executor) *JobHandler {
	return &JobHandler{executor: executor}
}

type startJobRequest struct {
	TaskType  string  `json:"task_type"`
	Goal      string  `json:"goal"`
	BudgetUSD float64 `json:"budget_usd"`
}

// checkpointView renders a snapshot as JSON instead of base64
type checkpointView struct {
	JobID     string          `json:"job_id"`
	StepIndex int             `json:"step_index"`
	State     json.RawMessage `json:"state"`
	CreatedAt string          `json:"created_at"`
}

func viewCheckpoint(cp *models.Checkpoint) checkpointView {
	return checkpointView{
		JobID:     cp.JobID,
		StepIndex: cp.StepIndex,
		State:     json.RawMessage(cp.StateSnapshot),
		CreatedAt: cp.CreatedAt.Format(time.RFC3339Nano),
	}
}

// Start submits a job; it runs in the background
// POST /api/jobs
func (h *JobHandler) Start(c *fiber.Ctx) error {
	userID, err := requireCaller(c)
	if userID == "" {
		return err
	}

	var req startJobRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	job, err := h.executor.Submit(c.UserContext(), agentgraph.StartRequest{
		UserID:    userID,
		TaskType:  req.TaskType,
		Goal:      req.Goal,
		BudgetUSD: req.BudgetUSD,
	})
	if err != nil {
		return respondError(c, err)
	}

	log.Printf("🚀 [API] Job %s submitted by %s", job.JobID, userID)
	return c.Status(fiber.StatusAccepted).JSON(job)
}

// List returns the caller's jobs
// GET /api/jobs
func (h *JobHandler) List(c *fiber.Ctx) error {
	userID, err := requireCaller(c)
	if userID == "" {
		return err
	}

	jobs, err := h.executor.ListByUser(c.UserContext(), userID, c.QueryInt("limit", 50))
	if err != nil {
		return respondError(c, err)
	}
	if jobs == nil {
		jobs = []models.OrchestrationJob{}
	}
	return c.JSON(fiber.Map{"jobs": jobs, "count": len(jobs)})
}

// Get returns a job summary
// GET /api/jobs/:id
func (h *JobHandler) Get(c *fiber.Ctx) error {
	job, err := h.owned(c)
	if job == nil {
		return err
	}
	return c.JSON(job)
}

// Cancel stops a job between steps
// POST /api/jobs/:id/cancel
func (h *JobHandler) Cancel(c *fiber.Ctx) error {
	job, err := h.owned(c)
	if job == nil {
		return err
	}

	job, err = h.executor.Cancel(c.UserContext(), job.JobID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(job)
}

// Resume continues a parked or interrupted job in the background
// POST /api/jobs/:id/resume
func (h *JobHandler) Resume(c *fiber.Ctx) error {
	job, err := h.owned(c)
	if job == nil {
		return err
	}

	if err := h.executor.ResumeAsync(c.UserContext(), job.JobID); err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"job_id":  job.JobID,
		"message": "Job resumed",
	})
}

// Checkpoints lists every checkpoint of a job in step order
// GET /api/jobs/:id/checkpoints
func (h *JobHandler) Checkpoints(c *fiber.Ctx) error {
	job, err := h.owned(c)
	if job == nil {
		return err
	}

	cps, err := h.executor.Checkpoints(c.UserContext(), job.JobID)
	if err != nil {
		return respondError(c, err)
	}

	views := make([]checkpointView, 0, len(cps))
	for i := range cps {
		views = append(views, viewCheckpoint(&cps[i]))
	}
	return c.JSON(fiber.Map{"checkpoints": views, "count": len(views)})
}

// Checkpoint returns one checkpoint
// GET /api/jobs/:id/checkpoints/:step
func (h *JobHandler) Checkpoint(c *fiber.Ctx) error {
	job, err := h.owned(c)
	if job == nil {
		return err
	}

	step, err := strconv.Atoi(c.Params("step"))
	if err != nil || step < 0 {
		return badRequest(c, "step must be a non-negative integer")
	}

	cp, err := h.executor.Checkpoint(c.UserContext(), job.JobID, &step)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(viewCheckpoint(cp))
}

// Replay re-runs a job from a checkpoint without charging the ledger.
// Admin only: models are still invoked.
// POST /api/admin/jobs/:id/replay/:step
func (h *JobHandler) Replay(c *fiber.Ctx) error {
	step, err := strconv.Atoi(c.Params("step"))
	if err != nil || step < 0 {
		return badRequest(c, "step must be a non-negative integer")
	}

	st, err := h.executor.Replay(c.UserContext(), c.Params("id"), step)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(st)
}

// owned loads the job named in the path and checks the caller may see it.
// On failure it returns a nil job and the already written response.
func (h *JobHandler) owned(c *fiber.Ctx) (*models.OrchestrationJob, error) {
	job, err := h.executor.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return nil, respondError(c, err)
	}
	if !canAccess(c, job.UserID) {
		return nil, forbidden(c)
	}
	return job, nil
}
