// Package agentgraph runs checkpointed multi-step agent jobs: a supervisor
// picks one worker per step, every worker model call goes through the
// operation router, and every state transition is checkpointed before the
// next routing decision.
package agentgraph

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"strings"
	"sync"
	"time"

	"helixgate/internal/apperrors"
	"helixgate/internal/checkpoint"
	"helixgate/internal/logging"
	"helixgate/internal/models"
	"helixgate/internal/router"
	"helixgate/internal/services"
	"helixgate/internal/toggles"

	"github.com/google/uuid"
)

// DefaultMaxSteps is the hard worker step cap per job
const DefaultMaxSteps = 12

// Events published on the jobs topic
const (
	Topic         = "jobs"
	EventStarted  = "job_started"
	EventStep     = "job_step"
	EventWaiting  = "job_waiting_approval"
	EventFinished = "job_finished"
)

// RouteDecider is the router surface used by the graph
type RouteDecider interface {
	Route(ctx context.Context, req router.Request) (*models.RoutingDecision, error)
	Estimate(ctx context.Context, operationID string, input []byte) (*router.Estimate, error)
}

// OperationLogger records completed worker calls in the cost ledger
type OperationLogger interface {
	LogOperation(ctx context.Context, userID string, m models.OperationMetrics) (*models.OperationRecord, error)
}

// Publisher fans job events out to subscribers
type Publisher interface {
	Publish(ctx context.Context, topic, eventType string, payload map[string]any) error
}

// Deps are the executor's collaborators. Publisher and Metrics may be nil.
type Deps struct {
	Router      RouteDecider
	Ledger      OperationLogger
	Checkpoints checkpoint.Store
	Jobs        JobStore
	Toggles     toggles.Reader
	Invoker     Invoker
	Publisher   Publisher
	Metrics     *services.Metrics
	Supervisor  *Supervisor
	Workers     map[string]Worker
	MaxSteps    int
}

// StartRequest describes a new job
type StartRequest struct {
	UserID    string  `json:"user_id"`
	TaskType  string  `json:"task_type"`
	Goal      string  `json:"goal"`
	BudgetUSD float64 `json:"budget_usd"`
}

// Executor drives jobs through the graph
type Executor struct {
	router      RouteDecider
	ledger      OperationLogger
	checkpoints checkpoint.Store
	jobs        JobStore
	toggles     toggles.Reader
	invoker     Invoker
	publisher   Publisher
	metrics     *services.Metrics
	supervisor  *Supervisor
	workers     map[string]Worker
	maxSteps    int

	// dryRun executes on estimates only: no routing side effects, no ledger
	// records, no events. Used by Replay.
	dryRun bool

	active    sync.Map // jobID -> struct{}
	cancelled sync.Map // jobID -> struct{}
	wg        sync.WaitGroup
	now       func() time.Time
}

// NewExecutor creates an executor
func NewExecutor(d Deps) *Executor {
	if d.Supervisor == nil {
		d.Supervisor = NewSupervisor()
	}
	if d.Workers == nil {
		d.Workers = DefaultWorkers()
	}
	if d.MaxSteps <= 0 {
		d.MaxSteps = DefaultMaxSteps
	}
	return &Executor{
		router:      d.Router,
		ledger:      d.Ledger,
		checkpoints: d.Checkpoints,
		jobs:        d.Jobs,
		toggles:     d.Toggles,
		invoker:     d.Invoker,
		publisher:   d.Publisher,
		metrics:     d.Metrics,
		supervisor:  d.Supervisor,
		workers:     d.Workers,
		maxSteps:    d.MaxSteps,
		now:         time.Now,
	}
}

// Start creates a job and runs it until it finishes or parks
func (e *Executor) Start(ctx context.Context, req StartRequest) (*models.OrchestrationJob, error) {
	st, createdAt, err := e.create(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, st, createdAt)
}

// Submit creates a job and runs it in the background. The returned job is
// the initial summary; poll Get or subscribe to job events for progress.
func (e *Executor) Submit(ctx context.Context, req StartRequest) (*models.OrchestrationJob, error) {
	st, createdAt, err := e.create(ctx, req)
	if err != nil {
		return nil, err
	}
	e.background(ctx, func(bg context.Context) error {
		_, err := e.run(bg, st, createdAt)
		return err
	})
	return e.jobFromState(st, createdAt), nil
}

func (e *Executor) create(ctx context.Context, req StartRequest) (State, time.Time, error) {
	if strings.TrimSpace(req.Goal) == "" {
		return State{}, time.Time{}, apperrors.New(apperrors.KindInvalidInput, "goal is required")
	}
	if req.BudgetUSD <= 0 {
		return State{}, time.Time{}, apperrors.New(apperrors.KindInvalidInput, "budget_usd must be positive")
	}
	if err := e.toggles.Enforce(ctx, models.ToggleAgentJobsEnabled); err != nil {
		return State{}, time.Time{}, err
	}

	taskType := req.TaskType
	if taskType == "" {
		taskType = "general"
	}
	st := State{
		JobID:     uuid.New().String(),
		UserID:    req.UserID,
		TaskType:  taskType,
		Goal:      req.Goal,
		Node:      NodeSupervisor,
		Status:    TransitionJobStatus(models.JobStatusQueued, models.JobStatusRunning),
		BudgetUSD: req.BudgetUSD,
		Artifacts: map[string]string{},
	}
	createdAt := e.now().UTC()

	if err := e.persist(ctx, st, createdAt, EventStarted); err != nil {
		return State{}, time.Time{}, err
	}
	log.Printf("🤖 [AGENT] Job %s started (task=%s budget=$%.4f)", st.JobID, st.TaskType, st.BudgetUSD)
	return st, createdAt, nil
}

// Resume continues a job from its latest checkpoint. It is used after an
// approval resolves and after a crash left a job running.
func (e *Executor) Resume(ctx context.Context, jobID string) (*models.OrchestrationJob, error) {
	st, createdAt, err := e.prepareResume(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if st.Status.IsTerminal() {
		return e.jobFromState(st, createdAt), nil
	}
	return e.run(ctx, st, createdAt)
}

// ResumeAsync is Resume in the background
func (e *Executor) ResumeAsync(ctx context.Context, jobID string) error {
	st, createdAt, err := e.prepareResume(ctx, jobID)
	if err != nil {
		return err
	}
	if st.Status.IsTerminal() {
		return nil
	}
	e.background(ctx, func(bg context.Context) error {
		_, err := e.run(bg, st, createdAt)
		return err
	})
	return nil
}

func (e *Executor) prepareResume(ctx context.Context, jobID string) (State, time.Time, error) {
	if err := e.toggles.Enforce(ctx, models.ToggleAgentJobsEnabled); err != nil {
		return State{}, time.Time{}, err
	}

	job, err := e.Get(ctx, jobID)
	if err != nil {
		return State{}, time.Time{}, err
	}
	st, err := e.loadState(ctx, e.checkpoints, jobID, nil)
	if err != nil {
		return State{}, time.Time{}, err
	}
	if st.Status == models.JobStatusWaitingApproval {
		st.Status = TransitionJobStatus(st.Status, models.JobStatusRunning)
		st.WaitingOn = ""
	}
	return st, job.CreatedAt, nil
}

// Cancel stops a job between steps. A running job observes the request
// before its next step; an idle job is finalized immediately. Either way the
// job ends failed with reason Cancelled and a final checkpoint.
func (e *Executor) Cancel(ctx context.Context, jobID string) (*models.OrchestrationJob, error) {
	job, err := e.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, apperrors.New(apperrors.KindInvalidTransition, "job %s already %s", jobID, job.Status)
	}

	e.cancelled.Store(jobID, struct{}{})
	if err := e.jobs.RequestCancel(ctx, jobID); err != nil {
		return nil, err
	}

	if !e.acquire(jobID) {
		log.Printf("🛑 [AGENT] Cancel requested for running job %s", jobID)
		job.CancelRequested = true
		return job, nil
	}
	defer e.release(jobID)

	st, err := e.loadState(ctx, e.checkpoints, jobID, nil)
	if err != nil {
		return nil, err
	}
	if st.Status.IsTerminal() {
		return e.jobFromState(st, job.CreatedAt), nil
	}
	return e.finish(ctx, st, job.CreatedAt, models.JobStatusFailed, models.JobReasonCancelled)
}

// HandleApprovalResolved resumes jobs parked on operationID when the request
// was approved and fails them when it was rejected
func (e *Executor) HandleApprovalResolved(ctx context.Context, operationID string, status models.ApprovalStatus) (int, error) {
	waiting, err := e.jobs.ListWaiting(ctx, operationID)
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, job := range waiting {
		switch status {
		case models.ApprovalStatusApproved:
			if err := e.ResumeAsync(ctx, job.JobID); err != nil {
				log.Printf("⚠️  [AGENT] Failed to resume job %s after approval: %v", job.JobID, err)
				continue
			}
		case models.ApprovalStatusRejected:
			if err := e.rejectWaiting(ctx, job); err != nil {
				log.Printf("⚠️  [AGENT] Failed to close job %s after rejection: %v", job.JobID, err)
				continue
			}
		default:
			continue
		}
		handled++
	}
	return handled, nil
}

func (e *Executor) rejectWaiting(ctx context.Context, job models.OrchestrationJob) error {
	if !e.acquire(job.JobID) {
		return apperrors.New(apperrors.KindInvalidTransition, "job %s is running", job.JobID)
	}
	defer e.release(job.JobID)

	st, err := e.loadState(ctx, e.checkpoints, job.JobID, nil)
	if err != nil {
		return err
	}
	if st.Status != models.JobStatusWaitingApproval {
		return nil
	}
	_, err = e.finish(ctx, st, job.CreatedAt, models.JobStatusFailed, models.JobReasonApprovalRejected)
	return err
}

// Get returns a job summary
func (e *Executor) Get(ctx context.Context, jobID string) (*models.OrchestrationJob, error) {
	job, err := e.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, apperrors.New(apperrors.KindNotFound, "job %s not found", jobID)
	}
	return job, nil
}

// ListByUser returns a user's jobs, newest first
func (e *Executor) ListByUser(ctx context.Context, userID string, limit int) ([]models.OrchestrationJob, error) {
	return e.jobs.ListByUser(ctx, userID, limit)
}

// Checkpoints lists a job's checkpoints in step order
func (e *Executor) Checkpoints(ctx context.Context, jobID string) ([]models.Checkpoint, error) {
	return e.checkpoints.List(ctx, jobID)
}

// Checkpoint loads one checkpoint, the latest when step is nil
func (e *Executor) Checkpoint(ctx context.Context, jobID string, step *int) (*models.Checkpoint, error) {
	return e.checkpoints.Load(ctx, jobID, step)
}

// Replay re-runs a job from checkpoint step on a scratch checkpoint store
// and returns the terminal state. Nothing is charged, routed or published;
// models are still invoked, so identical invoker answers reproduce the
// original terminal state.
func (e *Executor) Replay(ctx context.Context, jobID string, step int) (*State, error) {
	cps, err := e.checkpoints.List(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if step < 0 || step >= len(cps) {
		return nil, apperrors.New(apperrors.KindNotFound, "job %s has no checkpoint %d", jobID, step)
	}

	scratch := checkpoint.NewMemoryStore()
	for _, cp := range cps[:step+1] {
		if err := scratch.Save(ctx, jobID, cp.StepIndex, cp.StateSnapshot); err != nil {
			return nil, err
		}
	}

	replayer := &Executor{
		router:      e.router,
		checkpoints: scratch,
		jobs:        NewMemoryJobStore(),
		toggles:     e.toggles,
		invoker:     e.invoker,
		supervisor:  e.supervisor,
		workers:     e.workers,
		maxSteps:    e.maxSteps,
		dryRun:      true,
		now:         e.now,
	}

	st, err := replayer.loadState(ctx, scratch, jobID, nil)
	if err != nil {
		return nil, err
	}
	if st.Status == models.JobStatusWaitingApproval {
		st.Status = TransitionJobStatus(st.Status, models.JobStatusRunning)
		st.WaitingOn = ""
	}
	if !st.Status.IsTerminal() {
		if _, err := replayer.run(ctx, st, time.Time{}); err != nil {
			return nil, err
		}
	}

	final, err := replayer.loadState(ctx, scratch, jobID, nil)
	if err != nil {
		return nil, err
	}
	log.Printf("🔁 [AGENT] Replayed job %s from step %d: %s/%s after %d steps", jobID, step, final.Status, final.Reason, final.Steps)
	return &final, nil
}

// Wait blocks until background runs return
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) background(ctx context.Context, fn func(context.Context) error) {
	bg := context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("🔥 [AGENT] PANIC in background job run: %v", r)
			}
		}()
		if err := fn(bg); err != nil {
			log.Printf("⚠️  [AGENT] Background job run stopped: %v", err)
		}
	}()
}

func (e *Executor) acquire(jobID string) bool {
	_, loaded := e.active.LoadOrStore(jobID, struct{}{})
	return !loaded
}

func (e *Executor) release(jobID string) {
	e.active.Delete(jobID)
}

// run executes steps until the job finishes or parks. Job-level outcomes
// (completed, failed, waiting) are reported through the returned job; an
// error means the run itself could not continue and the job stays resumable
// at its latest checkpoint.
func (e *Executor) run(ctx context.Context, st State, createdAt time.Time) (*models.OrchestrationJob, error) {
	if !e.acquire(st.JobID) {
		return nil, apperrors.New(apperrors.KindInvalidTransition, "job %s is already running", st.JobID)
	}
	defer e.release(st.JobID)

	logger := logging.WithJob(st.JobID, st.UserID)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.cancelRequested(ctx, st.JobID) {
			return e.finish(ctx, st, createdAt, models.JobStatusFailed, models.JobReasonCancelled)
		}

		d := e.supervisor.Next(st)
		stepLog := logging.WithStep(logger, st.StepIndex+1, d.Node)

		if d.Node == NodeTerminal {
			stepLog.Info("goal satisfied", "reason", d.Reason)
			return e.finish(ctx, st, createdAt, models.JobStatusCompleted, models.JobReasonGoalSatisfied)
		}
		if st.Steps >= e.maxSteps {
			stepLog.Warn("step cap reached", "max_steps", e.maxSteps)
			return e.finish(ctx, st, createdAt, models.JobStatusFailed, models.JobReasonMaxStepsExceeded)
		}

		next, parked, err := e.step(ctx, st, d, stepLog)
		if err != nil {
			var appErr *apperrors.Error
			if errors.As(err, &appErr) && appErr.Kind == apperrors.KindOutOfOrderCheckpoint {
				return nil, err
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			stepLog.Warn("step failed", "error", err)
			return e.finish(ctx, st, createdAt, models.JobStatusFailed, failureReason(err))
		}
		if parked {
			if err := e.persist(ctx, next, createdAt, EventWaiting); err != nil {
				return nil, err
			}
			log.Printf("⏸️  [AGENT] Job %s waiting for approval of %s", st.JobID, next.WaitingOn)
			return e.jobFromState(next, createdAt), nil
		}
		if e.cancelRequested(ctx, st.JobID) {
			// the in-flight result is discarded
			return e.finish(ctx, st, createdAt, models.JobStatusFailed, models.JobReasonCancelled)
		}

		if err := e.persist(ctx, next, createdAt, EventStep); err != nil {
			return nil, err
		}
		e.metrics.RecordAgentStep(d.Node, d.Economy)
		st = next

		// the provider reported more than the estimate admitted
		if st.CostAccrued > st.BudgetUSD {
			stepLog.Warn("reported cost overran job budget", "cost_accrued", st.CostAccrued, "budget_usd", st.BudgetUSD)
			return e.finish(ctx, st, createdAt, models.JobStatusFailed, models.JobReasonBudgetExceeded)
		}
	}
}

// step runs one worker. It returns the next state, or a parked state when
// the worker's operation needs approval.
func (e *Executor) step(ctx context.Context, st State, d Dispatch, logger *slog.Logger) (State, bool, error) {
	worker, ok := e.workers[d.Node]
	if !ok {
		return State{}, false, fmt.Errorf("no worker registered for node %s", d.Node)
	}

	operationID, input := worker.Operation(st, d.Economy)
	est, err := e.router.Estimate(ctx, operationID, input)
	if err != nil {
		return State{}, false, err
	}
	if st.CostAccrued+est.Cost > st.BudgetUSD {
		return State{}, false, apperrors.New(apperrors.KindBudgetExceeded,
			"job %s: accrued $%.6f + estimated $%.6f exceeds budget $%.6f", st.JobID, st.CostAccrued, est.Cost, st.BudgetUSD)
	}

	rationale := router.FormatRationale(router.Rationale{
		OperationID:  operationID,
		Model:        est.Model,
		Criticality:  est.Route.CostCriticality,
		Cost:         est.Cost,
		InputTokens:  est.InputTokens,
		OutputTokens: est.OutputTokens,
		Fallback:     est.Route.FallbackModel,
		Note:         fmt.Sprintf("node=%s %s", d.Node, d.Reason),
	})
	logger.Info("dispatch", "rationale", rationale, "economy", d.Economy)
	log.Printf("🤖 [AGENT] job=%s step=%d %s", st.JobID, st.StepIndex+1, rationale)

	model := est.Model
	cost := est.Cost
	if !e.dryRun {
		decision, err := e.router.Route(ctx, router.Request{
			OperationID: operationID,
			Input:       input,
			UserID:      st.UserID,
			JobID:       st.JobID,
		})
		if errors.Is(err, apperrors.ErrApprovalRequired) {
			return Park(st, operationID), true, nil
		}
		if err != nil {
			return State{}, false, err
		}
		model = decision.Model
		cost = decision.EstimatedCost
	}

	started := e.now()
	result, err := e.invoker.Invoke(ctx, InvokeRequest{
		JobID:       st.JobID,
		Step:        st.StepIndex + 1,
		Node:        d.Node,
		OperationID: operationID,
		Model:       model,
		Payload:     input,
	})
	latency := e.now().Sub(started)
	if err != nil {
		e.logOperation(ctx, st, models.OperationMetrics{
			OperationType: operationID,
			ModelUsed:     model,
			JobID:         st.JobID,
			Cost:          cost,
			Latency:       latency,
			Success:       false,
			Error:         err.Error(),
		})
		return State{}, false, fmt.Errorf("worker %s failed: %w", d.Node, err)
	}

	recorded := cost
	if result.Cost > 0 {
		recorded = result.Cost
	}
	e.logOperation(ctx, st, models.OperationMetrics{
		OperationType: operationID,
		ModelUsed:     model,
		JobID:         st.JobID,
		InputTokens:   result.InputTokens,
		OutputTokens:  result.OutputTokens,
		Cost:          recorded,
		Latency:       latency,
		Success:       true,
	})

	out := worker.Apply(st, *result)
	out.OperationID = operationID
	out.Model = model
	out.Cost = recorded
	out.Economy = d.Economy
	return Transition(st, out), false, nil
}

func (e *Executor) logOperation(ctx context.Context, st State, m models.OperationMetrics) {
	if e.dryRun || e.ledger == nil {
		return
	}
	if _, err := e.ledger.LogOperation(ctx, st.UserID, m); err != nil {
		log.Printf("⚠️  [AGENT] Failed to record %s for job %s: %v", m.OperationType, st.JobID, err)
	}
}

func (e *Executor) finish(ctx context.Context, st State, createdAt time.Time, status models.JobStatus, reason string) (*models.OrchestrationJob, error) {
	final := Finish(st, status, reason)
	if err := e.persist(ctx, final, createdAt, EventFinished); err != nil {
		return nil, err
	}
	if !e.dryRun {
		e.metrics.RecordJobFinished(string(final.Status), reason)
		e.cancelled.Delete(st.JobID)
	}

	icon := "✅"
	if final.Status == models.JobStatusFailed {
		icon = "❌"
	}
	log.Printf("%s [AGENT] Job %s %s (%s) after %d steps, cost $%.6f", icon, st.JobID, final.Status, reason, final.Steps, final.CostAccrued)
	return e.jobFromState(final, createdAt), nil
}

// persist writes the checkpoint first; the job summary and the event follow
// only once the checkpoint is stored
func (e *Executor) persist(ctx context.Context, st State, createdAt time.Time, event string) error {
	snapshot, err := st.Encode()
	if err != nil {
		return err
	}
	if err := e.checkpoints.Save(ctx, st.JobID, st.StepIndex, snapshot); err != nil {
		if !e.dryRun {
			e.metrics.RecordCheckpointSave(string(apperrors.KindOf(err)))
		}
		return err
	}
	if e.dryRun {
		return nil
	}
	e.metrics.RecordCheckpointSave("ok")

	job := e.jobFromState(st, createdAt)
	if err := e.jobs.Upsert(ctx, job); err != nil {
		return err
	}
	e.publish(ctx, event, job)
	return nil
}

func (e *Executor) publish(ctx context.Context, event string, job *models.OrchestrationJob) {
	if e.publisher == nil {
		return
	}
	err := e.publisher.Publish(ctx, Topic, event, map[string]any{
		"job_id":       job.JobID,
		"user_id":      job.UserID,
		"status":       string(job.Status),
		"reason":       job.Reason,
		"node":         job.CurrentNode,
		"step_index":   job.StepIndex,
		"cost_accrued": job.CostAccrued,
		"waiting_on":   job.WaitingOn,
	})
	if err != nil {
		log.Printf("⚠️  [AGENT] Failed to publish %s for job %s: %v", event, job.JobID, err)
	}
}

func (e *Executor) cancelRequested(ctx context.Context, jobID string) bool {
	if e.dryRun {
		return false
	}
	if _, ok := e.cancelled.Load(jobID); ok {
		return true
	}
	job, err := e.jobs.Get(ctx, jobID)
	if err != nil || job == nil {
		return false
	}
	return job.CancelRequested
}

func (e *Executor) loadState(ctx context.Context, store checkpoint.Store, jobID string, step *int) (State, error) {
	cp, err := store.Load(ctx, jobID, step)
	if err != nil {
		return State{}, err
	}
	return DecodeState(cp.StateSnapshot)
}

func (e *Executor) jobFromState(st State, createdAt time.Time) *models.OrchestrationJob {
	return &models.OrchestrationJob{
		JobID:       st.JobID,
		UserID:      st.UserID,
		TaskType:    st.TaskType,
		Goal:        st.Goal,
		CurrentNode: st.Node,
		Status:      st.Status,
		Reason:      st.Reason,
		BudgetUSD:   st.BudgetUSD,
		CostAccrued: st.CostAccrued,
		StepIndex:   st.StepIndex,
		WaitingOn:   st.WaitingOn,
		CreatedAt:   createdAt,
		UpdatedAt:   e.now().UTC(),
	}
}

func failureReason(err error) string {
	switch apperrors.KindOf(err) {
	case apperrors.KindBudgetExceeded:
		return models.JobReasonBudgetExceeded
	case apperrors.KindMaxStepsExceeded:
		return models.JobReasonMaxStepsExceeded
	case apperrors.KindCancelled:
		return models.JobReasonCancelled
	case apperrors.KindOperationDisabled, apperrors.KindNotConfigured, apperrors.KindToggleLocked:
		return models.JobReasonOperationBlocked
	default:
		return models.JobReasonWorkerFailed
	}
}
