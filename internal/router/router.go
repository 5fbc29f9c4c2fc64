package router

import (
	"context"
	"fmt"
	"log"
	"time"

	"helixgate/internal/apperrors"
	"helixgate/internal/approval"
	"helixgate/internal/audit"
	"helixgate/internal/models"
	"helixgate/internal/services"
	"helixgate/internal/toggles"
)

// RouteSource resolves an operation's route, failing NotConfigured when it
// is absent. routeconfig.Cache implements it.
type RouteSource interface {
	Get(ctx context.Context, operationID string) (*models.OperationRoute, error)
}

// Budgeter is the ledger surface the router needs
type Budgeter interface {
	CheckBudget(ctx context.Context, userID string, amount float64) error
	Reserve(ctx context.Context, userID string, amount float64) (*models.Budget, error)
}

// Auditor confirms pre-execution entries
type Auditor interface {
	Confirm(ctx context.Context, e audit.Entry) (audit.Entry, error)
}

// Alerter receives best-effort anomaly alerts
type Alerter interface {
	Alert(ctx context.Context, alertType, severity, message string, details map[string]any)
}

// Request asks for a routing decision
type Request struct {
	OperationID      string `json:"operation_id"`
	Input            []byte `json:"-"`
	UserID           string `json:"user_id,omitempty"`
	RequiresApproval bool   `json:"requires_approval,omitempty"`
	JobID            string `json:"job_id,omitempty"`
}

// Estimate is the side-effect-free cost estimate for a request
type Estimate struct {
	Route        *models.OperationRoute
	Model        string
	InputTokens  int
	OutputTokens int
	Cost         float64
}

// Deps are the router's collaborators. Alerter and Metrics may be nil.
type Deps struct {
	Routes    RouteSource
	Toggles   toggles.Reader
	Approvals approval.Checker
	Budget    Budgeter
	Auditor   Auditor
	Pricing   *Pricing
	Alerter   Alerter
	Metrics   *services.Metrics
}

// Router decides which model an operation should use. It never calls the
// model and never substitutes the fallback model itself.
type Router struct {
	routes    RouteSource
	toggles   toggles.Reader
	approvals approval.Checker
	budget    Budgeter
	auditor   Auditor
	pricing   *Pricing
	alerter   Alerter
	metrics   *services.Metrics
	now       func() time.Time
}

// New creates a router
func New(d Deps) *Router {
	if d.Pricing == nil {
		d.Pricing = NewPricing(nil, DefaultRate)
	}
	return &Router{
		routes:    d.Routes,
		toggles:   d.Toggles,
		approvals: d.Approvals,
		budget:    d.Budget,
		auditor:   d.Auditor,
		pricing:   d.Pricing,
		alerter:   d.Alerter,
		metrics:   d.Metrics,
		now:       time.Now,
	}
}

// Pricing returns the router's price table
func (r *Router) Pricing() *Pricing {
	return r.pricing
}

// Route runs the full decision: route lookup, enabled flag, safety toggles,
// approval, budget pre-check, confirmed audit, then the atomic reservation.
// Every failure is returned to the caller.
func (r *Router) Route(ctx context.Context, req Request) (*models.RoutingDecision, error) {
	start := r.now()
	decision, err := r.route(ctx, req)

	outcome := "ok"
	if err != nil {
		outcome = string(apperrors.KindOf(err))
		log.Printf("🚦 [ROUTER] %s denied for user=%q: %v", req.OperationID, req.UserID, err)
	}
	r.metrics.RecordRoute(req.OperationID, outcome, r.now().Sub(start).Seconds())
	return decision, err
}

func (r *Router) route(ctx context.Context, req Request) (*models.RoutingDecision, error) {
	est, err := r.Estimate(ctx, req.OperationID, req.Input)
	if err != nil {
		return nil, err
	}
	route := est.Route

	if err := r.toggles.Enforce(ctx, models.ToggleRoutingEnabled); err != nil {
		return nil, err
	}
	if err := r.toggles.EnforceIfPresent(ctx, models.OperationToggleName(req.OperationID)); err != nil {
		return nil, err
	}

	if route.CostCriticality == models.CostCriticalityHigh || req.RequiresApproval {
		approved, err := r.approvals.CheckApproval(ctx, req.OperationID)
		if err != nil {
			return nil, fmt.Errorf("approval lookup for %s: %w", req.OperationID, err)
		}
		if !approved {
			r.alert(ctx, "approval_required", audit.SeverityInfo,
				fmt.Sprintf("Operation %s requires approval before it can run", req.OperationID),
				map[string]any{"operation_id": req.OperationID, "user_id": req.UserID, "cost_criticality": string(route.CostCriticality)})
			return nil, apperrors.New(apperrors.KindApprovalRequired,
				"operation %q requires an APPROVED request (criticality %s)", req.OperationID, route.CostCriticality)
		}
	}

	if req.UserID != "" {
		if err := r.budget.CheckBudget(ctx, req.UserID, est.Cost); err != nil {
			return nil, err
		}
	}

	entry, err := r.auditor.Confirm(ctx, audit.PreExecution(req.OperationID, req.UserID, req.JobID, est.Model, est.Cost))
	if err != nil {
		return nil, err
	}

	if req.UserID != "" {
		if _, err := r.budget.Reserve(ctx, req.UserID, est.Cost); err != nil {
			r.withdraw(ctx, entry, err)
			if apperrors.KindOf(err) == apperrors.KindBudgetExceeded {
				r.alert(ctx, "budget_exceeded", audit.SeverityWarning,
					fmt.Sprintf("User %s hit the daily budget on %s", req.UserID, req.OperationID),
					map[string]any{"operation_id": req.OperationID, "user_id": req.UserID, "estimated_cost": est.Cost})
			}
			return nil, err
		}
	}

	r.metrics.RecordSpend(est.Model, est.Cost)

	decision := &models.RoutingDecision{
		OperationID:           req.OperationID,
		Model:                 est.Model,
		FallbackModel:         route.FallbackModel,
		EstimatedCost:         est.Cost,
		EstimatedInputTokens:  est.InputTokens,
		EstimatedOutputTokens: est.OutputTokens,
		Rationale: FormatRationale(Rationale{
			OperationID:  req.OperationID,
			Model:        est.Model,
			Criticality:  route.CostCriticality,
			Cost:         est.Cost,
			InputTokens:  est.InputTokens,
			OutputTokens: est.OutputTokens,
			Fallback:     route.FallbackModel,
		}),
		AuditID:   entry.ID,
		DecidedAt: r.now().UTC(),
	}

	log.Printf("🚦 [ROUTER] %s", decision.Rationale)
	return decision, nil
}

// Estimate resolves the route and prices its primary model without any
// side effect besides populating the route cache. Disabled routes fail
// OperationDisabled here too.
func (r *Router) Estimate(ctx context.Context, operationID string, input []byte) (*Estimate, error) {
	route, err := r.routes.Get(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if !route.Enabled {
		return nil, apperrors.New(apperrors.KindOperationDisabled, "operation %q is disabled", operationID)
	}

	in := EstimateInputTokens(input)
	out := route.OutputTokens()
	return &Estimate{
		Route:        route,
		Model:        route.PrimaryModel,
		InputTokens:  in,
		OutputTokens: out,
		Cost:         r.pricing.Estimate(route.PrimaryModel, in, out),
	}, nil
}

// withdraw follows a confirmed pre-execution entry with a denied entry when
// the reservation behind it fails
func (r *Router) withdraw(ctx context.Context, pre audit.Entry, cause error) {
	reason := string(apperrors.KindOf(cause)) + ": " + cause.Error()
	if _, err := r.auditor.Confirm(context.WithoutCancel(ctx), audit.Denied(pre, reason)); err != nil {
		log.Printf("⚠️  [ROUTER] Failed to record denial of %s (audit %s): %v", pre.OperationID, pre.ID, err)
	}
}

func (r *Router) alert(ctx context.Context, alertType, severity, message string, details map[string]any) {
	if r.alerter != nil {
		r.alerter.Alert(ctx, alertType, severity, message, details)
	}
}

// Rationale is the shared shape of routing explanations, used by the router
// and by the agent supervisor
type Rationale struct {
	OperationID  string
	Model        string
	Criticality  models.CostCriticality
	Cost         float64
	InputTokens  int
	OutputTokens int
	Fallback     string
	Note         string
}

// FormatRationale renders a Rationale as a single log-friendly line
func FormatRationale(r Rationale) string {
	s := fmt.Sprintf("operation=%s model=%s criticality=%s est_cost=$%.6f tokens=%d/%d",
		r.OperationID, r.Model, r.Criticality, r.Cost, r.InputTokens, r.OutputTokens)
	if r.Fallback != "" {
		s += fmt.Sprintf(" fallback=%s (caller retry only)", r.Fallback)
	}
	if r.Note != "" {
		s += " note=" + r.Note
	}
	return s
}
