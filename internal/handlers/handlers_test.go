package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"helixgate/internal/agentgraph"
	"helixgate/internal/apperrors"
	"helixgate/internal/approval"
	"helixgate/internal/audit"
	"helixgate/internal/checkpoint"
	"helixgate/internal/ledger"
	"helixgate/internal/models"
	"helixgate/internal/routeconfig"
	"helixgate/internal/router"
	"helixgate/internal/toggleadmin"
	"helixgate/internal/toggles"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
)

const testModel = "unit-model"

type testStack struct {
	app      *fiber.App
	routes   *routeconfig.MemoryStore
	executor *agentgraph.Executor
}

func testRoute(id string, criticality models.CostCriticality) models.OperationRoute {
	return models.OperationRoute{
		OperationID:          id,
		PrimaryModel:         testModel,
		FallbackModel:        "backup-model",
		Enabled:              true,
		CostCriticality:      criticality,
		ExpectedOutputTokens: 10,
	}
}

// fakeAuth stands in for the JWT middleware: X-Test-User and X-Test-Role set
// the caller
func fakeAuth(c *fiber.Ctx) error {
	if user := c.Get("X-Test-User"); user != "" {
		c.Locals("user_id", utils.CopyString(user))
	}
	if role := c.Get("X-Test-Role"); role != "" {
		c.Locals("user_role", utils.CopyString(role))
	}
	return c.Next()
}

func requireAdmin(c *fiber.Ctx) error {
	if !isAdmin(c) {
		return forbidden(c)
	}
	return c.Next()
}

func setupTestApp(t *testing.T) *testStack {
	t.Helper()

	routes := []models.OperationRoute{
		testRoute("generate_draft", models.CostCriticalityLow),
		testRoute("publish_listing", models.CostCriticalityHigh),
	}
	for _, op := range []string{agentgraph.OpAnalyze, agentgraph.OpDraft, agentgraph.OpReview, agentgraph.OpSummarize} {
		routes = append(routes, testRoute(op, models.CostCriticalityLow), testRoute(op+agentgraph.LiteSuffix, models.CostCriticalityLow))
	}
	routeStore := routeconfig.NewMemoryStore(routes...)
	cache := routeconfig.NewCache(routeStore, time.Minute)

	toggleStore := toggleadmin.NewMemoryStore()
	guard := toggles.NewGuard(toggleStore, 0)
	admin := toggleadmin.New(toggleStore, guard, nil)
	if err := admin.Seed(context.Background(), models.DefaultToggles()); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	gate := approval.NewGate(approval.NewMemoryStore(), nil, nil)
	l := ledger.New(ledger.NewMemoryRecordStore(), ledger.NewMemoryBudgetStore(), ledger.NewMemoryCounter(), nil, ledger.Config{
		DefaultDailyLimitUSD:       5,
		DefaultWarningThresholdUSD: 4,
	})
	confirmer := audit.NewConfirmer(audit.NewMemorySink(), audit.NewChain(""), audit.ConfirmerConfig{
		MaxAttempts:    1,
		AttemptTimeout: 50 * time.Millisecond,
		Backoff:        apperrors.NewBackoffCalculator(time.Millisecond, time.Millisecond, 2, 0),
	})

	r := router.New(router.Deps{
		Routes:    cache,
		Toggles:   guard,
		Approvals: gate,
		Budget:    l,
		Auditor:   confirmer,
		Pricing:   router.NewPricing([]models.ModelPricing{{Model: testModel, OutputPerMillion: 10_000}}, router.DefaultRate),
	})

	invoker := agentgraph.InvokerFunc(func(_ context.Context, req agentgraph.InvokeRequest) (*agentgraph.InvokeResult, error) {
		res := &agentgraph.InvokeResult{Text: req.Node + " output", OutputTokens: 10}
		if req.Node == agentgraph.NodeReviewer {
			res.Verdict = agentgraph.VerdictApprove
		}
		return res, nil
	})
	exec := agentgraph.NewExecutor(agentgraph.Deps{
		Router:      r,
		Ledger:      l,
		Checkpoints: checkpoint.NewMemoryStore(),
		Jobs:        agentgraph.NewMemoryJobStore(),
		Toggles:     guard,
		Invoker:     invoker,
	})

	app := fiber.New()
	app.Use(fakeAuth)

	routeHandler := NewRouteHandler(r)
	ledgerHandler := NewLedgerHandler(l)
	approvalHandler := NewApprovalHandler(gate, routeStore)
	jobHandler := NewJobHandler(exec)
	adminHandler := NewAdminHandler(AdminDeps{
		Routes:    routeStore,
		Cache:     cache,
		Ledger:    l,
		Toggles:   admin,
		Approvals: gate,
	})

	api := app.Group("/api")
	api.Post("/route", routeHandler.Route)
	api.Post("/route/estimate", routeHandler.Estimate)
	api.Post("/operations", ledgerHandler.LogOperation)
	api.Get("/users/:id/budget", ledgerHandler.GetBudget)
	api.Get("/users/:id/operations", ledgerHandler.ListOperations)
	api.Post("/approvals", approvalHandler.Create)
	api.Get("/approvals/pending", approvalHandler.ListPending)
	api.Get("/approvals/:operationId", approvalHandler.Get)
	api.Post("/jobs", jobHandler.Start)
	api.Get("/jobs", jobHandler.List)
	api.Get("/jobs/:id", jobHandler.Get)
	api.Post("/jobs/:id/cancel", jobHandler.Cancel)
	api.Get("/jobs/:id/checkpoints", jobHandler.Checkpoints)
	api.Get("/jobs/:id/checkpoints/:step", jobHandler.Checkpoint)

	adm := api.Group("/admin", requireAdmin)
	adm.Put("/routes/:id", adminHandler.UpsertRoute)
	adm.Put("/budgets/:user", adminHandler.SetBudget)
	adm.Put("/toggles/:name", adminHandler.SetToggle)
	adm.Post("/toggles/:name/lock", adminHandler.LockToggle)
	adm.Post("/toggles/:name/unlock", adminHandler.UnlockToggle)
	adm.Post("/approvals/:id/resolve", adminHandler.ResolveApproval)
	adm.Post("/jobs/:id/replay/:step", jobHandler.Replay)

	return &testStack{app: app, routes: routeStore, executor: exec}
}

type call struct {
	method string
	path   string
	body   any
	user   string
	role   string
}

func (s *testStack) do(t *testing.T, c call) (int, map[string]any) {
	t.Helper()

	var body io.Reader
	if c.body != nil {
		b, _ := json.Marshal(c.body)
		body = bytes.NewReader(b)
	}
	req := httptest.NewRequest(c.method, c.path, body)
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.Header.Set("X-Test-User", c.user)
	}
	if c.role != "" {
		req.Header.Set("X-Test-Role", c.role)
	}

	resp, err := s.app.Test(req, 5000)
	if err != nil {
		t.Fatalf("%s %s failed: %v", c.method, c.path, err)
	}
	raw, _ := io.ReadAll(resp.Body)
	out := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("%s %s returned non-JSON body %q", c.method, c.path, raw)
		}
	}
	return resp.StatusCode, out
}

func TestRoute_DecisionAndErrors(t *testing.T) {
	s := setupTestApp(t)

	status, body := s.do(t, call{method: "POST", path: "/api/route", user: "u1",
		body: map[string]any{"operation_id": "generate_draft", "input": "hello"}})
	if status != fiber.StatusOK {
		t.Fatalf("Expected 200, got %d: %v", status, body)
	}
	if body["model"] != testModel || body["fallback_model"] != "backup-model" {
		t.Errorf("Unexpected decision %v", body)
	}
	if body["estimated_cost"].(float64) != 0.10 {
		t.Errorf("Expected cost 0.10, got %v", body["estimated_cost"])
	}

	tests := []struct {
		name       string
		opID       string
		wantStatus int
		wantCode   apperrors.Kind
	}{
		{"unknown operation", "nope", fiber.StatusNotFound, apperrors.KindNotConfigured},
		{"high criticality", "publish_listing", fiber.StatusAccepted, apperrors.KindApprovalRequired},
		{"missing id", "", fiber.StatusBadRequest, apperrors.KindInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := s.do(t, call{method: "POST", path: "/api/route", user: "u1",
				body: map[string]any{"operation_id": tt.opID}})
			if status != tt.wantStatus || body["error_code"] != string(tt.wantCode) {
				t.Errorf("Expected %d/%s, got %d/%v", tt.wantStatus, tt.wantCode, status, body["error_code"])
			}
			if body["retryable"] != false {
				t.Errorf("Expected policy refusal to be non-retryable, got %v", body["retryable"])
			}
		})
	}
}

func TestRoute_DisabledRoute(t *testing.T) {
	s := setupTestApp(t)

	disabled := testRoute("generate_draft", models.CostCriticalityLow)
	disabled.Enabled = false
	status, _ := s.do(t, call{method: "PUT", path: "/api/admin/routes/generate_draft", user: "ops", role: "admin", body: disabled})
	if status != fiber.StatusOK {
		t.Fatalf("Expected route update to succeed, got %d", status)
	}

	status, body := s.do(t, call{method: "POST", path: "/api/route", user: "u1",
		body: map[string]any{"operation_id": "generate_draft"}})
	if status != fiber.StatusForbidden || body["error_code"] != string(apperrors.KindOperationDisabled) {
		t.Fatalf("Expected operation_disabled, got %d %v", status, body)
	}
}

func TestApprovalFlowAppliesProposedConfig(t *testing.T) {
	s := setupTestApp(t)

	proposed := testRoute("publish_listing", models.CostCriticalityHigh)
	proposed.PrimaryModel = "bigger-model"

	status, created := s.do(t, call{method: "POST", path: "/api/approvals", user: "u1", body: map[string]any{
		"operation_id":       "publish_listing",
		"change_description": "switch to bigger model",
		"proposed_config":    proposed,
	}})
	if status != fiber.StatusCreated || created["status"] != string(models.ApprovalStatusPending) {
		t.Fatalf("Expected PENDING request, got %d %v", status, created)
	}
	requestID := created["id"].(string)

	_, pending := s.do(t, call{method: "GET", path: "/api/approvals/pending", user: "u1"})
	if pending["count"].(float64) != 1 {
		t.Fatalf("Expected 1 pending request, got %v", pending["count"])
	}

	status, _ = s.do(t, call{method: "POST", path: "/api/admin/approvals/" + requestID + "/resolve", user: "u1",
		body: map[string]any{"status": "APPROVED"}})
	if status != fiber.StatusForbidden {
		t.Fatalf("Expected non-admin resolve to be forbidden, got %d", status)
	}

	status, resolved := s.do(t, call{method: "POST", path: "/api/admin/approvals/" + requestID + "/resolve", user: "ops", role: "admin",
		body: map[string]any{"status": "APPROVED", "note": "ok"}})
	if status != fiber.StatusOK || resolved["config_applied"] != true {
		t.Fatalf("Expected approval with applied config, got %d %v", status, resolved)
	}

	status, body := s.do(t, call{method: "POST", path: "/api/admin/approvals/" + requestID + "/resolve", user: "ops", role: "admin",
		body: map[string]any{"status": "REJECTED"}})
	if status != fiber.StatusConflict || body["error_code"] != string(apperrors.KindInvalidTransition) {
		t.Fatalf("Expected second resolution to conflict, got %d %v", status, body)
	}

	route, _ := s.routes.GetRoute(context.Background(), "publish_listing")
	if route.PrimaryModel != "bigger-model" {
		t.Fatalf("Expected proposed config to be applied, got %s", route.PrimaryModel)
	}

	status, decision := s.do(t, call{method: "POST", path: "/api/route", user: "u1",
		body: map[string]any{"operation_id": "publish_listing"}})
	if status != fiber.StatusOK || decision["model"] != "bigger-model" {
		t.Fatalf("Expected approved route to use the new model, got %d %v", status, decision)
	}
}

func TestToggleLockBlocksRouting(t *testing.T) {
	s := setupTestApp(t)
	admin := call{user: "ops", role: "admin"}

	status, _ := s.do(t, call{method: "PUT", path: "/api/admin/toggles/" + models.ToggleRoutingEnabled, user: admin.user, role: admin.role,
		body: map[string]any{"enabled": false}})
	if status != fiber.StatusOK {
		t.Fatalf("Expected toggle update, got %d", status)
	}
	status, _ = s.do(t, call{method: "POST", path: "/api/admin/toggles/" + models.ToggleRoutingEnabled + "/lock", user: admin.user, role: admin.role})
	if status != fiber.StatusOK {
		t.Fatalf("Expected lock, got %d", status)
	}

	status, body := s.do(t, call{method: "PUT", path: "/api/admin/toggles/" + models.ToggleRoutingEnabled, user: admin.user, role: admin.role,
		body: map[string]any{"enabled": true}})
	if status != fiber.StatusForbidden || body["error_code"] != string(apperrors.KindToggleLocked) {
		t.Fatalf("Expected locked toggle to refuse enabling, got %d %v", status, body)
	}

	status, body = s.do(t, call{method: "POST", path: "/api/route", user: "u1",
		body: map[string]any{"operation_id": "generate_draft"}})
	if status != fiber.StatusForbidden || body["error_code"] != string(apperrors.KindToggleLocked) {
		t.Fatalf("Expected toggle_locked, got %d %v", status, body)
	}

	s.do(t, call{method: "POST", path: "/api/admin/toggles/" + models.ToggleRoutingEnabled + "/unlock", user: admin.user, role: admin.role})
	s.do(t, call{method: "PUT", path: "/api/admin/toggles/" + models.ToggleRoutingEnabled, user: admin.user, role: admin.role,
		body: map[string]any{"enabled": true}})

	status, _ = s.do(t, call{method: "POST", path: "/api/route", user: "u1",
		body: map[string]any{"operation_id": "generate_draft"}})
	if status != fiber.StatusOK {
		t.Fatalf("Expected routing to work after explicit unlock, got %d", status)
	}
}

func TestLedgerEndpoints(t *testing.T) {
	s := setupTestApp(t)

	status, _ := s.do(t, call{method: "POST", path: "/api/operations", user: "u1", body: map[string]any{
		"operation_type": "generate_draft",
		"model_used":     testModel,
		"input_tokens":   100,
		"output_tokens":  50,
		"cost":           0.25,
		"latency_ms":     1200,
		"success":        true,
	}})
	if status != fiber.StatusCreated {
		t.Fatalf("Expected 201, got %d", status)
	}

	status, _ = s.do(t, call{method: "POST", path: "/api/operations", user: "u1", body: map[string]any{
		"operation_type": "generate_draft",
		"cost":           -1,
	}})
	if status != fiber.StatusBadRequest {
		t.Fatalf("Expected negative cost to be rejected, got %d", status)
	}

	_, ops := s.do(t, call{method: "GET", path: "/api/users/u1/operations", user: "u1"})
	if ops["count"].(float64) != 1 {
		t.Fatalf("Expected 1 operation, got %v", ops["count"])
	}

	status, _ = s.do(t, call{method: "GET", path: "/api/users/u1/budget", user: "u2"})
	if status != fiber.StatusForbidden {
		t.Fatalf("Expected another user's budget to be forbidden, got %d", status)
	}

	status, _ = s.do(t, call{method: "PUT", path: "/api/admin/budgets/u1", user: "ops", role: "admin",
		body: map[string]any{"daily_limit_usd": 0.15, "warning_threshold_usd": 0.1}})
	if status != fiber.StatusOK {
		t.Fatalf("Expected budget update, got %d", status)
	}

	s.do(t, call{method: "POST", path: "/api/route", user: "u1", body: map[string]any{"operation_id": "generate_draft"}})
	status, body := s.do(t, call{method: "POST", path: "/api/route", user: "u1", body: map[string]any{"operation_id": "generate_draft"}})
	if status != fiber.StatusPaymentRequired || body["error_code"] != string(apperrors.KindBudgetExceeded) {
		t.Fatalf("Expected second $0.10 route to exceed the $0.15 budget, got %d %v", status, body)
	}

	_, budget := s.do(t, call{method: "GET", path: "/api/users/u1/budget", user: "u1"})
	if remaining := budget["remaining"].(float64); remaining < 0.049 || remaining > 0.051 {
		t.Fatalf("Expected $0.05 remaining, got %v", remaining)
	}
}

func TestAdminWritesKeepPathParams(t *testing.T) {
	s := setupTestApp(t)
	route := testRoute("", models.CostCriticalityLow)

	status, _ := s.do(t, call{method: "PUT", path: "/api/admin/routes/ops_alpha", user: "ops", role: "admin", body: route})
	if status != fiber.StatusOK {
		t.Fatalf("Expected route upsert, got %d", status)
	}
	status, _ = s.do(t, call{method: "PUT", path: "/api/admin/budgets/user_alpha", user: "ops", role: "admin",
		body: map[string]any{"daily_limit_usd": 3, "warning_threshold_usd": 2}})
	if status != fiber.StatusOK {
		t.Fatalf("Expected budget update, got %d", status)
	}

	// same-length paths reuse the request buffers of the writes above
	for _, id := range []string{"ops_bravo", "ops_charl", "ops_delta"} {
		s.do(t, call{method: "PUT", path: "/api/admin/routes/" + id, user: "ops", role: "admin", body: route})
		s.do(t, call{method: "GET", path: "/api/users/" + id + "/budget", user: id})
	}

	stored, err := s.routes.GetRoute(context.Background(), "ops_alpha")
	if err != nil || stored == nil {
		t.Fatalf("Expected ops_alpha to be stored, got %v", err)
	}
	if stored.OperationID != "ops_alpha" {
		t.Errorf("Expected stored operation ID ops_alpha, got %q", stored.OperationID)
	}

	_, body := s.do(t, call{method: "GET", path: "/api/users/user_alpha/budget", user: "user_alpha"})
	budget, _ := body["budget"].(map[string]any)
	if budget["user_id"] != "user_alpha" || budget["daily_limit_usd"] != 3.0 {
		t.Errorf("Expected user_alpha budget of $3, got %v", budget)
	}
}

func TestJobEndpoints(t *testing.T) {
	s := setupTestApp(t)

	status, body := s.do(t, call{method: "POST", path: "/api/jobs", user: "u1",
		body: map[string]any{"goal": "write a listing", "budget_usd": 1.0}})
	if status != fiber.StatusAccepted {
		t.Fatalf("Expected 202, got %d %v", status, body)
	}
	jobID := body["job_id"].(string)
	s.executor.Wait()

	_, job := s.do(t, call{method: "GET", path: "/api/jobs/" + jobID, user: "u1"})
	if job["status"] != string(models.JobStatusCompleted) {
		t.Fatalf("Expected completed job, got %v", job)
	}

	status, _ = s.do(t, call{method: "GET", path: "/api/jobs/" + jobID, user: "u2"})
	if status != fiber.StatusForbidden {
		t.Fatalf("Expected another user's job to be forbidden, got %d", status)
	}

	_, cps := s.do(t, call{method: "GET", path: "/api/jobs/" + jobID + "/checkpoints", user: "u1"})
	count := int(cps["count"].(float64))
	if count != int(job["step_index"].(float64))+1 {
		t.Fatalf("Expected one checkpoint per step, got %d for step %v", count, job["step_index"])
	}

	_, first := s.do(t, call{method: "GET", path: "/api/jobs/" + jobID + "/checkpoints/0", user: "u1"})
	state, ok := first["state"].(map[string]any)
	if !ok || state["goal"] != "write a listing" {
		t.Fatalf("Expected decoded state in checkpoint 0, got %v", first)
	}

	status, body = s.do(t, call{method: "POST", path: "/api/jobs/" + jobID + "/cancel", user: "u1"})
	if status != fiber.StatusConflict || body["error_code"] != string(apperrors.KindInvalidTransition) {
		t.Fatalf("Expected cancelling a finished job to conflict, got %d %v", status, body)
	}

	status, replay := s.do(t, call{method: "POST", path: "/api/admin/jobs/" + jobID + "/replay/1", user: "ops", role: "admin"})
	if status != fiber.StatusOK || replay["status"] != string(models.JobStatusCompleted) {
		t.Fatalf("Expected replay to complete, got %d %v", status, replay)
	}

	status, body = s.do(t, call{method: "POST", path: "/api/jobs", user: "u1",
		body: map[string]any{"goal": "", "budget_usd": 1.0}})
	if status != fiber.StatusBadRequest {
		t.Fatalf("Expected empty goal to be rejected, got %d %v", status, body)
	}
}

func TestHealthHandler(t *testing.T) {
	app := fiber.New()
	h := NewHealthHandler(map[string]HealthCheck{
		"redis": func(context.Context) error { return nil },
		"mongo": func(context.Context) error { return errors.New("connection refused") },
	})
	app.Get("/health", h.Handle)

	resp, _ := app.Test(httptest.NewRequest("GET", "/health", nil))
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("Expected 503 when a dependency is down, got %d", resp.StatusCode)
	}

	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	deps := body["dependencies"].(map[string]any)
	if deps["redis"] != "ok" || deps["mongo"] != "connection refused" {
		t.Errorf("Unexpected dependency report %v", deps)
	}
}
