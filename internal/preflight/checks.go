package preflight

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"helixgate/internal/config"
	"helixgate/internal/jobs"
	"helixgate/internal/security"
)

// CheckResult represents the result of a preflight check
type CheckResult struct {
	Name    string
	Status  string // "pass", "fail", "warning"
	Message string
	Error   error
}

// Probe pings one backing service
type Probe func(ctx context.Context) error

// Checker performs pre-flight checks before the server starts
type Checker struct {
	cfg    *config.Config
	probes map[string]Probe
}

// NewChecker creates a new preflight checker. probes may be empty.
func NewChecker(cfg *config.Config, probes map[string]Probe) *Checker {
	return &Checker{cfg: cfg, probes: probes}
}

// RunAll runs all preflight checks and returns results
func (c *Checker) RunAll(ctx context.Context) []CheckResult {
	log.Println("🔍 Running pre-flight checks...")

	results := []CheckResult{
		c.checkAuditSinks(),
		c.checkWebhookURLs(),
		c.checkAdminAuth(),
		c.checkCheckpointBackend(),
		c.checkAuditCron(),
		c.checkBudgetDefaults(),
	}
	results = append(results, c.checkConnectivity(ctx)...)

	passed := 0
	failed := 0
	warnings := 0

	for _, result := range results {
		switch result.Status {
		case "pass":
			log.Printf("   ✅ %s: %s", result.Name, result.Message)
			passed++
		case "fail":
			log.Printf("   ❌ %s: %s", result.Name, result.Message)
			if result.Error != nil {
				log.Printf("      Error: %v", result.Error)
			}
			failed++
		case "warning":
			log.Printf("   ⚠️  %s: %s", result.Name, result.Message)
			warnings++
		}
	}

	log.Printf("📊 Pre-flight summary: %d passed, %d failed, %d warnings", passed, failed, warnings)

	return results
}

// HasFailures returns true if any check failed
func HasFailures(results []CheckResult) bool {
	for _, result := range results {
		if result.Status == "fail" {
			return true
		}
	}
	return false
}

// severe fails in production and only warns elsewhere
func (c *Checker) severe() string {
	if c.cfg.IsProduction() {
		return "fail"
	}
	return "warning"
}

// checkAuditSinks requires a durable pre-execution sink in production
func (c *Checker) checkAuditSinks() CheckResult {
	var sinks []string
	if c.cfg.RedisURL != "" {
		sinks = append(sinks, "redis stream")
	}
	if c.cfg.AuditLogPath != "" {
		sinks = append(sinks, "file")
	}
	if c.cfg.AuditWebhookURL != "" {
		sinks = append(sinks, "webhook")
	}

	if len(sinks) == 0 {
		return CheckResult{
			Name:    "Audit Sinks",
			Status:  c.severe(),
			Message: "No durable audit sink configured (set REDIS_URL, AUDIT_LOG_PATH or AUDIT_WEBHOOK_URL)",
		}
	}
	return CheckResult{
		Name:    "Audit Sinks",
		Status:  "pass",
		Message: strings.Join(sinks, ", "),
	}
}

func (c *Checker) checkWebhookURLs() CheckResult {
	urls := map[string]string{
		"AUDIT_WEBHOOK_URL":  c.cfg.AuditWebhookURL,
		"ALERT_WEBHOOK_URL":  c.cfg.AlertWebhookURL,
		"REVIEW_WEBHOOK_URL": c.cfg.ReviewWebhookURL,
	}
	keys := make([]string, 0, len(urls))
	for k := range urls {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	configured := 0
	for _, key := range keys {
		if urls[key] == "" {
			continue
		}
		configured++
		if err := security.ValidateWebhookURL(urls[key], !c.cfg.IsProduction()); err != nil {
			return CheckResult{
				Name:    "Webhook URLs",
				Status:  "fail",
				Message: fmt.Sprintf("%s is not a valid notification target", key),
				Error:   err,
			}
		}
	}

	return CheckResult{
		Name:    "Webhook URLs",
		Status:  "pass",
		Message: fmt.Sprintf("%d webhook(s) configured", configured),
	}
}

func (c *Checker) checkAdminAuth() CheckResult {
	if c.cfg.JWTSecret == "" {
		return CheckResult{
			Name:    "Admin Authentication",
			Status:  c.severe(),
			Message: "JWT_SECRET not set (authentication bypassed in development)",
		}
	}
	if c.cfg.AdminKeyHash != "" && !strings.HasPrefix(c.cfg.AdminKeyHash, "argon2id$") {
		return CheckResult{
			Name:    "Admin Authentication",
			Status:  "fail",
			Message: "ADMIN_KEY_HASH must be an argon2id hash",
		}
	}
	return CheckResult{
		Name:    "Admin Authentication",
		Status:  "pass",
		Message: "JWT verification configured",
	}
}

func (c *Checker) checkCheckpointBackend() CheckResult {
	switch c.cfg.CheckpointBackend {
	case "sql":
		if c.cfg.DatabaseURL == "" {
			return CheckResult{
				Name:    "Checkpoint Backend",
				Status:  "fail",
				Message: "CHECKPOINT_BACKEND=sql requires DATABASE_URL",
			}
		}
	case "mongo":
		if c.cfg.MongoDBURI == "" {
			return CheckResult{
				Name:    "Checkpoint Backend",
				Status:  c.severe(),
				Message: "CHECKPOINT_BACKEND=mongo without MONGODB_URI, checkpoints kept in memory",
			}
		}
	case "memory":
		return CheckResult{
			Name:    "Checkpoint Backend",
			Status:  c.severe(),
			Message: "Checkpoints kept in memory, jobs cannot resume after a restart",
		}
	default:
		return CheckResult{
			Name:    "Checkpoint Backend",
			Status:  "fail",
			Message: fmt.Sprintf("Unknown CHECKPOINT_BACKEND %q (expected mongo, sql or memory)", c.cfg.CheckpointBackend),
		}
	}
	return CheckResult{
		Name:    "Checkpoint Backend",
		Status:  "pass",
		Message: c.cfg.CheckpointBackend,
	}
}

func (c *Checker) checkAuditCron() CheckResult {
	if err := jobs.ValidateCron(c.cfg.AuditVerifyCron); err != nil {
		return CheckResult{
			Name:    "Audit Verify Schedule",
			Status:  "fail",
			Message: fmt.Sprintf("AUDIT_VERIFY_CRON %q is not a valid cron expression", c.cfg.AuditVerifyCron),
			Error:   err,
		}
	}
	return CheckResult{
		Name:    "Audit Verify Schedule",
		Status:  "pass",
		Message: c.cfg.AuditVerifyCron,
	}
}

func (c *Checker) checkBudgetDefaults() CheckResult {
	limit := c.cfg.DefaultDailyLimitUSD
	warn := c.cfg.DefaultWarningThresholdUSD
	if limit < 0 || warn < 0 || warn > limit {
		return CheckResult{
			Name:    "Budget Defaults",
			Status:  "fail",
			Message: fmt.Sprintf("Invalid defaults: limit $%.2f, warning $%.2f", limit, warn),
		}
	}
	return CheckResult{
		Name:    "Budget Defaults",
		Status:  "pass",
		Message: fmt.Sprintf("limit $%.2f, warning $%.2f", limit, warn),
	}
}

func (c *Checker) checkConnectivity(ctx context.Context) []CheckResult {
	names := make([]string, 0, len(c.probes))
	for name := range c.probes {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]CheckResult, 0, len(names))
	for _, name := range names {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := c.probes[name](probeCtx)
		cancel()

		if err != nil {
			results = append(results, CheckResult{
				Name:    name,
				Status:  "fail",
				Message: "Cannot connect",
				Error:   err,
			})
			continue
		}
		results = append(results, CheckResult{
			Name:    name,
			Status:  "pass",
			Message: "Connection successful",
		})
	}
	return results
}
