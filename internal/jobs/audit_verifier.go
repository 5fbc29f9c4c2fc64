package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"helixgate/internal/audit"

	"github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"
)

// DefaultAuditVerifyCron verifies the audit chain hourly
const DefaultAuditVerifyCron = "0 * * * *"

// Alerter receives the integrity alert
type Alerter interface {
	Alert(ctx context.Context, alertType, severity, message string, details map[string]any)
}

// AuditVerifier re-reads the confirmed audit stream on a cron schedule and
// raises a critical alert when the hash chain is broken
type AuditVerifier struct {
	reader    audit.Reader
	alerter   Alerter
	expr      string
	scheduler gocron.Scheduler
}

// ValidateCron parses a standard five-field cron expression
func ValidateCron(expr string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// NewAuditVerifier creates a verifier for the given cron expression
func NewAuditVerifier(reader audit.Reader, alerter Alerter, expr string) (*AuditVerifier, error) {
	if expr == "" {
		expr = DefaultAuditVerifyCron
	}
	if err := ValidateCron(expr); err != nil {
		return nil, err
	}

	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &AuditVerifier{reader: reader, alerter: alerter, expr: expr, scheduler: scheduler}, nil
}

// Start registers the cron job and starts the scheduler
func (v *AuditVerifier) Start(ctx context.Context) error {
	_, err := v.scheduler.NewJob(
		gocron.CronJob(v.expr, false),
		gocron.NewTask(func() {
			if _, err := v.VerifyNow(ctx); err != nil {
				log.Printf("❌ [AUDIT-VERIFY] Verification failed: %v", err)
			}
		}),
		gocron.WithName("audit_chain_verify"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to register audit verification: %w", err)
	}

	v.scheduler.Start()
	log.Printf("✅ [AUDIT-VERIFY] Scheduled audit chain verification (cron: %s)", v.expr)
	return nil
}

// Stop shuts the scheduler down
func (v *AuditVerifier) Stop() error {
	return v.scheduler.Shutdown()
}

// VerifyNow verifies the whole chain once
func (v *AuditVerifier) VerifyNow(ctx context.Context) ([]audit.Violation, error) {
	entries, err := v.reader.Entries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit entries: %w", err)
	}

	violations := audit.Verify(entries)
	if len(violations) == 0 {
		log.Printf("✅ [AUDIT-VERIFY] Audit chain intact (%d entries)", len(entries))
		return nil, nil
	}

	log.Printf("🚨 [AUDIT-VERIFY] Audit chain broken: %d violations in %d entries", len(violations), len(entries))
	if v.alerter != nil {
		details := map[string]any{
			"entries":     len(entries),
			"violations":  len(violations),
			"first_index": violations[0].Index,
			"reason":      violations[0].Reason,
		}
		v.alerter.Alert(ctx, "audit_integrity", audit.SeverityCritical,
			fmt.Sprintf("Audit hash chain verification found %d violations", len(violations)), details)
	}
	return violations, nil
}
