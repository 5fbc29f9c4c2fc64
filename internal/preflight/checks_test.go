package preflight

import (
	"context"
	"errors"
	"testing"

	"helixgate/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Environment:                "development",
		RedisURL:                   "redis://localhost:6379",
		MongoDBURI:                 "mongodb://localhost:27017/helixgate",
		CheckpointBackend:          "mongo",
		AuditVerifyCron:            "0 * * * *",
		DefaultDailyLimitUSD:       5,
		DefaultWarningThresholdUSD: 4,
		JWTSecret:                  "secret",
	}
}

func resultByName(results []CheckResult, name string) *CheckResult {
	for i := range results {
		if results[i].Name == name {
			return &results[i]
		}
	}
	return nil
}

func TestRunAll_HealthyConfig(t *testing.T) {
	checker := NewChecker(baseConfig(), map[string]Probe{
		"MongoDB": func(context.Context) error { return nil },
	})
	results := checker.RunAll(context.Background())

	if HasFailures(results) {
		t.Fatalf("Expected no failures, got %+v", results)
	}
	if r := resultByName(results, "MongoDB"); r == nil || r.Status != "pass" {
		t.Errorf("Expected MongoDB probe to pass, got %+v", r)
	}
}

func TestRunAll_ProbeFailure(t *testing.T) {
	checker := NewChecker(baseConfig(), map[string]Probe{
		"Redis": func(context.Context) error { return errors.New("connection refused") },
	})
	results := checker.RunAll(context.Background())

	if !HasFailures(results) {
		t.Fatal("Expected failure when a probe errors")
	}
	r := resultByName(results, "Redis")
	if r == nil || r.Status != "fail" || r.Error == nil {
		t.Errorf("Expected Redis failure with error, got %+v", r)
	}
}

func TestChecks(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		check  string
		want   string
	}{
		{"no audit sink in development", func(c *config.Config) { c.RedisURL = "" }, "Audit Sinks", "warning"},
		{"no audit sink in production", func(c *config.Config) { c.RedisURL = ""; c.Environment = "production" }, "Audit Sinks", "fail"},
		{"file sink counts", func(c *config.Config) { c.RedisURL = ""; c.AuditLogPath = "/tmp/audit.log" }, "Audit Sinks", "pass"},
		{"http webhook in production", func(c *config.Config) { c.Environment = "production"; c.AlertWebhookURL = "http://hooks.example.com" }, "Webhook URLs", "fail"},
		{"local webhook in development", func(c *config.Config) { c.ReviewWebhookURL = "http://localhost:9000/review" }, "Webhook URLs", "pass"},
		{"missing jwt in production", func(c *config.Config) { c.JWTSecret = ""; c.Environment = "production" }, "Admin Authentication", "fail"},
		{"bad admin key hash", func(c *config.Config) { c.AdminKeyHash = "plaintext" }, "Admin Authentication", "fail"},
		{"sql without dsn", func(c *config.Config) { c.CheckpointBackend = "sql" }, "Checkpoint Backend", "fail"},
		{"sql with dsn", func(c *config.Config) { c.CheckpointBackend = "sql"; c.DatabaseURL = "sqlite:///tmp" }, "Checkpoint Backend", "pass"},
		{"unknown backend", func(c *config.Config) { c.CheckpointBackend = "s3" }, "Checkpoint Backend", "fail"},
		{"memory backend in development", func(c *config.Config) { c.CheckpointBackend = "memory" }, "Checkpoint Backend", "warning"},
		{"invalid cron", func(c *config.Config) { c.AuditVerifyCron = "every hour" }, "Audit Verify Schedule", "fail"},
		{"warning above limit", func(c *config.Config) { c.DefaultWarningThresholdUSD = 6 }, "Budget Defaults", "fail"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.mutate(cfg)
			results := NewChecker(cfg, nil).RunAll(context.Background())

			r := resultByName(results, tt.check)
			if r == nil {
				t.Fatalf("Check %q missing from results", tt.check)
			}
			if r.Status != tt.want {
				t.Errorf("Expected %s status %q, got %q (%s)", tt.check, tt.want, r.Status, r.Message)
			}
		})
	}
}
