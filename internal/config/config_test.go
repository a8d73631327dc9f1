package config

import (
	"context"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(context.Background(), envconfig.MapLookuper(map[string]string{}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Payment.MaxRetries != 3 {
		t.Fatalf("expected max retries 3, got %d", cfg.Payment.MaxRetries)
	}
	if got := cfg.Scheduler.GracePeriodLeadTime(); got != 48*time.Hour {
		t.Fatalf("expected 48h lead time, got %v", got)
	}
	if cfg.Database.Driver != "postgres" {
		t.Fatalf("expected postgres driver, got %q", cfg.Database.Driver)
	}
	if cfg.Scheduler.EvaluationInterval != 5*time.Minute {
		t.Fatalf("expected 5m evaluation interval, got %v", cfg.Scheduler.EvaluationInterval)
	}
	if cfg.Server.GetServerAddr() != "0.0.0.0:8080" {
		t.Fatalf("unexpected server addr %q", cfg.Server.GetServerAddr())
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := load(context.Background(), envconfig.MapLookuper(map[string]string{
		"PAYMENT_MAX_RETRIES":                    "5",
		"SCHEDULER_GRACE_PERIOD_LEAD_TIME_HOURS": "24",
		"DB_DRIVER":                              "sqlite",
		"DB_SQLITE_PATH":                         "/tmp/gb.db",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Payment.MaxRetries != 5 {
		t.Fatalf("expected max retries 5, got %d", cfg.Payment.MaxRetries)
	}
	if got := cfg.Scheduler.GracePeriodLeadTime(); got != 24*time.Hour {
		t.Fatalf("expected 24h lead time, got %v", got)
	}
	if cfg.Database.SQLitePath != "/tmp/gb.db" {
		t.Fatalf("unexpected sqlite path %q", cfg.Database.SQLitePath)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "unknown driver", env: map[string]string{"DB_DRIVER": "mysql"}},
		{name: "zero retries", env: map[string]string{"PAYMENT_MAX_RETRIES": "0"}},
		{name: "negative lead time", env: map[string]string{"SCHEDULER_GRACE_PERIOD_LEAD_TIME_HOURS": "-1"}},
		{name: "zero grace trigger interval", env: map[string]string{"SCHEDULER_GRACE_TRIGGER_INTERVAL": "0s"}},
		{name: "zero evaluation interval", env: map[string]string{"SCHEDULER_EVALUATION_INTERVAL": "0s"}},
		{name: "negative retry interval", env: map[string]string{"SCHEDULER_PAYMENT_RETRY_INTERVAL": "-1m"}},
		{name: "zero collection interval", env: map[string]string{"SCHEDULER_PAYMENT_COLLECTION_INTERVAL": "0s"}},
		{name: "zero gateway timeout", env: map[string]string{"PAYMENT_GATEWAY_TIMEOUT": "0s"}},
		{name: "zero attempt lease", env: map[string]string{"PAYMENT_ATTEMPT_LEASE": "0s"}},
		{name: "lease shorter than a charge", env: map[string]string{"PAYMENT_ATTEMPT_LEASE": "5s", "PAYMENT_GATEWAY_TIMEOUT": "10s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := load(context.Background(), envconfig.MapLookuper(tt.env)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
