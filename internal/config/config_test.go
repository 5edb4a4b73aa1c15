package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "peerflow.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadSubstitutesEnvVars(t *testing.T) {
	t.Setenv("PF_TEST_DSN", "postgres://pf:pf@localhost/pf")

	path := writeConfig(t, `{
		"server": {"port": 9090},
		"database": {
			"postgres": {"dsn": "${PF_TEST_DSN}"},
			"redis": {"url": "${PF_TEST_REDIS:redis://localhost:6379/0}"}
		}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Database.Postgres.DSN != "postgres://pf:pf@localhost/pf" {
		t.Errorf("dsn = %q", cfg.Database.Postgres.DSN)
	}
	// Unset var falls back to the inline default.
	if cfg.Database.Redis.URL != "redis://localhost:6379/0" {
		t.Errorf("redis url = %q", cfg.Database.Redis.URL)
	}
}

func TestLoadKeepsDefaultsForAbsentFields(t *testing.T) {
	path := writeConfig(t, `{"automation": {"remind_after_days": 5}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Automation.RemindAfterDays != 5 {
		t.Errorf("remind_after_days = %d, want 5", cfg.Automation.RemindAfterDays)
	}
	if cfg.Automation.RemindersBeforeEscalation != 2 {
		t.Errorf("reminders_before_escalation = %d, want default 2", cfg.Automation.RemindersBeforeEscalation)
	}
	if cfg.Decision.GoalWeight != 0.6 || cfg.Decision.RiskWeight != 0.4 {
		t.Errorf("weights = %v/%v, want defaults 0.6/0.4", cfg.Decision.GoalWeight, cfg.Decision.RiskWeight)
	}
	if cfg.TickInterval() != 300*time.Second {
		t.Errorf("tick interval = %v", cfg.TickInterval())
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := writeConfig(t, `{"server":`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}
