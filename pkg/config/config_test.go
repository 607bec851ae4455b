package config

import (
	"os"
	"testing"
)

func TestNewAppliesRuntimeDefaults(t *testing.T) {
	cfg := New()

	if cfg.Runtime.AgentStaleTimeout <= 0 {
		t.Fatalf("expected positive AgentStaleTimeout, got %v", cfg.Runtime.AgentStaleTimeout)
	}
	if !cfg.Runtime.StateEnforcementAutoRestartEnabled {
		t.Fatalf("expected StateEnforcementAutoRestartEnabled default true")
	}
	if !cfg.Runtime.ImageSyncEnabled {
		t.Fatalf("expected ImageSyncEnabled default true")
	}
	if cfg.Runtime.CleanupDiskCriticalPct <= cfg.Runtime.CleanupDiskWarningPct {
		t.Fatalf("expected critical pct above warning pct, got warning=%v critical=%v",
			cfg.Runtime.CleanupDiskWarningPct, cfg.Runtime.CleanupDiskCriticalPct)
	}
	if cfg.Runtime.DBPoolCriticalPct <= cfg.Runtime.DBPoolWarningPct {
		t.Fatalf("expected DB pool critical pct above warning pct")
	}
}

func TestDatabaseConfigConnectionString(t *testing.T) {
	db := DatabaseConfig{
		Host:     "db.internal",
		Port:     5432,
		User:     "archetype",
		Password: "secret",
		Name:     "archetype",
		SSLMode:  "disable",
	}

	want := "host=db.internal port=5432 user=archetype password=secret dbname=archetype sslmode=disable"
	if got := db.ConnectionString(); got != want {
		t.Fatalf("ConnectionString() = %q, want %q", got, want)
	}
}

func TestLoadConfigOverridesRuntimeOptions(t *testing.T) {
	path := writeTempJSON(t, `{"runtime":{"state_enforcement_max_retries":9,"cleanup_job_retention_days":3}}`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Runtime.StateEnforcementMaxRetries != 9 {
		t.Fatalf("StateEnforcementMaxRetries = %d, want 9", cfg.Runtime.StateEnforcementMaxRetries)
	}
	if cfg.Runtime.CleanupJobRetentionDays != 3 {
		t.Fatalf("CleanupJobRetentionDays = %d, want 3", cfg.Runtime.CleanupJobRetentionDays)
	}
}

func writeTempJSON(t *testing.T, content string) string {
	t.Helper()
	path := t.TempDir() + "/config.json"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}
