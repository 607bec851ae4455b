package main

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDispatchesOnExtension(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(yamlPath, []byte("database:\n  dsn: postgres://from-yaml\n"), 0o600); err != nil {
		t.Fatalf("write yaml fixture: %v", err)
	}
	cfg, err := loadConfig(yamlPath)
	if err != nil {
		t.Fatalf("loadConfig(yaml): %v", err)
	}
	if cfg.Database.DSN != "postgres://from-yaml" {
		t.Fatalf("Database.DSN = %q, want postgres://from-yaml", cfg.Database.DSN)
	}

	jsonPath := filepath.Join(dir, "config.json")
	if err := os.WriteFile(jsonPath, []byte(`{"database":{"dsn":"postgres://from-json"}}`), 0o600); err != nil {
		t.Fatalf("write json fixture: %v", err)
	}
	cfg, err = loadConfig(jsonPath)
	if err != nil {
		t.Fatalf("loadConfig(json): %v", err)
	}
	if cfg.Database.DSN != "postgres://from-json" {
		t.Fatalf("Database.DSN = %q, want postgres://from-json", cfg.Database.DSN)
	}
}

func TestLoadConfigEmptyPathFallsBackToLoad(t *testing.T) {
	if _, err := loadConfig(""); err != nil {
		t.Fatalf("loadConfig(\"\"): %v", err)
	}
}

func TestBackendLabel(t *testing.T) {
	if got := backendLabel(nil); got != "memory" {
		t.Fatalf("backendLabel(nil) = %q, want memory", got)
	}
	db := &sql.DB{}
	if got := backendLabel(db); got != "postgres" {
		t.Fatalf("backendLabel(db) = %q, want postgres", got)
	}
}
