package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DatabaseConfig controls persistence.
type DatabaseConfig struct {
	Driver          string `json:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" env:"DATABASE_PORT"`
	User            string `json:"user" env:"DATABASE_USER"`
	Password        string `json:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// RedisConfig controls the shared pub/sub + locking bus.
type RedisConfig struct {
	Addr     string `json:"addr" env:"REDIS_ADDR"`
	Password string `json:"password" env:"REDIS_PASSWORD"`
	DB       int    `json:"db" env:"REDIS_DB"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// TracingConfig configures OTLP/Tracing exporters.
type TracingConfig struct {
	Endpoint           string            `json:"endpoint" env:"TRACING_OTLP_ENDPOINT"`
	Insecure           bool              `json:"insecure" env:"TRACING_OTLP_INSECURE"`
	ServiceName        string            `json:"service_name" env:"TRACING_SERVICE_NAME"`
	ResourceAttributes map[string]string `json:"resource_attributes" mapstructure:"resource_attributes"`
	AttributesEnv      string            `json:"-" yaml:"-" env:"TRACING_OTLP_ATTRIBUTES"`
}

// RuntimeConfig holds the named environment/config options spec.md §6
// documents as the controller's tunable behavior, grouped by the
// subsystem they govern.
type RuntimeConfig struct {
	// AgentStaleTimeout is how long since the last heartbeat before the
	// registry marks a host offline.
	AgentStaleTimeout time.Duration `json:"agent_stale_timeout" env:"AGENT_STALE_TIMEOUT"`

	// StateEnforcementMaxRetries is the number of consecutive failed
	// enforcement actions after which the node is set to error and excluded
	// from enforcement until its desired state changes.
	StateEnforcementMaxRetries int `json:"state_enforcement_max_retries" env:"STATE_ENFORCEMENT_MAX_RETRIES"`
	// StateEnforcementAutoRestartEnabled is copied into
	// enforcement.Config.AutoRestartEnabled. The enforcement loop does not
	// read that field; nodes in the error state are sent start regardless.
	StateEnforcementAutoRestartEnabled bool `json:"state_enforcement_auto_restart_enabled" env:"STATE_ENFORCEMENT_AUTO_RESTART_ENABLED"`

	// ImageSyncEnabled is loaded but read by no component; it has no effect
	// on behavior.
	ImageSyncEnabled bool `json:"image_sync_enabled" env:"IMAGE_SYNC_ENABLED"`
	// ImageSyncPreDeployCheck requires an image to be present on a host
	// before a deploy job is dispatched to it.
	ImageSyncPreDeployCheck bool `json:"image_sync_pre_deploy_check" env:"IMAGE_SYNC_PRE_DEPLOY_CHECK"`

	// CleanupJobRetentionDays bounds how long terminal jobs are kept
	// before the cleanup substrate purges them.
	CleanupJobRetentionDays int `json:"cleanup_job_retention_days" env:"CLEANUP_JOB_RETENTION_DAYS"`
	// CleanupConfigSnapshotRetentionDays bounds config snapshot retention.
	CleanupConfigSnapshotRetentionDays int `json:"cleanup_config_snapshot_retention_days" env:"CLEANUP_CONFIG_SNAPSHOT_RETENTION_DAYS"`
	// CleanupDiskWarningPct/CleanupDiskCriticalPct classify disk pressure
	// as warning or critical. The resource monitor service only logs either
	// level; no sweep is triggered.
	CleanupDiskWarningPct  float64 `json:"cleanup_disk_warning_pct" env:"CLEANUP_DISK_WARNING_PCT"`
	CleanupDiskCriticalPct float64 `json:"cleanup_disk_critical_pct" env:"CLEANUP_DISK_CRITICAL_PCT"`

	// DBPoolWarningPct/DBPoolCriticalPct classify connection-pool pressure
	// as warning or critical. The resource monitor service only logs either
	// level; there is no degraded mode.
	DBPoolWarningPct  float64 `json:"db_pool_warning_pct" env:"DB_POOL_WARNING_PCT"`
	DBPoolCriticalPct float64 `json:"db_pool_critical_pct" env:"DB_POOL_CRITICAL_PCT"`

	// ProcessMemoryWarningMB gates process resident-memory pressure
	// logging.
	ProcessMemoryWarningMB int `json:"process_memory_warning_mb" env:"PROCESS_MEMORY_WARNING_MB"`
}

// Config is the top-level configuration structure.
type Config struct {
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	Logging  LoggingConfig  `json:"logging"`
	Runtime  RuntimeConfig  `json:"runtime"`
	Tracing  TracingConfig  `json:"tracing"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			DB:   0,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "archetyped",
		},
		Runtime: RuntimeConfig{
			AgentStaleTimeout:                  30 * time.Second,
			StateEnforcementMaxRetries:         5,
			StateEnforcementAutoRestartEnabled: true,
			ImageSyncEnabled:                   true,
			ImageSyncPreDeployCheck:            true,
			CleanupJobRetentionDays:            14,
			CleanupConfigSnapshotRetentionDays: 30,
			CleanupDiskWarningPct:              80,
			CleanupDiskCriticalPct:             95,
			DBPoolWarningPct:                   80,
			DBPoolCriticalPct:                  95,
			ProcessMemoryWarningMB:             2048,
		},
		Tracing: TracingConfig{},
	}
}

// ConnectionString builds a PostgreSQL connection string using host parameters.
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)
	cfg.normalize()

	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return nil
}

// LoadConfig is a helper used by tests to load JSON config snippets.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	cfg.normalize()
	return cfg, nil
}

// applyDatabaseURLOverride aligns config loading with cmd/archetyped:
// DATABASE_URL overrides any file-based DSN to reduce setup friction.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}

func (t *TracingConfig) normalize() {
	if t == nil {
		return
	}
	t.MergeAttributes(t.AttributesEnv)
}

// MergeAttributes merges comma-separated key=value pairs into ResourceAttributes.
func (t *TracingConfig) MergeAttributes(raw string) {
	if t == nil {
		return
	}
	pairs := parseAttributePairs(raw)
	if len(pairs) == 0 {
		return
	}
	if t.ResourceAttributes == nil {
		t.ResourceAttributes = make(map[string]string, len(pairs))
	}
	for k, v := range pairs {
		if k == "" {
			continue
		}
		t.ResourceAttributes[k] = v
	}
}

func parseAttributePairs(raw string) map[string]string {
	result := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		key := strings.TrimSpace(kv[0])
		if key == "" {
			continue
		}
		val := ""
		if len(kv) > 1 {
			val = strings.TrimSpace(kv[1])
		}
		result[key] = val
	}
	return result
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	c.Tracing.normalize()
}
