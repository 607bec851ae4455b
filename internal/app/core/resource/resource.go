// Package resource monitors process, disk, and database-pool pressure so
// the cleanup substrate and operators can react before a host runs out of
// headroom (spec §4.11 supplemented: resource pressure is the signal that
// periodic sweeps act on).
package resource

import (
	"database/sql"
	"os"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/archetype-labs/archetyped/internal/app/domain/agenthost"
	"github.com/archetype-labs/archetyped/pkg/config"
)

// PressureLevel classifies how close a resource is to exhaustion.
type PressureLevel string

const (
	PressureNormal   PressureLevel = "normal"
	PressureWarning  PressureLevel = "warning"
	PressureCritical PressureLevel = "critical"
)

func classify(pct, warning, critical float64) PressureLevel {
	if critical > 0 && pct >= critical {
		return PressureCritical
	}
	if warning > 0 && pct >= warning {
		return PressureWarning
	}
	return PressureNormal
}

// Monitor checks pressure against the thresholds in a RuntimeConfig.
type Monitor struct {
	cfg config.RuntimeConfig
}

// New builds a Monitor.
func New(cfg config.RuntimeConfig) *Monitor {
	return &Monitor{cfg: cfg}
}

// CheckDiskPressure reports disk pressure for path, defaulting to NORMAL if
// the path cannot be statted (e.g. it doesn't exist yet).
func (m *Monitor) CheckDiskPressure(path string) PressureLevel {
	usage, err := disk.Usage(path)
	if err != nil || usage.Total == 0 {
		return PressureNormal
	}
	pct := float64(usage.Used) / float64(usage.Total) * 100
	return classify(pct, m.cfg.CleanupDiskWarningPct, m.cfg.CleanupDiskCriticalPct)
}

// CheckAgentDiskPressure reports disk pressure as last reported by an
// agent's heartbeat, without re-querying the agent.
func (m *Monitor) CheckAgentDiskPressure(usage agenthost.ResourceUsage) PressureLevel {
	return classify(usage.DiskPercent, m.cfg.CleanupDiskWarningPct, m.cfg.CleanupDiskCriticalPct)
}

// CheckPoolPressure reports pressure on a database/sql connection pool.
// Returns NORMAL if db is nil or its stats cannot be read (degraded
// monitoring beats a false alarm mid-outage).
func (m *Monitor) CheckPoolPressure(db *sql.DB) PressureLevel {
	if db == nil {
		return PressureNormal
	}
	stats := db.Stats()
	capacity := stats.MaxOpenConnections
	if capacity <= 0 {
		return PressureNormal
	}
	pct := float64(stats.InUse) / float64(capacity) * 100
	return classify(pct, m.cfg.DBPoolWarningPct, m.cfg.DBPoolCriticalPct)
}

// CheckMemoryPressure reports pressure on this process's resident memory.
// There is no configured critical tier for process memory (spec §6 only
// defines a warning threshold), so this never returns CRITICAL.
func (m *Monitor) CheckMemoryPressure() PressureLevel {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return PressureNormal
	}
	info, err := proc.MemoryInfo()
	if err != nil || info == nil {
		return PressureNormal
	}
	mb := float64(info.RSS) / (1024 * 1024)
	warningMB := float64(m.cfg.ProcessMemoryWarningMB)
	if warningMB > 0 && mb >= warningMB {
		return PressureWarning
	}
	return PressureNormal
}
