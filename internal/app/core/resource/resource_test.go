package resource

import (
	"testing"

	"github.com/archetype-labs/archetyped/internal/app/domain/agenthost"
	"github.com/archetype-labs/archetyped/pkg/config"
)

func testCfg() config.RuntimeConfig {
	return config.RuntimeConfig{
		CleanupDiskWarningPct:  75,
		CleanupDiskCriticalPct: 85,
		DBPoolWarningPct:       70,
		DBPoolCriticalPct:      90,
		ProcessMemoryWarningMB: 1024,
	}
}

func TestCheckAgentDiskPressure(t *testing.T) {
	m := New(testCfg())

	cases := []struct {
		pct  float64
		want PressureLevel
	}{
		{50, PressureNormal},
		{74.9, PressureNormal},
		{75, PressureWarning},
		{80, PressureWarning},
		{84.9, PressureWarning},
		{85, PressureCritical},
		{95, PressureCritical},
	}
	for _, c := range cases {
		got := m.CheckAgentDiskPressure(agenthost.ResourceUsage{DiskPercent: c.pct})
		if got != c.want {
			t.Errorf("disk pct %v: got %v, want %v", c.pct, got, c.want)
		}
	}
}

func TestCheckPoolPressureNilDB(t *testing.T) {
	m := New(testCfg())
	if got := m.CheckPoolPressure(nil); got != PressureNormal {
		t.Fatalf("nil db: got %v, want normal", got)
	}
}

func TestCheckDiskPressureMissingPathReturnsNormal(t *testing.T) {
	m := New(testCfg())
	if got := m.CheckDiskPressure("/this/path/does/not/exist/hopefully"); got != PressureNormal {
		t.Fatalf("missing path: got %v, want normal", got)
	}
}
