package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.MaxWorkers)
	assert.Equal(t, 180.0, cfg.Autopilot.IdleThresholdMinutes)
}

func TestLoad_OverridesDefaultsFieldByField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetctl.toml")
	content := `
resource_group = "rg-prod"
max_workers = 20

[autopilot]
budget_monthly = 500
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "rg-prod", cfg.ResourceGroup)
	assert.Equal(t, 20, cfg.MaxWorkers)
	assert.Equal(t, 500.0, cfg.Autopilot.BudgetMonthly)
	// Untouched fields keep their Default() value.
	assert.Equal(t, 15.0, cfg.Autopilot.CPUThresholdPercent)
}

func TestWorkHoursConfig_ToWorkHours(t *testing.T) {
	w := WorkHoursConfig{Days: []string{"mon", "wed"}, StartHour: 9, EndHour: 17}
	wh := w.ToWorkHours()
	assert.True(t, wh.Days["mon"])
	assert.True(t, wh.Days["wed"])
	assert.False(t, wh.Days["sun"])
	assert.Equal(t, 9, wh.StartHour)
}

func TestConfig_PathHelpers(t *testing.T) {
	cfg := Config{HomeDir: "/home/user/.fleetctl"}
	assert.Equal(t, "/home/user/.fleetctl/remote-state.json", cfg.StateFilePath())
	assert.Equal(t, "/home/user/.fleetctl/sessions", cfg.SessionsDir())
	assert.Equal(t, "/home/user/.fleetctl/key_backups", cfg.KeyBackupDir())
	assert.Equal(t, "/home/user/.fleetctl/autopilot_log.jsonl", cfg.AuditLogPath())
}
