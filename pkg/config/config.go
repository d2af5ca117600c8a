/*
Package config loads fleetctl.toml and resolves the on-disk layout every
other package treats as an external path root: state files, session
topologies, key backups, and the audit log all live under one user home
directory this package owns the naming of.

Config loading itself is out of this system's core scope (spec.md §1
treats it as an external "config provider" interface); this package is
the concrete adapter that makes the rest of the repository runnable end
to end, the way the teacher's cmd/warren wires flags and a config file
into its subsystems before calling into pkg/manager or pkg/worker.
*/
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/cuemby/fleetctl/pkg/types"
)

// Config is fleetctl's on-disk configuration document.
type Config struct {
	ResourceGroup string `toml:"resource_group"`
	MaxWorkers    int    `toml:"max_workers"`

	Autopilot AutopilotConfig `toml:"autopilot"`

	// HomeDir roots every state path this tool owns
	// (<home>/remote-state.json, <home>/sessions/, <home>/key_backups/,
	// <home>/autopilot_log.jsonl). Defaults to "~/.fleetctl".
	HomeDir string `toml:"home_dir"`
}

// AutopilotConfig configures the usage learner, budget enforcer, and
// action planner.
type AutopilotConfig struct {
	BudgetMonthly        float64         `toml:"budget_monthly"`
	IdleThresholdMinutes float64         `toml:"idle_threshold_minutes"`
	CPUThresholdPercent  float64         `toml:"cpu_threshold_percent"`
	ProtectedTags        []string        `toml:"protected_tags"`
	WorkHours            WorkHoursConfig `toml:"work_hours"`
}

// WorkHoursConfig is the TOML shape of types.WorkHours (a map isn't a
// natural TOML leaf, so days are listed explicitly and converted by
// ToWorkHours).
type WorkHoursConfig struct {
	Days      []string `toml:"days"`
	StartHour int      `toml:"start_hour"`
	EndHour   int      `toml:"end_hour"`
}

// ToWorkHours converts the TOML-friendly day list into the closed-map
// shape pkg/autopilot's work-hours check expects.
func (w WorkHoursConfig) ToWorkHours() types.WorkHours {
	days := make(map[string]bool, len(w.Days))
	for _, d := range w.Days {
		days[d] = true
	}
	return types.WorkHours{Days: days, StartHour: w.StartHour, EndHour: w.EndHour}
}

// Default returns a Config with conservative, documented defaults.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		MaxWorkers: 10,
		HomeDir:    filepath.Join(home, ".fleetctl"),
		Autopilot: AutopilotConfig{
			IdleThresholdMinutes: 180,
			CPUThresholdPercent:  15,
			WorkHours: WorkHoursConfig{
				Days:      []string{"mon", "tue", "wed", "thu", "fri"},
				StartHour: 9,
				EndHour:   17,
			},
		},
	}
}

// Load reads and parses path, falling back to Default() field-by-field for
// anything the file leaves zero-valued. A missing file is not an error;
// Load returns Default() unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var loaded Config
	if err := toml.Unmarshal(data, &loaded); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.mergeFrom(loaded)
	return cfg, nil
}

func (c *Config) mergeFrom(o Config) {
	if o.ResourceGroup != "" {
		c.ResourceGroup = o.ResourceGroup
	}
	if o.MaxWorkers != 0 {
		c.MaxWorkers = o.MaxWorkers
	}
	if o.HomeDir != "" {
		c.HomeDir = o.HomeDir
	}
	if o.Autopilot.BudgetMonthly != 0 {
		c.Autopilot.BudgetMonthly = o.Autopilot.BudgetMonthly
	}
	if o.Autopilot.IdleThresholdMinutes != 0 {
		c.Autopilot.IdleThresholdMinutes = o.Autopilot.IdleThresholdMinutes
	}
	if o.Autopilot.CPUThresholdPercent != 0 {
		c.Autopilot.CPUThresholdPercent = o.Autopilot.CPUThresholdPercent
	}
	if len(o.Autopilot.ProtectedTags) > 0 {
		c.Autopilot.ProtectedTags = o.Autopilot.ProtectedTags
	}
	if len(o.Autopilot.WorkHours.Days) > 0 {
		c.Autopilot.WorkHours = o.Autopilot.WorkHours
	}
}

// StateFilePath is the Remote Session Broker's state document (spec.md §6).
func (c Config) StateFilePath() string {
	return filepath.Join(c.HomeDir, "remote-state.json")
}

// SessionsDir holds saved topology TOML documents (spec.md §4.9, §6).
func (c Config) SessionsDir() string {
	return filepath.Join(c.HomeDir, "sessions")
}

// KeyBackupDir is the Key Rotator's backup root (spec.md §4.12, §6).
func (c Config) KeyBackupDir() string {
	return filepath.Join(c.HomeDir, "key_backups")
}

// AuditLogPath is the autopilot/credential/keyrotate audit trail
// (spec.md §5, §6).
func (c Config) AuditLogPath() string {
	return filepath.Join(c.HomeDir, "autopilot_log.jsonl")
}

// CredentialDir is where the Credential Store keeps the managed keypair.
func (c Config) CredentialDir() string {
	return filepath.Join(c.HomeDir, "keys")
}

// WorkflowStateDir is the Workflow State Machine's persistence root:
// "<HomeDir>/workflow". It is not derived from any project directory.
func (c Config) WorkflowStateDir() string {
	return filepath.Join(c.HomeDir, "workflow")
}
