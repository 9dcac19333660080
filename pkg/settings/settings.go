// Package settings manages persistent user settings for the newtshift CLI.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/newtron-network/newtshift/pkg/plan"
)

// Defaults applied by the getters.
const (
	DefaultScenarioDir    = "scenarios"
	DefaultReportDir      = "reports"
	DefaultSolverWorkers  = 1
	DefaultSolveTimeout   = 2 * time.Minute
	DefaultCommandTimeout = 30 * time.Second
)

// Settings holds persistent user preferences. Durations are stored as
// strings ("90s").
type Settings struct {
	// ScenarioDir is where scenario names given without a path are looked up
	ScenarioDir string `json:"scenario_dir,omitempty"`

	// ReportDir receives experiment records and reports
	ReportDir string `json:"report_dir,omitempty"`

	// LabFile is the default SONiC lab description for run --driver sonic
	LabFile string `json:"lab_file,omitempty"`

	LoopChecking   string `json:"loop_checking,omitempty"`
	SolverWorkers  int    `json:"solver_workers,omitempty"`
	SolveTimeout   string `json:"solve_timeout,omitempty"`
	CommandTimeout string `json:"command_timeout,omitempty"`
}

// DefaultSettingsPath returns the default path for the settings file
func DefaultSettingsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "newtshift_settings.json"
	}
	return filepath.Join(home, ".newtshift", "settings.json")
}

// Load reads settings from the default location
func Load() (*Settings, error) {
	return LoadFrom(DefaultSettingsPath())
}

// LoadFrom reads settings from a specific path
func LoadFrom(path string) (*Settings, error) {
	s := &Settings{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return empty settings if file doesn't exist
			return s, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, s); err != nil {
		return nil, err
	}

	return s, nil
}

// Save writes settings to the default location
func (s *Settings) Save() error {
	return s.SaveTo(DefaultSettingsPath())
}

// SaveTo writes settings to a specific path
func (s *Settings) SaveTo(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Set assigns a setting by its JSON name, validating the value.
func (s *Settings) Set(key, value string) error {
	switch key {
	case "scenario_dir":
		s.ScenarioDir = value
	case "report_dir":
		s.ReportDir = value
	case "lab_file":
		s.LabFile = value
	case "loop_checking":
		if _, err := plan.ParseLoopChecking(value); err != nil {
			return err
		}
		s.LoopChecking = value
	case "solver_workers":
		var n int
		if _, err := fmt.Sscanf(value, "%d", &n); err != nil || n < 1 {
			return fmt.Errorf("solver_workers must be a positive integer, got %q", value)
		}
		s.SolverWorkers = n
	case "solve_timeout", "command_timeout":
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if key == "solve_timeout" {
			s.SolveTimeout = value
		} else {
			s.CommandTimeout = value
		}
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
	return nil
}

// GetScenarioDir returns the scenario directory (with fallback)
func (s *Settings) GetScenarioDir() string {
	if s.ScenarioDir != "" {
		return s.ScenarioDir
	}
	return DefaultScenarioDir
}

// GetReportDir returns the report directory (with fallback)
func (s *Settings) GetReportDir() string {
	if s.ReportDir != "" {
		return s.ReportDir
	}
	return DefaultReportDir
}

// GetLoopChecking returns the loop checking mode, strict unless set.
func (s *Settings) GetLoopChecking() plan.LoopChecking {
	lc, err := plan.ParseLoopChecking(s.LoopChecking)
	if err != nil {
		return plan.LoopStrict
	}
	return lc
}

// GetSolverWorkers returns the solver pool size.
func (s *Settings) GetSolverWorkers() int {
	if s.SolverWorkers > 0 {
		return s.SolverWorkers
	}
	return DefaultSolverWorkers
}

// GetSolveTimeout returns the solver time limit.
func (s *Settings) GetSolveTimeout() time.Duration {
	return duration(s.SolveTimeout, DefaultSolveTimeout)
}

// GetCommandTimeout returns the per-command convergence limit.
func (s *Settings) GetCommandTimeout() time.Duration {
	return duration(s.CommandTimeout, DefaultCommandTimeout)
}

func duration(v string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	return fallback
}

// Clear resets all settings to defaults
func (s *Settings) Clear() {
	*s = Settings{}
}
