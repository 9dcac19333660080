package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/newtron-network/newtshift/pkg/plan"
)

func TestSettings_Defaults(t *testing.T) {
	s := &Settings{}

	if got := s.GetScenarioDir(); got != DefaultScenarioDir {
		t.Errorf("GetScenarioDir() default = %q, want %q", got, DefaultScenarioDir)
	}
	if got := s.GetReportDir(); got != DefaultReportDir {
		t.Errorf("GetReportDir() default = %q, want %q", got, DefaultReportDir)
	}
	if got := s.GetLoopChecking(); got != plan.LoopStrict {
		t.Errorf("GetLoopChecking() default = %q, want strict", got)
	}
	if got := s.GetSolverWorkers(); got != DefaultSolverWorkers {
		t.Errorf("GetSolverWorkers() default = %d", got)
	}
	if got := s.GetSolveTimeout(); got != DefaultSolveTimeout {
		t.Errorf("GetSolveTimeout() default = %s", got)
	}
	if got := s.GetCommandTimeout(); got != DefaultCommandTimeout {
		t.Errorf("GetCommandTimeout() default = %s", got)
	}
}

func TestSettings_Set(t *testing.T) {
	tests := []struct {
		key, value string
		wantErr    bool
		check      func(*Settings) bool
	}{
		{"scenario_dir", "/srv/scenarios", false, func(s *Settings) bool { return s.GetScenarioDir() == "/srv/scenarios" }},
		{"loop_checking", "relaxed", false, func(s *Settings) bool { return s.GetLoopChecking() == plan.LoopRelaxed }},
		{"loop_checking", "sometimes", true, nil},
		{"solver_workers", "4", false, func(s *Settings) bool { return s.GetSolverWorkers() == 4 }},
		{"solver_workers", "0", true, nil},
		{"solve_timeout", "90s", false, func(s *Settings) bool { return s.GetSolveTimeout() == 90*time.Second }},
		{"command_timeout", "2m", false, func(s *Settings) bool { return s.GetCommandTimeout() == 2*time.Minute }},
		{"command_timeout", "soon", true, nil},
		{"lab_file", "lab.yaml", false, func(s *Settings) bool { return s.LabFile == "lab.yaml" }},
		{"color", "blue", true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			s := &Settings{}
			err := s.Set(tt.key, tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Set() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil && !tt.check(s) {
				t.Errorf("Set(%s, %s) not applied: %+v", tt.key, tt.value, s)
			}
		})
	}
}

func TestSettings_Clear(t *testing.T) {
	s := &Settings{ScenarioDir: "/path", SolverWorkers: 3, LoopChecking: "relaxed"}

	s.Clear()

	if *s != (Settings{}) {
		t.Error("Clear() should reset all fields to empty")
	}
}

func TestSettings_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")

	original := &Settings{
		ScenarioDir:    "/srv/scenarios",
		ReportDir:      "/tmp/reports",
		LoopChecking:   "relaxed",
		SolverWorkers:  2,
		SolveTimeout:   "45s",
		CommandTimeout: "10s",
	}
	if err := original.SaveTo(path); err != nil {
		t.Fatalf("SaveTo() failed: %v", err)
	}

	loaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() failed: %v", err)
	}
	if *loaded != *original {
		t.Errorf("loaded %+v, want %+v", loaded, original)
	}
}

func TestSettings_LoadNonExistent(t *testing.T) {
	s, err := LoadFrom("/nonexistent/path/settings.json")
	if err != nil {
		t.Fatalf("LoadFrom() non-existent should not error: %v", err)
	}
	if s == nil || *s != (Settings{}) {
		t.Error("LoadFrom() non-existent should return empty settings")
	}
}

func TestSettings_LoadInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte("invalid json {"), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	if _, err := LoadFrom(path); err == nil {
		t.Error("LoadFrom() with invalid JSON should error")
	}
}

func TestSettings_SaveCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subdir", "nested", "settings.json")

	s := &Settings{ScenarioDir: "test"}
	if err := s.SaveTo(path); err != nil {
		t.Fatalf("SaveTo() should create directories: %v", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("SaveTo() should have created the file")
	}
}

func TestDefaultSettingsPath(t *testing.T) {
	path := DefaultSettingsPath()
	if !filepath.IsAbs(path) && path != "newtshift_settings.json" {
		t.Errorf("DefaultSettingsPath() should be absolute or fallback, got %q", path)
	}
}

func TestLoad(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	if err := (&Settings{ReportDir: "out"}).Save(); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(home, ".newtshift", "settings.json")); err != nil {
		t.Fatalf("settings not under HOME: %v", err)
	}
	s, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if s.GetReportDir() != "out" {
		t.Errorf("ReportDir = %q", s.ReportDir)
	}
}
