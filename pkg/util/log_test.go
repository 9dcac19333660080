package util

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func saveLoggerState() (io.Writer, logrus.Level, logrus.Formatter) {
	return Logger.Out, Logger.Level, Logger.Formatter
}

func restoreLoggerState(out io.Writer, level logrus.Level, formatter logrus.Formatter) {
	Logger.SetOutput(out)
	Logger.SetLevel(level)
	Logger.SetFormatter(formatter)
}

func TestSetLogLevel(t *testing.T) {
	out, level, formatter := saveLoggerState()
	defer restoreLoggerState(out, level, formatter)

	tests := []struct {
		level   string
		wantErr bool
	}{
		{"debug", false},
		{"info", false},
		{"warning", false},
		{"error", false},
		{"loud", true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			err := SetLogLevel(tt.level)
			if (err != nil) != tt.wantErr {
				t.Errorf("SetLogLevel(%q) error = %v, wantErr %v", tt.level, err, tt.wantErr)
			}
		})
	}
}

func TestSetVerbose(t *testing.T) {
	out, level, formatter := saveLoggerState()
	defer restoreLoggerState(out, level, formatter)

	SetVerbose(true)
	if Logger.Level != logrus.DebugLevel {
		t.Errorf("level = %v, want debug", Logger.Level)
	}
	SetVerbose(false)
	if Logger.Level != logrus.InfoLevel {
		t.Errorf("level = %v, want info", Logger.Level)
	}
}

func TestJSONFormatCarriesFields(t *testing.T) {
	out, level, formatter := saveLoggerState()
	defer restoreLoggerState(out, level, formatter)

	var buf bytes.Buffer
	SetLogOutput(&buf)
	SetJSONFormat()

	WithCommand("switch-route/r1/p", 3).Info("dispatched")

	output := buf.String()
	if !strings.HasPrefix(output, "{") {
		t.Fatalf("expected JSON output, got: %s", output)
	}
	for _, want := range []string{`"command":"switch-route/r1/p"`, `"round":3`, `"msg":"dispatched"`} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %s: %s", want, output)
		}
	}
}

func TestScopedLoggers(t *testing.T) {
	out, level, formatter := saveLoggerState()
	defer restoreLoggerState(out, level, formatter)

	var buf bytes.Buffer
	SetLogOutput(&buf)
	SetLogLevel("debug")

	WithRouter("rr").Debug("pinned")
	WithPrefix("10.0.0.0/24").Warn("violation")
	WithFields(logrus.Fields{"a": 1}).Info("x")

	output := buf.String()
	if !strings.Contains(output, "router=rr") || !strings.Contains(output, "prefix=10.0.0.0/24") {
		t.Errorf("scoped fields missing: %s", output)
	}
}
