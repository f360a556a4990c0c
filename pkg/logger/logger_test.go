package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLogLevels(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		logFunc  func(string, ...any)
		logMsg   string
		expected bool
	}{
		{"Debug when debug level", "debug", Debug, "debug message", true},
		{"Info when debug level", "debug", Info, "info message", true},
		{"Debug when info level", "info", Debug, "debug message", false},
		{"Warn when error level", "error", Warn, "warn message", false},
		{"Error when error level", "error", Error, "error message", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			SetDefault(New(tt.logLevel, &buf))

			tt.logFunc(tt.logMsg)
			output := buf.String()

			if tt.expected && !strings.Contains(output, tt.logMsg) {
				t.Errorf("Expected log output to contain '%s', got: %s", tt.logMsg, output)
			}
			if !tt.expected && strings.Contains(output, tt.logMsg) {
				t.Errorf("Expected log output NOT to contain '%s', but it did: %s", tt.logMsg, output)
			}
		})
	}
}

func TestComponentJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(New("info", &buf))

	Component("optimizer").Info("run started", "variables", 3)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to parse JSON log output: %v", err)
	}
	if entry["component"] != "optimizer" {
		t.Errorf("Expected component 'optimizer', got '%v'", entry["component"])
	}
	if entry["variables"] != float64(3) {
		t.Errorf("Expected variables 3, got '%v'", entry["variables"])
	}
}

func TestNewWithFormat(t *testing.T) {
	var buf bytes.Buffer
	NewWithFormat("text", "info", &buf).Info("plain line")
	if strings.HasPrefix(buf.String(), "{") {
		t.Fatalf("Expected text output, got JSON: %s", buf.String())
	}

	buf.Reset()
	NewWithFormat("json", "info", &buf).Info("json line")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Fatalf("Expected JSON output, got: %s", buf.String())
	}
}

func TestDiscard(t *testing.T) {
	Discard().Error("nobody hears this")
}
