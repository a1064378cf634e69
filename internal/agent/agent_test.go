package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stone-age-io/svcstart/internal/config"
)

func TestInitLogger(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "agent.log")

	logger, err := initLogger(config.LoggingConfig{
		Level:      "info",
		File:       logFile,
		MaxSizeMB:  1,
		MaxBackups: 1,
	})
	if err != nil {
		t.Fatalf("initLogger() error: %v", err)
	}

	logger.Debug("filtered out")
	logger.Info("agent started")
	_ = logger.Sync()

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, `"msg":"agent started"`) {
		t.Errorf("log file missing info entry: %s", content)
	}
	if !strings.Contains(content, `"timestamp"`) {
		t.Errorf("log entries should use the timestamp key: %s", content)
	}
	if strings.Contains(content, "filtered out") {
		t.Error("debug entry written at info level")
	}
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	_, err := initLogger(config.LoggingConfig{Level: "verbose", File: filepath.Join(t.TempDir(), "x.log")})
	if err == nil {
		t.Fatal("expected error for invalid level")
	}
}

func TestNewMissingConfig(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing.yaml"), "test")
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}
