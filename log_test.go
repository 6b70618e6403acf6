package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	cfg := DefaultLogConfig()
	cfg.FilePath = path
	cfg.Level = "warn"

	logger, closeLog, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("Failed to build logger: %v", err)
	}
	logger.Info("below the level")
	logger.Warn("audit event not delivered")
	_ = logger.Sync()
	if err := closeLog(); err != nil {
		t.Fatalf("Failed to close log file: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	out := string(b)
	if !strings.Contains(out, `"msg":"audit event not delivered"`) {
		t.Errorf("Expected the warning in the log file, got %s", out)
	}
	if strings.Contains(out, "below the level") {
		t.Errorf("Expected info entries to be filtered at warn level, got %s", out)
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, _, err := NewLogger(LogConfig{Level: "chatty"}); err == nil {
		t.Error("Expected an error for an unknown level")
	}
}
