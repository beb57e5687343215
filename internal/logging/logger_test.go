package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/roffe/pcanrs/internal/config"
	"go.uber.org/zap"
)

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "pcantool.log")
	log, err := New(config.LoggingConfig{Level: "debug", Format: "json", Output: path, MaxSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	log.Debug(">>", zap.String("command", "open"))
	log.Sync()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var entry map[string]any
	if err := json.Unmarshal(b, &entry); err != nil {
		t.Fatalf("%s: %v", b, err)
	}
	if entry["message"] != ">>" || entry["command"] != "open" || entry["level"] != "debug" {
		t.Errorf("entry = %v", entry)
	}
}

func TestLevelFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pcantool.log")
	log, err := New(config.LoggingConfig{Level: "warn", Format: "console", Output: path})
	if err != nil {
		t.Fatal(err)
	}
	log.Info("hidden")
	log.Sync()
	if b, _ := os.ReadFile(path); len(b) != 0 {
		t.Errorf("info logged at warn level: %s", b)
	}
}

func TestBadLevel(t *testing.T) {
	if _, err := New(config.LoggingConfig{Level: "loud"}); err == nil {
		t.Error("expected error")
	}
}
