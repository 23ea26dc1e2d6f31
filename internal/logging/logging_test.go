package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/formrelay/formrelay/internal/config"
	log "github.com/sirupsen/logrus"
)

func TestSetupWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "formrelay.log")
	closer, err := Setup(config.LoggingConfig{Level: "debug", Format: "json", File: path})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	t.Cleanup(func() {
		_ = closer.Close()
		log.SetOutput(os.Stdout)
		log.SetLevel(log.InfoLevel)
	})

	if log.GetLevel() != log.DebugLevel {
		t.Fatalf("level = %s", log.GetLevel())
	}
	log.Info("hello")
	info, errStat := os.Stat(path)
	if errStat != nil {
		t.Fatalf("stat log file: %v", errStat)
	}
	if info.Size() == 0 {
		t.Fatalf("log file is empty")
	}
}

func TestSetupFallsBackToInfo(t *testing.T) {
	closer, err := Setup(config.LoggingConfig{Level: "loud"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer closer.Close()
	if log.GetLevel() != log.InfoLevel {
		t.Fatalf("level = %s", log.GetLevel())
	}
}
