package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitializeDisabledIsNoOp(t *testing.T) {
	dir := t.TempDir()
	if err := Initialize(dir, Settings{DebugMode: false}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer CloseAll()

	Routing("this should not be written")

	if _, err := os.Stat(filepath.Join(dir, "logs")); !os.IsNotExist(err) {
		t.Fatalf("logs dir should not exist in production mode")
	}
}

func TestCategoryFileWritten(t *testing.T) {
	dir := t.TempDir()
	err := Initialize(dir, Settings{DebugMode: true, Level: "debug"})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer CloseAll()

	Get(CategoryBreaker).Info("breaker opened for %s", "codex")
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var found bool
	for _, e := range entries {
		if strings.Contains(e.Name(), "breaker") {
			found = true
			data, _ := os.ReadFile(filepath.Join(dir, "logs", e.Name()))
			if !strings.Contains(string(data), "breaker opened for codex") {
				t.Fatalf("log content missing message: %s", data)
			}
		}
	}
	if !found {
		t.Fatalf("expected breaker log file, got %v", entries)
	}
}

func TestCategoryFilter(t *testing.T) {
	dir := t.TempDir()
	err := Initialize(dir, Settings{
		DebugMode:  true,
		Level:      "info",
		Categories: map[string]bool{"dedup": false},
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer CloseAll()

	if IsCategoryEnabled(CategoryDedup) {
		t.Fatal("dedup should be disabled")
	}
	if !IsCategoryEnabled(CategoryRouting) {
		t.Fatal("routing should default to enabled")
	}
}

func TestApplyLevelChange(t *testing.T) {
	Apply(Settings{DebugMode: true, Level: "error"})
	defer Apply(Settings{})
	if logLevel != LevelError {
		t.Fatalf("logLevel=%d, want %d", logLevel, LevelError)
	}
}
