package nbdlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewJSONFormat(t *testing.T) {
	logger, closer := New("info", "json", "")
	defer closer.Close()
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewTextFormat(t *testing.T) {
	logger, closer := New("debug", "text", "")
	defer closer.Close()
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewUnknownLevelFallsBackToInfo(t *testing.T) {
	if parseLevel("bogus") != parseLevel("info") {
		t.Fatal("unknown level should fall back to info")
	}
}

func TestNewWithFileOutput(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "test.log")

	logger, closer := New("info", "json", logFile)
	logger.Info("hello", "key", "value")
	closer.Close()

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Fatalf("expected log file to contain message, got: %s", data)
	}
}

func TestNewWithInvalidFilePathFallsBackToStdout(t *testing.T) {
	logger, closer := New("info", "json", "/nonexistent/dir/test.log")
	defer closer.Close()
	if logger == nil {
		t.Fatal("expected non-nil logger even with invalid file path")
	}
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
	logger.Info("dropped")
}
