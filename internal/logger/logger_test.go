package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestHandler_Format(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, slog.LevelDebug))

	log.Info("round started", "phase", "headers", "peers", 3)

	line := buf.String()

	if !strings.Contains(line, "[INF] round started phase=headers peers=3") {
		t.Errorf("unexpected line: %q", line)
	}

	if !strings.HasSuffix(line, "\n") {
		t.Error("line should end with newline")
	}
}

func TestHandler_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, slog.LevelWarn))

	log.Debug("hidden")
	log.Info("hidden")
	log.Warn("shown")

	out := buf.String()

	if strings.Contains(out, "hidden") {
		t.Errorf("records below level should be discarded: %q", out)
	}

	if !strings.Contains(out, "[WRN] shown") {
		t.Errorf("warn record missing: %q", out)
	}
}

func TestHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, slog.LevelInfo))

	log.With("component", "blocksync").WithGroup("fetch").Info("done", "found", 2)

	if !strings.Contains(buf.String(), "done component=blocksync fetch.found=2") {
		t.Errorf("unexpected line: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	if l, err := ParseLevel("debug"); err != nil || l != slog.LevelDebug {
		t.Errorf("debug = %v, %v", l, err)
	}

	if l, err := ParseLevel("WARN"); err != nil || l != slog.LevelWarn {
		t.Errorf("WARN = %v, %v", l, err)
	}

	if _, err := ParseLevel("loud"); err == nil {
		t.Error("unknown level should fail")
	}
}

func TestTimed(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, slog.LevelInfo))

	log.Info("round done", Timed(time.Now().Add(-time.Second)))

	if !strings.Contains(buf.String(), "round done elapsed=1") {
		t.Errorf("unexpected line: %q", buf.String())
	}
}
