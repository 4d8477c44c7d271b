package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestJSONDefault(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	var buf bytes.Buffer
	lg := NewTo(&buf, "info", "json")
	lg.Debug("hidden")
	lg.Info("shown", "module", "echo")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if rec["msg"] != "shown" || rec["module"] != "echo" {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestEnvOverridesLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	var buf bytes.Buffer
	NewTo(&buf, "error", "json").Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("LOG_LEVEL=debug ignored: %q", buf.String())
	}
}

func TestTextHasNoColorOffTerminal(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	var buf bytes.Buffer
	NewTo(&buf, "info", "text").Info("plain", "k", "v")
	out := buf.String()
	if !strings.Contains(out, "plain") || !strings.Contains(out, "k=v") {
		t.Fatalf("unexpected text output: %q", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("ansi escapes in non-terminal output: %q", out)
	}
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	var buf bytes.Buffer
	lg := NewTo(&buf, "loud", "json")
	lg.Debug("hidden")
	lg.Info("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}
