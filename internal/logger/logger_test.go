package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
)

func TestSetupWriter(t *testing.T) {
	prev := log.Default()
	t.Cleanup(func() { log.SetDefault(prev) })

	t.Run("json format", func(t *testing.T) {
		var buf bytes.Buffer
		l := SetupWriter(&buf, "debug", "json")
		l.Debug("connect attempt", "attempt", 2)

		out := buf.String()
		if !strings.Contains(out, `"msg":"connect attempt"`) {
			t.Errorf("expected json message, got %q", out)
		}
		if !strings.Contains(out, `"attempt":2`) {
			t.Errorf("expected attempt field, got %q", out)
		}
	})

	t.Run("level filters", func(t *testing.T) {
		var buf bytes.Buffer
		l := SetupWriter(&buf, "warn", "text")
		l.Info("hidden")
		l.Warn("shown")

		out := buf.String()
		if strings.Contains(out, "hidden") {
			t.Errorf("info line should be filtered at warn level: %q", out)
		}
		if !strings.Contains(out, "shown") {
			t.Errorf("warn line missing: %q", out)
		}
	})

	t.Run("unknown level falls back to info", func(t *testing.T) {
		var buf bytes.Buffer
		l := SetupWriter(&buf, "chatty", "logfmt")
		if l.GetLevel() != log.InfoLevel {
			t.Errorf("expected info level, got %v", l.GetLevel())
		}
	})
}

func TestWithComponent(t *testing.T) {
	prev := log.Default()
	t.Cleanup(func() { log.SetDefault(prev) })

	var buf bytes.Buffer
	SetupWriter(&buf, "info", "text")
	WithComponent("voice").Info("ready")

	if !strings.Contains(buf.String(), "voice") {
		t.Errorf("expected component prefix in %q", buf.String())
	}
}
