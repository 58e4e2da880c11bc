// ABOUTME: Tests for the console slog handler
// ABOUTME: Verifies level filtering, attr formatting, and group prefixes

package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/fatih/color"
)

func newTestLogger(level slog.Level) (*slog.Logger, *bytes.Buffer) {
	// Plain output so assertions see the text, not escape codes
	color.NoColor = true

	var buf bytes.Buffer
	return slog.New(newConsoleHandler(&buf, level)), &buf
}

func TestConsoleHandler_FormatsLine(t *testing.T) {
	logger, buf := newTestLogger(slog.LevelInfo)

	logger.Info("session created", "session_id", "sess-1", "model", "claude-sonnet-4-20250514")

	line := buf.String()
	if !strings.Contains(line, "INF session created") {
		t.Errorf("missing level tag and message: %q", line)
	}
	if !strings.Contains(line, "session_id=sess-1") {
		t.Errorf("missing attr: %q", line)
	}
	if !strings.HasSuffix(line, "\n") {
		t.Errorf("line not terminated: %q", line)
	}
}

func TestConsoleHandler_LevelFiltering(t *testing.T) {
	logger, buf := newTestLogger(slog.LevelWarn)

	logger.Info("quiet")
	logger.Warn("loud")

	line := buf.String()
	if strings.Contains(line, "quiet") {
		t.Errorf("info line not filtered: %q", line)
	}
	if !strings.Contains(line, "WRN loud") {
		t.Errorf("warn line missing: %q", line)
	}
}

func TestConsoleHandler_GroupsQualifyKeys(t *testing.T) {
	logger, buf := newTestLogger(slog.LevelInfo)

	logger.With("request_id", "r-1").WithGroup("turn").Info("done", "duration", "2s")

	line := buf.String()
	if !strings.Contains(line, "request_id=r-1") {
		t.Errorf("pre-group attr should stay unqualified: %q", line)
	}
	if !strings.Contains(line, "turn.duration=2s") {
		t.Errorf("record attr should carry group prefix: %q", line)
	}
}

func TestLevelTag(t *testing.T) {
	color.NoColor = true

	tests := []struct {
		level slog.Level
		want  string
	}{
		{slog.LevelDebug, "DBG"},
		{slog.LevelInfo, "INF"},
		{slog.LevelWarn, "WRN"},
		{slog.LevelError, "ERR"},
	}
	for _, tt := range tests {
		if got := levelTag(tt.level); got != tt.want {
			t.Errorf("levelTag(%v) = %q, want %q", tt.level, got, tt.want)
		}
	}
}
