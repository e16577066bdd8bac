package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"debug", slog.LevelDebug, true},
		{"INFO", slog.LevelInfo, true},
		{"", slog.LevelInfo, true},
		{"warn", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"verbose", slog.LevelInfo, false},
	}
	for _, tc := range tests {
		got, err := ParseLevel(tc.in)
		if (err == nil) != tc.ok {
			t.Fatalf("%q: err=%v ok=%v", tc.in, err, tc.ok)
		}
		if got != tc.want {
			t.Fatalf("%q: got %v want %v", tc.in, got, tc.want)
		}
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New("json", slog.LevelInfo, &buf)
	l.Debug("hidden")
	l.Info("exchange_complete", "role", "controller")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record should be filtered: %s", out)
	}
	if !strings.Contains(out, `"msg":"exchange_complete"`) || !strings.Contains(out, `"role":"controller"`) {
		t.Fatalf("unexpected json output: %s", out)
	}
}

func TestSetIgnoresNil(t *testing.T) {
	before := L()
	Set(nil)
	if L() != before {
		t.Fatalf("Set(nil) must keep the current logger")
	}
}

func TestNewFallsBackToText(t *testing.T) {
	var buf bytes.Buffer
	New("xml", slog.LevelInfo, &buf).Info("serial_open", "device", "/dev/ttyUSB0")
	if out := buf.String(); !strings.Contains(out, "msg=serial_open") || !strings.Contains(out, "device=/dev/ttyUSB0") {
		t.Fatalf("expected text output, got %s", out)
	}
	if ValidFormat("xml") || !ValidFormat(FormatText) || !ValidFormat(FormatJSON) {
		t.Fatalf("unexpected format validation")
	}
}
