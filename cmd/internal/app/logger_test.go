package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewHandler_Formats(t *testing.T) {
	t.Parallel()

	var jsonOut bytes.Buffer
	slog.New(newHandler(&jsonOut, "info", "json", false)).Info("chat.connect", "generation", 1)

	var rec map[string]any
	if err := json.Unmarshal(jsonOut.Bytes(), &rec); err != nil {
		t.Fatalf("json output not JSON: %v (%q)", err, jsonOut.String())
	}
	if rec["msg"] != "chat.connect" {
		t.Fatalf("msg=%v want=chat.connect", rec["msg"])
	}

	var pretty bytes.Buffer
	slog.New(newHandler(&pretty, "warn", "pretty", false)).Info("dropped")
	if pretty.Len() != 0 {
		t.Fatalf("info logged at warn level: %q", pretty.String())
	}
	slog.New(newHandler(&pretty, "warn", "pretty", false)).Warn("chat.error", "op", "publish")
	if !strings.Contains(pretty.String(), "msg=chat.error") || !strings.Contains(pretty.String(), "op=publish") {
		t.Fatalf("pretty output=%q", pretty.String())
	}
}
