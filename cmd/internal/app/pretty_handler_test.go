package app

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestPrettyHandler_PlainLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))

	log.With("client_id", "alice").WithGroup("conn").Info("chat.connection.state",
		"to", "connected",
		"reason", "dial ok",
		"duration_ms", 12,
	)

	line := buf.String()
	for _, want := range []string{
		"lvl=[INFO]",
		"msg=chat.connection.state",
		"client_id=alice",
		"conn.to=connected",
		`conn.reason="dial ok"`,
		"conn.duration_ms=12",
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("plain output contains escape codes: %q", line)
	}
}

func TestPrettyHandler_RemapsKnownKeys(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, false))
	log.Warn("http.request", "status", 404, "status_class", "4xx", "duration_ms", 3, "err", errors.New("boom"))

	line := buf.String()
	for _, want := range []string{"lvl=[WARN]", "status=404", "class=4xx", "duration=3ms", "err=boom"} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
}

func TestPrettyHandler_Colored(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, true))
	log.Error("chat.error", "state", "failed")

	if !strings.Contains(buf.String(), "\x1b[") {
		t.Fatalf("colored output has no escape codes: %q", buf.String())
	}
}

func TestQuoteIfNeeded(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":          `""`,
		"plain":     "plain",
		"two words": `"two words"`,
		"a=b":       `"a=b"`,
	}
	for in, want := range cases {
		if got := quoteIfNeeded(in); got != want {
			t.Fatalf("quoteIfNeeded(%q)=%q want=%q", in, got, want)
		}
	}
}

func TestColorizeConnState_Plain(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"connected", "suspended", "failed", "initialized"} {
		if got := colorizeConnState(s, false); got != s {
			t.Fatalf("colorizeConnState(%q)=%q", s, got)
		}
	}
}
