package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLevels(t *testing.T) {
	cases := []struct {
		level   string
		enabled slog.Level
		muted   slog.Level
	}{
		{"debug", slog.LevelDebug, slog.LevelDebug - 4},
		{"info", slog.LevelInfo, slog.LevelDebug},
		{"warn", slog.LevelWarn, slog.LevelInfo},
		{"error", slog.LevelError, slog.LevelWarn},
		{"bogus", slog.LevelInfo, slog.LevelDebug},
		{"", slog.LevelInfo, slog.LevelDebug},
	}
	for _, tc := range cases {
		l := New(tc.level, "text")
		if !l.Enabled(context.Background(), tc.enabled) {
			t.Errorf("New(%q): level %v should be enabled", tc.level, tc.enabled)
		}
		if l.Enabled(context.Background(), tc.muted) {
			t.Errorf("New(%q): level %v should be muted", tc.level, tc.muted)
		}
	}
}

func TestNewJSONFormat(t *testing.T) {
	l := New("info", "json")
	if l == nil || !l.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("JSON logger should be usable at info level")
	}
}

func TestLAttachesRequestID(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := WithLogger(context.Background(), base)
	ctx = WithRequestID(ctx, "req_0a1b2c")

	L(ctx).Info("charge submitted")

	if out := buf.String(); !strings.Contains(out, "request_id=req_0a1b2c") {
		t.Fatalf("log line missing request_id: %q", out)
	}
}

func TestLWithoutRequestID(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	L(WithLogger(context.Background(), base)).Info("sweep complete")

	if out := buf.String(); strings.Contains(out, "request_id") {
		t.Fatalf("log line should not carry a request_id: %q", out)
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	if FromContext(context.Background()) != slog.Default() {
		t.Fatal("bare context should yield the default logger")
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if RequestID(ctx) != "" {
		t.Fatal("bare context should have no request ID")
	}
	ctx = WithRequestID(ctx, "first")
	ctx = WithRequestID(ctx, "second")
	if got := RequestID(ctx); got != "second" {
		t.Fatalf("RequestID = %q, want %q", got, "second")
	}
}
