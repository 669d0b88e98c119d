package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func captureLogs(t *testing.T, level string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	Init(Config{Level: level, Format: "json", Output: &buf})
	t.Cleanup(func() { Init(Config{}) })
	return &buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatal("expected a log line, got nothing")
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, line)
	}
	return fields
}

func TestInitLevel(t *testing.T) {
	buf := captureLogs(t, "warn")

	Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Errorf("info should be filtered at warn level, got %q", buf.String())
	}

	Warn().Str("store", "redis").Msg("visible")
	fields := decodeLine(t, buf)
	if fields["message"] != "visible" || fields["store"] != "redis" || fields["level"] != "warn" {
		t.Errorf("unexpected fields: %v", fields)
	}
}

func TestValidLevel(t *testing.T) {
	for _, level := range []string{"", "trace", "DEBUG", "info", "warning", "error", "disabled"} {
		if !ValidLevel(level) {
			t.Errorf("%q should be valid", level)
		}
	}
	if ValidLevel("verbose") {
		t.Error("verbose should be invalid")
	}
}

func TestCtxCarriesRequestIDs(t *testing.T) {
	buf := captureLogs(t, "info")

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithCorrelationID(ctx, "corr-1")
	Ctx(ctx).Info().Msg("handled")

	fields := decodeLine(t, buf)
	if fields["request_id"] != "req-1" || fields["correlation_id"] != "corr-1" {
		t.Errorf("context ids missing: %v", fields)
	}
}

func TestCtxWithoutIDs(t *testing.T) {
	buf := captureLogs(t, "info")

	Ctx(context.Background()).Info().Msg("bare")
	fields := decodeLine(t, buf)
	if _, ok := fields["request_id"]; ok {
		t.Errorf("unexpected request_id: %v", fields)
	}
}

func TestGeneratedIDs(t *testing.T) {
	if a, b := GenerateRequestID(), GenerateRequestID(); a == b || len(a) != 36 {
		t.Errorf("request ids should be distinct UUIDs: %q %q", a, b)
	}
	if id := GenerateCorrelationID(); len(id) != 8 {
		t.Errorf("correlation id should be 8 characters, got %q", id)
	}
}

func TestWithComponent(t *testing.T) {
	buf := captureLogs(t, "info")

	l := WithComponent("sweeper")
	l.Info().Msg("tick")
	fields := decodeLine(t, buf)
	if fields["component"] != "sweeper" {
		t.Errorf("component missing: %v", fields)
	}
}

func TestSlogAdapter(t *testing.T) {
	buf := captureLogs(t, "info")

	logger := NewSlogger().With("supervisor", "root").WithGroup("svc")
	logger.Debug("dropped")
	if buf.Len() != 0 {
		t.Errorf("debug should be filtered, got %q", buf.String())
	}

	logger.Warn("service restarted", "name", "expiry-sweeper", "attempts", 3, "backoff", time.Second)
	fields := decodeLine(t, buf)
	if fields["level"] != "warn" || fields["message"] != "service restarted" {
		t.Errorf("unexpected fields: %v", fields)
	}
	if fields["supervisor"] != "root" {
		t.Errorf("WithAttrs attribute missing: %v", fields)
	}
	if fields["svc.name"] != "expiry-sweeper" || fields["svc.attempts"] != float64(3) {
		t.Errorf("grouped attributes missing: %v", fields)
	}

	if !NewSlogHandler().Enabled(context.Background(), slog.LevelError) {
		t.Error("error level should be enabled")
	}
}
