package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":    zerolog.DebugLevel,
		" INFO ":   zerolog.InfoLevel,
		"warning":  zerolog.WarnLevel,
		"off":      zerolog.Disabled,
		"trace":    zerolog.TraceLevel,
		"error":    zerolog.ErrorLevel,
		"disabled": zerolog.Disabled,
	}
	for raw, want := range cases {
		got, ok := parseLevel(raw)
		if !ok || got != want {
			t.Fatalf("parseLevel(%q) = %v,%v want %v", raw, got, ok, want)
		}
	}
	if _, ok := parseLevel("loud"); ok {
		t.Fatalf("expected unknown level to be rejected")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogTimestamp, "false")
	t.Setenv(EnvLogBypass, "true")

	cfg := defaultConfig(ProfileRuntime)
	applyEnvOverrides(&cfg)
	if cfg.Level != zerolog.ErrorLevel {
		t.Fatalf("unexpected level: %v", cfg.Level)
	}
	if cfg.Timestamp {
		t.Fatalf("expected timestamp disabled")
	}
	if !cfg.Bypass {
		t.Fatalf("expected bypass enabled")
	}
}

func TestWorkerProfileWritesToStderr(t *testing.T) {
	cfg := defaultConfig(ProfileWorker)
	if cfg.Out == nil || cfg.Out == defaultConfig(ProfileRuntime).Out {
		t.Fatalf("worker profile must not share the runtime writer")
	}
}

func TestNewBypassWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: zerolog.InfoLevel, Bypass: true, Out: &buf})
	Zerolog(logger).Infof("link.Processor.Receive peer closed remote=%q", "10.0.0.2:1")
	Zerolog(logger).Debugf("dropped")
	out := buf.String()
	if !strings.Contains(out, `"message":"link.Processor.Receive peer closed remote=\"10.0.0.2:1\""`) {
		t.Fatalf("unexpected output: %s", out)
	}
	if strings.Contains(out, "dropped") {
		t.Fatalf("debug line should be filtered at info level: %s", out)
	}
}

func TestRecorderLimitAndDrain(t *testing.T) {
	r := NewRecorder(2)
	r.Infof("one")
	r.Errorf("two")
	r.Debugf("three")
	entries := r.Entries()
	if len(entries) != 2 || entries[0].Text != "two" || entries[1].Text != "three" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if r.Count(zerolog.ErrorLevel) != 1 {
		t.Fatalf("expected one error entry")
	}
	if got := r.Drain(); len(got) != 2 {
		t.Fatalf("drain returned %d entries", len(got))
	}
	if len(r.Entries()) != 0 {
		t.Fatalf("expected recorder empty after drain")
	}
}

func TestTeeFansOut(t *testing.T) {
	a, b := NewRecorder(0), NewRecorder(0)
	s := Tee(a, b)
	s.Infof("x=%d", 1)
	s.Errorf("y")
	if len(a.Entries()) != 2 || len(b.Entries()) != 2 {
		t.Fatalf("tee did not reach every sink")
	}
	if a.Entries()[0].Text != "x=1" {
		t.Fatalf("unexpected text: %q", a.Entries()[0].Text)
	}
}
