package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevelAliases(t *testing.T) {
	cases := map[string]zerolog.Level{
		"WARNING":  zerolog.WarnLevel,
		"critical": zerolog.FatalLevel,
		"debug":    zerolog.DebugLevel,
		"":         zerolog.InfoLevel,
		"verbose":  zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "warn", Format: "json"}, &buf)

	logger.Info().Msg("dropped")
	logger.Warn().Str("component", "test").Msg("kept")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected a single json line, got %q: %v", buf.String(), err)
	}
	if line["message"] != "kept" || line["component"] != "test" {
		t.Fatalf("unexpected log line %v", line)
	}
	if _, ok := line["time"]; !ok {
		t.Fatal("日志应包含时间戳")
	}
}
