package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"debug level", "debug", "console"},
		{"info level", "info", "console"},
		{"warn level", "warn", "console"},
		{"error level", "error", "console"},
		{"json format", "info", "json"},
		{"uppercase level", "DEBUG", "console"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Setup(tt.level, tt.format)
			if Log == nil {
				t.Error("expected Log to be initialized")
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level  string
		expect zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := ParseLevel(tt.level); got != tt.expect {
				t.Errorf("level %s: expected %v, got %v", tt.level, tt.expect, got)
			}
		})
	}
}

func TestJSONFieldsAndComponent(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter("debug", "json", &buf)
	defer Setup("info", "console")

	Log.With("generator").Info("pretrain step",
		"loss", 1.25,
		"batch", 4,
		"phase", "mle",
	)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not json: %v (%q)", err, buf.String())
	}
	if entry["component"] != "generator" {
		t.Errorf("expected component=generator, got %v", entry["component"])
	}
	if entry["loss"] != 1.25 {
		t.Errorf("expected loss=1.25, got %v", entry["loss"])
	}
	if entry["batch"] != float64(4) {
		t.Errorf("expected batch=4, got %v", entry["batch"])
	}
	if entry["message"] != "pretrain step" {
		t.Errorf("unexpected message %v", entry["message"])
	}
}

func TestErrorAttachesLeadingError(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter("info", "json", &buf)
	defer Setup("info", "console")

	Log.Error("discriminator failed", errors.New("connection refused"), "batch", 2)

	if !strings.Contains(buf.String(), `"error":"connection refused"`) {
		t.Errorf("expected error field, got %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"batch":2`) {
		t.Errorf("expected batch field, got %s", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter("error", "json", &buf)
	defer Setup("info", "console")

	Log.Debug("filtered")
	Log.Info("filtered")
	Log.Warn("filtered")
	if buf.Len() != 0 {
		t.Errorf("expected nothing below error level, got %s", buf.String())
	}

	Log.Error("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("expected error line, got %s", buf.String())
	}
}

func TestOddArgsAndNonStringKeys(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter("info", "json", &buf)
	defer Setup("info", "console")

	Log.Info("odd args", "key1", "value1", "orphan_key")
	Log.Info("non-string key", 123, "value")

	out := buf.String()
	if strings.Contains(out, "orphan_key") {
		t.Errorf("orphan key should be dropped: %s", out)
	}
	if !strings.Contains(out, `"123":"value"`) {
		t.Errorf("non-string key should be stringified: %s", out)
	}
}
