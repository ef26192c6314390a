package log

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestSetOutput_ComponentField(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "debug")
	defer SetOutput(&bytes.Buffer{}, "disabled")

	Fees.Info().Uint64("fee", 2).Msg("fee deducted")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if entry["component"] != "fees" {
		t.Errorf("component = %v, want fees", entry["component"])
	}
	if entry["message"] != "fee deducted" {
		t.Errorf("message = %v, want %q", entry["message"], "fee deducted")
	}
}

func TestParseLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "warn")
	defer SetOutput(&bytes.Buffer{}, "disabled")

	Node.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Errorf("info line written at warn level: %q", buf.String())
	}
	Node.Warn().Msg("shown")
	if buf.Len() == 0 {
		t.Error("warn line not written at warn level")
	}
}
