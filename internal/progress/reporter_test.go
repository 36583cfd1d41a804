package progress

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogPhaseTransitionEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	r := NewReporterWithWriter("run-1", &buf)
	r.LogPhaseTransition("CONFIGURING", "RUNNING")

	var entry map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["msg"] != "phase_transition" {
		t.Fatalf("msg = %v, want phase_transition", entry["msg"])
	}
	if entry["run_id"] != "run-1" {
		t.Fatalf("run_id = %v, want run-1", entry["run_id"])
	}
	if entry["to_phase"] != "RUNNING" {
		t.Fatalf("to_phase = %v, want RUNNING", entry["to_phase"])
	}
}

func TestLogServiceHeartbeatLostIncludesTimings(t *testing.T) {
	var buf bytes.Buffer
	r := NewReporterWithWriter("run-1", &buf)
	r.LogServiceHeartbeatLost("wkr-1", "worker", 45000, 30000)

	out := buf.String()
	if !strings.Contains(out, "service_heartbeat_lost") {
		t.Fatalf("log line missing event name: %s", out)
	}
	if !strings.Contains(out, `"last_seen_ms":45000`) {
		t.Fatalf("log line missing last_seen_ms: %s", out)
	}
}
