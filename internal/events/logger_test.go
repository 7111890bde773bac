package events

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestEventLoggerAttributes(t *testing.T) {
	var buf bytes.Buffer
	el := NewEventLoggerWithWriter("L9", &buf)

	el.LogEnqueued("req_1", "E1", "L9-E1-boiler", 10, "recent operator command")

	line := strings.TrimSpace(buf.String())
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["location_id"] != "L9" {
		t.Errorf("location_id = %v, want L9", entry["location_id"])
	}
	if entry["job_key"] != "L9-E1-boiler" {
		t.Errorf("job_key = %v, want L9-E1-boiler", entry["job_key"])
	}
	if entry["msg"] != "job_enqueued" {
		t.Errorf("msg = %v, want job_enqueued", entry["msg"])
	}
}

func TestGlobalLoggerFallsBackToNoop(t *testing.T) {
	SetGlobalEventLogger(nil)
	l := GetGlobalEventLogger()
	if l == nil {
		t.Fatal("GetGlobalEventLogger returned nil")
	}
	// Must not panic.
	l.LogSkipped("req", "E1", "no triggers")
}
