// Toolgate - deterministic natural-language execution gateway
// License: MIT
//
// Copyright (c) 2026 Toolgate contributors

package protocol

import (
	"encoding/json"
	"testing"
)

func TestIDKeyNormalizesNumbers(t *testing.T) {
	// A request sent with an int64 id comes back as float64 after a
	// JSON round trip. Both must land on the same key.
	if IDKey(int64(7)) != IDKey(float64(7)) {
		t.Fatalf("int64(7) and float64(7) map to different keys")
	}
	if IDKey(7) != IDKey(float64(7)) {
		t.Fatalf("int(7) and float64(7) map to different keys")
	}
	if IDKey("7") == IDKey(7) {
		t.Fatalf("string id %q must not collide with numeric id", "7")
	}
	if IDKey(nil) != "" {
		t.Fatalf("nil id key = %q, want empty", IDKey(nil))
	}
}

func TestIDKeyRoundTrip(t *testing.T) {
	req := NewRequest(int64(42), MethodPing, nil)
	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var echoed Response
	if err := json.Unmarshal(raw, &echoed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if IDKey(echoed.ID) != IDKey(int64(42)) {
		t.Fatalf("round-tripped id %v does not correlate", echoed.ID)
	}
}

func TestNotificationHasNoID(t *testing.T) {
	n := NewNotification(MethodInitialized, nil)
	if !n.IsNotification() {
		t.Fatalf("notification reports IsNotification() = false")
	}
	raw, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m["id"]; ok {
		t.Fatalf("notification wire form carries an id: %s", raw)
	}
}

func TestHasCapabilityKeyPresence(t *testing.T) {
	var res InitializeResult
	raw := `{"protocolVersion":"2024-11-05","capabilities":{"tools":{},"logging":null},"serverInfo":{"name":"srv"}}`
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !res.HasCapability("tools") {
		t.Errorf("tools capability not detected")
	}
	if !res.HasCapability("logging") {
		t.Errorf("null-valued capability must still count as present")
	}
	if res.HasCapability("prompts") {
		t.Errorf("absent capability reported present")
	}
}

func TestErrorString(t *testing.T) {
	e := &Error{Code: ErrTimeout, Message: "request timed out"}
	if got := e.Error(); got != "rpc error -32002: request timed out" {
		t.Fatalf("Error() = %q", got)
	}
}
