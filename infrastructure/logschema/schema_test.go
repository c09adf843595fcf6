package logschema

import "testing"

func TestValidate(t *testing.T) {
	err := Validate("open_at_shutdown", map[string]interface{}{
		"strategy_id": "momo",
		"symbol":      "AAPL",
		"status":      "SUBMITTED",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = Validate("open_at_shutdown", map[string]interface{}{
		"symbol": "AAPL",
	})
	if err == nil {
		t.Fatalf("expected error for missing fields")
	}
	if err := Validate("not_registered", nil); err != nil {
		t.Fatalf("unknown events must pass, got %v", err)
	}
}

func TestKnownEvents(t *testing.T) {
	names := Known()
	if len(names) == 0 {
		t.Fatalf("expected non-empty schema list")
	}
	found := false
	for _, n := range names {
		if n == "audit_event" {
			found = true
		}
	}
	if !found {
		t.Fatalf("audit_event not found in schemas")
	}
}
