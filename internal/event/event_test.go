package event

import (
	"errors"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		ev      Event
		wantErr bool
		field   string
	}{
		{"ipv4", Event{Type: ConfirmedAttack, SourceID: "203.0.113.5"}, false, ""},
		{"ipv6", Event{Type: MalwareDetected, SourceID: "2001:db8::1"}, false, ""},
		{"empty source", Event{Type: ConfirmedAttack}, true, "source_ip"},
		{"bad source", Event{Type: ConfirmedAttack, SourceID: "300.1.1.1"}, true, "source_ip"},
		{"hostname", Event{Type: ConfirmedAttack, SourceID: "evil.example.com"}, true, "source_ip"},
		{"missing type", Event{SourceID: "10.0.0.1"}, true, "event_type"},
		{"unknown type", Event{Type: "teleport", SourceID: "10.0.0.1"}, true, "event_type"},
		{"bad severity", Event{Type: HighCPUUsage, SourceID: "10.0.0.1", Severity: "meh"}, true, "severity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.ev)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if ve.Field != tt.field {
				t.Errorf("field: got %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestNormalize_Defaults(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	details := map[string]any{"user": "root"}

	got, err := Normalize(Event{Type: FailedLoginAttempt, SourceID: " ::ffff:10.0.0.7 ", Details: details}, now)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got.SourceID != "10.0.0.7" {
		t.Errorf("source: got %q, want 10.0.0.7", got.SourceID)
	}
	if got.Severity != SeverityMedium {
		t.Errorf("severity: got %q, want medium", got.Severity)
	}
	if !got.ObservedAt.Equal(now) {
		t.Errorf("observed_at: got %v, want %v", got.ObservedAt, now)
	}

	details["user"] = "changed"
	if got.Details["user"] != "root" {
		t.Error("details should be copied, not aliased")
	}
}
