// Package event defines the security telemetry events accepted by the shield
// and the validation applied before an event is recorded or scored.
package event

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Type is the closed set of telemetry event kinds.
type Type string

const (
	FailedLoginAttempt     Type = "failed_login_attempt"
	SuspiciousPortScan     Type = "suspicious_port_scan"
	ConfirmedBruteForce    Type = "confirmed_brute_force"
	ConfirmedAttack        Type = "confirmed_attack"
	HighCPUUsage           Type = "high_cpu_usage"
	HighMemoryUsage        Type = "high_memory_usage"
	UnusualNetworkActivity Type = "unusual_network_activity"
	MalwareDetected        Type = "malware_detected"
)

// Types lists every known event type.
var Types = []Type{
	FailedLoginAttempt,
	SuspiciousPortScan,
	ConfirmedBruteForce,
	ConfirmedAttack,
	HighCPUUsage,
	HighMemoryUsage,
	UnusualNetworkActivity,
	MalwareDetected,
}

// Valid reports whether t is one of the known event types.
func (t Type) Valid() bool {
	for _, k := range Types {
		if k == t {
			return true
		}
	}
	return false
}

// Severity is the producer's severity hint.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Event is a single inbound telemetry event. Treat it as immutable once
// it has been recorded.
type Event struct {
	Type       Type           `json:"event_type"`
	SourceID   string         `json:"source_ip"`
	ObservedAt time.Time      `json:"timestamp"`
	Severity   Severity       `json:"severity"`
	Details    map[string]any `json:"details,omitempty"`
}

// ValidationError is returned when an event is malformed. Invalid events are
// rejected before they are recorded and are never scored.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// Normalize fills defaults (severity medium, observation time now) and
// canonicalises the source address. It returns a copy; ev is not modified.
func Normalize(ev Event, now time.Time) (Event, error) {
	if err := Validate(ev); err != nil {
		return Event{}, err
	}
	out := ev
	addr, _ := ParseSource(ev.SourceID)
	out.SourceID = addr.String()
	if out.Severity == "" {
		out.Severity = SeverityMedium
	}
	if out.ObservedAt.IsZero() {
		out.ObservedAt = now
	}
	out.ObservedAt = out.ObservedAt.UTC()
	if len(ev.Details) > 0 {
		out.Details = make(map[string]any, len(ev.Details))
		for k, v := range ev.Details {
			out.Details[k] = v
		}
	}
	return out, nil
}

// Validate checks the event's source, type and severity.
func Validate(ev Event) error {
	if _, err := ParseSource(ev.SourceID); err != nil {
		return err
	}
	if ev.Type == "" {
		return &ValidationError{Field: "event_type", Msg: "is required"}
	}
	if !ev.Type.Valid() {
		return &ValidationError{Field: "event_type", Msg: fmt.Sprintf("unknown type %q", ev.Type)}
	}
	if ev.Severity != "" && !ev.Severity.Valid() {
		return &ValidationError{Field: "severity", Msg: fmt.Sprintf("unknown severity %q", ev.Severity)}
	}
	return nil
}

// ParseSource parses a source identifier as an IPv4 or IPv6 address literal.
func ParseSource(s string) (netip.Addr, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Addr{}, &ValidationError{Field: "source_ip", Msg: "is required"}
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, &ValidationError{Field: "source_ip", Msg: fmt.Sprintf("%q is not an IP address", s)}
	}
	if addr.Zone() != "" {
		return netip.Addr{}, &ValidationError{Field: "source_ip", Msg: "zoned addresses are not accepted"}
	}
	return addr.Unmap(), nil
}
