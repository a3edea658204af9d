package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"runtime"
	"sort"
	"sync"
	"time"
)

// ToolDefinition is the descriptor sent in tools/list responses.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Executor lists and runs tools. Call returns the output text and whether
// it represents an error.
type Executor interface {
	Definitions() []ToolDefinition
	Call(ctx context.Context, name string, args json.RawMessage) (string, bool)
}

func ok(v any) (string, bool) {
	b, err := json.Marshal(v)
	if err != nil {
		return failf("encode result: %v", err)
	}
	return string(b), false
}

func failf(format string, a ...any) (string, bool) {
	return fmt.Sprintf(format, a...), true
}

// Blocklist is the in-memory firewall state kept by SimulatedTools.
type Blocklist struct {
	mu      sync.Mutex
	entries map[string]blockEntry
}

type blockEntry struct {
	Reason    string    `json:"reason"`
	BlockedAt time.Time `json:"blocked_at"`
}

// Contains reports whether ip is currently blocked.
func (b *Blocklist) Contains(ip string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, found := b.entries[ip]
	return found
}

// SimulatedTools implements the security tool set without touching the
// host: scans return canned reports and blocks are kept in memory.
type SimulatedTools struct {
	Blocked *Blocklist
	now     func() time.Time
	start   time.Time
	defs    []ToolDefinition
	// Delay is added to every scan to mimic real scan latency.
	Delay time.Duration
}

func targetSchema(desc string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"target": map[string]any{"type": "string", "description": desc},
		},
		"required": []string{"target"},
	}
}

// NewSimulatedTools returns the stock tool set under the default names.
func NewSimulatedTools() *SimulatedTools {
	t := &SimulatedTools{
		Blocked: &Blocklist{entries: map[string]blockEntry{}},
		now:     time.Now,
		start:   time.Now(),
	}
	t.defs = []ToolDefinition{
		{
			Name:        "nmap_quick_scan",
			Description: "Fast scan of the most common ports on a target address.",
			InputSchema: targetSchema("IP address to scan"),
		},
		{
			Name:        "nmap_vulnerability_scan",
			Description: "Service and vulnerability detection scan of a target address. Slow.",
			InputSchema: targetSchema("IP address to scan"),
		},
		{
			Name:        "block_ip_firewall",
			Description: "Add a firewall rule dropping all traffic from an address.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"ip_address": map[string]any{"type": "string"},
					"reason":     map[string]any{"type": "string"},
				},
				"required": []string{"ip_address"},
			},
		},
		{
			Name:        "unblock_ip_firewall",
			Description: "Remove a firewall block on an address.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"ip_address": map[string]any{"type": "string"}},
				"required":   []string{"ip_address"},
			},
		},
		{
			Name:        "get_failed_logins",
			Description: "Failed authentication attempts over the last N hours.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"hours": map[string]any{"type": "integer", "minimum": 1}},
			},
		},
		{
			Name:        "get_system_health",
			Description: "Resource usage report for the tool host.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		},
	}
	return t
}

// Definitions returns the tool descriptors for tools/list.
func (t *SimulatedTools) Definitions() []ToolDefinition { return t.defs }

// Call dispatches a tool call by name.
func (t *SimulatedTools) Call(ctx context.Context, name string, args json.RawMessage) (string, bool) {
	switch name {
	case "nmap_quick_scan":
		return t.scan(ctx, args, "quick")
	case "nmap_vulnerability_scan":
		return t.scan(ctx, args, "vulnerability")
	case "block_ip_firewall":
		return t.block(args)
	case "unblock_ip_firewall":
		return t.unblock(args)
	case "get_failed_logins":
		return t.failedLogins(args)
	case "get_system_health":
		return t.systemHealth()
	default:
		return failf("unknown tool: %q", name)
	}
}

// ── tool handlers ────────────────────────────────────────────────────────────

func parseAddr(raw string) (string, error) {
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return "", fmt.Errorf("invalid IP address %q", raw)
	}
	return addr.Unmap().String(), nil
}

func (t *SimulatedTools) scan(ctx context.Context, args json.RawMessage, kind string) (string, bool) {
	var in struct {
		Target string `json:"target"`
	}
	if err := json.Unmarshal(args, &in); err != nil || in.Target == "" {
		return failf("target is required")
	}
	target, err := parseAddr(in.Target)
	if err != nil {
		return failf("%v", err)
	}

	if t.Delay > 0 {
		select {
		case <-time.After(t.Delay):
		case <-ctx.Done():
			return failf("scan cancelled: %v", ctx.Err())
		}
	}

	report := map[string]any{
		"target":     target,
		"scan_type":  kind,
		"status":     "completed",
		"open_ports": []int{22, 80, 443},
		"scanned_at": t.now().UTC().Format(time.RFC3339),
	}
	if kind == "vulnerability" {
		report["vulnerabilities"] = []map[string]any{}
	}
	return ok(report)
}

func (t *SimulatedTools) block(args json.RawMessage) (string, bool) {
	var in struct {
		IP     string `json:"ip_address"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(args, &in); err != nil || in.IP == "" {
		return failf("ip_address is required")
	}
	ip, err := parseAddr(in.IP)
	if err != nil {
		return failf("%v", err)
	}

	t.Blocked.mu.Lock()
	_, already := t.Blocked.entries[ip]
	t.Blocked.entries[ip] = blockEntry{Reason: in.Reason, BlockedAt: t.now().UTC()}
	t.Blocked.mu.Unlock()

	return ok(map[string]any{
		"success":         true,
		"ip_address":      ip,
		"reason":          in.Reason,
		"already_blocked": already,
	})
}

func (t *SimulatedTools) unblock(args json.RawMessage) (string, bool) {
	var in struct {
		IP string `json:"ip_address"`
	}
	if err := json.Unmarshal(args, &in); err != nil || in.IP == "" {
		return failf("ip_address is required")
	}
	ip, err := parseAddr(in.IP)
	if err != nil {
		return failf("%v", err)
	}

	t.Blocked.mu.Lock()
	_, found := t.Blocked.entries[ip]
	delete(t.Blocked.entries, ip)
	t.Blocked.mu.Unlock()

	if !found {
		return failf("%s is not blocked", ip)
	}
	return ok(map[string]any{"success": true, "ip_address": ip})
}

func (t *SimulatedTools) failedLogins(args json.RawMessage) (string, bool) {
	in := struct {
		Hours int `json:"hours"`
	}{Hours: 24}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return failf("invalid arguments: %v", err)
		}
	}
	if in.Hours <= 0 {
		return failf("hours must be positive")
	}
	return ok(map[string]any{
		"hours":         in.Hours,
		"failed_logins": []any{},
		"total":         0,
	})
}

func (t *SimulatedTools) systemHealth() (string, bool) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	t.Blocked.mu.Lock()
	blocked := make([]string, 0, len(t.Blocked.entries))
	for ip := range t.Blocked.entries {
		blocked = append(blocked, ip)
	}
	t.Blocked.mu.Unlock()
	sort.Strings(blocked)

	return ok(map[string]any{
		"status":         "healthy",
		"uptime_seconds": int64(t.now().Sub(t.start).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
		"heap_bytes":     ms.HeapAlloc,
		"blocked_ips":    blocked,
	})
}
