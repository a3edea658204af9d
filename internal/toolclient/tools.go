package toolclient

import (
	"context"
	"fmt"
	"time"
)

// ToolNames maps each logical capability to the name the endpoint
// advertises for it.
type ToolNames struct {
	QuickScan    string `mapstructure:"quick_scan"`
	VulnScan     string `mapstructure:"vulnerability_scan"`
	Block        string `mapstructure:"block"`
	Unblock      string `mapstructure:"unblock"`
	FailedLogins string `mapstructure:"failed_logins"`
	SystemHealth string `mapstructure:"system_health"`
}

// DefaultToolNames returns the names used by the stock security tool server.
func DefaultToolNames() ToolNames {
	return ToolNames{
		QuickScan:    "nmap_quick_scan",
		VulnScan:     "nmap_vulnerability_scan",
		Block:        "block_ip_firewall",
		Unblock:      "unblock_ip_firewall",
		FailedLogins: "get_failed_logins",
		SystemHealth: "get_system_health",
	}
}

func (n ToolNames) withDefaults() ToolNames {
	d := DefaultToolNames()
	if n.QuickScan == "" {
		n.QuickScan = d.QuickScan
	}
	if n.VulnScan == "" {
		n.VulnScan = d.VulnScan
	}
	if n.Block == "" {
		n.Block = d.Block
	}
	if n.Unblock == "" {
		n.Unblock = d.Unblock
	}
	if n.FailedLogins == "" {
		n.FailedLogins = d.FailedLogins
	}
	if n.SystemHealth == "" {
		n.SystemHealth = d.SystemHealth
	}
	return n
}

// Scan timeouts. Scans run considerably longer than other tools.
const (
	QuickScanTimeout = 60 * time.Second
	VulnScanTimeout  = 300 * time.Second
)

// QuickScan runs a fast port scan against target.
func (c *Client) QuickScan(ctx context.Context, target string) (string, error) {
	return c.Invoke(ctx, c.cfg.Tools.QuickScan, map[string]any{"target": target}, QuickScanTimeout)
}

// VulnerabilityScan runs a deep vulnerability scan against target.
func (c *Client) VulnerabilityScan(ctx context.Context, target string) (string, error) {
	return c.Invoke(ctx, c.cfg.Tools.VulnScan, map[string]any{"target": target}, VulnScanTimeout)
}

// BlockIP asks the endpoint to block ip at the firewall.
func (c *Client) BlockIP(ctx context.Context, ip, reason string) (string, error) {
	return c.Invoke(ctx, c.cfg.Tools.Block, map[string]any{"ip_address": ip, "reason": reason}, 0)
}

// UnblockIP lifts a firewall block on ip.
func (c *Client) UnblockIP(ctx context.Context, ip string) (string, error) {
	return c.Invoke(ctx, c.cfg.Tools.Unblock, map[string]any{"ip_address": ip}, 0)
}

// FailedLogins fetches failed login records for the last hours.
func (c *Client) FailedLogins(ctx context.Context, hours int) (string, error) {
	if hours <= 0 {
		return "", fmt.Errorf("hours must be positive, got %d", hours)
	}
	return c.Invoke(ctx, c.cfg.Tools.FailedLogins, map[string]any{"hours": hours}, 0)
}

// SystemHealth fetches the endpoint host's health report.
func (c *Client) SystemHealth(ctx context.Context) (string, error) {
	return c.Invoke(ctx, c.cfg.Tools.SystemHealth, map[string]any{}, 0)
}
