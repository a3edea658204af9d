package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmerrifield20/autoshield/internal/event"
	"github.com/jmerrifield20/autoshield/internal/toolclient"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("port: got %d", cfg.Server.Port)
	}
	if cfg.Tools.Client.MaxRetries != 3 || cfg.Tools.Client.BaseDelay != 5*time.Second {
		t.Errorf("tool client: got %+v", cfg.Tools.Client)
	}
	if cfg.Tools.Client.Tools != toolclient.DefaultToolNames() {
		t.Errorf("tool names: got %+v", cfg.Tools.Client.Tools)
	}
	if cfg.Threat.ActionThreshold != 70 || cfg.Threat.QuickLookThreshold != 40 {
		t.Errorf("thresholds: got %d/%d", cfg.Threat.ActionThreshold, cfg.Threat.QuickLookThreshold)
	}
	if cfg.Threat.BaseScores[event.MalwareDetected] != 100 {
		t.Errorf("base score: got %d", cfg.Threat.BaseScores[event.MalwareDetected])
	}
	if cfg.Threat.Window != 24*time.Hour {
		t.Errorf("window: got %s", cfg.Threat.Window)
	}
	if !cfg.Threat.Whitelist.Contains("127.0.0.1") || !cfg.Threat.Whitelist.Contains("::1") {
		t.Error("default whitelist missing loopback")
	}
	if cfg.Cooldown.Scan != 5*time.Minute || cfg.Cooldown.Block != time.Hour {
		t.Errorf("cooldown: got %+v", cfg.Cooldown)
	}
	if !cfg.Response.AutoBlock || cfg.Response.DryRun {
		t.Errorf("response: got %+v", cfg.Response)
	}
	if cfg.Notify.Kind != "none" {
		t.Errorf("notify kind: got %q", cfg.Notify.Kind)
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "autoshield.yaml")
	body := `
server:
  port: 9100
tools:
  url: tcp://10.0.0.5:7000
  transport: tcp
  max_retries: 5
  names:
    block: fw_block
threat:
  action_threshold: 75
  base_scores:
    failed_login_attempt: 15
cooldown:
  scan: 90s
whitelist:
  - 10.0.0.0/8
response:
  dry_run: true
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("port: got %d", cfg.Server.Port)
	}
	if cfg.Tools.Transport != TransportTCP || cfg.Tools.Client.MaxRetries != 5 {
		t.Errorf("tools: got %+v", cfg.Tools)
	}
	if cfg.Tools.Client.Tools.Block != "fw_block" || cfg.Tools.Client.Tools.Unblock != "unblock_ip_firewall" {
		t.Errorf("names: got %+v", cfg.Tools.Client.Tools)
	}
	if cfg.Response.Tools.Block != "fw_block" {
		t.Error("response config should share the tool names")
	}
	if cfg.Threat.ActionThreshold != 75 || cfg.Threat.BaseScores[event.FailedLoginAttempt] != 15 {
		t.Errorf("threat: got %d, %d", cfg.Threat.ActionThreshold, cfg.Threat.BaseScores[event.FailedLoginAttempt])
	}
	if cfg.Threat.BaseScores[event.ConfirmedAttack] != 95 {
		t.Error("unset base scores should keep their defaults")
	}
	if cfg.Cooldown.Scan != 90*time.Second {
		t.Errorf("scan cooldown: got %s", cfg.Cooldown.Scan)
	}
	if !cfg.Threat.Whitelist.Contains("10.20.30.40") || cfg.Threat.Whitelist.Contains("127.0.0.1") {
		t.Error("whitelist should be replaced by the file")
	}
	if !cfg.Response.DryRun {
		t.Error("dry run not applied")
	}

	d, ok := cfg.Tools.Dialer().(*toolclient.StreamDialer)
	if !ok || d.Address != "10.0.0.5:7000" {
		t.Errorf("dialer: got %#v", cfg.Tools.Dialer())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("AUTOSHIELD_SERVER_PORT", "9200")
	t.Setenv("AUTOSHIELD_TOOLS_AUTH_TOKEN", "s3cret")
	t.Setenv("AUTOSHIELD_TOOLS_NAMES_QUICK_SCAN", "fast_scan")
	t.Setenv("AUTOSHIELD_WHITELIST", "192.0.2.1,198.51.100.0/24")
	t.Setenv("AUTOSHIELD_NOTIFY_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("AUTOSHIELD_COOLDOWN_BLOCK", "2h")

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9200 {
		t.Errorf("port: got %d", cfg.Server.Port)
	}
	if cfg.Tools.AuthToken != "s3cret" {
		t.Errorf("token: got %q", cfg.Tools.AuthToken)
	}
	if cfg.Tools.Client.Tools.QuickScan != "fast_scan" {
		t.Errorf("quick scan name: got %q", cfg.Tools.Client.Tools.QuickScan)
	}
	if !cfg.Threat.Whitelist.Contains("192.0.2.1") || !cfg.Threat.Whitelist.Contains("198.51.100.7") {
		t.Errorf("whitelist: got %v", cfg.Threat.Whitelist.Entries())
	}
	if len(cfg.Notify.KafkaBrokers) != 2 || cfg.Notify.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("brokers: got %v", cfg.Notify.KafkaBrokers)
	}
	if cfg.Cooldown.Block != 2*time.Hour {
		t.Errorf("block cooldown: got %s", cfg.Cooldown.Block)
	}
	if _, ok := cfg.Tools.Dialer().(*toolclient.WebSocketDialer); !ok {
		t.Error("expected websocket dialer by default")
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"bad transport", map[string]string{"AUTOSHIELD_TOOLS_TRANSPORT": "carrier-pigeon"}},
		{"bad whitelist", map[string]string{"AUTOSHIELD_WHITELIST": "not-an-ip"}},
		{"zero retries", map[string]string{"AUTOSHIELD_TOOLS_MAX_RETRIES": "0"}},
		{"thresholds inverted", map[string]string{"AUTOSHIELD_THREAT_QUICK_LOOK_THRESHOLD": "90"}},
		{"port out of range", map[string]string{"AUTOSHIELD_SERVER_PORT": "70000"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load("", nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("server: [unterminated"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path, nil); err == nil {
		t.Error("expected parse error")
	}
}
