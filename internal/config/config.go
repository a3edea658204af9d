// Package config loads AutoShield settings from configs/autoshield.yaml,
// AUTOSHIELD_* environment variables and built-in defaults, in that order of
// precedence from lowest to highest: defaults, file, env.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmerrifield20/autoshield/internal/cooldown"
	"github.com/jmerrifield20/autoshield/internal/event"
	"github.com/jmerrifield20/autoshield/internal/health"
	"github.com/jmerrifield20/autoshield/internal/notify"
	"github.com/jmerrifield20/autoshield/internal/response"
	"github.com/jmerrifield20/autoshield/internal/threat"
	"github.com/jmerrifield20/autoshield/internal/toolclient"
)

// EnvPrefix is prepended to every environment override, e.g.
// AUTOSHIELD_TOOLS_URL for tools.url.
const EnvPrefix = "AUTOSHIELD"

// Transports accepted by tools.transport.
const (
	TransportWebSocket = "websocket"
	TransportTCP       = "tcp"
)

// Server configures the HTTP API.
type Server struct {
	Port         int
	CORSOrigins  []string
	RateLimitRPS int
}

// Tools configures the remote tool endpoint.
type Tools struct {
	URL       string
	Transport string
	AuthToken string
	Client    toolclient.Config
}

// History configures the in-memory event history.
type History struct {
	MaxPerSource int
	Retention    time.Duration
	// SweepInterval is how often records older than Retention are evicted.
	SweepInterval time.Duration
}

// Config is the fully resolved configuration.
type Config struct {
	Server   Server
	Tools    Tools
	Threat   threat.Config
	Cooldown cooldown.Config
	Response response.Config
	History  History
	Health   health.Config
	Notify   notify.Config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.rate_limit_rps", 20)

	tc := toolclient.DefaultConfig()
	v.SetDefault("tools.url", "ws://localhost:8001/mcp")
	v.SetDefault("tools.transport", TransportWebSocket)
	v.SetDefault("tools.auth_token", "")
	v.SetDefault("tools.connect_timeout", tc.ConnectTimeout)
	v.SetDefault("tools.call_timeout", tc.CallTimeout)
	v.SetDefault("tools.max_retries", tc.MaxRetries)
	v.SetDefault("tools.retry_delay", tc.BaseDelay)
	v.SetDefault("tools.names.quick_scan", tc.Tools.QuickScan)
	v.SetDefault("tools.names.vulnerability_scan", tc.Tools.VulnScan)
	v.SetDefault("tools.names.block", tc.Tools.Block)
	v.SetDefault("tools.names.unblock", tc.Tools.Unblock)
	v.SetDefault("tools.names.failed_logins", tc.Tools.FailedLogins)
	v.SetDefault("tools.names.system_health", tc.Tools.SystemHealth)

	th := threat.DefaultConfig()
	v.SetDefault("threat.action_threshold", th.ActionThreshold)
	v.SetDefault("threat.quick_look_threshold", th.QuickLookThreshold)
	v.SetDefault("threat.failed_login_threshold", th.Patterns[0].Threshold)
	v.SetDefault("threat.failed_login_bonus", th.Patterns[0].Bonus)
	v.SetDefault("threat.frequency_step", th.FrequencyStep)
	v.SetDefault("threat.frequency_cap", th.FrequencyCap)
	v.SetDefault("threat.window", th.Window)
	v.SetDefault("threat.default_base_score", th.DefaultBaseScore)
	v.SetDefault("threat.tiers.critical", th.Tiers.Critical)
	v.SetDefault("threat.tiers.high", th.Tiers.High)
	v.SetDefault("threat.tiers.medium", th.Tiers.Medium)
	for typ, score := range th.BaseScores {
		v.SetDefault("threat.base_scores."+string(typ), score)
	}

	cd := cooldown.DefaultConfig()
	v.SetDefault("cooldown.scan", cd.Scan)
	v.SetDefault("cooldown.block", cd.Block)

	v.SetDefault("whitelist", th.Whitelist.Entries())
	v.SetDefault("response.dry_run", false)
	v.SetDefault("response.auto_block", true)

	v.SetDefault("history.max_per_source", 1000)
	v.SetDefault("history.retention", 7*24*time.Hour)
	v.SetDefault("history.sweep_interval", 10*time.Minute)

	v.SetDefault("health.interval", 30*time.Second)
	v.SetDefault("health.probe_timeout", 10*time.Second)
	v.SetDefault("health.fail_threshold", 3)

	v.SetDefault("notify.kind", "none")
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.webhook_secret", "")
	v.SetDefault("notify.kafka_brokers", []string{})
	v.SetDefault("notify.kafka_topic", "autoshield.reports")
}

// New returns a viper instance with defaults, env overrides and the config
// search path applied. path, if set, names an explicit config file.
func New(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("autoshield")
		v.SetConfigType("yaml")
		v.AddConfigPath("configs")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads the config file, if any, and resolves every setting. A missing
// file is not an error; defaults and env vars apply.
func Load(path string, logger *zap.Logger) (*Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := New(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		logger.Info("no config file found, using defaults and env vars")
	} else {
		logger.Info("config loaded", zap.String("file", v.ConfigFileUsed()))
	}
	return FromViper(v)
}

// FromViper resolves a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Server: Server{
			Port:         v.GetInt("server.port"),
			CORSOrigins:  splitList(v.GetStringSlice("server.cors_origins")),
			RateLimitRPS: v.GetInt("server.rate_limit_rps"),
		},
		Cooldown: cooldown.Config{
			Scan:  v.GetDuration("cooldown.scan"),
			Block: v.GetDuration("cooldown.block"),
		},
		Response: response.Config{
			DryRun:    v.GetBool("response.dry_run"),
			AutoBlock: v.GetBool("response.auto_block"),
		},
		History: History{
			MaxPerSource:  v.GetInt("history.max_per_source"),
			Retention:     v.GetDuration("history.retention"),
			SweepInterval: v.GetDuration("history.sweep_interval"),
		},
		Health: health.Config{
			CheckInterval: v.GetDuration("health.interval"),
			ProbeTimeout:  v.GetDuration("health.probe_timeout"),
			FailThreshold: v.GetInt("health.fail_threshold"),
		},
		Notify: notify.Config{
			Kind:          v.GetString("notify.kind"),
			WebhookURL:    v.GetString("notify.webhook_url"),
			WebhookSecret: v.GetString("notify.webhook_secret"),
			KafkaBrokers:  splitList(v.GetStringSlice("notify.kafka_brokers")),
			KafkaTopic:    v.GetString("notify.kafka_topic"),
		},
	}

	tools, err := toolsFrom(v)
	if err != nil {
		return nil, err
	}
	cfg.Tools = tools
	cfg.Response.Tools = tools.Client.Tools

	th, err := threatFrom(v)
	if err != nil {
		return nil, err
	}
	cfg.Threat = th

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return nil, fmt.Errorf("server.port: %d out of range", cfg.Server.Port)
	}
	if cfg.Cooldown.Scan < 0 || cfg.Cooldown.Block < 0 {
		return nil, errors.New("cooldown durations must not be negative")
	}
	return cfg, nil
}

func toolsFrom(v *viper.Viper) (Tools, error) {
	tc := toolclient.DefaultConfig()
	tc.ConnectTimeout = v.GetDuration("tools.connect_timeout")
	tc.CallTimeout = v.GetDuration("tools.call_timeout")
	tc.MaxRetries = v.GetInt("tools.max_retries")
	tc.BaseDelay = v.GetDuration("tools.retry_delay")
	// Read key by key: UnmarshalKey would skip env overrides of nested keys.
	tc.Tools = toolclient.ToolNames{
		QuickScan:    v.GetString("tools.names.quick_scan"),
		VulnScan:     v.GetString("tools.names.vulnerability_scan"),
		Block:        v.GetString("tools.names.block"),
		Unblock:      v.GetString("tools.names.unblock"),
		FailedLogins: v.GetString("tools.names.failed_logins"),
		SystemHealth: v.GetString("tools.names.system_health"),
	}
	if tc.MaxRetries < 1 {
		return Tools{}, fmt.Errorf("tools.max_retries: must be at least 1, got %d", tc.MaxRetries)
	}

	t := Tools{
		URL:       v.GetString("tools.url"),
		Transport: strings.ToLower(v.GetString("tools.transport")),
		AuthToken: v.GetString("tools.auth_token"),
		Client:    tc,
	}
	switch t.Transport {
	case TransportWebSocket, TransportTCP:
	default:
		return Tools{}, fmt.Errorf("tools.transport: unknown transport %q", t.Transport)
	}
	if t.URL == "" {
		return Tools{}, errors.New("tools.url is required")
	}
	return t, nil
}

func threatFrom(v *viper.Viper) (threat.Config, error) {
	th := threat.DefaultConfig()

	wl, err := threat.NewWhitelist(splitList(v.GetStringSlice("whitelist")))
	if err != nil {
		return threat.Config{}, fmt.Errorf("whitelist: %w", err)
	}
	th.Whitelist = wl

	th.ActionThreshold = v.GetInt("threat.action_threshold")
	th.QuickLookThreshold = v.GetInt("threat.quick_look_threshold")
	th.FrequencyStep = v.GetFloat64("threat.frequency_step")
	th.FrequencyCap = v.GetFloat64("threat.frequency_cap")
	th.Window = v.GetDuration("threat.window")
	th.DefaultBaseScore = v.GetInt("threat.default_base_score")
	th.Tiers = threat.TierThresholds{
		Critical: v.GetInt("threat.tiers.critical"),
		High:     v.GetInt("threat.tiers.high"),
		Medium:   v.GetInt("threat.tiers.medium"),
	}
	th.Patterns = []threat.PatternRule{{
		Type:      event.FailedLoginAttempt,
		Threshold: v.GetInt("threat.failed_login_threshold"),
		Bonus:     v.GetInt("threat.failed_login_bonus"),
	}}

	scores := make(map[event.Type]int, len(th.BaseScores))
	for typ := range th.BaseScores {
		scores[typ] = v.GetInt("threat.base_scores." + string(typ))
	}
	th.BaseScores = scores

	if th.Window <= 0 {
		return threat.Config{}, errors.New("threat.window must be positive")
	}
	if th.QuickLookThreshold > th.ActionThreshold {
		return threat.Config{}, fmt.Errorf("threat.quick_look_threshold (%d) exceeds threat.action_threshold (%d)",
			th.QuickLookThreshold, th.ActionThreshold)
	}
	return th, nil
}

// Dialer builds the transport for the configured tool endpoint.
func (t Tools) Dialer() toolclient.Dialer {
	if t.Transport == TransportTCP {
		return &toolclient.StreamDialer{Network: "tcp", Address: strings.TrimPrefix(t.URL, "tcp://")}
	}
	return toolclient.NewWebSocketDialer(t.URL, t.AuthToken)
}

// splitList accepts both yaml lists and the comma-separated form env vars
// arrive in.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
