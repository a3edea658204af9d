// autoshield receives security events, scores them against each source's
// recent history and drives scans and firewall blocks on a remote tool
// endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmerrifield20/autoshield/internal/api"
	"github.com/jmerrifield20/autoshield/internal/config"
	"github.com/jmerrifield20/autoshield/internal/cooldown"
	"github.com/jmerrifield20/autoshield/internal/health"
	"github.com/jmerrifield20/autoshield/internal/history"
	"github.com/jmerrifield20/autoshield/internal/metrics"
	"github.com/jmerrifield20/autoshield/internal/notify"
	"github.com/jmerrifield20/autoshield/internal/response"
	"github.com/jmerrifield20/autoshield/internal/shield"
	"github.com/jmerrifield20/autoshield/internal/threat"
	"github.com/jmerrifield20/autoshield/internal/toolclient"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile string
	devLogs bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "autoshield",
	Short: "Security event decision and dispatch service",
	Long: `autoshield scores inbound security events against each source's recent
history and responds through a remote tool endpoint: quick or deep scans
and firewall blocks, rate limited per source by cooldowns.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default configs/autoshield.yaml)")
	rootCmd.PersistentFlags().BoolVar(&devLogs, "dev", false, "human-readable development logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(assessCmd)
	rootCmd.AddCommand(versionCmd)
}

func newLogger() (*zap.Logger, error) {
	if devLogs {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "autoshield", version)
	},
}

// ── serve ────────────────────────────────────────────────────────────────────

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and event pipeline",
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger, err := newLogger()
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		defer logger.Sync() //nolint:errcheck

		cfg, err := config.Load(cfgFile, logger)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg, logger)
	},
}

// components is the wired pipeline shared by serve and assess.
type components struct {
	client *toolclient.Client
	svc    *shield.Service
}

func build(cfg *config.Config, notifier notify.Notifier, logger *zap.Logger) *components {
	client := toolclient.New(cfg.Tools.Dialer(), cfg.Tools.Client, logger)
	client.SetConnectRecorder(metrics.RecordConnectAttempt)
	client.SetCallRecorder(metrics.RecordToolCall)
	client.SetStateRecorder(func(s toolclient.State) {
		metrics.SetToolConnected(s == toolclient.StateConnected)
	})

	store := history.NewStore(history.WithMaxPerSource(cfg.History.MaxPerSource))
	gate := cooldown.New(cfg.Cooldown, nil)
	scorer := threat.NewRuleBasedScorer(cfg.Threat)

	dispatcher := response.New(client, gate, cfg.Threat.Whitelist, cfg.Response, logger)
	dispatcher.SetOutcomeRecorder(func(o response.Outcome) {
		metrics.RecordOutcome(string(o.Action), string(o.Status))
	})

	svc := shield.New(shield.Deps{
		History:    store,
		Scorer:     scorer,
		Gate:       gate,
		Dispatcher: dispatcher,
		Invoker:    client,
		Tools:      cfg.Tools.Client.Tools,
		Notifier:   notifier,
		Logger:     logger,
	})
	svc.SetMetrics(func(r *response.Report) {
		metrics.RecordEvent(string(r.Event.Type), string(r.Assessment.Tier), r.Assessment.Score)
	}, metrics.RecordRejectedEvent)

	return &components{client: client, svc: svc}
}

func serve(parent context.Context, cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notifier, err := notify.New(cfg.Notify, logger)
	if err != nil {
		return err
	}
	if r, ok := notifier.(interface{ SetMetricsRecorder(notify.MetricsRecorder) }); ok {
		r.SetMetricsRecorder(metrics.RecordNotification)
	}
	return run(ctx, cfg, notifier, logger)
}

// run serves until ctx ends or the listener fails.
func run(ctx context.Context, cfg *config.Config, notifier notify.Notifier, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := build(cfg, notifier, logger)
	if cfg.Response.DryRun {
		logger.Warn("dry-run mode: tool actions are reported but never invoked")
	}

	// The service starts even when the endpoint is down; calls reconnect lazily.
	if c.client.Connect(ctx, true) {
		logger.Info("tool endpoint connected",
			zap.String("endpoint", cfg.Tools.URL),
			zap.Strings("tools", c.client.Status().Tools),
		)
	} else {
		logger.Warn("tool endpoint unavailable at startup, will retry on demand",
			zap.String("endpoint", cfg.Tools.URL),
		)
	}

	monitor := health.New(c.client, cfg.Health, logger)
	monitor.SetMetricsRecord(metrics.RecordHealthCheck)
	monitor.SetDegradedCallback(func(_ context.Context, n int, lastErr error) {
		logger.Warn("tool endpoint session dropped by health monitor",
			zap.Int("consecutive_failures", n),
			zap.Error(lastErr),
		)
	})
	go monitor.Start(ctx)
	go c.svc.StartJanitor(ctx, cfg.History.SweepInterval, cfg.History.Retention, metrics.SetHistorySources)

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	h := api.NewHandler(c.svc, c.client, api.Settings{
		ActionThreshold: cfg.Threat.ActionThreshold,
		AutoBlock:       cfg.Response.AutoBlock,
		DryRun:          cfg.Response.DryRun,
	}, logger)
	h.SetMonitor(monitor)
	router := api.NewRouter(ctx, h, api.RouterConfig{
		CORSOrigins:  cfg.Server.CORSOrigins,
		RateLimitRPS: cfg.Server.RateLimitRPS,
	}, logger)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("autoshield HTTP listening", zap.Int("port", cfg.Server.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var listenErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		listenErr = fmt.Errorf("http listen: %w", err)
		logger.Error("HTTP server failed", zap.Error(err))
	}

	shutdown(httpSrv, c, logger)
	return listenErr
}

// shutdown drains the HTTP server and pending notifications, then closes the
// tool session. It runs on every exit path of serve.
func shutdown(httpSrv *http.Server, c *components, logger *zap.Logger) {
	logger.Info("shutting down autoshield...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	if err := c.svc.Close(); err != nil {
		logger.Error("notifier close error", zap.Error(err))
	}
	c.client.Disconnect()

	logger.Info("autoshield stopped")
}
