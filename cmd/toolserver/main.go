// toolserver is a self-contained security tool endpoint speaking JSON-RPC
// MCP. It serves simulated scan, firewall and log tools so AutoShield can be
// run and exercised without a dedicated scanning host.
//
// Serve over WebSocket (what autoshield dials by default):
//
//	toolserver --ws :8001 --token s3cret
//
// Serve newline-delimited JSON-RPC over TCP, or over stdio:
//
//	toolserver --listen :8002
//	toolserver --stdio
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jmerrifield20/autoshield/internal/toolserver"
)

var (
	stdioMode  bool
	listenAddr string
	wsAddr     string
	wsPath     string
	token      string
	scanDelay  time.Duration
	devLogs    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "toolserver",
	Short: "Simulated security tool endpoint for AutoShield",
	Long: `toolserver exposes six MCP tools to AutoShield:

  nmap_quick_scan, nmap_vulnerability_scan   canned scan reports
  block_ip_firewall, unblock_ip_firewall     in-memory firewall
  get_failed_logins                          synthetic auth log summary
  get_system_health                          resource usage of this process

Logs go to stderr so stdio mode does not corrupt the protocol stream.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().BoolVar(&stdioMode, "stdio", false, "Serve JSON-RPC on stdin/stdout")
	rootCmd.Flags().StringVar(&listenAddr, "listen", "", "Serve newline-delimited JSON-RPC on this TCP address")
	rootCmd.Flags().StringVar(&wsAddr, "ws", ":8001", "Serve JSON-RPC over WebSocket on this address (empty disables)")
	rootCmd.Flags().StringVar(&wsPath, "ws-path", "/mcp", "WebSocket endpoint path")
	rootCmd.Flags().StringVar(&token, "token", os.Getenv("MCP_AUTH_TOKEN"), "Shared token required from WebSocket clients")
	rootCmd.Flags().DurationVar(&scanDelay, "scan-delay", 0, "Artificial latency added to every scan")
	rootCmd.Flags().BoolVar(&devLogs, "dev", false, "Human-readable development logging")
}

func newLogger() (*zap.Logger, error) {
	if devLogs {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if !stdioMode && listenAddr == "" && wsAddr == "" {
		return errors.New("nothing to serve: set --stdio, --listen or --ws")
	}

	tools := toolserver.NewSimulatedTools()
	tools.Delay = scanDelay
	srv := toolserver.NewServer(tools, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	if stdioMode {
		g.Go(func() error {
			logger.Info("serving tools on stdio")
			done := make(chan error, 1)
			go func() { done <- srv.Serve(ctx, os.Stdin, os.Stdout) }()
			// A blocked stdin read does not observe ctx.
			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				return nil
			}
		})
	}

	if listenAddr != "" {
		ln, err := net.Listen("tcp", listenAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", listenAddr, err)
		}
		g.Go(func() error {
			logger.Info("serving tools on tcp", zap.String("addr", ln.Addr().String()))
			return srv.ServeListener(ctx, ln)
		})
	}

	if wsAddr != "" {
		if token == "" {
			logger.Warn("no --token set; WebSocket endpoint accepts any client")
		}
		mux := http.NewServeMux()
		mux.Handle(wsPath, srv.WebSocketHandler(token))
		httpSrv := &http.Server{
			Addr:              wsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving tools on websocket", zap.String("addr", wsAddr), zap.String("path", wsPath))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("websocket listen: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	logger.Info("toolserver stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
