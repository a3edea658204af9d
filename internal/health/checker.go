// Package health monitors the remote tool endpoint. It pings the live
// session on an interval and drops it after repeated failures, so the next
// tool call reconnects instead of waiting on a dead stream.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// Target is the tool endpoint session being monitored.
// *toolclient.Client satisfies it.
type Target interface {
	Connected() bool
	Ping(ctx context.Context) error
	MarkDisconnected(reason string)
}

// Status values reported by Snapshot.
const (
	StatusHealthy      = "healthy"
	StatusDegraded     = "degraded"
	StatusDisconnected = "disconnected"
	StatusUnknown      = "unknown"
)

// Snapshot is the monitor's latest view of the endpoint.
type Snapshot struct {
	Status              string    `json:"status"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastCheckAt         time.Time `json:"last_check_at,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
}

// DegradedFunc is an optional callback run when the fail threshold is hit.
type DegradedFunc func(ctx context.Context, failCount int, lastErr error)

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(success bool)

// Checker runs periodic ping probes against a Target.
type Checker struct {
	target     Target
	cfg        Config
	onDegraded DegradedFunc
	onMetrics  MetricsRecordFunc
	logger     *zap.Logger

	mu        sync.Mutex
	failCount int
	snap      Snapshot
}

// New creates a new Checker.
func New(target Target, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		target: target,
		cfg:    cfg,
		logger: logger,
		snap:   Snapshot{Status: StatusUnknown},
	}
}

// SetDegradedCallback configures the threshold callback.
func (h *Checker) SetDegradedCallback(fn DegradedFunc) { h.onDegraded = fn }

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) { h.onMetrics = fn }

// Start runs the check loop until ctx is cancelled.
func (h *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.Check(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Check runs one probe and returns whether the endpoint answered. A
// disconnected target is not probed; it reconnects lazily on its next call.
func (h *Checker) Check(ctx context.Context) bool {
	now := time.Now().UTC()

	if !h.target.Connected() {
		h.mu.Lock()
		h.failCount = 0
		h.snap = Snapshot{Status: StatusDisconnected, LastCheckAt: now}
		h.mu.Unlock()
		return false
	}

	pctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
	err := h.target.Ping(pctx)
	cancel()
	success := err == nil

	if h.onMetrics != nil {
		h.onMetrics(success)
	}

	h.mu.Lock()
	prevCount := h.failCount
	if success {
		h.failCount = 0
		h.snap = Snapshot{Status: StatusHealthy, LastCheckAt: now}
	} else {
		h.failCount++
		h.snap = Snapshot{
			Status:              StatusDegraded,
			ConsecutiveFailures: h.failCount,
			LastCheckAt:         now,
			LastError:           err.Error(),
		}
	}
	count := h.failCount
	h.mu.Unlock()

	switch {
	case success && prevCount > 0:
		h.logger.Info("health: tool endpoint recovered", zap.Int("previous_failures", prevCount))
	case !success && count == h.cfg.FailThreshold:
		// Transition: healthy → degraded (exactly at threshold)
		h.logger.Warn("health: tool endpoint degraded, dropping session",
			zap.Int("fail_count", count),
			zap.Error(err),
		)
		h.target.MarkDisconnected("health check failed")
		if h.onDegraded != nil {
			h.onDegraded(ctx, count, err)
		}
	case !success:
		h.logger.Debug("health: ping failed", zap.Int("fail_count", count), zap.Error(err))
	}
	return success
}

// Snapshot returns the latest probe state.
func (h *Checker) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snap
}
