// Package response turns an assessment's recommended actions into remote
// tool invocations, gated by per-source cooldowns.
package response

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/autoshield/internal/cooldown"
	"github.com/jmerrifield20/autoshield/internal/event"
	"github.com/jmerrifield20/autoshield/internal/threat"
	"github.com/jmerrifield20/autoshield/internal/toolclient"
)

// Status is the result class of one dispatched action.
type Status string

const (
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusSuppressed Status = "suppressed"
	StatusRejected   Status = "rejected"
	StatusSkipped    Status = "skipped"
)

// Outcome records what happened to one recommended action.
type Outcome struct {
	Action    threat.ActionKind `json:"action"`
	Tool      string            `json:"tool,omitempty"`
	Status    Status            `json:"status"`
	Result    string            `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
	ErrorKind string            `json:"error_kind,omitempty"`
	DryRun    bool              `json:"dry_run,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	Duration  time.Duration     `json:"duration_ns"`
}

// Invoker runs a named remote capability. *toolclient.Client satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, tool string, args map[string]any, timeout time.Duration) (string, error)
}

// Config controls dispatch policy.
type Config struct {
	// DryRun reports what would be invoked without calling the endpoint or
	// touching cooldowns.
	DryRun bool
	// AutoBlock permits block_source actions. When false they are skipped.
	AutoBlock bool
	Tools     toolclient.ToolNames
}

// DefaultConfig enables auto-blocking with the stock tool names.
func DefaultConfig() Config {
	return Config{AutoBlock: true, Tools: toolclient.DefaultToolNames()}
}

// Dispatcher is safe for concurrent use. Callers serialize dispatches for
// the same source so that the cooldown check and the mark are atomic.
type Dispatcher struct {
	invoker   Invoker
	gate      *cooldown.Gate
	whitelist *threat.Whitelist
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time

	recordOutcome func(Outcome)
}

// New creates a Dispatcher.
func New(inv Invoker, gate *cooldown.Gate, whitelist *threat.Whitelist, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := DefaultConfig().Tools
	if cfg.Tools == (toolclient.ToolNames{}) {
		cfg.Tools = d
	}
	return &Dispatcher{
		invoker:   inv,
		gate:      gate,
		whitelist: whitelist,
		cfg:       cfg,
		logger:    logger,
		now:       gate.Now,
	}
}

// SetOutcomeRecorder registers a callback run for every outcome.
func (d *Dispatcher) SetOutcomeRecorder(fn func(Outcome)) { d.recordOutcome = fn }

// DryRun reports whether the dispatcher is in dry-run mode.
func (d *Dispatcher) DryRun() bool { return d.cfg.DryRun }

// AutoBlock reports whether block actions are permitted.
func (d *Dispatcher) AutoBlock() bool { return d.cfg.AutoBlock }

// Dispatch attempts every action in a, in dispatch order, and returns one
// Outcome per action. Failures never stop later actions.
func (d *Dispatcher) Dispatch(ctx context.Context, ev event.Event, a threat.Assessment) []Outcome {
	outcomes := make([]Outcome, 0, len(a.Actions))
	for _, kind := range threat.DispatchOrder {
		if !a.Has(kind) {
			continue
		}
		o := d.dispatchOne(ctx, ev, a, kind)
		if d.recordOutcome != nil {
			d.recordOutcome(o)
		}
		outcomes = append(outcomes, o)
	}
	return outcomes
}

// plan is a resolved remote invocation.
type plan struct {
	tool    string
	class   cooldown.Class
	args    map[string]any
	timeout time.Duration
}

func (d *Dispatcher) planFor(ev event.Event, a threat.Assessment, kind threat.ActionKind) plan {
	switch kind {
	case threat.ActionScanQuick:
		return plan{tool: d.cfg.Tools.QuickScan, class: cooldown.ClassScan,
			args: map[string]any{"target": ev.SourceID}, timeout: toolclient.QuickScanTimeout}
	case threat.ActionScanDeep:
		return plan{tool: d.cfg.Tools.VulnScan, class: cooldown.ClassScan,
			args: map[string]any{"target": ev.SourceID}, timeout: toolclient.VulnScanTimeout}
	default:
		return plan{tool: d.cfg.Tools.Block, class: cooldown.ClassBlock,
			args: map[string]any{"ip_address": ev.SourceID, "reason": BlockReason(a.Score, ev.Type)}}
	}
}

// BlockReason is the reason string attached to automatic blocks.
func BlockReason(score int, t event.Type) string {
	return fmt.Sprintf("Threat score: %d, Event: %s", score, t)
}

func (d *Dispatcher) dispatchOne(ctx context.Context, ev event.Event, a threat.Assessment, kind threat.ActionKind) Outcome {
	start := d.now()
	out := Outcome{Action: kind, StartedAt: start}
	log := d.logger.With(
		zap.String("source", ev.SourceID),
		zap.String("action", string(kind)),
	)

	if kind == threat.ActionLogOnly {
		log.Info("event logged",
			zap.String("event_type", string(ev.Type)),
			zap.Int("score", a.Score),
		)
		out.Status = StatusSucceeded
		out.Result = "logged"
		return out
	}

	p := d.planFor(ev, a, kind)
	out.Tool = p.tool

	if kind == threat.ActionBlockSource {
		if d.whitelist.Contains(ev.SourceID) {
			log.Warn("refusing to block whitelisted source")
			out.Status = StatusRejected
			out.Error = "source is whitelisted"
			return out
		}
		if !d.cfg.AutoBlock {
			log.Info("auto-block disabled, block not attempted")
			out.Status = StatusSkipped
			out.Result = "auto-block disabled"
			return out
		}
	}

	if !d.gate.Allowed(ev.SourceID, p.class) {
		rem := d.gate.Remaining(ev.SourceID, p.class)
		log.Info("action suppressed by cooldown", zap.Duration("remaining", rem))
		out.Status = StatusSuppressed
		out.Result = "cooldown active"
		return out
	}

	if d.cfg.DryRun {
		b, _ := json.Marshal(map[string]any{
			"dry_run":   true,
			"tool":      p.tool,
			"arguments": p.args,
		})
		log.Info("dry run, tool not invoked", zap.String("tool", p.tool))
		out.Status = StatusSucceeded
		out.Result = string(b)
		out.DryRun = true
		return out
	}

	result, err := d.invoker.Invoke(ctx, p.tool, p.args, p.timeout)
	out.Duration = d.now().Sub(start)
	if err != nil {
		log.Error("action failed", zap.String("tool", p.tool), zap.Error(err))
		out.Status = StatusFailed
		out.Error = err.Error()
		out.ErrorKind = string(toolclient.KindOf(err))
		return out
	}

	d.gate.MarkFired(ev.SourceID, p.class, d.now())
	log.Info("action executed", zap.String("tool", p.tool), zap.Duration("duration", out.Duration))
	out.Status = StatusSucceeded
	out.Result = result
	return out
}

// AnySucceeded reports whether at least one outcome succeeded.
func AnySucceeded(outcomes []Outcome) bool {
	for _, o := range outcomes {
		if o.Status == StatusSucceeded {
			return true
		}
	}
	return false
}

// Report is the full record of one processed event.
type Report struct {
	CorrelationID string            `json:"correlation_id"`
	Event         event.Event       `json:"event"`
	Assessment    threat.Assessment `json:"threat_assessment"`
	Outcomes      []Outcome         `json:"actions_taken"`
	Success       bool              `json:"success"`
	ProcessedAt   time.Time         `json:"processed_at"`
}
