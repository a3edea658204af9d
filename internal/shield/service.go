// Package shield is the event ingestion entry point. It records each event,
// scores it against the source's recent history and dispatches the
// recommended actions, holding a per-source lock across all three so that
// cooldown checks and marks for one source never interleave.
package shield

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/autoshield/internal/cooldown"
	"github.com/jmerrifield20/autoshield/internal/event"
	"github.com/jmerrifield20/autoshield/internal/history"
	"github.com/jmerrifield20/autoshield/internal/keylock"
	"github.com/jmerrifield20/autoshield/internal/notify"
	"github.com/jmerrifield20/autoshield/internal/response"
	"github.com/jmerrifield20/autoshield/internal/threat"
	"github.com/jmerrifield20/autoshield/internal/toolclient"
)

// ErrWhitelisted is returned when an operator action targets a whitelisted
// source.
var ErrWhitelisted = errors.New("source is whitelisted")

// Deps are the collaborators of a Service.
type Deps struct {
	History    *history.Store
	Scorer     *threat.RuleBasedScorer
	Gate       *cooldown.Gate
	Dispatcher *response.Dispatcher
	// Invoker and Tools serve operator-initiated scans and blocks.
	Invoker  response.Invoker
	Tools    toolclient.ToolNames
	Notifier notify.Notifier
	Logger   *zap.Logger
	// NotifyTimeout bounds each asynchronous delivery. Default 2m.
	NotifyTimeout time.Duration
}

// Reputation summarises what is known about a source.
type Reputation struct {
	IP           string     `json:"ip_address"`
	TotalEvents  int        `json:"total_events"`
	RecentEvents int        `json:"recent_events_24h"`
	Blocked      bool       `json:"is_blocked"`
	Whitelisted  bool       `json:"is_whitelisted"`
	LastSeen     *time.Time `json:"last_seen,omitempty"`
	LastBlocked  *time.Time `json:"last_blocked_at,omitempty"`
}

// Service is safe for concurrent use.
type Service struct {
	history    *history.Store
	scorer     *threat.RuleBasedScorer
	gate       *cooldown.Gate
	dispatcher *response.Dispatcher
	invoker    response.Invoker
	tools      toolclient.ToolNames
	notifier   notify.Notifier
	logger     *zap.Logger

	locks         keylock.Map
	notifyTimeout time.Duration
	pending       sync.WaitGroup

	onProcessed func(*response.Report)
	onRejected  func()
}

// New creates a Service.
func New(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Notifier == nil {
		d.Notifier = notify.NewNoop(d.Logger)
	}
	if d.NotifyTimeout <= 0 {
		d.NotifyTimeout = 2 * time.Minute
	}
	if d.Tools == (toolclient.ToolNames{}) {
		d.Tools = toolclient.DefaultToolNames()
	}
	return &Service{
		history:       d.History,
		scorer:        d.Scorer,
		gate:          d.Gate,
		dispatcher:    d.Dispatcher,
		invoker:       d.Invoker,
		tools:         d.Tools,
		notifier:      d.Notifier,
		logger:        d.Logger,
		notifyTimeout: d.NotifyTimeout,
	}
}

// SetMetrics registers callbacks for processed and rejected events.
func (s *Service) SetMetrics(onProcessed func(*response.Report), onRejected func()) {
	s.onProcessed = onProcessed
	s.onRejected = onRejected
}

// Process validates, records, scores and responds to ev. Invalid events
// return an *event.ValidationError and leave history untouched. Tool
// failures are reported as outcomes, never as an error.
func (s *Service) Process(ctx context.Context, ev event.Event) (*response.Report, error) {
	now := s.gate.Now()
	ev, err := event.Normalize(ev, now)
	if err != nil {
		if s.onRejected != nil {
			s.onRejected()
		}
		return nil, err
	}
	// Producer clocks run ahead of ours; a future stamp would fall outside
	// the query window.
	if ev.ObservedAt.After(now) {
		ev.ObservedAt = now.UTC()
	}

	recent, a, outcomes := s.decide(ctx, ev)

	report := &response.Report{
		CorrelationID: CorrelationID(ctx),
		Event:         ev,
		Assessment:    a,
		Outcomes:      outcomes,
		Success:       response.AnySucceeded(outcomes),
		ProcessedAt:   s.gate.Now().UTC(),
	}

	s.logger.Info("security event processed",
		zap.String("correlation_id", report.CorrelationID),
		zap.String("source", ev.SourceID),
		zap.String("event_type", string(ev.Type)),
		zap.Int("score", a.Score),
		zap.String("tier", string(a.Tier)),
		zap.Int("recent_events", len(recent)),
		zap.Int("actions", len(outcomes)),
	)
	if s.onProcessed != nil {
		s.onProcessed(report)
	}

	s.notifyAsync(report)
	return report, nil
}

// decide records ev and responds to it while holding the source's lock.
func (s *Service) decide(ctx context.Context, ev event.Event) ([]history.Record, threat.Assessment, []response.Outcome) {
	unlock := s.locks.Lock(ev.SourceID)
	defer unlock()
	s.history.Record(history.FromEvent(ev))
	recent := s.history.RecentEvents(ev.SourceID, s.scorer.Window())
	a := s.scorer.Assess(ev, recent)
	return recent, a, s.dispatcher.Dispatch(ctx, ev, a)
}

// Preview scores ev against the source's current history without
// recording it or dispatching anything.
func (s *Service) Preview(ev event.Event) (threat.Assessment, error) {
	ev, err := event.Normalize(ev, s.gate.Now())
	if err != nil {
		return threat.Assessment{}, err
	}
	recent := s.history.RecentEvents(ev.SourceID, s.scorer.Window())
	// The event under assessment counts toward its own window.
	recent = append(recent, history.FromEvent(ev))
	return s.scorer.Assess(ev, recent), nil
}

func (s *Service) notifyAsync(r *response.Report) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.notifyTimeout)
		defer cancel()
		if err := s.notifier.Notify(ctx, r); err != nil {
			s.logger.Warn("report notification failed",
				zap.String("correlation_id", r.CorrelationID),
				zap.Error(err),
			)
		}
	}()
}

// Reputation reports history and block state for ip.
func (s *Service) Reputation(ip string) (Reputation, error) {
	addr, err := event.ParseSource(ip)
	if err != nil {
		return Reputation{}, err
	}
	src := addr.String()

	sum := s.history.Summary(src, s.scorer.Window())
	rep := Reputation{
		IP:           src,
		TotalEvents:  sum.Total,
		RecentEvents: sum.Recent,
		Whitelisted:  s.Whitelisted(src),
	}
	if !sum.LastSeen.IsZero() {
		t := sum.LastSeen
		rep.LastSeen = &t
	}
	if at, ok := s.gate.LastFired(src, cooldown.ClassBlock); ok {
		rep.Blocked = true
		rep.LastBlocked = &at
	}
	return rep, nil
}

// Whitelisted reports whether src is on the whitelist.
func (s *Service) Whitelisted(src string) bool {
	return s.scorer.Config().Whitelist.Contains(src)
}

// ManualScan runs an operator-requested scan. It bypasses the cooldown check
// but records the scan so automatic scans of the same source back off.
func (s *Service) ManualScan(ctx context.Context, ip string, deep bool) (string, error) {
	addr, err := event.ParseSource(ip)
	if err != nil {
		return "", err
	}
	src := addr.String()

	tool, timeout := s.tools.QuickScan, toolclient.QuickScanTimeout
	if deep {
		tool, timeout = s.tools.VulnScan, toolclient.VulnScanTimeout
	}

	unlock := s.locks.Lock(src)
	defer unlock()
	out, err := s.invoker.Invoke(ctx, tool, map[string]any{"target": src}, timeout)
	if err != nil {
		return "", err
	}
	s.gate.MarkFired(src, cooldown.ClassScan, s.gate.Now())
	s.logger.Info("manual scan executed", zap.String("source", src), zap.String("tool", tool))
	return out, nil
}

// ManualBlock blocks ip on operator request. Whitelisted sources are
// refused with ErrWhitelisted.
func (s *Service) ManualBlock(ctx context.Context, ip, reason string) (string, error) {
	addr, err := event.ParseSource(ip)
	if err != nil {
		return "", err
	}
	src := addr.String()
	if s.Whitelisted(src) {
		return "", fmt.Errorf("block %s: %w", src, ErrWhitelisted)
	}
	if reason == "" {
		reason = "Manual block"
	}

	unlock := s.locks.Lock(src)
	defer unlock()
	out, err := s.invoker.Invoke(ctx, s.tools.Block, map[string]any{"ip_address": src, "reason": reason}, 0)
	if err != nil {
		return "", err
	}
	s.gate.MarkFired(src, cooldown.ClassBlock, s.gate.Now())
	s.logger.Warn("manual block executed", zap.String("source", src), zap.String("reason", reason))
	return out, nil
}

// StartJanitor evicts history older than retention every interval until ctx
// is cancelled. onSweep, if set, receives the number of retained sources.
func (s *Service) StartJanitor(ctx context.Context, interval, retention time.Duration, onSweep func(sources int)) {
	if interval <= 0 || retention <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n := s.history.Evict(retention)
			if n > 0 {
				s.logger.Debug("history evicted", zap.Int("records", n))
			}
			if onSweep != nil {
				onSweep(s.history.Sources())
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close waits for in-flight notifications and closes the notifier.
func (s *Service) Close() error {
	s.pending.Wait()
	return s.notifier.Close()
}

// ── correlation ids ─────────────────────────────────────────────────────────

type correlationKey struct{}

// WithCorrelationID returns a context carrying id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id carried by ctx, or a new one.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}
