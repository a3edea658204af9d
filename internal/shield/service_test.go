package shield

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/autoshield/internal/cooldown"
	"github.com/jmerrifield20/autoshield/internal/event"
	"github.com/jmerrifield20/autoshield/internal/history"
	"github.com/jmerrifield20/autoshield/internal/response"
	"github.com/jmerrifield20/autoshield/internal/threat"
)

var t0 = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

type fakeInvoker struct {
	mu     sync.Mutex
	calls  map[string]int
	err    error
	delay  time.Duration
	panics bool
}

func (f *fakeInvoker) Invoke(_ context.Context, tool string, _ map[string]any, _ time.Duration) (string, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.panics {
		panic("invoker exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[tool]++
	if f.err != nil {
		return "", f.err
	}
	return `{"ok":true}`, nil
}

func (f *fakeInvoker) count(tool string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[tool]
}

type fakeNotifier struct {
	mu      sync.Mutex
	reports []*response.Report
	closed  bool
}

func (f *fakeNotifier) Notify(_ context.Context, r *response.Report) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, r)
	return nil
}

func (f *fakeNotifier) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fixture struct {
	svc      *Service
	store    *history.Store
	gate     *cooldown.Gate
	invoker  *fakeInvoker
	notifier *fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := func() time.Time { return t0 }
	store := history.NewStore(history.WithClock(now))
	gate := cooldown.New(cooldown.DefaultConfig(), now)
	scorer := threat.NewRuleBasedScorer(threat.DefaultConfig())
	inv := &fakeInvoker{}
	disp := response.New(inv, gate, scorer.Config().Whitelist, response.DefaultConfig(), zap.NewNop())
	n := &fakeNotifier{}
	svc := New(Deps{
		History:    store,
		Scorer:     scorer,
		Gate:       gate,
		Dispatcher: disp,
		Invoker:    inv,
		Notifier:   n,
		Logger:     zap.NewNop(),
	})
	return &fixture{svc: svc, store: store, gate: gate, invoker: inv, notifier: n}
}

func ev(typ event.Type, src string) event.Event {
	return event.Event{Type: typ, SourceID: src, ObservedAt: t0}
}

func TestProcess_ConfirmedAttack(t *testing.T) {
	f := newFixture(t)
	ctx := WithCorrelationID(context.Background(), "req-1")

	rep, err := f.svc.Process(ctx, ev(event.ConfirmedAttack, "203.0.113.5"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if rep.CorrelationID != "req-1" {
		t.Errorf("correlation id: got %q", rep.CorrelationID)
	}
	if rep.Assessment.Score < 90 || rep.Assessment.Tier != threat.TierCritical {
		t.Errorf("assessment: got %+v", rep.Assessment)
	}
	if len(rep.Outcomes) != 2 || !rep.Success {
		t.Fatalf("outcomes: got %+v", rep.Outcomes)
	}
	if rep.Event.Severity != event.SeverityMedium {
		t.Errorf("severity should default to medium, got %s", rep.Event.Severity)
	}
	if f.invoker.count("nmap_vulnerability_scan") != 1 || f.invoker.count("block_ip_firewall") != 1 {
		t.Errorf("invocations: got %v", f.invoker.calls)
	}
	if got := len(f.store.RecentEvents("203.0.113.5", 24*time.Hour)); got != 1 {
		t.Errorf("history: got %d records, want 1", got)
	}

	if err := f.svc.Close(); err != nil {
		t.Fatal(err)
	}
	if len(f.notifier.reports) != 1 || !f.notifier.closed {
		t.Errorf("notifier: %d reports, closed=%v", len(f.notifier.reports), f.notifier.closed)
	}
}

func TestProcess_ValidationErrorLeavesHistoryUntouched(t *testing.T) {
	f := newFixture(t)
	rejected := 0
	f.svc.SetMetrics(nil, func() { rejected++ })

	bad := []event.Event{
		ev(event.ConfirmedAttack, ""),
		ev(event.ConfirmedAttack, "999.1.1.1"),
		ev("alien_invasion", "203.0.113.5"),
	}
	for _, e := range bad {
		_, err := f.svc.Process(context.Background(), e)
		var ve *event.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("%+v: expected ValidationError, got %v", e, err)
		}
	}
	if f.store.Sources() != 0 {
		t.Errorf("history should be empty, has %d sources", f.store.Sources())
	}
	if rejected != 3 {
		t.Errorf("rejected: got %d, want 3", rejected)
	}
	_ = f.svc.Close()
	if len(f.notifier.reports) != 0 {
		t.Error("rejected events must not be notified")
	}
}

func TestProcess_WhitelistedSource(t *testing.T) {
	f := newFixture(t)

	rep, err := f.svc.Process(context.Background(), ev(event.MalwareDetected, "127.0.0.1"))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Assessment.Score != 0 || len(rep.Outcomes) != 0 || rep.Success {
		t.Errorf("whitelisted: got %+v", rep)
	}
	if len(f.invoker.calls) != 0 {
		t.Error("whitelisted source triggered a tool call")
	}
	_ = f.svc.Close()
}

func TestProcess_ConcurrentSameSourceFiresOnce(t *testing.T) {
	f := newFixture(t)
	f.invoker.delay = time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Process(context.Background(), ev(event.SuspiciousPortScan, "198.51.100.9")); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	_ = f.svc.Close()

	scans := f.invoker.count("nmap_quick_scan") + f.invoker.count("nmap_vulnerability_scan")
	if scans != 1 {
		t.Errorf("expected exactly one scan within the cooldown, got %d", scans)
	}
	if got := len(f.store.RecentEvents("198.51.100.9", 24*time.Hour)); got != 20 {
		t.Errorf("history: got %d, want 20", got)
	}
}

func TestProcess_PanicReleasesSourceLock(t *testing.T) {
	f := newFixture(t)
	f.invoker.panics = true

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected the invoker panic to propagate")
			}
		}()
		_, _ = f.svc.Process(context.Background(), ev(event.SuspiciousPortScan, "198.51.100.61"))
	}()

	f.invoker.panics = false
	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Process(context.Background(), ev(event.SuspiciousPortScan, "198.51.100.61"))
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("source lock still held after a panic")
	}
	_ = f.svc.Close()
}

func TestProcess_FailedLoginEscalation(t *testing.T) {
	f := newFixture(t)

	var last *response.Report
	for i := 0; i < 6; i++ {
		rep, err := f.svc.Process(context.Background(), ev(event.FailedLoginAttempt, "192.0.2.44"))
		if err != nil {
			t.Fatal(err)
		}
		last = rep
	}
	_ = f.svc.Close()

	// 10 * 2.0 + 30 = 50: quick-look range.
	if last.Assessment.Score != 50 {
		t.Errorf("score: got %d, want 50", last.Assessment.Score)
	}
	if !last.Assessment.Has(threat.ActionScanQuick) {
		t.Errorf("actions: got %v", last.Assessment.Actions)
	}
}

func TestProcess_ToolFailureIsAnOutcome(t *testing.T) {
	f := newFixture(t)
	f.invoker.err = errors.New("endpoint down")

	rep, err := f.svc.Process(context.Background(), ev(event.ConfirmedBruteForce, "203.0.113.77"))
	if err != nil {
		t.Fatalf("tool failure must not surface as an error: %v", err)
	}
	if rep.Success {
		t.Error("expected Success=false when every action failed")
	}
	for _, o := range rep.Outcomes {
		if o.Status != response.StatusFailed {
			t.Errorf("%s: got %s", o.Action, o.Status)
		}
	}
	_ = f.svc.Close()
}

func TestPreview_DoesNotRecord(t *testing.T) {
	f := newFixture(t)
	a, err := f.svc.Preview(ev(event.ConfirmedAttack, "203.0.113.5"))
	if err != nil {
		t.Fatal(err)
	}
	if a.Score < 90 {
		t.Errorf("score: got %d", a.Score)
	}
	if f.store.Sources() != 0 || len(f.gate.Entries()) != 0 {
		t.Error("preview must not touch history or cooldowns")
	}
}

func TestReputation(t *testing.T) {
	f := newFixture(t)
	_, _ = f.svc.Process(context.Background(), ev(event.ConfirmedAttack, "203.0.113.5"))
	_, _ = f.svc.Process(context.Background(), ev(event.FailedLoginAttempt, "203.0.113.5"))
	_ = f.svc.Close()

	rep, err := f.svc.Reputation("203.0.113.5")
	if err != nil {
		t.Fatal(err)
	}
	if rep.TotalEvents != 2 || rep.RecentEvents != 2 {
		t.Errorf("counts: got %+v", rep)
	}
	if !rep.Blocked || rep.LastBlocked == nil {
		t.Error("expected blocked after confirmed attack")
	}
	if rep.Whitelisted {
		t.Error("unexpected whitelisted")
	}
	if rep.LastSeen == nil || !rep.LastSeen.Equal(t0) {
		t.Errorf("last seen: got %v", rep.LastSeen)
	}

	unknown, err := f.svc.Reputation("::ffff:10.9.9.9")
	if err != nil {
		t.Fatal(err)
	}
	if unknown.IP != "10.9.9.9" || unknown.TotalEvents != 0 || unknown.Blocked {
		t.Errorf("unknown source: got %+v", unknown)
	}

	if _, err := f.svc.Reputation("nope"); err == nil {
		t.Error("expected error for invalid ip")
	}
	if wl, _ := f.svc.Reputation("::1"); !wl.Whitelisted {
		t.Error("::1 should be whitelisted")
	}
}

func TestManualBlock(t *testing.T) {
	f := newFixture(t)

	if _, err := f.svc.ManualBlock(context.Background(), "127.0.0.1", ""); !errors.Is(err, ErrWhitelisted) {
		t.Errorf("whitelisted: got %v", err)
	}
	if _, err := f.svc.ManualBlock(context.Background(), "198.51.100.1", "operator"); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.gate.LastFired("198.51.100.1", cooldown.ClassBlock); !ok {
		t.Error("manual block should be recorded in the gate")
	}

	// Automatic blocks now back off for this source.
	rep, _ := f.svc.Process(context.Background(), ev(event.ConfirmedAttack, "198.51.100.1"))
	_ = f.svc.Close()
	for _, o := range rep.Outcomes {
		if o.Action == threat.ActionBlockSource && o.Status != response.StatusSuppressed {
			t.Errorf("block after manual block: got %s", o.Status)
		}
	}
}

func TestManualScan(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.ManualScan(context.Background(), "198.51.100.2", true); err != nil {
		t.Fatal(err)
	}
	if f.invoker.count("nmap_vulnerability_scan") != 1 {
		t.Error("expected a vulnerability scan")
	}
	if _, err := f.svc.ManualScan(context.Background(), "bogus", false); err == nil {
		t.Error("expected error for invalid target")
	}
}

func TestCorrelationID_GeneratedWhenAbsent(t *testing.T) {
	a := CorrelationID(context.Background())
	b := CorrelationID(context.Background())
	if a == "" || a == b {
		t.Errorf("expected distinct generated ids, got %q and %q", a, b)
	}
}
