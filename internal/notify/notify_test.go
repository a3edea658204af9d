package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/jmerrifield20/autoshield/internal/event"
	"github.com/jmerrifield20/autoshield/internal/response"
	"github.com/jmerrifield20/autoshield/internal/threat"
)

func sampleReport() *response.Report {
	return &response.Report{
		CorrelationID: "c0ffee",
		Event: event.Event{
			Type:     event.ConfirmedAttack,
			SourceID: "203.0.113.5",
			Severity: event.SeverityCritical,
		},
		Assessment: threat.Assessment{Score: 95, Tier: threat.TierCritical},
		Success:    true,
	}
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestWebhook_SignsBody(t *testing.T) {
	var gotSig, gotEvent, gotCorr string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SignatureHeader)
		gotEvent = r.Header.Get(EventHeader)
		gotCorr = r.Header.Get(CorrelationHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "topsecret", zap.NewNop())
	if err := wh.Notify(context.Background(), sampleReport()); err != nil {
		t.Fatalf("notify: %v", err)
	}

	if !VerifySignature(gotBody, "topsecret", gotSig) {
		t.Errorf("signature %q does not verify", gotSig)
	}
	if VerifySignature(gotBody, "wrong", gotSig) {
		t.Error("signature verified under the wrong secret")
	}
	if gotEvent != EventProcessed {
		t.Errorf("event header: got %q", gotEvent)
	}
	if gotCorr != "c0ffee" {
		t.Errorf("correlation header: got %q", gotCorr)
	}

	var env Envelope
	if err := json.Unmarshal(gotBody, &env); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if env.Type != EventProcessed || env.Report.Event.SourceID != "203.0.113.5" {
		t.Errorf("envelope: got %+v", env)
	}
}

func TestWebhook_NoSecretNoSignature(t *testing.T) {
	sigSeen := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sigSeen <- r.Header.Get(SignatureHeader)
	}))
	defer srv.Close()

	if err := NewWebhook(srv.URL, "", zap.NewNop()).Notify(context.Background(), sampleReport()); err != nil {
		t.Fatal(err)
	}
	if sig := <-sigSeen; sig != "" {
		t.Errorf("expected no signature, got %q", sig)
	}
}

func TestWebhook_RetriesThenSucceeds(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "s", zap.NewNop())
	wh.sleep = noSleep
	var results []bool
	wh.SetMetricsRecorder(func(kind string, ok bool) { results = append(results, ok) })

	if err := wh.Notify(context.Background(), sampleReport()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if hits.Load() != 3 {
		t.Errorf("attempts: got %d, want 3", hits.Load())
	}
	if len(results) != 3 || results[2] != true || results[0] != false {
		t.Errorf("metrics: got %v", results)
	}
}

func TestWebhook_GivesUp(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "s", zap.NewNop())
	wh.sleep = noSleep
	if err := wh.Notify(context.Background(), sampleReport()); err == nil {
		t.Fatal("expected error")
	}
	if hits.Load() != 3 {
		t.Errorf("attempts: got %d, want 3", hits.Load())
	}
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { f.closed = true; return nil }

func TestKafka_KeysBySource(t *testing.T) {
	fw := &fakeWriter{}
	k := &Kafka{writer: fw, topic: "shield.events", logger: zap.NewNop()}

	if err := k.Notify(context.Background(), sampleReport()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(fw.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(fw.msgs))
	}
	m := fw.msgs[0]
	if string(m.Key) != "203.0.113.5" {
		t.Errorf("key: got %q", m.Key)
	}
	var env Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil || env.Report.CorrelationID != "c0ffee" {
		t.Errorf("value: %s (%v)", m.Value, err)
	}

	_ = k.Close()
	if !fw.closed {
		t.Error("expected writer closed")
	}
}

func TestKafka_PublishError(t *testing.T) {
	fw := &fakeWriter{err: errors.New("broker down")}
	k := &Kafka{writer: fw, topic: "t", logger: zap.NewNop()}
	if err := k.Notify(context.Background(), sampleReport()); err == nil {
		t.Fatal("expected error")
	}
}

func TestNew_SelectsKind(t *testing.T) {
	tests := []struct {
		cfg     Config
		want    string
		wantErr bool
	}{
		{Config{}, "noop", false},
		{Config{Kind: "none"}, "noop", false},
		{Config{Kind: "webhook", WebhookURL: "http://example.invalid"}, "webhook", false},
		{Config{Kind: "webhook"}, "", true},
		{Config{Kind: "kafka", KafkaBrokers: []string{"localhost:9092"}, KafkaTopic: "t"}, "kafka", false},
		{Config{Kind: "kafka"}, "", true},
		{Config{Kind: "carrier-pigeon"}, "", true},
	}
	for _, tt := range tests {
		n, err := New(tt.cfg, zap.NewNop())
		if (err != nil) != tt.wantErr {
			t.Errorf("%+v: err = %v, wantErr %v", tt.cfg, err, tt.wantErr)
			continue
		}
		if err != nil {
			continue
		}
		var got string
		switch n.(type) {
		case *Noop:
			got = "noop"
		case *Webhook:
			got = "webhook"
		case *Kafka:
			got = "kafka"
		}
		if got != tt.want {
			t.Errorf("%+v: got %s, want %s", tt.cfg, got, tt.want)
		}
		_ = n.Close()
	}
}
