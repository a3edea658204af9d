package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/autoshield/internal/response"
)

// Header names set on every webhook delivery.
const (
	SignatureHeader   = "X-AutoShield-Signature"
	EventHeader       = "X-AutoShield-Event"
	CorrelationHeader = "X-Correlation-ID"
)

// Webhook POSTs reports as JSON, signed with HMAC-SHA256 when a secret is
// set, retrying failed deliveries.
type Webhook struct {
	url        string
	secret     string
	httpClient *http.Client
	delays     []time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
	onMetrics  MetricsRecorder
	logger     *zap.Logger
}

// NewWebhook creates a webhook notifier for url.
func NewWebhook(url, secret string, logger *zap.Logger) *Webhook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Webhook{
		url:        url,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// Retry with exponential backoff: 1s, 5s, 25s.
		delays: []time.Duration{0, 1 * time.Second, 5 * time.Second, 25 * time.Second},
		sleep:  sleepCtx,
		logger: logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (w *Webhook) SetMetricsRecorder(fn MetricsRecorder) { w.onMetrics = fn }

// Notify delivers r, retrying on transport errors and non-2xx responses.
func (w *Webhook) Notify(ctx context.Context, r *response.Report) error {
	body, err := json.Marshal(newEnvelope(r))
	if err != nil {
		return fmt.Errorf("webhook: marshal report: %w", err)
	}
	signature := ""
	if w.secret != "" {
		signature = SignPayload(body, w.secret)
	}

	var lastErr string
	for attempt := 1; attempt < len(w.delays); attempt++ {
		if attempt > 1 {
			if err := w.sleep(ctx, w.delays[attempt]); err != nil {
				return fmt.Errorf("webhook: %w", err)
			}
		}

		success, errMsg := w.deliver(ctx, body, signature, r.CorrelationID)
		if w.onMetrics != nil {
			w.onMetrics("webhook", success)
		}
		if success {
			return nil
		}
		lastErr = errMsg

		w.logger.Warn("webhook: delivery failed",
			zap.String("url", w.url),
			zap.Int("attempt", attempt),
			zap.String("error", errMsg),
		)
	}
	return fmt.Errorf("webhook: delivery to %s failed after %d attempts: %s", w.url, len(w.delays)-1, lastErr)
}

// deliver performs a single HTTP POST.
func (w *Webhook) deliver(ctx context.Context, body []byte, signature, correlationID string) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return false, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, EventProcessed)
	if correlationID != "" {
		req.Header.Set(CorrelationHeader, correlationID)
	}
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()
	io.ReadAll(io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return true, ""
}

func (w *Webhook) Close() error {
	w.httpClient.CloseIdleConnections()
	return nil
}

// SignPayload computes the "sha256=<hex>" HMAC-SHA256 signature of body.
func SignPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches body under secret.
func VerifySignature(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(SignPayload(body, secret)), []byte(signature))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
