package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestPrometheusMiddleware_RecordsRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(PrometheusMiddleware())
	r.GET("/items/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", Handler())

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/items/42", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	RecordEvent("confirmed_attack", "critical", 95)
	RecordOutcome("block_source", "succeeded")
	RecordToolCall("block_ip_firewall", "ok", 20*time.Millisecond)
	RecordConnectAttempt(false)
	SetToolConnected(true)
	RecordNotification("webhook", true)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()

	for _, want := range []string{
		`autoshield_requests_total{method="GET",path="/items/:id",status="204"}`,
		`path="unmatched"`,
		`autoshield_events_processed_total{event_type="confirmed_attack",tier="critical"}`,
		`autoshield_action_outcomes_total{action="block_source",status="succeeded"}`,
		`autoshield_tool_calls_total{result="ok",tool="block_ip_firewall"}`,
		`autoshield_tool_connect_attempts_total{result="failure"}`,
		`autoshield_tool_connected 1`,
		`autoshield_notifications_total{kind="webhook",status="success"}`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}
