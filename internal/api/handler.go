// Package api exposes the shield service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/autoshield/internal/event"
	"github.com/jmerrifield20/autoshield/internal/health"
	"github.com/jmerrifield20/autoshield/internal/metrics"
	"github.com/jmerrifield20/autoshield/internal/shield"
	"github.com/jmerrifield20/autoshield/internal/toolclient"
)

// Version is reported by the root endpoint.
const Version = "2.0.0"

// ToolClient is the subset of *toolclient.Client the API needs.
type ToolClient interface {
	Status() toolclient.Status
	Connected() bool
	SystemHealth(ctx context.Context) (string, error)
	FailedLogins(ctx context.Context, hours int) (string, error)
}

// Settings are echoed by GET /health.
type Settings struct {
	ActionThreshold int  `json:"threat_threshold"`
	AutoBlock       bool `json:"auto_block_enabled"`
	DryRun          bool `json:"dry_run_mode"`
}

// Handler serves the AutoShield HTTP API.
type Handler struct {
	svc      *shield.Service
	tools    ToolClient
	monitor  *health.Checker // nil = no probe snapshot in /health
	settings Settings
	logger   *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(svc *shield.Service, tools ToolClient, settings Settings, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, tools: tools, settings: settings, logger: logger}
}

// SetMonitor attaches the endpoint health monitor.
func (h *Handler) SetMonitor(m *health.Checker) { h.monitor = m }

// Register mounts the versioned routes on rg.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/security-event", h.ProcessEvent)
	rg.POST("/threat/assess", h.AssessEvent)
	rg.POST("/scan/execute", h.ExecuteScan)
	rg.POST("/block-ip", h.BlockIP)
	rg.GET("/mcp/status", h.ToolStatus)
	rg.GET("/threat/ip-reputation/:ip", h.Reputation)
	rg.GET("/system/health", h.SystemHealth)
	rg.GET("/logs/failed-logins", h.FailedLogins)
}

// RouterConfig configures NewRouter.
type RouterConfig struct {
	CORSOrigins  []string
	RateLimitRPS int // 0 disables rate limiting
}

// NewRouter builds the gin engine with middleware and every route. ctx bounds
// the rate limiter's background sweep.
func NewRouter(ctx context.Context, h *Handler, cfg RouterConfig, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(cfg.CORSOrigins))
	router.Use(securityHeaders)
	router.Use(limitBody)
	router.Use(CorrelationID())
	if cfg.RateLimitRPS > 0 {
		router.Use(RateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitRPS*2))
	}
	router.Use(metrics.PrometheusMiddleware())
	router.Use(RequestLogger(logger))

	router.GET("/", h.Root)
	router.GET("/health", h.Health)
	router.GET("/metrics", metrics.Handler())

	h.Register(router.Group("/api/v1"))
	return router
}

// Root handles GET /.
func (h *Handler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":       "AutoShield",
		"status":        "operational",
		"version":       Version,
		"mcp_connected": h.tools.Connected(),
	})
}

// Health handles GET /health. The service stays up while the endpoint is
// unreachable, so this reports degraded rather than failing.
func (h *Handler) Health(c *gin.Context) {
	st := h.tools.Status()
	status := "healthy"
	if !st.Connected {
		status = "degraded"
	}
	resp := gin.H{
		"status":         status,
		"mcp_connection": st,
		"settings":       h.settings,
	}
	if h.monitor != nil {
		resp["probe"] = h.monitor.Snapshot()
	}
	c.JSON(http.StatusOK, resp)
}

// ProcessEvent handles POST /security-event.
func (h *Handler) ProcessEvent(c *gin.Context) {
	var ev event.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "correlation_id": correlationFrom(c)})
		return
	}

	report, err := h.svc.Process(c.Request.Context(), ev)
	if err != nil {
		h.fail(c, "process security event", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// AssessEvent handles POST /threat/assess: scores without recording or
// dispatching.
func (h *Handler) AssessEvent(c *gin.Context) {
	var ev event.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a, err := h.svc.Preview(ev)
	if err != nil {
		h.fail(c, "assess security event", err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type scanRequest struct {
	TargetIP string `json:"target_ip" binding:"required"`
	ScanType string `json:"scan_type" binding:"omitempty,oneof=quick vulnerability"`
}

// ExecuteScan handles POST /scan/execute.
func (h *Handler) ExecuteScan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ScanType == "" {
		req.ScanType = "quick"
	}
	h.logger.Info("manual scan requested",
		zap.String("target", req.TargetIP),
		zap.String("scan_type", req.ScanType),
		zap.String("correlation_id", correlationFrom(c)),
	)

	out, err := h.svc.ManualScan(c.Request.Context(), req.TargetIP, req.ScanType == "vulnerability")
	if err != nil {
		h.fail(c, "scan", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"scan_type":      req.ScanType,
		"target_ip":      req.TargetIP,
		"result":         toolOutput(out),
		"correlation_id": correlationFrom(c),
	})
}

type blockRequest struct {
	IPAddress string `json:"ip_address" binding:"required"`
	Reason    string `json:"reason"`
}

// BlockIP handles POST /block-ip.
func (h *Handler) BlockIP(c *gin.Context) {
	var req blockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.logger.Warn("manual block requested",
		zap.String("ip", req.IPAddress),
		zap.String("correlation_id", correlationFrom(c)),
	)

	out, err := h.svc.ManualBlock(c.Request.Context(), req.IPAddress, req.Reason)
	if err != nil {
		h.fail(c, "block", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"ip_address":     req.IPAddress,
		"result":         toolOutput(out),
		"correlation_id": correlationFrom(c),
	})
}

// ToolStatus handles GET /mcp/status.
func (h *Handler) ToolStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.tools.Status())
}

// Reputation handles GET /threat/ip-reputation/:ip.
func (h *Handler) Reputation(c *gin.Context) {
	rep, err := h.svc.Reputation(c.Param("ip"))
	if err != nil {
		h.fail(c, "reputation", err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

// SystemHealth handles GET /system/health.
func (h *Handler) SystemHealth(c *gin.Context) {
	if !h.tools.Connected() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "tool endpoint not connected"})
		return
	}
	out, err := h.tools.SystemHealth(c.Request.Context())
	if err != nil {
		h.fail(c, "system health", err)
		return
	}
	c.JSON(http.StatusOK, toolOutput(out))
}

// FailedLogins handles GET /logs/failed-logins?hours=N. hours defaults to 24.
func (h *Handler) FailedLogins(c *gin.Context) {
	hours, err := strconv.Atoi(c.DefaultQuery("hours", "24"))
	if err != nil || hours <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "hours must be a positive integer"})
		return
	}
	if !h.tools.Connected() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "tool endpoint not connected"})
		return
	}
	out, err := h.tools.FailedLogins(c.Request.Context(), hours)
	if err != nil {
		h.fail(c, "failed logins", err)
		return
	}
	c.JSON(http.StatusOK, toolOutput(out))
}

// fail maps err to a status code and writes it.
func (h *Handler) fail(c *gin.Context, op string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error(op, zap.Error(err), zap.String("correlation_id", correlationFrom(c)))
	}
	body := gin.H{"error": err.Error(), "correlation_id": correlationFrom(c)}
	if k := toolclient.KindOf(err); k != "" {
		body["kind"] = k
	}
	c.JSON(code, body)
}

func statusFor(err error) int {
	var valErr *event.ValidationError
	if errors.As(err, &valErr) {
		return http.StatusBadRequest
	}
	if errors.Is(err, shield.ErrWhitelisted) {
		return http.StatusForbidden
	}
	switch toolclient.KindOf(err) {
	case toolclient.KindTimeout:
		return http.StatusGatewayTimeout
	case toolclient.KindConnection, toolclient.KindTransport:
		return http.StatusServiceUnavailable
	case toolclient.KindUnknownCapability:
		return http.StatusNotImplemented
	case toolclient.KindRemote:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// toolOutput embeds tool text as JSON when it parses, else as a string.
func toolOutput(out string) any {
	if json.Valid([]byte(out)) {
		return json.RawMessage(out)
	}
	return out
}
