// Package toolclient maintains a session with a remote tool endpoint speaking
// JSON-RPC 2.0 (the MCP tools dialect) and invokes named capabilities on it.
//
// A Client connects lazily, retries with exponential backoff, caches the
// advertised capability names and reconnects on the next call after a
// transport failure. A call that only times out keeps the session.
package toolclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// State is the connection state of a Client.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	// StateDegraded is reported when a live session fails, immediately
	// before the client settles in StateDisconnected.
	StateDegraded State = "degraded"
)

// Config controls connection and call behaviour.
type Config struct {
	ConnectTimeout time.Duration
	CallTimeout    time.Duration
	MaxRetries     int
	// BaseDelay is the wait after the first failed attempt. It doubles on
	// every further failure.
	BaseDelay     time.Duration
	ClientName    string
	ClientVersion string
	Tools         ToolNames
}

// DefaultConfig returns the stock settings: 3 attempts, 5s base delay and
// 30s timeouts.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 30 * time.Second,
		CallTimeout:    30 * time.Second,
		MaxRetries:     3,
		BaseDelay:      5 * time.Second,
		ClientName:     "autoshield",
		ClientVersion:  "1.0.0",
		Tools:          DefaultToolNames(),
	}
}

// Status is a point-in-time view of the client.
type Status struct {
	State         State     `json:"state"`
	Connected     bool      `json:"connected"`
	Endpoint      string    `json:"endpoint"`
	Attempts      int       `json:"connection_attempts"`
	MaxRetries    int       `json:"max_retries"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`
	ConnectedAt   time.Time `json:"connected_at,omitempty"`
	Tools         []string  `json:"available_tools"`
}

// Option configures optional Client behaviour.
type Option func(*Client)

// WithSleep replaces the backoff sleep. Tests use it to avoid real waits.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client is safe for concurrent use.
type Client struct {
	dialer Dialer
	cfg    Config
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time

	connectGroup singleflight.Group

	mu          sync.RWMutex
	state       State
	sess        *session
	tools       map[string]ToolDefinition
	attempts    int
	lastAttempt time.Time
	connectedAt time.Time

	connectRecorder func(success bool)
	callRecorder    func(tool, outcome string, d time.Duration)
	stateRecorder   func(State)
}

// New creates a disconnected Client. Zero-valued Config fields take their
// DefaultConfig values.
func New(dialer Dialer, cfg Config, logger *zap.Logger, opts ...Option) *Client {
	def := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = 0
	}
	if cfg.ClientName == "" {
		cfg.ClientName = def.ClientName
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = def.ClientVersion
	}
	cfg.Tools = cfg.Tools.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		dialer: dialer,
		cfg:    cfg,
		logger: logger,
		sleep:  sleepCtx,
		now:    time.Now,
		state:  StateDisconnected,
		tools:  map[string]ToolDefinition{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetConnectRecorder registers a callback invoked after every connection
// attempt. Used to wire metrics without an import cycle.
func (c *Client) SetConnectRecorder(fn func(success bool)) { c.connectRecorder = fn }

// SetCallRecorder registers a callback invoked after every Invoke with the
// outcome ("ok" or an error Kind) and its latency.
func (c *Client) SetCallRecorder(fn func(tool, outcome string, d time.Duration)) {
	c.callRecorder = fn
}

// SetStateRecorder registers a callback invoked on every state transition.
func (c *Client) SetStateRecorder(fn func(State)) { c.stateRecorder = fn }

// Tools returns the configured capability names.
func (c *Client) Tools() ToolNames { return c.cfg.Tools }

// Connected reports whether a live session exists.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == StateConnected && c.sess != nil
}

// Status returns a snapshot of the client state.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.tools))
	for n := range c.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return Status{
		State:         c.state,
		Connected:     c.state == StateConnected && c.sess != nil,
		Endpoint:      c.dialer.Endpoint(),
		Attempts:      c.attempts,
		MaxRetries:    c.cfg.MaxRetries,
		LastAttemptAt: c.lastAttempt,
		ConnectedAt:   c.connectedAt,
		Tools:         names,
	}
}

// HasTool reports whether name is in the cached capability set.
func (c *Client) HasTool(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tools[name]
	return ok
}

// Connect establishes a session. With allowRetry it makes up to MaxRetries
// attempts, waiting BaseDelay*2^(n-1) after the n-th failure; otherwise it
// makes exactly one. Concurrent callers share a single in-flight attempt.
// It returns true only once the handshake and capability discovery have
// both succeeded.
func (c *Client) Connect(ctx context.Context, allowRetry bool) bool {
	if c.Connected() {
		return true
	}
	// The attempt outlives any single caller so that one caller giving up
	// does not fail the others waiting on it.
	detached := context.WithoutCancel(ctx)
	ch := c.connectGroup.DoChan("connect", func() (any, error) {
		if c.Connected() {
			return true, nil
		}
		return c.connect(detached, allowRetry), nil
	})
	select {
	case res := <-ch:
		ok, _ := res.Val.(bool)
		return ok
	case <-ctx.Done():
		return false
	}
}

func (c *Client) connect(ctx context.Context, allowRetry bool) bool {
	attempts := 1
	if allowRetry {
		attempts = c.cfg.MaxRetries
	}

	for n := 1; n <= attempts; n++ {
		c.mu.Lock()
		c.attempts = n
		c.lastAttempt = c.now()
		c.mu.Unlock()
		c.setState(StateConnecting)

		err := c.establish(ctx)
		if c.connectRecorder != nil {
			c.connectRecorder(err == nil)
		}
		if err == nil {
			c.logger.Info("connected to tool endpoint",
				zap.String("endpoint", c.dialer.Endpoint()),
				zap.Int("attempt", n),
				zap.Int("tools", len(c.Status().Tools)),
			)
			return true
		}

		c.logger.Warn("tool endpoint connection attempt failed",
			zap.String("endpoint", c.dialer.Endpoint()),
			zap.Int("attempt", n),
			zap.Int("max_attempts", attempts),
			zap.Error(err),
		)
		if n < attempts {
			delay := c.cfg.BaseDelay * time.Duration(1<<(n-1))
			if err := c.sleep(ctx, delay); err != nil {
				break
			}
		}
	}

	c.setState(StateDisconnected)
	c.logger.Error("tool endpoint unreachable",
		zap.String("endpoint", c.dialer.Endpoint()),
		zap.Int("attempts", attempts),
	)
	return false
}

// establish dials, performs the initialize handshake and lists tools. The
// new session is only installed if every step succeeds.
func (c *Client) establish(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, err := c.dialer.Dial(ctx)
	if err != nil {
		return err
	}
	s := newSession(conn)
	s.onLost = func(cause error) { c.sessionLost(s, cause) }
	s.start()

	raw, err := s.call(ctx, "initialize", initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo{Name: c.cfg.ClientName, Version: c.cfg.ClientVersion},
	})
	if err != nil {
		s.close()
		return fmt.Errorf("initialize: %w", err)
	}
	var init initializeResult
	if err := json.Unmarshal(raw, &init); err != nil {
		s.close()
		return fmt.Errorf("decode initialize result: %w", err)
	}
	if err := s.notify("notifications/initialized", nil); err != nil {
		s.close()
		return fmt.Errorf("initialized notification: %w", err)
	}

	tools, err := listTools(ctx, s)
	if err != nil {
		s.close()
		return fmt.Errorf("discover tools: %w", err)
	}

	// Installing the session and publishing Connected share one critical
	// section so a concurrent drop cannot leave Connected without a session.
	c.mu.Lock()
	select {
	case <-s.done:
		c.mu.Unlock()
		return fmt.Errorf("session lost during handshake: %w", s.cause())
	default:
	}
	prev := c.state
	c.sess = s
	c.tools = tools
	c.connectedAt = c.now()
	c.state = StateConnected
	c.mu.Unlock()
	c.stateChanged(prev, StateConnected)

	c.logger.Debug("tool endpoint handshake complete",
		zap.String("server", init.ServerInfo.Name),
		zap.String("server_version", init.ServerInfo.Version),
		zap.String("protocol", init.ProtocolVersion),
	)
	return nil
}

func listTools(ctx context.Context, s *session) (map[string]ToolDefinition, error) {
	raw, err := s.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var res toolsListResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}
	tools := make(map[string]ToolDefinition, len(res.Tools))
	for _, t := range res.Tools {
		tools[t.Name] = t
	}
	return tools, nil
}

// sessionLost handles a stream failure on s. The client reports Degraded
// and settles in Disconnected; the next call reconnects.
func (c *Client) sessionLost(s *session, cause error) {
	if !c.drop(s) {
		return
	}
	c.logger.Warn("tool endpoint session lost", zap.Error(cause))
}

// MarkDisconnected drops the current session so that the next call
// reconnects. The health monitor calls it after repeated failed pings.
func (c *Client) MarkDisconnected(reason string) {
	s := c.current()
	if s == nil || !c.drop(s) {
		return
	}
	s.close()
	c.logger.Warn("tool endpoint marked disconnected", zap.String("reason", reason))
}

// drop detaches s if it is still the current session. The state change is
// applied atomically with the detach so no caller can observe a connected
// state without a session.
func (c *Client) drop(s *session) bool {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return false
	}
	c.sess = nil
	prev := c.state
	c.state = StateDisconnected
	c.mu.Unlock()

	c.logger.Debug("tool client state change",
		zap.String("from", string(prev)),
		zap.String("to", string(StateDegraded)),
		zap.String("then", string(StateDisconnected)),
	)
	if c.stateRecorder != nil {
		c.stateRecorder(StateDegraded)
		c.stateRecorder(StateDisconnected)
	}
	return true
}

// Disconnect closes the session and clears the capability cache.
func (c *Client) Disconnect() {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	c.tools = map[string]ToolDefinition{}
	c.mu.Unlock()
	if s != nil {
		s.close()
	}
	c.setState(StateDisconnected)
}

func (c *Client) setState(st State) {
	c.mu.Lock()
	prev := c.state
	c.state = st
	c.mu.Unlock()
	c.stateChanged(prev, st)
}

func (c *Client) stateChanged(prev, st State) {
	if prev == st {
		return
	}
	c.logger.Debug("tool client state change",
		zap.String("from", string(prev)),
		zap.String("to", string(st)),
	)
	if c.stateRecorder != nil {
		c.stateRecorder(st)
	}
}

func (c *Client) current() *session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sess
}

// DiscoverTools refreshes the capability cache from the endpoint.
func (c *Client) DiscoverTools(ctx context.Context) ([]string, error) {
	s := c.current()
	if s == nil {
		return nil, &Error{Kind: KindConnection, Err: errors.New("not connected")}
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	tools, err := listTools(ctx, s)
	if err != nil {
		return nil, c.callFailed(s, "", err)
	}
	c.mu.Lock()
	if c.sess == s {
		c.tools = tools
	}
	c.mu.Unlock()

	names := make([]string, 0, len(tools))
	for n := range tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// Ping checks that the endpoint answers on the current session.
func (c *Client) Ping(ctx context.Context) error {
	s := c.current()
	if s == nil {
		return &Error{Kind: KindConnection, Err: errors.New("not connected")}
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	if _, err := s.call(ctx, "ping", map[string]any{}); err != nil {
		return c.callFailed(s, "", err)
	}
	return nil
}

// Invoke calls tool with args and returns the text of its first content
// item. A timeout <= 0 uses CallTimeout. If not connected, Invoke first
// connects with retries. An unknown tool triggers one capability refresh
// before failing with KindUnknownCapability.
//
// The call deadline is independent of ctx cancellation so that an action
// already sent is not abandoned by a departing caller.
func (c *Client) Invoke(ctx context.Context, tool string, args map[string]any, timeout time.Duration) (string, error) {
	start := time.Now()
	out, err := c.invoke(ctx, tool, args, timeout)
	if c.callRecorder != nil {
		outcome := "ok"
		if err != nil {
			outcome = string(KindOf(err))
		}
		c.callRecorder(tool, outcome, time.Since(start))
	}
	return out, err
}

func (c *Client) invoke(ctx context.Context, tool string, args map[string]any, timeout time.Duration) (string, error) {
	if !c.Connected() {
		if !c.Connect(ctx, true) {
			return "", &Error{
				Kind: KindConnection,
				Tool: tool,
				Err:  fmt.Errorf("could not connect to %s", c.dialer.Endpoint()),
			}
		}
	}

	if !c.HasTool(tool) {
		// The refresh is part of the call and outlives the caller like it.
		if _, err := c.DiscoverTools(context.WithoutCancel(ctx)); err != nil {
			var e *Error
			if errors.As(err, &e) {
				e.Tool = tool
			}
			return "", err
		}
		if !c.HasTool(tool) {
			return "", &Error{Kind: KindUnknownCapability, Tool: tool,
				Err: fmt.Errorf("%w: %s", ErrUnknownCapability, tool)}
		}
	}

	s := c.current()
	if s == nil {
		return "", &Error{Kind: KindConnection, Tool: tool, Err: errors.New("session lost")}
	}
	if timeout <= 0 {
		timeout = c.cfg.CallTimeout
	}
	if args == nil {
		args = map[string]any{}
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	raw, err := s.call(callCtx, "tools/call", toolsCallParams{Name: tool, Arguments: args})
	if err != nil {
		cerr := c.callFailed(s, tool, err)
		c.logger.Warn("tool call failed",
			zap.String("tool", tool),
			zap.String("kind", string(KindOf(cerr))),
			zap.Error(err),
		)
		return "", cerr
	}

	var res toolsCallResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", &Error{Kind: KindRemote, Tool: tool, Err: fmt.Errorf("decode tools/call result: %w", err)}
	}
	text := noOutput
	if len(res.Content) > 0 {
		text = res.Content[0].Text
	}
	if res.IsError {
		return "", &Error{Kind: KindRemote, Tool: tool, Err: errors.New(text)}
	}
	return text, nil
}

// callFailed classifies err and, for transport failures, drops s before
// returning so the caller observes the disconnected state.
func (c *Client) callFailed(s *session, tool string, err error) error {
	cerr := classify(tool, err)
	if KindOf(cerr) == KindTransport {
		c.sessionLost(s, err)
	}
	return cerr
}

// classify maps a session error to a typed *Error.
func classify(tool string, err error) error {
	var terr *transportError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Tool: tool, Err: err}
	case errors.As(err, &terr):
		return &Error{Kind: KindTransport, Tool: tool, Err: err}
	default:
		return &Error{Kind: KindRemote, Tool: tool, Err: err}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
