// Package toolserver implements a JSON-RPC 2.0 tool endpoint speaking the
// MCP tools dialect (initialize, ping, tools/list, tools/call).
//
// The same dispatcher is served over newline-delimited streams (stdio or
// TCP) and over WebSocket. AutoShield uses it as a local stand-in for the
// security tool host during development and in tests.
package toolserver

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const protocolVersion = "2024-11-05"

// rpcRequest is an inbound JSON-RPC 2.0 message.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"` // nil = notification
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rpcResponse is an outbound JSON-RPC 2.0 message.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Standard JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

// maxMessage bounds a single inbound message.
const maxMessage = 1 << 20

// Server dispatches tool requests to an Executor.
type Server struct {
	tools   Executor
	logger  *zap.Logger
	name    string
	version string
}

// NewServer creates a Server backed by tools.
func NewServer(tools Executor, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{tools: tools, logger: logger, name: "autoshield-toolserver", version: "1.0.0"}
}

// responder writes responses for one connection. Implementations serialize
// concurrent writes.
type responder interface {
	send(resp rpcResponse) error
}

type lineResponder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (l *lineResponder) send(resp rpcResponse) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enc.Encode(resp)
}

type wsResponder struct {
	mu sync.Mutex
	c  *websocket.Conn
}

func (w *wsResponder) send(resp rpcResponse) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.c.WriteJSON(resp)
}

// Serve reads newline-delimited JSON-RPC messages from r and writes
// responses to w until EOF or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	out := &lineResponder{enc: json.NewEncoder(w)}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxMessage)

	var wg sync.WaitGroup
	defer wg.Wait()

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		s.handle(ctx, append([]byte(nil), line...), out, &wg)
	}
	return scanner.Err()
}

// ServeListener accepts stream connections on ln until ctx is cancelled.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go func() {
			defer conn.Close()
			s.logger.Debug("tool connection opened", zap.String("remote", conn.RemoteAddr().String()))
			if err := s.Serve(ctx, conn, conn); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Debug("tool connection closed", zap.Error(err))
			}
		}()
	}
}

// WebSocketHandler serves the dispatcher over WebSocket. When token is
// non-empty, requests must present it as X-MCP-Token or as a bearer token.
func (s *Server) WebSocketHandler(token string) http.Handler {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token != "" && !authorized(r, token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()
		conn.SetReadLimit(maxMessage)

		out := &wsResponder{c: conn}
		var wg sync.WaitGroup
		defer wg.Wait()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.handle(r.Context(), msg, out, &wg)
		}
	})
}

func authorized(r *http.Request, token string) bool {
	got := r.Header.Get("X-MCP-Token")
	if got == "" {
		got = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}

func (s *Server) handle(ctx context.Context, msg []byte, out responder, wg *sync.WaitGroup) {
	var req rpcRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		s.reply(out, rpcResponse{JSONRPC: "2.0", ID: json.RawMessage(`null`),
			Error: &rpcError{Code: codeParseError, Message: "parse error"}})
		return
	}

	// Notifications have no id and get no response.
	if len(req.ID) == 0 {
		return
	}

	// Tool calls may be slow, so they run concurrently while protocol-level
	// methods stay in order.
	if req.Method == "tools/call" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.dispatch(ctx, req, out)
		}()
		return
	}
	s.dispatch(ctx, req, out)
}

func (s *Server) dispatch(ctx context.Context, req rpcRequest, out responder) {
	switch req.Method {
	case "initialize":
		s.reply(out, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": s.name, "version": s.version},
		}})
	case "ping":
		s.reply(out, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{}})
	case "tools/list":
		s.reply(out, rpcResponse{JSONRPC: "2.0", ID: req.ID,
			Result: map[string]any{"tools": s.tools.Definitions()}})
	case "tools/call":
		s.handleToolsCall(ctx, req, out)
	default:
		s.reply(out, rpcResponse{JSONRPC: "2.0", ID: req.ID,
			Error: &rpcError{Code: codeMethodNotFound, Message: "method not found: " + req.Method}})
	}
}

func (s *Server) handleToolsCall(ctx context.Context, req rpcRequest, out responder) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		s.reply(out, rpcResponse{JSONRPC: "2.0", ID: req.ID,
			Error: &rpcError{Code: codeInvalidParams, Message: "invalid params"}})
		return
	}

	s.logger.Info("tool call", zap.String("tool", params.Name))
	text, isErr := s.tools.Call(ctx, params.Name, params.Arguments)

	s.reply(out, rpcResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]any{
			"content": []map[string]any{{"type": "text", "text": text}},
			"isError": isErr,
		},
	})
}

func (s *Server) reply(out responder, resp rpcResponse) {
	if err := out.send(resp); err != nil {
		s.logger.Debug("write error", zap.Error(err))
	}
}
