package toolclient

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a bidirectional message stream. ReadMessage is only ever called
// from one goroutine; WriteMessage calls are serialized by the session.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(msg []byte) error
	Close() error
}

// Dialer opens a Conn to the tool endpoint.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
	Endpoint() string
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }
func (f DialerFunc) Endpoint() string { return "func" }

// ── WebSocket ─────────────────────────────────────────────────────────────

// WebSocketDialer connects to a tool endpoint served over a WebSocket.
type WebSocketDialer struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
}

// NewWebSocketDialer returns a dialer that presents token, when non-empty,
// both as X-MCP-Token and as a bearer credential.
func NewWebSocketDialer(url, token string) *WebSocketDialer {
	h := http.Header{}
	if token != "" {
		h.Set("X-MCP-Token", token)
		h.Set("Authorization", "Bearer "+token)
	}
	return &WebSocketDialer{URL: url, Header: h}
}

func (d *WebSocketDialer) Endpoint() string { return d.URL }

func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	c, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", d.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	return &wsConn{c: c}, nil
}

type wsConn struct{ c *websocket.Conn }

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, msg, err := w.c.ReadMessage()
	return msg, err
}

func (w *wsConn) WriteMessage(msg []byte) error {
	return w.c.WriteMessage(websocket.TextMessage, msg)
}

// Close may run concurrently with WriteMessage, so the close frame goes out
// as a control frame.
func (w *wsConn) Close() error {
	_ = w.c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return w.c.Close()
}

// ── Line-delimited stream ─────────────────────────────────────────────────

// StreamDialer connects over a plain network stream carrying one JSON
// message per line, the framing used by stdio tool servers.
type StreamDialer struct {
	Network string
	Address string
}

func (d *StreamDialer) Endpoint() string { return d.Network + "://" + d.Address }

func (d *StreamDialer) Dial(ctx context.Context) (Conn, error) {
	var nd net.Dialer
	c, err := nd.DialContext(ctx, d.Network, d.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.Endpoint(), err)
	}
	return NewStreamConn(c), nil
}

// NewStreamConn frames rwc as newline-delimited JSON messages.
func NewStreamConn(rwc io.ReadWriteCloser) Conn {
	return &streamConn{rwc: rwc, r: bufio.NewReaderSize(rwc, 64*1024)}
}

type streamConn struct {
	rwc io.ReadWriteCloser
	r   *bufio.Reader
}

func (s *streamConn) ReadMessage() ([]byte, error) {
	for {
		line, err := s.r.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (s *streamConn) WriteMessage(msg []byte) error {
	buf := make([]byte, 0, len(msg)+1)
	buf = append(buf, msg...)
	buf = append(buf, '\n')
	_, err := s.rwc.Write(buf)
	return err
}

func (s *streamConn) Close() error { return s.rwc.Close() }
