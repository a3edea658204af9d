package toolclient

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type rwc struct {
	io.Reader
	io.Writer
}

func (rwc) Close() error { return nil }

func TestStreamConn_SkipsBlankLines(t *testing.T) {
	in := strings.NewReader("\n  \n{\"a\":1}\n\n{\"b\":2}")
	var out strings.Builder
	c := NewStreamConn(rwc{Reader: in, Writer: &out})

	first, err := c.ReadMessage()
	if err != nil || string(first) != `{"a":1}` {
		t.Fatalf("first: got %q, %v", first, err)
	}
	second, err := c.ReadMessage()
	if err != nil || string(second) != `{"b":2}` {
		t.Fatalf("second: got %q, %v", second, err)
	}
	if _, err := c.ReadMessage(); err != io.EOF {
		t.Errorf("expected EOF, got %v", err)
	}

	if err := c.WriteMessage([]byte(`{"c":3}`)); err != nil {
		t.Fatal(err)
	}
	if out.String() != "{\"c\":3}\n" {
		t.Errorf("write framing: got %q", out.String())
	}
}

func TestStreamDialer_TCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	peer := newFakePeer("get_system_health")
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go peer.serve(conn)
		}
	}()

	d := &StreamDialer{Network: "tcp", Address: ln.Addr().String()}
	c := New(d, Config{MaxRetries: 1, CallTimeout: 2 * time.Second}, zap.NewNop())
	defer c.Disconnect()

	out, err := c.SystemHealth(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "get_system_health") {
		t.Errorf("output: got %q", out)
	}
	if !strings.HasPrefix(c.Status().Endpoint, "tcp://") {
		t.Errorf("endpoint: got %q", c.Status().Endpoint)
	}
}

func TestWebSocketDialer_SendsTokenAndRoundTrips(t *testing.T) {
	upgrader := websocket.Upgrader{}
	headers := make(chan http.Header, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var req struct {
				ID     json.RawMessage `json:"id"`
				Method string          `json:"method"`
			}
			if json.Unmarshal(msg, &req) != nil || len(req.ID) == 0 {
				continue
			}
			var result any
			switch req.Method {
			case "initialize":
				result = map[string]any{"protocolVersion": protocolVersion}
			case "tools/list":
				result = map[string]any{"tools": []map[string]any{{"name": "block_ip_firewall"}}}
			case "tools/call":
				result = map[string]any{"content": []map[string]any{{"type": "text", "text": "blocked"}}}
			default:
				result = map[string]any{}
			}
			out, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
			if err := ws.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := New(NewWebSocketDialer(url, "s3cret"), Config{MaxRetries: 1}, zap.NewNop())
	defer c.Disconnect()

	out, err := c.BlockIP(context.Background(), "203.0.113.5", "Threat score: 95, Event: attack_detected")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "blocked" {
		t.Errorf("output: got %q", out)
	}

	h := <-headers
	if h.Get("X-MCP-Token") != "s3cret" {
		t.Errorf("X-MCP-Token: got %q", h.Get("X-MCP-Token"))
	}
	if h.Get("Authorization") != "Bearer s3cret" {
		t.Errorf("Authorization: got %q", h.Get("Authorization"))
	}
}

func TestWebSocketDialer_NoTokenNoHeaders(t *testing.T) {
	d := NewWebSocketDialer("ws://localhost:1", "")
	if len(d.Header) != 0 {
		t.Errorf("expected no headers, got %v", d.Header)
	}
}

func TestWebSocketConn_CloseDuringWrites(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	for i := 0; i < 20; i++ {
		conn, err := NewWebSocketDialer(url, "").Dial(context.Background())
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		s := newSession(conn)
		s.start()

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if s.notify("ping", nil) != nil {
					return
				}
			}
		}()
		s.close()
		wg.Wait()

		select {
		case <-s.done:
		case <-time.After(time.Second):
			t.Fatal("session not closed")
		}
	}
}
