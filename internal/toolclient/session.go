package toolclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

// session multiplexes concurrent JSON-RPC calls over one Conn. A single
// reader goroutine routes responses to waiting callers by id; responses to
// callers that already gave up are dropped.
type session struct {
	conn    Conn
	nextID  atomic.Int64
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan rpcResponse
	closed  bool
	err     error
	done    chan struct{}

	// onLost runs once when the stream fails. It does not run on close().
	onLost func(error)
}

func newSession(conn Conn) *session {
	return &session{
		conn:    conn,
		pending: make(map[int64]chan rpcResponse),
		done:    make(chan struct{}),
	}
}

func (s *session) start() { go s.readLoop() }

func (s *session) readLoop() {
	for {
		msg, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(&transportError{err: err})
			return
		}
		var resp rpcResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		id, ok := resp.responseID()
		if !ok {
			continue
		}
		s.mu.Lock()
		ch := s.pending[id]
		delete(s.pending, id)
		s.mu.Unlock()
		if ch != nil {
			ch <- resp
		}
	}
}

// fail tears the session down with cause and notifies onLost.
func (s *session) fail(cause error) {
	if s.shutdown(cause) && s.onLost != nil {
		s.onLost(cause)
	}
}

// close tears the session down without notifying onLost.
func (s *session) close() {
	s.shutdown(errSessionClosed)
}

func (s *session) shutdown(cause error) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.err = cause
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	close(s.done)
	s.mu.Unlock()
	_ = s.conn.Close()
	return true
}

func (s *session) cause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		return errSessionClosed
	}
	return s.err
}

// call sends a request and waits for its response or ctx expiry.
func (s *session) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := s.nextID.Add(1)
	ch := make(chan rpcResponse, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, s.transportCause()
	}
	s.pending[id] = ch
	s.mu.Unlock()

	if err := s.write(rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		s.forget(id)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, s.transportCause()
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		s.forget(id)
		return nil, ctx.Err()
	}
}

// notify sends a request that expects no response.
func (s *session) notify(method string, params any) error {
	return s.write(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
}

func (s *session) write(req rpcRequest) error {
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", req.Method, err)
	}
	s.writeMu.Lock()
	err = s.conn.WriteMessage(b)
	s.writeMu.Unlock()
	if err != nil {
		terr := &transportError{err: err}
		s.fail(terr)
		return terr
	}
	return nil
}

func (s *session) forget(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *session) transportCause() error {
	err := s.cause()
	if _, ok := err.(*transportError); ok {
		return err
	}
	return &transportError{err: err}
}
