// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package glowtest runs an in-process GlowDB server for tests. It answers
// the ten table operations over WebSocket, keeps documents in an in-memory
// badger database and filters queries by top-level equality only.
package glowtest

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/gorilla/websocket"
)

// ServiceName prefixes every method on the RPC server.
const ServiceName = "Glow"

// Server is a GlowDB server bound to a local port.
type Server struct {
	// URL is the ws:// endpoint, e.g. ws://127.0.0.1:41235.
	URL string

	http     *httptest.Server
	rpc      *rpc.Server
	store    *store
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	drop   int
	closed bool
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// NewServer starts a server and registers its shutdown with tb.Cleanup.
func NewServer(tb testing.TB) *Server {
	tb.Helper()
	s, err := Start()
	if err != nil {
		tb.Fatalf("start glowtest server: %v", err)
	}
	tb.Cleanup(s.Close)
	return s
}

// Start starts a server outside of a test. The caller must Close it.
func Start() (*Server, error) {
	st, err := openStore()
	if err != nil {
		return nil, err
	}

	srv := rpc.NewServer()
	srv.RegisterCodec(json2.NewCodec(), "application/json")
	if err := srv.RegisterService(&service{store: st}, ServiceName); err != nil {
		_ = st.Close()
		return nil, err
	}

	s := &Server{
		rpc:   srv,
		store: st,
		conns: make(map[*websocket.Conn]struct{}),
	}
	s.http = httptest.NewServer(http.HandlerFunc(s.serveWS))
	s.URL = "ws" + strings.TrimPrefix(s.http.URL, "http")
	return s, nil
}

// Drop makes the server read the next n requests without answering them.
func (s *Server) Drop(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drop += n
}

// Close disconnects every client and shuts the server down.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()

		s.http.Close()
		s.wg.Wait()
		_ = s.store.Close()
	})
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = c.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = c.Close()
		s.wg.Done()
	}()

	var (
		writeMu sync.Mutex
		pending sync.WaitGroup
	)
	defer pending.Wait()

	for {
		typ, frame, err := c.ReadMessage()
		if err != nil {
			return
		}
		if typ != websocket.TextMessage || s.dropped() {
			continue
		}

		pending.Add(1)
		go func() {
			defer pending.Done()
			out := s.handle(frame)
			if len(out) == 0 {
				return
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			_ = c.WriteMessage(websocket.TextMessage, out)
		}()
	}
}

func (s *Server) dropped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drop == 0 {
		return false
	}
	s.drop--
	return true
}

// handle runs one request frame through the RPC server and returns the
// response frame, or nil for a notification.
func (s *Server) handle(frame []byte) []byte {
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(qualify(frame)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.rpc.ServeHTTP(rec, req)
	return bytes.TrimSpace(rec.Body.Bytes())
}

// qualify prefixes the method with the service name. Frames that are not
// JSON objects are passed through so the codec reports the parse error.
func qualify(frame []byte) []byte {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(frame, &env); err != nil {
		return frame
	}
	var method string
	if err := json.Unmarshal(env["method"], &method); err != nil || method == "" {
		return frame
	}
	env["method"], _ = json.Marshal(ServiceName + "." + method)
	out, err := json.Marshal(env)
	if err != nil {
		return frame
	}
	return out
}

// rpcError maps store failures onto JSON-RPC error payloads.
func rpcError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errNotFound):
		return &json2.Error{Code: 404, Message: "not found"}
	case errors.Is(err, errNoTable):
		return &json2.Error{Code: 404, Message: err.Error()}
	case errors.Is(err, errTableExists):
		return &json2.Error{Code: 409, Message: err.Error()}
	case errors.Is(err, errBadID):
		return &json2.Error{Code: json2.E_INVALID_REQ, Message: err.Error()}
	default:
		return &json2.Error{Code: json2.E_SERVER, Message: err.Error()}
	}
}
