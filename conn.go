// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package glowdb

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/rpc/v2/json2"
)

// Conn is a connection to a GlowDB server. It owns at most one open
// transport at a time and correlates responses to calls by request id, so
// any number of goroutines may call concurrently.
type Conn struct {
	uri  string
	opts *dialOptions
	log  *slog.Logger

	mu      sync.Mutex
	session *session
}

// session is the state of one open transport. It is discarded on Close.
type session struct {
	transport Transport
	turn      chan struct{} // held for the whole call in serialized mode

	mu        sync.Mutex
	pending   map[string]chan callResult
	abandoned map[string]struct{}

	done     chan struct{}
	doneOnce sync.Once
	err      error // why done was closed; written before close(done)
}

type callResult struct {
	resp *Response
	err  error
}

// NewConn returns an unconnected Conn. An empty uri means DefaultURI.
func NewConn(uri string, opts ...DialOption) *Conn {
	if uri == "" {
		uri = DefaultURI
	}
	o := newDialOptions(opts)
	return &Conn{
		uri:  uri,
		opts: o,
		log:  o.logger.With("uri", uri),
	}
}

// URI returns the endpoint this connection dials.
func (c *Conn) URI() string { return c.uri }

// Connected reports whether a transport is open and healthy.
func (c *Conn) Connected() bool {
	s := c.current()
	return s != nil && !s.finished()
}

// Connect opens the transport. Calling Connect on an open connection
// returns ErrAlreadyConnected; a connection whose transport failed may be
// connected again without closing it first.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		if !c.session.finished() {
			return ErrAlreadyConnected
		}
		if err := c.session.transport.Close(); err != nil {
			c.log.Debug("closing failed transport", "err", err)
		}
		c.session = nil
	}

	t, err := c.dialTransport(ctx)
	if err != nil {
		return &ConnectionError{URI: c.uri, Op: "dial", Err: err}
	}

	s := &session{
		transport: t,
		turn:      make(chan struct{}, 1),
		pending:   make(map[string]chan callResult),
		abandoned: make(map[string]struct{}),
		done:      make(chan struct{}),
	}
	c.session = s
	go c.readLoop(s)

	c.log.Info("connected")
	return nil
}

// Close releases the transport. Calls still waiting fail with a
// ConnectionError wrapping ErrClosed; later calls fail with ErrNotConnected.
// Closing a closed connection is a no-op.
func (c *Conn) Close() error {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()

	if s == nil {
		return nil
	}
	s.finish(ErrClosed)
	err := s.transport.Close()
	c.log.Info("disconnected")
	return err
}

func (c *Conn) current() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Call sends method with params and waits for the matching response. The
// result is returned undecoded; it is nil for a null result.
func (c *Conn) Call(ctx context.Context, method Method, params Params) (json.RawMessage, error) {
	if !method.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	s := c.current()
	if s == nil {
		return nil, ErrNotConnected
	}
	if s.finished() {
		return nil, c.lost(s)
	}

	if c.opts.callTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.opts.callTimeout)
			defer cancel()
		}
	}

	if c.opts.serialized {
		select {
		case s.turn <- struct{}{}:
			defer func() { <-s.turn }()
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, c.lost(s)
		}
	}

	if params == nil {
		params = Params{}
	}
	id, respCh := s.register(c.opts.newID)
	payload, err := c.opts.codec.Encode(&Request{
		Version: json2.Version,
		Method:  method,
		Params:  params,
		ID:      id,
	})
	if err != nil {
		s.forget(id)
		return nil, fmt.Errorf("encode request: %w", err)
	}

	c.log.Debug("sending request", "method", method, "id", id)
	if err := s.transport.Send(ctx, payload); err != nil {
		s.forget(id)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ConnectionError{URI: c.uri, Op: "send", Err: err}
	}

	select {
	case res := <-respCh:
		return c.result(method, id, res)
	case <-ctx.Done():
		if !s.abandon(id) {
			// The response was claimed by the read loop just now.
			return c.result(method, id, <-respCh)
		}
		return nil, ctx.Err()
	case <-s.done:
		if !s.forget(id) {
			return c.result(method, id, <-respCh)
		}
		return nil, c.lost(s)
	}
}

func (c *Conn) result(method Method, id string, res callResult) (json.RawMessage, error) {
	if res.err != nil {
		return nil, res.err
	}
	c.log.Debug("received response", "method", method, "id", id)
	if err := res.resp.err(); err != nil {
		return nil, err
	}
	return res.resp.Result, nil
}

func (c *Conn) lost(s *session) error {
	<-s.done
	return &ConnectionError{URI: c.uri, Op: "recv", Err: s.err}
}

func (c *Conn) readLoop(s *session) {
	for {
		frame, err := s.transport.Recv(context.Background())
		if err != nil {
			if !s.finished() {
				c.log.Warn("connection lost", "err", err)
			}
			s.finish(err)
			return
		}
		c.dispatch(s, frame)
	}
}

// dispatch routes one incoming frame to the call waiting for it.
func (c *Conn) dispatch(s *session, frame []byte) {
	resp, id, err := parseResponse(c.opts.codec, frame)
	res := callResult{resp: resp}
	var perr *ProtocolError
	if err != nil {
		perr = &ProtocolError{ID: id, Reason: err.Error(), Frame: frame}
		res = callResult{err: perr}
		if id == "" {
			c.protocolError(perr)
			return
		}
	}

	respCh, abandoned := s.claim(id)
	switch {
	case respCh != nil:
		respCh <- res
	case abandoned:
		c.log.Debug("dropping response for abandoned call", "id", id)
	default:
		if perr == nil {
			perr = &ProtocolError{ID: id, Reason: "no outstanding request with this id", Frame: frame}
		}
		c.protocolError(perr)
	}
}

func (c *Conn) protocolError(perr *ProtocolError) {
	c.log.Warn("protocol violation", "id", perr.ID, "reason", perr.Reason)
	if c.opts.onProtocolErr != nil {
		c.opts.onProtocolErr(perr)
	}
}

// register reserves a fresh id. Ids handed out by a custom generator that
// collide with an outstanding one are replaced by a random UUID.
func (s *session) register(newID func() string) (string, chan callResult) {
	respCh := make(chan callResult, 1)
	s.mu.Lock()
	defer s.mu.Unlock()

	id := newID()
	for s.inUse(id) {
		id = uuid.NewString()
	}
	s.pending[id] = respCh
	return id, respCh
}

func (s *session) inUse(id string) bool {
	_, pending := s.pending[id]
	_, abandoned := s.abandoned[id]
	return pending || abandoned
}

// claim hands the waiter for id to the read loop. At most one frame is
// ever delivered per id.
func (s *session) claim(id string) (chan callResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if respCh, ok := s.pending[id]; ok {
		delete(s.pending, id)
		return respCh, false
	}
	if _, ok := s.abandoned[id]; ok {
		delete(s.abandoned, id)
		return nil, true
	}
	return nil, false
}

// forget drops a pending id. It reports false when the read loop already
// claimed it, in which case a result is on its way.
func (s *session) forget(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; !ok {
		return false
	}
	delete(s.pending, id)
	return true
}

// abandon is forget for a caller that gave up; a late response for id is
// then dropped without being reported.
func (s *session) abandon(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; !ok {
		return false
	}
	delete(s.pending, id)
	s.abandoned[id] = struct{}{}
	return true
}

func (s *session) finish(err error) {
	if err == nil {
		err = ErrClosed
	}
	s.doneOnce.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *session) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

var _ Caller = (*Conn)(nil)
