// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package glowdb

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout = 10 * time.Second
	closeGracePeriod = time.Second
)

// CleanlyCloseBody drains and closes an HTTP response body to prevent
// HTTP/2 GOAWAY errors caused by closing bodies with unread data.
// See: https://github.com/golang/go/issues/46071
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// wsTransport carries one envelope per WebSocket text frame.
type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
}

func dialWebSocket(ctx context.Context, uri string) (Transport, error) {
	d := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: handshakeTimeout,
	}
	conn, resp, err := d.DialContext(ctx, uri, nil)
	if resp != nil {
		if err != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		_ = CleanlyCloseBody(resp.Body)
	}
	if err != nil {
		return nil, err
	}
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) Send(ctx context.Context, data []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return t.closedOr(err)
	}
	return t.closedOr(t.conn.WriteMessage(websocket.TextMessage, data))
}

func (t *wsTransport) Recv(ctx context.Context) ([]byte, error) {
	deadline, _ := ctx.Deadline()
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return nil, t.closedOr(err)
	}
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, t.closedOr(err)
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// closedOr reports ErrClosed for any failure after Close.
func (t *wsTransport) closedOr(err error) error {
	if err != nil && t.closed.Load() {
		return ErrClosed
	}
	return err
}

// Close sends a normal closure frame and closes the socket, failing any
// Send still blocked on a full socket. Only the first call does anything.
// It must not take writeMu: a blocked Send holds it.
func (t *wsTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
	return t.conn.Close()
}
