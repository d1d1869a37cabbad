// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package glowdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// pipe is an in-memory Transport. The test drives the server end through
// next and reply.
type pipe struct {
	in     chan []byte // client to server
	out    chan []byte // server to client
	closed chan struct{}
	hangup chan struct{}
	once   sync.Once
	hOnce  sync.Once

	closeErr error
}

func newPipe() *pipe {
	return &pipe{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
		hangup: make(chan struct{}),
	}
}

func (p *pipe) Send(ctx context.Context, data []byte) error {
	select {
	case p.in <- data:
		return nil
	case <-p.closed:
		return ErrClosed
	case <-p.hangup:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipe) Recv(ctx context.Context) ([]byte, error) {
	select {
	case data := <-p.out:
		return data, nil
	case <-p.closed:
		return nil, ErrClosed
	case <-p.hangup:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipe) Close() error {
	p.once.Do(func() { close(p.closed) })
	return p.closeErr
}

// hangUp simulates the server dropping the connection.
func (p *pipe) hangUp() {
	p.hOnce.Do(func() { close(p.hangup) })
}

func (p *pipe) next(t *testing.T) Request {
	t.Helper()
	select {
	case data := <-p.in:
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		return req
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a request")
		return Request{}
	}
}

func (p *pipe) reply(frame string) {
	p.out <- []byte(frame)
}

func (p *pipe) result(id, result string) {
	p.reply(`{"jsonrpc":"2.0","result":` + result + `,"id":"` + id + `"}`)
}

func connectPipe(t *testing.T, opts ...DialOption) (*Conn, *pipe) {
	t.Helper()
	p := newPipe()
	opts = append([]DialOption{WithTransportDialer(func(context.Context, string) (Transport, error) {
		return p, nil
	})}, opts...)
	c, err := Dial(context.Background(), "ws://glowdb.test", opts...)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, p
}

type callOutcome struct {
	res json.RawMessage
	err error
}

func goCall(ctx context.Context, c *Conn, method Method, params Params) <-chan callOutcome {
	ch := make(chan callOutcome, 1)
	go func() {
		res, err := c.Call(ctx, method, params)
		ch <- callOutcome{res, err}
	}()
	return ch
}

func wait(t *testing.T, ch <-chan callOutcome) callOutcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("call did not return")
		return callOutcome{}
	}
}

func TestCallEnvelope(t *testing.T) {
	c, p := connectPipe(t)

	done := goCall(context.Background(), c, MethodCreateTable, Params{"table_name": "messages"})
	req := p.next(t)
	require.Equal(t, "2.0", req.Version)
	require.Equal(t, MethodCreateTable, req.Method)
	require.Equal(t, Params{"table_name": "messages"}, req.Params)
	require.NotEmpty(t, req.ID)

	p.result(req.ID, "true")
	out := wait(t, done)
	require.NoError(t, out.err)
	require.JSONEq(t, "true", string(out.res))
}

func TestCallNilParamsSendsObject(t *testing.T) {
	c, p := connectPipe(t)

	done := goCall(context.Background(), c, MethodScan, nil)
	data := <-p.in
	require.Contains(t, string(data), `"params":{}`)

	var req Request
	require.NoError(t, json.Unmarshal(data, &req))
	p.result(req.ID, "null")
	out := wait(t, done)
	require.NoError(t, out.err)
	require.True(t, isNull(out.res))
}

func TestCallCorrelatesOutOfOrder(t *testing.T) {
	c, p := connectPipe(t)

	first := goCall(context.Background(), c, MethodGetItem, Params{"id": "1"})
	req1 := p.next(t)
	second := goCall(context.Background(), c, MethodGetItem, Params{"id": "2"})
	req2 := p.next(t)
	require.NotEqual(t, req1.ID, req2.ID)

	p.result(req2.ID, `"two"`)
	p.result(req1.ID, `"one"`)

	out := wait(t, first)
	require.NoError(t, out.err)
	require.JSONEq(t, `"one"`, string(out.res))

	out = wait(t, second)
	require.NoError(t, out.err)
	require.JSONEq(t, `"two"`, string(out.res))
}

func TestUnmatchedIDIsProtocolError(t *testing.T) {
	reported := make(chan *ProtocolError, 1)
	c, p := connectPipe(t, WithProtocolErrorHandler(func(perr *ProtocolError) {
		reported <- perr
	}))

	done := goCall(context.Background(), c, MethodGetItem, Params{"id": "1"})
	req := p.next(t)

	p.result("ghost", "true")
	select {
	case perr := <-reported:
		require.Equal(t, "ghost", perr.ID)
		require.JSONEq(t, `{"jsonrpc":"2.0","result":true,"id":"ghost"}`, string(perr.Frame))
	case <-time.After(5 * time.Second):
		t.Fatal("protocol error not reported")
	}

	p.result(req.ID, `{"id":"1"}`)
	out := wait(t, done)
	require.NoError(t, out.err)
	require.JSONEq(t, `{"id":"1"}`, string(out.res))
}

func TestDuplicateResponseIsProtocolError(t *testing.T) {
	reported := make(chan *ProtocolError, 1)
	c, p := connectPipe(t, WithProtocolErrorHandler(func(perr *ProtocolError) {
		reported <- perr
	}))

	done := goCall(context.Background(), c, MethodDeleteItem, Params{"id": "1"})
	req := p.next(t)
	p.result(req.ID, "true")
	p.result(req.ID, "false")

	out := wait(t, done)
	require.NoError(t, out.err)
	require.JSONEq(t, "true", string(out.res))

	select {
	case perr := <-reported:
		require.Equal(t, req.ID, perr.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("duplicate response not reported")
	}
}

func TestMalformedFrames(t *testing.T) {
	reported := make(chan *ProtocolError, 4)
	c, p := connectPipe(t, WithProtocolErrorHandler(func(perr *ProtocolError) {
		reported <- perr
	}))

	done := goCall(context.Background(), c, MethodGetItem, Params{"id": "1"})
	req := p.next(t)

	// Neither frame can be attributed to a call.
	p.reply(`not json`)
	p.reply(`{"jsonrpc":"2.0","result":1,"id":7}`)
	for range 2 {
		select {
		case perr := <-reported:
			require.Empty(t, perr.ID)
		case <-time.After(5 * time.Second):
			t.Fatal("malformed frame not reported")
		}
	}

	// A bad version with a matching id fails that call.
	p.reply(`{"jsonrpc":"1.0","result":1,"id":"` + req.ID + `"}`)
	out := wait(t, done)
	var perr *ProtocolError
	require.ErrorAs(t, out.err, &perr)
	require.Equal(t, req.ID, perr.ID)
}

func TestResultAndErrorTogether(t *testing.T) {
	c, p := connectPipe(t)

	done := goCall(context.Background(), c, MethodGetItem, Params{"id": "1"})
	req := p.next(t)
	p.reply(`{"jsonrpc":"2.0","result":1,"error":{"code":1,"message":"x"},"id":"` + req.ID + `"}`)

	var perr *ProtocolError
	require.ErrorAs(t, wait(t, done).err, &perr)
}

func TestRPCError(t *testing.T) {
	c, p := connectPipe(t)

	done := goCall(context.Background(), c, MethodGetItem, Params{"table_name": "messages", "id": "missing"})
	req := p.next(t)
	p.reply(`{"jsonrpc":"2.0","error":{"code":404,"message":"not found"},"id":"` + req.ID + `"}`)

	out := wait(t, done)
	var rpcErr *RPCError
	require.ErrorAs(t, out.err, &rpcErr)
	require.Equal(t, 404, rpcErr.Code)
	require.Equal(t, "not found", rpcErr.Message)
	require.Nil(t, rpcErr.Data)
}

func TestCloseFailsOutstandingCall(t *testing.T) {
	c, p := connectPipe(t)

	done := goCall(context.Background(), c, MethodGetItem, Params{"id": "1"})
	p.next(t)
	require.NoError(t, c.Close())

	out := wait(t, done)
	var connErr *ConnectionError
	require.ErrorAs(t, out.err, &connErr)
	require.ErrorIs(t, out.err, ErrClosed)
	require.Equal(t, "ws://glowdb.test", connErr.URI)

	_, err := c.Call(context.Background(), MethodGetItem, Params{"id": "1"})
	require.ErrorIs(t, err, ErrNotConnected)
	require.False(t, c.Connected())

	// Close is idempotent.
	require.NoError(t, c.Close())
}

func TestTransportFailure(t *testing.T) {
	var (
		mu    sync.Mutex
		pipes []*pipe
	)
	dialer := func(context.Context, string) (Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		p := newPipe()
		pipes = append(pipes, p)
		return p, nil
	}
	c, err := Dial(context.Background(), "", WithTransportDialer(dialer))
	require.NoError(t, err)
	defer c.Close()
	require.Equal(t, DefaultURI, c.URI())

	done := goCall(context.Background(), c, MethodScan, Params{"table_name": "t"})
	pipes[0].next(t)
	pipes[0].hangUp()

	out := wait(t, done)
	var connErr *ConnectionError
	require.ErrorAs(t, out.err, &connErr)
	require.Equal(t, "recv", connErr.Op)
	require.ErrorIs(t, out.err, io.EOF)

	require.Eventually(t, func() bool { return !c.Connected() }, 5*time.Second, time.Millisecond)
	_, err = c.Call(context.Background(), MethodScan, Params{"table_name": "t"})
	require.ErrorAs(t, err, &connErr)

	// A failed connection can be reopened.
	require.NoError(t, c.Connect(context.Background()))
	done = goCall(context.Background(), c, MethodScan, Params{"table_name": "t"})
	req := pipes[1].next(t)
	pipes[1].result(req.ID, "[]")
	require.NoError(t, wait(t, done).err)
}

func TestConnectTwice(t *testing.T) {
	c, _ := connectPipe(t)
	require.ErrorIs(t, c.Connect(context.Background()), ErrAlreadyConnected)
}

func TestCallNotConnected(t *testing.T) {
	c := NewConn("ws://glowdb.test")
	_, err := c.Call(context.Background(), MethodScan, Params{})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("got %v, want ErrNotConnected", err)
	}
}

func TestCallUnknownMethod(t *testing.T) {
	c, p := connectPipe(t)

	for _, m := range []Method{"", "Truncate", "getitem"} {
		_, err := c.Call(context.Background(), m, Params{})
		require.ErrorIs(t, err, ErrUnknownMethod, "method %q", m)
	}
	select {
	case data := <-p.in:
		t.Fatalf("unexpected frame sent: %s", data)
	default:
	}
}

func TestCanceledCallDropsLateResponse(t *testing.T) {
	var reports atomic.Int32
	c, p := connectPipe(t, WithProtocolErrorHandler(func(*ProtocolError) {
		reports.Add(1)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := goCall(ctx, c, MethodGetItem, Params{"id": "slow"})
	late := p.next(t)
	cancel()
	require.ErrorIs(t, wait(t, done).err, context.Canceled)

	p.result(late.ID, `{"id":"slow"}`)

	// Frames are handled in order, so once this call completes the late
	// response has been seen.
	done = goCall(context.Background(), c, MethodGetItem, Params{"id": "fast"})
	req := p.next(t)
	p.result(req.ID, `{"id":"fast"}`)
	out := wait(t, done)
	require.NoError(t, out.err)
	require.JSONEq(t, `{"id":"fast"}`, string(out.res))
	require.Zero(t, reports.Load())
}

func TestCallTimeout(t *testing.T) {
	c, p := connectPipe(t, WithCallTimeout(20*time.Millisecond))

	done := goCall(context.Background(), c, MethodGetItem, Params{"id": "1"})
	p.next(t)
	require.ErrorIs(t, wait(t, done).err, context.DeadlineExceeded)
}

func TestSerializedCalls(t *testing.T) {
	c, p := connectPipe(t, WithSerializedCalls())

	first := goCall(context.Background(), c, MethodGetItem, Params{"id": "1"})
	req1 := p.next(t)
	second := goCall(context.Background(), c, MethodGetItem, Params{"id": "2"})

	select {
	case data := <-p.in:
		t.Fatalf("second request sent while the first was in flight: %s", data)
	case <-time.After(50 * time.Millisecond):
	}

	p.result(req1.ID, `"one"`)
	require.NoError(t, wait(t, first).err)

	req2 := p.next(t)
	require.Equal(t, Params{"id": "2"}, req2.Params)
	p.result(req2.ID, `"two"`)
	out := wait(t, second)
	require.NoError(t, out.err)
	require.JSONEq(t, `"two"`, string(out.res))
}

func TestIDCollisionIsRedrawn(t *testing.T) {
	c, p := connectPipe(t, WithIDGenerator(func() string { return "same" }))

	first := goCall(context.Background(), c, MethodGetItem, Params{"id": "1"})
	req1 := p.next(t)
	second := goCall(context.Background(), c, MethodGetItem, Params{"id": "2"})
	req2 := p.next(t)
	require.Equal(t, "same", req1.ID)
	require.NotEqual(t, "same", req2.ID)

	p.result(req2.ID, "2")
	p.result(req1.ID, "1")
	require.JSONEq(t, "1", string(wait(t, first).res))
	require.JSONEq(t, "2", string(wait(t, second).res))
}

func TestConcurrentCalls(t *testing.T) {
	c, p := connectPipe(t)

	// Echo server: answer every request with its own params.
	go func() {
		for {
			var data []byte
			select {
			case data = <-p.in:
			case <-p.closed:
				return
			}
			var req Request
			if json.Unmarshal(data, &req) != nil {
				return
			}
			params, _ := json.Marshal(req.Params)
			select {
			case p.out <- []byte(`{"jsonrpc":"2.0","result":` + string(params) + `,"id":"` + req.ID + `"}`):
			case <-p.closed:
				return
			}
		}
	}()

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.Call(context.Background(), MethodGetItem, Params{"n": i})
			if err != nil {
				errs <- err
				return
			}
			var got struct{ N int }
			if err := json.Unmarshal(res, &got); err != nil {
				errs <- err
				return
			}
			if got.N != i {
				errs <- errors.New("response delivered to the wrong caller")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestDialRetry(t *testing.T) {
	var attempts atomic.Int32
	dialer := func(context.Context, string) (Transport, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("connection refused")
		}
		return newPipe(), nil
	}
	cfg := fastBackoff()

	c, err := Dial(context.Background(), "ws://glowdb.test", WithTransportDialer(dialer), WithDialRetry(3, cfg))
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.EqualValues(t, 3, attempts.Load())

	attempts.Store(0)
	_, err = Dial(context.Background(), "ws://glowdb.test", WithTransportDialer(dialer), WithDialRetry(2, cfg))
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.Equal(t, "dial", connErr.Op)
	require.ErrorContains(t, err, "connection refused")
	require.EqualValues(t, 2, attempts.Load())
}

func TestDialUnknownScheme(t *testing.T) {
	_, err := Dial(context.Background(), "carrier-pigeon://glowdb.test")
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.ErrorContains(t, err, "unknown transport")
}

func TestWithConnClosesOnce(t *testing.T) {
	p := newPipe()
	var dials atomic.Int32
	dialer := func(context.Context, string) (Transport, error) {
		dials.Add(1)
		return p, nil
	}
	boom := errors.New("boom")

	var held *Conn
	err := WithConn(context.Background(), "ws://glowdb.test", func(ctx context.Context, c *Conn) error {
		held = c
		require.True(t, c.Connected())
		return boom
	}, WithTransportDialer(dialer))
	require.ErrorIs(t, err, boom)
	require.False(t, held.Connected())
	require.EqualValues(t, 1, dials.Load())

	select {
	case <-p.closed:
	default:
		t.Fatal("transport left open")
	}
}

func TestWithConnClosesOnPanic(t *testing.T) {
	p := newPipe()
	dialer := func(context.Context, string) (Transport, error) { return p, nil }

	require.Panics(t, func() {
		_ = WithConn(context.Background(), "ws://glowdb.test", func(context.Context, *Conn) error {
			panic("boom")
		}, WithTransportDialer(dialer))
	})

	select {
	case <-p.closed:
	default:
		t.Fatal("transport left open")
	}
}

func TestDialRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	dialer := func(context.Context, string) (Transport, error) {
		if attempts.Add(1) == 2 {
			cancel()
		}
		return nil, errors.New("connection refused")
	}

	_, err := Dial(ctx, "ws://glowdb.test", WithTransportDialer(dialer), WithDialRetry(5, fastBackoff()))
	require.EqualValues(t, 2, attempts.Load())
	require.ErrorContains(t, err, "failed to dial after 2 attempts")
	require.ErrorContains(t, err, "connection refused")
}

func TestDialRetrySingleAttemptOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := func(context.Context, string) (Transport, error) {
		cancel()
		return nil, errors.New("connection refused")
	}

	_, err := Dial(ctx, "ws://glowdb.test", WithTransportDialer(dialer), WithDialRetry(5, fastBackoff()))
	require.ErrorContains(t, err, "connection refused")
	require.NotContains(t, err.Error(), "attempts")
}

// syncBuffer is a bytes.Buffer safe for the read loop and the test to share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestReconnectLogsCloseError(t *testing.T) {
	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	first := newPipe()
	first.closeErr = errors.New("socket already gone")
	pipes := []*pipe{first, newPipe()}
	var dials atomic.Int32
	dialer := func(context.Context, string) (Transport, error) {
		return pipes[dials.Add(1)-1], nil
	}

	c, err := Dial(context.Background(), "ws://glowdb.test", WithTransportDialer(dialer), WithLogger(logger))
	require.NoError(t, err)
	defer c.Close()

	first.hangUp()
	require.Eventually(t, func() bool { return !c.Connected() }, 5*time.Second, time.Millisecond)
	require.NoError(t, c.Connect(context.Background()))

	require.Contains(t, logs.String(), "closing failed transport")
	require.Contains(t, logs.String(), "socket already gone")
}
