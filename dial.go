// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package glowdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/backoff"
)

// DefaultURI is the endpoint used when none is given.
const DefaultURI = "ws://localhost:8888"

// DialOption configures client connections
type DialOption func(*dialOptions)

type dialOptions struct {
	codec         Codec
	logger        *slog.Logger
	dialer        TransportDialer
	callTimeout   time.Duration
	serialized    bool
	retryAttempts int
	retryBackoff  backoff.Config
	onProtocolErr func(*ProtocolError)
	newID         func() string
}

func newDialOptions(opts []DialOption) *dialOptions {
	o := &dialOptions{
		codec:         defaultCodec,
		logger:        slog.New(slog.DiscardHandler),
		retryAttempts: 1,
		retryBackoff:  backoff.DefaultConfig,
		newID:         uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithCodec sets a custom envelope codec
func WithCodec(c Codec) DialOption {
	return func(o *dialOptions) { o.codec = c }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) DialOption {
	return func(o *dialOptions) { o.logger = l }
}

// WithTransportDialer bypasses the scheme registry for this connection.
func WithTransportDialer(d TransportDialer) DialOption {
	return func(o *dialOptions) { o.dialer = d }
}

// WithCallTimeout bounds every call whose context carries no deadline.
func WithCallTimeout(d time.Duration) DialOption {
	return func(o *dialOptions) { o.callTimeout = d }
}

// WithSerializedCalls allows only one request in flight at a time; other
// callers wait their turn. By default calls are multiplexed.
func WithSerializedCalls() DialOption {
	return func(o *dialOptions) { o.serialized = true }
}

// WithDialRetry retries a failed dial up to attempts times in total,
// sleeping between attempts on the exponential schedule described by cfg.
func WithDialRetry(attempts int, cfg backoff.Config) DialOption {
	return func(o *dialOptions) {
		if attempts < 1 {
			attempts = 1
		}
		o.retryAttempts = attempts
		o.retryBackoff = cfg
	}
}

// WithProtocolErrorHandler receives protocol violations that cannot be
// attributed to any outstanding call. The default logs them.
func WithProtocolErrorHandler(fn func(*ProtocolError)) DialOption {
	return func(o *dialOptions) { o.onProtocolErr = fn }
}

// WithIDGenerator replaces the correlation id generator (UUID v4).
func WithIDGenerator(fn func() string) DialOption {
	return func(o *dialOptions) { o.newID = fn }
}

// Dial connects to a GlowDB server. An empty uri means DefaultURI.
func Dial(ctx context.Context, uri string, opts ...DialOption) (*Conn, error) {
	c := NewConn(uri, opts...)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// WithConn connects, runs fn, and closes the connection exactly once no
// matter how fn returns. A close error is joined to fn's error.
func WithConn(ctx context.Context, uri string, fn func(context.Context, *Conn) error, opts ...DialOption) (err error) {
	c, err := Dial(ctx, uri, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := c.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	return fn(ctx, c)
}

// dialTransport opens the transport, retrying on the configured schedule.
func (c *Conn) dialTransport(ctx context.Context) (Transport, error) {
	dial := c.opts.dialer
	if dial == nil {
		var err error
		if dial, err = transportFor(c.uri); err != nil {
			return nil, err
		}
	}

	var (
		lastErr  error
		attempts int
	)
	for attempt := 0; attempt < c.opts.retryAttempts; attempt++ {
		if attempt > 0 {
			wait := retryDelay(c.opts.retryBackoff, attempt-1)
			c.log.Debug("retrying dial", "attempt", attempt+1, "wait", wait, "err", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
		attempts++
		t, err := dial(ctx, c.uri)
		if err == nil {
			return t, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if attempts > 1 {
		return nil, fmt.Errorf("failed to dial after %d attempts: %w", attempts, lastErr)
	}
	return nil, lastErr
}

// retryDelay returns the wait before retry number retries (0-based), using
// the same exponential-with-jitter rule as grpc's connection backoff.
func retryDelay(cfg backoff.Config, retries int) time.Duration {
	if retries == 0 {
		return cfg.BaseDelay
	}
	wait, maxWait := float64(cfg.BaseDelay), float64(cfg.MaxDelay)
	for wait < maxWait && retries > 0 {
		wait *= cfg.Multiplier
		retries--
	}
	if wait > maxWait {
		wait = maxWait
	}
	wait *= 1 + cfg.Jitter*(rand.Float64()*2-1)
	if wait < 0 {
		return 0
	}
	return time.Duration(wait)
}
