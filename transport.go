// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package glowdb

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"sync"
)

// Transport is an open, ordered, message-oriented channel to the server.
// Each Send and Recv moves exactly one frame. Send may be called from many
// goroutines; Recv is only ever called by the connection's read loop.
// Close must unblock a pending Recv.
type Transport interface {
	io.Closer
	Send(ctx context.Context, data []byte) error
	Recv(ctx context.Context) ([]byte, error)
}

// TransportDialer opens a Transport to uri.
type TransportDialer func(ctx context.Context, uri string) (Transport, error)

// Transport schemes
const (
	SchemeWS  = "ws"
	SchemeWSS = "wss"
)

var (
	transportsMu sync.RWMutex
	transports   = map[string]TransportDialer{
		SchemeWS:  dialWebSocket,
		SchemeWSS: dialWebSocket,
	}
)

// RegisterTransport makes a dialer available for URIs with the given scheme.
// Registering a scheme twice replaces the previous dialer.
func RegisterTransport(scheme string, dial TransportDialer) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[scheme] = dial
}

// AvailableTransports returns the registered schemes, sorted.
func AvailableTransports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	result := make([]string, 0, len(transports))
	for name := range transports {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// HasTransport checks if a transport is available
func HasTransport(scheme string) bool {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	_, ok := transports[scheme]
	return ok
}

func transportFor(uri string) (TransportDialer, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse uri: %w", err)
	}
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	dial, ok := transports[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("unknown transport: %q", u.Scheme)
	}
	return dial, nil
}
