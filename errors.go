// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package glowdb

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotConnected is returned when a call is made on a connection that
	// was never opened or has been closed.
	ErrNotConnected = errors.New("glowdb: not connected")

	// ErrAlreadyConnected is returned by Connect on an open connection.
	ErrAlreadyConnected = errors.New("glowdb: already connected")

	// ErrClosed is the cause carried by a ConnectionError when the
	// connection was closed locally while a call was waiting.
	ErrClosed = errors.New("glowdb: connection closed")

	// ErrUnknownMethod is returned for a method outside the GlowDB method set.
	ErrUnknownMethod = errors.New("glowdb: unknown method")
)

// ConnectionError reports a transport that could not be opened or that
// failed while a call was in flight.
type ConnectionError struct {
	URI string
	Op  string // "dial", "send" or "recv"
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("glowdb: %s %s: %v", e.Op, e.URI, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RPCError is an error returned by the server in a response envelope.
type RPCError struct {
	Code    int
	Message string
	Data    any
}

func (e *RPCError) Error() string {
	if e.Data == nil {
		return fmt.Sprintf("glowdb: rpc error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("glowdb: rpc error %d: %s (%v)", e.Code, e.Message, e.Data)
}

// FieldError is a single violated field of a decoded document.
type FieldError struct {
	Field  string
	Reason string
}

func (f FieldError) String() string {
	return f.Field + ": " + f.Reason
}

// ValidationError lists every field of a payload that does not fit the
// target document type.
type ValidationError struct {
	Type   string
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.String()
	}
	return fmt.Sprintf("glowdb: invalid %s: %s", e.Type, strings.Join(parts, "; "))
}

// Has reports whether field is among the violations.
func (e *ValidationError) Has(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

// ProtocolError reports a frame that breaks the JSON-RPC contract: a
// malformed envelope, or a response whose id matches no outstanding call.
type ProtocolError struct {
	ID     string
	Reason string
	Frame  []byte
}

func (e *ProtocolError) Error() string {
	if e.ID == "" {
		return "glowdb: protocol error: " + e.Reason
	}
	return fmt.Sprintf("glowdb: protocol error (id %s): %s", e.ID, e.Reason)
}
