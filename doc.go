// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package glowdb is a client for the GlowDB document store. GlowDB speaks
// JSON-RPC 2.0, one envelope per WebSocket text frame.
//
// # Usage
//
// Declare a document type by embedding Base:
//
//	type Message struct {
//	    glowdb.Base
//	    Role    string `json:"role"`
//	    Content string `json:"content"`
//	}
//
// Open a client for it, or use Session to have the connection closed on
// every exit path:
//
//	err := glowdb.Session(ctx, "ws://localhost:8888", func(ctx context.Context, c *glowdb.Client[Message]) error {
//	    if _, err := c.CreateTable(ctx, "messages"); err != nil {
//	        return err
//	    }
//	    msg := &Message{Role: "system", Content: "You are a helpful assistant"}
//	    if _, err := c.PutItem(ctx, "messages", msg); err != nil {
//	        return err
//	    }
//	    got, err := c.GetItem(ctx, "messages", msg.ID)
//	    ...
//	})
//
// # Errors
//
// Failures are typed: *ConnectionError (dial failed or the transport went
// away mid-call), ErrNotConnected, *RPCError (the server answered with an
// error), *ValidationError (a payload does not fit the document type) and
// *ProtocolError (a frame broke the JSON-RPC contract). Nothing is retried
// except the initial dial, and only when WithDialRetry is given.
//
// # Architecture
//
//   - transport.go, websocket.go: Transport interface, scheme registry, WebSocket transport
//   - codec.go, envelope.go: wire codec, request/response envelopes, method set
//   - conn.go, dial.go: connection lifecycle and request/response correlation
//   - model.go: document encoding, validation and decoding
//   - client.go: the table operations
//   - config.go: glowdb.yaml configuration
//
// Calls on a Conn are multiplexed: each request gets a fresh id and a single
// read loop hands every response to the caller waiting for that id.
// WithSerializedCalls keeps one request in flight at a time instead.
package glowdb
