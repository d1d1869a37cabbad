// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package glowdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DefaultLimit is the page size the GlowDB clients use for Scan and Query.
const DefaultLimit = 25

// Caller makes a single JSON-RPC call and returns the undecoded result.
// *Conn is the production Caller.
type Caller interface {
	Call(ctx context.Context, method Method, params Params) (json.RawMessage, error)
}

// Client is the table API for documents of type D. Each operation maps to
// exactly one call. Operations that return documents decode them with the
// client's Model; the others return the server's result as a generic value
// (bool, float/json.Number, string, map[string]any, []any or nil).
type Client[D any] struct {
	caller Caller
	model  *Model[D]
}

// New returns a Client that sends its calls through caller.
func New[D any](caller Caller, model *Model[D]) *Client[D] {
	return &Client[D]{caller: caller, model: model}
}

// Open dials uri and returns a Client owning the connection.
func Open[D any](ctx context.Context, uri string, opts ...DialOption) (*Client[D], error) {
	model, err := NewModel[D]()
	if err != nil {
		return nil, err
	}
	conn, err := Dial(ctx, uri, opts...)
	if err != nil {
		return nil, err
	}
	return New(conn, model), nil
}

// Session opens a Client, runs fn and closes the connection on every exit
// path. A close error is joined to fn's error.
func Session[D any](ctx context.Context, uri string, fn func(context.Context, *Client[D]) error, opts ...DialOption) (err error) {
	model, err := NewModel[D]()
	if err != nil {
		return err
	}
	return WithConn(ctx, uri, func(ctx context.Context, conn *Conn) error {
		return fn(ctx, New(conn, model))
	}, opts...)
}

// Model returns the document model the client decodes with.
func (c *Client[D]) Model() *Model[D] { return c.model }

// Close closes the underlying caller when it can be closed.
func (c *Client[D]) Close() error {
	if closer, ok := c.caller.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// CreateTable creates a table.
func (c *Client[D]) CreateTable(ctx context.Context, name string) (any, error) {
	return c.raw(ctx, MethodCreateTable, Params{"table_name": name})
}

// DeleteTable deletes a table.
func (c *Client[D]) DeleteTable(ctx context.Context, name string) (any, error) {
	return c.raw(ctx, MethodDeleteTable, Params{"table_name": name})
}

// PutItem stores doc. A document without an id is given one, written back
// into doc before the request is sent.
func (c *Client[D]) PutItem(ctx context.Context, table string, doc *D) (any, error) {
	item, err := c.model.Encode(doc)
	if err != nil {
		return nil, err
	}
	return c.raw(ctx, MethodPutItem, Params{"table_name": table, "item": item})
}

// GetItem fetches the document with the given id.
func (c *Client[D]) GetItem(ctx context.Context, table, id string) (D, error) {
	res, err := c.call(ctx, MethodGetItem, Params{"table_name": table, "id": id})
	if err != nil {
		var zero D
		return zero, err
	}
	return c.model.Decode(res)
}

// UpdateItem applies a partial update to the document with the given id.
func (c *Client[D]) UpdateItem(ctx context.Context, table, id string, updates map[string]any) (any, error) {
	return c.raw(ctx, MethodUpdateItem, Params{"table_name": table, "id": id, "updates": updates})
}

// DeleteItem deletes the document with the given id.
func (c *Client[D]) DeleteItem(ctx context.Context, table, id string) (any, error) {
	return c.raw(ctx, MethodDeleteItem, Params{"table_name": table, "id": id})
}

// Scan pages through a table in server order.
func (c *Client[D]) Scan(ctx context.Context, table string, limit, offset int) ([]D, error) {
	return c.many(ctx, MethodScan, Params{"table_name": table, "limit": limit, "offset": offset})
}

// Query pages through the documents matching filters. Nil or empty filters
// are left out of the request entirely.
func (c *Client[D]) Query(ctx context.Context, table string, filters map[string]any, limit, offset int) ([]D, error) {
	params := Params{"table_name": table, "limit": limit, "offset": offset}
	if len(filters) > 0 {
		params["filters"] = filters
	}
	return c.many(ctx, MethodQuery, params)
}

// BatchGetItem fetches several documents by id.
func (c *Client[D]) BatchGetItem(ctx context.Context, table string, ids []string) ([]D, error) {
	return c.many(ctx, MethodBatchGetItem, Params{"table_name": table, "ids": ids})
}

// BatchWriteItem stores docs in one call. Documents without an id are
// given one in place. Partial failures are reported however the server
// reports them.
func (c *Client[D]) BatchWriteItem(ctx context.Context, table string, docs []D) (any, error) {
	items := make([]map[string]any, len(docs))
	var errs []error
	for i := range docs {
		item, err := c.model.Encode(&docs[i])
		if err != nil {
			errs = append(errs, fmt.Errorf("item %d: %w", i, err))
			continue
		}
		items[i] = item
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return c.raw(ctx, MethodBatchWriteItem, Params{"table_name": table, "items": items})
}

func (c *Client[D]) many(ctx context.Context, method Method, params Params) ([]D, error) {
	res, err := c.call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	return c.model.DecodeMany(res)
}

func (c *Client[D]) raw(ctx context.Context, method Method, params Params) (any, error) {
	return c.call(ctx, method, params)
}

// call returns the result as a generic value, numbers as json.Number.
func (c *Client[D]) call(ctx context.Context, method Method, params Params) (any, error) {
	raw, err := c.caller.Call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	if isNull(raw) {
		return nil, nil
	}
	var res any
	if err := defaultCodec.Decode(raw, &res); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", method, err)
	}
	return res, nil
}
