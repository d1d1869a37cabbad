// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package glowdb

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gorilla/rpc/v2/json2"
)

// Method is a GlowDB operation name.
type Method string

const (
	MethodCreateTable    Method = "CreateTable"
	MethodDeleteTable    Method = "DeleteTable"
	MethodGetItem        Method = "GetItem"
	MethodPutItem        Method = "PutItem"
	MethodUpdateItem     Method = "UpdateItem"
	MethodDeleteItem     Method = "DeleteItem"
	MethodScan           Method = "Scan"
	MethodQuery          Method = "Query"
	MethodBatchGetItem   Method = "BatchGetItem"
	MethodBatchWriteItem Method = "BatchWriteItem"
)

// Methods lists every method the server understands.
var Methods = []Method{
	MethodCreateTable,
	MethodDeleteTable,
	MethodGetItem,
	MethodPutItem,
	MethodUpdateItem,
	MethodDeleteItem,
	MethodScan,
	MethodQuery,
	MethodBatchGetItem,
	MethodBatchWriteItem,
}

// Valid reports whether m is one of Methods. Matching is case-sensitive.
func (m Method) Valid() bool {
	for _, v := range Methods {
		if m == v {
			return true
		}
	}
	return false
}

// Params are the by-name parameters of a request.
type Params map[string]any

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	Version string `json:"jsonrpc"`
	Method  Method `json:"method"`
	Params  Params `json:"params"`
	ID      string `json:"id"`
}

// Response is a JSON-RPC 2.0 response envelope. Result is nil for an
// absent or null result.
type Response struct {
	Version string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *json2.Error    `json:"error,omitempty"`
	ID      string          `json:"id"`
}

var nullJSON = []byte("null")

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), nullJSON)
}

// parseResponse validates a frame as a response envelope. When the frame is
// malformed but still carries a readable string id, the id is returned with
// the error so the waiting caller can be failed instead of left hanging.
func parseResponse(codec Codec, frame []byte) (*Response, string, error) {
	var fields map[string]json.RawMessage
	if err := codec.Decode(frame, &fields); err != nil {
		return nil, "", fmt.Errorf("decode envelope: %w", err)
	}

	var id string
	rawID, ok := fields["id"]
	if !ok || isNull(rawID) {
		return nil, "", fmt.Errorf("missing id")
	}
	if err := codec.Decode(rawID, &id); err != nil {
		return nil, "", fmt.Errorf("id is not a string: %s", rawID)
	}

	var version string
	if raw, ok := fields["jsonrpc"]; !ok || codec.Decode(raw, &version) != nil || version != json2.Version {
		return nil, id, fmt.Errorf("jsonrpc version must be %q", json2.Version)
	}

	resp := &Response{Version: version, ID: id}
	if raw, ok := fields["error"]; ok && !isNull(raw) {
		resp.Error = &json2.Error{}
		if err := codec.Decode(raw, resp.Error); err != nil {
			return nil, id, fmt.Errorf("decode error member: %w", err)
		}
	}
	if raw, ok := fields["result"]; ok && !isNull(raw) {
		if resp.Error != nil {
			return nil, id, fmt.Errorf("both result and error are set")
		}
		resp.Result = raw
	}
	return resp, id, nil
}

func (r *Response) err() error {
	if r.Error == nil {
		return nil
	}
	return &RPCError{
		Code:    int(r.Error.Code),
		Message: r.Error.Message,
		Data:    r.Error.Data,
	}
}
