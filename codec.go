// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package glowdb

import (
	"bytes"
	"encoding/json"
)

// Codec encodes outgoing envelopes and decodes incoming frames.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// JSONCodec is the JSON codec used on the wire. Numbers decoded into
// interface values are kept as json.Number so integer ids and counters
// survive untouched.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// defaultCodec is used when no codec is specified
var defaultCodec Codec = JSONCodec{}
