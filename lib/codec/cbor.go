// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the single CBOR configuration used on conveyor wire
// protocols. Callers import this package rather than fxamacker/cbor
// directly so every encoder agrees on the options below.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding (RFC 8949 section 4.2):
// sorted map keys, smallest integer encodings, definite lengths.
// time.Time values encode as RFC 3339 strings with nanoseconds so
// event ordering survives a round trip.
var encMode cbor.EncMode

// decMode decodes any-typed maps as map[string]any and ignores
// unknown struct fields so older brokers accept newer workers.
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is an undecoded CBOR value, used to defer decoding of a
// message body until its kind is known.
type RawMessage = cbor.RawMessage
