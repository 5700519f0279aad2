// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the binary encoding for values rollout persists
// outside of SQL columns: run parameters in the history store and
// event payloads in the barrier store. It uses CBOR with Core
// Deterministic Encoding so identical parameter sets produce identical
// bytes, which lets the history store compare runs byte for byte.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	// Formula parameters are JSON-shaped. Decoding into any must yield
	// map[string]any so the values can be handed back to the template
	// engine and encoding/json unchanged.
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value. It delays decoding of an
// envelope's payload until the receiver knows its type.
type RawMessage = cbor.RawMessage
