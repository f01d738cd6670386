// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package codec is the canonical structural encoding for every on-wire
// and persisted message: deterministic CBOR with bounded decoding.
package codec

import (
	"errors"

	cbor "github.com/fxamacker/cbor/v2"
)

// MaxMessageSize bounds any decoded byte string or message.
const MaxMessageSize = 1 << 20

// ErrTooLarge is returned when decoding an oversized message.
var ErrTooLarge = errors.New("codec: message too large")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic("BUG: codec: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 16,
		MaxMapPairs:      1 << 16,
		MaxNestedLevels:  16,
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("BUG: codec: " + err.Error())
	}
}

// Marshal encodes v deterministically.
func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// MustMarshal is Marshal for values that cannot fail to encode.
func MustMarshal(v interface{}) []byte {
	b, err := encMode.Marshal(v)
	if err != nil {
		panic("BUG: codec: " + err.Error())
	}
	return b
}

// Unmarshal decodes b into v.
func Unmarshal(b []byte, v interface{}) error {
	if len(b) > MaxMessageSize {
		return ErrTooLarge
	}
	return decMode.Unmarshal(b, v)
}
