// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package payload

import (
	"encoding/binary"
	"fmt"

	"github.com/tunnelcraft/tunnelcraft/core/codec"
	"github.com/tunnelcraft/tunnelcraft/core/crypto"
)

// TunnelMetadata describes the TCP session a tunnel burst belongs to.
type TunnelMetadata struct {
	Host      string    `cbor:"host"`
	Port      uint16    `cbor:"port"`
	SessionID crypto.Id `cbor:"session_id"`
	IsClose   bool      `cbor:"is_close"`
}

// EncodeTunnelData builds metadata_len_be32 ‖ metadata ‖ tcp bytes.
func EncodeTunnelData(meta *TunnelMetadata, tcp []byte) ([]byte, error) {
	m, err := codec.Marshal(meta)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4, 4+len(m)+len(tcp))
	binary.BigEndian.PutUint32(out, uint32(len(m)))
	out = append(out, m...)
	return append(out, tcp...), nil
}

// DecodeTunnelData reverses EncodeTunnelData. Exit replies carry only the
// session id, so the destination is not required here.
func DecodeTunnelData(b []byte) (*TunnelMetadata, []byte, error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("%w: short tunnel data", ErrMalformed)
	}
	n := binary.BigEndian.Uint32(b)
	if uint64(n) > uint64(len(b)-4) {
		return nil, nil, fmt.Errorf("%w: tunnel metadata length %d", ErrMalformed, n)
	}
	meta := new(TunnelMetadata)
	if err := codec.Unmarshal(b[4:4+n], meta); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return meta, b[4+n:], nil
}

// DecodeTunnelRequest decodes a client to exit burst, which must name its
// destination.
func DecodeTunnelRequest(b []byte) (*TunnelMetadata, []byte, error) {
	meta, data, err := DecodeTunnelData(b)
	if err != nil {
		return nil, nil, err
	}
	if meta.Host == "" || meta.Port == 0 {
		return nil, nil, fmt.Errorf("%w: tunnel destination", ErrMalformed)
	}
	return meta, data, nil
}
