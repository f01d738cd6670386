// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package topology

import (
	"encoding/binary"
	"encoding/json"
	"sort"
	"strings"

	"github.com/tunnelcraft/tunnelcraft/core/crypto"
)

// Message is a relay's signed advertisement of its encryption key and
// its current direct connections.
type Message struct {
	Pubkey           crypto.PublicKey `json:"pubkey"`
	PeerID           string           `json:"peer_id"`
	EncryptionPubkey crypto.PublicKey `json:"encryption_pubkey"`
	ConnectedPeers   []string         `json:"connected_peers"`
	Timestamp        uint64           `json:"timestamp"`
	Signature        crypto.Signature `json:"signature"`
}

// NewMessage builds and signs an advertisement.
func NewMessage(signer *crypto.SigningKeypair, peerID string, enc crypto.PublicKey, peers []string, timestamp uint64) *Message {
	sorted := append([]string(nil), peers...)
	sort.Strings(sorted)
	m := &Message{
		Pubkey:           signer.PublicKey(),
		PeerID:           peerID,
		EncryptionPubkey: enc,
		ConnectedPeers:   sorted,
		Timestamp:        timestamp,
	}
	m.Signature = signer.Sign(m.SignableData())
	return m
}

// SignableData returns pubkey|peer_id|encryption_pubkey|sorted_csv|ts_le.
// Peer order does not affect the result.
func (m *Message) SignableData() []byte {
	sorted := append([]string(nil), m.ConnectedPeers...)
	sort.Strings(sorted)
	csv := strings.Join(sorted, ",")

	b := make([]byte, 0, 2*crypto.KeySize+len(m.PeerID)+len(csv)+12)
	b = append(b, m.Pubkey[:]...)
	b = append(b, '|')
	b = append(b, m.PeerID...)
	b = append(b, '|')
	b = append(b, m.EncryptionPubkey[:]...)
	b = append(b, '|')
	b = append(b, csv...)
	b = append(b, '|')
	return binary.LittleEndian.AppendUint64(b, m.Timestamp)
}

// Verify checks the signature.
func (m *Message) Verify() bool {
	return crypto.Verify(m.Pubkey, m.SignableData(), m.Signature)
}

// Marshal encodes the message as gossiped.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// MessageFromBytes decodes a gossiped message.
func MessageFromBytes(b []byte) (*Message, error) {
	m := new(Message)
	if err := json.Unmarshal(b, m); err != nil {
		return nil, err
	}
	return m, nil
}
