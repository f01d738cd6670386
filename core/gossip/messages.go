// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package gossip

import (
	"encoding/binary"

	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/hopmode"
	"github.com/tunnelcraft/tunnelcraft/core/merkle"
)

// Topic names.
const (
	TopicTopology       = "tunnelcraft/topology/1.0.0"
	TopicExitStatus     = "tunnelcraft/exit-status/1.0.0"
	TopicRelayStatus    = "tunnelcraft/relay-status/1.0.0"
	TopicProofs         = "tunnelcraft/proofs/1.0.0"
	TopicSubscriptions  = "tunnelcraft/subscriptions/1.0.0"
	TopicAggregatorSync = "tunnelcraft/aggregator-sync/1.0.0"
)

// StatusKind distinguishes a heartbeat from a graceful departure.
type StatusKind string

const (
	StatusHeartbeat StatusKind = "heartbeat"
	StatusOffline   StatusKind = "offline"
)

// ExitStatus is an exit heartbeat.
type ExitStatus struct {
	Kind         StatusKind       `json:"kind"`
	PeerID       string           `json:"peer_id"`
	Pubkey       crypto.PublicKey `json:"pubkey"`
	EncPubkey    crypto.PublicKey `json:"encryption_pubkey"`
	Load         uint8            `json:"load"`
	UplinkKbps   uint32           `json:"uplink_kbps"`
	DownlinkKbps uint32           `json:"downlink_kbps"`
	UptimeSecs   uint64           `json:"uptime_secs"`
	Region       string           `json:"region"`
	Timestamp    uint64           `json:"timestamp"`
	Signature    crypto.Signature `json:"signature"`
}

// SignableData returns the bytes the exit signs.
func (m *ExitStatus) SignableData() []byte {
	b := make([]byte, 0, 64+32*2+8*3+4*2+len(m.PeerID)+len(m.Region))
	b = append(b, "tunnelcraft-exit-status-v1"...)
	b = appendString(b, string(m.Kind))
	b = appendString(b, m.PeerID)
	b = append(b, m.Pubkey[:]...)
	b = append(b, m.EncPubkey[:]...)
	b = append(b, m.Load)
	b = binary.LittleEndian.AppendUint32(b, m.UplinkKbps)
	b = binary.LittleEndian.AppendUint32(b, m.DownlinkKbps)
	b = binary.LittleEndian.AppendUint64(b, m.UptimeSecs)
	b = appendString(b, m.Region)
	return binary.LittleEndian.AppendUint64(b, m.Timestamp)
}

// Sign binds the status to k.
func (m *ExitStatus) Sign(k *crypto.SigningKeypair) {
	m.Pubkey = k.PublicKey()
	m.PeerID = m.Pubkey.String()
	m.Signature = k.Sign(m.SignableData())
}

// Verify checks the signature and that PeerID names the signing key.
func (m *ExitStatus) Verify() bool {
	return m.PeerID == m.Pubkey.String() && crypto.Verify(m.Pubkey, m.SignableData(), m.Signature)
}

// RelayStatus is a relay heartbeat.
type RelayStatus struct {
	Kind          StatusKind       `json:"kind"`
	PeerID        string           `json:"peer_id"`
	Pubkey        crypto.PublicKey `json:"pubkey"`
	Load          uint8            `json:"load"`
	QueueDepth    uint32           `json:"queue_depth"`
	BandwidthKbps uint32           `json:"bandwidth_kbps"`
	UptimeSecs    uint64           `json:"uptime_secs"`
	Timestamp     uint64           `json:"timestamp"`
	Signature     crypto.Signature `json:"signature"`
}

// SignableData returns the bytes the relay signs.
func (m *RelayStatus) SignableData() []byte {
	b := make([]byte, 0, 64+32+8*2+4*2+len(m.PeerID))
	b = append(b, "tunnelcraft-relay-status-v1"...)
	b = appendString(b, string(m.Kind))
	b = appendString(b, m.PeerID)
	b = append(b, m.Pubkey[:]...)
	b = append(b, m.Load)
	b = binary.LittleEndian.AppendUint32(b, m.QueueDepth)
	b = binary.LittleEndian.AppendUint32(b, m.BandwidthKbps)
	b = binary.LittleEndian.AppendUint64(b, m.UptimeSecs)
	return binary.LittleEndian.AppendUint64(b, m.Timestamp)
}

// Sign binds the status to k.
func (m *RelayStatus) Sign(k *crypto.SigningKeypair) {
	m.Pubkey = k.PublicKey()
	m.PeerID = m.Pubkey.String()
	m.Signature = k.Sign(m.SignableData())
}

// Verify checks the signature and that PeerID names the signing key.
func (m *RelayStatus) Verify() bool {
	return m.PeerID == m.Pubkey.String() && crypto.Verify(m.Pubkey, m.SignableData(), m.Signature)
}

func appendString(b []byte, v string) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(v)))
	return append(b, v...)
}

// ProofMessage chains a relay's receipt batch summary onto its previous
// summary for the same pool and epoch.
type ProofMessage struct {
	RelayPubkey     crypto.PublicKey `json:"relay_pubkey"`
	PoolPubkey      crypto.PublicKey `json:"pool_pubkey"`
	Epoch           uint64           `json:"epoch"`
	PrevRoot        merkle.Hash      `json:"prev_root"`
	NewRoot         merkle.Hash      `json:"new_root"`
	BatchCount      uint32           `json:"batch_count"`
	BatchBytes      uint64           `json:"batch_bytes"`
	CumulativeBytes uint64           `json:"cumulative_bytes"`
	Proof           []byte           `json:"proof,omitempty"`
	Timestamp       uint64           `json:"timestamp"`
	Signature       crypto.Signature `json:"signature"`
}

// SignableData returns the bytes the relay signs.
func (m *ProofMessage) SignableData() []byte {
	b := make([]byte, 0, 32*4+8*5+4)
	b = append(b, "tunnelcraft-proof-v1"...)
	b = append(b, m.RelayPubkey[:]...)
	b = append(b, m.PoolPubkey[:]...)
	b = binary.LittleEndian.AppendUint64(b, m.Epoch)
	b = append(b, m.PrevRoot[:]...)
	b = append(b, m.NewRoot[:]...)
	b = binary.LittleEndian.AppendUint64(b, uint64(m.BatchCount))
	b = binary.LittleEndian.AppendUint64(b, m.BatchBytes)
	b = binary.LittleEndian.AppendUint64(b, m.CumulativeBytes)
	hp := crypto.Sum256(m.Proof)
	b = append(b, hp[:]...)
	return binary.LittleEndian.AppendUint64(b, m.Timestamp)
}

// Sign fills in the relay key and signature.
func (m *ProofMessage) Sign(k *crypto.SigningKeypair) {
	m.RelayPubkey = k.PublicKey()
	m.Signature = k.Sign(m.SignableData())
}

// Verify checks the signature.
func (m *ProofMessage) Verify() bool {
	return crypto.Verify(m.RelayPubkey, m.SignableData(), m.Signature)
}

// SubscriptionAnnouncement advertises a pool's tier to relays.
type SubscriptionAnnouncement struct {
	UserPubkey crypto.PublicKey `json:"user_pubkey"`
	PoolPubkey crypto.PublicKey `json:"pool_pubkey"`
	Tier       hopmode.Tier     `json:"tier"`
	Epoch      uint64           `json:"epoch"`
	ExpiresAt  uint64           `json:"expires_at"`
}

// AggregatorSyncRequest asks peers for a proof chain.
type AggregatorSyncRequest struct {
	RequestID  crypto.Id        `json:"request_id"`
	PoolPubkey crypto.PublicKey `json:"pool_pubkey"`
	Epoch      uint64           `json:"epoch"`
}

// AggregatorSyncResponse carries a stored chain in acceptance order.
type AggregatorSyncResponse struct {
	RequestID crypto.Id       `json:"request_id"`
	Proofs    []*ProofMessage `json:"proofs"`
}
