// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package exit

import (
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/erasure"
	"github.com/tunnelcraft/tunnelcraft/core/onion"
	"github.com/tunnelcraft/tunnelcraft/core/payload"
	"github.com/tunnelcraft/tunnelcraft/core/receipt"
	"github.com/tunnelcraft/tunnelcraft/core/wire"
)

type route struct {
	peerID    string
	signingPK crypto.PublicKey
	lease     *payload.Lease
}

func routes(leases []payload.Lease) []route {
	out := make([]route, 0, len(leases))
	for i := range leases {
		l := &leases[i]
		id := string(l.GatewayPeerID)
		pk, err := crypto.PublicKeyFromHex(id)
		if err != nil {
			continue
		}
		if !l.IsDirect() && l.GatewayEncryptionPubkey.IsZero() {
			continue
		}
		out = append(out, route{peerID: id, signingPK: pk, lease: l})
	}
	return out
}

// BuildResponseShards seals body for the requester and splits it into
// shards routed over the request's live leases. With no usable lease a
// request that came in over direct mode is answered directly to
// fallbackPeer; otherwise nothing is returned and the response is dropped.
func BuildResponseShards(p *payload.ExitPayload, body []byte, now uint64, fallbackPeer string) ([]wire.Outbound, error) {
	rs := routes(p.LeaseSet.Live(now))
	if len(rs) == 0 {
		if p.TotalHops != 0 || fallbackPeer == "" {
			return nil, nil
		}
		pk, _ := crypto.PublicKeyFromHex(fallbackPeer)
		rs = []route{{peerID: fallbackPeer, signingPK: pk, lease: &payload.Lease{}}}
	}

	sealed, err := crypto.EncryptFor(p.ResponseKey(), body)
	if err != nil {
		return nil, err
	}
	chunks, err := erasure.EncodeFramed(sealed)
	if err != nil {
		return nil, err
	}

	out := make([]wire.Outbound, len(chunks)*erasure.TotalShards)
	respKey := p.ResponseKey()
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for c, shards := range chunks {
		for i, data := range shards {
			n := c*erasure.TotalShards + i
			r := rs[n%len(rs)]
			tag := &payload.RoutingTag{
				AssemblyID:  p.RequestID,
				ShardIndex:  uint8(i),
				TotalShards: erasure.TotalShards,
				ChunkIndex:  uint16(c),
				TotalChunks: uint16(len(chunks)),
			}
			g.Go(func() error {
				s, err := responseShard(p.RequestID, tag, respKey, data, r)
				if err != nil {
					return err
				}
				out[n] = wire.Outbound{PeerID: r.peerID, Shard: s}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func responseShard(requestID crypto.Id, tag *payload.RoutingTag, respKey crypto.PublicKey, data []byte, r route) (*wire.Shard, error) {
	sealedTag, err := tag.SealFor(respKey)
	if err != nil {
		return nil, err
	}
	s := &wire.Shard{
		Payload:    data,
		RoutingTag: sealedTag,
	}
	if r.lease.IsDirect() {
		return s, nil
	}

	hop := onion.Hop{
		PeerID:           []byte(r.peerID),
		SigningPubkey:    r.signingPK,
		EncryptionPubkey: r.lease.GatewayEncryptionPubkey,
	}
	st := onion.Settlement{
		ShardID:     receipt.DeriveResponseShardID(requestID, tag.ChunkIndex, tag.ShardIndex, r.signingPK),
		PayloadSize: uint32(len(data)),
	}
	tunnelID := r.lease.TunnelID
	s.Header, s.EphemeralPubkey, err = onion.BuildHeader([]onion.Hop{hop}, nil, []onion.Settlement{st}, &tunnelID)
	if err != nil {
		return nil, err
	}
	s.TotalHops, s.HopsRemaining = 1, 1
	return s, nil
}
