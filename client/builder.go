// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"errors"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/erasure"
	"github.com/tunnelcraft/tunnelcraft/core/onion"
	"github.com/tunnelcraft/tunnelcraft/core/payload"
	"github.com/tunnelcraft/tunnelcraft/core/receipt"
	"github.com/tunnelcraft/tunnelcraft/core/topology"
	"github.com/tunnelcraft/tunnelcraft/core/wire"
)

// ErrMixedPathLengths is returned when the supplied paths differ in length.
var ErrMixedPathLengths = errors.New("client: paths differ in length")

// Request is everything needed to shard one request.
type Request struct {
	Mode        payload.Mode
	Data        []byte
	UserPubkey  crypto.PublicKey
	ResponseKey crypto.PublicKey
	Exit        *topology.Exit
	Paths       []*topology.Path
	LeaseSet    payload.LeaseSet
	Pool        crypto.PublicKey
}

// BuildRequest seals r for its exit and splits it into onion routed
// shards, round robin over r.Paths. No paths means direct mode.
func BuildRequest(r *Request) (crypto.Id, []wire.Outbound, error) {
	hops := 0
	if len(r.Paths) > 0 {
		hops = r.Paths[0].Len()
		for _, p := range r.Paths[1:] {
			if p.Len() != hops {
				return crypto.Id{}, nil, ErrMixedPathLengths
			}
		}
	}

	requestID := crypto.NewId()
	assemblyID := crypto.NewId()
	p := &payload.ExitPayload{
		RequestID:         requestID,
		UserPubkey:        r.UserPubkey,
		LeaseSet:          r.LeaseSet,
		TotalHops:         uint8(hops),
		ShardType:         payload.Request,
		Mode:              r.Mode,
		Data:              r.Data,
		ResponseEncPubkey: r.ResponseKey,
	}
	sealed, err := p.SealFor(r.Exit.EncryptionPubkey)
	if err != nil {
		return crypto.Id{}, nil, err
	}
	chunks, err := erasure.EncodeFramed(sealed)
	if err != nil {
		return crypto.Id{}, nil, err
	}

	out := make([]wire.Outbound, len(chunks)*erasure.TotalShards)
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for c, shards := range chunks {
		for i, data := range shards {
			n := c*erasure.TotalShards + i
			var path *topology.Path
			if len(r.Paths) > 0 {
				path = r.Paths[n%len(r.Paths)]
			}
			tag := &payload.RoutingTag{
				AssemblyID:  assemblyID,
				ShardIndex:  uint8(i),
				TotalShards: erasure.TotalShards,
				ChunkIndex:  uint16(c),
				TotalChunks: uint16(len(chunks)),
				PoolPubkey:  r.Pool,
			}
			g.Go(func() error {
				o, err := requestShard(requestID, tag, data, r.Exit, path, r.Pool)
				if err != nil {
					return err
				}
				out[n] = o
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return crypto.Id{}, nil, err
	}
	return requestID, out, nil
}

func requestShard(requestID crypto.Id, tag *payload.RoutingTag, data []byte, exit *topology.Exit, path *topology.Path, pool crypto.PublicKey) (wire.Outbound, error) {
	sealedTag, err := tag.SealFor(exit.EncryptionPubkey)
	if err != nil {
		return wire.Outbound{}, err
	}
	s := &wire.Shard{
		Payload:    data,
		RoutingTag: sealedTag,
	}
	if path == nil || path.Len() == 0 {
		return wire.Outbound{PeerID: exit.PeerID, Shard: s}, nil
	}

	settlement := make([]onion.Settlement, path.Len())
	for h, hop := range path.Hops {
		settlement[h] = onion.Settlement{
			ShardID:     receipt.DeriveShardID(requestID, tag.ChunkIndex, tag.ShardIndex, hop.SigningPubkey),
			PayloadSize: uint32(len(data)),
			PoolPubkey:  pool,
		}
	}
	s.Header, s.EphemeralPubkey, err = onion.BuildHeader(path.Hops, []byte(exit.PeerID), settlement, nil)
	if err != nil {
		return wire.Outbound{}, err
	}
	s.TotalHops = uint8(path.Len())
	s.HopsRemaining = s.TotalHops
	return wire.Outbound{PeerID: string(path.Hops[0].PeerID), Shard: s}, nil
}
