// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"errors"
	"sync"

	"github.com/tunnelcraft/tunnelcraft/core/assembly"
	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/payload"
	"github.com/tunnelcraft/tunnelcraft/core/wire"
)

// Reassembler regroups response shards by request id and hands the
// decrypted response to whoever is waiting for it.
type Reassembler struct {
	sync.Mutex

	key     *crypto.EncryptionKeypair
	pending *assembly.Collector
	waiters map[crypto.Id]chan []byte
}

// NewReassembler returns a reassembler opening responses with key.
func NewReassembler(key *crypto.EncryptionKeypair, limits assembly.Limits) *Reassembler {
	return &Reassembler{
		key:     key,
		pending: assembly.NewCollector(limits),
		waiters: make(map[crypto.Id]chan []byte),
	}
}

// Expect registers interest in the response to requestID.
func (r *Reassembler) Expect(requestID crypto.Id) <-chan []byte {
	r.Lock()
	defer r.Unlock()
	ch, ok := r.waiters[requestID]
	if !ok {
		ch = make(chan []byte, 1)
		r.waiters[requestID] = ch
	}
	return ch
}

// Abandon forgets requestID and any shards collected for it.
func (r *Reassembler) Abandon(requestID crypto.Id) {
	r.Lock()
	delete(r.waiters, requestID)
	r.Unlock()
	r.pending.Cancel(requestID)
}

func (r *Reassembler) expected(requestID crypto.Id) bool {
	r.Lock()
	defer r.Unlock()
	_, ok := r.waiters[requestID]
	return ok
}

func (r *Reassembler) deliver(requestID crypto.Id, b []byte) {
	r.Lock()
	ch, ok := r.waiters[requestID]
	delete(r.waiters, requestID)
	r.Unlock()
	if ok {
		ch <- b
	}
}

// Sweep evicts stale partial responses.
func (r *Reassembler) Sweep() int {
	return len(r.pending.Sweep())
}

// OnShard collects one response shard.
func (r *Reassembler) OnShard(s *wire.Shard, from string) *wire.Frame {
	tag, err := payload.OpenRoutingTag(r.key, s.RoutingTag)
	if err != nil {
		return wire.NewNack(0, wire.ReasonDecrypt)
	}
	if !r.expected(tag.AssemblyID) {
		if r.pending.Done(tag.AssemblyID) {
			return wire.NewAck(0, nil)
		}
		return wire.NewNack(0, wire.ReasonPolicy)
	}
	// Responses may mix direct and gateway leases, so hop counts are not
	// compared.
	a, err := r.pending.Add(tag, from, 0, s.Payload)
	switch {
	case err == nil:
	case errors.Is(err, assembly.ErrComplete):
		return wire.NewAck(0, nil)
	case errors.Is(err, assembly.ErrRateLimited):
		return wire.NewNack(0, wire.ReasonRateLimit)
	default:
		return wire.NewNack(0, wire.ReasonPolicy)
	}
	for a != nil {
		b, err := r.open(a)
		if err == nil {
			if r.pending.Complete(a.ID) {
				r.deliver(a.ID, b)
			}
			break
		}
		a = r.pending.Retry(a.ID)
	}
	return wire.NewAck(0, nil)
}

func (r *Reassembler) open(a *assembly.Assembly) ([]byte, error) {
	framed, err := a.Decode()
	if err != nil {
		return nil, err
	}
	return crypto.DecryptWith(r.key, framed)
}
