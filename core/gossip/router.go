// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package gossip implements the flood publish/subscribe layer that carries
// topology, status, proof and subscription messages between peers.
package gossip

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/katzenpost/hpqc/rand"
	"github.com/yawning/bloom"
	"gopkg.in/op/go-logging.v1"

	"github.com/tunnelcraft/tunnelcraft/core/crypto"
)

const (
	// MaxHops bounds how far a message is re-flooded.
	MaxHops = 8

	// MaxMessageSize bounds a gossiped payload.
	MaxMessageSize = 256 * 1024

	seenFilterLn2 = 20
	seenFilterP   = 0.0001
)

// ErrMessageTooLarge is returned when publishing an oversized payload.
var ErrMessageTooLarge = errors.New("gossip: message too large")

// Envelope is a gossiped message in flight.
type Envelope struct {
	Topic string `cbor:"topic"`
	Data  []byte `cbor:"data"`
	Hops  uint8  `cbor:"hops"`

	// From is the neighbour the envelope arrived from; empty when local.
	From string `cbor:"-"`
}

// ID returns the deduplication key of the envelope.
func (e *Envelope) ID() [32]byte {
	return crypto.Sum256([]byte(e.Topic), []byte{0}, e.Data)
}

// Decode unmarshals the JSON payload into v.
func (e *Envelope) Decode(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Sender floods an envelope to every connected peer except one.
type Sender interface {
	Broadcast(except string, e *Envelope)
}

// Router deduplicates, delivers and re-floods envelopes.
type Router struct {
	sync.Mutex

	log    *logging.Logger
	sender Sender

	cur, prev *bloom.Filter
	subs      map[string][]chan *Envelope
}

// NewRouter returns a router flooding through sender.
func NewRouter(log *logging.Logger, sender Sender) *Router {
	r := &Router{
		log:    log,
		sender: sender,
		subs:   make(map[string][]chan *Envelope),
	}
	r.cur = r.newFilter()
	r.prev = r.newFilter()
	return r
}

func (r *Router) newFilter() *bloom.Filter {
	f, err := bloom.New(rand.Reader, seenFilterLn2, seenFilterP)
	if err != nil {
		panic("BUG: gossip: failed to create seen filter: " + err.Error())
	}
	return f
}

// SetSender attaches the flood transport.
func (r *Router) SetSender(s Sender) {
	r.Lock()
	defer r.Unlock()
	r.sender = s
}

// markSeen returns true if id was already seen. It must be called with
// the lock held.
func (r *Router) markSeen(id [32]byte) bool {
	if r.prev.Test(id[:]) {
		return true
	}
	if r.cur.TestAndSet(id[:]) {
		return true
	}
	if r.cur.Entries() >= r.cur.MaxEntries() {
		r.prev, r.cur = r.cur, r.newFilter()
	}
	return false
}

// Subscribe returns a channel receiving every new envelope on topic.
// Deliveries to a full channel are dropped.
func (r *Router) Subscribe(topic string, depth int) <-chan *Envelope {
	r.Lock()
	defer r.Unlock()
	ch := make(chan *Envelope, depth)
	r.subs[topic] = append(r.subs[topic], ch)
	return ch
}

// Publish JSON encodes v and floods it on topic.
func (r *Router) Publish(topic string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.PublishRaw(topic, b)
}

// PublishRaw floods an already encoded payload on topic.
func (r *Router) PublishRaw(topic string, data []byte) error {
	if len(data) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	e := &Envelope{Topic: topic, Data: data}

	r.Lock()
	r.markSeen(e.ID())
	sender := r.sender
	r.Unlock()

	if sender != nil {
		sender.Broadcast("", e)
	}
	return nil
}

// HandleIncoming processes an envelope received from neighbour from.
func (r *Router) HandleIncoming(from string, e *Envelope) {
	if len(e.Data) > MaxMessageSize {
		r.log.Debugf("Dropping oversized gossip from %v", from)
		return
	}
	e.From = from

	r.Lock()
	if r.markSeen(e.ID()) {
		r.Unlock()
		return
	}
	subs := r.subs[e.Topic]
	sender := r.sender
	for _, ch := range subs {
		select {
		case ch <- e:
		default:
			r.log.Debugf("Subscriber queue full on %v", e.Topic)
		}
	}
	r.Unlock()

	if sender != nil && e.Hops+1 < MaxHops {
		fwd := &Envelope{Topic: e.Topic, Data: e.Data, Hops: e.Hops + 1}
		sender.Broadcast(from, fwd)
	}
}
