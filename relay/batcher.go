// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"sort"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/gossip"
	"github.com/tunnelcraft/tunnelcraft/core/merkle"
	"github.com/tunnelcraft/tunnelcraft/core/receipt"
	"github.com/tunnelcraft/tunnelcraft/core/worker"
	"github.com/tunnelcraft/tunnelcraft/prover"
)

const (
	// DefaultProofBatchSize is the receipt count that triggers a proof.
	DefaultProofBatchSize = 1000

	// DefaultProofInterval is the longest a receipt waits for a proof.
	DefaultProofInterval = 5 * time.Minute

	replayFilterLn2 = 22
	replayFilterP   = 0.00001
)

// Publisher floods a message on a gossip topic.
type Publisher interface {
	Publish(topic string, v interface{}) error
}

type chainKey struct {
	pool  crypto.PublicKey
	epoch uint64
}

type chain struct {
	batch      *receipt.Batch
	lastRoot   merkle.Hash
	cumulative uint64
}

// Batcher groups receipts per (pool, epoch) and gossips a proof message
// chaining each batch onto the previous one.
type Batcher struct {
	worker.Worker
	sync.Mutex

	log       *logging.Logger
	signer    *crypto.SigningKeypair
	prover    prover.Prover
	publisher Publisher
	batchSize int
	interval  time.Duration

	replay *receipt.ReplayFilter
	chains map[chainKey]*chain
	now    func() time.Time
}

// NewBatcher returns a batcher publishing through publisher.
func NewBatcher(log *logging.Logger, signer *crypto.SigningKeypair, p prover.Prover, publisher Publisher, batchSize int, interval time.Duration) (*Batcher, error) {
	if batchSize <= 0 {
		batchSize = DefaultProofBatchSize
	}
	if interval <= 0 {
		interval = DefaultProofInterval
	}
	replay, err := receipt.NewReplayFilter(rand.Reader, replayFilterLn2, replayFilterP)
	if err != nil {
		return nil, err
	}
	return &Batcher{
		log:       log,
		signer:    signer,
		prover:    p,
		publisher: publisher,
		batchSize: batchSize,
		interval:  interval,
		replay:    replay,
		chains:    make(map[chainKey]*chain),
		now:       time.Now,
	}, nil
}

// Start runs the periodic flush until Halt.
func (b *Batcher) Start() {
	b.Go(b.worker)
}

func (b *Batcher) worker() {
	t := time.NewTicker(b.interval)
	defer t.Stop()
	for {
		select {
		case <-b.HaltCh():
			b.Flush()
			return
		case <-t.C:
			b.Flush()
		}
	}
}

// Add caches r for its pool and epoch, publishing a proof when the batch
// is full.
func (b *Batcher) Add(r *receipt.ForwardReceipt, epoch uint64) error {
	if err := b.replay.Check(r); err != nil {
		return err
	}

	b.Lock()
	k := chainKey{pool: r.PoolPubkey, epoch: epoch}
	c, ok := b.chains[k]
	if !ok {
		c = &chain{batch: receipt.NewBatch(r.PoolPubkey, epoch)}
		b.chains[k] = c
	}
	if err := c.batch.Add(r); err != nil {
		b.Unlock()
		return err
	}
	var msg *gossip.ProofMessage
	if c.batch.Len() >= b.batchSize {
		msg = b.seal(c)
	}
	b.Unlock()

	if msg != nil {
		b.publish(msg)
	}
	return nil
}

// Pending returns the receipts cached for pool and epoch and not yet
// summarised.
func (b *Batcher) Pending(pool crypto.PublicKey, epoch uint64) int {
	b.Lock()
	defer b.Unlock()
	if c, ok := b.chains[chainKey{pool: pool, epoch: epoch}]; ok {
		return c.batch.Len()
	}
	return 0
}

// Flush summarises every non empty batch and returns the published
// messages.
func (b *Batcher) Flush() []*gossip.ProofMessage {
	b.Lock()
	keys := make([]chainKey, 0, len(b.chains))
	for k := range b.chains {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].epoch != keys[j].epoch {
			return keys[i].epoch < keys[j].epoch
		}
		return string(keys[i].pool[:]) < string(keys[j].pool[:])
	})
	var msgs []*gossip.ProofMessage
	for _, k := range keys {
		if c := b.chains[k]; c.batch.Len() > 0 {
			if msg := b.seal(c); msg != nil {
				msgs = append(msgs, msg)
			}
		}
	}
	b.Unlock()

	for _, msg := range msgs {
		b.publish(msg)
	}
	return msgs
}

// seal turns the current batch of c into a signed proof message. It must
// be called with the lock held.
func (b *Batcher) seal(c *chain) *gossip.ProofMessage {
	root, proof, err := b.prover.Prove(c.batch)
	if err != nil {
		b.log.Errorf("Failed to prove receipt batch: %v", err)
		return nil
	}
	c.cumulative += c.batch.Bytes()
	msg := &gossip.ProofMessage{
		PoolPubkey:      c.batch.Pool,
		Epoch:           c.batch.Epoch,
		PrevRoot:        c.lastRoot,
		NewRoot:         root,
		BatchCount:      uint32(c.batch.Len()),
		BatchBytes:      c.batch.Bytes(),
		CumulativeBytes: c.cumulative,
		Proof:           proof,
		Timestamp:       uint64(b.now().Unix()),
	}
	msg.Sign(b.signer)
	c.lastRoot = root
	c.batch = receipt.NewBatch(c.batch.Pool, c.batch.Epoch)
	return msg
}

func (b *Batcher) publish(msg *gossip.ProofMessage) {
	if b.publisher == nil {
		return
	}
	if err := b.publisher.Publish(gossip.TopicProofs, msg); err != nil {
		b.log.Errorf("Failed to publish proof: %v", err)
	}
}

// PruneBefore forgets drained chains older than epoch.
func (b *Batcher) PruneBefore(epoch uint64) int {
	b.Lock()
	defer b.Unlock()
	n := 0
	for k, c := range b.chains {
		if k.epoch < epoch && c.batch.Len() == 0 {
			delete(b.chains, k)
			n++
		}
	}
	return n
}
