// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package aggregator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/epochtime"
	"github.com/tunnelcraft/tunnelcraft/core/gossip"
	"github.com/tunnelcraft/tunnelcraft/core/hopmode"
	"github.com/tunnelcraft/tunnelcraft/core/log"
	"github.com/tunnelcraft/tunnelcraft/core/receipt"
	"github.com/tunnelcraft/tunnelcraft/prover"
	"github.com/tunnelcraft/tunnelcraft/settlement"
)

var (
	testPool  = crypto.PublicKey{0xaa}
	testUser  = crypto.PublicKey{0x01}
	testEpoch = uint64(3)
)

func testSigner(t *testing.T, b byte) *crypto.SigningKeypair {
	var seed [crypto.SeedSize]byte
	for i := range seed {
		seed[i] = b
	}
	k, err := crypto.SigningKeypairFromSeed(seed)
	require.NoError(t, err)
	return k
}

func testLogger(t *testing.T, module string) *logging.Logger {
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return logBackend.GetLogger(module)
}

// proofChain emits the signed proof messages a relay batcher would.
type proofChain struct {
	t          *testing.T
	signer     *crypto.SigningKeypair
	sender     *crypto.SigningKeypair
	pool       crypto.PublicKey
	epoch      uint64
	lastRoot   [32]byte
	cumulative uint64
	seq        uint64
}

func newProofChain(t *testing.T, seed byte, pool crypto.PublicKey, epoch uint64) *proofChain {
	return &proofChain{t: t, signer: testSigner(t, seed), sender: testSigner(t, seed+0x40), pool: pool, epoch: epoch}
}

// next proves a batch of n receipts of size bytes each.
func (c *proofChain) next(n int, size uint32) *gossip.ProofMessage {
	b := receipt.NewBatch(c.pool, c.epoch)
	for i := 0; i < n; i++ {
		c.seq++
		id := receipt.DeriveShardID(crypto.Id{byte(c.seq), byte(c.seq >> 8)}, 0, uint8(i%5), c.signer.PublicKey())
		r := receipt.New(c.signer, id, c.sender.PublicKey(), c.pool, size, c.seq)
		require.NoError(c.t, b.Add(r))
	}
	root, proof, err := prover.MerkleProver{}.Prove(b)
	require.NoError(c.t, err)
	c.cumulative += b.Bytes()
	m := &gossip.ProofMessage{
		PoolPubkey:      c.pool,
		Epoch:           c.epoch,
		PrevRoot:        c.lastRoot,
		NewRoot:         root,
		BatchCount:      uint32(b.Len()),
		BatchBytes:      b.Bytes(),
		CumulativeBytes: c.cumulative,
		Proof:           proof,
		Timestamp:       c.seq,
	}
	m.Sign(c.signer)
	c.lastRoot = root
	return m
}

func (c *proofChain) relay() crypto.PublicKey {
	return c.signer.PublicKey()
}

func newAggregator(t *testing.T, cfg Config, settle settlement.Client, store *Store) *Aggregator {
	a, err := New(testLogger(t, "aggregator"), cfg, prover.MerkleProver{}, settle, store)
	require.NoError(t, err)
	return a
}

func TestChainInOrderAndParked(t *testing.T) {
	require := require.New(t)
	a := newAggregator(t, Config{}, nil, nil)

	c := newProofChain(t, 0x01, testPool, testEpoch)
	p1, p2, p3, p4 := c.next(2, 100), c.next(3, 100), c.next(1, 50), c.next(1, 10)

	require.NoError(a.HandleProof(p1))
	require.EqualValues(200, a.Cumulative(testPool, testEpoch, c.relay()))
	require.ErrorIs(a.HandleProof(p1), ErrDuplicate)

	require.NoError(a.HandleProof(p4))
	require.NoError(a.HandleProof(p3))
	require.Equal(2, a.Pending())
	require.ErrorIs(a.HandleProof(p3), ErrDuplicate)
	require.EqualValues(200, a.Cumulative(testPool, testEpoch, c.relay()))

	require.NoError(a.HandleProof(p2))
	require.Zero(a.Pending())
	require.EqualValues(560, a.Cumulative(testPool, testEpoch, c.relay()))
	require.Len(a.Entries(testPool, testEpoch), 1)
}

func TestPendingBounds(t *testing.T) {
	require := require.New(t)
	a := newAggregator(t, Config{MaxPendingPerChain: 2, MaxPendingTotal: 3}, nil, nil)

	c1 := newProofChain(t, 0x01, testPool, testEpoch)
	c1.next(1, 1)
	require.NoError(a.HandleProof(c1.next(1, 1)))
	require.NoError(a.HandleProof(c1.next(1, 1)))
	require.ErrorIs(a.HandleProof(c1.next(1, 1)), ErrPendingFull)

	c2 := newProofChain(t, 0x02, testPool, testEpoch)
	c2.next(1, 1)
	require.NoError(a.HandleProof(c2.next(1, 1)))
	require.ErrorIs(a.HandleProof(c2.next(1, 1)), ErrPendingFull)
	require.Equal(3, a.Pending())
}

func TestRejectedProofs(t *testing.T) {
	require := require.New(t)
	a := newAggregator(t, Config{}, nil, nil)
	c := newProofChain(t, 0x01, testPool, testEpoch)

	m := c.next(2, 100)
	forged := *m
	forged.CumulativeBytes++
	require.ErrorIs(a.HandleProof(&forged), ErrBadSignature)

	forged.BatchBytes++
	forged.Sign(c.signer)
	require.ErrorIs(a.HandleProof(&forged), ErrInvalidProof)

	skewed := *m
	skewed.CumulativeBytes = 1
	skewed.Sign(c.signer)
	require.ErrorIs(a.HandleProof(&skewed), ErrInconsistent)
	require.Zero(a.Cumulative(testPool, testEpoch, c.relay()))

	require.NoError(a.HandleProof(m))
}

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time {
	return c.t
}

func TestDistributeAndClaim(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clk := &clock{t0}
	settle, err := settlement.NewMockClient(testLogger(t, "settlement"), "")
	require.NoError(err)
	settle.SetClock(clk.now)
	sub, err := settle.Subscribe(ctx, testUser, hopmode.Standard, 1_000_000)
	require.NoError(err)

	a := newAggregator(t, Config{}, settle, nil)
	a.SetClock(clk.now)
	a.HandleSubscription(sub.Announcement())

	r1 := newProofChain(t, 0x01, sub.PoolPubkey, sub.Epoch)
	r2 := newProofChain(t, 0x02, sub.PoolPubkey, sub.Epoch)
	require.NoError(a.HandleProof(r1.next(5, 5000)))
	require.NoError(a.HandleProof(r2.next(5, 10000)))
	require.NoError(a.HandleProof(r2.next(5, 5000)))
	orphan := newProofChain(t, 0x03, sub.PoolPubkey, sub.Epoch)
	orphan.next(1, 1)
	require.NoError(a.HandleProof(orphan.next(1, 1)))
	require.Equal(1, a.Pending())

	// Still in grace.
	clk.t = time.Unix(int64(sub.ExpiresAt), 0)
	require.Empty(a.Distribute(ctx))
	_, err = a.Claim(sub.PoolPubkey, sub.Epoch, r1.relay())
	require.ErrorIs(err, settlement.ErrDistributionNotPosted)

	clk.t = time.Unix(int64(epochtime.ClaimableAt(sub.ExpiresAt)), 0)
	posted := a.Distribute(ctx)
	require.Len(posted, 1)
	require.EqualValues(100_000, posted[0].TotalBytes)
	require.Zero(a.Pending())
	require.Empty(a.Distribute(ctx))
	require.ErrorIs(a.HandleProof(r1.next(1, 1)), ErrDistributed)

	got, err := settle.Subscription(ctx, testUser)
	require.NoError(err)
	require.Equal(posted[0].Root, *got.DistributionRoot)

	claim, err := a.Claim(sub.PoolPubkey, sub.Epoch, r1.relay())
	require.NoError(err)
	require.EqualValues(25_000, claim.RelayBytes)
	payout, err := settle.ClaimRewards(ctx, claim)
	require.NoError(err)
	require.EqualValues(250_000, payout)
}

func TestStoreReplayAndSync(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "aggregator.db")
	store, err := OpenStore(path)
	require.NoError(err)
	a := newAggregator(t, Config{}, nil, store)

	c1 := newProofChain(t, 0x01, testPool, testEpoch)
	c2 := newProofChain(t, 0x02, testPool, testEpoch)
	for i := 0; i < 3; i++ {
		require.NoError(a.HandleProof(c1.next(2, 10)))
		require.NoError(a.HandleProof(c2.next(1, 7)))
	}
	store.Close()

	store, err = OpenStore(path)
	require.NoError(err)
	defer store.Close()
	a = newAggregator(t, Config{}, nil, store)
	require.EqualValues(60, a.Cumulative(testPool, testEpoch, c1.relay()))
	require.EqualValues(21, a.Cumulative(testPool, testEpoch, c2.relay()))

	req := &gossip.AggregatorSyncRequest{RequestID: crypto.NewId(), PoolPubkey: testPool, Epoch: testEpoch}
	resp, err := a.HandleSyncRequest(req)
	require.NoError(err)
	require.Equal(req.RequestID, resp.RequestID)
	require.Len(resp.Proofs, 6)

	// Round trip through the gossip encoding.
	b, err := json.Marshal(resp)
	require.NoError(err)
	var decoded gossip.AggregatorSyncResponse
	require.NoError(json.Unmarshal(b, &decoded))

	fresh := newAggregator(t, Config{}, nil, nil)
	require.Equal(6, fresh.HandleSyncResponse(&decoded))
	require.Zero(fresh.HandleSyncResponse(&decoded))
	require.EqualValues(60, fresh.Cumulative(testPool, testEpoch, c1.relay()))
	require.EqualValues(21, fresh.Cumulative(testPool, testEpoch, c2.relay()))

	resp, err = fresh.HandleSyncRequest(req)
	require.NoError(err)
	require.Len(resp.Proofs, 6)
}

type capturingSender struct {
	sent chan *gossip.Envelope
}

func (s *capturingSender) Broadcast(except string, e *gossip.Envelope) {
	s.sent <- e
}

func TestGossipLoop(t *testing.T) {
	require := require.New(t)

	sender := &capturingSender{sent: make(chan *gossip.Envelope, 16)}
	router := gossip.NewRouter(testLogger(t, "gossip"), sender)
	a := newAggregator(t, Config{}, nil, nil)
	a.Start(router)
	defer a.Halt()

	c := newProofChain(t, 0x01, testPool, testEpoch)
	deliver := func(topic string, v interface{}) {
		b, err := json.Marshal(v)
		require.NoError(err)
		router.HandleIncoming("peer", &gossip.Envelope{Topic: topic, Data: b})
	}
	deliver(gossip.TopicProofs, c.next(4, 25))
	require.Eventually(func() bool {
		return a.Cumulative(testPool, testEpoch, c.relay()) == 100
	}, time.Second, 10*time.Millisecond)

	// Drain the re-flooded proof.
	<-sender.sent

	deliver(gossip.TopicAggregatorSync, &gossip.AggregatorSyncRequest{RequestID: crypto.NewId(), PoolPubkey: testPool, Epoch: testEpoch})
	deadline := time.After(time.Second)
	for {
		select {
		case e := <-sender.sent:
			require.Equal(gossip.TopicAggregatorSync, e.Topic)
			var resp gossip.AggregatorSyncResponse
			require.NoError(e.Decode(&resp))
			if len(resp.Proofs) == 0 {
				// The re-flooded request.
				continue
			}
			require.Len(resp.Proofs, 1)
			return
		case <-deadline:
			t.Fatal("no sync response")
		}
	}
}
