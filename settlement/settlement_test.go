// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package settlement

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/epochtime"
	"github.com/tunnelcraft/tunnelcraft/core/hopmode"
	"github.com/tunnelcraft/tunnelcraft/core/log"
	"github.com/tunnelcraft/tunnelcraft/core/merkle"
)

var (
	testUser   = crypto.PublicKey{0x01}
	testRelay  = crypto.PublicKey{0x10}
	otherRelay = crypto.PublicKey{0x20}
	thirdRelay = crypto.PublicKey{0x30}
)

func testLogger(t *testing.T) *logging.Logger {
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return logBackend.GetLogger("settlement")
}

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time {
	return c.t
}

func newMock(t *testing.T, path string, clk *clock) *MockClient {
	c, err := NewMockClient(testLogger(t), path)
	require.NoError(t, err)
	c.SetClock(clk.now)
	return c
}

func testDistribution(pool crypto.PublicKey) *merkle.Distribution {
	return merkle.BuildDistribution(pool, []merkle.Entry{
		{RelayPubkey: testRelay, Bytes: 250_000},
		{RelayPubkey: otherRelay, Bytes: 500_000},
		{RelayPubkey: thirdRelay, Bytes: 250_000},
	})
}

func claimFor(t *testing.T, d *merkle.Distribution, relay crypto.PublicKey) *Claim {
	n, p, err := d.ProofFor(relay)
	require.NoError(t, err)
	return &Claim{UserPubkey: testUser, RelayPubkey: relay, RelayBytes: n, Proof: p}
}

func TestPhases(t *testing.T) {
	require := require.New(t)

	s := &Subscription{ExpiresAt: 1000, PoolBalance: 1}
	require.Equal(PhaseActive, s.Phase(999))
	require.Equal(PhaseGrace, s.Phase(1000))
	require.Equal(PhaseGrace, s.Phase(1000+epochtime.GracePeriodSecs-1))
	require.Equal(PhaseClaimable, s.Phase(1000+epochtime.GracePeriodSecs))
	s.PoolBalance = 0
	require.Equal(PhaseClosed, s.Phase(0))
	require.Equal("claimable", PhaseClaimable.String())
}

func TestPayout(t *testing.T) {
	require := require.New(t)

	require.EqualValues(250_000, Payout(250_000, 1_000_000, 1_000_000))
	require.EqualValues(333, Payout(1, 1000, 3))
	require.EqualValues(math.MaxUint64/2, Payout(math.MaxUint64/2, math.MaxUint64, math.MaxUint64))
	require.Zero(Payout(5, 10, 0))
	require.Zero(Payout(11, 10, 10))
}

func TestDiscriminator(t *testing.T) {
	require := require.New(t)

	names := []string{InstructionSubscribe, InstructionPostDistribution, InstructionClaimRewards, InstructionWithdraw}
	seen := make(map[[8]byte]bool)
	for _, n := range names {
		d := Discriminator(n)
		require.False(seen[d])
		seen[d] = true
	}
	require.Equal(Discriminator("subscribe"), Discriminator(InstructionSubscribe))
}

func TestSettlementHappyPath(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clk := &clock{t0}
	c := newMock(t, "", clk)

	s, err := c.Subscribe(ctx, testUser, hopmode.Standard, 1_000_000)
	require.NoError(err)
	require.Equal(PhaseActive, s.Phase(uint64(t0.Unix())))
	require.Equal(DerivePoolKey(testUser, s.Epoch), s.PoolPubkey)
	require.Equal(t0.Add(epochtime.Period+epochtime.GracePeriod).Unix(), s.ClaimableAt().Unix())
	require.Equal(time.UTC, s.ClaimableAt().Location())
	_, err = c.Subscribe(ctx, testUser, hopmode.Ultra, 5)
	require.ErrorIs(err, ErrAlreadySubscribed)

	d := testDistribution(s.PoolPubkey)
	require.EqualValues(1_000_000, d.TotalBytes)

	clk.t = t0.Add(31 * 24 * time.Hour)
	require.NoError(c.PostDistribution(ctx, testUser, d.Root, d.TotalBytes))
	require.ErrorIs(c.PostDistribution(ctx, testUser, d.Root, d.TotalBytes), ErrDistributionAlreadyPosted)

	payout, err := c.ClaimRewards(ctx, claimFor(t, d, testRelay))
	require.NoError(err)
	require.EqualValues(250_000, payout)
	_, err = c.ClaimRewards(ctx, claimFor(t, d, testRelay))
	require.ErrorIs(err, ErrAlreadyClaimed)

	node, err := c.Node(ctx, testRelay)
	require.NoError(err)
	require.EqualValues(250_000, node.UnclaimedRewards)
	s, err = c.Subscription(ctx, testUser)
	require.NoError(err)
	require.EqualValues(750_000, s.PoolBalance)
	require.EqualValues(1_000_000, s.OriginalPoolBalance)

	forged := claimFor(t, d, otherRelay)
	forged.RelayBytes++
	_, err = c.ClaimRewards(ctx, forged)
	require.ErrorIs(err, ErrInvalidClaim)

	amount, err := c.Withdraw(ctx, testRelay)
	require.NoError(err)
	require.EqualValues(250_000, amount)
	_, err = c.Withdraw(ctx, testRelay)
	require.ErrorIs(err, ErrNothingToWithdraw)

	_, err = c.ClaimRewards(ctx, claimFor(t, d, otherRelay))
	require.NoError(err)
	_, err = c.ClaimRewards(ctx, claimFor(t, d, thirdRelay))
	require.NoError(err)
	s, err = c.Subscription(ctx, testUser)
	require.NoError(err)
	require.Equal(PhaseClosed, s.Phase(uint64(clk.t.Unix())))

	// A drained pool can be replaced.
	_, err = c.Subscribe(ctx, testUser, hopmode.Basic, 10)
	require.NoError(err)
}

func TestSettlementEpochViolation(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clk := &clock{t0}
	c := newMock(t, "", clk)

	require.ErrorIs(c.PostDistribution(ctx, testUser, merkle.Hash{}, 1), ErrUnknownSubscription)

	s, err := c.Subscribe(ctx, testUser, hopmode.Premium, 1_000_000)
	require.NoError(err)
	d := testDistribution(s.PoolPubkey)

	clk.t = t0.Add(30 * 24 * time.Hour)
	require.ErrorIs(c.PostDistribution(ctx, testUser, d.Root, d.TotalBytes), ErrEpochNotComplete)

	_, err = c.ClaimRewards(ctx, claimFor(t, d, testRelay))
	require.ErrorIs(err, ErrDistributionNotPosted)

	_, err = c.Subscribe(ctx, crypto.PublicKey{0x02}, hopmode.Basic, 0)
	require.ErrorIs(err, ErrInvalidAmount)
}

func TestMockSnapshot(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "settlement.db")
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clk := &clock{t0}
	c := newMock(t, path, clk)

	s, err := c.Subscribe(ctx, testUser, hopmode.Standard, 1_000_000)
	require.NoError(err)
	d := testDistribution(s.PoolPubkey)
	clk.t = t0.Add(31 * 24 * time.Hour)
	require.NoError(c.PostDistribution(ctx, testUser, d.Root, d.TotalBytes))
	_, err = c.ClaimRewards(ctx, claimFor(t, d, testRelay))
	require.NoError(err)
	c.Close()

	c = newMock(t, path, clk)
	defer c.Close()
	got, err := c.Subscription(ctx, testUser)
	require.NoError(err)
	require.Equal(d.Root, *got.DistributionRoot)
	require.EqualValues(750_000, got.PoolBalance)

	_, err = c.ClaimRewards(ctx, claimFor(t, d, testRelay))
	require.ErrorIs(err, ErrAlreadyClaimed)
	node, err := c.Node(ctx, testRelay)
	require.NoError(err)
	require.EqualValues(250_000, node.UnclaimedRewards)
}
