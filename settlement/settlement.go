// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package settlement is the client side of the subscription pool program:
// subscribing, posting an epoch's reward distribution, claiming relay
// rewards and withdrawing them.
package settlement

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"strings"
	"time"

	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/epochtime"
	"github.com/tunnelcraft/tunnelcraft/core/gossip"
	"github.com/tunnelcraft/tunnelcraft/core/hopmode"
	"github.com/tunnelcraft/tunnelcraft/core/merkle"
)

var (
	// ErrEpochNotComplete is returned for operations attempted before the
	// grace period has ended.
	ErrEpochNotComplete = errors.New("settlement: epoch not complete")

	// ErrDistributionNotPosted is returned when claiming against a pool
	// without a distribution.
	ErrDistributionNotPosted = errors.New("settlement: distribution not posted")

	// ErrDistributionAlreadyPosted is returned for a second distribution.
	ErrDistributionAlreadyPosted = errors.New("settlement: distribution already posted")

	// ErrAlreadyClaimed is returned for a second claim by the same relay.
	ErrAlreadyClaimed = errors.New("settlement: already claimed")

	// ErrAlreadySubscribed is returned when the user holds an open pool.
	ErrAlreadySubscribed = errors.New("settlement: already subscribed")

	// ErrUnknownSubscription is returned for a user without a pool.
	ErrUnknownSubscription = errors.New("settlement: unknown subscription")

	// ErrInvalidClaim is returned when the merkle path doesn't verify.
	ErrInvalidClaim = errors.New("settlement: invalid claim")

	// ErrPoolClosed is returned when the pool has been drained.
	ErrPoolClosed = errors.New("settlement: pool closed")

	// ErrNothingToWithdraw is returned when a relay has no rewards.
	ErrNothingToWithdraw = errors.New("settlement: nothing to withdraw")

	// ErrInvalidAmount is returned for a zero deposit.
	ErrInvalidAmount = errors.New("settlement: invalid amount")
)

// Phase is a subscription's position in its epoch.
type Phase uint8

const (
	PhaseActive Phase = iota
	PhaseGrace
	PhaseClaimable
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseActive:
		return "active"
	case PhaseGrace:
		return "grace"
	case PhaseClaimable:
		return "claimable"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("[unknown phase: %d]", p)
	}
}

// Subscription is the on-chain state of one pool.
type Subscription struct {
	UserPubkey          crypto.PublicKey `cbor:"user_pubkey" json:"user_pubkey"`
	PoolPubkey          crypto.PublicKey `cbor:"pool_pubkey" json:"pool_pubkey"`
	Tier                hopmode.Tier     `cbor:"tier" json:"tier"`
	Epoch               uint64           `cbor:"epoch" json:"epoch"`
	CreatedAt           uint64           `cbor:"created_at" json:"created_at"`
	ExpiresAt           uint64           `cbor:"expires_at" json:"expires_at"`
	PoolBalance         uint64           `cbor:"pool_balance" json:"pool_balance"`
	OriginalPoolBalance uint64           `cbor:"original_pool_balance" json:"original_pool_balance"`
	TotalReceipts       uint64           `cbor:"total_receipts" json:"total_receipts"`
	DistributionRoot    *merkle.Hash     `cbor:"distribution_root,omitempty" json:"distribution_root,omitempty"`
}

// Phase returns the phase at now (unix seconds).
func (s *Subscription) Phase(now uint64) Phase {
	switch {
	case s.PoolBalance == 0:
		return PhaseClosed
	case now < s.ExpiresAt:
		return PhaseActive
	case now < epochtime.ClaimableAt(s.ExpiresAt):
		return PhaseGrace
	default:
		return PhaseClaimable
	}
}

// ClaimableAt returns the first instant a distribution may be posted.
func (s *Subscription) ClaimableAt() time.Time {
	return time.Unix(int64(epochtime.ClaimableAt(s.ExpiresAt)), 0).UTC()
}

// Announcement returns the gossip advertisement for s.
func (s *Subscription) Announcement() *gossip.SubscriptionAnnouncement {
	return &gossip.SubscriptionAnnouncement{
		UserPubkey: s.UserPubkey,
		PoolPubkey: s.PoolPubkey,
		Tier:       s.Tier,
		Epoch:      s.Epoch,
		ExpiresAt:  s.ExpiresAt,
	}
}

// Payout returns relayBytes·original/total without intermediate overflow.
func Payout(relayBytes, original, total uint64) uint64 {
	if total == 0 || relayBytes > total {
		return 0
	}
	hi, lo := bits.Mul64(relayBytes, original)
	q, _ := bits.Div64(hi, lo, total)
	return q
}

// Claim is a relay's request for its share of a pool.
type Claim struct {
	UserPubkey  crypto.PublicKey `json:"user_pubkey"`
	RelayPubkey crypto.PublicKey `json:"relay_pubkey"`
	RelayBytes  uint64           `json:"relay_bytes"`
	Proof       *merkle.Proof    `json:"merkle_path"`
}

// Node is a relay's reward account.
type Node struct {
	RelayPubkey      crypto.PublicKey `cbor:"relay_pubkey" json:"relay_pubkey"`
	UnclaimedRewards uint64           `cbor:"unclaimed_rewards" json:"unclaimed_rewards"`
	TotalWithdrawn   uint64           `cbor:"total_withdrawn" json:"total_withdrawn"`
}

// Client is a settlement backend.
type Client interface {
	// Subscribe opens a pool for user funded with amount.
	Subscribe(ctx context.Context, user crypto.PublicKey, tier hopmode.Tier, amount uint64) (*Subscription, error)

	// PostDistribution commits the reward tree for user's pool.
	PostDistribution(ctx context.Context, user crypto.PublicKey, root merkle.Hash, totalBytes uint64) error

	// ClaimRewards credits a relay with its share and returns the payout.
	ClaimRewards(ctx context.Context, c *Claim) (uint64, error)

	// Withdraw pays out a relay's accumulated rewards.
	Withdraw(ctx context.Context, relay crypto.PublicKey) (uint64, error)

	// Subscription returns the current state of user's pool.
	Subscription(ctx context.Context, user crypto.PublicKey) (*Subscription, error)

	// Node returns a relay's reward account.
	Node(ctx context.Context, relay crypto.PublicKey) (*Node, error)
}

// DerivePoolKey returns the pool account address for user's epoch.
func DerivePoolKey(user crypto.PublicKey, epoch uint64) crypto.PublicKey {
	var e [8]byte
	binary.LittleEndian.PutUint64(e[:], epoch)
	return crypto.PublicKey(crypto.Sum256([]byte("tunnelcraft-pool"), user[:], e[:]))
}

// Discriminator returns the 8 byte instruction tag for name.
func Discriminator(name string) [8]byte {
	h := sha256.Sum256([]byte("global:" + name))
	var d [8]byte
	copy(d[:], h[:8])
	return d
}

// Mode selects a backend.
type Mode string

const (
	ModeMock Mode = "mock"
	ModeLive Mode = "live"
)

// ParseMode parses a backend name, case insensitively.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(s)); m {
	case ModeMock, ModeLive:
		return m, nil
	default:
		return "", fmt.Errorf("settlement: unknown mode '%v'", s)
	}
}
