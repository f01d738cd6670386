// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/erasure"
)

const (
	// DefaultBaseCost is charged once per request.
	DefaultBaseCost = 1

	// DefaultCostPerShardHop is charged for every shard on every relay hop.
	DefaultCostPerShardHop = 1

	lowThreshold      = 0.80
	criticalThreshold = 0.95

	creditProofContext = "tunnelcraft-credit-v1"
)

var (
	// ErrInsufficientCredits is returned when a reservation can't be
	// covered by the remaining balance.
	ErrInsufficientCredits = errors.New("client: insufficient credits")

	// ErrNoCreditProof is returned before any credit proof was accepted.
	ErrNoCreditProof = errors.New("client: no credit proof")

	// ErrInvalidCreditProof is returned for a proof with a bad signature
	// or for another user.
	ErrInvalidCreditProof = errors.New("client: invalid credit proof")
)

// CreditProof is a chain signed statement of a user's balance for an
// epoch.
type CreditProof struct {
	UserPubkey     crypto.PublicKey `json:"user_pubkey"`
	Balance        uint64           `json:"balance"`
	Epoch          uint64           `json:"epoch"`
	ChainSignature crypto.Signature `json:"chain_signature"`
}

func (p *CreditProof) signableData() []byte {
	b := make([]byte, 0, len(creditProofContext)+crypto.KeySize+16)
	b = append(b, creditProofContext...)
	b = append(b, p.UserPubkey[:]...)
	b = binary.LittleEndian.AppendUint64(b, p.Balance)
	return binary.LittleEndian.AppendUint64(b, p.Epoch)
}

// SignCreditProof returns a proof signed by the chain key.
func SignCreditProof(chain *crypto.SigningKeypair, user crypto.PublicKey, balance, epoch uint64) *CreditProof {
	p := &CreditProof{UserPubkey: user, Balance: balance, Epoch: epoch}
	p.ChainSignature = chain.Sign(p.signableData())
	return p
}

// Verify checks the chain signature.
func (p *CreditProof) Verify(chain crypto.PublicKey) bool {
	return crypto.Verify(chain, p.signableData(), p.ChainSignature)
}

// CostModel prices a request.
type CostModel struct {
	Base        uint64
	PerShardHop uint64
}

// Estimate returns the cost of a request over hops relays.
func (m CostModel) Estimate(hops int) uint64 {
	return m.Base + uint64(erasure.TotalShards)*uint64(hops)*m.PerShardHop
}

// Credits tracks the client's balance against in flight reservations.
type Credits struct {
	sync.Mutex

	user  crypto.PublicKey
	chain crypto.PublicKey
	cost  CostModel

	proof         *CreditProof
	consumed      uint64
	reserved      map[crypto.Id]uint64
	reservedTotal uint64
}

// NewCredits returns a ledger for user accepting proofs signed by chain.
// A zero cost model selects the defaults.
func NewCredits(user, chain crypto.PublicKey, cost CostModel) *Credits {
	if cost == (CostModel{}) {
		cost = CostModel{Base: DefaultBaseCost, PerShardHop: DefaultCostPerShardHop}
	}
	return &Credits{
		user:     user,
		chain:    chain,
		cost:     cost,
		reserved: make(map[crypto.Id]uint64),
	}
}

// Estimate returns the cost of a request over hops relays.
func (c *Credits) Estimate(hops int) uint64 {
	return c.cost.Estimate(hops)
}

// Update installs a newer credit proof. Moving to a new epoch clears the
// consumption and every outstanding reservation.
func (c *Credits) Update(p *CreditProof) error {
	if p.UserPubkey != c.user || !p.Verify(c.chain) {
		return ErrInvalidCreditProof
	}

	c.Lock()
	defer c.Unlock()
	switch {
	case c.proof == nil || p.Epoch > c.proof.Epoch:
		c.consumed = 0
		c.reserved = make(map[crypto.Id]uint64)
		c.reservedTotal = 0
	case p.Epoch < c.proof.Epoch:
		return nil
	}
	c.proof = p
	return nil
}

// Epoch returns the epoch of the current proof.
func (c *Credits) Epoch() (uint64, bool) {
	c.Lock()
	defer c.Unlock()
	if c.proof == nil {
		return 0, false
	}
	return c.proof.Epoch, true
}

// Available returns balance - consumed - reserved.
func (c *Credits) Available() uint64 {
	c.Lock()
	defer c.Unlock()
	return c.available()
}

func (c *Credits) available() uint64 {
	if c.proof == nil {
		return 0
	}
	used := c.consumed + c.reservedTotal
	if used >= c.proof.Balance {
		return 0
	}
	return c.proof.Balance - used
}

// Reserve sets amount aside for requestID.
func (c *Credits) Reserve(requestID crypto.Id, amount uint64) error {
	c.Lock()
	defer c.Unlock()
	if c.proof == nil {
		return ErrNoCreditProof
	}
	if _, ok := c.reserved[requestID]; ok {
		return nil
	}
	if amount > c.available() {
		return ErrInsufficientCredits
	}
	c.reserved[requestID] = amount
	c.reservedTotal += amount
	return nil
}

// Commit releases the reservation for requestID and consumes actual.
func (c *Credits) Commit(requestID crypto.Id, actual uint64) {
	c.Lock()
	defer c.Unlock()
	c.release(requestID)
	c.consumed += actual
}

// Release drops the reservation for requestID without charging it.
func (c *Credits) Release(requestID crypto.Id) {
	c.Lock()
	defer c.Unlock()
	c.release(requestID)
}

func (c *Credits) release(requestID crypto.Id) {
	if amount, ok := c.reserved[requestID]; ok {
		delete(c.reserved, requestID)
		c.reservedTotal -= amount
	}
}

// Usage returns the consumed and reserved share of the balance.
func (c *Credits) Usage() float64 {
	c.Lock()
	defer c.Unlock()
	if c.proof == nil || c.proof.Balance == 0 {
		return 1
	}
	return float64(c.consumed+c.reservedTotal) / float64(c.proof.Balance)
}

// IsLow reports whether more than 80% of the balance is used.
func (c *Credits) IsLow() bool {
	return c.Usage() > lowThreshold
}

// IsCritical reports whether more than 95% of the balance is used.
func (c *Credits) IsCritical() bool {
	return c.Usage() > criticalThreshold
}
