// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	"bytes"
	"io"

	"github.com/katzenpost/hpqc/sign/ed25519"
)

// SeedSize is the size of a raw identity secret.
const SeedSize = 32

// SigningKeypair is an Ed25519 identity.
type SigningKeypair struct {
	seed   [SeedSize]byte
	secret *ed25519.PrivateKey
	public PublicKey
}

// NewSigningKeypair samples a fresh identity from r.
func NewSigningKeypair(r io.Reader) (*SigningKeypair, error) {
	var seed [SeedSize]byte
	if _, err := io.ReadFull(r, seed[:]); err != nil {
		return nil, err
	}
	return SigningKeypairFromSeed(seed)
}

// SigningKeypairFromSeed derives the RFC 8032 keypair for seed, so a raw
// 32 byte identity file always maps to the same public key.
func SigningKeypairFromSeed(seed [SeedSize]byte) (*SigningKeypair, error) {
	sk, pk, err := ed25519.NewKeypair(bytes.NewReader(seed[:]))
	if err != nil {
		return nil, err
	}
	k := &SigningKeypair{seed: seed, secret: sk}
	copy(k.public[:], pk.Bytes())
	return k, nil
}

// PublicKey returns the Ed25519 verification key.
func (k *SigningKeypair) PublicKey() PublicKey {
	return k.public
}

// Seed returns the raw identity secret.
func (k *SigningKeypair) Seed() [SeedSize]byte {
	return k.seed
}

// Sign signs msg.
func (k *SigningKeypair) Sign(msg []byte) Signature {
	var sig Signature
	copy(sig[:], k.secret.SignMessage(msg))
	return sig
}

// DeriveEncryptionKeypair returns the node's X25519 keypair, derived from
// the identity seed with domain separation.
func (k *SigningKeypair) DeriveEncryptionKeypair() *EncryptionKeypair {
	return EncryptionKeypairFromSecret(Sum256([]byte("tunnelcraft-x25519-v1"), k.seed[:]))
}

// Verify checks sig over msg against the Ed25519 key pk.
func Verify(pk PublicKey, msg []byte, sig Signature) bool {
	pub := new(ed25519.PublicKey)
	if err := pub.FromBytes(pk[:]); err != nil {
		return false
	}
	return pub.Verify(sig[:], msg)
}
