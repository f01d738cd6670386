// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package crypto provides the signing, key agreement and authenticated
// encryption primitives used by every TunnelCraft component.
package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"

	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/curve25519"
)

const (
	// KeySize is the size of every public key, secret and identifier.
	KeySize = 32

	// SignatureSize is the size of an Ed25519 signature.
	SignatureSize = 64
)

var (
	// ErrCiphertextTooShort is returned when a ciphertext is shorter than
	// its fixed framing.
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")

	// ErrInvalidKey is returned for malformed or low order keys.
	ErrInvalidKey = errors.New("crypto: invalid key")

	// ErrDecryptionFailed is returned when authentication fails.
	ErrDecryptionFailed = errors.New("crypto: decryption failed")

	// ErrEncryptionFailed is returned when sealing fails.
	ErrEncryptionFailed = errors.New("crypto: encryption failed")
)

// Id is a 32 byte identifier such as a request, assembly or tunnel id.
type Id [KeySize]byte

// NewId returns a uniformly random Id.
func NewId() Id {
	var id Id
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		panic("BUG: crypto: entropy source failed: " + err.Error())
	}
	return id
}

// IsZero returns true iff every byte of the Id is zero.
func (id Id) IsZero() bool {
	var zero Id
	return subtle.ConstantTimeCompare(id[:], zero[:]) == 1
}

// String returns the hex form of the Id.
func (id Id) String() string {
	return hex.EncodeToString(id[:])
}

// PublicKey is a raw Ed25519 signing or X25519 encryption public key.
type PublicKey [KeySize]byte

// IsZero returns true iff every byte of the key is zero.
func (k PublicKey) IsZero() bool {
	var zero PublicKey
	return subtle.ConstantTimeCompare(k[:], zero[:]) == 1
}

// String returns the hex form of the key.
func (k PublicKey) String() string {
	return hex.EncodeToString(k[:])
}

// PublicKeyFromBytes copies b into a PublicKey.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var k PublicKey
	if len(b) != KeySize {
		return k, ErrInvalidKey
	}
	copy(k[:], b)
	return k, nil
}

// Signature is an Ed25519 signature.
type Signature [SignatureSize]byte

// Sum256 hashes the concatenation of parts with SHA-256.
func Sum256(parts ...[]byte) [32]byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	h.Sum(out[:0])
	return out
}

// EncryptionKeypair is a long term or ephemeral X25519 keypair.
type EncryptionKeypair struct {
	secret nike.PrivateKey
	public PublicKey
}

var x25519Scheme = x25519.Scheme(rand.Reader)

// NewEncryptionKeypair samples a fresh X25519 keypair from r.
func NewEncryptionKeypair(r io.Reader) (*EncryptionKeypair, error) {
	pk, sk, err := x25519Scheme.GenerateKeyPairFromEntropy(r)
	if err != nil {
		return nil, err
	}
	k := &EncryptionKeypair{secret: sk}
	copy(k.public[:], pk.Bytes())
	return k, nil
}

// EncryptionKeypairFromSecret rebuilds a keypair from its raw secret.
func EncryptionKeypairFromSecret(secret [KeySize]byte) *EncryptionKeypair {
	sk, err := x25519Scheme.UnmarshalBinaryPrivateKey(secret[:])
	if err != nil {
		panic("BUG: crypto: x25519 secret rejected: " + err.Error())
	}
	k := &EncryptionKeypair{secret: sk}
	copy(k.public[:], x25519Scheme.DerivePublicKey(sk).Bytes())
	return k
}

// PublicKey returns the X25519 public key.
func (k *EncryptionKeypair) PublicKey() PublicKey {
	return k.public
}

// Secret returns a copy of the raw secret scalar.
func (k *EncryptionKeypair) Secret() [KeySize]byte {
	var s [KeySize]byte
	copy(s[:], k.secret.Bytes())
	return s
}

// SharedKey performs X25519 with peer and returns SHA-256 of the shared
// secret. Low order peer keys are rejected with ErrInvalidKey.
func (k *EncryptionKeypair) SharedKey(peer PublicKey) ([KeySize]byte, error) {
	ss, err := curve25519.X25519(k.secret.Bytes(), peer[:])
	if err != nil {
		return [KeySize]byte{}, ErrInvalidKey
	}
	return sha256.Sum256(ss), nil
}

// Reset clears the secret key material.
func (k *EncryptionKeypair) Reset() {
	k.secret.Reset()
}
