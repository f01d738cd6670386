// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	"io"

	"github.com/katzenpost/chacha20poly1305"
	"github.com/katzenpost/hpqc/rand"
)

const (
	// NonceSize is the ChaCha20-Poly1305 nonce size.
	NonceSize = chacha20poly1305.NonceSize

	// TagSize is the Poly1305 authenticator size.
	TagSize = chacha20poly1305.Overhead

	// SealOverhead is the expansion of Seal.
	SealOverhead = NonceSize + TagSize

	// EnvelopeOverhead is the expansion of EncryptFor.
	EnvelopeOverhead = KeySize + SealOverhead
)

// Seal encrypts plaintext under key, returning nonce ‖ ciphertext ‖ tag
// with a random nonce.
func Seal(key [KeySize]byte, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, ErrEncryptionFailed
	}
	defer aead.Reset()

	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, ErrEncryptionFailed
	}
	return aead.Seal(out, out[:NonceSize], plaintext, nil), nil
}

// Open reverses Seal.
func Open(key [KeySize]byte, sealed []byte) ([]byte, error) {
	if len(sealed) < SealOverhead {
		return nil, ErrCiphertextTooShort
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	defer aead.Reset()

	pt, err := aead.Open(nil, sealed[:NonceSize], sealed[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return pt, nil
}

// SealEphemeral encrypts plaintext to recipient under a fresh ephemeral
// key, returning the ephemeral public key and nonce ‖ ciphertext ‖ tag.
func SealEphemeral(recipient PublicKey, plaintext []byte) (PublicKey, []byte, error) {
	eph, err := NewEncryptionKeypair(rand.Reader)
	if err != nil {
		return PublicKey{}, nil, ErrEncryptionFailed
	}
	defer eph.Reset()

	key, err := eph.SharedKey(recipient)
	if err != nil {
		return PublicKey{}, nil, err
	}
	sealed, err := Seal(key, plaintext)
	if err != nil {
		return PublicKey{}, nil, err
	}
	return eph.PublicKey(), sealed, nil
}

// OpenEphemeral reverses SealEphemeral using the recipient keypair.
func OpenEphemeral(k *EncryptionKeypair, ephemeral PublicKey, sealed []byte) ([]byte, error) {
	if len(sealed) < SealOverhead {
		return nil, ErrCiphertextTooShort
	}
	key, err := k.SharedKey(ephemeral)
	if err != nil {
		return nil, err
	}
	return Open(key, sealed)
}

// EncryptFor builds the envelope ephemeral(32) ‖ nonce(12) ‖ ciphertext
// for recipient. Two encryptions of one plaintext never share bytes
// beyond chance.
func EncryptFor(recipient PublicKey, plaintext []byte) ([]byte, error) {
	eph, sealed, err := SealEphemeral(recipient, plaintext)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, KeySize+len(sealed))
	out = append(out, eph[:]...)
	return append(out, sealed...), nil
}

// DecryptWith opens an envelope produced by EncryptFor.
func DecryptWith(k *EncryptionKeypair, envelope []byte) ([]byte, error) {
	if len(envelope) < EnvelopeOverhead {
		return nil, ErrCiphertextTooShort
	}
	var eph PublicKey
	copy(eph[:], envelope[:KeySize])
	return OpenEphemeral(k, eph, envelope[KeySize:])
}
