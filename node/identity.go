// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package node

import (
	"errors"
	"fmt"
	"os"

	"github.com/katzenpost/hpqc/rand"

	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/utils"
)

const identityFileMode = 0600

// ErrIdentityPermissions is returned when the identity file is readable by
// anyone but its owner.
var ErrIdentityPermissions = errors.New("node: identity file has invalid permissions")

// LoadOrCreateIdentity reads the raw identity seed at f, generating and
// persisting a fresh one when the file doesn't exist.
func LoadOrCreateIdentity(f string) (*crypto.SigningKeypair, bool, error) {
	ok, err := utils.Exists(f)
	if err != nil {
		return nil, false, err
	}
	if ok {
		k, err := loadIdentity(f)
		return k, false, err
	}

	k, err := crypto.NewSigningKeypair(rand.Reader)
	if err != nil {
		return nil, false, err
	}
	seed := k.Seed()
	if err = os.WriteFile(f, seed[:], identityFileMode); err != nil {
		return nil, false, fmt.Errorf("node: failed to write identity: %w", err)
	}
	return k, true, nil
}

func loadIdentity(f string) (*crypto.SigningKeypair, error) {
	fi, err := os.Stat(f)
	if err != nil {
		return nil, err
	}
	if fi.Mode().Perm()&^identityFileMode != 0 {
		return nil, fmt.Errorf("%w: '%v' is %v", ErrIdentityPermissions, f, fi.Mode().Perm())
	}
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	var seed [crypto.SeedSize]byte
	if len(b) != len(seed) {
		return nil, fmt.Errorf("node: identity '%v' is %d bytes, expected %d", f, len(b), len(seed))
	}
	copy(seed[:], b)
	return crypto.SigningKeypairFromSeed(seed)
}
