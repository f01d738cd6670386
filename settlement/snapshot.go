// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package settlement

import (
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/tunnelcraft/tunnelcraft/core/codec"
	"github.com/tunnelcraft/tunnelcraft/core/crypto"
)

const (
	metadataBucket      = "metadata"
	subscriptionsBucket = "subscriptions"
	claimsBucket        = "claims"
	nodesBucket         = "nodes"
	versionKey          = "version"

	snapshotVersion = 0
)

// snapshot persists the mock program state. A nil snapshot discards
// every write.
type snapshot struct {
	db *bolt.DB
}

func openSnapshot(path string) (*snapshot, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	if err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		for _, name := range []string{subscriptionsBucket, claimsBucket, nodesBucket} {
			if _, err = tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != snapshotVersion {
				return fmt.Errorf("settlement: incompatible snapshot version: %v", b)
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{snapshotVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &snapshot{db: db}, nil
}

func (s *snapshot) close() {
	s.db.Sync()
	s.db.Close()
}

func (s *snapshot) load(subs map[crypto.PublicKey]*Subscription, claims map[claimKey]struct{}, nodes map[crypto.PublicKey]*Node) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(subscriptionsBucket)).ForEach(func(k, v []byte) error {
			sub := new(Subscription)
			if err := codec.Unmarshal(v, sub); err != nil {
				return err
			}
			subs[sub.UserPubkey] = sub
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket([]byte(claimsBucket)).ForEach(func(k, _ []byte) error {
			if len(k) != 2*crypto.KeySize {
				return fmt.Errorf("settlement: corrupt claim key")
			}
			var ck claimKey
			copy(ck.pool[:], k[:crypto.KeySize])
			copy(ck.relay[:], k[crypto.KeySize:])
			claims[ck] = struct{}{}
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket([]byte(nodesBucket)).ForEach(func(k, v []byte) error {
			n := new(Node)
			if err := codec.Unmarshal(v, n); err != nil {
				return err
			}
			nodes[n.RelayPubkey] = n
			return nil
		})
	})
}

func putSubscription(tx *bolt.Tx, sub *Subscription) error {
	b, err := codec.Marshal(sub)
	if err != nil {
		return err
	}
	return tx.Bucket([]byte(subscriptionsBucket)).Put(sub.UserPubkey[:], b)
}

func putNode(tx *bolt.Tx, n *Node) error {
	b, err := codec.Marshal(n)
	if err != nil {
		return err
	}
	return tx.Bucket([]byte(nodesBucket)).Put(n.RelayPubkey[:], b)
}

func (s *snapshot) putSubscription(sub *Subscription) error {
	if s == nil {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putSubscription(tx, sub)
	})
}

func (s *snapshot) putNode(n *Node) error {
	if s == nil {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putNode(tx, n)
	})
}

// putClaim records a claim together with the debited pool and credited
// relay in one transaction.
func (s *snapshot) putClaim(sub *Subscription, k claimKey, n *Node) error {
	if s == nil {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		key := make([]byte, 0, 2*crypto.KeySize)
		key = append(key, k.pool[:]...)
		key = append(key, k.relay[:]...)
		if err := tx.Bucket([]byte(claimsBucket)).Put(key, []byte{1}); err != nil {
			return err
		}
		if err := putSubscription(tx, sub); err != nil {
			return err
		}
		return putNode(tx, n)
	})
}
