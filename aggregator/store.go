// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package aggregator

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/tunnelcraft/tunnelcraft/core/codec"
	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/gossip"
	"github.com/tunnelcraft/tunnelcraft/core/merkle"
)

const (
	metadataBucket      = "metadata"
	proofsBucket        = "proofs"
	distributionsBucket = "distributions"
	versionKey          = "version"

	storeVersion = 0
)

// Store persists accepted proofs in acceptance order, one sub bucket per
// (pool, epoch), and the posted distributions.
type Store struct {
	db *bolt.DB
}

func chainBucketKey(pool crypto.PublicKey, epoch uint64) []byte {
	k := make([]byte, 0, crypto.KeySize+8)
	k = append(k, pool[:]...)
	return binary.BigEndian.AppendUint64(k, epoch)
}

// OpenStore creates or loads the database at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	if err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(proofsBucket)); err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(distributionsBucket)); err != nil {
			return err
		}
		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != storeVersion {
				return fmt.Errorf("aggregator: incompatible store version: %v", b)
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{storeVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close syncs and closes the database.
func (s *Store) Close() {
	s.db.Sync()
	s.db.Close()
}

// AppendProof stores an accepted proof at the end of its chain.
func (s *Store) AppendProof(m *gossip.ProofMessage) error {
	b, err := codec.Marshal(m)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.Bucket([]byte(proofsBucket)).CreateBucketIfNotExists(chainBucketKey(m.PoolPubkey, m.Epoch))
		if err != nil {
			return err
		}
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		var k [8]byte
		binary.BigEndian.PutUint64(k[:], seq)
		return bkt.Put(k[:], b)
	})
}

// Proofs returns the stored chain for pool and epoch in acceptance order.
func (s *Store) Proofs(pool crypto.PublicKey, epoch uint64) ([]*gossip.ProofMessage, error) {
	var out []*gossip.ProofMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(proofsBucket)).Bucket(chainBucketKey(pool, epoch))
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(_, v []byte) error {
			m := new(gossip.ProofMessage)
			if err := codec.Unmarshal(v, m); err != nil {
				return err
			}
			out = append(out, m)
			return nil
		})
	})
	return out, err
}

// ForEachProof walks every stored proof, chain by chain.
func (s *Store) ForEachProof(fn func(*gossip.ProofMessage) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(proofsBucket)).ForEachBucket(func(k []byte) error {
			return tx.Bucket([]byte(proofsBucket)).Bucket(k).ForEach(func(_, v []byte) error {
				m := new(gossip.ProofMessage)
				if err := codec.Unmarshal(v, m); err != nil {
					return err
				}
				return fn(m)
			})
		})
	})
}

// PutDistribution records a posted distribution.
func (s *Store) PutDistribution(d *merkle.Distribution, epoch uint64) error {
	b, err := codec.Marshal(d)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(distributionsBucket)).Put(chainBucketKey(d.Pool, epoch), b)
	})
}

// ForEachDistribution walks every posted distribution.
func (s *Store) ForEachDistribution(fn func(d *merkle.Distribution, epoch uint64) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(distributionsBucket)).ForEach(func(k, v []byte) error {
			if len(k) != crypto.KeySize+8 {
				return fmt.Errorf("aggregator: corrupt distribution key")
			}
			d := new(merkle.Distribution)
			if err := codec.Unmarshal(v, d); err != nil {
				return err
			}
			return fn(d, binary.BigEndian.Uint64(k[crypto.KeySize:]))
		})
	})
}
