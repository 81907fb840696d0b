package boltstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/paymentkit/paymentkit/pkg/storage"
	"github.com/paymentkit/paymentkit/pkg/subrav"
)

// PendingSubRAVRepository is a bbolt-backed storage.PendingSubRAVRepository.
type PendingSubRAVRepository struct {
	db *DB
}

// NewPendingSubRAVRepository wraps an open DB.
func NewPendingSubRAVRepository(db *DB) *PendingSubRAVRepository {
	return &PendingSubRAVRepository{db: db}
}

func pendingKeyPrefix(channelID [32]byte, vmIDFragment string) []byte {
	return append(append([]byte{}, channelID[:]...), append([]byte{0}, []byte(vmIDFragment)...)...)
}

func pendingBoltKey(channelID [32]byte, vmIDFragment string, nonce uint64) []byte {
	k := pendingKeyPrefix(channelID, vmIDFragment)
	var nb [8]byte
	binary.BigEndian.PutUint64(nb[:], nonce)
	return append(k, nb[:]...)
}

func (r *PendingSubRAVRepository) Save(_ context.Context, p storage.PendingSubRAV) error {
	encoded, err := subrav.Encode(p.SubRAV)
	if err != nil {
		return fmt.Errorf("boltstore: encoding pending subrav: %w", err)
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(p.CreatedAt.UnixNano()))
	data := append(ts[:], encoded...)

	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(pendingBucket).Put(pendingBoltKey(p.SubRAV.ChannelID, p.SubRAV.VMIDFragment, p.SubRAV.Nonce), data)
	})
}

func decodePending(data []byte) (storage.PendingSubRAV, error) {
	if len(data) < 8 {
		return storage.PendingSubRAV{}, fmt.Errorf("boltstore: truncated pending record")
	}
	createdAt := time.Unix(0, int64(binary.BigEndian.Uint64(data[:8])))
	r, err := subrav.Decode(data[8:])
	if err != nil {
		return storage.PendingSubRAV{}, err
	}
	return storage.PendingSubRAV{SubRAV: r, CreatedAt: createdAt}, nil
}

func (r *PendingSubRAVRepository) Find(_ context.Context, channelID [32]byte, vmIDFragment string, nonce uint64) (*storage.PendingSubRAV, error) {
	var out *storage.PendingSubRAV
	err := r.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(pendingBucket).Get(pendingBoltKey(channelID, vmIDFragment, nonce))
		if data == nil {
			return nil
		}
		p, err := decodePending(data)
		if err != nil {
			return err
		}
		out = &p
		return nil
	})
	return out, err
}

func (r *PendingSubRAVRepository) FindLatestBySubChannel(_ context.Context, channelID [32]byte, vmIDFragment string) (*storage.PendingSubRAV, error) {
	var out *storage.PendingSubRAV
	err := r.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(pendingBucket).Cursor()
		prefix := pendingKeyPrefix(channelID, vmIDFragment)
		var lastVal []byte
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			lastVal = v
		}
		if lastVal == nil {
			return nil
		}
		p, err := decodePending(lastVal)
		if err != nil {
			return err
		}
		out = &p
		return nil
	})
	return out, err
}

func (r *PendingSubRAVRepository) Remove(_ context.Context, channelID [32]byte, vmIDFragment string, nonce uint64) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(pendingBucket).Delete(pendingBoltKey(channelID, vmIDFragment, nonce))
	})
}

func (r *PendingSubRAVRepository) Cleanup(_ context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	err := r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(pendingBucket)
		c := bucket.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			p, err := decodePending(v)
			if err != nil {
				return err
			}
			if p.CreatedAt.Before(cutoff) {
				toDelete = append(toDelete, append([]byte{}, k...))
			}
		}
		for _, k := range toDelete {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func (r *PendingSubRAVRepository) Stats(_ context.Context) (map[string]int, error) {
	stats := map[string]int{}
	err := r.db.View(func(tx *bbolt.Tx) error {
		stats["pending"] = tx.Bucket(pendingBucket).Stats().KeyN
		return nil
	})
	return stats, err
}
