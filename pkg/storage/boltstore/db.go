// Package boltstore is an embedded, durable, single-process storage backend
// for payment-kit backed by go.etcd.io/bbolt. It stands in for the
// browser-local-storage tier named for payer-side clients: like local
// storage, it survives process restarts on a single machine without a
// server, but unlike it, writes are transactional and crash-safe.
//
// Bucket layout and open/migration sequencing follow the channeldb pattern
// of a single top-level bolt.DB with one bucket per logical table, created
// up front inside a single update transaction.
package boltstore

import (
	"fmt"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"
)

const (
	dbFileName       = "paymentkit.db"
	dbFilePermission = 0600
)

var (
	channelsBucket    = []byte("channels")
	subChannelsBucket = []byte("sub_channels")
	ravsBucket        = []byte("ravs")
	pendingBucket     = []byte("pending_subravs")
	transactionsBucket = []byte("transactions")

	metaBucket = []byte("meta")
)

// DB wraps a bbolt.DB with the payment-kit bucket schema.
type DB struct {
	*bbolt.DB
}

// Open opens (creating if necessary) the embedded database rooted at dir.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("boltstore: creating data directory: %w", err)
	}

	bdb, err := bbolt.Open(filepath.Join(dir, dbFileName), dbFilePermission, nil)
	if err != nil {
		return nil, fmt.Errorf("boltstore: opening database: %w", err)
	}

	db := &DB{bdb}
	if err := db.createBuckets(); err != nil {
		bdb.Close()
		return nil, err
	}
	return db, nil
}

func (d *DB) createBuckets() error {
	return d.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{channelsBucket, subChannelsBucket, ravsBucket, pendingBucket, transactionsBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("boltstore: creating bucket %q: %w", name, err)
			}
		}
		return nil
	})
}

// Close releases the underlying file handle.
func (d *DB) Close() error {
	return d.DB.Close()
}
