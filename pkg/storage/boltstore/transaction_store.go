package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/paymentkit/paymentkit/pkg/storage"
)

// TransactionStore is a bbolt-backed storage.TransactionStore. Subscriptions
// are in-process only: they notify listeners of writes made through this
// DB handle, but (like any in-memory fan-out) do not survive a restart or
// span multiple processes sharing the same file.
type TransactionStore struct {
	db *DB

	mu        sync.RWMutex
	listeners map[int]func(storage.TransactionEvent)
	nextID    int
}

// NewTransactionStore wraps an open DB as a storage.TransactionStore.
func NewTransactionStore(db *DB) *TransactionStore {
	return &TransactionStore{db: db, listeners: make(map[int]func(storage.TransactionEvent))}
}

func (s *TransactionStore) Create(_ context.Context, rec storage.TransactionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("boltstore: marshaling transaction: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(transactionsBucket)
		if bucket.Get([]byte(rec.ClientTxRef)) != nil {
			return fmt.Errorf("boltstore: transaction %q already exists", rec.ClientTxRef)
		}
		return bucket.Put([]byte(rec.ClientTxRef), data)
	})
	if err != nil {
		return err
	}
	s.notify(storage.TransactionEvent{Type: "created", Record: rec})
	return nil
}

func (s *TransactionStore) Update(_ context.Context, rec storage.TransactionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("boltstore: marshaling transaction: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(transactionsBucket).Put([]byte(rec.ClientTxRef), data)
	})
	if err != nil {
		return err
	}
	s.notify(storage.TransactionEvent{Type: "updated", Record: rec})
	return nil
}

func (s *TransactionStore) Get(_ context.Context, clientTxRef string) (*storage.TransactionRecord, bool, error) {
	var out *storage.TransactionRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(transactionsBucket).Get([]byte(clientTxRef))
		if data == nil {
			return nil
		}
		var rec storage.TransactionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("boltstore: unmarshaling transaction: %w", err)
		}
		out = &rec
		return nil
	})
	return out, out != nil, err
}

func (s *TransactionStore) List(_ context.Context, filter storage.TransactionFilter, page storage.Pagination) ([]storage.TransactionRecord, error) {
	var matched []storage.TransactionRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(transactionsBucket).ForEach(func(_, v []byte) error {
			var rec storage.TransactionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("boltstore: unmarshaling transaction: %w", err)
			}
			if filter.Status != nil && rec.Status != *filter.Status {
				return nil
			}
			if filter.ChannelID != nil && rec.ChannelID != *filter.ChannelID {
				return nil
			}
			matched = append(matched, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })
	return paginate(matched, page), nil
}

func (s *TransactionStore) Subscribe(listener func(storage.TransactionEvent)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = listener
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *TransactionStore) notify(ev storage.TransactionEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.listeners {
		l(ev)
	}
}
