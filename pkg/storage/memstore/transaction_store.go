package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/paymentkit/paymentkit/pkg/storage"
)

// TransactionStore is an in-memory storage.TransactionStore with a simple
// fan-out subscription mechanism for the client-side observability feed
// (spec §4.4.4).
type TransactionStore struct {
	mu        sync.RWMutex
	records   map[string]storage.TransactionRecord
	listeners map[int]func(storage.TransactionEvent)
	nextID    int
}

// NewTransactionStore returns an empty in-memory TransactionStore.
func NewTransactionStore() *TransactionStore {
	return &TransactionStore{
		records:   make(map[string]storage.TransactionRecord),
		listeners: make(map[int]func(storage.TransactionEvent)),
	}
}

func (s *TransactionStore) Create(_ context.Context, rec storage.TransactionRecord) error {
	s.mu.Lock()
	if _, exists := s.records[rec.ClientTxRef]; exists {
		s.mu.Unlock()
		return fmt.Errorf("memstore: transaction %q already exists", rec.ClientTxRef)
	}
	s.records[rec.ClientTxRef] = rec
	s.mu.Unlock()
	s.notify(storage.TransactionEvent{Type: "created", Record: rec})
	return nil
}

func (s *TransactionStore) Update(_ context.Context, rec storage.TransactionRecord) error {
	s.mu.Lock()
	s.records[rec.ClientTxRef] = rec
	s.mu.Unlock()
	s.notify(storage.TransactionEvent{Type: "updated", Record: rec})
	return nil
}

func (s *TransactionStore) Get(_ context.Context, clientTxRef string) (*storage.TransactionRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[clientTxRef]
	if !ok {
		return nil, false, nil
	}
	return &rec, true, nil
}

func (s *TransactionStore) List(_ context.Context, filter storage.TransactionFilter, page storage.Pagination) ([]storage.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]storage.TransactionRecord, 0, len(s.records))
	for _, rec := range s.records {
		if filter.Status != nil && rec.Status != *filter.Status {
			continue
		}
		if filter.ChannelID != nil && rec.ChannelID != *filter.ChannelID {
			continue
		}
		matched = append(matched, rec)
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
