package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/paymentkit/paymentkit/pkg/storage"
)

type pendingKey struct {
	channelID    [32]byte
	vmIDFragment string
	nonce        uint64
}

// PendingSubRAVRepository is an in-memory storage.PendingSubRAVRepository.
type PendingSubRAVRepository struct {
	mu      sync.RWMutex
	entries map[pendingKey]storage.PendingSubRAV
}

// NewPendingSubRAVRepository returns an empty in-memory repository.
func NewPendingSubRAVRepository() *PendingSubRAVRepository {
	return &PendingSubRAVRepository{entries: make(map[pendingKey]storage.PendingSubRAV)}
}

func (r *PendingSubRAVRepository) Save(_ context.Context, p storage.PendingSubRAV) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := pendingKey{channelID: p.SubRAV.ChannelID, vmIDFragment: p.SubRAV.VMIDFragment, nonce: p.SubRAV.Nonce}
	r.entries[k] = p
	return nil
}

func (r *PendingSubRAVRepository) Find(_ context.Context, channelID [32]byte, vmIDFragment string, nonce uint64) (*storage.PendingSubRAV, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.entries[pendingKey{channelID, vmIDFragment, nonce}]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (r *PendingSubRAVRepository) FindLatestBySubChannel(_ context.Context, channelID [32]byte, vmIDFragment string) (*storage.PendingSubRAV, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *storage.PendingSubRAV
	for k, v := range r.entries {
		if k.channelID != channelID || k.vmIDFragment != vmIDFragment {
			continue
		}
		v := v
		if best == nil || v.SubRAV.Nonce > best.SubRAV.Nonce {
			best = &v
		}
	}
	return best, nil
}

func (r *PendingSubRAVRepository) Remove(_ context.Context, channelID [32]byte, vmIDFragment string, nonce uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, pendingKey{channelID, vmIDFragment, nonce})
	return nil
}

func (r *PendingSubRAVRepository) Cleanup(_ context.Context, maxAge time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for k, v := range r.entries {
		if v.CreatedAt.Before(cutoff) {
			delete(r.entries, k)
			removed++
		}
	}
	return removed, nil
}

func (r *PendingSubRAVRepository) Stats(_ context.Context) (map[string]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]int{"pending": len(r.entries)}, nil
}
