package memstore

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/paymentkit/paymentkit/pkg/storage"
)

// ChannelRepository is an in-memory storage.ChannelRepository, suitable for
// tests and single-process clients that do not need durability across
// restarts.
type ChannelRepository struct {
	mu           sync.RWMutex
	channels     map[[32]byte]storage.ChannelInfo
	subChannels  map[storage.SubChannelKey]storage.SubChannelInfo
	subChanKeys  *kmutex
}

// NewChannelRepository returns an empty in-memory ChannelRepository.
func NewChannelRepository() *ChannelRepository {
	return &ChannelRepository{
		channels:    make(map[[32]byte]storage.ChannelInfo),
		subChannels: make(map[storage.SubChannelKey]storage.SubChannelInfo),
		subChanKeys: newKmutex(),
	}
}

func (r *ChannelRepository) SetChannel(_ context.Context, info storage.ChannelInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[info.ChannelID] = info
	return nil
}

func (r *ChannelRepository) GetChannel(_ context.Context, channelID [32]byte) (storage.ChannelInfo, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.channels[channelID]
	return info, ok, nil
}

func (r *ChannelRepository) RemoveChannel(_ context.Context, channelID [32]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, channelID)
	return nil
}

func (r *ChannelRepository) ListChannels(_ context.Context, filter storage.ChannelFilter, page storage.Pagination) ([]storage.ChannelInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]storage.ChannelInfo, 0, len(r.channels))
	for _, info := range r.channels {
		if filter.PayerDID != nil && info.PayerDID != *filter.PayerDID {
			continue
		}
		if filter.PayeeDID != nil && info.PayeeDID != *filter.PayeeDID {
			continue
		}
		if filter.Status != nil && info.Status != *filter.Status {
			continue
		}
		if filter.AssetID != nil && info.AssetID != *filter.AssetID {
			continue
		}
		matched = append(matched, info)
	}

	sort.Slice(matched, func(i, j int) bool {
		return string(matched[i].ChannelID[:]) < string(matched[j].ChannelID[:])
	})

	return paginate(matched, page), nil
}

func paginate[T any](items []T, page storage.Pagination) []T {
	if page.Offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if page.Limit > 0 && page.Offset+page.Limit < end {
		end = page.Offset + page.Limit
	}
	return items[page.Offset:end]
}

func (r *ChannelRepository) GetSubChannel(_ context.Context, key storage.SubChannelKey) (storage.SubChannelInfo, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.subChannels[key]
	return info, ok, nil
}

// UpdateSubChannel applies a partial merge under a per-key lock so
// concurrent claims against the same sub-channel never interleave
// read-modify-write cycles (mirrors the per-sub-channel serialization
// requirement for claim submission).
func (r *ChannelRepository) UpdateSubChannel(_ context.Context, key storage.SubChannelKey, update storage.SubChannelUpdate) (storage.SubChannelInfo, error) {
	r.subChanKeys.Lock(key)
	defer r.subChanKeys.Unlock(key)

	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.subChannels[key]
	if !ok {
		info = storage.SubChannelInfo{
			ChannelID:         key.ChannelID,
			VMIDFragment:      key.VMIDFragment,
			LastClaimedAmount: big.NewInt(0),
		}
	}
	if update.Epoch != nil {
		info.Epoch = *update.Epoch
	}
	if update.LastClaimedAmount != nil {
		info.LastClaimedAmount = new(big.Int).Set(update.LastClaimedAmount)
	}
	if update.LastConfirmedNonce != nil {
		info.LastConfirmedNonce = *update.LastConfirmedNonce
	}
	info.LastUpdated = time.Now()
	r.subChannels[key] = info
	return info, nil
}

func (r *ChannelRepository) RemoveSubChannel(_ context.Context, key storage.SubChannelKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subChannels, key)
	return nil
}

func (r *ChannelRepository) ListSubChannels(_ context.Context, channelID [32]byte) ([]storage.SubChannelInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []storage.SubChannelInfo
	for k, v := range r.subChannels {
		if k.ChannelID == channelID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VMIDFragment < out[j].VMIDFragment })
	return out, nil
}

func (r *ChannelRepository) Stats(_ context.Context) (map[string]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]int{
		"channels":    len(r.channels),
		"subChannels": len(r.subChannels),
	}, nil
}
