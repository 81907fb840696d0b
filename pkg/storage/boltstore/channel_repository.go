package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/paymentkit/paymentkit/pkg/storage"
)

// ChannelRepository is a bbolt-backed storage.ChannelRepository.
type ChannelRepository struct {
	db *DB
}

// NewChannelRepository wraps an open DB as a storage.ChannelRepository.
func NewChannelRepository(db *DB) *ChannelRepository {
	return &ChannelRepository{db: db}
}

type jsonChannelInfo struct {
	ChannelID string
	PayerDID  string
	PayeeDID  string
	AssetID   string
	Epoch     uint64
	Status    string
}

func toJSONChannel(info storage.ChannelInfo) jsonChannelInfo {
	return jsonChannelInfo{
		ChannelID: fmt.Sprintf("%x", info.ChannelID),
		PayerDID:  info.PayerDID,
		PayeeDID:  info.PayeeDID,
		AssetID:   info.AssetID,
		Epoch:     info.Epoch,
		Status:    info.Status,
	}
}

func (j jsonChannelInfo) toInfo(channelID [32]byte) storage.ChannelInfo {
	return storage.ChannelInfo{
		ChannelID: channelID,
		PayerDID:  j.PayerDID,
		PayeeDID:  j.PayeeDID,
		AssetID:   j.AssetID,
		Epoch:     j.Epoch,
		Status:    j.Status,
	}
}

func (r *ChannelRepository) SetChannel(_ context.Context, info storage.ChannelInfo) error {
	data, err := json.Marshal(toJSONChannel(info))
	if err != nil {
		return fmt.Errorf("boltstore: marshaling channel: %w", err)
	}
	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(channelsBucket).Put(info.ChannelID[:], data)
	})
}

func (r *ChannelRepository) GetChannel(_ context.Context, channelID [32]byte) (storage.ChannelInfo, bool, error) {
	var out storage.ChannelInfo
	found := false
	err := r.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(channelsBucket).Get(channelID[:])
		if data == nil {
			return nil
		}
		var j jsonChannelInfo
		if err := json.Unmarshal(data, &j); err != nil {
			return fmt.Errorf("boltstore: unmarshaling channel: %w", err)
		}
		out = j.toInfo(channelID)
		found = true
		return nil
	})
	return out, found, err
}

func (r *ChannelRepository) RemoveChannel(_ context.Context, channelID [32]byte) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(channelsBucket).Delete(channelID[:])
	})
}

func (r *ChannelRepository) ListChannels(_ context.Context, filter storage.ChannelFilter, page storage.Pagination) ([]storage.ChannelInfo, error) {
	var matched []storage.ChannelInfo
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(channelsBucket).ForEach(func(k, v []byte) error {
			var j jsonChannelInfo
			if err := json.Unmarshal(v, &j); err != nil {
				return fmt.Errorf("boltstore: unmarshaling channel: %w", err)
			}
			var channelID [32]byte
			copy(channelID[:], k)
			info := j.toInfo(channelID)

			if filter.PayerDID != nil && info.PayerDID != *filter.PayerDID {
				return nil
			}
			if filter.PayeeDID != nil && info.PayeeDID != *filter.PayeeDID {
				return nil
			}
			if filter.Status != nil && info.Status != *filter.Status {
				return nil
			}
			if filter.AssetID != nil && info.AssetID != *filter.AssetID {
				return nil
			}
			matched = append(matched, info)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(matched, func(i, j int) bool { return string(matched[i].ChannelID[:]) < string(matched[j].ChannelID[:]) })
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

func subChannelBoltKey(key storage.SubChannelKey) []byte {
	return append(append([]byte{}, key.ChannelID[:]...), append([]byte{0}, []byte(key.VMIDFragment)...)...)
}

type jsonSubChannelInfo struct {
	Epoch              uint64
	VMIDFragment       string
	LastClaimedAmount  string
	LastConfirmedNonce uint64
	LastUpdated        time.Time
}

func (r *ChannelRepository) GetSubChannel(_ context.Context, key storage.SubChannelKey) (storage.SubChannelInfo, bool, error) {
	var out storage.SubChannelInfo
	found := false
	err := r.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(subChannelsBucket).Get(subChannelBoltKey(key))
		if data == nil {
			return nil
		}
		var j jsonSubChannelInfo
		if err := json.Unmarshal(data, &j); err != nil {
			return fmt.Errorf("boltstore: unmarshaling sub-channel: %w", err)
		}
		amount, _ := new(big.Int).SetString(j.LastClaimedAmount, 10)
		out = storage.SubChannelInfo{
			ChannelID:          key.ChannelID,
			Epoch:              j.Epoch,
			VMIDFragment:       j.VMIDFragment,
			LastClaimedAmount:  amount,
			LastConfirmedNonce: j.LastConfirmedNonce,
			LastUpdated:        j.LastUpdated,
		}
		found = true
		return nil
	})
	return out, found, err
}

func (r *ChannelRepository) UpdateSubChannel(_ context.Context, key storage.SubChannelKey, update storage.SubChannelUpdate) (storage.SubChannelInfo, error) {
	var out storage.SubChannelInfo
	err := r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(subChannelsBucket)
		k := subChannelBoltKey(key)

		info := storage.SubChannelInfo{
			ChannelID:         key.ChannelID,
			VMIDFragment:      key.VMIDFragment,
			LastClaimedAmount: big.NewInt(0),
		}
		if data := bucket.Get(k); data != nil {
			var j jsonSubChannelInfo
			if err := json.Unmarshal(data, &j); err != nil {
				return fmt.Errorf("boltstore: unmarshaling sub-channel: %w", err)
			}
			amount, _ := new(big.Int).SetString(j.LastClaimedAmount, 10)
			info = storage.SubChannelInfo{
				ChannelID:          key.ChannelID,
				Epoch:              j.Epoch,
				VMIDFragment:       j.VMIDFragment,
				LastClaimedAmount:  amount,
				LastConfirmedNonce: j.LastConfirmedNonce,
				LastUpdated:        j.LastUpdated,
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

		data, err := json.Marshal(jsonSubChannelInfo{
			Epoch:              info.Epoch,
			VMIDFragment:       info.VMIDFragment,
			LastClaimedAmount:  info.LastClaimedAmount.String(),
			LastConfirmedNonce: info.LastConfirmedNonce,
			LastUpdated:        info.LastUpdated,
		})
		if err != nil {
			return fmt.Errorf("boltstore: marshaling sub-channel: %w", err)
		}
		if err := bucket.Put(k, data); err != nil {
			return err
		}
		out = info
		return nil
	})
	return out, err
}

func (r *ChannelRepository) RemoveSubChannel(_ context.Context, key storage.SubChannelKey) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(subChannelsBucket).Delete(subChannelBoltKey(key))
	})
}

func (r *ChannelRepository) ListSubChannels(_ context.Context, channelID [32]byte) ([]storage.SubChannelInfo, error) {
	var out []storage.SubChannelInfo
	err := r.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(subChannelsBucket).Cursor()
		prefix := channelID[:]
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var j jsonSubChannelInfo
			if err := json.Unmarshal(v, &j); err != nil {
				return fmt.Errorf("boltstore: unmarshaling sub-channel: %w", err)
			}
			amount, _ := new(big.Int).SetString(j.LastClaimedAmount, 10)
			out = append(out, storage.SubChannelInfo{
				ChannelID:          channelID,
				Epoch:              j.Epoch,
				VMIDFragment:       j.VMIDFragment,
				LastClaimedAmount:  amount,
				LastConfirmedNonce: j.LastConfirmedNonce,
				LastUpdated:        j.LastUpdated,
			})
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].VMIDFragment < out[j].VMIDFragment })
	return out, err
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}

func (r *ChannelRepository) Stats(_ context.Context) (map[string]int, error) {
	stats := map[string]int{}
	err := r.db.View(func(tx *bbolt.Tx) error {
		stats["channels"] = tx.Bucket(channelsBucket).Stats().KeyN
		stats["subChannels"] = tx.Bucket(subChannelsBucket).Stats().KeyN
		return nil
	})
	return stats, err
}
