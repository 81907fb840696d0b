package boltstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/paymentkit/paymentkit/pkg/storage"
	"github.com/paymentkit/paymentkit/pkg/subrav"
)

// RAVRepository is a bbolt-backed storage.RAVRepository. Each entry is keyed
// by channelId || 0x00 || vmIdFragment || big-endian nonce so a bucket
// cursor scan naturally yields an ascending-nonce sequence per sub-channel,
// and its value is the canonical subrav binary encoding plus signature and
// claim metadata, not a generic blob format.
type RAVRepository struct {
	db *DB
}

// NewRAVRepository wraps an open DB as a storage.RAVRepository.
func NewRAVRepository(db *DB) *RAVRepository {
	return &RAVRepository{db: db}
}

func ravBoltKeyPrefix(channelID [32]byte, vmIDFragment string) []byte {
	return append(append([]byte{}, channelID[:]...), append([]byte{0}, []byte(vmIDFragment)...)...)
}

func ravBoltKey(s subrav.SubRAV) []byte {
	k := ravBoltKeyPrefix(s.ChannelID, s.VMIDFragment)
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], s.Nonce)
	return append(k, nonce[:]...)
}

// ravRecord is the persisted envelope: canonical receipt bytes, signature,
// and claim bookkeeping that is not part of the signed payload itself.
type ravRecord struct {
	Encoded   []byte
	Signature []byte
	Claimed   bool
	TxHash    string
	SavedAt   time.Time
	ClaimedAt time.Time
}

func encodeRecord(rec ravRecord) ([]byte, error) {
	// Length-prefixed concatenation keeps this free of reflection-based
	// codecs for a handful of fixed fields.
	buf := make([]byte, 0, len(rec.Encoded)+len(rec.Signature)+len(rec.TxHash)+64)
	var tmp [8]byte

	binary.BigEndian.PutUint32(tmp[:4], uint32(len(rec.Encoded)))
	buf = append(buf, tmp[:4]...)
	buf = append(buf, rec.Encoded...)

	binary.BigEndian.PutUint32(tmp[:4], uint32(len(rec.Signature)))
	buf = append(buf, tmp[:4]...)
	buf = append(buf, rec.Signature...)

	binary.BigEndian.PutUint32(tmp[:4], uint32(len(rec.TxHash)))
	buf = append(buf, tmp[:4]...)
	buf = append(buf, []byte(rec.TxHash)...)

	claimedByte := byte(0)
	if rec.Claimed {
		claimedByte = 1
	}
	buf = append(buf, claimedByte)

	binary.BigEndian.PutUint64(tmp[:], uint64(rec.SavedAt.UnixNano()))
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], uint64(rec.ClaimedAt.UnixNano()))
	buf = append(buf, tmp[:]...)

	return buf, nil
}

func decodeRecord(data []byte) (ravRecord, error) {
	var rec ravRecord
	pos := 0
	readChunk := func() ([]byte, error) {
		if pos+4 > len(data) {
			return nil, fmt.Errorf("boltstore: truncated rav record")
		}
		n := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		pos += 4
		if pos+n > len(data) {
			return nil, fmt.Errorf("boltstore: truncated rav record body")
		}
		chunk := data[pos : pos+n]
		pos += n
		return chunk, nil
	}

	encoded, err := readChunk()
	if err != nil {
		return rec, err
	}
	sig, err := readChunk()
	if err != nil {
		return rec, err
	}
	txHash, err := readChunk()
	if err != nil {
		return rec, err
	}
	if pos+1+16 > len(data) {
		return rec, fmt.Errorf("boltstore: truncated rav record trailer")
	}
	claimed := data[pos] == 1
	pos++
	savedAt := int64(binary.BigEndian.Uint64(data[pos : pos+8]))
	pos += 8
	claimedAt := int64(binary.BigEndian.Uint64(data[pos : pos+8]))

	rec.Encoded = encoded
	rec.Signature = sig
	rec.TxHash = string(txHash)
	rec.Claimed = claimed
	rec.SavedAt = time.Unix(0, savedAt)
	rec.ClaimedAt = time.Unix(0, claimedAt)
	return rec, nil
}

func (r *RAVRepository) Save(_ context.Context, signed subrav.SignedSubRAV) error {
	encoded, err := subrav.Encode(signed.SubRAV)
	if err != nil {
		return fmt.Errorf("boltstore: encoding subrav: %w", err)
	}
	data, err := encodeRecord(ravRecord{Encoded: encoded, Signature: signed.Signature, SavedAt: time.Now()})
	if err != nil {
		return err
	}
	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(ravsBucket).Put(ravBoltKey(signed.SubRAV), data)
	})
}

func (r *RAVRepository) GetLatest(_ context.Context, channelID [32]byte, vmIDFragment string) (*subrav.SignedSubRAV, error) {
	var out *subrav.SignedSubRAV
	err := r.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(ravsBucket).Cursor()
		prefix := ravBoltKeyPrefix(channelID, vmIDFragment)
		// keys sharing the prefix sort ascending by nonce; the last match is latest.
		var lastKey, lastVal []byte
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			lastKey, lastVal = k, v
		}
		if lastKey == nil {
			return nil
		}
		rec, err := decodeRecord(lastVal)
		if err != nil {
			return err
		}
		subRAV, err := subrav.Decode(rec.Encoded)
		if err != nil {
			return fmt.Errorf("boltstore: decoding subrav: %w", err)
		}
		out = &subrav.SignedSubRAV{SubRAV: subRAV, Signature: rec.Signature}
		return nil
	})
	return out, err
}

func (r *RAVRepository) List(_ context.Context, channelID [32]byte) ([]subrav.SignedSubRAV, error) {
	var out []subrav.SignedSubRAV
	err := r.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(ravsBucket).Cursor()
		for k, v := c.Seek(channelID[:]); k != nil && hasPrefix(k, channelID[:]); k, v = c.Next() {
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			subRAV, err := subrav.Decode(rec.Encoded)
			if err != nil {
				return fmt.Errorf("boltstore: decoding subrav: %w", err)
			}
			out = append(out, subrav.SignedSubRAV{SubRAV: subRAV, Signature: rec.Signature})
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubRAV.VMIDFragment != out[j].SubRAV.VMIDFragment {
			return out[i].SubRAV.VMIDFragment < out[j].SubRAV.VMIDFragment
		}
		return out[i].SubRAV.Nonce < out[j].SubRAV.Nonce
	})
	return out, err
}

func (r *RAVRepository) GetUnclaimedRAVs(_ context.Context, channelID [32]byte) (map[string]subrav.SignedSubRAV, error) {
	type latestEntry struct {
		signed  subrav.SignedSubRAV
		claimed bool
	}
	latest := make(map[string]latestEntry)

	err := r.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(ravsBucket).Cursor()
		for k, v := c.Seek(channelID[:]); k != nil && hasPrefix(k, channelID[:]); k, v = c.Next() {
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			subRAV, err := subrav.Decode(rec.Encoded)
			if err != nil {
				return err
			}
			frag := subRAV.VMIDFragment
			cur, ok := latest[frag]
			if !ok || subRAV.Nonce > cur.signed.SubRAV.Nonce {
				latest[frag] = latestEntry{
					signed:  subrav.SignedSubRAV{SubRAV: subRAV, Signature: rec.Signature},
					claimed: rec.Claimed,
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string]subrav.SignedSubRAV)
	for frag, e := range latest {
		if !e.claimed {
			out[frag] = e.signed
		}
	}
	return out, nil
}

func (r *RAVRepository) MarkAsClaimed(_ context.Context, channelID [32]byte, vmIDFragment string, nonce uint64, txHash string) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(ravsBucket)
		key := ravBoltKey(subrav.SubRAV{ChannelID: channelID, VMIDFragment: vmIDFragment, Nonce: nonce})
		data := bucket.Get(key)
		if data == nil {
			return nil
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return err
		}
		rec.Claimed = true
		rec.TxHash = txHash
		rec.ClaimedAt = time.Now()
		encoded, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		return bucket.Put(key, encoded)
	})
}

func (r *RAVRepository) Cleanup(_ context.Context, policy storage.CleanupPolicy) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -policy.RetentionDays)
	removed := 0
	err := r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(ravsBucket)
		c := bucket.Cursor()

		highest := make(map[string]uint64)
		if policy.KeepLatestPerSubChannel {
			for k, v := c.First(); k != nil; k, v = c.Next() {
				rec, err := decodeRecord(v)
				if err != nil {
					return err
				}
				subRAV, err := subrav.Decode(rec.Encoded)
				if err != nil {
					return err
				}
				fragKey := string(subRAV.ChannelID[:]) + "\x00" + subRAV.VMIDFragment
				if n, ok := highest[fragKey]; !ok || subRAV.Nonce > n {
					highest[fragKey] = subRAV.Nonce
				}
			}
		}

		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			if !rec.Claimed || rec.ClaimedAt.After(cutoff) {
				continue
			}
			subRAV, err := subrav.Decode(rec.Encoded)
			if err != nil {
				return err
			}
			if policy.KeepLatestPerSubChannel {
				fragKey := string(subRAV.ChannelID[:]) + "\x00" + subRAV.VMIDFragment
				if highest[fragKey] == subRAV.Nonce {
					continue
				}
			}
			toDelete = append(toDelete, append([]byte{}, k...))
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
