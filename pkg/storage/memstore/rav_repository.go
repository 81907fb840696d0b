package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/paymentkit/paymentkit/pkg/storage"
	"github.com/paymentkit/paymentkit/pkg/subrav"
)

type ravKey struct {
	channelID    [32]byte
	vmIDFragment string
	nonce        uint64
}

type ravEntry struct {
	signed   subrav.SignedSubRAV
	savedAt  time.Time
	claimed  bool
	txHash   string
	claimedAt time.Time
}

// RAVRepository is an in-memory storage.RAVRepository holding the complete
// signed-RAV log, unbounded except by an explicit Cleanup call.
type RAVRepository struct {
	mu      sync.RWMutex
	entries map[ravKey]ravEntry
}

// NewRAVRepository returns an empty in-memory RAVRepository.
func NewRAVRepository() *RAVRepository {
	return &RAVRepository{entries: make(map[ravKey]ravEntry)}
}

func keyOf(s subrav.SubRAV) ravKey {
	return ravKey{channelID: s.ChannelID, vmIDFragment: s.VMIDFragment, nonce: s.Nonce}
}

func (r *RAVRepository) Save(_ context.Context, signed subrav.SignedSubRAV) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[keyOf(signed.SubRAV)] = ravEntry{signed: signed, savedAt: time.Now()}
	return nil
}

func (r *RAVRepository) GetLatest(_ context.Context, channelID [32]byte, vmIDFragment string) (*subrav.SignedSubRAV, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *ravEntry
	for k, v := range r.entries {
		if k.channelID != channelID || k.vmIDFragment != vmIDFragment {
			continue
		}
		v := v
		if best == nil || v.signed.SubRAV.Nonce > best.signed.SubRAV.Nonce {
			best = &v
		}
	}
	if best == nil {
		return nil, nil
	}
	out := best.signed
	return &out, nil
}

func (r *RAVRepository) List(_ context.Context, channelID [32]byte) ([]subrav.SignedSubRAV, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []subrav.SignedSubRAV
	for k, v := range r.entries {
		if k.channelID == channelID {
			out = append(out, v.signed)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubRAV.VMIDFragment != out[j].SubRAV.VMIDFragment {
			return out[i].SubRAV.VMIDFragment < out[j].SubRAV.VMIDFragment
		}
		return out[i].SubRAV.Nonce < out[j].SubRAV.Nonce
	})
	return out, nil
}

func (r *RAVRepository) GetUnclaimedRAVs(_ context.Context, channelID [32]byte) (map[string]subrav.SignedSubRAV, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Pick the overall highest-nonce entry per vmIdFragment first, then check
	// only that entry's claimed flag: a claimed latest nonce supersedes every
	// earlier unclaimed one, so it must not be masked by filtering claimed
	// entries before the max-nonce comparison.
	latest := make(map[string]ravEntry)
	for k, v := range r.entries {
		if k.channelID != channelID {
			continue
		}
		cur, ok := latest[k.vmIDFragment]
		if !ok || v.signed.SubRAV.Nonce > cur.signed.SubRAV.Nonce {
			latest[k.vmIDFragment] = v
		}
	}
	out := make(map[string]subrav.SignedSubRAV, len(latest))
	for frag, e := range latest {
		if !e.claimed {
			out[frag] = e.signed
		}
	}
	return out, nil
}

func (r *RAVRepository) MarkAsClaimed(_ context.Context, channelID [32]byte, vmIDFragment string, nonce uint64, txHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := ravKey{channelID: channelID, vmIDFragment: vmIDFragment, nonce: nonce}
	e, ok := r.entries[k]
	if !ok {
		return nil
	}
	e.claimed = true
	e.txHash = txHash
	e.claimedAt = time.Now()
	r.entries[k] = e
	return nil
}

// Cleanup prunes claimed entries older than the retention window. When
// KeepLatestPerSubChannel is set, the highest-nonce entry per sub-channel is
// always retained regardless of age, so GetLatest never regresses.
func (r *RAVRepository) Cleanup(_ context.Context, policy storage.CleanupPolicy) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -policy.RetentionDays)

	highest := make(map[string]uint64)
	if policy.KeepLatestPerSubChannel {
		for k := range r.entries {
			frag := string(k.channelID[:]) + "\x00" + k.vmIDFragment
			if n, ok := highest[frag]; !ok || k.nonce > n {
				highest[frag] = k.nonce
			}
		}
	}

	removed := 0
	for k, e := range r.entries {
		if !e.claimed || e.claimedAt.After(cutoff) {
			continue
		}
		if policy.KeepLatestPerSubChannel {
			frag := string(k.channelID[:]) + "\x00" + k.vmIDFragment
			if highest[frag] == k.nonce {
				continue
			}
		}
		delete(r.entries, k)
		removed++
	}
	return removed, nil
}
