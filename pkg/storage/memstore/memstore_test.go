package memstore

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/paymentkit/paymentkit/pkg/storage"
	"github.com/paymentkit/paymentkit/pkg/subrav"
)

func testChannelID(b byte) [32]byte {
	var id [32]byte
	id[31] = b
	return id
}

func TestChannelRepositoryRoundTrip(t *testing.T) {
	repo := NewChannelRepository()
	ctx := context.Background()
	id := testChannelID(1)

	if err := repo.SetChannel(ctx, storage.ChannelInfo{ChannelID: id, PayerDID: "did:payer:1", Status: "active"}); err != nil {
		t.Fatalf("SetChannel: %v", err)
	}

	got, ok, err := repo.GetChannel(ctx, id)
	if err != nil || !ok {
		t.Fatalf("GetChannel: ok=%v err=%v", ok, err)
	}
	if got.PayerDID != "did:payer:1" {
		t.Fatalf("PayerDID mismatch: %q", got.PayerDID)
	}

	if err := repo.RemoveChannel(ctx, id); err != nil {
		t.Fatalf("RemoveChannel: %v", err)
	}
	if _, ok, _ := repo.GetChannel(ctx, id); ok {
		t.Fatal("expected channel to be removed")
	}
}

func TestChannelRepositoryListFilterAndPaginate(t *testing.T) {
	repo := NewChannelRepository()
	ctx := context.Background()

	for i := byte(0); i < 5; i++ {
		status := "active"
		if i%2 == 0 {
			status = "closed"
		}
		_ = repo.SetChannel(ctx, storage.ChannelInfo{ChannelID: testChannelID(i + 1), Status: status})
	}

	activeStatus := "active"
	out, err := repo.ListChannels(ctx, storage.ChannelFilter{Status: &activeStatus}, storage.Pagination{})
	if err != nil {
		t.Fatalf("ListChannels: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 active channels, got %d", len(out))
	}

	all, _ := repo.ListChannels(ctx, storage.ChannelFilter{}, storage.Pagination{Offset: 1, Limit: 2})
	if len(all) != 2 {
		t.Fatalf("expected page of 2, got %d", len(all))
	}
}

func TestChannelRepositorySubChannelPartialUpdate(t *testing.T) {
	repo := NewChannelRepository()
	ctx := context.Background()
	key := storage.SubChannelKey{ChannelID: testChannelID(9), VMIDFragment: "key-1"}

	epoch := uint64(3)
	info, err := repo.UpdateSubChannel(ctx, key, storage.SubChannelUpdate{Epoch: &epoch})
	if err != nil {
		t.Fatalf("UpdateSubChannel: %v", err)
	}
	if info.Epoch != 3 {
		t.Fatalf("expected epoch 3, got %d", info.Epoch)
	}

	nonce := uint64(7)
	info, err = repo.UpdateSubChannel(ctx, key, storage.SubChannelUpdate{LastConfirmedNonce: &nonce})
	if err != nil {
		t.Fatalf("UpdateSubChannel: %v", err)
	}
	if info.Epoch != 3 {
		t.Fatal("expected epoch to be preserved across a partial update")
	}
	if info.LastConfirmedNonce != 7 {
		t.Fatalf("expected nonce 7, got %d", info.LastConfirmedNonce)
	}
}

func TestRAVRepositoryGetLatestAndUnclaimed(t *testing.T) {
	repo := NewRAVRepository()
	ctx := context.Background()
	chanID := testChannelID(4)

	for nonce := uint64(1); nonce <= 3; nonce++ {
		_ = repo.Save(ctx, subrav.SignedSubRAV{
			SubRAV: subrav.SubRAV{
				ChannelID:         chanID,
				VMIDFragment:      "frag-a",
				AccumulatedAmount: big.NewInt(int64(nonce) * 100),
				Nonce:             nonce,
			},
			Signature: []byte{byte(nonce)},
		})
	}

	latest, err := repo.GetLatest(ctx, chanID, "frag-a")
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if latest == nil || latest.SubRAV.Nonce != 3 {
		t.Fatalf("expected latest nonce 3, got %+v", latest)
	}

	unclaimed, err := repo.GetUnclaimedRAVs(ctx, chanID)
	if err != nil {
		t.Fatalf("GetUnclaimedRAVs: %v", err)
	}
	if len(unclaimed) != 1 || unclaimed["frag-a"].SubRAV.Nonce != 3 {
		t.Fatalf("expected a single unclaimed latest entry, got %+v", unclaimed)
	}

	if err := repo.MarkAsClaimed(ctx, chanID, "frag-a", 3, "0xabc"); err != nil {
		t.Fatalf("MarkAsClaimed: %v", err)
	}
	unclaimed, _ = repo.GetUnclaimedRAVs(ctx, chanID)
	if len(unclaimed) != 0 {
		t.Fatalf("expected no unclaimed entries after claiming the latest, got %+v", unclaimed)
	}
}

func TestRAVRepositoryCleanupKeepsLatest(t *testing.T) {
	repo := NewRAVRepository()
	ctx := context.Background()
	chanID := testChannelID(5)

	_ = repo.Save(ctx, subrav.SignedSubRAV{SubRAV: subrav.SubRAV{ChannelID: chanID, VMIDFragment: "f", AccumulatedAmount: big.NewInt(1), Nonce: 1}})
	_ = repo.MarkAsClaimed(ctx, chanID, "f", 1, "0x1")

	removed, err := repo.Cleanup(ctx, storage.CleanupPolicy{RetentionDays: -1, KeepLatestPerSubChannel: true})
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected the sole claimed entry to be kept as the latest, removed=%d", removed)
	}
}

func TestPendingSubRAVRepositoryFindLatest(t *testing.T) {
	repo := NewPendingSubRAVRepository()
	ctx := context.Background()
	chanID := testChannelID(6)

	for nonce := uint64(1); nonce <= 2; nonce++ {
		_ = repo.Save(ctx, storage.PendingSubRAV{
			SubRAV:    subrav.SubRAV{ChannelID: chanID, VMIDFragment: "f", Nonce: nonce},
			CreatedAt: time.Now(),
		})
	}

	latest, err := repo.FindLatestBySubChannel(ctx, chanID, "f")
	if err != nil || latest == nil {
		t.Fatalf("FindLatestBySubChannel: %+v err=%v", latest, err)
	}
	if latest.SubRAV.Nonce != 2 {
		t.Fatalf("expected nonce 2, got %d", latest.SubRAV.Nonce)
	}

	if err := repo.Remove(ctx, chanID, "f", 2); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if found, _ := repo.Find(ctx, chanID, "f", 2); found != nil {
		t.Fatal("expected entry to be removed")
	}
}

func TestTransactionStoreCreateAndSubscribe(t *testing.T) {
	store := NewTransactionStore()
	ctx := context.Background()

	var received []storage.TransactionEvent
	unsubscribe := store.Subscribe(func(ev storage.TransactionEvent) {
		received = append(received, ev)
	})
	defer unsubscribe()

	rec := storage.TransactionRecord{ClientTxRef: "tx-1", Status: storage.TxPending, CreatedAt: time.Now()}
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, rec); err == nil {
		t.Fatal("expected duplicate Create to fail")
	}

	rec.Status = storage.TxPaid
	if err := store.Update(ctx, rec); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, ok, err := store.Get(ctx, "tx-1")
	if err != nil || !ok || got.Status != storage.TxPaid {
		t.Fatalf("Get: got=%+v ok=%v err=%v", got, ok, err)
	}

	if len(received) != 2 {
		t.Fatalf("expected 2 events (create+update), got %d", len(received))
	}
}
