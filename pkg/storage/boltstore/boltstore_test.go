package boltstore

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/paymentkit/paymentkit/pkg/storage"
	"github.com/paymentkit/paymentkit/pkg/subrav"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testChannelID(b byte) [32]byte {
	var id [32]byte
	id[31] = b
	return id
}

func TestChannelRepositoryRoundTrip(t *testing.T) {
	db := openTestDB(t)
	repo := NewChannelRepository(db)
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
}

func TestChannelRepositorySubChannelPartialUpdate(t *testing.T) {
	db := openTestDB(t)
	repo := NewChannelRepository(db)
	ctx := context.Background()
	key := storage.SubChannelKey{ChannelID: testChannelID(2), VMIDFragment: "key-1"}

	epoch := uint64(3)
	if _, err := repo.UpdateSubChannel(ctx, key, storage.SubChannelUpdate{Epoch: &epoch}); err != nil {
		t.Fatalf("UpdateSubChannel: %v", err)
	}

	nonce := uint64(7)
	info, err := repo.UpdateSubChannel(ctx, key, storage.SubChannelUpdate{LastConfirmedNonce: &nonce})
	if err != nil {
		t.Fatalf("UpdateSubChannel: %v", err)
	}
	if info.Epoch != 3 || info.LastConfirmedNonce != 7 {
		t.Fatalf("expected epoch=3 nonce=7, got %+v", info)
	}
}

func TestRAVRepositoryPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	chanID := testChannelID(3)

	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	repo := NewRAVRepository(db)
	ctx := context.Background()
	for nonce := uint64(1); nonce <= 3; nonce++ {
		if err := repo.Save(ctx, subrav.SignedSubRAV{
			SubRAV: subrav.SubRAV{
				Version:           subrav.SupportedVersion,
				ChannelID:         chanID,
				VMIDFragment:      "frag-a",
				AccumulatedAmount: big.NewInt(int64(nonce) * 100),
				Nonce:             nonce,
			},
			Signature: []byte{byte(nonce)},
		}); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	db.Close()

	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()
	repo2 := NewRAVRepository(db2)

	latest, err := repo2.GetLatest(ctx, chanID, "frag-a")
	if err != nil || latest == nil {
		t.Fatalf("GetLatest after reopen: %+v err=%v", latest, err)
	}
	if latest.SubRAV.Nonce != 3 {
		t.Fatalf("expected nonce 3 to survive reopen, got %d", latest.SubRAV.Nonce)
	}

	unclaimed, err := repo2.GetUnclaimedRAVs(ctx, chanID)
	if err != nil {
		t.Fatalf("GetUnclaimedRAVs: %v", err)
	}
	if len(unclaimed) != 1 {
		t.Fatalf("expected 1 unclaimed sub-channel, got %d", len(unclaimed))
	}

	if err := repo2.MarkAsClaimed(ctx, chanID, "frag-a", 3, "0xabc"); err != nil {
		t.Fatalf("MarkAsClaimed: %v", err)
	}
	unclaimed, _ = repo2.GetUnclaimedRAVs(ctx, chanID)
	if len(unclaimed) != 0 {
		t.Fatalf("expected no unclaimed entries after claiming the latest, got %+v", unclaimed)
	}
}

func TestPendingSubRAVRepositoryFindLatest(t *testing.T) {
	db := openTestDB(t)
	repo := NewPendingSubRAVRepository(db)
	ctx := context.Background()
	chanID := testChannelID(4)

	for nonce := uint64(1); nonce <= 2; nonce++ {
		if err := repo.Save(ctx, storage.PendingSubRAV{
			SubRAV:    subrav.SubRAV{ChannelID: chanID, VMIDFragment: "f", Nonce: nonce, AccumulatedAmount: big.NewInt(0)},
			CreatedAt: time.Now(),
		}); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	latest, err := repo.FindLatestBySubChannel(ctx, chanID, "f")
	if err != nil || latest == nil {
		t.Fatalf("FindLatestBySubChannel: %+v err=%v", latest, err)
	}
	if latest.SubRAV.Nonce != 2 {
		t.Fatalf("expected nonce 2, got %d", latest.SubRAV.Nonce)
	}
}

func TestTransactionStoreCreateRejectsDuplicate(t *testing.T) {
	db := openTestDB(t)
	store := NewTransactionStore(db)
	ctx := context.Background()

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
}
