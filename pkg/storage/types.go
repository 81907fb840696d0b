package storage

import (
	"context"
	"math/big"
	"time"

	"github.com/paymentkit/paymentkit/pkg/subrav"
)

// SubChannelKey uniquely identifies a sub-channel cursor. Using a struct (not
// a concatenated string) avoids key-collision ambiguity across channels
// (spec §4.4.1 invariant).
type SubChannelKey struct {
	ChannelID    [32]byte
	VMIDFragment string
}

// ChannelInfo is the locally cached mirror of on-chain channel metadata
// (spec §3).
type ChannelInfo struct {
	ChannelID [32]byte
	PayerDID  string
	PayeeDID  string
	AssetID   string
	Epoch     uint64
	Status    string // "active" | "closing" | "closed"
}

// SubChannelInfo is the per-sub-channel cursor (spec §3). Source of truth is
// the chain; this is a mirror.
type SubChannelInfo struct {
	ChannelID          [32]byte
	Epoch              uint64
	VMIDFragment       string
	LastClaimedAmount  *big.Int
	LastConfirmedNonce uint64
	LastUpdated        time.Time
}

// SubChannelUpdate is a partial update applied to a SubChannelInfo; nil
// fields are left unmodified (spec §4.4.1: "partial merge").
type SubChannelUpdate struct {
	Epoch              *uint64
	LastClaimedAmount  *big.Int
	LastConfirmedNonce *uint64
}

// PendingSubRAV is an unsigned SubRAV the payee has offered but not yet
// received back signed (spec §3).
type PendingSubRAV struct {
	SubRAV    subrav.SubRAV
	CreatedAt time.Time
}

// ChannelFilter narrows ChannelRepository.List (spec §4.4.1).
type ChannelFilter struct {
	PayerDID *string
	PayeeDID *string
	Status   *string
	AssetID  *string
}

// Pagination bounds a List call.
type Pagination struct {
	Offset int
	Limit  int
}

// TransactionStatus is the lifecycle state of a TransactionRecord (spec §3).
type TransactionStatus string

const (
	TxPending TransactionStatus = "pending"
	TxFree    TransactionStatus = "free"
	TxPaid    TransactionStatus = "paid"
	TxError   TransactionStatus = "error"
)

// PaymentSnapshot captures the payment-specific fields of a TransactionRecord.
type PaymentSnapshot struct {
	Cost         *big.Int
	CostUSD      *big.Int // picoUSD, per spec §2 pUSD unit
	Nonce        uint64
	ServiceTxRef string
}

// TransactionRecord is the client-side observability ledger entry (spec §3).
type TransactionRecord struct {
	ClientTxRef string
	Protocol    string
	Target      string
	Streaming   bool
	ChannelID   [32]byte
	VMIDFragment string
	AssetID     string
	Payment     PaymentSnapshot
	Status      TransactionStatus
	StatusCode  int
	DurationMs  int64
	CreatedAt   time.Time
}

// TransactionFilter narrows TransactionStore.List.
type TransactionFilter struct {
	Status    *TransactionStatus
	ChannelID *[32]byte
}

// TransactionEvent is emitted by TransactionStore.Subscribe.
type TransactionEvent struct {
	Type   string // "created" | "updated"
	Record TransactionRecord
}

// CleanupPolicy configures RAVRepository.Cleanup (spec §4.4.2).
type CleanupPolicy struct {
	RetentionDays          int
	KeepLatestPerSubChannel bool
}

// ChannelRepository persists channel metadata and sub-channel cursors
// (spec §4.4.1).
type ChannelRepository interface {
	SetChannel(ctx context.Context, info ChannelInfo) error
	GetChannel(ctx context.Context, channelID [32]byte) (ChannelInfo, bool, error)
	RemoveChannel(ctx context.Context, channelID [32]byte) error
	ListChannels(ctx context.Context, filter ChannelFilter, page Pagination) ([]ChannelInfo, error)

	GetSubChannel(ctx context.Context, key SubChannelKey) (SubChannelInfo, bool, error)
	UpdateSubChannel(ctx context.Context, key SubChannelKey, update SubChannelUpdate) (SubChannelInfo, error)
	RemoveSubChannel(ctx context.Context, key SubChannelKey) error
	ListSubChannels(ctx context.Context, channelID [32]byte) ([]SubChannelInfo, error)

	Stats(ctx context.Context) (map[string]int, error)
}

// RAVRepository persists the append-only signed RAV log (spec §4.4.2).
type RAVRepository interface {
	Save(ctx context.Context, signed subrav.SignedSubRAV) error
	GetLatest(ctx context.Context, channelID [32]byte, vmIDFragment string) (*subrav.SignedSubRAV, error)
	List(ctx context.Context, channelID [32]byte) ([]subrav.SignedSubRAV, error)
	GetUnclaimedRAVs(ctx context.Context, channelID [32]byte) (map[string]subrav.SignedSubRAV, error)
	MarkAsClaimed(ctx context.Context, channelID [32]byte, vmIDFragment string, nonce uint64, txHash string) error
	Cleanup(ctx context.Context, policy CleanupPolicy) (int, error)
}

// PendingSubRAVRepository persists unsigned proposals awaiting a signature
// (spec §4.4.3).
type PendingSubRAVRepository interface {
	Save(ctx context.Context, p PendingSubRAV) error
	Find(ctx context.Context, channelID [32]byte, vmIDFragment string, nonce uint64) (*PendingSubRAV, error)
	FindLatestBySubChannel(ctx context.Context, channelID [32]byte, vmIDFragment string) (*PendingSubRAV, error)
	Remove(ctx context.Context, channelID [32]byte, vmIDFragment string, nonce uint64) error
	Cleanup(ctx context.Context, maxAge time.Duration) (int, error)
	Stats(ctx context.Context) (map[string]int, error)
}

// TransactionStore persists the observability ledger (spec §4.4.4).
type TransactionStore interface {
	Create(ctx context.Context, rec TransactionRecord) error
	Update(ctx context.Context, rec TransactionRecord) error
	Get(ctx context.Context, clientTxRef string) (*TransactionRecord, bool, error)
	List(ctx context.Context, filter TransactionFilter, page Pagination) ([]TransactionRecord, error)
	Subscribe(listener func(TransactionEvent)) (unsubscribe func())
}
